package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"corrald/services/conductor/internal/fsm"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/corrald")
	t.Setenv("CONDUCTOR_ID", "cond-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConductorID != "cond-1" {
		t.Fatalf("conductor id = %q", cfg.ConductorID)
	}
	if cfg.Workers != 8 {
		t.Fatalf("workers = %d", cfg.Workers)
	}
	if cfg.LeaseTTL != 60*time.Second {
		t.Fatalf("lease ttl = %v", cfg.LeaseTTL)
	}
	if cfg.RetryBudget(fsm.WaitCallBack) != 1 {
		t.Fatal("deploy wait should retry once by default")
	}
	if cfg.RetryBudget(fsm.CleanWait) != 0 {
		t.Fatal("clean wait should not retry by default")
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"missing database url", map[string]string{"DATABASE_URL": "", "CONDUCTOR_ID": "c"}},
		{"zero workers", map[string]string{
			"DATABASE_URL":      "postgres://x",
			"CONDUCTOR_ID":      "c",
			"CONDUCTOR_WORKERS": "0",
		}},
		{"liveness below heartbeat", map[string]string{
			"DATABASE_URL":               "postgres://x",
			"CONDUCTOR_ID":               "c",
			"CONDUCTOR_LIVENESS_WINDOW":  "5s",
			"CONDUCTOR_HEARTBEAT_INTERVAL": "10s",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCallbackKnobs(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://x")
	t.Setenv("CONDUCTOR_ID", "c")
	t.Setenv("CONDUCTOR_CLEAN_CALLBACK_TIMEOUT", "5m")
	t.Setenv("CONDUCTOR_CLEAN_CALLBACK_RETRIES", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.CallbackTimeout(fsm.CleanWait); got != 5*time.Minute {
		t.Fatalf("clean wait timeout = %v", got)
	}
	if got := cfg.RetryBudget(fsm.CleanWait); got != 2 {
		t.Fatalf("clean wait retries = %d", got)
	}
}

func TestLoadDriverSpecs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drivers.yaml")
	body := `drivers:
  - name: lab-hardware
    defaults:
      power: fake
      deploy: agent
    supported:
      power: [fake]
      deploy: [agent]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	specs, err := LoadDriverSpecs(path)
	if err != nil {
		t.Fatalf("load specs: %v", err)
	}
	if len(specs) != 1 || specs[0].Name != "lab-hardware" {
		t.Fatalf("unexpected specs: %+v", specs)
	}
	if specs[0].Defaults["deploy"] != "agent" {
		t.Fatalf("unexpected defaults: %v", specs[0].Defaults)
	}

	if specs, err := LoadDriverSpecs(""); err != nil || specs != nil {
		t.Fatal("empty path must be a no-op")
	}
}
