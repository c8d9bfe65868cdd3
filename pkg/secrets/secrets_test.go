package secrets

import (
	"testing"

	"filippo.io/age"
)

func newTestBox(t *testing.T) *Box {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return &Box{identity: identity, recipient: identity.Recipient()}
}

func TestSealUnsealRoundTrip(t *testing.T) {
	box := newTestBox(t)

	sealed, err := box.Seal("hunter2")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !IsSealed(sealed) {
		t.Fatalf("sealed value missing tag: %q", sealed)
	}

	plain, err := box.Unseal(sealed)
	if err != nil {
		t.Fatalf("unseal: %v", err)
	}
	if plain != "hunter2" {
		t.Fatalf("unseal = %q, want %q", plain, "hunter2")
	}
}

func TestUnsealPassesThroughPlaintext(t *testing.T) {
	box := newTestBox(t)

	plain, err := box.Unseal("not-sealed")
	if err != nil {
		t.Fatalf("unseal: %v", err)
	}
	if plain != "not-sealed" {
		t.Fatalf("unseal = %q, want passthrough", plain)
	}
}

func TestSealMapOnlyTouchesCredentials(t *testing.T) {
	box := newTestBox(t)

	sealed, err := box.SealMap(map[string]any{
		"bmc_address":  "10.0.0.5",
		"bmc_password": "hunter2",
		"port":         443,
	})
	if err != nil {
		t.Fatalf("seal map: %v", err)
	}

	if sealed["bmc_address"] != "10.0.0.5" {
		t.Fatalf("non-credential key mutated: %v", sealed["bmc_address"])
	}
	if sealed["port"] != 443 {
		t.Fatalf("non-string value mutated: %v", sealed["port"])
	}
	if !IsSealed(sealed["bmc_password"].(string)) {
		t.Fatalf("bmc_password not sealed")
	}

	unsealed, err := box.UnsealMap(sealed)
	if err != nil {
		t.Fatalf("unseal map: %v", err)
	}
	if unsealed["bmc_password"] != "hunter2" {
		t.Fatalf("bmc_password = %v, want hunter2", unsealed["bmc_password"])
	}
}
