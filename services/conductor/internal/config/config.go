// Package config loads conductor settings from the environment and an
// optional driver-bundle file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"corrald/services/conductor/internal/fsm"
)

// Config is everything a conductor process needs beyond its secrets.
type Config struct {
	// ConductorID identifies this process in the conductor registry and in
	// node reservations. Defaults to the hostname.
	ConductorID string

	DatabaseURL string
	NATSURL     string

	// APIBase is the externally reachable URL agents call back on.
	APIBase string

	// ImageBucket holds deploy kernels, ramdisks, and instance images.
	ImageBucket string
	PresignTTL  time.Duration

	Workers           int
	SweepInterval     time.Duration
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	// LivenessWindow is how long since a heartbeat a conductor still counts
	// as alive when building the ring.
	LivenessWindow time.Duration
	RingReplicas   int
	// StepTimeout bounds a single synchronous hardware interface call.
	StepTimeout time.Duration

	// DriversFile optionally declares extra driver bundles in YAML.
	DriversFile string

	callbackTimeouts map[fsm.State]time.Duration
	retryBudgets     map[fsm.State]int
}

// Load reads the environment. DATABASE_URL is the only required knob.
func Load() (*Config, error) {
	cfg := &Config{
		ConductorID:       os.Getenv("CONDUCTOR_ID"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		NATSURL:           envStr("NATS_URL", "nats://127.0.0.1:4222"),
		APIBase:           envStr("CONDUCTOR_API_BASE", "http://127.0.0.1:8080"),
		ImageBucket:       envStr("CONDUCTOR_IMAGE_BUCKET", "corral-images"),
		PresignTTL:        envDuration("CONDUCTOR_PRESIGN_TTL", time.Hour),
		Workers:           envInt("CONDUCTOR_WORKERS", 8),
		SweepInterval:     envDuration("CONDUCTOR_SWEEP_INTERVAL", 30*time.Second),
		LeaseTTL:          envDuration("CONDUCTOR_LEASE_TTL", 60*time.Second),
		HeartbeatInterval: envDuration("CONDUCTOR_HEARTBEAT_INTERVAL", 10*time.Second),
		LivenessWindow:    envDuration("CONDUCTOR_LIVENESS_WINDOW", 90*time.Second),
		RingReplicas:      envInt("CONDUCTOR_RING_REPLICAS", 128),
		StepTimeout:       envDuration("CONDUCTOR_STEP_TIMEOUT", 2*time.Minute),
		DriversFile:       os.Getenv("CONDUCTOR_DRIVERS_FILE"),
	}

	if cfg.ConductorID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("CONDUCTOR_ID is unset and hostname lookup failed: %w", err)
		}
		cfg.ConductorID = host
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.Workers < 1 {
		return nil, errors.New("CONDUCTOR_WORKERS must be at least 1")
	}
	if cfg.LeaseTTL <= 0 || cfg.SweepInterval <= 0 || cfg.HeartbeatInterval <= 0 {
		return nil, errors.New("lease, sweep, and heartbeat intervals must be positive")
	}
	if cfg.LivenessWindow <= cfg.HeartbeatInterval {
		return nil, errors.New("CONDUCTOR_LIVENESS_WINDOW must exceed CONDUCTOR_HEARTBEAT_INTERVAL")
	}
	if cfg.RingReplicas < 1 {
		return nil, errors.New("CONDUCTOR_RING_REPLICAS must be at least 1")
	}

	cfg.callbackTimeouts = map[fsm.State]time.Duration{
		fsm.WaitCallBack: envDuration("CONDUCTOR_DEPLOY_CALLBACK_TIMEOUT", 30*time.Minute),
		fsm.CleanWait:    envDuration("CONDUCTOR_CLEAN_CALLBACK_TIMEOUT", 30*time.Minute),
		fsm.InspectWait:  envDuration("CONDUCTOR_INSPECT_CALLBACK_TIMEOUT", 15*time.Minute),
		fsm.RescueWait:   envDuration("CONDUCTOR_RESCUE_CALLBACK_TIMEOUT", 15*time.Minute),
	}
	cfg.retryBudgets = map[fsm.State]int{
		fsm.WaitCallBack: envInt("CONDUCTOR_DEPLOY_CALLBACK_RETRIES", 1),
		fsm.CleanWait:    envInt("CONDUCTOR_CLEAN_CALLBACK_RETRIES", 0),
		fsm.InspectWait:  envInt("CONDUCTOR_INSPECT_CALLBACK_RETRIES", 0),
		fsm.RescueWait:   envInt("CONDUCTOR_RESCUE_CALLBACK_RETRIES", 0),
	}

	return cfg, nil
}

// CallbackTimeout returns how long a node may sit in the given wait state
// before the sweeper intervenes.
func (c *Config) CallbackTimeout(state fsm.State) time.Duration {
	if d, ok := c.callbackTimeouts[state]; ok {
		return d
	}
	return 30 * time.Minute
}

// RetryBudget returns how many times a timed-out wait state is restarted
// before taking its failure edge.
func (c *Config) RetryBudget(state fsm.State) int {
	return c.retryBudgets[state]
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
