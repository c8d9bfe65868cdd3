// Package agent implements the ramdisk-side worker. It boots from the iPXE
// environment a conductor staged, reads its identity from the kernel command
// line, does the work the suspended step is waiting on, and reports back
// through the API with the minted callback token.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const (
	// ConfigPath is the fallback configuration file when the kernel command
	// line carries no corral.* arguments (rescue shells, testing).
	ConfigPath = "/etc/corrald/agent.conf"

	cmdlinePath = "/proc/cmdline"

	argAPI   = "corral.api"
	argNode  = "corral.node"
	argToken = "corral.token"
)

// Config identifies the node this ramdisk runs on and how to call home.
type Config struct {
	API    string `json:"api"`
	NodeID string `json:"node_id"`
	Token  string `json:"token"`
}

// Service performs the suspended step's work and reports the outcome.
type Service struct {
	client *http.Client
	config Config
	logger *log.Logger
}

// NewService resolves configuration from the kernel command line first and
// the config file second.
func NewService(configPath string) (*Service, error) {
	cfg, err := resolveConfig(configPath)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.API) == "" {
		return nil, errors.New("no api endpoint configured")
	}
	if strings.TrimSpace(cfg.NodeID) == "" {
		return nil, errors.New("no node id configured")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("no callback token configured")
	}

	return &Service{
		client: &http.Client{Timeout: 30 * time.Second},
		config: cfg,
		logger: log.New(os.Stdout, "corral-agent: ", log.LstdFlags),
	}, nil
}

// Run collects the hardware inventory and reports it, retrying with backoff
// until the API accepts the callback or rejects the token.
func (s *Service) Run(ctx context.Context) error {
	payload := map[string]any{
		"inventory": collectInventory(),
	}

	backoff := 2 * time.Second
	for {
		err := s.callback(ctx, payload)
		if err == nil {
			s.logger.Printf("callback accepted for node %s", s.config.NodeID)
			return nil
		}
		if errors.Is(err, errTokenRejected) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Printf("callback failed, retrying in %s: %v", backoff, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}

var errTokenRejected = errors.New("callback token rejected")

func (s *Service) callback(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(map[string]any{
		"token":   s.config.Token,
		"payload": payload,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/v1/nodes/%s/callback", strings.TrimRight(s.config.API, "/"), s.config.NodeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case resp.StatusCode == http.StatusForbidden:
		return errTokenRejected
	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("callback status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
}

// collectInventory gathers what this ramdisk can see. Fields that cannot be
// read are omitted rather than failing the whole report.
func collectInventory() map[string]any {
	inventory := map[string]any{
		"cpus": runtime.NumCPU(),
		"arch": runtime.GOARCH,
	}

	if hostname, err := os.Hostname(); err == nil {
		inventory["hostname"] = hostname
	}
	if kernel, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
		inventory["kernel"] = strings.TrimSpace(string(kernel))
	}
	if mem, ok := readMemTotalKB(); ok {
		inventory["memory_mb"] = mem / 1024
	}
	if macs := readMACs(); len(macs) > 0 {
		inventory["macs"] = macs
	}

	return inventory
}

func readMemTotalKB() (int64, bool) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb, true
	}
	return 0, false
}

func readMACs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var macs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		macs = append(macs, iface.HardwareAddr.String())
	}
	return macs
}

// resolveConfig prefers kernel arguments over the config file. A partial
// command line falls back per-field to the file values.
func resolveConfig(configPath string) (Config, error) {
	cfg := configFromCmdline(cmdlinePath)
	if cfg.API != "" && cfg.NodeID != "" && cfg.Token != "" {
		return cfg, nil
	}

	fileCfg, err := loadConfigFile(configPath)
	if err != nil {
		if cfg.API != "" || cfg.NodeID != "" || cfg.Token != "" {
			return cfg, nil
		}
		return Config{}, err
	}

	if cfg.API == "" {
		cfg.API = fileCfg.API
	}
	if cfg.NodeID == "" {
		cfg.NodeID = fileCfg.NodeID
	}
	if cfg.Token == "" {
		cfg.Token = fileCfg.Token
	}
	return cfg, nil
}

func configFromCmdline(path string) Config {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	return parseCmdline(string(data))
}

func parseCmdline(cmdline string) Config {
	var cfg Config
	for _, field := range strings.Fields(cmdline) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case argAPI:
			cfg.API = value
		case argNode:
			cfg.NodeID = value
		case argToken:
			cfg.Token = value
		}
	}
	return cfg
}

func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
