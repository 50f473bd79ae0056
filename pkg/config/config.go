// Package config loads sandboxd's static YAML configuration, the layer
// cobra flags in cmd/sandboxd and cmd/sandbox-proxy sit on top of. It
// unmarshals into a typed struct and validates and defaults fields after
// unmarshal rather than via struct tags.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// KindConfig mirrors pool.KindConfig in its YAML-friendly form (durations
// as strings, resources as plain ints) so pool.Config never has to import
// this package.
type KindConfig struct {
	Target        int               `yaml:"target"`
	NamePrefix    string            `yaml:"name_prefix"`
	Image         string            `yaml:"image"`
	CPUMillicores int64             `yaml:"cpu_millicores"`
	MemoryBytes   int64             `yaml:"memory_bytes"`
	Env           map[string]string `yaml:"env,omitempty"`
}

// Config is the full static configuration for a sandboxd control-plane
// replica. Raft/store settings, pool targets, lifecycle/cleanup timeouts,
// the gateway's admin key, and the broker's base URL all live here; the
// egress proxy sidecar uses the smaller ProxyConfig below instead, since
// it runs as a separate process inside each sandbox pod.
type Config struct {
	Node struct {
		ID       string `yaml:"id"`
		BindAddr string `yaml:"bind_addr"`
		DataDir  string `yaml:"data_dir"`
	} `yaml:"node"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Pool struct {
		MaxTotal         int                   `yaml:"max_total"`
		BackfillInterval string                `yaml:"backfill_interval"`
		Kinds            map[string]KindConfig `yaml:"kinds"`
	} `yaml:"pool"`

	Lifecycle struct {
		PollInterval    string `yaml:"poll_interval"`
		ProbeTimeout    string `yaml:"probe_timeout"`
		PodReadyTimeout string `yaml:"pod_ready_timeout"`
		HealthCheckPath string `yaml:"health_check_path"`
		HealthCheckPort int    `yaml:"health_check_port"`
	} `yaml:"lifecycle"`

	Cleanup struct {
		CheckInterval string `yaml:"check_interval"`
		MaxLifetime   string `yaml:"max_lifetime"`
		IdleTimeout   string `yaml:"idle_timeout"`
		MaxWarmAge    string `yaml:"max_warm_age,omitempty"`
	} `yaml:"cleanup"`

	Gateway struct {
		Addr     string `yaml:"addr"`
		AdminKey string `yaml:"admin_key"`
	} `yaml:"gateway"`

	Broker struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"broker"`
}

// Default returns a Config with the bounded defaults spec.md §5 names
// (pod-ready 30-300s, idle 1-1440min, max-lifetime 1-1440min, back-fill
// 10-300s, cleanup 1-60min); every default lies inside its range (the
// cleanup interval sits at its 1-minute minimum).
func Default() Config {
	var c Config
	c.Node.ID = "sandboxd-1"
	c.Node.BindAddr = "127.0.0.1:7950"
	c.Node.DataDir = "./sandboxd-data"
	c.Log.Level = "info"
	c.Pool.MaxTotal = 50
	c.Pool.BackfillInterval = "30s"
	c.Lifecycle.PollInterval = "2s"
	c.Lifecycle.ProbeTimeout = "5s"
	c.Lifecycle.PodReadyTimeout = "90s"
	c.Lifecycle.HealthCheckPath = "/healthz"
	c.Lifecycle.HealthCheckPort = 8080
	c.Cleanup.CheckInterval = "1m"
	c.Cleanup.MaxLifetime = "4h"
	c.Cleanup.IdleTimeout = "15m"
	c.Gateway.Addr = "127.0.0.1:8090"
	return c
}

// Load reads and parses a YAML config file at path, defaulting unset
// fields and validating the bounded ranges §5 requires.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces §5's bounded timeout ranges. A misconfigured startup
// value is a Fatal error per §7 — the process should not start rather
// than run with a silently clamped setting.
func (c Config) Validate() error {
	podReady, err := time.ParseDuration(c.Lifecycle.PodReadyTimeout)
	if err != nil {
		return fmt.Errorf("config: lifecycle.pod_ready_timeout: %w", err)
	}
	if podReady < 30*time.Second || podReady > 300*time.Second {
		return fmt.Errorf("config: lifecycle.pod_ready_timeout %s out of range [30s,300s]", podReady)
	}

	idle, err := time.ParseDuration(c.Cleanup.IdleTimeout)
	if err != nil {
		return fmt.Errorf("config: cleanup.idle_timeout: %w", err)
	}
	if idle < time.Minute || idle > 1440*time.Minute {
		return fmt.Errorf("config: cleanup.idle_timeout %s out of range [1m,1440m]", idle)
	}

	maxLifetime, err := time.ParseDuration(c.Cleanup.MaxLifetime)
	if err != nil {
		return fmt.Errorf("config: cleanup.max_lifetime: %w", err)
	}
	if maxLifetime < time.Minute || maxLifetime > 1440*time.Minute {
		return fmt.Errorf("config: cleanup.max_lifetime %s out of range [1m,1440m]", maxLifetime)
	}

	backfill, err := time.ParseDuration(c.Pool.BackfillInterval)
	if err != nil {
		return fmt.Errorf("config: pool.backfill_interval: %w", err)
	}
	if backfill < 10*time.Second || backfill > 300*time.Second {
		return fmt.Errorf("config: pool.backfill_interval %s out of range [10s,300s]", backfill)
	}

	check, err := time.ParseDuration(c.Cleanup.CheckInterval)
	if err != nil {
		return fmt.Errorf("config: cleanup.check_interval: %w", err)
	}
	if check < time.Minute || check > 60*time.Minute {
		return fmt.Errorf("config: cleanup.check_interval %s out of range [1m,60m]", check)
	}

	if len(c.Pool.Kinds) == 0 {
		return fmt.Errorf("config: pool.kinds must define at least one sandbox kind")
	}
	for name, kc := range c.Pool.Kinds {
		if kc.Image == "" {
			return fmt.Errorf("config: pool.kinds.%s: image is required", name)
		}
	}
	return nil
}

// ProxyConfig is the egress proxy sidecar's standalone configuration
// (cmd/sandbox-proxy): unlike the control plane it has no raft/store
// section, only the listener addresses, the sandbox's own identity, the
// domain policy, and the broker it calls for tokens.
type ProxyConfig struct {
	SandboxID string `yaml:"sandbox_id"`
	ProxyAddr string `yaml:"proxy_addr"`
	AdminAddr string `yaml:"admin_addr"`

	Broker struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"broker"`

	Policy []PolicyEntry `yaml:"policy"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`
}

// PolicyEntry is one line of the YAML-encoded domain policy (§3
// DomainPolicy), matched exactly and case-insensitively by the proxy.
type PolicyEntry struct {
	Host          string   `yaml:"host"`
	Mode          string   `yaml:"mode"` // mitm | passthrough | deny
	AllowedScopes []string `yaml:"allowed_scopes,omitempty"`
}

// DefaultProxy returns a ProxyConfig with the default proxy/admin ports
// §6 names (8080 and 8081).
func DefaultProxy() ProxyConfig {
	var c ProxyConfig
	c.ProxyAddr = "127.0.0.1:8080"
	c.AdminAddr = "127.0.0.1:8081"
	c.Log.Level = "info"
	return c
}

// LoadProxy reads and parses a proxy config file at path.
func LoadProxy(path string) (ProxyConfig, error) {
	cfg := DefaultProxy()
	data, err := os.ReadFile(path)
	if err != nil {
		return ProxyConfig{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ProxyConfig{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	for _, p := range cfg.Policy {
		switch p.Mode {
		case "mitm", "passthrough", "deny":
		default:
			return ProxyConfig{}, fmt.Errorf("config: policy host %s: invalid mode %q", p.Host, p.Mode)
		}
	}
	return cfg, nil
}
