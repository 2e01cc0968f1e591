package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"driftline/internal/domain"
)

// FileName is the config file looked up in the workspace.
const FileName = "driftline.yml"

// Config models driftline.yml.
type Config struct {
	Server struct {
		Addr           string        `yaml:"addr"`
		BasePath       string        `yaml:"base_path"`
		JWTSecret      string        `yaml:"jwt_secret"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"server"`
	Storage struct {
		Workspace string `yaml:"workspace"`
	} `yaml:"storage"`
	Registry  RegistryConfig `yaml:"registry"`
	Cache     CacheConfig    `yaml:"cache"`
	Instances struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"instances"`
	Drift struct {
		Retention       time.Duration   `yaml:"retention"`
		DefaultSeverity domain.Severity `yaml:"default_severity"`
	} `yaml:"drift"`
	Approvals struct {
		MaxRetries        int                    `yaml:"max_retries"`
		GovernanceEnabled bool                   `yaml:"governance_enabled"`
		DefaultGates      map[string][]GateEntry `yaml:"default_gates"`
	} `yaml:"approvals"`
	Notify struct {
		NATSURL       string `yaml:"nats_url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"notify"`
	Sweeper struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"sweeper"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type RegistryConfig struct {
	Kind    string        `yaml:"kind"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Consul  struct {
		Address    string `yaml:"address"`
		Datacenter string `yaml:"datacenter"`
		Token      string `yaml:"token"`
		Prefix     string `yaml:"prefix"`
	} `yaml:"consul"`
	// Static maps "app/profile" or "app/profile/label" to properties.
	Static map[string]map[string]string `yaml:"static"`
}

type CacheConfig struct {
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

type GateEntry struct {
	Gate         string `yaml:"gate"`
	MinApprovals int    `yaml:"min_approvals"`
}

const (
	RegistryStatic = "static"
	RegistryHTTP   = "http"
	RegistryConsul = "consul"
)

// Gates converts the configured default gates to domain form.
func (c *Config) Gates() map[domain.RequestType][]domain.GateRequirement {
	out := make(map[domain.RequestType][]domain.GateRequirement, len(c.Approvals.DefaultGates))
	for t, entries := range c.Approvals.DefaultGates {
		for _, g := range entries {
			out[domain.RequestType(t)] = append(out[domain.RequestType(t)], domain.GateRequirement{Gate: g.Gate, MinApprovals: g.MinApprovals})
		}
	}
	return out
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Registry.Kind {
	case RegistryStatic:
	case RegistryHTTP:
		if c.Registry.URL == "" {
			return fmt.Errorf("config.registry.url is required for the http registry")
		}
	case RegistryConsul:
	default:
		return fmt.Errorf("config.registry.kind must be one of static, http, consul")
	}
	for key := range c.Registry.Static {
		if n := strings.Count(key, "/"); n < 1 || n > 2 {
			return fmt.Errorf("static registry key %q must be app/profile or app/profile/label", key)
		}
	}
	if c.Drift.DefaultSeverity != "" && !c.Drift.DefaultSeverity.Valid() {
		return fmt.Errorf("config.drift.default_severity %q is not a severity", c.Drift.DefaultSeverity)
	}
	if c.Approvals.MaxRetries < 0 {
		return fmt.Errorf("config.approvals.max_retries must not be negative")
	}
	for t, gates := range c.Approvals.DefaultGates {
		if !domain.RequestType(t).Valid() {
			return fmt.Errorf("config.approvals.default_gates has unknown request type %s", t)
		}
		if len(gates) == 0 {
			return fmt.Errorf("default gates for %s are empty", t)
		}
		for _, g := range gates {
			if g.Gate == "" {
				return fmt.Errorf("default gates for %s contain an empty gate", t)
			}
			if g.MinApprovals < 1 {
				return fmt.Errorf("gate %s for %s needs min_approvals >= 1", g.Gate, t)
			}
		}
	}
	for name, d := range map[string]time.Duration{
		"server.request_timeout": c.Server.RequestTimeout,
		"registry.timeout":       c.Registry.Timeout,
		"cache.ttl":              c.Cache.TTL,
		"instances.ttl":          c.Instances.TTL,
		"drift.retention":        c.Drift.Retention,
		"sweeper.interval":       c.Sweeper.Interval,
	} {
		if d < 0 {
			return fmt.Errorf("config.%s must not be negative", name)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with dl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the workspace has no config file.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML overlays raw YAML on the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Overridable lists the scalar keys that may be set from the environment.
func Overridable() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set assigns one scalar key in dotted form, e.g. "server.addr".
func (c *Config) Set(key, value string) error {
	set, ok := setters[key]
	if !ok {
		return fmt.Errorf("unknown config key %s", key)
	}
	if err := set(c, value); err != nil {
		return fmt.Errorf("config %s: %w", key, err)
	}
	return nil
}

func str(f func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error { *f(c) = v; return nil }
}

func dur(f func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*f(c) = d
		return nil
	}
}

var setters = map[string]func(*Config, string) error{
	"server.addr":             str(func(c *Config) *string { return &c.Server.Addr }),
	"server.base_path":        str(func(c *Config) *string { return &c.Server.BasePath }),
	"server.jwt_secret":       str(func(c *Config) *string { return &c.Server.JWTSecret }),
	"server.request_timeout":  dur(func(c *Config) *time.Duration { return &c.Server.RequestTimeout }),
	"storage.workspace":       str(func(c *Config) *string { return &c.Storage.Workspace }),
	"registry.kind":           str(func(c *Config) *string { return &c.Registry.Kind }),
	"registry.url":            str(func(c *Config) *string { return &c.Registry.URL }),
	"registry.timeout":        dur(func(c *Config) *time.Duration { return &c.Registry.Timeout }),
	"registry.consul.address": str(func(c *Config) *string { return &c.Registry.Consul.Address }),
	"registry.consul.token":   str(func(c *Config) *string { return &c.Registry.Consul.Token }),
	"registry.consul.prefix":  str(func(c *Config) *string { return &c.Registry.Consul.Prefix }),
	"cache.redis_url":         str(func(c *Config) *string { return &c.Cache.RedisURL }),
	"cache.ttl":               dur(func(c *Config) *time.Duration { return &c.Cache.TTL }),
	"instances.ttl":           dur(func(c *Config) *time.Duration { return &c.Instances.TTL }),
	"drift.retention":         dur(func(c *Config) *time.Duration { return &c.Drift.Retention }),
	"drift.default_severity": func(c *Config, v string) error {
		c.Drift.DefaultSeverity = domain.Severity(strings.ToUpper(v))
		return nil
	},
	"approvals.max_retries": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.Approvals.MaxRetries = n
		return nil
	},
	"approvals.governance_enabled": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Approvals.GovernanceEnabled = b
		return nil
	},
	"notify.nats_url":       str(func(c *Config) *string { return &c.Notify.NATSURL }),
	"notify.subject_prefix": str(func(c *Config) *string { return &c.Notify.SubjectPrefix }),
	"sweeper.interval":      dur(func(c *Config) *time.Duration { return &c.Sweeper.Interval }),
	"log.level":             str(func(c *Config) *string { return &c.Log.Level }),
	"log.format":            str(func(c *Config) *string { return &c.Log.Format }),
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""
  request_timeout: 30s

storage:
  workspace: .

registry:
  kind: static
  timeout: 5s
  consul:
    prefix: config

cache:
  ttl: 1m

instances:
  ttl: 1h

drift:
  retention: 720h
  default_severity: MEDIUM

approvals:
  max_retries: 5
  governance_enabled: true
  default_gates:
    CLAIM_OWNERSHIP:
      - gate: SYS_ADMIN
        min_approvals: 1
    TRANSFER_OWNERSHIP:
      - gate: SERVICE_OWNER
        min_approvals: 1
      - gate: SYS_ADMIN
        min_approvals: 1

notify:
  subject_prefix: driftline

sweeper:
  interval: 5m

log:
  level: info
  format: json
`
