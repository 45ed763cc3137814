package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/scorchlab/scorch/types"
)

// Config is the engine configuration, loaded once at startup.
type Config struct {
	Version      string `yaml:"version" validate:"required"`
	Region       string `yaml:"region" validate:"required"`
	LedgerTable  string `yaml:"ledger_table" validate:"required"`
	LimiterTable string `yaml:"limiter_table" validate:"required"`
	QueueURL     string `yaml:"queue_url"`
	ReportBucket string `yaml:"report_bucket"`
	Cluster      string `yaml:"cluster"`
	StoragePath  string `yaml:"storage_path"`
	PolicyPath   string `yaml:"policy_path"`
	ListenAddr   string `yaml:"listen_addr"`
	MetricsAddr  string `yaml:"metrics_addr"`

	Limits   Limits           `yaml:"limits"`
	Cleanup  Cleanup          `yaml:"cleanup"`
	Identity Identity         `yaml:"identity"`
	Monitor  Monitor          `yaml:"monitor"`
	Catalog  []types.Scenario `yaml:"scenarios" validate:"min=1,dive"`
}

// Limits configures the admission rate limiter.
type Limits struct {
	GlobalCeiling    int           `yaml:"global_ceiling"`
	GlobalWindow     time.Duration `yaml:"global_window"`
	ScenarioCeiling  int           `yaml:"scenario_ceiling"`
	ScenarioWindow   time.Duration `yaml:"scenario_window"`
	RequesterCeiling int           `yaml:"requester_ceiling"`
	RequesterWindow  time.Duration `yaml:"requester_window"`
}

// Cleanup bounds the deletion engine's retry behavior.
type Cleanup struct {
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// Identity configures ephemeral credential provisioning.
type Identity struct {
	PropagationWait time.Duration `yaml:"propagation_wait"`
}

// Monitor configures the monitoring phase poll loop.
type Monitor struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxDuration  time.Duration `yaml:"max_duration"`
}

// Load reads and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Default returns a config with sane engine defaults applied.
func Default() *Config {
	return &Config{
		ListenAddr:  ":8080",
		MetricsAddr: ":9090",
		Limits: Limits{
			GlobalCeiling:    10,
			GlobalWindow:     time.Hour,
			ScenarioCeiling:  3,
			ScenarioWindow:   time.Hour,
			RequesterCeiling: 5,
			RequesterWindow:  time.Hour,
		},
		Cleanup: Cleanup{
			MaxRetries:  5,
			BackoffBase: 2 * time.Second,
			BackoffCap:  60 * time.Second,
			CallTimeout: 30 * time.Second,
		},
		Identity: Identity{
			PropagationWait: 60 * time.Second,
		},
		Monitor: Monitor{
			PollInterval: 15 * time.Minute,
			MaxDuration:  8 * time.Hour,
		},
	}
}

// Validate ensures the config is internally consistent.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Cleanup.MaxRetries < 1 {
		return fmt.Errorf("cleanup max_retries must be at least 1")
	}
	if c.Cleanup.BackoffBase <= 0 || c.Cleanup.BackoffCap < c.Cleanup.BackoffBase {
		return fmt.Errorf("cleanup backoff_cap must be >= backoff_base")
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor poll_interval must be positive")
	}
	seen := make(map[string]bool, len(c.Catalog))
	for _, s := range c.Catalog {
		if s.Name == "" {
			return fmt.Errorf("scenario with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate scenario %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// Scenario looks up a catalog entry by name.
func (c *Config) Scenario(name string) (types.Scenario, bool) {
	for _, s := range c.Catalog {
		if s.Name == name {
			return s, true
		}
	}
	return types.Scenario{}, false
}

// EnabledScenarios returns the catalog minus disabled entries.
func (c *Config) EnabledScenarios() []types.Scenario {
	out := make([]types.Scenario, 0, len(c.Catalog))
	for _, s := range c.Catalog {
		if !s.Disabled {
			out = append(out, s)
		}
	}
	return out
}
