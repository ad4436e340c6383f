package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BrokerKind selects the transport
type BrokerKind string

const (
	BrokerMemory BrokerKind = "memory"
	BrokerNATS   BrokerKind = "nats"
	BrokerMQTT   BrokerKind = "mqtt"
)

// BackoffConfig bounds the reconnect delay
type BackoffConfig struct {
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
	Factor   float64       `yaml:"factor"`
}

// BrokerConfig configures the message transport
type BrokerConfig struct {
	Kind     BrokerKind    `yaml:"kind"`
	URL      string        `yaml:"url"`
	ClientID string        `yaml:"client_id"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Backoff  BackoffConfig `yaml:"backoff"`
}

// ShadowConfig configures the document store
type ShadowConfig struct {
	ShardCount   int  `yaml:"shard_count"`
	AutoRegister bool `yaml:"auto_register"`
	PruneApplied bool `yaml:"prune_applied"`
}

// DispatcherConfig configures delivery retry behavior
type DispatcherConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

// LogConfig configures logging output
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the daemon configuration
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	ListenAddr string           `yaml:"listen_addr"`
	Broker     BrokerConfig     `yaml:"broker"`
	Shadow     ShadowConfig     `yaml:"shadow"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Log        LogConfig        `yaml:"log"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		DataDir:    "/var/lib/umbra",
		ListenAddr: ":8080",
		Broker: BrokerConfig{
			Kind: BrokerMemory,
			Backoff: BackoffConfig{
				MinDelay: 200 * time.Millisecond,
				MaxDelay: 20 * time.Second,
				Factor:   2,
			},
		},
		Shadow: ShadowConfig{
			ShardCount: 64,
		},
		Dispatcher: DispatcherConfig{
			MaxRetries: 5,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for mistakes that would only
// surface at runtime
func (c *Config) Validate() error {
	switch c.Broker.Kind {
	case BrokerMemory:
	case BrokerNATS, BrokerMQTT:
		if c.Broker.URL == "" {
			return fmt.Errorf("broker.url is required for kind %q", c.Broker.Kind)
		}
	default:
		return fmt.Errorf("unknown broker kind %q", c.Broker.Kind)
	}

	if c.Shadow.ShardCount <= 0 {
		return fmt.Errorf("shadow.shard_count must be positive, got %d", c.Shadow.ShardCount)
	}
	if c.Dispatcher.MaxRetries <= 0 {
		return fmt.Errorf("dispatcher.max_retries must be positive, got %d", c.Dispatcher.MaxRetries)
	}
	if c.Broker.Backoff.MinDelay <= 0 || c.Broker.Backoff.MaxDelay < c.Broker.Backoff.MinDelay {
		return fmt.Errorf("broker.backoff delays are inconsistent")
	}
	return nil
}
