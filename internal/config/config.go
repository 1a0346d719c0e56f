package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

const (
	TransportWebSocket = "websocket"
	TransportTCP       = "tcp"
)

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Payment   PaymentConfig   `yaml:"payment"`
	Chat      ChatConfig      `yaml:"chat"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Transport string `yaml:"transport"` // "websocket" or "tcp"
	Port      int    `yaml:"port"`
	CertFile  string `yaml:"cert_file"`
	KeyFile   string `yaml:"key_file"`
}

type PaymentConfig struct {
	TimeoutSeconds uint64 `yaml:"timeout_seconds"`
	DeclineOver    uint64 `yaml:"decline_over"` // 0 approves everything
}

type ChatConfig struct {
	QueueDepth int `yaml:"queue_depth"`
}

type RateLimitConfig struct {
	CallsPerSecond float64 `yaml:"calls_per_second"` // 0 disables rate limiting
	Burst          int     `yaml:"burst"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // "debug", "info", "warn", "error"
}

// LoadConfig loads configuration from a yaml file and applies defaults.
func LoadConfig(file string) (*Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in defaults for unset fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Transport == "" {
		cfg.Server.Transport = TransportWebSocket
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	if cfg.Payment.TimeoutSeconds == 0 {
		cfg.Payment.TimeoutSeconds = 10
	}

	if cfg.Chat.QueueDepth == 0 {
		cfg.Chat.QueueDepth = 32
	}

	if cfg.RateLimit.CallsPerSecond > 0 && cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 1
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate rejects configurations the server cannot run with.
func Validate(cfg *Config) error {
	switch cfg.Server.Transport {
	case TransportWebSocket, TransportTCP:
	default:
		return fmt.Errorf("unknown transport: %q", cfg.Server.Transport)
	}
	if (cfg.Server.CertFile == "") != (cfg.Server.KeyFile == "") {
		return fmt.Errorf("cert_file and key_file must be set together")
	}
	return nil
}
