package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	// MaxAIRetries is the retry budget beyond the first transcription
	// attempt; 0 disables retries.
	MaxAIRetries  int           `env:"MAX_AI_RETRIES" envDefault:"5"`
	AIFailureRate float64       `env:"AI_FAILURE_RATE" envDefault:"0.25"`
	AIMinLatency  time.Duration `env:"AI_MIN_LATENCY" envDefault:"1s"`
	AIMaxLatency  time.Duration `env:"AI_MAX_LATENCY" envDefault:"3s"`

	// MQTT intake is optional: leave MQTT_BROKER_URL empty to run
	// HTTP-only.
	MQTTBrokerURL string `env:"MQTT_BROKER_URL"`
	MQTTTopic     string `env:"MQTT_TOPIC" envDefault:"calls/+/packets"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"callflow"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	// Parse environment variables into config struct
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.AIFailureRate < 0 || c.AIFailureRate > 1 {
		return fmt.Errorf("AI_FAILURE_RATE must be in [0,1], got %v", c.AIFailureRate)
	}
	if c.MaxAIRetries < 0 {
		return fmt.Errorf("MAX_AI_RETRIES must be >= 0, got %d", c.MaxAIRetries)
	}
	if c.AIMinLatency < 0 || c.AIMaxLatency < c.AIMinLatency {
		return fmt.Errorf("AI latency range invalid: min=%v max=%v", c.AIMinLatency, c.AIMaxLatency)
	}
	return nil
}
