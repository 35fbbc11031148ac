package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is read from the environment. Keys are the section and field
// names, e.g. SERVER_PORT, SANDBOX_SETTLE_INTERVAL or DB_USER. Fields carry no
// envconfig tag on purpose: a tag also makes envconfig fall back to the bare
// name, and USER or PORT are usually set for other reasons.
type Config struct {
	Server    ServerConfig
	Sandbox   SandboxConfig
	RateLimit RateLimitConfig
	Db        DbConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port         string `default:"8080"`
	ReadTimeout  int    `split_words:"true" default:"15"`
	WriteTimeout int    `split_words:"true" default:"330"` // seconds, above the longest run
	IdleTimeout  int    `split_words:"true" default:"60"`
	MaxBodyBytes int64  `split_words:"true" default:"10485760"`
}

type SandboxConfig struct {
	Image            string `default:"sandboxd-runtime:latest"`
	BuildContext     string `split_words:"true" default:"build/sandbox"`
	SeccompProfile   string
	User             string        `default:"sandbox"`
	StopTimeout      time.Duration `split_words:"true" default:"1s"`
	TeardownTimeout  time.Duration `split_words:"true" default:"10s"`
	MaxOutputBytes   int           `split_words:"true" default:"1048576"`
	RenderPort       int           `split_words:"true" default:"8080"`
	SettleInterval   time.Duration `split_words:"true" default:"1s"`
	ScreenshotScript string        `split_words:"true" default:"/opt/sandbox/screenshot.js"`
	SweepOnStart     bool          `split_words:"true" default:"true"`
}

type RateLimitConfig struct {
	Enabled        bool    `default:"true"`
	GlobalRPS      float64 `split_words:"true" default:"20"`
	PerClientRPS   float64 `split_words:"true" default:"2"`
	PerClientBurst int     `split_words:"true" default:"5"`
	MaxConcurrent  int     `split_words:"true" default:"16"`
}

type DbConfig struct {
	Enabled  bool   `default:"false"`
	Host     string `default:"localhost"`
	Port     int    `default:"5432"`
	User     string `default:"sandboxd"`
	Password string
	Name     string `default:"sandboxd"`
	SSLMode  string `split_words:"true" default:"disable"`
}

type LogConfig struct {
	Level string `default:"info"`
	JSON  bool   `default:"false"`
}

func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Sandbox.Image == "" {
		return fmt.Errorf("SANDBOX_IMAGE must not be empty")
	}
	if c.Sandbox.RenderPort <= 0 || c.Sandbox.RenderPort > 65535 {
		return fmt.Errorf("SANDBOX_RENDER_PORT out of range: %d", c.Sandbox.RenderPort)
	}
	if c.RateLimit.Enabled && c.RateLimit.MaxConcurrent <= 0 {
		return fmt.Errorf("RATELIMIT_MAX_CONCURRENT must be positive")
	}
	return nil
}
