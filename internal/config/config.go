package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFile     string `envconfig:"LOG_FILE"`

	// HTTP API
	HTTPPort             int           `envconfig:"HTTP_PORT" default:"3000"`
	AllowedOrigins       string        `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:3000"`
	RateLimitWindow      time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"15m"`
	RateLimitMaxRequests int           `envconfig:"RATE_LIMIT_MAX_REQUESTS" default:"100"`
	BodyLimitBytes       int           `envconfig:"BODY_LIMIT_BYTES" default:"10485760"`
	ShutdownTimeout      time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// Realtime socket, metrics and probes share this net/http listener
	RealtimeListenAddr string `envconfig:"REALTIME_LISTEN_ADDR" default:":3001"`

	// Sessions
	SessionRetention    time.Duration `envconfig:"SESSION_RETENTION" default:"24h"`
	SweepSchedule       string        `envconfig:"SWEEP_SCHEDULE" default:"@hourly"`
	HistoryDefaultLimit int           `envconfig:"HISTORY_DEFAULT_LIMIT" default:"50"`
	HistoryMaxLimit     int           `envconfig:"HISTORY_MAX_LIMIT" default:"100"`
	CommandsFile        string        `envconfig:"COMMANDS_FILE"`

	// Delivery ledger
	LedgerDSN       string        `envconfig:"LEDGER_DSN" default:"file::memory:?cache=shared"`
	LedgerRetention time.Duration `envconfig:"LEDGER_RETENTION" default:"24h"`
}

// IsDevelopment reports whether human-readable console logging should be used.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// AllowedOriginList returns the parsed CORS origin list.
func (c *Config) AllowedOriginList() []string {
	if c.AllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, o := range parts {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// ListenAddr returns the fiber listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT %d out of range", c.HTTPPort)
	}
	if c.RateLimitWindow <= 0 || c.RateLimitMaxRequests <= 0 {
		return fmt.Errorf("rate limit window and max requests must be positive")
	}
	if c.BodyLimitBytes <= 0 {
		return fmt.Errorf("BODY_LIMIT_BYTES must be positive")
	}
	if c.SessionRetention <= 0 {
		return fmt.Errorf("SESSION_RETENTION must be positive")
	}
	if c.HistoryDefaultLimit <= 0 || c.HistoryMaxLimit < c.HistoryDefaultLimit {
		return fmt.Errorf("history limits invalid: default %d, max %d", c.HistoryDefaultLimit, c.HistoryMaxLimit)
	}
	if !gronx.New().IsValid(c.SweepSchedule) {
		return fmt.Errorf("SWEEP_SCHEDULE %q is not a valid cron expression", c.SweepSchedule)
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}
