// Package config provides configuration management for the lifecycle engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Engine      EngineConfig      `yaml:"engine"`
	API         APIConfig         `yaml:"api"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// DatabaseConfig defines PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RedisConfig defines the quote cache settings. Disabled when Addr is empty.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	QuoteTTL string `yaml:"quote_ttl"`
}

// ScheduleConfig defines the job cadence and market hours.
type ScheduleConfig struct {
	OrderSyncInterval string `yaml:"order_sync_interval"`
	SnapshotInterval  string `yaml:"snapshot_interval"`
	LifecycleInterval string `yaml:"lifecycle_interval"`
	Timezone          string `yaml:"timezone"`      // e.g., "America/New_York"
	TradingStart      string `yaml:"trading_start"` // "HH:MM"
	TradingEnd        string `yaml:"trading_end"`   // "HH:MM"
	BookendOpen       string `yaml:"bookend_open"`  // "HH:MM"
	BookendClose      string `yaml:"bookend_close"` // "HH:MM"
}

// EngineConfig tunes close and reconciliation behavior.
type EngineConfig struct {
	BracketTolerancePct float64 `yaml:"bracket_tolerance_pct"`
	BracketToleranceMin float64 `yaml:"bracket_tolerance_min"`
	StalePriceFactor    float64 `yaml:"stale_price_factor"`
	ExpiryWorthlessMark float64 `yaml:"expiry_worthless_mark"`
	CallTimeout         string  `yaml:"call_timeout"`
}

// APIConfig defines the HTTP listener settings.
type APIConfig struct {
	Addr           string            `yaml:"addr"`
	RequestTimeout string            `yaml:"request_timeout"`
	Tokens         map[string]string `yaml:"tokens"` // bearer token -> tenant id
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Database.DSN == "" {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host or database.dsn is required")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required")
		}
	}

	for name, value := range map[string]string{
		"schedule.order_sync_interval": c.Schedule.OrderSyncInterval,
		"schedule.snapshot_interval":   c.Schedule.SnapshotInterval,
		"schedule.lifecycle_interval":  c.Schedule.LifecycleInterval,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
	}

	loc := c.location()
	start, err1 := time.ParseInLocation("15:04", c.tradingStart(), loc)
	end, err2 := time.ParseInLocation("15:04", c.tradingEnd(), loc)
	if err1 != nil || err2 != nil || (start.Hour() > end.Hour() || (start.Hour() == end.Hour() && start.Minute() >= end.Minute())) {
		return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
	}
	for name, value := range map[string]string{
		"schedule.bookend_open":  c.Schedule.BookendOpen,
		"schedule.bookend_close": c.Schedule.BookendClose,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseInLocation("15:04", value, loc); err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
	}

	if c.Engine.BracketTolerancePct < 0 || c.Engine.BracketTolerancePct > 0.5 {
		return fmt.Errorf("engine.bracket_tolerance_pct must be within [0, 0.5]")
	}
	if c.Engine.StalePriceFactor != 0 && c.Engine.StalePriceFactor <= 1 {
		return fmt.Errorf("engine.stale_price_factor must be > 1")
	}
	if c.Engine.CallTimeout != "" {
		if _, err := time.ParseDuration(c.Engine.CallTimeout); err != nil {
			return fmt.Errorf("engine.call_timeout invalid: %w", err)
		}
	}
	if c.Redis.QuoteTTL != "" {
		if _, err := time.ParseDuration(c.Redis.QuoteTTL); err != nil {
			return fmt.Errorf("redis.quote_ttl invalid: %w", err)
		}
	}

	if c.API.Addr == "" {
		return fmt.Errorf("api.addr is required")
	}
	return nil
}

// IsPaperTrading returns true if the engine is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

func (c *Config) location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Fallback for minimal containers
		loc = time.FixedZone("ET", -5*60*60)
	}
	return loc
}

func (c *Config) tradingStart() string {
	if c.Schedule.TradingStart == "" {
		return "09:30"
	}
	return c.Schedule.TradingStart
}

func (c *Config) tradingEnd() string {
	if c.Schedule.TradingEnd == "" {
		return "16:00"
	}
	return c.Schedule.TradingEnd
}

// Location returns the configured market timezone.
func (c *Config) Location() *time.Location {
	return c.location()
}

// IsWithinTradingHours checks if the given time falls within configured trading hours.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	loc := c.location()
	today := now.In(loc)

	// Only allow Monday–Friday trading
	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}

	startClock, err1 := time.ParseInLocation("15:04", c.tradingStart(), loc)
	endClock, err2 := time.ParseInLocation("15:04", c.tradingEnd(), loc)
	if err1 != nil || err2 != nil {
		// Safe defaults if misconfigured
		startClock = time.Date(0, 1, 1, 9, 30, 0, 0, loc)
		endClock = time.Date(0, 1, 1, 16, 0, 0, 0, loc)
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)

	// Inclusive start, exclusive end
	return !today.Before(start) && today.Before(end)
}

// Interval parses a duration string with a fallback default.
func Interval(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
