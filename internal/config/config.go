// Package config loads the dbscheduler YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	yaml "go.yaml.in/yaml/v3"

	"dbtimetravel/internal/schedule"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	HTTP       HTTP
	Database   Database
	Scheduler  Scheduler
	TimeTravel TimeTravel
	Mail       Mail
	Log        Log
}

type HTTP struct {
	Addr string
}

type Database struct {
	// Driver is sqlite or postgres.
	Driver string
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string
}

type Scheduler struct {
	Workers            int
	PollInterval       time.Duration
	LeaseTimeout       time.Duration
	ImmediateExecution bool
	// Owner names this engine in picked_by; empty generates one.
	Owner string
	// CleanupCron overrides the cleanup task's 5 minute delay.
	CleanupCron string
}

type TimeTravel struct {
	Enabled bool
	// Strategy is clock or rewrite.
	Strategy     string
	Timeout      time.Duration
	PollInterval time.Duration
}

type Mail struct {
	RelayURL string
}

type Log struct {
	Level   string
	Console bool
}

// file mirrors Config with durations as strings.
type file struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Scheduler struct {
		Workers            int    `yaml:"workers"`
		PollInterval       string `yaml:"poll_interval"`
		LeaseTimeout       string `yaml:"lease_timeout"`
		ImmediateExecution *bool  `yaml:"immediate_execution"`
		Owner              string `yaml:"owner"`
		CleanupCron        string `yaml:"cleanup_cron"`
	} `yaml:"scheduler"`
	TimeTravel struct {
		Enabled      bool   `yaml:"enabled"`
		Strategy     string `yaml:"strategy"`
		Timeout      string `yaml:"timeout"`
		PollInterval string `yaml:"poll_interval"`
	} `yaml:"time_travel"`
	Mail struct {
		RelayURL string `yaml:"relay_url"`
	} `yaml:"mail"`
	Log struct {
		Level   string `yaml:"level"`
		Console *bool  `yaml:"console"`
	} `yaml:"log"`
}

func Default() Config {
	return Config{
		HTTP:     HTTP{Addr: ":8080"},
		Database: Database{Driver: "sqlite", DSN: "dbscheduler.db"},
		Scheduler: Scheduler{
			Workers:            10,
			PollInterval:       10 * time.Second,
			LeaseTimeout:       5 * time.Minute,
			ImmediateExecution: true,
		},
		TimeTravel: TimeTravel{
			Strategy:     "clock",
			Timeout:      30 * time.Second,
			PollInterval: 10 * time.Millisecond,
		},
		Log: Log{Level: "info", Console: true},
	}
}

// Load reads path over the defaults. An empty path yields Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.apply(data); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes YAML bytes over the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := cfg.apply(data); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) apply(data []byte) error {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("yaml unmarshal: %w", err)
	}

	if f.HTTP.Addr != "" {
		c.HTTP.Addr = f.HTTP.Addr
	}
	if f.Database.Driver != "" {
		c.Database.Driver = strings.ToLower(f.Database.Driver)
	}
	if f.Database.DSN != "" {
		c.Database.DSN = f.Database.DSN
	}
	if f.Scheduler.Workers != 0 {
		c.Scheduler.Workers = f.Scheduler.Workers
	}
	if f.Scheduler.ImmediateExecution != nil {
		c.Scheduler.ImmediateExecution = *f.Scheduler.ImmediateExecution
	}
	c.Scheduler.Owner = f.Scheduler.Owner
	c.Scheduler.CleanupCron = f.Scheduler.CleanupCron
	c.TimeTravel.Enabled = f.TimeTravel.Enabled
	if f.TimeTravel.Strategy != "" {
		c.TimeTravel.Strategy = strings.ToLower(f.TimeTravel.Strategy)
	}
	c.Mail.RelayURL = f.Mail.RelayURL
	if f.Log.Level != "" {
		c.Log.Level = f.Log.Level
	}
	if f.Log.Console != nil {
		c.Log.Console = *f.Log.Console
	}

	var err error
	if c.Scheduler.PollInterval, err = durationField("scheduler.poll_interval", f.Scheduler.PollInterval, c.Scheduler.PollInterval); err != nil {
		return err
	}
	if c.Scheduler.LeaseTimeout, err = durationField("scheduler.lease_timeout", f.Scheduler.LeaseTimeout, c.Scheduler.LeaseTimeout); err != nil {
		return err
	}
	if c.TimeTravel.Timeout, err = durationField("time_travel.timeout", f.TimeTravel.Timeout, c.TimeTravel.Timeout); err != nil {
		return err
	}
	if c.TimeTravel.PollInterval, err = durationField("time_travel.poll_interval", f.TimeTravel.PollInterval, c.TimeTravel.PollInterval); err != nil {
		return err
	}
	return nil
}

// durationField parses a duration at a YAML path; empty or zero keeps def.
func durationField(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %q is not a duration", ErrInvalid, path, raw)
	}
	switch {
	case d < 0:
		return 0, fmt.Errorf("%w: %s: must not be negative", ErrInvalid, path)
	case d == 0:
		return def, nil
	}
	return d, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: database.driver %q (want sqlite or postgres)", ErrInvalid, c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("%w: database.dsn is required", ErrInvalid)
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("%w: scheduler.workers must be > 0", ErrInvalid)
	}
	if c.Scheduler.PollInterval <= 0 || c.Scheduler.LeaseTimeout <= 0 {
		return fmt.Errorf("%w: scheduler intervals must be positive", ErrInvalid)
	}
	if c.Scheduler.CleanupCron != "" {
		if err := schedule.ValidateCronExpression(c.Scheduler.CleanupCron); err != nil {
			return fmt.Errorf("%w: scheduler.cleanup_cron: %v", ErrInvalid, err)
		}
	}
	switch c.TimeTravel.Strategy {
	case "clock", "rewrite":
	default:
		return fmt.Errorf("%w: time_travel.strategy %q (want clock or rewrite)", ErrInvalid, c.TimeTravel.Strategy)
	}
	if c.TimeTravel.Timeout <= 0 || c.TimeTravel.PollInterval <= 0 {
		return fmt.Errorf("%w: time_travel intervals must be positive", ErrInvalid)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	return nil
}

// LogLevel is the parsed log.level, info when unparseable.
func (c Config) LogLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
