// Package config provides centralized configuration management for the
// accelerator mediation daemon.
//
// Configuration can be loaded from:
//   - a TOML configuration file (default: /etc/accel-mediator/config.toml)
//   - environment variables (prefixed with ACCEL_MEDIATOR_)
//
// Configuration is organized into sections matching the domain components:
// rate policy, device-time policy, scripted-policy host, transport, worker
// channel, metrics, and logging.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
)

// Config holds all configuration for the mediation daemon.
type Config struct {
	RatePolicy   RatePolicyConfig   `toml:"rate_policy"`
	DeviceTime   DeviceTimeConfig   `toml:"device_time"`
	ScriptedHost ScriptedHostConfig `toml:"scripted_host"`
	Transport    TransportConfig    `toml:"transport"`
	Worker       WorkerConfig       `toml:"worker"`
	Metrics      MetricsConfig      `toml:"metrics"`
	Log          LogConfig          `toml:"log"`
}

// RatePolicyConfig tunes the command-rate policy (spec §4.1).
type RatePolicyConfig struct {
	// Enabled controls whether the command-rate policy is installed.
	Enabled bool `toml:"enabled"`

	// TimerPeriod is the refill timer's period (the original's
	// TIMER_PERIOD_INIT).
	TimerPeriod time.Duration `toml:"timer_period"`

	// LimitBase is RATE_LIMIT_BASE: the per-share rate limit, in commands
	// per timer period.
	LimitBase int64 `toml:"limit_base"`

	// BudgetBase is RATE_BUDGET_BASE: the per-share nominal refill budget
	// per tick.
	BudgetBase int64 `toml:"budget_base"`

	// Shares assigns a proportional-share weight per VM id. A VM with no
	// entry gets DefaultShare (Open Question (d): the original's
	// PREDEFINED_RATE_SHARES compile-time array is made operator-
	// configurable here).
	Shares map[int]int `toml:"shares"`

	// DefaultShare is the share weight used for a VM with no entry in
	// Shares.
	DefaultShare int `toml:"default_share"`
}

// DeviceTimeConfig tunes the device-time policy (spec §4.2).
type DeviceTimeConfig struct {
	// Enabled controls whether the cooperative device-time policy is
	// installed.
	Enabled bool `toml:"enabled"`

	// HighPrecisionEnabled controls whether the high-precision variant is
	// installed alongside (or instead of) the cooperative one.
	HighPrecisionEnabled bool `toml:"high_precision_enabled"`

	// SchedulePeriod is GPU_SCHEDULE_PERIOD: used to seed the initial
	// per-app delay hint and moving-average window.
	SchedulePeriod time.Duration `toml:"schedule_period"`

	// MaxTries bounds the cooperative mode's retry loop (Open Question
	// (a): the original's hard-coded 5000/GPU_SCHEDULE_PERIOD).
	MaxTries int `toml:"max_tries"`

	// Priorities assigns a proportional-share weight per VM id (Open
	// Question (d), same judgment call as RatePolicyConfig.Shares).
	Priorities map[int]int `toml:"priorities"`

	// DefaultPriority is the priority weight used for a VM with no entry
	// in Priorities.
	DefaultPriority int `toml:"default_priority"`
}

// ScriptedHostConfig configures the scripted-policy host (spec §4.4).
type ScriptedHostConfig struct {
	// Enabled controls whether the scripted-policy host is available to
	// load programs at all.
	Enabled bool `toml:"enabled"`

	// SchedulePeriod bounds the sleep between vm_schedule retries on a
	// DELAY verdict.
	SchedulePeriod time.Duration `toml:"schedule_period"`

	// MaxScheduleTries bounds the vm_schedule retry loop (Open Question
	// (a), resolved for the scripted host the same way as DeviceTimeConfig).
	MaxScheduleTries int `toml:"max_schedule_tries"`

	// Programs lists scripted policy programs to load at startup, keyed by
	// a stable id. Additional programs may be installed later through the
	// control surface (spec §6).
	Programs []ScriptedProgramConfig `toml:"programs"`
}

// ScriptedProgramConfig describes one scripted policy program to load.
type ScriptedProgramConfig struct {
	ID         int    `toml:"id"`
	Package    string `toml:"package"`
	ModulePath string `toml:"module_path"`
}

// TransportConfig tunes the SPSC send ring (spec §6).
type TransportConfig struct {
	// SendRingSize is the send ring's capacity, which must be a power of
	// two.
	SendRingSize int `toml:"send_ring_size"`

	// AdminPort is the well-known destination port guest packets addressed
	// to the control surface carry (spec §6, "The admin port has a
	// well-known number").
	AdminPort uint32 `toml:"admin_port"`
}

// WorkerConfig tunes the worker report channel (spec §6).
type WorkerConfig struct {
	// ReportPort is the vsock port host workers connect to report
	// consumption on.
	ReportPort uint32 `toml:"report_port"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled controls whether metrics are enabled.
	Enabled bool `toml:"enabled"`

	// Address is the address to listen on for metrics.
	Address string `toml:"address"`

	// Path is the HTTP path for the metrics endpoint.
	Path string `toml:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is the log level: debug, info, warn, error.
	Level string `toml:"level"`

	// Format is the log format: text, json.
	Format string `toml:"format"`

	// File is the optional log file path.
	File string `toml:"file"`
}

// Default returns a Config with sensible defaults matching the original
// kernel module's tuning constants.
func Default() *Config {
	return &Config{
		RatePolicy: RatePolicyConfig{
			Enabled:      true,
			TimerPeriod:  100 * time.Millisecond,
			LimitBase:    50,
			BudgetBase:   50,
			Shares:       map[int]int{},
			DefaultShare: 1,
		},
		DeviceTime: DeviceTimeConfig{
			Enabled:              true,
			HighPrecisionEnabled: false,
			SchedulePeriod:       10 * time.Millisecond,
			MaxTries:             500,
			Priorities:           map[int]int{},
			DefaultPriority:      1,
		},
		ScriptedHost: ScriptedHostConfig{
			Enabled:          true,
			SchedulePeriod:   10 * time.Millisecond,
			MaxScheduleTries: 500,
		},
		Transport: TransportConfig{
			SendRingSize: 256,
			AdminPort:    1,
		},
		Worker: WorkerConfig{
			ReportPort: 9000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a TOML file, starting from
// Default() and overriding whatever the file sets.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// LoadFromEnv overlays environment variables onto cfg. Environment variables
// are prefixed with ACCEL_MEDIATOR_.
// Example: ACCEL_MEDIATOR_RATE_POLICY_LIMIT_BASE=100
func LoadFromEnv(cfg *Config) {
	loadEnvBool(&cfg.RatePolicy.Enabled, "ACCEL_MEDIATOR_RATE_POLICY_ENABLED")
	loadEnvDuration(&cfg.RatePolicy.TimerPeriod, "ACCEL_MEDIATOR_RATE_POLICY_TIMER_PERIOD")
	loadEnvInt64(&cfg.RatePolicy.LimitBase, "ACCEL_MEDIATOR_RATE_POLICY_LIMIT_BASE")
	loadEnvInt64(&cfg.RatePolicy.BudgetBase, "ACCEL_MEDIATOR_RATE_POLICY_BUDGET_BASE")
	loadEnvInt(&cfg.RatePolicy.DefaultShare, "ACCEL_MEDIATOR_RATE_POLICY_DEFAULT_SHARE")

	loadEnvBool(&cfg.DeviceTime.Enabled, "ACCEL_MEDIATOR_DEVICE_TIME_ENABLED")
	loadEnvBool(&cfg.DeviceTime.HighPrecisionEnabled, "ACCEL_MEDIATOR_DEVICE_TIME_HIGH_PRECISION_ENABLED")
	loadEnvDuration(&cfg.DeviceTime.SchedulePeriod, "ACCEL_MEDIATOR_DEVICE_TIME_SCHEDULE_PERIOD")
	loadEnvInt(&cfg.DeviceTime.MaxTries, "ACCEL_MEDIATOR_DEVICE_TIME_MAX_TRIES")
	loadEnvInt(&cfg.DeviceTime.DefaultPriority, "ACCEL_MEDIATOR_DEVICE_TIME_DEFAULT_PRIORITY")

	loadEnvBool(&cfg.ScriptedHost.Enabled, "ACCEL_MEDIATOR_SCRIPTED_HOST_ENABLED")
	loadEnvDuration(&cfg.ScriptedHost.SchedulePeriod, "ACCEL_MEDIATOR_SCRIPTED_HOST_SCHEDULE_PERIOD")
	loadEnvInt(&cfg.ScriptedHost.MaxScheduleTries, "ACCEL_MEDIATOR_SCRIPTED_HOST_MAX_SCHEDULE_TRIES")

	loadEnvInt(&cfg.Transport.SendRingSize, "ACCEL_MEDIATOR_TRANSPORT_SEND_RING_SIZE")
	loadEnvUint32(&cfg.Transport.AdminPort, "ACCEL_MEDIATOR_TRANSPORT_ADMIN_PORT")

	loadEnvUint32(&cfg.Worker.ReportPort, "ACCEL_MEDIATOR_WORKER_REPORT_PORT")

	loadEnvBool(&cfg.Metrics.Enabled, "ACCEL_MEDIATOR_METRICS_ENABLED")
	loadEnvString(&cfg.Metrics.Address, "ACCEL_MEDIATOR_METRICS_ADDRESS")
	loadEnvString(&cfg.Metrics.Path, "ACCEL_MEDIATOR_METRICS_PATH")

	loadEnvString(&cfg.Log.Level, "ACCEL_MEDIATOR_LOG_LEVEL")
	loadEnvString(&cfg.Log.Format, "ACCEL_MEDIATOR_LOG_FORMAT")
	loadEnvString(&cfg.Log.File, "ACCEL_MEDIATOR_LOG_FILE")
}

// Validate validates the configuration, mirroring §3's invariants on the
// tuning constants themselves (a negative budget base, a non-power-of-two
// send ring, and so on are programmer errors, not runtime ones).
func (c *Config) Validate() error {
	if c.RatePolicy.LimitBase <= 0 {
		return fmt.Errorf("rate_policy.limit_base must be positive, got %d", c.RatePolicy.LimitBase)
	}
	if c.RatePolicy.BudgetBase <= 0 {
		return fmt.Errorf("rate_policy.budget_base must be positive, got %d", c.RatePolicy.BudgetBase)
	}
	if c.RatePolicy.TimerPeriod <= 0 {
		return fmt.Errorf("rate_policy.timer_period must be positive, got %s", c.RatePolicy.TimerPeriod)
	}

	if c.DeviceTime.MaxTries <= 0 {
		return fmt.Errorf("device_time.max_tries must be positive, got %d", c.DeviceTime.MaxTries)
	}
	if c.DeviceTime.SchedulePeriod <= 0 {
		return fmt.Errorf("device_time.schedule_period must be positive, got %s", c.DeviceTime.SchedulePeriod)
	}

	if c.ScriptedHost.MaxScheduleTries <= 0 {
		return fmt.Errorf("scripted_host.max_schedule_tries must be positive, got %d", c.ScriptedHost.MaxScheduleTries)
	}

	size := c.Transport.SendRingSize
	if size < 2 || size&(size-1) != 0 {
		return fmt.Errorf("transport.send_ring_size must be a power of two >= 2, got %d", size)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	return nil
}

// ApplyToLogger applies logging configuration.
func (c *Config) ApplyToLogger(log *logrus.Logger) {
	switch c.Log.Level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	switch c.Log.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if c.Log.File != "" {
		dir := filepath.Dir(c.Log.File)
		if err := os.MkdirAll(dir, 0755); err == nil {
			if f, err := os.OpenFile(c.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
				log.SetOutput(f)
			}
		}
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func loadEnvString(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

func loadEnvBool(target *bool, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val == "true" || val == "1" || val == "yes"
	}
}

func loadEnvInt(target *int, key string) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*target = i
		}
	}
}

func loadEnvInt64(target *int64, key string) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			*target = i
		}
	}
}

func loadEnvUint32(target *uint32, key string) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseUint(val, 10, 32); err == nil {
			*target = uint32(i)
		}
	}
}

func loadEnvDuration(target *time.Duration, key string) {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*target = d
		}
	}
}
