package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.RatePolicy.LimitBase != 50 {
		t.Errorf("Default RatePolicy.LimitBase = %d, want 50", cfg.RatePolicy.LimitBase)
	}
	if cfg.RatePolicy.TimerPeriod != 100*time.Millisecond {
		t.Errorf("Default RatePolicy.TimerPeriod = %s, want 100ms", cfg.RatePolicy.TimerPeriod)
	}
	if !cfg.DeviceTime.Enabled {
		t.Errorf("Default DeviceTime.Enabled = false, want true")
	}
	if cfg.DeviceTime.MaxTries != 500 {
		t.Errorf("Default DeviceTime.MaxTries = %d, want 500", cfg.DeviceTime.MaxTries)
	}
	if cfg.Transport.SendRingSize != 256 {
		t.Errorf("Default Transport.SendRingSize = %d, want 256", cfg.Transport.SendRingSize)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Default Log.Level = %s, want info", cfg.Log.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.toml")

	content := `
[rate_policy]
enabled = true
limit_base = 100
budget_base = 10
default_share = 2

[device_time]
enabled = true
max_tries = 200

[scripted_host]
enabled = false

[transport]
send_ring_size = 512

[log]
level = "debug"
`
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromFile(configFile)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.RatePolicy.LimitBase != 100 {
		t.Errorf("RatePolicy.LimitBase = %d, want 100", cfg.RatePolicy.LimitBase)
	}
	if cfg.RatePolicy.BudgetBase != 10 {
		t.Errorf("RatePolicy.BudgetBase = %d, want 10", cfg.RatePolicy.BudgetBase)
	}
	if cfg.RatePolicy.DefaultShare != 2 {
		t.Errorf("RatePolicy.DefaultShare = %d, want 2", cfg.RatePolicy.DefaultShare)
	}
	if cfg.DeviceTime.MaxTries != 200 {
		t.Errorf("DeviceTime.MaxTries = %d, want 200", cfg.DeviceTime.MaxTries)
	}
	if cfg.ScriptedHost.Enabled {
		t.Errorf("ScriptedHost.Enabled = true, want false")
	}
	if cfg.Transport.SendRingSize != 512 {
		t.Errorf("Transport.SendRingSize = %d, want 512", cfg.Transport.SendRingSize)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadFromFile on missing file should return defaults, got err: %v", err)
	}
	if cfg.RatePolicy.LimitBase != Default().RatePolicy.LimitBase {
		t.Errorf("LoadFromFile on missing file did not return defaults")
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("ACCEL_MEDIATOR_RATE_POLICY_LIMIT_BASE", "777")
	os.Setenv("ACCEL_MEDIATOR_DEVICE_TIME_ENABLED", "false")
	os.Setenv("ACCEL_MEDIATOR_TRANSPORT_SEND_RING_SIZE", "1024")
	defer func() {
		os.Unsetenv("ACCEL_MEDIATOR_RATE_POLICY_LIMIT_BASE")
		os.Unsetenv("ACCEL_MEDIATOR_DEVICE_TIME_ENABLED")
		os.Unsetenv("ACCEL_MEDIATOR_TRANSPORT_SEND_RING_SIZE")
	}()

	cfg := Default()
	LoadFromEnv(cfg)

	if cfg.RatePolicy.LimitBase != 777 {
		t.Errorf("RatePolicy.LimitBase = %d, want 777", cfg.RatePolicy.LimitBase)
	}
	if cfg.DeviceTime.Enabled {
		t.Errorf("DeviceTime.Enabled = true, want false")
	}
	if cfg.Transport.SendRingSize != 1024 {
		t.Errorf("Transport.SendRingSize = %d, want 1024", cfg.Transport.SendRingSize)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "valid default", modify: func(c *Config) {}, wantErr: false},
		{
			name:    "invalid limit base",
			modify:  func(c *Config) { c.RatePolicy.LimitBase = 0 },
			wantErr: true,
		},
		{
			name:    "invalid send ring size",
			modify:  func(c *Config) { c.Transport.SendRingSize = 7 },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyToLogger(t *testing.T) {
	log := logrus.New()
	cfg := Default()

	cfg.Log.Level = "debug"
	cfg.ApplyToLogger(log)
	if log.Level != logrus.DebugLevel {
		t.Errorf("Logger level = %v, want DebugLevel", log.Level)
	}

	cfg.Log.Format = "json"
	cfg.ApplyToLogger(log)
	if _, ok := log.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("Logger formatter is not JSONFormatter")
	}
}
