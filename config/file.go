package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/patrickcook28/tradestation-server-sub000/logging"
)

// fileOverlay is the YAML shape of the optional config file, mirroring
// the teacher's nested, yaml-tagged Config struct. Only operator
// tunables live here — OAuth credentials and the encryption key stay
// env-only (see Load's doc comment) so a config file can be checked
// into a repo without leaking a secret.
type fileOverlay struct {
	HTTP struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
	} `yaml:"http"`

	Credentials struct {
		BoltPath string `yaml:"bolt_path"`
	} `yaml:"credentials"`

	Mux struct {
		MaxPendingOpens        int           `yaml:"max_pending_opens"`
		MaxSubscribersPerKey   int           `yaml:"max_subscribers_per_key"`
		InitialDataTimeout     time.Duration `yaml:"initial_data_timeout"`
		ActivityCheckInterval  time.Duration `yaml:"activity_check_interval"`
		ActivityTimeout        time.Duration `yaml:"activity_timeout"`
		StalePendingThreshold  time.Duration `yaml:"stale_pending_threshold"`
		PendingCleanupCap      time.Duration `yaml:"pending_cleanup_cap"`
		ClosedKeySettleDelay   time.Duration `yaml:"closed_key_settle_delay"`
		MinSwitchDelay         time.Duration `yaml:"min_switch_delay"`
		SweepInterval          time.Duration `yaml:"sweep_interval"`
		MaxOpensPerMinutePerIP int           `yaml:"max_opens_per_minute_per_ip"`
	} `yaml:"mux"`

	Logging struct {
		Level   string `yaml:"level"`
		Verbose bool   `yaml:"verbose"`
	} `yaml:"logging"`

	MaintenanceMode bool `yaml:"maintenance_mode"`
}

// LoadFromFile reads a YAML overlay file and applies it on top of
// Default(), the same "start from defaults, let the file override"
// precedence as the teacher's config.LoadFromFile.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := Default()
	applyFileOverlay(cfg, &overlay)
	return cfg, nil
}

func applyFileOverlay(cfg *Config, o *fileOverlay) {
	if o.HTTP.Address != "" {
		cfg.HTTP.Address = o.HTTP.Address
	}
	if o.HTTP.Port != 0 {
		cfg.HTTP.Port = o.HTTP.Port
	}
	if o.Credentials.BoltPath != "" {
		cfg.Credentials.BoltPath = o.Credentials.BoltPath
	}

	if o.Mux.MaxPendingOpens != 0 {
		cfg.Mux.MaxPendingOpens = o.Mux.MaxPendingOpens
	}
	if o.Mux.MaxSubscribersPerKey != 0 {
		cfg.Mux.MaxSubscribersPerKey = o.Mux.MaxSubscribersPerKey
	}
	if o.Mux.InitialDataTimeout != 0 {
		cfg.Mux.InitialDataTimeout = o.Mux.InitialDataTimeout
	}
	if o.Mux.ActivityCheckInterval != 0 {
		cfg.Mux.ActivityCheckInterval = o.Mux.ActivityCheckInterval
	}
	if o.Mux.ActivityTimeout != 0 {
		cfg.Mux.ActivityTimeout = o.Mux.ActivityTimeout
	}
	if o.Mux.StalePendingThreshold != 0 {
		cfg.Mux.StalePendingThreshold = o.Mux.StalePendingThreshold
	}
	if o.Mux.PendingCleanupCap != 0 {
		cfg.Mux.PendingCleanupCap = o.Mux.PendingCleanupCap
	}
	if o.Mux.ClosedKeySettleDelay != 0 {
		cfg.Mux.ClosedKeySettleDelay = o.Mux.ClosedKeySettleDelay
	}
	if o.Mux.MinSwitchDelay != 0 {
		cfg.Mux.MinSwitchDelay = o.Mux.MinSwitchDelay
	}
	if o.Mux.SweepInterval != 0 {
		cfg.Mux.SweepInterval = o.Mux.SweepInterval
	}
	if o.Mux.MaxOpensPerMinutePerIP != 0 {
		cfg.Mux.MaxOpensPerMinutePerIP = o.Mux.MaxOpensPerMinutePerIP
	}

	if o.Logging.Level != "" {
		cfg.LogLevel = logging.ParseLogLevel(o.Logging.Level)
	}
	cfg.VerboseLogging = o.Logging.Verbose
	cfg.MaintenanceMode = o.MaintenanceMode
}
