// Package config loads and validates the gateway's environment-driven
// configuration, following the same LoadFromEnv/Validate split the
// service has always used for its resilience settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/patrickcook28/tradestation-server-sub000/logging"
)

// OAuthConfig holds the TradeStation application credentials used by
// the Token Provider.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	TokenURL     string // override for tests; defaults to the production endpoint
}

// CredentialsConfig controls at-rest encryption and storage of refresh
// tokens.
type CredentialsConfig struct {
	EncryptionKey []byte // 32 bytes, decoded from STREAM_CREDENTIALS_KEY
	BoltPath      string
}

// HTTPConfig controls the gateway's listening address and carries the
// frontend origin (FRONTEND_URL); no handler in this gateway reads
// FrontendURL or sets CORS headers.
type HTTPConfig struct {
	Address     string
	Port        int
	FrontendURL string
}

// MuxConfig mirrors multiplexer.Config's tunables so they can be set
// from the environment without the multiplexer package depending on
// config (avoiding an import cycle between the two).
type MuxConfig struct {
	MaxPendingOpens        int
	MaxSubscribersPerKey   int
	InitialDataTimeout     time.Duration
	ActivityCheckInterval  time.Duration
	ActivityTimeout        time.Duration
	StalePendingThreshold  time.Duration
	PendingCleanupCap      time.Duration
	ClosedKeySettleDelay   time.Duration
	MinSwitchDelay         time.Duration
	SweepInterval          time.Duration
	MaxOpensPerMinutePerIP int
}

// Config is the gateway's full configuration surface.
type Config struct {
	OAuth       OAuthConfig
	Credentials CredentialsConfig
	HTTP        HTTPConfig
	Mux         MuxConfig

	JWTSecret       string // consumed by business routes, carried for surface completeness
	DatabaseURL     string // external collaborator; unused by the mux itself
	MaintenanceMode bool
	LogLevel        logging.LogLevel
	VerboseLogging  bool
}

// Default returns a Config with every tunable set to its documented
// default; LoadFromEnv starts here and overlays environment variables.
func Default() *Config {
	return &Config{
		OAuth: OAuthConfig{
			TokenURL: "https://signin.tradestation.com/oauth/token",
		},
		Credentials: CredentialsConfig{
			BoltPath: "stream-credentials.db",
		},
		HTTP: HTTPConfig{
			Address: "0.0.0.0",
			Port:    8080,
		},
		Mux: MuxConfig{
			MaxPendingOpens:        10,
			MaxSubscribersPerKey:   100,
			InitialDataTimeout:     10 * time.Second,
			ActivityCheckInterval:  30 * time.Second,
			ActivityTimeout:        30 * time.Second,
			StalePendingThreshold:  20 * time.Second,
			PendingCleanupCap:      2 * time.Second,
			ClosedKeySettleDelay:   50 * time.Millisecond,
			MinSwitchDelay:         100 * time.Millisecond,
			SweepInterval:          60 * time.Second,
			MaxOpensPerMinutePerIP: 30,
		},
		LogLevel: logging.INFO,
	}
}

// LoadFromEnv loads configuration from environment variables, starting
// from Default() and overlaying any value present, aggregating every
// parse/validation error instead of stopping at the first one.
func LoadFromEnv() (*Config, error) {
	return loadFromEnv(Default())
}

// Load is the production entry point: an optional YAML file overlay
// (CONFIG_FILE, default "streamgateway.yaml", silently skipped if
// absent) seeds operator-tunable defaults — mux timing, HTTP bind
// address, log level — which environment variables then override
// field-by-field, the same file-then-env precedence as the teacher's
// own Load(). Secrets (OAuth credentials, the encryption key) are
// still env-only; the file overlay never carries them.
func Load() (*Config, error) {
	base := Default()

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "streamgateway.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
		base = loaded
	}

	return loadFromEnv(base)
}

// loadFromEnv overlays environment variables onto base, aggregating
// every parse/validation error instead of stopping at the first one.
func loadFromEnv(base *Config) (*Config, error) {
	cfg := base
	var errs []string

	requireStr := func(env string, dst *string) {
		val := os.Getenv(env)
		if val == "" {
			errs = append(errs, fmt.Sprintf("%s is required", env))
			return
		}
		*dst = val
	}

	requireStr("TRADESTATION_CLIENT_ID", &cfg.OAuth.ClientID)
	requireStr("TRADESTATION_CLIENT_SECRET", &cfg.OAuth.ClientSecret)
	requireStr("TRADESTATION_REDIRECT_URI", &cfg.OAuth.RedirectURI)
	requireStr("FRONTEND_URL", &cfg.HTTP.FrontendURL)
	requireStr("DATABASE_URL", &cfg.DatabaseURL)
	requireStr("STREAM_JWT_SECRET", &cfg.JWTSecret)

	if val := os.Getenv("TRADESTATION_TOKEN_URL"); val != "" {
		cfg.OAuth.TokenURL = val
	}

	if val := os.Getenv("STREAM_CREDENTIALS_KEY"); val != "" {
		key, err := decodeCredentialsKey(val)
		if err != nil {
			errs = append(errs, fmt.Sprintf("STREAM_CREDENTIALS_KEY: %v", err))
		} else {
			cfg.Credentials.EncryptionKey = key
		}
	} else {
		errs = append(errs, "STREAM_CREDENTIALS_KEY is required")
	}

	if val := os.Getenv("STREAM_DB_PATH"); val != "" {
		cfg.Credentials.BoltPath = val
	}

	if val := os.Getenv("HTTP_ADDRESS"); val != "" {
		cfg.HTTP.Address = val
	}

	if val := os.Getenv("HTTP_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			errs = append(errs, "HTTP_PORT: must be a valid integer")
		} else if port <= 0 || port > 65535 {
			errs = append(errs, "HTTP_PORT must be between 1 and 65535")
		} else {
			cfg.HTTP.Port = port
		}
	}

	if val := os.Getenv("STREAM_MAINTENANCE_MODE"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			errs = append(errs, "STREAM_MAINTENANCE_MODE: must be a boolean")
		} else {
			cfg.MaintenanceMode = b
		}
	}

	if val := os.Getenv("STREAM_VERBOSE_LOGGING"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			errs = append(errs, "STREAM_VERBOSE_LOGGING: must be a boolean")
		} else {
			cfg.VerboseLogging = b
		}
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		level := strings.ToUpper(val)
		validLevels := map[string]bool{"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true}
		if !validLevels[level] {
			errs = append(errs, "LOG_LEVEL must be one of: DEBUG, INFO, WARN, ERROR")
		} else {
			cfg.LogLevel = logging.ParseLogLevel(level)
		}
	}

	intEnv := func(env string, dst *int) {
		val := os.Getenv(env)
		if val == "" {
			return
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: must be a valid integer", env))
			return
		}
		if n <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be positive", env))
			return
		}
		*dst = n
	}

	durationEnv := func(env string, dst *time.Duration) {
		val := os.Getenv(env)
		if val == "" {
			return
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: invalid duration format (use '30s', '1m', etc.)", env))
			return
		}
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be positive", env))
			return
		}
		*dst = d
	}

	intEnv("STREAM_MAX_PENDING_OPENS", &cfg.Mux.MaxPendingOpens)
	intEnv("STREAM_MAX_SUBSCRIBERS_PER_KEY", &cfg.Mux.MaxSubscribersPerKey)
	intEnv("STREAM_MAX_OPENS_PER_MINUTE_PER_IP", &cfg.Mux.MaxOpensPerMinutePerIP)
	durationEnv("STREAM_INITIAL_DATA_TIMEOUT", &cfg.Mux.InitialDataTimeout)
	durationEnv("STREAM_ACTIVITY_CHECK_INTERVAL", &cfg.Mux.ActivityCheckInterval)
	durationEnv("STREAM_ACTIVITY_TIMEOUT", &cfg.Mux.ActivityTimeout)
	durationEnv("STREAM_SWEEP_INTERVAL", &cfg.Mux.SweepInterval)

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks invariants that span multiple fields.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Credentials.EncryptionKey) != 32 {
		errs = append(errs, "Credentials.EncryptionKey must decode to exactly 32 bytes")
	}

	if c.Mux.StalePendingThreshold <= c.Mux.InitialDataTimeout {
		errs = append(errs, "Mux.StalePendingThreshold should be greater than Mux.InitialDataTimeout")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, "HTTP.Port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// decodeCredentialsKey accepts either hex or base64 (standard or raw
// URL) encodings of a 32-byte AES-256 key, trying each in turn.
func decodeCredentialsKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if key, err := decodeHex(s); err == nil && len(key) == 32 {
		return key, nil
	}
	if key, err := decodeBase64(s); err == nil && len(key) == 32 {
		return key, nil
	}
	return nil, fmt.Errorf("must decode (as hex or base64) to a 32-byte key")
}
