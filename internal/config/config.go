package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/orgoj/trainlog/internal/iputil"
	"gopkg.in/yaml.v3"
)

// Defaults applied before unmarshalling.
const (
	DefaultAppLogLevel    = "WARN"
	DefaultFlushInterval  = "10s"
	DefaultFormat         = "json"
	DefaultBackend        = "gelf"
	DefaultGelfProtocol   = "udp"
	DefaultCompression    = "none"
	DefaultMaxMessageSize = 8192
	DefaultStatusHost     = "127.0.0.1"
	DefaultStatusPort     = 9464
)

// LogRotation defines parameters for event file rotation.
type LogRotation struct {
	MaxSize    string `yaml:"max_size,omitempty"` // MB, e.g. "100"; units like "50MB" still accepted
	MaxAge     string `yaml:"max_age,omitempty"`  // e.g. "7d", "2w", "1m"
	MaxBackups int    `yaml:"max_backups,omitempty" validate:"gte=0"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// Experiment describes the run the logger is created for.
type Experiment struct {
	LogDir  string         `yaml:"log_dir"`
	Name    string         `yaml:"name,omitempty"`
	Project string         `yaml:"project,omitempty"`
	Config  map[string]any `yaml:"config,omitempty"`
}

// LocalSink configures the event file writer.
type LocalSink struct {
	Enabled       bool        `yaml:"enabled"`
	FlushInterval string      `yaml:"flush_interval,omitempty"`
	Format        string      `yaml:"format,omitempty" validate:"omitempty,oneof=json text"`
	Rotation      LogRotation `yaml:"rotation,omitempty"`
	ExcludeTags   []string    `yaml:"exclude_tags,omitempty"`
}

// RemoteSink configures the remote tracker backend.
type RemoteSink struct {
	Enabled bool   `yaml:"enabled"`
	Backend string `yaml:"backend,omitempty" validate:"omitempty,oneof=gelf influx"`

	// GELF specific
	Host            string `yaml:"host,omitempty"`
	Port            int    `yaml:"port,omitempty" validate:"gte=0,lte=65535"`
	Protocol        string `yaml:"protocol,omitempty"`         // udp or tcp, default udp
	CompressionType string `yaml:"compression_type,omitempty"` // gzip, zlib, none
	MaxMessageSize  int    `yaml:"max_message_size,omitempty" validate:"gte=0"`

	// InfluxDB specific
	URL    string `yaml:"url,omitempty"`
	Token  string `yaml:"token,omitempty"`
	Org    string `yaml:"org,omitempty"`
	Bucket string `yaml:"bucket,omitempty"`

	RateLimit   int      `yaml:"rate_limit,omitempty" validate:"gte=0"` // log calls per second, 0 = unlimited
	ExcludeTags []string `yaml:"exclude_tags,omitempty"`
}

// Config represents the application configuration
type Config struct {
	AppLog struct {
		Level string `yaml:"level"`
	} `yaml:"app_log"`

	Experiment Experiment `yaml:"experiment"`
	Local      LocalSink  `yaml:"local"`
	Remote     RemoteSink `yaml:"remote"`

	Status struct {
		Enabled        bool     `yaml:"enabled"`
		Host           string   `yaml:"host"`
		Port           int      `yaml:"port" validate:"gte=0,lte=65535"`
		AllowedIPs     []string `yaml:"allowed_ips,omitempty"`     // empty = everyone
		TrustedProxies []string `yaml:"trusted_proxies,omitempty"` // peers whose X-Forwarded-For is honoured
	} `yaml:"status"`
}

// Default returns a configuration with every default applied and both
// sinks enabled.
func Default() *Config {
	var cfg Config
	cfg.AppLog.Level = DefaultAppLogLevel
	cfg.Local.Enabled = true
	cfg.Local.FlushInterval = DefaultFlushInterval
	cfg.Local.Format = DefaultFormat
	cfg.Remote.Enabled = true
	cfg.Remote.Backend = DefaultBackend
	cfg.Remote.Protocol = DefaultGelfProtocol
	cfg.Remote.CompressionType = DefaultCompression
	cfg.Remote.MaxMessageSize = DefaultMaxMessageSize
	cfg.Status.Host = DefaultStatusHost
	cfg.Status.Port = DefaultStatusPort
	return &cfg
}

// LoadConfig loads and validates the configuration from a file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file '%s': %w", path, err)
	}
	return cfg, nil
}

// Parse unmarshals YAML on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// validateConfig performs semantic validation of the configuration
func validateConfig(cfg *Config) error {
	if _, ok := validLevels[strings.ToUpper(cfg.AppLog.Level)]; !ok {
		return fmt.Errorf("invalid app_log.level: '%s'", cfg.AppLog.Level)
	}

	if cfg.Local.Enabled {
		if cfg.Local.FlushInterval == "" {
			cfg.Local.FlushInterval = DefaultFlushInterval
		}
		if _, err := ParseDuration(cfg.Local.FlushInterval); err != nil {
			return fmt.Errorf("invalid local.flush_interval: %w", err)
		}
		if cfg.Local.Format == "" {
			cfg.Local.Format = DefaultFormat
		}
		if cfg.Local.Format != "json" && cfg.Local.Format != "text" {
			return fmt.Errorf("local: invalid format '%s', must be 'json' or 'text'", cfg.Local.Format)
		}
		if cfg.Local.Rotation.MaxSize != "" {
			if _, err := ParseSize(cfg.Local.Rotation.MaxSize); err != nil {
				return fmt.Errorf("local: invalid rotation.max_size: %w", err)
			}
		}
		if cfg.Local.Rotation.MaxAge != "" {
			if _, err := ParseDuration(cfg.Local.Rotation.MaxAge); err != nil {
				return fmt.Errorf("local: invalid rotation.max_age: %w", err)
			}
		}
		if cfg.Local.Rotation.MaxBackups < 0 {
			return errors.New("local: rotation.max_backups cannot be negative")
		}
	}

	if cfg.Remote.Enabled {
		if cfg.Remote.Backend == "" {
			cfg.Remote.Backend = DefaultBackend
		}
		switch cfg.Remote.Backend {
		case "gelf":
			if cfg.Remote.Host == "" {
				return errors.New("remote: host is required for backend 'gelf'")
			}
			if cfg.Remote.Port <= 0 || cfg.Remote.Port > 65535 {
				return fmt.Errorf("remote: invalid port %d for backend 'gelf'", cfg.Remote.Port)
			}
			if cfg.Remote.Protocol == "" {
				cfg.Remote.Protocol = DefaultGelfProtocol
			}
			if cfg.Remote.Protocol != "udp" && cfg.Remote.Protocol != "tcp" {
				return fmt.Errorf("remote: invalid protocol '%s', must be 'udp' or 'tcp'", cfg.Remote.Protocol)
			}
			if cfg.Remote.CompressionType == "" {
				cfg.Remote.CompressionType = DefaultCompression
			}
			switch cfg.Remote.CompressionType {
			case "gzip", "zlib", "none":
			default:
				return fmt.Errorf("remote: invalid compression_type '%s', must be 'gzip', 'zlib', or 'none'", cfg.Remote.CompressionType)
			}
		case "influx":
			if cfg.Remote.URL == "" {
				return errors.New("remote: url is required for backend 'influx'")
			}
			if !strings.HasPrefix(cfg.Remote.URL, "http://") && !strings.HasPrefix(cfg.Remote.URL, "https://") {
				return fmt.Errorf("remote: url '%s' must start with 'http://' or 'https://'", cfg.Remote.URL)
			}
			if cfg.Remote.Org == "" || cfg.Remote.Bucket == "" {
				return errors.New("remote: org and bucket are required for backend 'influx'")
			}
		default:
			return fmt.Errorf("remote: unknown backend '%s'", cfg.Remote.Backend)
		}
		if cfg.Remote.RateLimit < 0 {
			return errors.New("remote: rate_limit cannot be negative")
		}
	}

	if cfg.Status.Enabled {
		if cfg.Status.Port <= 0 || cfg.Status.Port > 65535 {
			return fmt.Errorf("invalid status.port: %d", cfg.Status.Port)
		}
		if _, err := iputil.ParseCIDRs(cfg.Status.AllowedIPs); err != nil {
			return fmt.Errorf("invalid status.allowed_ips: %w", err)
		}
		if _, err := iputil.ParseCIDRs(cfg.Status.TrustedProxies); err != nil {
			return fmt.Errorf("invalid status.trusted_proxies: %w", err)
		}
	}

	return nil
}

var validLevels = map[string]struct{}{
	"TRACE": {}, "DEBUG": {}, "INFO": {}, "WARN": {}, "ERROR": {}, "FATAL": {},
}

// ValidateConfig uses go-playground/validator for struct-level validation.
// It complements the semantic validation in validateConfig.
func ValidateConfig(cfg *Config) error {
	validate := validator.New()

	err := validate.Struct(cfg)
	if err != nil {
		var validationErrors validator.ValidationErrors
		if !errors.As(err, &validationErrors) {
			return err
		}
		messages := make([]string, 0, len(validationErrors))
		for _, fe := range validationErrors {
			messages = append(messages, fmt.Sprintf("Field validation for '%s' failed on the '%s' tag", fe.Namespace(), fe.Tag()))
		}
		return errors.New(strings.Join(messages, "; "))
	}

	return validateConfig(cfg)
}

// FlushInterval returns the parsed local flush interval.
func (c *Config) FlushInterval() time.Duration {
	d, err := ParseDuration(c.Local.FlushInterval)
	if err != nil {
		d, _ = ParseDuration(DefaultFlushInterval)
	}
	return d
}

// ParseDuration parses a duration string (e.g., "10m", "1h30m", "7d", "2w").
// Supports standard time.ParseDuration units plus 'd' for days and 'w' for weeks.
// Returns an error if the format is invalid or the duration is non-positive.
func ParseDuration(durationStr string) (time.Duration, error) {
	durationStr = strings.TrimSpace(durationStr)
	if durationStr == "" {
		return 0, errors.New("duration string cannot be empty")
	}

	lower := strings.ToLower(durationStr)
	for suffix, unit := range map[string]time.Duration{"d": 24 * time.Hour, "w": 7 * 24 * time.Hour} {
		if !strings.HasSuffix(lower, suffix) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSuffix(lower, suffix), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number format in '%s': %w", durationStr, err)
		}
		if n <= 0 {
			return 0, fmt.Errorf("duration must be positive: '%s'", durationStr)
		}
		d := time.Duration(n) * unit
		if d/unit != time.Duration(n) {
			return 0, fmt.Errorf("duration '%s' overflows", durationStr)
		}
		return d, nil
	}

	d, err := time.ParseDuration(durationStr)
	if err != nil {
		return 0, fmt.Errorf("invalid duration format '%s': %w", durationStr, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive: '%s'", durationStr)
	}
	return d, nil
}

// ParseSize parses a size string (e.g., "10MB", "5k", "1G") into bytes.
// A bare number is taken as bytes. Supports K, M, G (and KB, MB, GB) suffixes.
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, errors.New("size string cannot be empty")
	}

	var multiplier int64 = 1
	suffix := ""
	for _, u := range []struct {
		suffix string
		mult   int64
	}{
		{"KB", 1024}, {"K", 1024},
		{"MB", 1024 * 1024}, {"M", 1024 * 1024},
		{"GB", 1024 * 1024 * 1024}, {"G", 1024 * 1024 * 1024},
	} {
		if strings.HasSuffix(sizeStr, u.suffix) {
			multiplier, suffix = u.mult, u.suffix
			break
		}
	}

	numStr := strings.TrimSpace(strings.TrimSuffix(sizeStr, suffix))

	numBig := new(big.Int)
	if _, ok := numBig.SetString(numStr, 10); !ok {
		return 0, fmt.Errorf("invalid number format in size string '%s'", sizeStr)
	}
	if numBig.Sign() < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", numBig.String())
	}
	if numBig.Sign() == 0 {
		return 0, nil
	}

	resultBig := new(big.Int).Mul(numBig, big.NewInt(multiplier))
	if !resultBig.IsInt64() {
		return 0, fmt.Errorf("size value %s%s results in overflow (exceeds max int64)", numBig.String(), suffix)
	}
	return resultBig.Int64(), nil
}
