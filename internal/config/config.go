// Package config loads relaysync settings from defaults, a config file and
// RELAYSYNC_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/viper"
	"github.com/tailscale/hujson"

	"github.com/agentworkforce/relaysync/internal/connectivity"
	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/queue"
	"github.com/agentworkforce/relaysync/internal/retry"
	"github.com/agentworkforce/relaysync/internal/syncengine"
)

const EnvPrefix = "RELAYSYNC"

var (
	ErrInvalidConfig      = errors.New("invalid config")
	ErrConfigFileNotFound = errors.New("config file not found")
)

type Config struct {
	Profile  string `mapstructure:"profile" json:"profile" yaml:"profile" toml:"profile"`
	DataDir  string `mapstructure:"dataDir" json:"dataDir" yaml:"dataDir" toml:"dataDir"`
	QueueDSN string `mapstructure:"queueDsn" json:"queueDsn" yaml:"queueDsn" toml:"queueDsn"`

	SyncIntervalMs         int64   `mapstructure:"syncIntervalMs" json:"syncIntervalMs" yaml:"syncIntervalMs" toml:"syncIntervalMs"`
	SyncIntervalJitter     float64 `mapstructure:"syncIntervalJitter" json:"syncIntervalJitter" yaml:"syncIntervalJitter" toml:"syncIntervalJitter"`
	BatchSize              int     `mapstructure:"batchSize" json:"batchSize" yaml:"batchSize" toml:"batchSize"`
	EnableAutoSync         bool    `mapstructure:"enableAutoSync" json:"enableAutoSync" yaml:"enableAutoSync" toml:"enableAutoSync"`
	EnableBulkOptimization bool    `mapstructure:"enableBulkOptimization" json:"enableBulkOptimization" yaml:"enableBulkOptimization" toml:"enableBulkOptimization"`
	MaxConcurrency         int     `mapstructure:"maxConcurrency" json:"maxConcurrency" yaml:"maxConcurrency" toml:"maxConcurrency"`
	StatsLogIntervalMs     int64   `mapstructure:"statsLogIntervalMs" json:"statsLogIntervalMs" yaml:"statsLogIntervalMs" toml:"statsLogIntervalMs"`

	Retry        RetryConfig        `mapstructure:"retry" json:"retry" yaml:"retry" toml:"retry"`
	Breaker      BreakerConfig      `mapstructure:"breaker" json:"breaker" yaml:"breaker" toml:"breaker"`
	Remote       RemoteConfig       `mapstructure:"remote" json:"remote" yaml:"remote" toml:"remote"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" json:"connectivity" yaml:"connectivity" toml:"connectivity"`
	HTTP         HTTPConfig         `mapstructure:"http" json:"http" yaml:"http" toml:"http"`
	Log          logging.Options    `mapstructure:"log" json:"log" yaml:"log" toml:"log"`

	// Source is the file the config was read from, if any.
	Source string `mapstructure:"-" json:"-" yaml:"-" toml:"-"`
}

type KindConfig struct {
	MaxRetries  int   `mapstructure:"maxRetries" json:"maxRetries" yaml:"maxRetries" toml:"maxRetries"`
	BaseDelayMs int64 `mapstructure:"baseDelayMs" json:"baseDelayMs" yaml:"baseDelayMs" toml:"baseDelayMs"`
	MaxDelayMs  int64 `mapstructure:"maxDelayMs" json:"maxDelayMs" yaml:"maxDelayMs" toml:"maxDelayMs"`
}

type RetryConfig struct {
	Network     KindConfig `mapstructure:"network" json:"network" yaml:"network" toml:"network"`
	Auth        KindConfig `mapstructure:"auth" json:"auth" yaml:"auth" toml:"auth"`
	RateLimit   KindConfig `mapstructure:"rateLimit" json:"rateLimit" yaml:"rateLimit" toml:"rateLimit"`
	Unknown     KindConfig `mapstructure:"unknown" json:"unknown" yaml:"unknown" toml:"unknown"`
	JitterRatio float64    `mapstructure:"jitterRatio" json:"jitterRatio" yaml:"jitterRatio" toml:"jitterRatio"`
}

type BreakerConfig struct {
	FailureThreshold int   `mapstructure:"failureThreshold" json:"failureThreshold" yaml:"failureThreshold" toml:"failureThreshold"`
	ResetAfterMs     int64 `mapstructure:"resetAfterMs" json:"resetAfterMs" yaml:"resetAfterMs" toml:"resetAfterMs"`
	HalfOpenRequests int   `mapstructure:"halfOpenRequests" json:"halfOpenRequests" yaml:"halfOpenRequests" toml:"halfOpenRequests"`
}

type RemoteConfig struct {
	Endpoint  string `mapstructure:"endpoint" json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	APIKey    string `mapstructure:"apiKey" json:"apiKey" yaml:"apiKey" toml:"apiKey"`
	TimeoutMs int64  `mapstructure:"timeoutMs" json:"timeoutMs" yaml:"timeoutMs" toml:"timeoutMs"`
}

type ConnectivityConfig struct {
	ProbeURL        string `mapstructure:"probeUrl" json:"probeUrl" yaml:"probeUrl" toml:"probeUrl"`
	ProbeIntervalMs int64  `mapstructure:"probeIntervalMs" json:"probeIntervalMs" yaml:"probeIntervalMs" toml:"probeIntervalMs"`
	InitialOffline  bool   `mapstructure:"initialOffline" json:"initialOffline" yaml:"initialOffline" toml:"initialOffline"`
}

type HTTPConfig struct {
	Addr              string `mapstructure:"addr" json:"addr" yaml:"addr" toml:"addr"`
	JWTSecret         string `mapstructure:"jwtSecret" json:"jwtSecret" yaml:"jwtSecret" toml:"jwtSecret"`
	RateLimitMax      int    `mapstructure:"rateLimitMax" json:"rateLimitMax" yaml:"rateLimitMax" toml:"rateLimitMax"`
	RateLimitWindowMs int64  `mapstructure:"rateLimitWindowMs" json:"rateLimitWindowMs" yaml:"rateLimitWindowMs" toml:"rateLimitWindowMs"`
	MaxBodyBytes      int64  `mapstructure:"maxBodyBytes" json:"maxBodyBytes" yaml:"maxBodyBytes" toml:"maxBodyBytes"`
}

func Default() Config {
	settings := syncengine.DefaultSettings()
	breaker := retry.DefaultBreakerConfig()
	return Config{
		Profile:                queue.ProfileDurableLocal,
		DataDir:                ".relaysync",
		SyncIntervalMs:         settings.SyncInterval.Milliseconds(),
		SyncIntervalJitter:     settings.SyncIntervalJitter,
		BatchSize:              settings.BatchSize,
		EnableAutoSync:         settings.EnableAutoSync,
		EnableBulkOptimization: settings.EnableBulkOptimization,
		MaxConcurrency:         settings.MaxConcurrency,
		StatsLogIntervalMs:     settings.StatsLogInterval.Milliseconds(),
		Retry:                  retryFromPolicy(settings.Retry),
		Breaker: BreakerConfig{
			FailureThreshold: breaker.FailureThreshold,
			ResetAfterMs:     breaker.ResetAfter.Milliseconds(),
			HalfOpenRequests: breaker.HalfOpenRequests,
		},
		Remote: RemoteConfig{
			Endpoint:  "http://127.0.0.1:3000/api/sync",
			TimeoutMs: settings.RequestTimeout.Milliseconds(),
		},
		Connectivity: ConnectivityConfig{
			ProbeIntervalMs: connectivity.DefaultProbeInterval.Milliseconds(),
		},
		HTTP: HTTPConfig{
			Addr:              ":8090",
			RateLimitWindowMs: time.Minute.Milliseconds(),
			MaxBodyBytes:      1 << 20,
		},
		Log: logging.Options{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load layers defaults, the optional config file at path and the
// environment, then validates the result. Files ending in .jsonc or .hujson
// may carry comments and trailing commas.
func Load(path string) (Config, error) {
	v := viper.New()
	for _, s := range settingsOf(Default()) {
		v.SetDefault(s.key, s.value)
		if err := v.BindEnv(s.key, EnvName(s.key)); err != nil {
			return Config{}, err
		}
	}
	path = strings.TrimSpace(path)
	if path != "" {
		if err := readFile(v, path); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	cfg.Source = path
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		}
		return err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".jsonc", ".hujson":
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		standardized, err := hujson.Standardize(data)
		if err != nil {
			return fmt.Errorf("%w %s: invalid JSONC: %w", ErrInvalidConfig, path, err)
		}
		v.SetConfigType("json")
		if err := v.ReadConfig(bytes.NewReader(standardized)); err != nil {
			return fmt.Errorf("%w %s: %w", ErrInvalidConfig, path, err)
		}
	case ".json", ".yaml", ".yml", ".toml":
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("%w %s: %w", ErrInvalidConfig, path, err)
		}
	default:
		return fmt.Errorf("%w: unsupported config file extension %q", ErrInvalidConfig, ext)
	}
	return nil
}

func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batchSize must be positive", ErrInvalidConfig)
	}
	if c.SyncIntervalMs <= 0 {
		return fmt.Errorf("%w: syncIntervalMs must be positive", ErrInvalidConfig)
	}
	if c.SyncIntervalJitter < 0 || c.SyncIntervalJitter > 1 {
		return fmt.Errorf("%w: syncIntervalJitter must be within [0,1]", ErrInvalidConfig)
	}
	if c.Retry.JitterRatio < 0 || c.Retry.JitterRatio > 1 {
		return fmt.Errorf("%w: retry.jitterRatio must be within [0,1]", ErrInvalidConfig)
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("%w: maxConcurrency must not be negative", ErrInvalidConfig)
	}
	kinds := map[string]KindConfig{
		"network":   c.Retry.Network,
		"auth":      c.Retry.Auth,
		"rateLimit": c.Retry.RateLimit,
		"unknown":   c.Retry.Unknown,
	}
	for name, kc := range kinds {
		if kc.MaxRetries < 0 || kc.BaseDelayMs < 0 || kc.MaxDelayMs < 0 {
			return fmt.Errorf("%w: retry.%s values must not be negative", ErrInvalidConfig, name)
		}
		if kc.MaxDelayMs > 0 && kc.BaseDelayMs > kc.MaxDelayMs {
			return fmt.Errorf("%w: retry.%s.baseDelayMs exceeds maxDelayMs", ErrInvalidConfig, name)
		}
	}
	if _, err := c.StoreDSN(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// StoreDSN resolves the queue store DSN from the profile, falling back to
// the explicit queueDsn for the custom profile.
func (c Config) StoreDSN() (string, error) {
	dsn, err := queue.ProfileDSN(c.Profile, c.DataDir, c.QueueDSN)
	if err != nil {
		return "", err
	}
	if dsn == "" {
		dsn = strings.TrimSpace(c.QueueDSN)
	}
	if dsn == "" {
		return "", fmt.Errorf("%w: queueDsn is required for profile %q", queue.ErrInvalidInput, c.Profile)
	}
	return dsn, nil
}

func (c Config) SyncSettings() syncengine.Settings {
	return syncengine.Settings{
		SyncInterval:           millis(c.SyncIntervalMs),
		SyncIntervalJitter:     c.SyncIntervalJitter,
		BatchSize:              c.BatchSize,
		EnableAutoSync:         c.EnableAutoSync,
		EnableBulkOptimization: c.EnableBulkOptimization,
		MaxConcurrency:         c.MaxConcurrency,
		RequestTimeout:         millis(c.Remote.TimeoutMs),
		StatsLogInterval:       millis(c.StatsLogIntervalMs),
		Retry:                  c.RetryPolicy(),
	}
}

func (c Config) RetryPolicy() retry.Config {
	kind := func(k KindConfig) retry.KindConfig {
		return retry.KindConfig{
			MaxRetries: k.MaxRetries,
			BaseDelay:  millis(k.BaseDelayMs),
			MaxDelay:   millis(k.MaxDelayMs),
		}
	}
	return retry.Config{
		Network:     kind(c.Retry.Network),
		Auth:        kind(c.Retry.Auth),
		RateLimit:   kind(c.Retry.RateLimit),
		Unknown:     kind(c.Retry.Unknown),
		JitterRatio: c.Retry.JitterRatio,
	}
}

func (c Config) BreakerSettings() retry.BreakerConfig {
	return retry.BreakerConfig{
		FailureThreshold: c.Breaker.FailureThreshold,
		ResetAfter:       millis(c.Breaker.ResetAfterMs),
		HalfOpenRequests: c.Breaker.HalfOpenRequests,
	}
}

func (c Config) ConnectivityOptions() connectivity.Options {
	return connectivity.Options{
		ProbeURL:       strings.TrimSpace(c.Connectivity.ProbeURL),
		ProbeInterval:  millis(c.Connectivity.ProbeIntervalMs),
		InitialOffline: c.Connectivity.InitialOffline,
	}
}

// Redacted returns a copy safe to print: secrets are masked and any DSN
// password is hidden.
func (c Config) Redacted() Config {
	if c.Remote.APIKey != "" {
		c.Remote.APIKey = "***"
	}
	if c.HTTP.JWTSecret != "" {
		c.HTTP.JWTSecret = "***"
	}
	if parsed, err := url.Parse(c.QueueDSN); err == nil && parsed.User != nil {
		if _, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(parsed.User.Username(), "***")
			c.QueueDSN = parsed.String()
		}
	}
	return c
}

func retryFromPolicy(cfg retry.Config) RetryConfig {
	kind := func(k retry.KindConfig) KindConfig {
		return KindConfig{
			MaxRetries:  k.MaxRetries,
			BaseDelayMs: k.BaseDelay.Milliseconds(),
			MaxDelayMs:  k.MaxDelay.Milliseconds(),
		}
	}
	return RetryConfig{
		Network:     kind(cfg.Network),
		Auth:        kind(cfg.Auth),
		RateLimit:   kind(cfg.RateLimit),
		Unknown:     kind(cfg.Unknown),
		JitterRatio: cfg.JitterRatio,
	}
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

type setting struct {
	key   string
	value any
}

// settingsOf flattens cfg into dotted keys named by the mapstructure tags.
func settingsOf(cfg Config) []setting {
	var out []setting
	var walk func(prefix string, v reflect.Value)
	walk = func(prefix string, v reflect.Value) {
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			tag := field.Tag.Get("mapstructure")
			if tag == "" || tag == "-" {
				continue
			}
			key := tag
			if prefix != "" {
				key = prefix + "." + tag
			}
			fv := v.Field(i)
			if fv.Kind() == reflect.Struct {
				walk(key, fv)
				continue
			}
			out = append(out, setting{key: key, value: fv.Interface()})
		}
	}
	walk("", reflect.ValueOf(cfg))
	return out
}

// EnvName maps a dotted key to its environment variable:
// retry.rateLimit.maxRetries becomes RELAYSYNC_RETRY_RATE_LIMIT_MAX_RETRIES.
func EnvName(key string) string {
	var b strings.Builder
	b.WriteString(EnvPrefix)
	for _, part := range strings.Split(key, ".") {
		b.WriteByte('_')
		for i, r := range part {
			if unicode.IsUpper(r) && i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}
