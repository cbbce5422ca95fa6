// Package config loads ctrldsync settings from defaults, an optional YAML
// file, the environment and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/eliteGoblin/ctrldsync/internal/infra"
	"github.com/eliteGoblin/ctrldsync/internal/usecase"
)

// EnvPrefix prefixes every environment override, e.g. CTRLDSYNC_CACHE_TTL.
const EnvPrefix = "CTRLDSYNC"

type APIConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type CacheConfig struct {
	Dir              string        `mapstructure:"dir"`
	TTL              time.Duration `mapstructure:"ttl"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
}

type SyncConfig struct {
	BatchSize          int           `mapstructure:"batch_size"`
	PushWorkers        int           `mapstructure:"push_workers"`
	EnumerateWorkers   int           `mapstructure:"enumerate_workers"`
	SettleDelay        time.Duration `mapstructure:"settle_delay"`
	CreatePollAttempts int           `mapstructure:"create_poll_attempts"`
	CreatePollDelay    time.Duration `mapstructure:"create_poll_delay"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type MetricsConfig struct {
	File string `mapstructure:"file"`
}

// Config is the resolved configuration of one invocation.
type Config struct {
	Token      string        `mapstructure:"token"`
	Profiles   []string      `mapstructure:"profiles"`
	FolderURLs []string      `mapstructure:"folder_urls"`
	API        APIConfig     `mapstructure:"api"`
	Retry      RetryConfig   `mapstructure:"retry"`
	Cache      CacheConfig   `mapstructure:"cache"`
	Sync       SyncConfig    `mapstructure:"sync"`
	Log        LogConfig     `mapstructure:"log"`
	Metrics    MetricsConfig `mapstructure:"metrics"`

	// FileUsed is the config file that was read, if any.
	FileUsed string `mapstructure:"-"`
}

// Options controls where Load looks.
type Options struct {
	// File is an explicit config file; a missing explicit file is an error.
	File string
	// SearchPaths are used when File is empty.
	SearchPaths []string
	// Flags are bound by FlagKeys.
	Flags *pflag.FlagSet
	// FlagKeys maps config keys to flag names.
	FlagKeys map[string]string
}

func setDefaults(v *viper.Viper) {
	cacheDir, err := infra.CacheDir()
	if err != nil {
		cacheDir = filepath.Join(".", ".ctrld-sync-cache")
	}
	syncDefaults := usecase.DefaultSyncConfig()
	retry := infra.DefaultRetryPolicy()
	src := infra.DefaultSourceCacheConfig()

	v.SetDefault("token", "")
	v.SetDefault("profiles", []string{})
	v.SetDefault("folder_urls", []string{})
	v.SetDefault("api.base_url", infra.DefaultAPIBase)
	v.SetDefault("api.timeout", src.Timeout)
	v.SetDefault("api.user_agent", src.UserAgent)
	v.SetDefault("retry.max_attempts", retry.MaxAttempts)
	v.SetDefault("retry.base_delay", retry.BaseDelay)
	v.SetDefault("retry.max_delay", retry.MaxDelay)
	v.SetDefault("cache.dir", cacheDir)
	v.SetDefault("cache.ttl", src.TTL)
	v.SetDefault("cache.max_response_bytes", src.MaxBytes)
	v.SetDefault("sync.batch_size", syncDefaults.BatchSize)
	v.SetDefault("sync.push_workers", syncDefaults.PushWorkers)
	v.SetDefault("sync.enumerate_workers", syncDefaults.EnumerateWorkers)
	v.SetDefault("sync.settle_delay", syncDefaults.SettleDelay)
	v.SetDefault("sync.create_poll_attempts", syncDefaults.CreatePollAttempts)
	v.SetDefault("sync.create_poll_delay", syncDefaults.CreatePollDelay)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("metrics.file", "")
}

// DefaultSearchPaths returns the user config dir followed by the working directory.
func DefaultSearchPaths() []string {
	var paths []string
	if dir, err := infra.ConfigDir(); err == nil {
		paths = append(paths, dir)
	}
	return append(paths, ".")
}

// Load resolves the configuration.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		v.SetConfigType("yaml")
	} else {
		for _, p := range opts.SearchPaths {
			v.AddConfigPath(p)
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Plain TOKEN and PROFILE are honoured for compatibility with .env files.
	if err := v.BindEnv("token", EnvPrefix+"_TOKEN", "TOKEN"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("profiles", EnvPrefix+"_PROFILES", "PROFILE"); err != nil {
		return nil, err
	}

	for key, name := range opts.FlagKeys {
		if opts.Flags == nil {
			break
		}
		if f := opts.Flags.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	if opts.File != "" || len(opts.SearchPaths) > 0 {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if opts.File != "" || !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.FileUsed = v.ConfigFileUsed()
	cfg.Token = strings.TrimSpace(cfg.Token)
	cfg.Profiles = splitList(cfg.Profiles)
	cfg.FolderURLs = splitList(cfg.FolderURLs)
	cfg.Cache.Dir = expandTilde(cfg.Cache.Dir)
	cfg.Log.File = expandTilde(cfg.Log.File)
	cfg.Metrics.File = expandTilde(cfg.Metrics.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects non-positive sizes and durations, and values above the
// retry and batch limits.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, ok bool) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	positive("api.timeout", c.API.Timeout > 0)
	positive("retry.max_attempts", c.Retry.MaxAttempts > 0)
	positive("retry.base_delay", c.Retry.BaseDelay > 0)
	positive("retry.max_delay", c.Retry.MaxDelay > 0)
	if c.Retry.MaxAttempts > infra.MaxRetryAttempts {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at most %d", infra.MaxRetryAttempts))
	}
	if c.Retry.MaxDelay > 0 && c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry.max_delay must not be below retry.base_delay"))
	}
	positive("cache.ttl", c.Cache.TTL > 0)
	positive("cache.max_response_bytes", c.Cache.MaxResponseBytes > 0)
	positive("sync.batch_size", c.Sync.BatchSize > 0)
	if c.Sync.BatchSize > usecase.MaxBatchSize {
		errs = append(errs, fmt.Errorf("sync.batch_size must be at most %d", usecase.MaxBatchSize))
	}
	positive("sync.push_workers", c.Sync.PushWorkers > 0)
	positive("sync.enumerate_workers", c.Sync.EnumerateWorkers > 0)
	positive("sync.create_poll_delay", c.Sync.CreatePollDelay > 0)
	if c.Sync.SettleDelay < 0 {
		errs = append(errs, errors.New("sync.settle_delay must not be negative"))
	}
	if c.Sync.CreatePollAttempts < 0 {
		errs = append(errs, errors.New("sync.create_poll_attempts must not be negative"))
	}
	if c.Cache.Dir == "" {
		errs = append(errs, errors.New("cache.dir must be set"))
	}
	if !strings.HasPrefix(c.API.BaseURL, "https://") {
		errs = append(errs, errors.New("api.base_url must use https"))
	}
	return errors.Join(errs...)
}

// RetryPolicy maps the retry section onto the executor policy.
func (c *Config) RetryPolicy() infra.RetryPolicy {
	return infra.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
	}
}

// SourceCacheConfig maps cache and API settings onto the source cache.
func (c *Config) SourceCacheConfig() infra.SourceCacheConfig {
	return infra.SourceCacheConfig{
		TTL:       c.Cache.TTL,
		MaxBytes:  c.Cache.MaxResponseBytes,
		Timeout:   c.API.Timeout,
		UserAgent: c.API.UserAgent,
	}
}

// SyncerConfig maps the sync section onto the orchestrator.
func (c *Config) SyncerConfig() usecase.SyncConfig {
	return usecase.SyncConfig{
		BatchSize:          c.Sync.BatchSize,
		PushWorkers:        c.Sync.PushWorkers,
		EnumerateWorkers:   c.Sync.EnumerateWorkers,
		SettleDelay:        c.Sync.SettleDelay,
		CreatePollAttempts: c.Sync.CreatePollAttempts,
		CreatePollDelay:    c.Sync.CreatePollDelay,
	}
}

// splitList flattens comma-separated entries and drops blanks.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
