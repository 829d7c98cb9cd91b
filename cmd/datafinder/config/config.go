// Package config loads the datafinder settings from the environment, an
// optional .env file and command line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/client"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	FHIRServerURL       string        `mapstructure:"FHIR_SERVER_URL"`
	FHIRAPIKey          string        `mapstructure:"FHIR_API_KEY"`
	MaxRequestsPerBatch int           `mapstructure:"MAX_REQUESTS_PER_BATCH"`
	MaxActiveRequests   int           `mapstructure:"MAX_ACTIVE_REQUESTS"`
	CacheDisabled       bool          `mapstructure:"CACHE_DISABLED"`
	CacheTTL            time.Duration `mapstructure:"CACHE_TTL"`
	CacheMaxSize        int           `mapstructure:"CACHE_MAX_SIZE"`
	CacheCleanup        time.Duration `mapstructure:"CACHE_CLEANUP_INTERVAL"`
	BatchTimeout        time.Duration `mapstructure:"BATCH_TIMEOUT"`
	HTTPTimeout         time.Duration `mapstructure:"HTTP_TIMEOUT"`
	DisableBatch        bool          `mapstructure:"DISABLE_BATCH"`
	DisableLastn        bool          `mapstructure:"DISABLE_LASTN"`
	SettingsDSN         string        `mapstructure:"SETTINGS_DSN"`
	SettingsFile        string        `mapstructure:"SETTINGS_FILE"`
	OutputDir           string        `mapstructure:"OUTPUT_DIR"`
	S3Bucket            string        `mapstructure:"S3_BUCKET"`
	S3Prefix            string        `mapstructure:"S3_PREFIX"`
	S3Region            string        `mapstructure:"S3_REGION"`
	S3Endpoint          string        `mapstructure:"S3_ENDPOINT"`
	S3PathStyle         bool          `mapstructure:"S3_PATH_STYLE"`
	LogLevel            string        `mapstructure:"LOG_LEVEL"`
	ListenAddr          string        `mapstructure:"LISTEN_ADDR"`
	ValueSetDir         string        `mapstructure:"VALUESET_DIR"`
	SearchParameterFile string        `mapstructure:"SEARCHPARAMETER_FILE"`
	PerPatientLimit     int           `mapstructure:"PER_PATIENT_LIMIT"`
	MaxPages            int           `mapstructure:"MAX_PAGES"`
	ChunkSize           int           `mapstructure:"CHUNK_SIZE"`
}

var defaults = map[string]any{
	"FHIR_SERVER_URL":        "",
	"FHIR_API_KEY":           "",
	"MAX_REQUESTS_PER_BATCH": 10,
	"MAX_ACTIVE_REQUESTS":    6,
	"CACHE_DISABLED":         false,
	"CACHE_TTL":              time.Duration(0),
	"CACHE_MAX_SIZE":         0,
	"CACHE_CLEANUP_INTERVAL": time.Minute,
	"BATCH_TIMEOUT":          20 * time.Millisecond,
	"HTTP_TIMEOUT":           time.Duration(0),
	"DISABLE_BATCH":          false,
	"DISABLE_LASTN":          false,
	"SETTINGS_DSN":           "memory://",
	"SETTINGS_FILE":          "",
	"OUTPUT_DIR":             "output",
	"S3_BUCKET":              "",
	"S3_PREFIX":              "",
	"S3_REGION":              "",
	"S3_ENDPOINT":            "",
	"S3_PATH_STYLE":          false,
	"LOG_LEVEL":              "info",
	"LISTEN_ADDR":            ":8080",
	"VALUESET_DIR":           "",
	"SEARCHPARAMETER_FILE":   "",
	"PER_PATIENT_LIMIT":      0,
	"MAX_PAGES":              1,
	"CHUNK_SIZE":             1,
}

// NewViper returns a viper instance with the defaults set and every key
// bound to its environment variable. Flags can be bound on top.
func NewViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		_ = v.BindEnv(key)
	}
	return v
}

// Load reads envFile into the process environment when it exists and
// returns the resulting configuration.
func Load(envFile string) (*Config, error) {
	if err := LoadEnvFile(envFile); err != nil {
		return nil, err
	}
	return FromViper(NewViper())
}

// LoadEnvFile loads a .env file. A missing file is not an error.
func LoadEnvFile(envFile string) error {
	if envFile == "" {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	return nil
}

func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.FHIRServerURL = strings.TrimSuffix(strings.TrimSpace(cfg.FHIRServerURL), "/")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.MaxRequestsPerBatch < 1 {
		errs = append(errs, fmt.Errorf("MAX_REQUESTS_PER_BATCH must be at least 1, got %d", c.MaxRequestsPerBatch))
	}
	if c.MaxActiveRequests < 1 {
		errs = append(errs, fmt.Errorf("MAX_ACTIVE_REQUESTS must be at least 1, got %d", c.MaxActiveRequests))
	}
	if c.BatchTimeout < 0 || c.HTTPTimeout < 0 || c.CacheTTL < 0 || c.CacheCleanup < 0 {
		errs = append(errs, fmt.Errorf("timeouts must not be negative"))
	}
	if c.CacheMaxSize < 0 {
		errs = append(errs, fmt.Errorf("CACHE_MAX_SIZE must not be negative, got %d", c.CacheMaxSize))
	}
	if c.PerPatientLimit < 0 {
		errs = append(errs, fmt.Errorf("PER_PATIENT_LIMIT must not be negative, got %d", c.PerPatientLimit))
	}
	if c.MaxPages < 1 {
		errs = append(errs, fmt.Errorf("MAX_PAGES must be at least 1, got %d", c.MaxPages))
	}
	if c.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("CHUNK_SIZE must be at least 1, got %d", c.ChunkSize))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q", c.LogLevel))
	}
	if !strings.Contains(c.SettingsDSN, "://") {
		errs = append(errs, fmt.Errorf("invalid SETTINGS_DSN %q", c.SettingsDSN))
	}
	return errors.Join(errs...)
}

// RequireServer fails when no FHIR server is configured.
func (c *Config) RequireServer() error {
	if c.FHIRServerURL == "" {
		return fmt.Errorf("FHIR_SERVER_URL is required")
	}
	return nil
}

func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

func (c *Config) Client() client.Config {
	cfg := client.DefaultConfig(c.FHIRServerURL)
	cfg.APIKey = c.FHIRAPIKey
	cfg.MaxRequestsPerBatch = c.MaxRequestsPerBatch
	cfg.MaxActiveRequests = c.MaxActiveRequests
	cfg.CacheEnabled = !c.CacheDisabled
	cfg.BatchTimeout = c.BatchTimeout
	cfg.HTTPTimeout = c.HTTPTimeout
	cfg.Cache = client.CacheConfig{
		TTL:             c.CacheTTL,
		MaxSize:         c.CacheMaxSize,
		CleanupInterval: c.CacheCleanup,
	}
	return cfg
}

func (c *Config) FeatureFlags() client.FeatureFlags {
	return client.FeatureFlags{
		DisableBatch:       c.DisableBatch,
		DisableLastnLookup: c.DisableLastn,
	}
}
