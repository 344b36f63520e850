package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                   = "STORYLINE"
	defaultAPIBaseURL           = "https://story-api.dicoding.dev/v1"
	defaultAPITimeout           = 30 * time.Second
	defaultDatabasePath         = "storyline.db"
	defaultSpoolDir             = "storyline-spool"
	defaultLogLevel             = "warn"
	defaultLogFormat            = "console"
	defaultConnectivityInterval = 15 * time.Second
	defaultConnectivityTimeout  = 5 * time.Second
	defaultConnectivityJitter   = 0.2
	defaultStubAddress          = "127.0.0.1:8090"
	defaultStubDatabasePath     = "storyline-stub.db"
	defaultStubTokenTTL         = 24 * time.Hour
)

// AppConfig captures runtime configuration for the client and its daemon.
type AppConfig struct {
	APIBaseURL           string
	APITimeout           time.Duration
	DatabasePath         string
	SpoolDir             string
	LogLevel             string
	LogFormat            string
	ConnectivityInterval time.Duration
	ConnectivityTimeout  time.Duration
	ConnectivityJitter   float64
	Stub                 StubConfig
}

// StubConfig configures the development stand-in for the story API.
type StubConfig struct {
	Address       string
	DatabasePath  string
	SigningSecret string
	TokenTTL      time.Duration
}

// LoadDotEnv loads environment variables from the given files, or from ".env" when none are given.
// Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("api.base_url", defaultAPIBaseURL)
	configViper.SetDefault("api.timeout", defaultAPITimeout)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("spool.dir", defaultSpoolDir)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("connectivity.interval", defaultConnectivityInterval)
	configViper.SetDefault("connectivity.timeout", defaultConnectivityTimeout)
	configViper.SetDefault("connectivity.jitter", defaultConnectivityJitter)
	configViper.SetDefault("stub.address", defaultStubAddress)
	configViper.SetDefault("stub.database_path", defaultStubDatabasePath)
	configViper.SetDefault("stub.token_ttl", defaultStubTokenTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		APIBaseURL:           strings.TrimSpace(configViper.GetString("api.base_url")),
		APITimeout:           configViper.GetDuration("api.timeout"),
		DatabasePath:         configViper.GetString("database.path"),
		SpoolDir:             configViper.GetString("spool.dir"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            configViper.GetString("log.format"),
		ConnectivityInterval: configViper.GetDuration("connectivity.interval"),
		ConnectivityTimeout:  configViper.GetDuration("connectivity.timeout"),
		ConnectivityJitter:   configViper.GetFloat64("connectivity.jitter"),
		Stub: StubConfig{
			Address:       configViper.GetString("stub.address"),
			DatabasePath:  configViper.GetString("stub.database_path"),
			SigningSecret: configViper.GetString("stub.signing_secret"),
			TokenTTL:      configViper.GetDuration("stub.token_ttl"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	parsed, err := url.ParseRequestURI(c.APIBaseURL)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("api.base_url must be an absolute URL")
	}
	if c.APITimeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SpoolDir) == "" {
		return fmt.Errorf("spool.dir is required")
	}
	if c.ConnectivityInterval <= 0 {
		return fmt.Errorf("connectivity.interval must be positive")
	}
	if c.ConnectivityTimeout <= 0 {
		return fmt.Errorf("connectivity.timeout must be positive")
	}
	if c.ConnectivityJitter < 0 || c.ConnectivityJitter > 1 {
		return fmt.Errorf("connectivity.jitter must be within [0, 1]")
	}
	return nil
}

// ValidateStub checks the settings needed to run the development stub server.
func (c AppConfig) ValidateStub() error {
	if strings.TrimSpace(c.Stub.SigningSecret) == "" {
		return fmt.Errorf("stub.signing_secret is required")
	}
	if strings.TrimSpace(c.Stub.Address) == "" {
		return fmt.Errorf("stub.address is required")
	}
	if strings.TrimSpace(c.Stub.DatabasePath) == "" {
		return fmt.Errorf("stub.database_path is required")
	}
	if c.Stub.TokenTTL <= 0 {
		return fmt.Errorf("stub.token_ttl must be positive")
	}
	return nil
}
