package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                   = "MARKETSYNC"
	defaultHTTPAddress          = "127.0.0.1:8787"
	defaultHTTPTimeout          = 15 * time.Second
	defaultDatabasePath         = "marketsync.db"
	defaultLogLevel             = "info"
	defaultLogFormat            = "json"
	defaultReconnectDelay       = 5 * time.Second
	defaultMaxReconnectDelay    = time.Minute
	defaultReconnectMode        = ReconnectModeFixed
	defaultCartPollInterval     = 5 * time.Second
	defaultPageSize             = 10
	defaultSessionProfile       = "default"
	realtimeEndpointPath        = "/ws"
	maxPageSize                 = 100
	minimumCartPollInterval     = 500 * time.Millisecond
	minimumReconnectDelay       = 10 * time.Millisecond
	defaultMaxReconnectAttempts = 0
)

const (
	// ReconnectModeFixed retries the realtime connection after a constant delay.
	ReconnectModeFixed = "fixed"
	// ReconnectModeExponential doubles the delay per attempt with jitter, capped at the max delay.
	ReconnectModeExponential = "exponential"
)

// AppConfig captures runtime configuration for the sync client and its local view server.
type AppConfig struct {
	APIBaseURL           string
	RealtimeURL          string
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	ReconnectMode        string
	MaxReconnectAttempts int
	HTTPAddress          string
	HTTPTimeout          time.Duration
	DatabasePath         string
	SessionProfile       string
	LogLevel             string
	LogFormat            string
	CartPollInterval     time.Duration
	PageSize             int
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.timeout", defaultHTTPTimeout)
	configViper.SetDefault("session.database_path", defaultDatabasePath)
	configViper.SetDefault("session.profile", defaultSessionProfile)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("realtime.reconnect_delay", defaultReconnectDelay)
	configViper.SetDefault("realtime.max_reconnect_delay", defaultMaxReconnectDelay)
	configViper.SetDefault("realtime.reconnect_mode", defaultReconnectMode)
	configViper.SetDefault("realtime.max_reconnect_attempts", defaultMaxReconnectAttempts)
	configViper.SetDefault("poll.cart_interval", defaultCartPollInterval)
	configViper.SetDefault("view.page_size", defaultPageSize)
}

// LoadDotEnv reads KEY=VALUE pairs from the given files into the process environment.
// Missing files are ignored; existing environment variables win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("config: load %s: %w", path, err)
		}
	}
	return nil
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		APIBaseURL:           strings.TrimRight(strings.TrimSpace(configViper.GetString("api.base_url")), "/"),
		RealtimeURL:          strings.TrimSpace(configViper.GetString("realtime.url")),
		ReconnectDelay:       configViper.GetDuration("realtime.reconnect_delay"),
		MaxReconnectDelay:    configViper.GetDuration("realtime.max_reconnect_delay"),
		ReconnectMode:        strings.ToLower(strings.TrimSpace(configViper.GetString("realtime.reconnect_mode"))),
		MaxReconnectAttempts: configViper.GetInt("realtime.max_reconnect_attempts"),
		HTTPAddress:          configViper.GetString("http.address"),
		HTTPTimeout:          configViper.GetDuration("http.timeout"),
		DatabasePath:         configViper.GetString("session.database_path"),
		SessionProfile:       strings.TrimSpace(configViper.GetString("session.profile")),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            configViper.GetString("log.format"),
		CartPollInterval:     configViper.GetDuration("poll.cart_interval"),
		PageSize:             configViper.GetInt("view.page_size"),
	}

	if cfg.RealtimeURL == "" && cfg.APIBaseURL != "" {
		derived, err := DeriveRealtimeURL(cfg.APIBaseURL)
		if err != nil {
			return AppConfig{}, err
		}
		cfg.RealtimeURL = derived
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// DeriveRealtimeURL maps an http(s) API base onto the ws(s) realtime endpoint.
func DeriveRealtimeURL(apiBaseURL string) (string, error) {
	parsed, err := url.Parse(apiBaseURL)
	if err != nil {
		return "", fmt.Errorf("config: invalid api.base_url: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	default:
		return "", fmt.Errorf("config: unsupported api.base_url scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + realtimeEndpointPath
	return parsed.String(), nil
}

func (c AppConfig) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if parsed, err := url.Parse(c.APIBaseURL); err != nil || parsed.Host == "" {
		return fmt.Errorf("api.base_url must be an absolute url")
	}
	if parsed, err := url.Parse(c.RealtimeURL); err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
		return fmt.Errorf("realtime.url must use the ws or wss scheme")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("session.database_path is required")
	}
	if c.SessionProfile == "" {
		return fmt.Errorf("session.profile is required")
	}
	if c.ReconnectMode != ReconnectModeFixed && c.ReconnectMode != ReconnectModeExponential {
		return fmt.Errorf("realtime.reconnect_mode must be %q or %q", ReconnectModeFixed, ReconnectModeExponential)
	}
	if c.ReconnectDelay < minimumReconnectDelay {
		return fmt.Errorf("realtime.reconnect_delay must be at least %s", minimumReconnectDelay)
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		return fmt.Errorf("realtime.max_reconnect_delay must not be below realtime.reconnect_delay")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("realtime.max_reconnect_attempts must not be negative")
	}
	if c.CartPollInterval < minimumCartPollInterval {
		return fmt.Errorf("poll.cart_interval must be at least %s", minimumCartPollInterval)
	}
	if c.PageSize <= 0 || c.PageSize > maxPageSize {
		return fmt.Errorf("view.page_size must be between 1 and %d", maxPageSize)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http.timeout must be positive")
	}
	return nil
}
