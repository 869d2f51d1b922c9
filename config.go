package studiosync

import (
	"os"
	"strconv"
	"time"

	"github.com/hyperengineering/studiosync/internal/store"
)

// Config configures the sync engine.
type Config struct {
	// LocalPath is the path to the local SQLite cache.
	// If empty, LocalPath is derived from Profile.
	LocalPath string

	// Profile is the cache profile to operate against.
	// If empty, resolved using profile resolution (explicit > STUDIOSYNC_PROFILE env > "default").
	Profile string

	// RemoteURL is the base URL of the remote authoritative store.
	// If empty, the engine runs in offline-only mode.
	RemoteURL string

	// APIKey authenticates with the remote store.
	APIKey string

	// ClientID identifies this engine instance on the realtime feed.
	// Defaults to hostname if not set.
	ClientID string

	// ProbeInterval is how often the connectivity monitor probes the remote store.
	// Defaults to 5 seconds.
	ProbeInterval time.Duration

	// RemoteTimeout bounds every remote write and ping.
	// Defaults to 5 seconds.
	RemoteTimeout time.Duration

	// FetchTimeout bounds the remote fetch performed by a read.
	// Defaults to 8 seconds.
	FetchTimeout time.Duration

	// MaxRetries is the number of failed drain attempts after which a
	// pending operation becomes a terminal failure. Defaults to 3.
	MaxRetries int

	// ReconnectDelay is the fixed wait before the realtime feed reconnects
	// after an error. Defaults to 10 seconds.
	ReconnectDelay time.Duration

	// OfflineMode forces offline-only operation even when RemoteURL is set.
	OfflineMode bool

	// Debug enables verbose logging, including every remote request and response.
	Debug bool

	// DebugLogPath is the path to write logs to.
	// Defaults to stderr if empty.
	DebugLogPath string

	// LogLevel is a zerolog level name (debug, info, warn, error).
	// Debug overrides it.
	LogLevel string
}

// DefaultConfig returns a Config with sensible defaults.
// Profile defaults to "default", and LocalPath is derived from Profile.
func DefaultConfig() Config {
	hostname, _ := os.Hostname()
	return Config{
		Profile:        store.DefaultProfile,
		LocalPath:      store.ProfileDBPath(store.DefaultProfile),
		ClientID:       hostname,
		ProbeInterval:  5 * time.Second,
		RemoteTimeout:  5 * time.Second,
		FetchTimeout:   8 * time.Second,
		MaxRetries:     3,
		ReconnectDelay: 10 * time.Second,
		LogLevel:       "info",
	}
}

// ConfigFromEnv reads configuration from environment variables.
//
//	STUDIOSYNC_DB_PATH     → LocalPath
//	STUDIOSYNC_PROFILE     → Profile
//	STUDIOSYNC_REMOTE_URL  → RemoteURL
//	STUDIOSYNC_API_KEY     → APIKey
//	STUDIOSYNC_CLIENT_ID   → ClientID
//	STUDIOSYNC_MAX_RETRIES → MaxRetries
//	STUDIOSYNC_OFFLINE     → OfflineMode (any non-empty value enables)
//	STUDIOSYNC_DEBUG       → Debug (any non-empty value enables)
//	STUDIOSYNC_DEBUG_LOG   → DebugLogPath
//	STUDIOSYNC_LOG_LEVEL   → LogLevel
func ConfigFromEnv() Config {
	cfg := Config{
		LocalPath:    os.Getenv("STUDIOSYNC_DB_PATH"),
		Profile:      os.Getenv(store.ProfileEnvVar),
		RemoteURL:    os.Getenv("STUDIOSYNC_REMOTE_URL"),
		APIKey:       os.Getenv("STUDIOSYNC_API_KEY"),
		ClientID:     os.Getenv("STUDIOSYNC_CLIENT_ID"),
		OfflineMode:  os.Getenv("STUDIOSYNC_OFFLINE") != "",
		Debug:        os.Getenv("STUDIOSYNC_DEBUG") != "",
		DebugLogPath: os.Getenv("STUDIOSYNC_DEBUG_LOG"),
		LogLevel:     os.Getenv("STUDIOSYNC_LOG_LEVEL"),
	}
	if v := os.Getenv("STUDIOSYNC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	return cfg
}

// Validate checks the configuration for errors.
// Returns *ValidationError for invalid fields.
func (c *Config) Validate() error {
	if c.LocalPath == "" {
		return &ValidationError{Field: "LocalPath", Message: "required: path to SQLite database"}
	}

	if c.Profile != "" {
		if err := store.ValidateProfileID(c.Profile); err != nil {
			return &ValidationError{Field: "Profile", Message: err.Error()}
		}
	}

	if c.RemoteURL != "" && c.APIKey == "" {
		return &ValidationError{Field: "APIKey", Message: "required when RemoteURL is set"}
	}

	if c.ProbeInterval < 0 {
		return &ValidationError{Field: "ProbeInterval", Message: "must be non-negative"}
	}
	if c.RemoteTimeout < 0 || c.FetchTimeout < 0 {
		return &ValidationError{Field: "RemoteTimeout", Message: "timeouts must be non-negative"}
	}
	if c.ReconnectDelay < 0 {
		return &ValidationError{Field: "ReconnectDelay", Message: "must be non-negative"}
	}
	if c.MaxRetries < 0 {
		return &ValidationError{Field: "MaxRetries", Message: "must be non-negative"}
	}

	return nil
}

// IsOffline returns true if the engine operates in offline-only mode.
func (c *Config) IsOffline() bool {
	return c.OfflineMode || c.RemoteURL == ""
}

// WithDefaults fills in default values for unset fields.
// Profile resolution: explicit Profile field > STUDIOSYNC_PROFILE env > "default".
// LocalPath is derived from the resolved Profile if not explicitly set.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.Profile == "" {
		resolved, err := store.ResolveProfile("")
		if err == nil {
			c.Profile = resolved
		} else {
			c.Profile = store.DefaultProfile
		}
	}

	if c.LocalPath == "" {
		c.LocalPath = store.ProfileDBPath(c.Profile)
	}

	if c.ClientID == "" {
		c.ClientID = defaults.ClientID
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = defaults.ProbeInterval
	}
	if c.RemoteTimeout == 0 {
		c.RemoteTimeout = defaults.RemoteTimeout
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = defaults.FetchTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = defaults.ReconnectDelay
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}

	return c
}

// Logger builds the engine logger described by the config.
func (c *Config) Logger() *LogBuild {
	return NewLogBuild().FromPath(c.DebugLogPath).Level(c.LogLevel).Debug(c.Debug)
}
