package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"

	"booksync/network"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "booksync"
	// DefaultListeningPort is the peer-server port when no override exists.
	DefaultListeningPort = 8765
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Settings contains the persistent local-instance configuration surface.
// Every network limit here is a policy default the user may override.
type Settings struct {
	InstanceID    string `json:"instance_id"`
	InstanceName  string `json:"instance_name"`
	ListeningPort int    `json:"listening_port"`

	MaxConnections      int     `json:"max_connections"`
	RateLimitPerMinute  int     `json:"rate_limit_per_minute"`
	MaxMessageSizeBytes int     `json:"max_message_size_bytes"`
	SizeAnomalyFactor   float64 `json:"size_anomaly_factor"`

	ConnectionTimeoutSeconds  int `json:"connection_timeout_seconds"`
	MessageTimeoutSeconds     int `json:"message_timeout_seconds"`
	BlacklistDurationMinutes  int `json:"blacklist_duration_minutes"`
	ReconnectBaseDelaySeconds int `json:"reconnect_base_delay_seconds"`
	MaxReconnectAttempts      int `json:"max_reconnect_attempts"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If BOOKSYNC_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("BOOKSYNC_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var settings Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &settings, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, settings *Settings) error {
	raw, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns
// the settings and the config path.
func LoadOrCreate() (*Settings, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	path := ConfigPath(dataDir)
	settings, err := Load(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		settings = defaultSettings()
		if err := Save(path, settings); err != nil {
			return nil, "", err
		}
		return settings, path, nil
	}

	if normalizeDefaults(settings) {
		if err := Save(path, settings); err != nil {
			return nil, "", err
		}
	}

	return settings, path, nil
}

// GuardConfig converts the settings into the network guard policy.
func (s *Settings) GuardConfig() network.GuardConfig {
	return network.GuardConfig{
		MaxConnections:    s.MaxConnections,
		RateLimit:         s.RateLimitPerMinute,
		MaxMessageSize:    s.MaxMessageSizeBytes,
		BlacklistDuration: time.Duration(s.BlacklistDurationMinutes) * time.Minute,
		SizeAnomalyFactor: s.SizeAnomalyFactor,
	}
}

// ConnectionTimeout returns the dial/handshake bound.
func (s *Settings) ConnectionTimeout() time.Duration {
	return time.Duration(s.ConnectionTimeoutSeconds) * time.Second
}

// MessageTimeout returns the single-message write bound.
func (s *Settings) MessageTimeout() time.Duration {
	return time.Duration(s.MessageTimeoutSeconds) * time.Second
}

// ReconnectBaseDelay returns the backoff seed delay.
func (s *Settings) ReconnectBaseDelay() time.Duration {
	return time.Duration(s.ReconnectBaseDelaySeconds) * time.Second
}

func defaultSettings() *Settings {
	instanceName := "Bookmark Sync"
	if host, err := os.Hostname(); err == nil && host != "" {
		instanceName = host
	}

	return &Settings{
		InstanceID:                uuid.NewString(),
		InstanceName:              instanceName,
		ListeningPort:             DefaultListeningPort,
		MaxConnections:            network.DefaultMaxConnections,
		RateLimitPerMinute:        network.DefaultRateLimit,
		MaxMessageSizeBytes:       network.DefaultMaxMessageSize,
		SizeAnomalyFactor:         network.DefaultSizeAnomalyFactor,
		ConnectionTimeoutSeconds:  10,
		MessageTimeoutSeconds:     30,
		BlacklistDurationMinutes:  30,
		ReconnectBaseDelaySeconds: 5,
		MaxReconnectAttempts:      network.DefaultMaxReconnectAttempts,
	}
}

func normalizeDefaults(settings *Settings) bool {
	defaults := defaultSettings()
	updated := false

	if settings.InstanceID == "" {
		settings.InstanceID = uuid.NewString()
		updated = true
	}
	if settings.InstanceName == "" {
		settings.InstanceName = defaults.InstanceName
		updated = true
	}
	if settings.ListeningPort <= 0 {
		settings.ListeningPort = DefaultListeningPort
		updated = true
	}
	if settings.MaxConnections <= 0 {
		settings.MaxConnections = defaults.MaxConnections
		updated = true
	}
	if settings.RateLimitPerMinute <= 0 {
		settings.RateLimitPerMinute = defaults.RateLimitPerMinute
		updated = true
	}
	if settings.MaxMessageSizeBytes <= 0 {
		settings.MaxMessageSizeBytes = defaults.MaxMessageSizeBytes
		updated = true
	}
	if settings.SizeAnomalyFactor <= 0 {
		settings.SizeAnomalyFactor = defaults.SizeAnomalyFactor
		updated = true
	}
	if settings.ConnectionTimeoutSeconds <= 0 {
		settings.ConnectionTimeoutSeconds = defaults.ConnectionTimeoutSeconds
		updated = true
	}
	if settings.MessageTimeoutSeconds <= 0 {
		settings.MessageTimeoutSeconds = defaults.MessageTimeoutSeconds
		updated = true
	}
	if settings.BlacklistDurationMinutes <= 0 {
		settings.BlacklistDurationMinutes = defaults.BlacklistDurationMinutes
		updated = true
	}
	if settings.ReconnectBaseDelaySeconds <= 0 {
		settings.ReconnectBaseDelaySeconds = defaults.ReconnectBaseDelaySeconds
		updated = true
	}
	if settings.MaxReconnectAttempts <= 0 {
		settings.MaxReconnectAttempts = defaults.MaxReconnectAttempts
		updated = true
	}

	return updated
}
