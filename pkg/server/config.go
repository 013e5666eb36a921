package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server    ServerSection    `toml:"server"`
	Limits    LimitsSection    `toml:"limits"`
	Presence  PresenceSection  `toml:"presence"`
	Retention RetentionSection `toml:"retention"`
	Redis     RedisSection     `toml:"redis"`
}

type ServerSection struct {
	Port         int    `toml:"port"`
	MetricsPort  int    `toml:"metrics_port"`
	DatabasePath string `toml:"database_path"`
	JWTSecret    string `toml:"jwt_secret"`
}

type LimitsSection struct {
	MaxMessageLength      int `toml:"max_message_length"`
	SessionTimeoutSeconds int `toml:"session_timeout_seconds"`
	SendBufferSize        int `toml:"send_buffer_size"`
	MaxCatchupEvents      int `toml:"max_catchup_events"`
}

type PresenceSection struct {
	OfflineGraceSeconds  int `toml:"offline_grace_seconds"`
	TypingTimeoutSeconds int `toml:"typing_timeout_seconds"`
}

type RetentionSection struct {
	RetentionHours         int `toml:"retention_hours"`
	CleanupIntervalMinutes int `toml:"cleanup_interval_minutes"`
}

type RedisSection struct {
	Addr          string `toml:"addr"`
	Password      string `toml:"password"`
	DB            int    `toml:"db"`
	BridgeEnabled bool   `toml:"bridge_enabled"`
}

// DefaultTOMLConfig returns the default configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			Port:         8080,
			MetricsPort:  9090,
			DatabasePath: "~/.parley/parley.db",
			JWTSecret:    "",
		},
		Limits: LimitsSection{
			MaxMessageLength:      4096,
			SessionTimeoutSeconds: 120,
			SendBufferSize:        256,
			MaxCatchupEvents:      500,
		},
		Presence: PresenceSection{
			OfflineGraceSeconds:  7,
			TypingTimeoutSeconds: 5,
		},
		Retention: RetentionSection{
			RetentionHours:         0, // 0 = keep everything
			CleanupIntervalMinutes: 60,
		},
		Redis: RedisSection{
			Addr:          "", // empty = redis disabled
			Password:      "",
			DB:            0,
			BridgeEnabled: false,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates a default file
// if none exists, and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}
	path = expanded

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to write default config: %w", err)
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config: %w", err)
	}

	return applyEnvOverrides(config), nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	if val := os.Getenv("PARLEY_SERVER_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.Port = port
		}
	}
	if val := os.Getenv("PARLEY_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("PARLEY_SERVER_DATABASE_PATH"); val != "" {
		config.Server.DatabasePath = val
	}
	if val := os.Getenv("PARLEY_SERVER_JWT_SECRET"); val != "" {
		config.Server.JWTSecret = val
	}

	// Limits section
	if val := os.Getenv("PARLEY_LIMITS_MAX_MESSAGE_LENGTH"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxMessageLength = limit
		}
	}
	if val := os.Getenv("PARLEY_LIMITS_SESSION_TIMEOUT_SECONDS"); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil {
			config.Limits.SessionTimeoutSeconds = timeout
		}
	}
	if val := os.Getenv("PARLEY_LIMITS_SEND_BUFFER_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			config.Limits.SendBufferSize = size
		}
	}
	if val := os.Getenv("PARLEY_LIMITS_MAX_CATCHUP_EVENTS"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxCatchupEvents = limit
		}
	}

	// Presence section
	if val := os.Getenv("PARLEY_PRESENCE_OFFLINE_GRACE_SECONDS"); val != "" {
		if grace, err := strconv.Atoi(val); err == nil {
			config.Presence.OfflineGraceSeconds = grace
		}
	}
	if val := os.Getenv("PARLEY_PRESENCE_TYPING_TIMEOUT_SECONDS"); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil {
			config.Presence.TypingTimeoutSeconds = timeout
		}
	}

	// Retention section
	if val := os.Getenv("PARLEY_RETENTION_RETENTION_HOURS"); val != "" {
		if hours, err := strconv.Atoi(val); err == nil {
			config.Retention.RetentionHours = hours
		}
	}
	if val := os.Getenv("PARLEY_RETENTION_CLEANUP_INTERVAL_MINUTES"); val != "" {
		if minutes, err := strconv.Atoi(val); err == nil {
			config.Retention.CleanupIntervalMinutes = minutes
		}
	}

	// Redis section
	if val := os.Getenv("PARLEY_REDIS_ADDR"); val != "" {
		config.Redis.Addr = val
	}
	if val := os.Getenv("PARLEY_REDIS_PASSWORD"); val != "" {
		config.Redis.Password = val
	}
	if val := os.Getenv("PARLEY_REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			config.Redis.DB = db
		}
	}
	if val := os.Getenv("PARLEY_REDIS_BRIDGE_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			config.Redis.BridgeEnabled = enabled
		}
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# Parley server configuration
# Every value here can be overridden with a PARLEY_SECTION_KEY environment
# variable, e.g. PARLEY_SERVER_PORT=9000.

[server]
# Public websocket port (/ws)
port = %d
# Internal metrics port (/metrics, /health) - never expose publicly
metrics_port = %d
# SQLite event log location
database_path = "%s"
# HMAC secret for verifying session tokens. Required in production;
# prefer setting PARLEY_SERVER_JWT_SECRET over writing it here.
jwt_secret = "%s"

[limits]
# Maximum message content length in bytes
max_message_length = %d
# Idle connections are dropped after this many seconds
session_timeout_seconds = %d
# Outbound frames buffered per connection before it is dropped as stuck
send_buffer_size = %d
# Largest reconnect gap replayed before the client is told to resync
max_catchup_events = %d

[presence]
# Seconds a user stays online after their last connection drops
offline_grace_seconds = %d
# Seconds a typing indicator lives without a refresh
typing_timeout_seconds = %d

[retention]
# Hours of chat history to keep (0 = keep everything)
retention_hours = %d
# How often the retention sweep runs
cleanup_interval_minutes = %d

[redis]
# Redis address for presence mirroring and cross-node relay
# (empty = disabled, single-node operation)
addr = "%s"
password = "%s"
db = %d
# Relay broadcasts between nodes over redis pub/sub
bridge_enabled = %t
`,
		config.Server.Port,
		config.Server.MetricsPort,
		config.Server.DatabasePath,
		config.Server.JWTSecret,
		config.Limits.MaxMessageLength,
		config.Limits.SessionTimeoutSeconds,
		config.Limits.SendBufferSize,
		config.Limits.MaxCatchupEvents,
		config.Presence.OfflineGraceSeconds,
		config.Presence.TypingTimeoutSeconds,
		config.Retention.RetentionHours,
		config.Retention.CleanupIntervalMinutes,
		config.Redis.Addr,
		config.Redis.Password,
		config.Redis.DB,
		config.Redis.BridgeEnabled,
	)

	return os.WriteFile(path, []byte(content), 0644)
}

// GetDatabasePath returns the database path with ~ expanded, creating the
// parent directory if needed
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	path, err := expandHome(c.Server.DatabasePath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return path, nil
}
