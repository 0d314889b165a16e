package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the tablesync server.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Room       RoomConfig       `yaml:"room"`
	Storage    StorageConfig    `yaml:"storage"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
	Health     HealthConfig     `yaml:"health"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig contains the WebSocket listener settings.
type ServerConfig struct {
	ListenAddress  string        `yaml:"listen_address"`
	PathPrefix     string        `yaml:"path_prefix"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	SendQueueSize  int           `yaml:"send_queue_size"`
}

// RoomConfig contains the per-room session tunables.
type RoomConfig struct {
	PingInterval     time.Duration `yaml:"ping_interval"`
	EmptyRoomGrace   time.Duration `yaml:"empty_room_grace"`
	PersistDebounce  time.Duration `yaml:"persist_debounce"`
	MaxMessageBytes  int64         `yaml:"max_message_bytes"`
	MaxDocumentBytes int64         `yaml:"max_document_bytes"`
	StorageTimeout   time.Duration `yaml:"storage_timeout"`
	RateLimit        RoomRateLimit `yaml:"rate_limit"`
}

// RoomRateLimit bounds inbound traffic per connection.
type RoomRateLimit struct {
	Window      time.Duration `yaml:"window"`
	MaxMessages int           `yaml:"max_messages"`
	MaxBytes    int64         `yaml:"max_bytes"`
}

// StorageConfig selects the durable store.
type StorageConfig struct {
	Driver      string      `yaml:"driver"`
	Compression string      `yaml:"compression"`
	Redis       RedisConfig `yaml:"redis"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// SecurityConfig contains connection admission settings.
type SecurityConfig struct {
	ConnectionRateLimit ConnectionRateLimitConfig `yaml:"connection_rate_limit"`
	MaxConnections      int                       `yaml:"max_connections"`
	MaxConnectionsPerIP int                       `yaml:"max_connections_per_ip"`
}

// ConnectionRateLimitConfig limits WebSocket upgrades per client IP.
type ConnectionRateLimitConfig struct {
	Enabled              bool `yaml:"enabled"`
	ConnectionsPerMinute int  `yaml:"connections_per_minute"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// HealthConfig contains health check endpoint settings.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	ListenAddress string `yaml:"listen_address"`
	Detailed      bool   `yaml:"detailed"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress: ":8787",
			PathPrefix:    "/signal/",
			WriteTimeout:  10 * time.Second,
			DrainTimeout:  30 * time.Second,
			SendQueueSize: 256,
		},
		Room: RoomConfig{
			PingInterval:     30 * time.Second,
			EmptyRoomGrace:   time.Hour,
			PersistDebounce:  time.Second,
			MaxMessageBytes:  524288,   // 512KiB
			MaxDocumentBytes: 33554432, // 32MiB
			StorageTimeout:   5 * time.Second,
			RateLimit: RoomRateLimit{
				Window:      5 * time.Second,
				MaxMessages: 120,
				MaxBytes:    2097152, // 2MiB
			},
		},
		Storage: StorageConfig{
			Driver:      "memory",
			Compression: "none",
			Redis: RedisConfig{
				Address:   "127.0.0.1:6379",
				KeyPrefix: "tablesync:",
			},
		},
		Security: SecurityConfig{
			MaxConnections:      5000,
			MaxConnectionsPerIP: 50,
			ConnectionRateLimit: ConnectionRateLimitConfig{
				Enabled:              true,
				ConnectionsPerMinute: 60,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Health: HealthConfig{
			Enabled:       true,
			Endpoint:      "/health",
			ListenAddress: "127.0.0.1:8788",
			Detailed:      true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
		},
	}
}

// Load reads a config file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// IdleTimeout is how long a connection may stay silent before it is closed.
func (r RoomConfig) IdleTimeout() time.Duration {
	return 2 * r.PingInterval
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("server.listen_address is invalid: %w", err)
	}
	if !strings.HasPrefix(c.Server.PathPrefix, "/") || !strings.HasSuffix(c.Server.PathPrefix, "/") {
		return fmt.Errorf("server.path_prefix must start and end with /")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be positive")
	}
	if c.Server.DrainTimeout <= 0 {
		return fmt.Errorf("server.drain_timeout must be positive")
	}
	if c.Server.DrainTimeout > 5*time.Minute {
		return fmt.Errorf("server.drain_timeout must not exceed 5m")
	}
	if c.Server.SendQueueSize <= 0 {
		return fmt.Errorf("server.send_queue_size must be positive")
	}

	// Room validation
	if c.Room.PingInterval <= 0 {
		return fmt.Errorf("room.ping_interval must be positive")
	}
	if c.Room.EmptyRoomGrace <= 0 {
		return fmt.Errorf("room.empty_room_grace must be positive")
	}
	if c.Room.PersistDebounce <= 0 {
		return fmt.Errorf("room.persist_debounce must be positive")
	}
	if c.Room.PersistDebounce >= c.Room.EmptyRoomGrace {
		return fmt.Errorf("room.persist_debounce must be shorter than room.empty_room_grace")
	}
	if c.Room.StorageTimeout <= 0 {
		return fmt.Errorf("room.storage_timeout must be positive")
	}
	if c.Room.MaxMessageBytes <= 0 {
		return fmt.Errorf("room.max_message_bytes must be positive")
	}
	if c.Room.MaxMessageBytes > 67108864 {
		return fmt.Errorf("room.max_message_bytes must not exceed 67108864 (64MB)")
	}
	if c.Room.MaxDocumentBytes < c.Room.MaxMessageBytes {
		return fmt.Errorf("room.max_document_bytes must be at least room.max_message_bytes")
	}
	if c.Room.RateLimit.Window <= 0 {
		return fmt.Errorf("room.rate_limit.window must be positive")
	}
	if c.Room.RateLimit.MaxMessages <= 0 {
		return fmt.Errorf("room.rate_limit.max_messages must be positive")
	}
	if c.Room.RateLimit.MaxBytes < c.Room.MaxMessageBytes {
		return fmt.Errorf("room.rate_limit.max_bytes must be at least room.max_message_bytes")
	}

	// Storage validation
	switch c.Storage.Driver {
	case "memory":
	case "redis":
		if c.Storage.Redis.Address == "" {
			return fmt.Errorf("storage.redis.address is required when storage.driver is redis")
		}
		if c.Storage.Redis.DB < 0 {
			return fmt.Errorf("storage.redis.db must not be negative")
		}
	default:
		return fmt.Errorf("storage.driver must be one of: memory, redis")
	}
	switch c.Storage.Compression {
	case "none", "zstd":
	default:
		return fmt.Errorf("storage.compression must be one of: none, zstd")
	}

	// Security validation
	if c.Security.MaxConnections <= 0 {
		return fmt.Errorf("security.max_connections must be positive")
	}
	if c.Security.MaxConnections > 65535 {
		return fmt.Errorf("security.max_connections must not exceed 65535")
	}
	if c.Security.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("security.max_connections_per_ip must be positive")
	}
	if c.Security.MaxConnectionsPerIP > c.Security.MaxConnections {
		return fmt.Errorf("security.max_connections_per_ip must not exceed security.max_connections")
	}
	if c.Security.ConnectionRateLimit.Enabled && c.Security.ConnectionRateLimit.ConnectionsPerMinute <= 0 {
		return fmt.Errorf("security.connection_rate_limit.connections_per_minute must be positive")
	}

	// Logging validation
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Health validation
	if c.Health.Enabled {
		if c.Health.ListenAddress == "" {
			return fmt.Errorf("health.listen_address is required when health is enabled")
		}
		host, _, err := net.SplitHostPort(c.Health.ListenAddress)
		if err != nil {
			return fmt.Errorf("health.listen_address is invalid: %w", err)
		}
		ip := net.ParseIP(host)
		if ip != nil && !ip.IsLoopback() {
			return fmt.Errorf("health.listen_address should bind to a loopback address (e.g. 127.0.0.1) to avoid exposing metrics")
		}
		if c.Server.ListenAddress == c.Health.ListenAddress {
			return fmt.Errorf("server.listen_address and health.listen_address must be different")
		}
	}

	return nil
}

// applyEnvOverrides applies the bare millisecond/byte tunables the room
// runtime has always honoured, then TABLESYNC_ prefixed environment
// variables (TABLESYNC_ + section + key, uppercase). A prefixed variable
// wins over its bare counterpart.
func applyEnvOverrides(cfg *Config) {
	bareEnvMap := map[string]func(string){
		"PING_INTERVAL_MS":        func(v string) { cfg.Room.PingInterval = parseMillis(v, cfg.Room.PingInterval) },
		"EMPTY_ROOM_GRACE_MS":     func(v string) { cfg.Room.EmptyRoomGrace = parseMillis(v, cfg.Room.EmptyRoomGrace) },
		"PERSIST_DEBOUNCE_MS":     func(v string) { cfg.Room.PersistDebounce = parseMillis(v, cfg.Room.PersistDebounce) },
		"MAX_MESSAGE_BYTES":       func(v string) { cfg.Room.MaxMessageBytes = parseInt64(v, cfg.Room.MaxMessageBytes) },
		"RATE_LIMIT_WINDOW_MS":    func(v string) { cfg.Room.RateLimit.Window = parseMillis(v, cfg.Room.RateLimit.Window) },
		"RATE_LIMIT_MAX_MESSAGES": func(v string) { cfg.Room.RateLimit.MaxMessages = parseInt(v, cfg.Room.RateLimit.MaxMessages) },
		"RATE_LIMIT_MAX_BYTES":    func(v string) { cfg.Room.RateLimit.MaxBytes = parseInt64(v, cfg.Room.RateLimit.MaxBytes) },
	}

	envMap := map[string]func(string){
		"TABLESYNC_SERVER_LISTEN_ADDRESS":  func(v string) { cfg.Server.ListenAddress = v },
		"TABLESYNC_SERVER_PATH_PREFIX":     func(v string) { cfg.Server.PathPrefix = v },
		"TABLESYNC_SERVER_ALLOWED_ORIGINS": func(v string) { cfg.Server.AllowedOrigins = splitList(v) },
		"TABLESYNC_SERVER_WRITE_TIMEOUT":   func(v string) { cfg.Server.WriteTimeout = parseDuration(v, cfg.Server.WriteTimeout) },
		"TABLESYNC_SERVER_DRAIN_TIMEOUT":   func(v string) { cfg.Server.DrainTimeout = parseDuration(v, cfg.Server.DrainTimeout) },
		"TABLESYNC_SERVER_SEND_QUEUE_SIZE": func(v string) { cfg.Server.SendQueueSize = parseInt(v, cfg.Server.SendQueueSize) },

		"TABLESYNC_ROOM_PING_INTERVAL":     func(v string) { cfg.Room.PingInterval = parseDuration(v, cfg.Room.PingInterval) },
		"TABLESYNC_ROOM_EMPTY_ROOM_GRACE":  func(v string) { cfg.Room.EmptyRoomGrace = parseDuration(v, cfg.Room.EmptyRoomGrace) },
		"TABLESYNC_ROOM_PERSIST_DEBOUNCE":  func(v string) { cfg.Room.PersistDebounce = parseDuration(v, cfg.Room.PersistDebounce) },
		"TABLESYNC_ROOM_MAX_MESSAGE_BYTES": func(v string) { cfg.Room.MaxMessageBytes = parseInt64(v, cfg.Room.MaxMessageBytes) },
		"TABLESYNC_ROOM_STORAGE_TIMEOUT":   func(v string) { cfg.Room.StorageTimeout = parseDuration(v, cfg.Room.StorageTimeout) },
		"TABLESYNC_ROOM_MAX_DOCUMENT_BYTES": func(v string) {
			cfg.Room.MaxDocumentBytes = parseInt64(v, cfg.Room.MaxDocumentBytes)
		},

		"TABLESYNC_STORAGE_DRIVER":           func(v string) { cfg.Storage.Driver = v },
		"TABLESYNC_STORAGE_COMPRESSION":      func(v string) { cfg.Storage.Compression = v },
		"TABLESYNC_STORAGE_REDIS_ADDRESS":    func(v string) { cfg.Storage.Redis.Address = v },
		"TABLESYNC_STORAGE_REDIS_PASSWORD":   func(v string) { cfg.Storage.Redis.Password = v },
		"TABLESYNC_STORAGE_REDIS_DB":         func(v string) { cfg.Storage.Redis.DB = parseInt(v, cfg.Storage.Redis.DB) },
		"TABLESYNC_STORAGE_REDIS_KEY_PREFIX": func(v string) { cfg.Storage.Redis.KeyPrefix = v },

		"TABLESYNC_SECURITY_MAX_CONNECTIONS":        func(v string) { cfg.Security.MaxConnections = parseInt(v, cfg.Security.MaxConnections) },
		"TABLESYNC_SECURITY_MAX_CONNECTIONS_PER_IP": func(v string) { cfg.Security.MaxConnectionsPerIP = parseInt(v, cfg.Security.MaxConnectionsPerIP) },
		"TABLESYNC_SECURITY_CONNECTION_RATE_LIMIT_ENABLED": func(v string) {
			cfg.Security.ConnectionRateLimit.Enabled = parseBool(v, cfg.Security.ConnectionRateLimit.Enabled)
		},
		"TABLESYNC_SECURITY_CONNECTION_RATE_LIMIT_CONNECTIONS_PER_MINUTE": func(v string) {
			cfg.Security.ConnectionRateLimit.ConnectionsPerMinute = parseInt(v, cfg.Security.ConnectionRateLimit.ConnectionsPerMinute)
		},

		"TABLESYNC_LOGGING_LEVEL":           func(v string) { cfg.Logging.Level = v },
		"TABLESYNC_LOGGING_FORMAT":          func(v string) { cfg.Logging.Format = v },
		"TABLESYNC_LOGGING_FILE":            func(v string) { cfg.Logging.File = v },
		"TABLESYNC_HEALTH_ENABLED":          func(v string) { cfg.Health.Enabled = parseBool(v, cfg.Health.Enabled) },
		"TABLESYNC_HEALTH_LISTEN_ADDRESS":   func(v string) { cfg.Health.ListenAddress = v },
		"TABLESYNC_MONITORING_METRICS_ENABLED": func(v string) {
			cfg.Monitoring.MetricsEnabled = parseBool(v, cfg.Monitoring.MetricsEnabled)
		},
	}

	for _, m := range []map[string]func(string){bareEnvMap, envMap} {
		for env, setter := range m {
			if v := os.Getenv(env); v != "" {
				setter(v)
			}
		}
	}
}

// ApplyReloadableFields returns a copy of c with reloadable fields from newCfg.
// Non-reloadable: listen addresses, path prefix, storage, room tunables.
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Security = newCfg.Security
	updated.Logging.Level = newCfg.Logging.Level
	updated.Server.AllowedOrigins = newCfg.Server.AllowedOrigins
	return &updated
}

// IsReloadSafe lists the changed fields that only take effect after a restart.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Server.ListenAddress != new.Server.ListenAddress {
		warnings = append(warnings, "server.listen_address requires restart")
	}
	if old.Server.PathPrefix != new.Server.PathPrefix {
		warnings = append(warnings, "server.path_prefix requires restart")
	}
	if old.Storage != new.Storage {
		warnings = append(warnings, "storage requires restart")
	}
	if old.Room != new.Room {
		warnings = append(warnings, "room tunables require restart")
	}
	if old.Health.ListenAddress != new.Health.ListenAddress {
		warnings = append(warnings, "health.listen_address requires restart")
	}
	return warnings
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseMillis(s string, fallback time.Duration) time.Duration {
	var ms int64
	if _, err := fmt.Sscanf(s, "%d", &ms); err != nil {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func parseInt64(s string, fallback int64) int64 {
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	s = strings.ToLower(s)
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
