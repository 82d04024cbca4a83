package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/ericfitz/syncboard/internal/envutil"
	"github.com/ericfitz/syncboard/internal/slogging"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Collab    CollabConfig    `yaml:"collab"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `yaml:"port" env:"SERVER_PORT"`
	Interface    string        `yaml:"interface" env:"SERVER_INTERFACE"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	TLSEnabled   bool          `yaml:"tls_enabled" env:"SERVER_TLS_ENABLED"`
	TLSCertFile  string        `yaml:"tls_cert_file" env:"SERVER_TLS_CERT_FILE"`
	TLSKeyFile   string        `yaml:"tls_key_file" env:"SERVER_TLS_KEY_FILE"`
}

// RedisConfig holds configuration for the cross-node broadcast relay.
// With Enabled false the server runs single-node and Redis is never dialed.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" env:"REDIS_ENABLED"`
	Host     string `yaml:"host" env:"REDIS_HOST"`
	Port     string `yaml:"port" env:"REDIS_PORT"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string `yaml:"secret" env:"JWT_SECRET"`
	ExpirationSeconds int    `yaml:"expiration_seconds" env:"JWT_EXPIRATION_SECONDS"`
	SigningMethod     string `yaml:"signing_method" env:"JWT_SIGNING_METHOD"`
}

// WebSocketConfig holds WebSocket transport tuning
type WebSocketConfig struct {
	InactivityTimeoutSeconds int   `yaml:"inactivity_timeout_seconds" env:"WEBSOCKET_INACTIVITY_TIMEOUT_SECONDS"`
	ReadLimitBytes           int64 `yaml:"read_limit_bytes" env:"WEBSOCKET_READ_LIMIT_BYTES"`
	SendBufferSize           int   `yaml:"send_buffer_size" env:"WEBSOCKET_SEND_BUFFER_SIZE"`
	PingIntervalSeconds      int   `yaml:"ping_interval_seconds" env:"WEBSOCKET_PING_INTERVAL_SECONDS"`
	PongWaitSeconds          int   `yaml:"pong_wait_seconds" env:"WEBSOCKET_PONG_WAIT_SECONDS"`
	WriteWaitSeconds         int   `yaml:"write_wait_seconds" env:"WEBSOCKET_WRITE_WAIT_SECONDS"`
}

// CollabConfig holds collaboration semantics tuning
type CollabConfig struct {
	// LockTTLSeconds expires element locks not refreshed within the window.
	// Zero disables expiry; departure cleanup is always active.
	LockTTLSeconds int `yaml:"lock_ttl_seconds" env:"COLLAB_LOCK_TTL_SECONDS"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level" env:"LOGGING_LEVEL"`
	IsDev            bool   `yaml:"is_dev" env:"LOGGING_IS_DEV"`
	IsTest           bool   `yaml:"is_test" env:"LOGGING_IS_TEST"`
	LogDir           string `yaml:"log_dir" env:"LOGGING_LOG_DIR"`
	MaxAgeDays       int    `yaml:"max_age_days" env:"LOGGING_MAX_AGE_DAYS"`
	MaxSizeMB        int    `yaml:"max_size_mb" env:"LOGGING_MAX_SIZE_MB"`
	MaxBackups       int    `yaml:"max_backups" env:"LOGGING_MAX_BACKUPS"`
	AlsoLogToConsole bool   `yaml:"also_log_to_console" env:"LOGGING_ALSO_LOG_TO_CONSOLE"`
	LogWebSocketMsg  bool   `yaml:"log_websocket_messages" env:"LOGGING_LOG_WEBSOCKET_MESSAGES"`
}

// Load loads configuration from YAML file with environment variable overrides
func Load(configFile string) (*Config, error) {
	config := getDefaultConfig()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromYAML(config, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config from YAML: %w", err)
		}
	}

	// Override with environment variables
	if err := overrideWithEnv(config); err != nil {
		return nil, fmt.Errorf("failed to override with environment variables: %w", err)
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// getDefaultConfig returns a configuration with default values
func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			Interface:    "0.0.0.0",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			TLSEnabled:   false,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Host:     "localhost",
			Port:     "6379",
			Password: "",
			DB:       0,
		},
		Auth: AuthConfig{
			JWT: JWTConfig{
				Secret:            "",
				ExpirationSeconds: 3600,
				SigningMethod:     "HS256",
			},
		},
		WebSocket: WebSocketConfig{
			InactivityTimeoutSeconds: 300, // 5 minutes default
			ReadLimitBytes:           4096,
			SendBufferSize:           256,
			PingIntervalSeconds:      30,
			PongWaitSeconds:          60,
			WriteWaitSeconds:         10,
		},
		Collab: CollabConfig{
			LockTTLSeconds: 0,
		},
		Logging: LoggingConfig{
			Level:            "info",
			IsDev:            true,
			IsTest:           false,
			LogDir:           "logs",
			MaxAgeDays:       7,
			MaxSizeMB:        100,
			MaxBackups:       10,
			AlsoLogToConsole: true,
		},
	}
}

// loadFromYAML loads configuration from a YAML file
func loadFromYAML(config *Config, filename string) error {
	data, err := os.ReadFile(filename) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// overrideWithEnv overrides configuration values with environment variables
func overrideWithEnv(config *Config) error {
	return overrideStructWithEnv(reflect.ValueOf(config).Elem())
}

// overrideStructWithEnv recursively overrides struct fields with environment variables
func overrideStructWithEnv(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// Skip unexported fields
		if !field.CanSet() {
			continue
		}

		// Handle nested structs
		if field.Kind() == reflect.Struct {
			if err := overrideStructWithEnv(field); err != nil {
				return err
			}
			continue
		}

		// Get environment variable name from tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		// Get environment variable value, honoring the SYNCBOARD_ prefix fallback
		envValue := envutil.Get(envTag, "")
		if envValue == "" {
			continue
		}

		// Set field value based on type
		if err := setFieldFromString(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from env %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

// setFieldFromString sets a struct field value from a string based on the field type
func setFieldFromString(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool value: %s", value)
		}
		field.SetBool(boolVal)
	case reflect.Int:
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid int value: %s", value)
		}
		field.SetInt(int64(intVal))
	case reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration value: %s", value)
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid int64 value: %s", value)
			}
			field.SetInt(intVal)
		}
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server configuration
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.TLSEnabled {
		if c.Server.TLSCertFile == "" || c.Server.TLSKeyFile == "" {
			return fmt.Errorf("tls cert and key files are required when tls is enabled")
		}
	}

	// Validate Redis configuration (only when the relay is enabled)
	if c.Redis.Enabled {
		if c.Redis.Host == "" {
			return fmt.Errorf("redis host is required when redis is enabled")
		}
		if c.Redis.Port == "" {
			return fmt.Errorf("redis port is required when redis is enabled")
		}
	}

	// Validate JWT configuration
	if c.Auth.JWT.Secret == "" {
		return fmt.Errorf("jwt secret is required")
	}
	if c.Auth.JWT.ExpirationSeconds <= 0 {
		return fmt.Errorf("jwt expiration must be greater than 0")
	}

	// Validate WebSocket configuration
	if c.WebSocket.InactivityTimeoutSeconds < 15 {
		return fmt.Errorf("websocket inactivity timeout must be at least 15 seconds")
	}
	if c.WebSocket.ReadLimitBytes < 512 {
		return fmt.Errorf("websocket read limit must be at least 512 bytes")
	}
	if c.WebSocket.SendBufferSize < 1 {
		return fmt.Errorf("websocket send buffer size must be at least 1")
	}
	if c.WebSocket.PingIntervalSeconds >= c.WebSocket.PongWaitSeconds {
		return fmt.Errorf("websocket ping interval must be less than pong wait")
	}
	if c.WebSocket.WriteWaitSeconds <= 0 {
		return fmt.Errorf("websocket write wait must be greater than 0")
	}

	// Validate collaboration configuration
	if c.Collab.LockTTLSeconds < 0 {
		return fmt.Errorf("lock ttl must not be negative")
	}

	return nil
}

// IsTestMode returns true if running in test mode
func (c *Config) IsTestMode() bool {
	return c.Logging.IsTest || isRunningInTest()
}

// isRunningInTest detects if we're running under 'go test'
func isRunningInTest() bool {
	return flag.Lookup("test.v") != nil
}

// ListenAddr returns the interface:port address the HTTP server binds to
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Interface, c.Server.Port)
}

// RedisAddr returns the host:port address of the Redis relay
func (c *Config) RedisAddr() string {
	return net.JoinHostPort(c.Redis.Host, c.Redis.Port)
}

// GetJWTDuration returns the JWT expiration duration
func (c *Config) GetJWTDuration() time.Duration {
	return time.Duration(c.Auth.JWT.ExpirationSeconds) * time.Second
}

// GetLogLevel returns the parsed log level
func (c *Config) GetLogLevel() slogging.LogLevel {
	return slogging.ParseLogLevel(c.Logging.Level)
}

// LockTTL returns the lock expiry window, zero when expiry is disabled
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Collab.LockTTLSeconds) * time.Second
}

// InactivityTimeout returns the room idle timeout
func (c *Config) InactivityTimeout() time.Duration {
	return time.Duration(c.WebSocket.InactivityTimeoutSeconds) * time.Second
}

// PingInterval returns the server ping cadence
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.WebSocket.PingIntervalSeconds) * time.Second
}

// PongWait returns how long a connection may stay silent before it is dropped
func (c *Config) PongWait() time.Duration {
	return time.Duration(c.WebSocket.PongWaitSeconds) * time.Second
}

// WriteWait returns the per-write deadline
func (c *Config) WriteWait() time.Duration {
	return time.Duration(c.WebSocket.WriteWaitSeconds) * time.Second
}
