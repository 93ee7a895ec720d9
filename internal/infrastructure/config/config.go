package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Phyn bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Phyn      PhynConfig      `yaml:"phyn"`
	Fleet     FleetConfig     `yaml:"fleet"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// PhynConfig contains the cloud account settings.
type PhynConfig struct {
	API  PhynAPIConfig  `yaml:"api"`
	Push PhynPushConfig `yaml:"push"`
}

// PhynAPIConfig contains REST API settings for the poll channel.
type PhynAPIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Brand   string        `yaml:"brand"`
	UserID  string        `yaml:"user_id"`
	Token   string        `yaml:"token"`
	APIKey  string        `yaml:"api_key"`
	Timeout int           `yaml:"timeout"` // seconds
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig contains circuit breaker settings.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int `yaml:"failure_threshold"`

	// OpenTimeout is how long the breaker stays open, in seconds.
	OpenTimeout int `yaml:"open_timeout"`

	// Interval is the closed-state counter reset period, in seconds.
	// Zero never resets.
	Interval int `yaml:"interval"`
}

// PhynPushConfig contains settings for the push channel.
type PhynPushConfig struct {
	Enabled bool       `yaml:"enabled"`
	MQTT    MQTTConfig `yaml:"mqtt"`
}

// FleetConfig contains device polling settings.
type FleetConfig struct {
	PollInterval   int            `yaml:"poll_interval"`   // seconds
	RefreshTimeout int            `yaml:"refresh_timeout"` // seconds
	FirmwareEvery  int            `yaml:"firmware_every"`  // ticks
	Concurrency    int            `yaml:"concurrency"`
	PushQueueSize  int            `yaml:"push_queue_size"`
	Devices        []DeviceConfig `yaml:"devices"`
}

// DeviceConfig declares a device statically, in addition to those found by
// enumeration.
type DeviceConfig struct {
	ID          string `yaml:"id"`
	HomeID      string `yaml:"home_id"`
	ProductCode string `yaml:"product_code"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	// Scheme is "tcp", "ssl", "ws" or "wss". Empty means tcp, or ssl
	// when TLS is set.
	Scheme   string `yaml:"scheme"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Path     string `yaml:"path"` // websocket path
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
	Auth     AuthConfig       `yaml:"auth"`
}

// AuthConfig contains bearer token settings for the API.
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwt_secret"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig contains Prometheus exporter settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// minJWTSecretLength is the shortest accepted token signing secret.
const minJWTSecretLength = 32

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: PHYNBRIDGE_SECTION_KEY
// For example: PHYNBRIDGE_DATABASE_PATH, PHYNBRIDGE_PHYN_TOKEN
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Phyn Bridge",
			Timezone: "UTC",
		},
		Phyn: PhynConfig{
			API: PhynAPIConfig{
				BaseURL: "https://api.phyn.com",
				Brand:   "phyn",
				Timeout: 20,
				Breaker: BreakerConfig{
					FailureThreshold: 5,
					OpenTimeout:      60,
				},
			},
			Push: PhynPushConfig{
				Enabled: true,
				MQTT: MQTTConfig{
					Broker: MQTTBrokerConfig{
						Scheme:   "wss",
						Port:     443,
						Path:     "/mqtt",
						ClientID: "phynbridge-push",
					},
					QoS: 0,
					Reconnect: MQTTReconnectConfig{
						InitialDelay: 1,
						MaxDelay:     60,
					},
				},
			},
		},
		Fleet: FleetConfig{
			PollInterval:   60,
			RefreshTimeout: 20,
			FirmwareEvery:  60,
			Concurrency:    4,
			PushQueueSize:  64,
		},
		Database: DatabaseConfig{
			Path:        "./data/phynbridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "phynbridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: PHYNBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Site
	if v := os.Getenv("PHYNBRIDGE_SITE_TIMEZONE"); v != "" {
		cfg.Site.Timezone = v
	}

	// Phyn account (secrets belong here, not in the file)
	if v := os.Getenv("PHYNBRIDGE_PHYN_BASE_URL"); v != "" {
		cfg.Phyn.API.BaseURL = v
	}
	if v := os.Getenv("PHYNBRIDGE_PHYN_USER_ID"); v != "" {
		cfg.Phyn.API.UserID = v
	}
	if v := os.Getenv("PHYNBRIDGE_PHYN_TOKEN"); v != "" {
		cfg.Phyn.API.Token = v
	}
	if v := os.Getenv("PHYNBRIDGE_PHYN_API_KEY"); v != "" {
		cfg.Phyn.API.APIKey = v
	}
	if v := os.Getenv("PHYNBRIDGE_PHYN_PUSH_HOST"); v != "" {
		cfg.Phyn.Push.MQTT.Broker.Host = v
	}
	if v := os.Getenv("PHYNBRIDGE_PHYN_PUSH_USERNAME"); v != "" {
		cfg.Phyn.Push.MQTT.Auth.Username = v
	}
	if v := os.Getenv("PHYNBRIDGE_PHYN_PUSH_PASSWORD"); v != "" {
		cfg.Phyn.Push.MQTT.Auth.Password = v
	}

	// Fleet
	if v, ok := envInt("PHYNBRIDGE_FLEET_POLL_INTERVAL"); ok {
		cfg.Fleet.PollInterval = v
	}

	// Database
	if v := os.Getenv("PHYNBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("PHYNBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("PHYNBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("PHYNBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("PHYNBRIDGE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v, ok := envInt("PHYNBRIDGE_API_PORT"); ok {
		cfg.API.Port = v
	}
	if v := os.Getenv("PHYNBRIDGE_API_JWT_SECRET"); v != "" {
		cfg.API.Auth.JWTSecret = v
	}

	// Logging
	if v := os.Getenv("PHYNBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}
	if _, err := time.LoadLocation(c.Site.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("site.timezone %q is not a valid IANA zone", c.Site.Timezone))
	}

	// Phyn account
	if c.Phyn.API.BaseURL == "" {
		errs = append(errs, "phyn.api.base_url is required")
	}
	if c.Phyn.API.Token == "" {
		errs = append(errs, "phyn.api.token is required (set PHYNBRIDGE_PHYN_TOKEN environment variable)")
	}
	if c.Phyn.API.UserID == "" && len(c.Fleet.Devices) == 0 {
		errs = append(errs, "phyn.api.user_id is required unless fleet.devices is set")
	}
	if c.Phyn.API.Timeout < 1 {
		errs = append(errs, "phyn.api.timeout must be at least 1 second")
	}
	if c.Phyn.API.Breaker.FailureThreshold < 1 {
		errs = append(errs, "phyn.api.breaker.failure_threshold must be at least 1")
	}
	if c.Phyn.Push.Enabled {
		if c.Phyn.Push.MQTT.Broker.Host == "" {
			errs = append(errs, "phyn.push.mqtt.broker.host is required when push is enabled")
		}
		errs = append(errs, validateMQTT("phyn.push.mqtt", c.Phyn.Push.MQTT)...)
	}

	// Fleet
	if c.Fleet.PollInterval < 1 {
		errs = append(errs, "fleet.poll_interval must be at least 1 second")
	}
	if c.Fleet.RefreshTimeout < 1 {
		errs = append(errs, "fleet.refresh_timeout must be at least 1 second")
	} else if c.Fleet.RefreshTimeout >= c.Fleet.PollInterval && c.Fleet.PollInterval > 0 {
		errs = append(errs, "fleet.refresh_timeout must be shorter than fleet.poll_interval")
	}
	if c.Fleet.FirmwareEvery < 1 {
		errs = append(errs, "fleet.firmware_every must be at least 1")
	}
	if c.Fleet.Concurrency < 1 {
		errs = append(errs, "fleet.concurrency must be at least 1")
	}
	for i, d := range c.Fleet.Devices {
		if d.ID == "" || d.ProductCode == "" {
			errs = append(errs, fmt.Sprintf("fleet.devices[%d] needs id and product_code", i))
		}
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.Enabled {
		errs = append(errs, validateMQTT("mqtt", c.MQTT)...)
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.Auth.Enabled && len(c.API.Auth.JWTSecret) < minJWTSecretLength {
		errs = append(errs, fmt.Sprintf("api.auth.jwt_secret must be at least %d characters (set PHYNBRIDGE_API_JWT_SECRET)", minJWTSecretLength))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func validateMQTT(prefix string, m MQTTConfig) []string {
	var errs []string
	if m.QoS < 0 || m.QoS > 2 {
		errs = append(errs, prefix+".qos must be 0, 1, or 2")
	}
	switch m.Broker.Scheme {
	case "", "tcp", "ssl", "tls", "ws", "wss":
	default:
		errs = append(errs, fmt.Sprintf("%s.broker.scheme %q is not supported", prefix, m.Broker.Scheme))
	}
	return errs
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetPollInterval returns the fleet poll interval as a Duration.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.Fleet.PollInterval) * time.Second
}

// GetRefreshTimeout returns the per-device refresh timeout as a Duration.
func (c *Config) GetRefreshTimeout() time.Duration {
	return time.Duration(c.Fleet.RefreshTimeout) * time.Second
}

// Location returns the site time zone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Site.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
