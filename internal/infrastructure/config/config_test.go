package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validConfig returns a default config with the required secrets filled in.
func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Phyn.API.Token = "token"
	cfg.Phyn.API.UserID = "user@example.com"
	cfg.Phyn.Push.MQTT.Broker.Host = "push.example.com"
	return cfg
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
site:
  id: "test-site"
  timezone: "UTC"
phyn:
  api:
    user_id: "user@example.com"
    token: "abc"
  push:
    mqtt:
      broker:
        host: "push.example.com"
fleet:
  poll_interval: 30
  refresh_timeout: 10
  devices:
    - id: "dev-1"
      home_id: "home-1"
      product_code: "PP2"
database:
  path: "/tmp/test.db"
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  port: 8080
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.GetPollInterval() != 30*time.Second {
		t.Errorf("GetPollInterval() = %v, want 30s", cfg.GetPollInterval())
	}
	if len(cfg.Fleet.Devices) != 1 || cfg.Fleet.Devices[0].ProductCode != "PP2" {
		t.Errorf("Fleet.Devices = %+v", cfg.Fleet.Devices)
	}
	// Defaults survive a partial file.
	if cfg.Phyn.API.BaseURL != "https://api.phyn.com" {
		t.Errorf("Phyn.API.BaseURL = %q, want default", cfg.Phyn.API.BaseURL)
	}
	if cfg.Phyn.Push.MQTT.Broker.Scheme != "wss" {
		t.Errorf("push scheme = %q, want wss", cfg.Phyn.Push.MQTT.Broker.Scheme)
	}
	if cfg.Location() != time.UTC {
		t.Errorf("Location() = %v", cfg.Location())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_TokenFromEnvironment(t *testing.T) {
	content := `
phyn:
  api:
    user_id: "user@example.com"
  push:
    enabled: false
`
	path := writeConfig(t, content)

	if _, err := Load(path); err == nil {
		t.Fatal("Load() without token expected error")
	}

	t.Setenv("PHYNBRIDGE_PHYN_TOKEN", "from-env")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Phyn.API.Token != "from-env" {
		t.Errorf("Token = %q, want from-env", cfg.Phyn.API.Token)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"missing site ID", func(c *Config) { c.Site.ID = "" }, "site.id"},
		{"bad timezone", func(c *Config) { c.Site.Timezone = "Mars/Olympus" }, "site.timezone"},
		{"missing token", func(c *Config) { c.Phyn.API.Token = "" }, "phyn.api.token"},
		{"missing user without devices", func(c *Config) { c.Phyn.API.UserID = "" }, "phyn.api.user_id"},
		{"static devices replace user", func(c *Config) {
			c.Phyn.API.UserID = ""
			c.Fleet.Devices = []DeviceConfig{{ID: "d", ProductCode: "PP1"}}
		}, ""},
		{"incomplete static device", func(c *Config) {
			c.Fleet.Devices = []DeviceConfig{{ID: "d"}}
		}, "fleet.devices[0]"},
		{"push without host", func(c *Config) { c.Phyn.Push.MQTT.Broker.Host = "" }, "phyn.push.mqtt.broker.host"},
		{"push disabled without host", func(c *Config) {
			c.Phyn.Push.Enabled = false
			c.Phyn.Push.MQTT.Broker.Host = ""
		}, ""},
		{"bad push scheme", func(c *Config) { c.Phyn.Push.MQTT.Broker.Scheme = "http" }, "scheme"},
		{"timeout not below interval", func(c *Config) { c.Fleet.RefreshTimeout = 60 }, "fleet.refresh_timeout"},
		{"zero concurrency", func(c *Config) { c.Fleet.Concurrency = 0 }, "fleet.concurrency"},
		{"missing database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"invalid QoS", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"invalid QoS ignored when disabled", func(c *Config) {
			c.MQTT.Enabled = false
			c.MQTT.QoS = 3
		}, ""},
		{"invalid port low", func(c *Config) { c.API.Port = 0 }, "api.port"},
		{"invalid port high", func(c *Config) { c.API.Port = 70000 }, "api.port"},
		{"auth without secret", func(c *Config) { c.API.Auth.Enabled = true }, "api.auth.jwt_secret"},
		{"auth with short secret", func(c *Config) {
			c.API.Auth.Enabled = true
			c.API.Auth.JWTSecret = "short"
		}, "api.auth.jwt_secret"},
		{"auth with secret", func(c *Config) {
			c.API.Auth.Enabled = true
			c.API.Auth.JWTSecret = strings.Repeat("s", 32)
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Site.ID = ""
	cfg.API.Port = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil")
	}
	for _, want := range []string{"site.id", "api.port"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
		Fleet: FleetConfig{RefreshTimeout: 20},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
	if got := cfg.GetRefreshTimeout().Seconds(); got != 20 {
		t.Errorf("GetRefreshTimeout() = %v, want 20", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("PHYNBRIDGE_DATABASE_PATH", "/custom/path.db")
	t.Setenv("PHYNBRIDGE_MQTT_HOST", "mqtt.example.com")
	t.Setenv("PHYNBRIDGE_MQTT_USERNAME", "testuser")
	t.Setenv("PHYNBRIDGE_MQTT_PASSWORD", "testpass")
	t.Setenv("PHYNBRIDGE_API_HOST", "192.168.1.1")
	t.Setenv("PHYNBRIDGE_API_PORT", "9090")
	t.Setenv("PHYNBRIDGE_PHYN_API_KEY", "key")
	t.Setenv("PHYNBRIDGE_PHYN_PUSH_HOST", "push.example.com")
	t.Setenv("PHYNBRIDGE_FLEET_POLL_INTERVAL", "not-a-number")
	t.Setenv("PHYNBRIDGE_API_JWT_SECRET", "jwt-secret")

	applyEnvOverrides(cfg)

	if cfg.API.Auth.JWTSecret != "jwt-secret" {
		t.Errorf("API.Auth.JWTSecret = %q, want jwt-secret", cfg.API.Auth.JWTSecret)
	}

	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}
	if cfg.MQTT.Auth.Username != "testuser" || cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT.Auth = %+v", cfg.MQTT.Auth)
	}
	if cfg.API.Host != "192.168.1.1" || cfg.API.Port != 9090 {
		t.Errorf("API = %s:%d, want 192.168.1.1:9090", cfg.API.Host, cfg.API.Port)
	}
	if cfg.Phyn.API.APIKey != "key" {
		t.Errorf("Phyn.API.APIKey = %q, want key", cfg.Phyn.API.APIKey)
	}
	if cfg.Phyn.Push.MQTT.Broker.Host != "push.example.com" {
		t.Errorf("push host = %q", cfg.Phyn.Push.MQTT.Broker.Host)
	}
	if cfg.Fleet.PollInterval != 60 {
		t.Errorf("PollInterval = %d, want default kept for malformed override", cfg.Fleet.PollInterval)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Site.ID == "" {
		t.Error("defaultConfig should have non-empty Site.ID")
	}
	if cfg.Fleet.PollInterval != 60 || cfg.Fleet.RefreshTimeout != 20 || cfg.Fleet.FirmwareEvery != 60 {
		t.Errorf("fleet defaults = %+v, want 60s poll, 20s timeout, firmware every 60", cfg.Fleet)
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("defaultConfig API.Port = %d, want 8080", cfg.API.Port)
	}
}
