// Package config loads knxcored's YAML configuration: site identity, the
// knxd transport connection, Data Secure key material, and the MQTT,
// InfluxDB and admin API integrations.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for knxcored.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	KNX       KNXConfig       `yaml:"knx"`
	DeviceBus DeviceBusConfig `yaml:"devicebus"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	AdminAPI  AdminAPIConfig  `yaml:"admin_api"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// KNXConfig configures the protocol core: the knxd connection, the
// (documented, non-configurable per spec) protocol timeouts are fixed as
// package constants elsewhere and are not listed here, only the settings
// the spec allows to vary.
type KNXConfig struct {
	// SourceAddress is this interface's own individual address, e.g. "1.1.5".
	SourceAddress string `yaml:"source_address"`

	// Transport configures the knxd connection.
	Transport TransportConfig `yaml:"transport"`

	// RateLimit is the outgoing telegram rate in telegrams per second.
	// 0 disables rate limiting.
	RateLimit int `yaml:"rate_limit"`

	// GroupAddressStyle names a group-address rendering style: "free" (raw
	// uint16), "short" (main/sub), or "long" (main/middle/sub). It is
	// loaded and defaulted but nothing reads it: logs and the admin API
	// render group addresses with address.Group.String, which is always
	// the long style. Parsing always accepts all three styles.
	GroupAddressStyle string `yaml:"group_address_style"`

	Secure SecureConfig `yaml:"secure"`
}

// TransportConfig configures the knxd connection.
type TransportConfig struct {
	// Connection is the knxd connection URL: "unix:///run/knxd" or
	// "tcp://localhost:6720".
	Connection        string        `yaml:"connection"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// SecureConfig configures Data Secure key material and sequence-number
// persistence. Keys are loaded pre-decrypted; knxcore never parses a
// .knxkeys keyring file itself.
type SecureConfig struct {
	// Enabled turns on Data Secure processing for configured group addresses.
	Enabled bool `yaml:"enabled"`

	// KeyTablePath points to a YAML/JSON file holding decrypted group and
	// individual address keys.
	KeyTablePath string `yaml:"key_table_path"`

	// StorePath is an optional sqlite database path used to persist the
	// sending sequence number and the per-sender ia_sequence_table across
	// restarts. Empty disables persistence (in-memory only).
	StorePath string `yaml:"store_path"`
}

// DeviceBusConfig configures the MQTT-backed device bus adapter.
type DeviceBusConfig struct {
	Enabled bool          `yaml:"enabled"`
	Broker  string        `yaml:"broker"`
	Auth    MQTTAuthConfig `yaml:"auth"`
	ClientID string       `yaml:"client_id"`
	QoS      byte         `yaml:"qos"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// InfluxDBConfig contains InfluxDB telemetry settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// AdminAPIConfig contains the admin HTTP+WebSocket surface settings.
type AdminAPIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	JWT     JWTConfig `yaml:"jwt"`

	// Operator is the single operator account the login endpoint checks
	// against. There is no multi-user store: this is a single-operator
	// admin surface over one protocol-core instance.
	Operator OperatorConfig `yaml:"operator"`
}

// OperatorConfig is the single admin API account's credentials.
// PasswordHash is an Argon2id PHC string, never a plaintext password.
type OperatorConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// JWTConfig contains JWT token settings for the admin API.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file, applies environment variable
// overrides, and validates the result.
//
// Environment variables follow the pattern: KNXCORE_SECTION_KEY.
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

func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{ID: "site-001", Name: "knxcore"},
		KNX: KNXConfig{
			Transport: TransportConfig{
				Connection:        "unix:///run/knxd",
				ConnectTimeout:    10 * time.Second,
				ReadTimeout:       30 * time.Second,
				ReconnectInterval: 5 * time.Second,
			},
			RateLimit:         20,
			GroupAddressStyle: "long",
		},
		DeviceBus: DeviceBusConfig{
			Broker:   "localhost:1883",
			ClientID: "knxcored",
			QoS:      1,
		},
		AdminAPI: AdminAPIConfig{
			Host: "0.0.0.0",
			Port: 8090,
			JWT:  JWTConfig{AccessTokenTTL: 15},
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Only secrets and connection endpoints are overridable;
// everything else is expected to live in the YAML file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KNXCORE_KNX_TRANSPORT_CONNECTION"); v != "" {
		cfg.KNX.Transport.Connection = v
	}
	if v := os.Getenv("KNXCORE_DEVICEBUS_BROKER"); v != "" {
		cfg.DeviceBus.Broker = v
	}
	if v := os.Getenv("KNXCORE_DEVICEBUS_PASSWORD"); v != "" {
		cfg.DeviceBus.Auth.Password = v
	}
	if v := os.Getenv("KNXCORE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("KNXCORE_ADMIN_API_JWT_SECRET"); v != "" {
		cfg.AdminAPI.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}
	if c.KNX.SourceAddress == "" {
		errs = append(errs, "knx.source_address is required")
	}
	if c.KNX.Transport.Connection == "" {
		errs = append(errs, "knx.transport.connection is required")
	}

	if c.AdminAPI.Enabled {
		const minJWTSecretLength = 32
		if c.AdminAPI.JWT.Secret == "" {
			errs = append(errs, "admin_api.jwt.secret is required when admin_api.enabled (set KNXCORE_ADMIN_API_JWT_SECRET)")
		} else if len(c.AdminAPI.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "admin_api.jwt.secret must be at least 32 characters")
		}
		if c.AdminAPI.Port < 1 || c.AdminAPI.Port > 65535 {
			errs = append(errs, "admin_api.port must be between 1 and 65535")
		}
		if c.AdminAPI.Operator.Username == "" || c.AdminAPI.Operator.PasswordHash == "" {
			errs = append(errs, "admin_api.operator.username and password_hash are required when admin_api.enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
