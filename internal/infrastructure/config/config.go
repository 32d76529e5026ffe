package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Kura gateway.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Kura        KuraConfig        `yaml:"kura"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	ThingsBoard ThingsBoardConfig `yaml:"thingsboard"`
	Storage     StorageConfig     `yaml:"storage"`
	Database    DatabaseConfig    `yaml:"database"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// KuraConfig contains the Kura device protocol settings.
type KuraConfig struct {
	// Prefix is the control topic prefix devices use (Kura default "$EDC").
	Prefix string `yaml:"prefix"`

	// AppID is the asset application the gateway talks to.
	AppID string `yaml:"app_id"`

	// Compress gzips outbound request payloads.
	Compress bool `yaml:"compress"`

	// Requests configures request timeout and retry.
	Requests KuraRequestConfig `yaml:"requests"`
}

// KuraRequestConfig contains request/reply timeout and retry settings.
// A zero Timeout disables retries: requests wait for their reply indefinitely.
type KuraRequestConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`

	// StatusTopic receives retained online/offline messages and the LWT.
	// Empty disables status publishing.
	StatusTopic string `yaml:"status_topic"`
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

// ThingsBoardConfig contains the downstream ThingsBoard gateway link.
type ThingsBoardConfig struct {
	Enabled bool `yaml:"enabled"`

	// AccessToken authenticates the gateway device. It is sent as the MQTT
	// username and overrides MQTT.Auth.Username when set.
	AccessToken string `yaml:"access_token"`

	MQTT MQTTConfig `yaml:"mqtt"`
}

// StorageConfig selects where registered devices are persisted.
type StorageConfig struct {
	// Backend is "file" (JSON mapping) or "sqlite" (uses Database).
	Backend string `yaml:"backend"`

	// FilePath is the JSON mapping location for the file backend.
	FilePath string `yaml:"file_path"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Storage backends.
const (
	StorageFile   = "file"
	StorageSQLite = "sqlite"
)

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: KURAGW_SECTION_KEY
// For example: KURAGW_MQTT_HOST, KURAGW_STORAGE_BACKEND
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Kura: KuraConfig{
			Prefix: "$EDC",
			AppID:  "ASSET-V1",
			Requests: KuraRequestConfig{
				Timeout:        0,
				MaxRetries:     3,
				InitialBackoff: time.Second,
				MaxBackoff:     30 * time.Second,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:        "localhost",
				Port:        1883,
				ClientID:    "kuragw",
				StatusTopic: "kuragw/status",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		ThingsBoard: ThingsBoardConfig{
			MQTT: MQTTConfig{
				Broker: MQTTBrokerConfig{
					Host:     "localhost",
					Port:     1883,
					ClientID: "kuragw-thingsboard",
				},
				QoS: 1,
				Reconnect: MQTTReconnectConfig{
					InitialDelay: 1,
					MaxDelay:     60,
				},
			},
		},
		Storage: StorageConfig{
			Backend:  StorageFile,
			FilePath: "./data/registered_devices.json",
		},
		Database: DatabaseConfig{
			Path:        "./data/kuragw.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "kura",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: KURAGW_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Kura
	if v := os.Getenv("KURAGW_KURA_PREFIX"); v != "" {
		cfg.Kura.Prefix = v
	}
	if v := os.Getenv("KURAGW_KURA_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Kura.Requests.Timeout = d
		}
	}

	// MQTT
	if v := os.Getenv("KURAGW_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("KURAGW_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("KURAGW_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("KURAGW_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// ThingsBoard
	if v := os.Getenv("KURAGW_THINGSBOARD_HOST"); v != "" {
		cfg.ThingsBoard.MQTT.Broker.Host = v
	}
	if v := os.Getenv("KURAGW_THINGSBOARD_TOKEN"); v != "" {
		cfg.ThingsBoard.AccessToken = v
	}

	// Storage
	if v := os.Getenv("KURAGW_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("KURAGW_STORAGE_FILE_PATH"); v != "" {
		cfg.Storage.FilePath = v
	}

	// Database
	if v := os.Getenv("KURAGW_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("KURAGW_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("KURAGW_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Kura validation
	if c.Kura.Prefix == "" {
		errs = append(errs, "kura.prefix is required")
	}
	if c.Kura.AppID == "" {
		errs = append(errs, "kura.app_id is required")
	}
	if strings.ContainsAny(c.Kura.Prefix+c.Kura.AppID, "/+#") {
		errs = append(errs, "kura.prefix and kura.app_id must be single topic levels without wildcards")
	}
	if c.Kura.Requests.Timeout < 0 {
		errs = append(errs, "kura.requests.timeout must not be negative")
	}
	if c.Kura.Requests.MaxRetries < 0 {
		errs = append(errs, "kura.requests.max_retries must not be negative")
	}

	// MQTT validation
	errs = append(errs, validateMQTT("mqtt", c.MQTT)...)

	// ThingsBoard validation
	if c.ThingsBoard.Enabled {
		errs = append(errs, validateMQTT("thingsboard.mqtt", c.ThingsBoard.MQTT)...)
		if c.ThingsBoard.AccessToken == "" && c.ThingsBoard.MQTT.Auth.Username == "" {
			errs = append(errs, "thingsboard.access_token is required (set KURAGW_THINGSBOARD_TOKEN environment variable)")
		}
	}

	// Storage validation
	switch c.Storage.Backend {
	case StorageFile:
		if c.Storage.FilePath == "" {
			errs = append(errs, "storage.file_path is required for the file backend")
		}
	case StorageSQLite:
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend must be %q or %q", StorageFile, StorageSQLite))
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func validateMQTT(section string, m MQTTConfig) []string {
	var errs []string
	if m.Broker.Host == "" {
		errs = append(errs, section+".broker.host is required")
	}
	if m.Broker.Port < 1 || m.Broker.Port > 65535 {
		errs = append(errs, section+".broker.port must be between 1 and 65535")
	}
	if m.Broker.ClientID == "" {
		errs = append(errs, section+".broker.client_id is required")
	}
	if m.QoS < 0 || m.QoS > 2 {
		errs = append(errs, section+".qos must be 0, 1, or 2")
	}
	return errs
}

// ThingsBoardMQTT returns the MQTT settings for the ThingsBoard link with the
// access token applied as username. Status publishing is always disabled on
// that link.
func (c *Config) ThingsBoardMQTT() MQTTConfig {
	m := c.ThingsBoard.MQTT
	if c.ThingsBoard.AccessToken != "" {
		m.Auth.Username = c.ThingsBoard.AccessToken
		m.Auth.Password = ""
	}
	m.Broker.StatusTopic = ""
	return m
}
