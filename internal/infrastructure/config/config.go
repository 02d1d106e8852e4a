package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the resolver.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Conductor ConductorConfig          `yaml:"conductor"`
	Queue     QueueConfig              `yaml:"queue"`
	Tracker   TrackerConfig            `yaml:"tracker"`
	Devices   []DeviceConfig           `yaml:"devices"`
	Mappings  map[string]MappingConfig `yaml:"mappings"`
	Database  DatabaseConfig           `yaml:"database"`
	MQTT      MQTTConfig               `yaml:"mqtt"`
	API       APIConfig                `yaml:"api"`
	WebSocket WebSocketConfig          `yaml:"websocket"`
	InfluxDB  InfluxDBConfig           `yaml:"influxdb"`
	Metrics   MetricsConfig            `yaml:"metrics"`
	Logging   LoggingConfig            `yaml:"logging"`
}

// ConductorConfig controls the resolve/schedule loop.
type ConductorConfig struct {
	// LookaheadMS is how far into the future states are resolved and queued.
	LookaheadMS int `yaml:"lookahead_ms"`

	// MinResolveDelayMS is the minimum gap between two resolve cycles.
	MinResolveDelayMS int `yaml:"min_resolve_delay_ms"`

	// IdleResolveIntervalMS forces a resolve at least this often when the
	// timeline has no upcoming events.
	IdleResolveIntervalMS int `yaml:"idle_resolve_interval_ms"`

	// RetryDelayMS is the wait before retrying a failed resolve.
	RetryDelayMS int `yaml:"retry_delay_ms"`

	// TimelineFile is an optional JSON/YAML timeline loaded at startup.
	TimelineFile string `yaml:"timeline_file"`
}

// QueueConfig contains default Timed Queue settings for every device.
type QueueConfig struct {
	PollCeilingMS          int `yaml:"poll_ceiling_ms"`
	SlowCommandThresholdMS int `yaml:"slow_command_threshold_ms"`
}

// TrackerConfig contains default State Tracker settings.
type TrackerConfig struct {
	SettleDelayMS int `yaml:"settle_delay_ms"`
}

// DeviceConfig describes one controlled device.
//
// Zero-valued overrides inherit the queue/tracker defaults.
type DeviceConfig struct {
	ID       string `yaml:"id"`
	Type     string `yaml:"type"`
	Disabled bool   `yaml:"disabled"`

	// SendMode is "burst" (default) or "in_order".
	SendMode string `yaml:"send_mode"`

	PollCeilingMS          int `yaml:"poll_ceiling_ms"`
	SlowCommandThresholdMS int `yaml:"slow_command_threshold_ms"`
	SettleDelayMS          int `yaml:"settle_delay_ms"`

	// MQTT overrides the shared broker settings for this device.
	MQTT *MQTTConfig `yaml:"mqtt,omitempty"`

	// FeedbackTopic is the wildcard topic the device reports its state on.
	// Empty disables read-back.
	FeedbackTopic string `yaml:"feedback_topic"`

	HTTP HTTPDeviceConfig `yaml:"http"`
}

// HTTPDeviceConfig contains settings for httpsend devices.
type HTTPDeviceConfig struct {
	BaseURL   string            `yaml:"base_url"`
	TimeoutMS int               `yaml:"timeout_ms"`
	Headers   map[string]string `yaml:"headers"`
}

// MappingConfig routes a timeline layer to a device.
type MappingConfig struct {
	DeviceID string         `yaml:"device_id"`
	Options  map[string]any `yaml:"options"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// CommandLogRetentionDays is how long fired commands are kept; 0 keeps them forever.
	CommandLogRetentionDays int `yaml:"command_log_retention_days"`
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

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Device types and send modes accepted by Validate.
var (
	validDeviceTypes = map[string]bool{"abstract": true, "mqtt": true, "httpsend": true}
	validSendModes   = map[string]bool{"": true, "burst": true, "in_order": true}
)

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: TSR_SECTION_KEY
// For example: TSR_DATABASE_PATH, TSR_API_PORT
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
		Conductor: ConductorConfig{
			LookaheadMS:           10000,
			MinResolveDelayMS:     20,
			IdleResolveIntervalMS: 60000,
			RetryDelayMS:          1000,
		},
		Queue: QueueConfig{
			PollCeilingMS:          1000,
			SlowCommandThresholdMS: 40,
		},
		Tracker: TrackerConfig{
			SettleDelayMS: 200,
		},
		Database: DatabaseConfig{
			Path:        "./data/tsr.db",
			WALMode:     true,
			BusyTimeout: 5,

			CommandLogRetentionDays: 7,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "tsr",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
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
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: TSR_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Conductor
	if v := os.Getenv("TSR_CONDUCTOR_TIMELINE_FILE"); v != "" {
		cfg.Conductor.TimelineFile = v
	}
	if v, ok := envInt("TSR_CONDUCTOR_LOOKAHEAD_MS"); ok {
		cfg.Conductor.LookaheadMS = v
	}

	// Database
	if v := os.Getenv("TSR_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("TSR_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("TSR_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("TSR_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("TSR_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v, ok := envInt("TSR_API_PORT"); ok {
		cfg.API.Port = v
	}

	// InfluxDB
	if v := os.Getenv("TSR_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("TSR_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// envInt reads an integer environment variable. Unparseable values are ignored.
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
// Every problem is collected so a broken file can be fixed in one pass.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Conductor validation
	if c.Conductor.LookaheadMS <= 0 {
		errs = append(errs, "conductor.lookahead_ms must be positive")
	}
	if c.Conductor.MinResolveDelayMS < 0 {
		errs = append(errs, "conductor.min_resolve_delay_ms must not be negative")
	}
	if c.Conductor.RetryDelayMS < 0 {
		errs = append(errs, "conductor.retry_delay_ms must not be negative")
	}

	// Queue and tracker validation
	if c.Queue.PollCeilingMS <= 0 {
		errs = append(errs, "queue.poll_ceiling_ms must be positive")
	}
	if c.Tracker.SettleDelayMS < 0 {
		errs = append(errs, "tracker.settle_delay_ms must not be negative")
	}

	// Device validation
	ids := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		prefix := fmt.Sprintf("devices[%d]", i)
		switch {
		case d.ID == "":
			errs = append(errs, prefix+".id is required")
		case ids[d.ID]:
			errs = append(errs, fmt.Sprintf("%s.id %q is duplicated", prefix, d.ID))
		default:
			ids[d.ID] = true
		}
		if !validDeviceTypes[d.Type] {
			errs = append(errs, fmt.Sprintf("%s.type %q must be abstract, mqtt, or httpsend", prefix, d.Type))
		}
		if !validSendModes[d.SendMode] {
			errs = append(errs, fmt.Sprintf("%s.send_mode %q must be burst or in_order", prefix, d.SendMode))
		}
		if d.PollCeilingMS < 0 || d.SettleDelayMS < 0 {
			errs = append(errs, prefix+" overrides must not be negative")
		}
		if d.MQTT != nil && (d.MQTT.QoS < 0 || d.MQTT.QoS > 2) {
			errs = append(errs, prefix+".mqtt.qos must be 0, 1, or 2")
		}
	}

	// Mapping validation
	for layer, m := range c.Mappings {
		if m.DeviceID == "" {
			errs = append(errs, fmt.Sprintf("mappings.%s.device_id is required", layer))
		} else if !ids[m.DeviceID] {
			errs = append(errs, fmt.Sprintf("mappings.%s.device_id %q is not a configured device", layer, m.DeviceID))
		}
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.CommandLogRetentionDays < 0 {
		errs = append(errs, "database.command_log_retention_days must not be negative")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url, influxdb.org and influxdb.bucket are required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DeviceMQTT returns the broker settings for an mqtt device: its own block
// when present, otherwise the shared block with a per-device client id.
func (c *Config) DeviceMQTT(d DeviceConfig) MQTTConfig {
	if d.MQTT != nil {
		return *d.MQTT
	}
	cfg := c.MQTT
	cfg.Broker.ClientID = c.MQTT.Broker.ClientID + "-" + d.ID
	return cfg
}

// Lookahead returns the conductor lookahead as a Duration.
func (c *Config) Lookahead() time.Duration {
	return ms(c.Conductor.LookaheadMS)
}

// MinResolveDelay returns the minimum delay between resolves as a Duration.
func (c *Config) MinResolveDelay() time.Duration {
	return ms(c.Conductor.MinResolveDelayMS)
}

// IdleResolveInterval returns the idle resolve interval as a Duration.
func (c *Config) IdleResolveInterval() time.Duration {
	return ms(c.Conductor.IdleResolveIntervalMS)
}

// RetryDelay returns the resolve retry delay as a Duration.
func (c *Config) RetryDelay() time.Duration {
	return ms(c.Conductor.RetryDelayMS)
}

// PollCeiling returns the effective poll ceiling for a device.
func (c *Config) PollCeiling(d DeviceConfig) time.Duration {
	if d.PollCeilingMS > 0 {
		return ms(d.PollCeilingMS)
	}
	return ms(c.Queue.PollCeilingMS)
}

// SlowCommandThreshold returns the effective slow-command threshold for a
// device. A negative value disables detection.
func (c *Config) SlowCommandThreshold(d DeviceConfig) time.Duration {
	if d.SlowCommandThresholdMS != 0 {
		return ms(d.SlowCommandThresholdMS)
	}
	return ms(c.Queue.SlowCommandThresholdMS)
}

// SettleDelay returns the effective tracker settle delay for a device.
func (c *Config) SettleDelay(d DeviceConfig) time.Duration {
	if d.SettleDelayMS > 0 {
		return ms(d.SettleDelayMS)
	}
	return ms(c.Tracker.SettleDelayMS)
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

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
