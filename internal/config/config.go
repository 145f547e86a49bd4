// Package config loads the server and client configuration from a YAML or
// TOML file with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvServerAddr     = "ERGO_SERVER_ADDR"
	EnvAllowedOrigins = "ERGO_ALLOWED_ORIGINS"
	EnvDBPath         = "ERGO_DB_PATH"
	EnvClientOrigin   = "ERGO_CLIENT_ORIGIN"
	EnvClientPath     = "ERGO_CLIENT_PATH"
	EnvClientToken    = "ERGO_CLIENT_TOKEN"
	EnvReconnectDelay = "ERGO_RECONNECT_DELAY"
	EnvLogLevel       = "ERGO_LOG_LEVEL"
	EnvLogFormat      = "ERGO_LOG_FORMAT"
	EnvMQTTBroker     = "ERGO_MQTT_BROKER"
	EnvInfluxURL      = "ERGO_INFLUX_URL"
	EnvInfluxToken    = "ERGO_INFLUX_TOKEN"
)

// ErrInvalidConfig is returned when a loaded configuration fails validation.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Client   ClientConfig   `yaml:"client" toml:"client"`
	Log      LogConfig      `yaml:"log" toml:"log"`
	MQTT     MQTTConfig     `yaml:"mqtt" toml:"mqtt"`
	Influx   InfluxConfig   `yaml:"influx" toml:"influx"`
}

// ServerConfig contains relay server settings.
type ServerConfig struct {
	Addr           string   `yaml:"addr" toml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	SendQueue      int      `yaml:"send_queue" toml:"send_queue"`
}

// DatabaseConfig contains SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// ClientConfig contains settings for the shared session client.
type ClientConfig struct {
	// Origin is the page origin the endpoint is derived from, e.g. https://ergometer.live.
	Origin string `yaml:"origin" toml:"origin"`
	// Path is the WebSocket path on the origin host.
	Path  string `yaml:"path" toml:"path"`
	Token string `yaml:"token" toml:"token"`
	// ReconnectDelay is a Go duration string.
	ReconnectDelay string `yaml:"reconnect_delay" toml:"reconnect_delay"`
	BufferSize     int    `yaml:"buffer_size" toml:"buffer_size"`
	Consumers      int    `yaml:"consumers" toml:"consumers"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	Output string `yaml:"output" toml:"output"`
}

// MQTTConfig contains the optional MQTT event bridge settings. The bridge is
// disabled when Broker is empty.
type MQTTConfig struct {
	// Broker is a paho broker URL such as tcp://localhost:1883.
	Broker      string `yaml:"broker" toml:"broker"`
	ClientID    string `yaml:"client_id" toml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix" toml:"topic_prefix"`
	QoS         int    `yaml:"qos" toml:"qos"`
	Username    string `yaml:"username" toml:"username"`
	Password    string `yaml:"password" toml:"password"`
}

// Enabled reports whether a broker is configured.
func (c MQTTConfig) Enabled() bool { return c.Broker != "" }

// InfluxConfig contains the optional InfluxDB v2 stats sink settings. The
// sink is disabled when URL is empty.
type InfluxConfig struct {
	URL    string `yaml:"url" toml:"url"`
	Token  string `yaml:"token" toml:"token"`
	Org    string `yaml:"org" toml:"org"`
	Bucket string `yaml:"bucket" toml:"bucket"`
	// BatchSize is the number of points buffered before a write.
	BatchSize int `yaml:"batch_size" toml:"batch_size"`
}

// Enabled reports whether an InfluxDB server is configured.
func (c InfluxConfig) Enabled() bool { return c.URL != "" }

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:5173"},
			SendQueue:      256,
		},
		Database: DatabaseConfig{
			Path: "data/workouts.db",
		},
		Client: ClientConfig{
			Origin:         "http://localhost:8080",
			Path:           "/ws",
			ReconnectDelay: "5s",
			BufferSize:     50,
			Consumers:      1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		MQTT: MQTTConfig{
			ClientID:    "ergometer-relay",
			TopicPrefix: "ergometer",
			QoS:         1,
		},
		Influx: InfluxConfig{
			Org:       "ergometer",
			Bucket:    "workouts",
			BatchSize: 100,
		},
	}
}

// Load reads the file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeFile picks the decoder from the file extension.
func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: unsupported config extension %q", ErrInvalidConfig, filepath.Ext(path))
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Server.Addr = getEnv(EnvServerAddr, cfg.Server.Addr)
	if v := os.Getenv(EnvAllowedOrigins); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	cfg.Database.Path = getEnv(EnvDBPath, cfg.Database.Path)
	cfg.Client.Origin = getEnv(EnvClientOrigin, cfg.Client.Origin)
	cfg.Client.Path = getEnv(EnvClientPath, cfg.Client.Path)
	cfg.Client.Token = getEnv(EnvClientToken, cfg.Client.Token)
	cfg.Client.ReconnectDelay = getEnv(EnvReconnectDelay, cfg.Client.ReconnectDelay)
	cfg.Log.Level = getEnv(EnvLogLevel, cfg.Log.Level)
	cfg.Log.Format = getEnv(EnvLogFormat, cfg.Log.Format)
	cfg.MQTT.Broker = getEnv(EnvMQTTBroker, cfg.MQTT.Broker)
	cfg.Influx.URL = getEnv(EnvInfluxURL, cfg.Influx.URL)
	cfg.Influx.Token = getEnv(EnvInfluxToken, cfg.Influx.Token)
}

// Validate checks the configuration for values the components cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is required", ErrInvalidConfig)
	}
	if c.Server.SendQueue <= 0 {
		return fmt.Errorf("%w: server.send_queue must be positive", ErrInvalidConfig)
	}
	if c.Client.Path == "" || !strings.HasPrefix(c.Client.Path, "/") {
		return fmt.Errorf("%w: client.path must start with /", ErrInvalidConfig)
	}
	if _, err := c.Client.ReconnectInterval(); err != nil {
		return err
	}
	if c.Client.BufferSize <= 0 {
		return fmt.Errorf("%w: client.buffer_size must be positive", ErrInvalidConfig)
	}
	if c.Client.Consumers <= 0 {
		return fmt.Errorf("%w: client.consumers must be positive", ErrInvalidConfig)
	}
	if c.MQTT.Enabled() {
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("%w: mqtt.qos must be 0, 1 or 2", ErrInvalidConfig)
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("%w: mqtt.topic_prefix is required", ErrInvalidConfig)
		}
	}
	if c.Influx.Enabled() && (c.Influx.Org == "" || c.Influx.Bucket == "") {
		return fmt.Errorf("%w: influx.org and influx.bucket are required", ErrInvalidConfig)
	}
	return nil
}

// ReconnectInterval parses ReconnectDelay. Bare integers are read as seconds.
func (c ClientConfig) ReconnectInterval() (time.Duration, error) {
	if secs, err := strconv.Atoi(c.ReconnectDelay); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("%w: client.reconnect_delay must be positive", ErrInvalidConfig)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(c.ReconnectDelay)
	if err != nil {
		return 0, fmt.Errorf("%w: client.reconnect_delay: %v", ErrInvalidConfig, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: client.reconnect_delay must be positive", ErrInvalidConfig)
	}
	return d, nil
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
