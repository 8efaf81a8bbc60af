package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/smartcoop/coop-simulator/internal/topic"
)

// Config is the root configuration structure for the coop simulator.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
	Management ManagementConfig `yaml:"management"`
	Simulation SimulationConfig `yaml:"simulation"`
	Camera     CameraConfig     `yaml:"camera"`
}

// DeviceConfig describes the simulated coop controller.
type DeviceConfig struct {
	ID          string         `yaml:"id"`
	Namespace   string         `yaml:"namespace"`
	CoopID      string         `yaml:"coop_id"`
	Firmware    string         `yaml:"firmware"`
	NetworkMode string         `yaml:"network_mode"`
	WifiDirect  bool           `yaml:"wifi_direct"`
	Modules     []ModuleConfig `yaml:"modules"`
}

// ModuleConfig declares a module attached to the device.
type ModuleConfig struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker         MQTTBrokerConfig    `yaml:"broker"`
	Auth           MQTTAuthConfig      `yaml:"auth"`
	QoS            int                 `yaml:"qos"`
	Reconnect      MQTTReconnectConfig `yaml:"reconnect"`
	ConnectTimeout int                 `yaml:"connect_timeout"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
//
// Transport selects the wire: "tcp" for plain MQTT or "ws" for MQTT over
// WebSocket (the broker's browser listener, usually port 9001 and path /mqtt).
type MQTTBrokerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	TLS       bool   `yaml:"tls"`
	Transport string `yaml:"transport"`
	Path      string `yaml:"path"`
	ClientID  string `yaml:"client_id"`
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

// APIConfig contains operator HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains event stream settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
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

// SecurityConfig contains operator API security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// ManagementConfig points at the backend that owns devices, coops and chickens.
type ManagementConfig struct {
	URL            string `yaml:"url"`
	Token          string `yaml:"token"`
	DevicePassword string `yaml:"device_password"`
	Timeout        int    `yaml:"timeout"`
}

// SimulationConfig holds the timings of the simulated hardware.
type SimulationConfig struct {
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	StatusStagger       time.Duration `yaml:"status_stagger"`
	DoorStepInterval    time.Duration `yaml:"door_step_interval"`
	DispenseDelay       time.Duration `yaml:"dispense_delay"`
	ScheduleInterval    time.Duration `yaml:"schedule_interval"`
	PairingTimeout      time.Duration `yaml:"pairing_timeout"`
	RestartDelay        time.Duration `yaml:"restart_delay"`
	SensorInterval      time.Duration `yaml:"sensor_interval"`
	ChickenAutoInterval time.Duration `yaml:"chicken_auto_interval"`
	SensorAutoMode      bool          `yaml:"sensor_auto_mode"`
	ChickenAutoMode     bool          `yaml:"chicken_auto_mode"`
	AutoApprovePairing  bool          `yaml:"auto_approve_pairing"`
}

// CameraConfig configures the standalone camera role.
type CameraConfig struct {
	ID             string        `yaml:"id"`
	Name           string        `yaml:"name"`
	Mode           string        `yaml:"mode"`
	GatewayID      string        `yaml:"gateway_id"`
	Resolution     string        `yaml:"resolution"`
	StatusInterval time.Duration `yaml:"status_interval"`
}

// Camera connection modes.
const (
	CameraModeDirect  = "direct"
	CameraModeGateway = "gateway"
)

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: COOPSIM_SECTION_KEY
// For example: COOPSIM_DEVICE_ID, COOPSIM_MQTT_HOST
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

// defaultConfig returns a Config with the simulator's stock values.
func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Namespace:   "smartcoop",
			Firmware:    "v1.2.5",
			NetworkMode: "wifi",
		},
		Database: DatabaseConfig{
			Path:        "./data/coopsim.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:      "localhost",
				Port:      9001,
				Transport: "ws",
				Path:      "/mqtt",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     30,
			},
			ConnectTimeout: 10,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  15,
				Write: 15,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 720,
			},
		},
		Management: ManagementConfig{
			URL:     "http://localhost:5555",
			Timeout: 10,
		},
		Simulation: SimulationConfig{
			HeartbeatInterval:   10 * time.Second,
			StatusStagger:       50 * time.Millisecond,
			DoorStepInterval:    100 * time.Millisecond,
			DispenseDelay:       time.Second,
			ScheduleInterval:    time.Minute,
			PairingTimeout:      4 * time.Second,
			RestartDelay:        2 * time.Second,
			SensorInterval:      5 * time.Second,
			ChickenAutoInterval: 15 * time.Second,
			SensorAutoMode:      true,
		},
		Camera: CameraConfig{
			Name:           "Coop Camera",
			Mode:           CameraModeDirect,
			Resolution:     "1280x720",
			StatusInterval: 30 * time.Second,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: COOPSIM_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Device
	if v := os.Getenv("COOPSIM_DEVICE_ID"); v != "" {
		cfg.Device.ID = v
	}
	if v := os.Getenv("COOPSIM_COOP_ID"); v != "" {
		cfg.Device.CoopID = v
	}

	// Database
	if v := os.Getenv("COOPSIM_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("COOPSIM_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("COOPSIM_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("COOPSIM_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("COOPSIM_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Management API
	if v := os.Getenv("COOPSIM_MANAGEMENT_URL"); v != "" {
		cfg.Management.URL = v
	}
	if v := os.Getenv("COOPSIM_MANAGEMENT_TOKEN"); v != "" {
		cfg.Management.Token = v
	}

	// InfluxDB
	if v := os.Getenv("COOPSIM_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security
	if v := os.Getenv("COOPSIM_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors.
//
// All problems are collected and reported together.
func (c *Config) Validate() error {
	var errs []string

	if c.Device.ID == "" {
		errs = append(errs, "device.id is required")
	} else if strings.ContainsAny(c.Device.ID, "/+#") {
		errs = append(errs, "device.id must not contain MQTT topic characters")
	}
	if c.Device.Namespace == "" {
		errs = append(errs, "device.namespace is required")
	} else if !topic.ValidNamespace(c.Device.Namespace) {
		errs = append(errs, "device.namespace must be a single topic segment other than \"app\"")
	}
	for i, m := range c.Device.Modules {
		if m.ID == "" || m.Type == "" {
			errs = append(errs, fmt.Sprintf("device.modules[%d] requires id and type", i))
		}
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	switch c.MQTT.Broker.Transport {
	case "", "tcp", "ws":
	default:
		errs = append(errs, "mqtt.broker.transport must be tcp or ws")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		const minJWTSecretLength = 32
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required when the API is enabled (set COOPSIM_JWT_SECRET)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters")
		}
	}

	switch c.Camera.Mode {
	case CameraModeDirect:
	case CameraModeGateway:
		if c.Camera.GatewayID == "" {
			errs = append(errs, "camera.gateway_id is required in gateway mode")
		}
	default:
		errs = append(errs, "camera.mode must be direct or gateway")
	}

	if c.Simulation.HeartbeatInterval <= 0 {
		errs = append(errs, "simulation.heartbeat_interval must be positive")
	}
	if c.Simulation.DoorStepInterval <= 0 {
		errs = append(errs, "simulation.door_step_interval must be positive")
	}
	if c.Simulation.PairingTimeout <= 0 {
		errs = append(errs, "simulation.pairing_timeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
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
