package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/blegateway/codec"
)

// Config represents the application configuration
type Config struct {
	BLE           BLEConfig           `yaml:"ble"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Schedule      ScheduleConfig      `yaml:"schedule"`
	Prometheus    PrometheusConfig    `yaml:"prometheus"`
	Health        HealthConfig        `yaml:"health"`
	Logging       LoggingConfig       `yaml:"logging"`
	OpenTelemetry OpenTelemetryConfig `yaml:"openTelemetry"`
	Profiling     ProfilingConfig     `yaml:"profiling"`
}

// BLEConfig lists the devices handled by the gateway
type BLEConfig struct {
	LocalScan bool           `yaml:"localScan" env:"BLE_LOCAL_SCAN" env-default:"false"`
	Devices   []DeviceConfig `yaml:"devices"`
}

// DeviceConfig contains configuration for a single device
type DeviceConfig struct {
	Name       string `yaml:"name"`
	Model      string `yaml:"model"`
	MACAddress string `yaml:"macAddress"`
}

// Profile converts the device configuration into a codec profile
func (d DeviceConfig) Profile() (codec.DeviceProfile, error) {
	model, err := codec.ParseModel(d.Model)
	if err != nil {
		return codec.DeviceProfile{}, err
	}
	return codec.DeviceProfile{
		Model:   model,
		Name:    d.Name,
		Address: strings.ToUpper(strings.TrimSpace(d.MACAddress)),
	}, nil
}

// MQTTConfig contains broker connection and topic settings
type MQTTConfig struct {
	Broker            string `yaml:"broker" env:"MQTT_BROKER" env-default:"tcp://localhost:1883"`
	ClientID          string `yaml:"clientId" env:"MQTT_CLIENT_ID" env-default:"blegateway"`
	Username          string `yaml:"username" env:"MQTT_USERNAME"`
	Password          string `yaml:"password" env:"MQTT_PASSWORD"`
	QoS               int    `yaml:"qos" env:"MQTT_QOS" env-default:"1"`
	TopicPrefix       string `yaml:"topicPrefix" env:"MQTT_TOPIC_PREFIX" env-default:"ble"`
	PendingTTLSeconds int    `yaml:"pendingTtlSeconds" env:"MQTT_PENDING_TTL_SECONDS" env-default:"300"`
}

// ScheduleConfig contains periodic command jobs
type ScheduleConfig struct {
	FetchLog []FetchLogJob `yaml:"fetchLog"`
}

// FetchLogJob downloads the history of every env sensor on a cron schedule
type FetchLogJob struct {
	Spec                string `yaml:"spec"`
	IntervalSeconds     int    `yaml:"intervalSeconds"`
	WaitNotificationsMs int    `yaml:"waitNotificationsMs"`
}

// PrometheusConfig contains Prometheus metrics push configuration
type PrometheusConfig struct {
	Enabled             bool   `yaml:"enabled" env:"PROMETHEUS_ENABLED"`
	PushIntervalSeconds int    `yaml:"pushIntervalSeconds" env:"PUSH_INTERVAL_SECONDS" env-default:"15"`
	URL                 string `yaml:"prometheusUrl" env:"PROMETHEUS_URL"`
	Username            string `yaml:"prometheusUsername" env:"PROMETHEUS_USERNAME"`
	Password            string `yaml:"prometheusPassword" env:"PROMETHEUS_PASSWORD"`
	BufferSize          int    `yaml:"bufferSize" env:"BUFFER_SIZE" env-default:"1000"`
	BatchSize           int    `yaml:"batchSize" env:"BATCH_SIZE" env-default:"500"`
}

// HealthConfig contains the health endpoint configuration
type HealthConfig struct {
	Port int `yaml:"port" env:"HEALTH_PORT" env-default:"8080"`
}

var macAddressRegex = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// Load loads configuration from a YAML file with environment variable overrides.
// A .env file in the working directory is applied to the environment first.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.BLE.Devices) == 0 {
		return fmt.Errorf("at least one device must be configured")
	}

	seenMACs := make(map[string]bool)
	for i, device := range c.BLE.Devices {
		if device.Name == "" {
			return fmt.Errorf("device %d: name is required", i)
		}
		if _, err := codec.ParseModel(device.Model); err != nil {
			return fmt.Errorf("device %s: %w", device.Name, err)
		}
		if !macAddressRegex.MatchString(device.MACAddress) {
			return fmt.Errorf("device %s: invalid MAC address format: %s (expected format: XX:XX:XX:XX:XX:XX)", device.Name, device.MACAddress)
		}
		macUpper := strings.ToUpper(device.MACAddress)
		if seenMACs[macUpper] {
			return fmt.Errorf("device %s: duplicate MAC address %s", device.Name, device.MACAddress)
		}
		seenMACs[macUpper] = true
	}

	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.MQTT.TopicPrefix == "" {
		return fmt.Errorf("mqtt topic prefix is required")
	}
	if c.MQTT.PendingTTLSeconds < 1 {
		return fmt.Errorf("pending command TTL must be at least 1 second")
	}

	for i, job := range c.Schedule.FetchLog {
		if _, err := cron.ParseStandard(job.Spec); err != nil {
			return fmt.Errorf("fetch log job %d: invalid schedule %q: %w", i, job.Spec, err)
		}
		if job.IntervalSeconds < 1 {
			return fmt.Errorf("fetch log job %d: interval must be at least 1 second", i)
		}
	}

	if c.Prometheus.Enabled {
		if c.Prometheus.URL == "" {
			return fmt.Errorf("prometheus URL is required")
		}
		if c.Prometheus.PushIntervalSeconds < 1 {
			return fmt.Errorf("push interval must be at least 1 second")
		}
		if c.Prometheus.BatchSize < 1 {
			return fmt.Errorf("batch size must be at least 1")
		}
	}
	if c.Prometheus.BufferSize < 1 {
		return fmt.Errorf("buffer size must be at least 1")
	}

	if c.Health.Port < 0 || c.Health.Port > 65535 {
		return fmt.Errorf("health port must be between 0 and 65535, got %d", c.Health.Port)
	}

	if err := ValidateLogging(&c.Logging); err != nil {
		return err
	}
	if err := ValidateOpenTelemetry(&c.OpenTelemetry); err != nil {
		return err
	}
	return ValidateProfiling(&c.Profiling)
}

// Profiles returns the codec profiles of all configured devices
func (c *Config) Profiles() ([]codec.DeviceProfile, error) {
	profiles := make([]codec.DeviceProfile, 0, len(c.BLE.Devices))
	for _, d := range c.BLE.Devices {
		p, err := d.Profile()
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", d.Name, err)
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// NewLogger builds the service logger from the logging section
func (c *Config) NewLogger() (*zap.Logger, error) {
	return NewLogger(&c.Logging)
}

// PrintConfig prints the configuration (masking sensitive fields)
func (c *Config) PrintConfig(logger *zap.Logger) {
	devices := make([]string, len(c.BLE.Devices))
	for i, d := range c.BLE.Devices {
		devices[i] = fmt.Sprintf("%s (%s, MAC:%s)", d.Name, d.Model, d.MACAddress)
	}

	schedules := make([]string, len(c.Schedule.FetchLog))
	for i, job := range c.Schedule.FetchLog {
		schedules[i] = fmt.Sprintf("%s (interval %ds)", job.Spec, job.IntervalSeconds)
	}

	logger.Info("configuration loaded",
		zap.Int("device_count", len(c.BLE.Devices)),
		zap.Strings("devices", devices),
		zap.Bool("ble_local_scan", c.BLE.LocalScan),
		zap.String("mqtt_broker", c.MQTT.Broker),
		zap.String("mqtt_client_id", c.MQTT.ClientID),
		zap.Bool("mqtt_password_set", c.MQTT.Password != ""),
		zap.String("mqtt_topic_prefix", c.MQTT.TopicPrefix),
		zap.Strings("fetch_log_schedules", schedules),
		zap.Bool("prometheus_enabled", c.Prometheus.Enabled),
		zap.String("prometheus_url", c.Prometheus.URL),
		zap.Bool("prometheus_password_set", c.Prometheus.Password != ""),
		zap.Int("push_interval_seconds", c.Prometheus.PushIntervalSeconds),
		zap.Int("buffer_size", c.Prometheus.BufferSize),
		zap.Int("health_port", c.Health.Port),
		zap.String("log_format", c.Logging.Format),
		zap.String("log_level", c.Logging.Level),
	)
}
