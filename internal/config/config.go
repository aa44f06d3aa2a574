// Package config loads the agent configuration from a YAML file, an
// optional .env file and SHELTERLINK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shelterlink/device-agent/internal/api"
	"github.com/shelterlink/device-agent/internal/engine"
	"github.com/shelterlink/device-agent/internal/heartbeat"
	"github.com/shelterlink/device-agent/internal/location"
	"github.com/shelterlink/device-agent/internal/mode"
	"github.com/shelterlink/device-agent/internal/platform"
	"github.com/shelterlink/device-agent/internal/stream"
	"github.com/shelterlink/device-agent/internal/suggestion"
)

// DefaultPath is where the agent looks for its config file
const DefaultPath = "/etc/shelterlink/agent.yaml"

// Environment overrides
const (
	EnvAPIKey       = "SHELTERLINK_API_KEY"
	EnvBaseURL      = "SHELTERLINK_BASE_URL"
	EnvDeviceID     = "SHELTERLINK_DEVICE_ID"
	EnvMQTTBroker   = "SHELTERLINK_MQTT_BROKER"
	EnvDatabasePath = "SHELTERLINK_DATABASE_PATH"
	EnvLogLevel     = "SHELTERLINK_LOG_LEVEL"
)

// Config represents the configuration file structure
type Config struct {
	Device struct {
		ID           string `yaml:"id"`
		LanguageCode string `yaml:"language_code" validate:"required,min=2,max=8"`
	} `yaml:"device"`

	Cloud struct {
		BaseURL     string        `yaml:"base_url" validate:"required,url"`
		APIKey      string        `yaml:"api_key" validate:"required"`
		HTTPTimeout time.Duration `yaml:"http_timeout" validate:"min=1s"`
		UseHTTP2    bool          `yaml:"use_http2"`
	} `yaml:"cloud"`

	Sync struct {
		NormalIntervalMinutes    int           `yaml:"normal_interval_minutes" validate:"min=1,max=1440"`
		EmergencyIntervalMinutes int           `yaml:"emergency_interval_minutes" validate:"min=1,max=1440"`
		SettingsWait             time.Duration `yaml:"settings_wait" validate:"min=0"`
		RateLimit                time.Duration `yaml:"rate_limit" validate:"min=0"`
		SendTimeout              time.Duration `yaml:"send_timeout" validate:"min=1s"`
		LogRetention             time.Duration `yaml:"log_retention" validate:"min=0"`
	} `yaml:"sync"`

	Stream struct {
		Enabled        bool          `yaml:"enabled"`
		MaxReconnects  int           `yaml:"max_reconnects" validate:"min=0,max=20"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay" validate:"min=0"`
		ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"min=1s"`
		ReadTimeout    time.Duration `yaml:"read_timeout" validate:"min=0"`
		Grace          time.Duration `yaml:"grace" validate:"min=0"`
		RateLimit      time.Duration `yaml:"rate_limit" validate:"min=0"`
	} `yaml:"stream"`

	Location struct {
		TTL             time.Duration `yaml:"ttl" validate:"min=1s"`
		MobileTimeout   time.Duration `yaml:"mobile_timeout" validate:"min=1s"`
		DesktopTimeout  time.Duration `yaml:"desktop_timeout" validate:"min=1s"`
		EmulatorTimeout time.Duration `yaml:"emulator_timeout" validate:"min=1s"`
		Retries         int           `yaml:"retries" validate:"min=0,max=10"`
		RetryBackoff    time.Duration `yaml:"retry_backoff" validate:"min=0"`
	} `yaml:"location"`

	Dedup struct {
		Window time.Duration `yaml:"window" validate:"min=1m"`
	} `yaml:"dedup"`

	Platform struct {
		Runtime        string        `yaml:"runtime" validate:"omitempty,oneof=mobile desktop"`
		EventURL       string        `yaml:"event_url"`
		CommandURL     string        `yaml:"command_url" validate:"required_with=EventURL"`
		CommandTimeout time.Duration `yaml:"command_timeout" validate:"min=0"`
	} `yaml:"platform"`

	Database struct {
		Path string `yaml:"path" validate:"required"`
	} `yaml:"database"`

	API struct {
		Listen      string `yaml:"listen" validate:"required,hostname_port"`
		EnableDebug bool   `yaml:"enable_debug"`
	} `yaml:"api"`

	MQTT struct {
		Broker   string `yaml:"broker" validate:"omitempty,url"`
		ClientID string `yaml:"client_id"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		Topic    string `yaml:"topic" validate:"required_with=Broker"`
		QoS      byte   `yaml:"qos" validate:"max=2"`
	} `yaml:"mqtt"`

	Logging Logging `yaml:"logging"`
}

// Logging configures the process logger
type Logging struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"oneof=text json"`
	File   string `yaml:"file"`
}

// Default returns the configuration used for anything the file omits
func Default() *Config {
	ec := engine.DefaultConfig()
	ac := api.DefaultConfig()

	cfg := &Config{}
	cfg.Device.LanguageCode = ec.LanguageCode

	cfg.Cloud.HTTPTimeout = ec.Cloud.HTTPTimeout
	cfg.Cloud.UseHTTP2 = ec.Cloud.UseHTTP2

	cfg.Sync.NormalIntervalMinutes = mode.DefaultIntervalMinutes
	cfg.Sync.EmergencyIntervalMinutes = mode.DefaultIntervalMinutes
	cfg.Sync.SettingsWait = ec.Heartbeat.SettingsWait
	cfg.Sync.RateLimit = ec.Heartbeat.RateLimit
	cfg.Sync.SendTimeout = ec.Heartbeat.SendTimeout
	cfg.Sync.LogRetention = ec.SyncLogRetention

	cfg.Stream.Enabled = ec.StreamEnabled
	cfg.Stream.MaxReconnects = ec.Stream.Retry.MaxAttempts
	cfg.Stream.ReconnectDelay = ec.Stream.Retry.Delay
	cfg.Stream.ConnectTimeout = ec.Cloud.ConnectTimeout
	cfg.Stream.ReadTimeout = ec.Stream.IdleTimeout
	cfg.Stream.Grace = ec.Stream.Grace
	cfg.Stream.RateLimit = ec.Stream.RateLimit

	cfg.Location.TTL = ec.Location.TTL
	cfg.Location.MobileTimeout = ec.Location.MobileTimeout
	cfg.Location.DesktopTimeout = ec.Location.DesktopTimeout
	cfg.Location.EmulatorTimeout = ec.Location.EmulatorTimeout
	cfg.Location.Retries = ec.Location.Retries
	cfg.Location.RetryBackoff = ec.Location.RetryBackoff

	cfg.Dedup.Window = suggestion.DefaultWindow

	cfg.Platform.EventURL = ec.Bridge.EventURL
	cfg.Platform.CommandURL = ec.Bridge.CommandURL
	cfg.Platform.CommandTimeout = ec.Bridge.CommandTimeout

	cfg.Database.Path = ec.DatabasePath

	cfg.API.Listen = ac.Listen

	cfg.MQTT.ClientID = ec.MQTT.ClientID
	cfg.MQTT.Topic = ec.MQTT.Topic
	cfg.MQTT.QoS = ec.MQTT.QoS

	cfg.Logging = Logging{Level: "info", Format: "text"}
	return cfg
}

// Load reads the config file at path over the defaults, then applies the
// .env file and environment overrides, then validates the result. A
// missing .env file is not an error.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrides := []struct {
		key  string
		dest *string
	}{
		{EnvAPIKey, &c.Cloud.APIKey},
		{EnvBaseURL, &c.Cloud.BaseURL},
		{EnvDeviceID, &c.Device.ID},
		{EnvMQTTBroker, &c.MQTT.Broker},
		{EnvDatabasePath, &c.Database.Path},
		{EnvLogLevel, &c.Logging.Level},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(os.Getenv(o.key)); v != "" {
			*o.dest = v
		}
	}
}

// Validate checks field constraints
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// EngineConfig maps the file sections onto engine configuration
func (c *Config) EngineConfig() engine.Config {
	ec := engine.DefaultConfig()

	ec.DeviceID = c.Device.ID
	ec.LanguageCode = c.Device.LanguageCode
	ec.DatabasePath = c.Database.Path
	ec.NormalIntervalMinutes = c.Sync.NormalIntervalMinutes
	ec.EmergencyIntervalMinutes = c.Sync.EmergencyIntervalMinutes

	ec.Cloud.BaseURL = strings.TrimRight(c.Cloud.BaseURL, "/")
	ec.Cloud.APIKey = c.Cloud.APIKey
	ec.Cloud.HTTPTimeout = c.Cloud.HTTPTimeout
	ec.Cloud.ConnectTimeout = c.Stream.ConnectTimeout
	ec.Cloud.UseHTTP2 = c.Cloud.UseHTTP2

	ec.Heartbeat = heartbeat.Config{
		RateLimit:    c.Sync.RateLimit,
		SettingsWait: c.Sync.SettingsWait,
		SendTimeout:  c.Sync.SendTimeout,
	}
	ec.SyncLogRetention = c.Sync.LogRetention

	ec.StreamEnabled = c.Stream.Enabled
	ec.Stream = stream.Config{
		Retry: stream.RetryPolicy{
			MaxAttempts: c.Stream.MaxReconnects,
			Delay:       c.Stream.ReconnectDelay,
		},
		RateLimit:   c.Stream.RateLimit,
		Grace:       c.Stream.Grace,
		IdleTimeout: c.Stream.ReadTimeout,
	}

	ec.Location = location.Config{
		TTL:             c.Location.TTL,
		MobileTimeout:   c.Location.MobileTimeout,
		DesktopTimeout:  c.Location.DesktopTimeout,
		EmulatorTimeout: c.Location.EmulatorTimeout,
		Retries:         c.Location.Retries,
		RetryBackoff:    c.Location.RetryBackoff,
	}
	ec.DedupWindow = c.Dedup.Window

	ec.Bridge = platform.BridgeConfig{
		EventURL:       c.Platform.EventURL,
		CommandURL:     c.Platform.CommandURL,
		CommandTimeout: c.Platform.CommandTimeout,
		Runtime:        platform.DetectRuntime(platform.RuntimeKind(c.Platform.Runtime)),
	}

	ec.MQTT.Broker = c.MQTT.Broker
	ec.MQTT.ClientID = c.MQTT.ClientID
	ec.MQTT.Username = c.MQTT.Username
	ec.MQTT.Password = c.MQTT.Password
	ec.MQTT.Topic = c.MQTT.Topic
	ec.MQTT.QoS = c.MQTT.QoS

	return ec
}

// APIConfig maps the api section onto server configuration
func (c *Config) APIConfig() api.Config {
	ac := api.DefaultConfig()
	ac.Listen = c.API.Listen
	ac.EnableDebug = c.API.EnableDebug
	return ac
}
