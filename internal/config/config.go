package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type Config struct {
	IoTaWatt IoTaWattConfig `mapstructure:"iotawatt"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Server   ServerConfig   `mapstructure:"server"`
	Registry RegistryConfig `mapstructure:"registry"`
	Log      LogConfig      `mapstructure:"log"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`

	v *viper.Viper
}

type IoTaWattConfig struct {
	Host             string `mapstructure:"host"`
	Username         string `mapstructure:"username"`
	Password         string `mapstructure:"password"`
	Timeout          int    `mapstructure:"timeout"`
	ScanInterval     int    `mapstructure:"scan_interval"`
	IntegrationBegin string `mapstructure:"integration_begin"`
	Retries          uint64 `mapstructure:"retries"`
	Timezone         string `mapstructure:"timezone"`
}

type MQTTConfig struct {
	Broker          string `mapstructure:"broker"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	ClientID        string `mapstructure:"client_id"`
	DiscoveryPrefix string `mapstructure:"discovery_prefix"`
	BaseTopic       string `mapstructure:"base_topic"`
}

type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Host    string `mapstructure:"host"`
}

type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type WatchdogConfig struct {
	Timeout int `mapstructure:"timeout"`
}

func (c IoTaWattConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func (c IoTaWattConfig) ScanIntervalDuration() time.Duration {
	return time.Duration(c.ScanInterval) * time.Second
}

// Location is the time zone of the device clock, used for timestamps that
// carry no offset. An empty timezone means the local zone.
func (c IoTaWattConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid iotawatt.timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func (c WatchdogConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// Load reads config.yaml from the given directories, or from "." and "./config"
// when none are given. A missing file is not an error.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetDefault("iotawatt.timeout", 10)
	v.SetDefault("iotawatt.scan_interval", 30)
	v.SetDefault("iotawatt.integration_begin", "d")
	v.SetDefault("iotawatt.retries", 3)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.discovery_prefix", "homeassistant")
	v.SetDefault("mqtt.base_topic", "iotawatt")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("registry.path", "registry.yaml")
	v.SetDefault("log.level", "info")
	v.SetDefault("watchdog.timeout", 300)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config, err := decode(v)
	if err != nil {
		return nil, err
	}
	return config, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.IoTaWatt.Host == "" {
		config.IoTaWatt.Host = os.Getenv("IOTAWATT_HOST")
	}
	if config.MQTT.Username == "" {
		config.MQTT.Username = os.Getenv("MQTT_USERNAME")
	}
	if config.MQTT.Password == "" {
		config.MQTT.Password = os.Getenv("MQTT_PASSWORD")
	}

	if config.IoTaWatt.Host == "" {
		return nil, fmt.Errorf("iotawatt.host is required")
	}
	if config.IoTaWatt.ScanInterval <= 0 {
		return nil, fmt.Errorf("iotawatt.scan_interval must be positive, got %d", config.IoTaWatt.ScanInterval)
	}
	if _, err := config.IoTaWatt.Location(); err != nil {
		return nil, err
	}

	config.v = v
	return &config, nil
}

// ConfigFile returns the file the configuration was read from, or "" when
// only defaults and environment were used.
func (c *Config) ConfigFile() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

// OnChange watches the config file and calls fn with the reloaded configuration.
// Reloads that fail validation are reported through onError and skipped.
func (c *Config) OnChange(fn func(*Config), onError func(error)) {
	if c.ConfigFile() == "" {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		reloaded, err := decode(c.v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		fn(reloaded)
	})
	c.v.WatchConfig()
}
