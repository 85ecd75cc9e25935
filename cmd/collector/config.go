package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ubipo/water-well-level/collector"
)

// Config holds the collector configuration
type Config struct {
	// BindAddress is the address the server listens on (e.g. "0.0.0.0:8080")
	BindAddress string `yaml:"bind_address"`
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string `yaml:"log_level"`
	// DynamoTable stores measurements in DynamoDB, empty keeps them in memory
	DynamoTable string `yaml:"dynamo_table"`

	Well       collector.Config     `yaml:"well"`
	Thresholds collector.Thresholds `yaml:"thresholds"`
	MQTT       collector.MQTTConfig `yaml:"mqtt"`
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.LogLevel = "info"
		c.Well.SensorHeightMM = 10000
		c.Well.MeasurementInterval = time.Hour
		c.Well.MaxClockSkew = time.Minute
		c.Thresholds.NotifyInterval = 6 * time.Hour
		c.MQTT.ClientID = "water-well-collector"
		c.MQTT.Topic = "water-well/alerts"
		return nil
	}
}

// WithFile overlays the YAML file at path. An empty path is ignored.
func WithFile(path string) ConfigOption {
	return func(c *Config) error {
		if path == "" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
			c.BindAddress = addr
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		if table := os.Getenv("DYNAMODB_TABLE"); table != "" {
			c.DynamoTable = table
		}

		if height := os.Getenv("SENSOR_HEIGHT_MM"); height != "" {
			if h, err := strconv.ParseInt(height, 10, 64); err == nil {
				c.Well.SensorHeightMM = h
			}
		}

		if token := os.Getenv("WRITE_TOKEN"); token != "" {
			c.Well.WriteToken = token
		}

		if token := os.Getenv("READ_TOKEN"); token != "" {
			c.Well.ReadToken = token
		}

		if broker := os.Getenv("MQTT_BROKER"); broker != "" {
			c.MQTT.Broker = broker
		}

		if user := os.Getenv("MQTT_USERNAME"); user != "" {
			c.MQTT.Username = user
		}

		if pass := os.Getenv("MQTT_PASSWORD"); pass != "" {
			c.MQTT.Password = pass
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		fSet.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "bind-address":
				c.BindAddress = f.Value.String()
			case "log-level":
				c.LogLevel = f.Value.String()
			case "dynamo-table":
				c.DynamoTable = f.Value.String()
			case "mqtt-broker":
				c.MQTT.Broker = f.Value.String()
			}
		})
		return nil
	}
}

// Validate reports every setting that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.BindAddress == "" {
		errs = append(errs, errors.New("bind address is required"))
	}
	if c.Well.SensorHeightMM <= 0 {
		errs = append(errs, fmt.Errorf("sensor height must be positive, got %d", c.Well.SensorHeightMM))
	}
	if c.Well.WriteToken == "" {
		errs = append(errs, errors.New("write token is required"))
	}
	if c.Well.ReadToken == "" {
		errs = append(errs, errors.New("read token is required"))
	}
	if c.Well.MaxClockSkew < 0 {
		errs = append(errs, fmt.Errorf("max clock skew must not be negative, got %s", c.Well.MaxClockSkew))
	}
	if c.Thresholds.UpperMM > 0 && c.Thresholds.LowerMM >= c.Thresholds.UpperMM {
		errs = append(errs, fmt.Errorf("lower threshold %d mm must be below upper %d mm",
			c.Thresholds.LowerMM, c.Thresholds.UpperMM))
	}
	if c.MQTT.Broker != "" && c.MQTT.Topic == "" {
		errs = append(errs, errors.New("mqtt topic is required with a broker"))
	}
	return errors.Join(errs...)
}
