package main

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the node configuration
type Config struct {
	// SerialPort is the path to the modem's serial port (e.g. "/dev/ttyS1")
	SerialPort string `yaml:"serial_port"`
	// BaudRate is the baud rate for serial communication with the modem (e.g. 115200)
	BaudRate int `yaml:"baud_rate"`
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string `yaml:"log_level"`
	// SimPIN is the SIM card PIN code
	SimPIN string `yaml:"sim_pin"`
	// PowerKeyGPIO is the sysfs GPIO number of the modem power key, -1 if
	// the modem is powered externally
	PowerKeyGPIO int `yaml:"power_key_gpio"`
	// StopUnits are systemd units stopped before the serial port is opened
	StopUnits []string `yaml:"stop_units"`
	// Simulate replaces the modem and sensors with in-process fakes
	Simulate bool `yaml:"simulate"`

	// CollectorURL is the base URL of the collector (e.g. "https://example.com")
	CollectorURL string `yaml:"collector_url"`
	// Token authenticates the node to the collector
	Token string `yaml:"token"`
	// HTTPTimeout bounds the wait for the collector's answer
	HTTPTimeout time.Duration `yaml:"http_timeout"`
	// SecureChannel starts the modem's TLS stack, needed for https URLs
	SecureChannel bool `yaml:"secure_channel"`
	// BringupAttempts bounds modem bring-up, 0 retries forever
	BringupAttempts int `yaml:"bringup_attempts"`
	// BringupTimeout bounds modem bring-up, 0 retries forever
	BringupTimeout time.Duration `yaml:"bringup_timeout"`

	// StorePath is the file holding measurements not yet transmitted
	StorePath string `yaml:"store_path"`
	// DistanceDeltaMM transmits when the distance moved more than this
	DistanceDeltaMM uint32 `yaml:"distance_delta_mm"`
	// MaxDwell transmits when the system has been up this long
	MaxDwell time.Duration `yaml:"max_dwell"`
	// Interval repeats the wake cycle, 0 runs a single cycle and exits
	Interval time.Duration `yaml:"interval"`

	Sensors SensorConfig `yaml:"sensors"`
}

// SensorConfig locates the sysfs channels of the node
type SensorConfig struct {
	DistancePath  string  `yaml:"distance_path"`
	DistanceScale float64 `yaml:"distance_scale"`
	BatteryPath   string  `yaml:"battery_path"`
	BatteryScale  float64 `yaml:"battery_scale"`
	BatteryRatio  float64 `yaml:"battery_ratio"`
	// USBPath is optional. A USB supply above USBThreshold means the node
	// is charging and the cycle is skipped.
	USBPath      string  `yaml:"usb_path"`
	USBScale     float64 `yaml:"usb_scale"`
	USBRatio     float64 `yaml:"usb_ratio"`
	USBThreshold float64 `yaml:"usb_threshold"`
	// BatteryCutoff skips the cycle for a day below this voltage
	BatteryCutoff float64 `yaml:"battery_cutoff"`
	Samples       int     `yaml:"samples"`
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
		c.SerialPort = "/dev/ttyS1"
		c.BaudRate = 115200
		c.LogLevel = "info"
		c.PowerKeyGPIO = -1
		c.StopUnits = []string{"ModemManager.service"}
		c.HTTPTimeout = 10 * time.Second
		c.SecureChannel = true
		c.BringupAttempts = 5
		c.BringupTimeout = 10 * time.Minute
		c.StorePath = "/var/lib/water-well/measurements.bin"
		c.DistanceDeltaMM = 30
		c.MaxDwell = 24 * time.Hour
		c.Sensors = SensorConfig{
			DistancePath:  "/sys/bus/iio/devices/iio:device0/in_distance_raw",
			DistanceScale: 1,
			BatteryPath:   "/sys/bus/iio/devices/iio:device1/in_voltage0_raw",
			BatteryScale:  3.3 / 4095,
			BatteryRatio:  2,
			USBScale:      3.3 / 4095,
			USBRatio:      1 + 2.2,
			USBThreshold:  4.0,
			BatteryCutoff: 3.5,
			Samples:       10,
		}
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
		if serial := os.Getenv("SERIAL_PORT"); serial != "" {
			c.SerialPort = serial
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		if simPIN := os.Getenv("SIM_PIN"); simPIN != "" {
			c.SimPIN = simPIN
		}

		if gpio := os.Getenv("POWER_KEY_GPIO"); gpio != "" {
			if g, err := strconv.Atoi(gpio); err == nil {
				c.PowerKeyGPIO = g
			}
		}

		if u := os.Getenv("COLLECTOR_URL"); u != "" {
			c.CollectorURL = u
		}

		if token := os.Getenv("COLLECTOR_TOKEN"); token != "" {
			c.Token = token
		}

		if path := os.Getenv("STORE_PATH"); path != "" {
			c.StorePath = path
		}

		if sim := os.Getenv("SIMULATE"); sim != "" {
			if b, err := strconv.ParseBool(sim); err == nil {
				c.Simulate = b
			}
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		var err error
		fSet.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "serial-port":
				c.SerialPort = f.Value.String()
			case "baud-rate":
				if b, e := strconv.Atoi(f.Value.String()); e == nil {
					c.BaudRate = b
				}
			case "log-level":
				c.LogLevel = f.Value.String()
			case "sim-pin":
				c.SimPIN = f.Value.String()
			case "power-key-gpio":
				if g, e := strconv.Atoi(f.Value.String()); e == nil {
					c.PowerKeyGPIO = g
				}
			case "collector-url":
				c.CollectorURL = f.Value.String()
			case "token":
				c.Token = f.Value.String()
			case "store-path":
				c.StorePath = f.Value.String()
			case "simulate":
				c.Simulate = f.Value.String() == "true"
			case "interval":
				d, e := time.ParseDuration(f.Value.String())
				if e != nil {
					err = fmt.Errorf("flag -interval: %w", e)
					return
				}
				c.Interval = d
			}
		})
		return err
	}
}

// Validate reports every setting that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if !c.Simulate && c.SerialPort == "" {
		errs = append(errs, errors.New("serial port is required"))
	}
	if c.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("baud rate must be positive, got %d", c.BaudRate))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	if c.CollectorURL == "" {
		errs = append(errs, errors.New("collector URL is required"))
	} else if u, err := url.Parse(c.CollectorURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("collector URL %q is not an http(s) URL", c.CollectorURL))
	}
	if c.Token == "" {
		errs = append(errs, errors.New("collector token is required"))
	}
	if c.StorePath == "" {
		errs = append(errs, errors.New("store path is required"))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, fmt.Errorf("http timeout must be positive, got %s", c.HTTPTimeout))
	}
	if c.Interval < 0 {
		errs = append(errs, fmt.Errorf("interval must not be negative, got %s", c.Interval))
	}
	if c.BringupAttempts < 0 || c.BringupTimeout < 0 {
		errs = append(errs, errors.New("bring-up limits must not be negative"))
	}
	if !c.Simulate && c.Sensors.DistancePath == "" {
		errs = append(errs, errors.New("distance sensor path is required"))
	}
	if !c.Simulate && c.Sensors.BatteryPath == "" {
		errs = append(errs, errors.New("battery sensor path is required"))
	}
	return errors.Join(errs...)
}
