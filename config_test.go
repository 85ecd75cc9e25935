package main

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		c, err := LoadConfig(WithDefaults())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if c.BaudRate != 115200 || c.PowerKeyGPIO != -1 || c.HTTPTimeout != 10*time.Second {
			t.Errorf("unexpected defaults: %+v", c)
		}
		if c.Sensors.BatteryCutoff != 3.5 || c.Sensors.USBThreshold != 4.0 {
			t.Errorf("unexpected sensor defaults: %+v", c.Sensors)
		}
	})

	t.Run("File overlays defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "node.yaml")
		yaml := `
serial_port: /dev/ttyUSB2
collector_url: https://collector.example
token: abc
interval: 30m
stop_units: []
sensors:
  battery_cutoff: 3.3
`
		if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
			t.Fatal(err)
		}
		c, err := LoadConfig(WithDefaults(), WithFile(path))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if c.SerialPort != "/dev/ttyUSB2" || c.CollectorURL != "https://collector.example" || c.Token != "abc" {
			t.Errorf("file values not applied: %+v", c)
		}
		if c.Interval != 30*time.Minute {
			t.Errorf("interval = %s", c.Interval)
		}
		if len(c.StopUnits) != 0 {
			t.Errorf("stop units = %v", c.StopUnits)
		}
		if c.Sensors.BatteryCutoff != 3.3 || c.Sensors.Samples != 10 {
			t.Errorf("sensors = %+v", c.Sensors)
		}
	})

	t.Run("Missing file", func(t *testing.T) {
		if _, err := LoadConfig(WithFile(filepath.Join(t.TempDir(), "nope.yaml"))); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("Malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "node.yaml")
		if err := os.WriteFile(path, []byte("baud_rate: [fast"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfig(WithFile(path)); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("Env overrides file", func(t *testing.T) {
		t.Setenv("SERIAL_PORT", "/dev/ttyAMA0")
		t.Setenv("BAUD_RATE", "9600")
		t.Setenv("COLLECTOR_TOKEN", "from-env")
		t.Setenv("POWER_KEY_GPIO", "17")
		t.Setenv("SIMULATE", "true")
		c, err := LoadConfig(WithDefaults(), WithEnv())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if c.SerialPort != "/dev/ttyAMA0" || c.BaudRate != 9600 || c.Token != "from-env" || c.PowerKeyGPIO != 17 || !c.Simulate {
			t.Errorf("env values not applied: %+v", c)
		}
	})

	t.Run("Only visited flags apply", func(t *testing.T) {
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		fs.String("serial-port", "/dev/default", "")
		fs.String("token", "", "")
		fs.Duration("interval", 0, "")
		fs.Bool("simulate", false, "")
		if err := fs.Parse([]string{"-token", "flag-token", "-interval", "15m", "-simulate"}); err != nil {
			t.Fatal(err)
		}
		c, err := LoadConfig(WithDefaults(), WithFlags(fs))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if c.SerialPort != "/dev/ttyS1" {
			t.Errorf("unvisited flag applied: %s", c.SerialPort)
		}
		if c.Token != "flag-token" || c.Interval != 15*time.Minute || !c.Simulate {
			t.Errorf("flags not applied: %+v", c)
		}
	})
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		c, _ := LoadConfig(WithDefaults())
		c.CollectorURL = "https://collector.example"
		c.Token = "abc"
		return c
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no collector", func(c *Config) { c.CollectorURL = "" }, "collector URL is required"},
		{"bad scheme", func(c *Config) { c.CollectorURL = "ftp://x" }, "not an http(s) URL"},
		{"no token", func(c *Config) { c.Token = "" }, "token is required"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"bad baud", func(c *Config) { c.BaudRate = 0 }, "baud rate"},
		{"negative interval", func(c *Config) { c.Interval = -time.Second }, "interval"},
		{"no serial port", func(c *Config) { c.SerialPort = "" }, "serial port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want %q", err, tt.want)
			}
		})
	}

	t.Run("Simulation needs no hardware", func(t *testing.T) {
		c := valid()
		c.Simulate = true
		c.SerialPort = ""
		c.Sensors.DistancePath = ""
		if err := c.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}
