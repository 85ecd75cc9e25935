// Package collector implements the HTTP endpoint that water well nodes
// report their measurements to.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Record is a stored measurement.
type Record struct {
	// Hash is the partition key, the measurement time.
	Hash           int64    `json:"-" dynamodbav:"hash"`
	TimeS          int64    `json:"timeS" dynamodbav:"timeS"`
	DistanceMM     int64    `json:"distanceMM" dynamodbav:"distanceMM"`
	WaterLevelMM   int64    `json:"waterLevelMM" dynamodbav:"waterLevelMM"`
	BatteryVoltage *float64 `json:"batteryVoltage" dynamodbav:"batteryVoltage,omitempty"`
}

// Store persists records. Records with the same TimeS replace each other.
type Store interface {
	Put(ctx context.Context, records []Record) error
	// List returns every record ordered by time.
	List(ctx context.Context) ([]Record, error)
}

// Notifier delivers a human readable alert.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Config describes the well and who may talk to the collector.
type Config struct {
	// SensorHeightMM is the distance from the sensor to the bottom of the
	// well. Water level is SensorHeightMM minus the measured distance.
	SensorHeightMM int64 `yaml:"sensor_height_mm"`
	// WriteToken authenticates nodes.
	WriteToken string `yaml:"write_token"`
	// ReadToken authenticates readers of the measurement list.
	ReadToken string `yaml:"read_token"`
	// MeasurementInterval is the node wake interval advertised by /config.
	MeasurementInterval time.Duration `yaml:"measurement_interval"`
	// MaxClockSkew is how far in the future a measurement may be dated.
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalid        = errors.New("invalid measurement")
	ErrUnknownSetting = errors.New("no such config key")
)

// set changes the setting the collector advertises as key.
func (c *Config) set(key string, value int64) error {
	switch key {
	case "sensorHeightMM":
		if value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", key, value)
		}
		c.SensorHeightMM = value
	case "measurementIntervalS":
		if value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", key, value)
		}
		c.MeasurementInterval = time.Duration(value) * time.Second
	case "maxClockSkewS":
		if value < 0 {
			return fmt.Errorf("%s must not be negative, got %d", key, value)
		}
		c.MaxClockSkew = time.Duration(value) * time.Second
	default:
		return fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}
	return nil
}
