package collector

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

const (
	minBatteryVoltage = 1.0
	maxBatteryVoltage = 5.0
)

// measurementInput is a measurement as posted by a node.
type measurementInput struct {
	TimeS          *float64 `json:"timeS"`
	DistanceMM     *float64 `json:"distanceMM"`
	BatteryVoltage *float64 `json:"batteryVoltage"`
}

func (c Config) validateDistance(d *float64) (int64, error) {
	if d == nil {
		return 0, fmt.Errorf("%w: distanceMM missing", ErrInvalid)
	}
	switch {
	case math.IsNaN(*d) || math.IsInf(*d, 0):
		return 0, fmt.Errorf("%w: distanceMM not finite", ErrInvalid)
	case *d < 0:
		return 0, fmt.Errorf("%w: distanceMM negative, got %v", ErrInvalid, *d)
	case *d > float64(c.SensorHeightMM):
		return 0, fmt.Errorf("%w: distanceMM too large: > %d, got %v", ErrInvalid, c.SensorHeightMM, *d)
	}
	return int64(*d), nil
}

func (c Config) validateTime(t *float64, now time.Time) (int64, error) {
	if t == nil {
		return 0, fmt.Errorf("%w: timeS missing", ErrInvalid)
	}
	if math.IsNaN(*t) || math.IsInf(*t, 0) {
		return 0, fmt.Errorf("%w: timeS not finite", ErrInvalid)
	}
	ts := int64(math.Floor(*t))
	if ts < 0 {
		return 0, fmt.Errorf("%w: timeS negative, got %d", ErrInvalid, ts)
	}
	if limit := now.Add(c.MaxClockSkew).Unix(); ts > limit {
		return 0, fmt.Errorf("%w: timeS too large: > %d, got %d", ErrInvalid, limit, ts)
	}
	return ts, nil
}

// validateBattery accepts a missing voltage.
func validateBattery(v *float64) (*float64, error) {
	if v == nil {
		return nil, nil
	}
	switch {
	case math.IsNaN(*v) || math.IsInf(*v, 0):
		return nil, fmt.Errorf("%w: batteryVoltage not finite", ErrInvalid)
	case *v < minBatteryVoltage:
		return nil, fmt.Errorf("%w: batteryVoltage too small: < %v, got %v", ErrInvalid, minBatteryVoltage, *v)
	case *v > maxBatteryVoltage:
		return nil, fmt.Errorf("%w: batteryVoltage too large: > %v, got %v", ErrInvalid, maxBatteryVoltage, *v)
	}
	return v, nil
}

// record validates in and converts it for storage.
func (c Config) record(in measurementInput, now time.Time) (Record, error) {
	ts, err := c.validateTime(in.TimeS, now)
	if err != nil {
		return Record{}, err
	}
	return c.recordAt(ts, in.DistanceMM, in.BatteryVoltage)
}

func (c Config) recordAt(ts int64, distance, battery *float64) (Record, error) {
	d, err := c.validateDistance(distance)
	if err != nil {
		return Record{}, err
	}
	v, err := validateBattery(battery)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Hash:           ts,
		TimeS:          ts,
		DistanceMM:     d,
		WaterLevelMM:   c.SensorHeightMM - d,
		BatteryVoltage: v,
	}, nil
}

// parseOptionalFloat parses a query parameter, nil if absent.
func parseOptionalFloat(name, s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not a number, got %q", ErrInvalid, name, s)
	}
	return &f, nil
}
