package platform

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Channel is a single numeric sysfs attribute, such as an IIO
// in_voltageN_raw or in_distance_raw file.
type Channel struct {
	Path string
	// Scale converts the raw value. Zero means 1.
	Scale float64
}

// Read returns the scaled value of the channel.
func (c Channel) Read() (float64, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", c.Path, err)
	}
	raw, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", c.Path, err)
	}
	if c.Scale == 0 {
		return raw, nil
	}
	return raw * c.Scale, nil
}

// ReadAveraged averages n reads spaced by interval.
func (c Channel) ReadAveraged(n int, interval time.Duration) (float64, error) {
	if n < 1 {
		n = 1
	}
	var sum float64
	for i := 0; i < n; i++ {
		if i > 0 {
			time.Sleep(interval)
		}
		v, err := c.Read()
		if err != nil {
			return 0, err
		}
		sum += v
	}
	return sum / float64(n), nil
}

// DistanceSensor reads the distance to the water surface.
type DistanceSensor struct {
	Channel Channel
	Samples int
}

// DistanceMM returns the averaged distance in millimeters.
func (s DistanceSensor) DistanceMM() (uint32, error) {
	v, err := s.Channel.ReadAveraged(s.Samples, 10*time.Millisecond)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > math.MaxUint32 {
		return 0, fmt.Errorf("distance %f mm out of range", v)
	}
	return uint32(math.Round(v)), nil
}

// VoltageDivider measures a voltage behind a resistor divider.
type VoltageDivider struct {
	Channel Channel
	// Ratio is the divider ratio, the measured voltage is multiplied by it.
	Ratio   float64
	Samples int
}

func (d VoltageDivider) Volts() (float64, error) {
	v, err := d.Channel.ReadAveraged(d.Samples, 10*time.Millisecond)
	if err != nil {
		return 0, err
	}
	return v * d.Ratio, nil
}

// Open-circuit voltage to state of charge of a single Li-ion cell.
var batteryCurve = []struct {
	volts   float64
	percent int
}{
	{4.17, 100}, {4.15, 95}, {4.10, 89}, {4.05, 83}, {4.00, 75}, {3.93, 65},
	{3.85, 50}, {3.84, 46}, {3.83, 42}, {3.81, 40}, {3.80, 36}, {3.79, 30},
	{3.75, 25}, {3.70, 11}, {3.65, 5}, {3.35, 2},
}

// BatteryPercentage estimates the state of charge from the cell voltage.
func BatteryPercentage(volts float64) int {
	for _, p := range batteryCurve {
		if volts > p.volts {
			return p.percent
		}
	}
	return 0
}
