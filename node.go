package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ubipo/water-well-level/modem"
	"github.com/ubipo/water-well-level/modem/sim"
	"github.com/ubipo/water-well-level/platform"
	"github.com/ubipo/water-well-level/queue"
)

// buildTime is set with -ldflags "-X main.buildTime=<unix seconds>". A wall
// clock before it has never been set.
var buildTime string

var defaultClockFloor = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// lowBatterySleep is the wait after a cycle skipped for a low battery.
const lowBatterySleep = 24 * time.Hour

func clockFloor() time.Time {
	if s, err := strconv.ParseInt(buildTime, 10, 64); err == nil {
		return time.Unix(s, 0)
	}
	return defaultClockFloor
}

// sensors are the node's analog inputs.
type sensors interface {
	// USBVolts returns false when no USB supply is wired up.
	USBVolts() (float64, bool, error)
	BatteryVolts() (float64, error)
	DistanceMM() (uint32, error)
}

type hardwareSensors struct {
	distance platform.DistanceSensor
	battery  platform.VoltageDivider
	usb      *platform.VoltageDivider
}

func newHardwareSensors(c SensorConfig) *hardwareSensors {
	s := &hardwareSensors{
		distance: platform.DistanceSensor{
			Channel: platform.Channel{Path: c.DistancePath, Scale: c.DistanceScale},
			Samples: c.Samples,
		},
		battery: platform.VoltageDivider{
			Channel: platform.Channel{Path: c.BatteryPath, Scale: c.BatteryScale},
			Ratio:   c.BatteryRatio,
			Samples: c.Samples,
		},
	}
	if c.USBPath != "" {
		s.usb = &platform.VoltageDivider{
			Channel: platform.Channel{Path: c.USBPath, Scale: c.USBScale},
			Ratio:   c.USBRatio,
			Samples: 4,
		}
	}
	return s
}

func (s *hardwareSensors) USBVolts() (float64, bool, error) {
	if s.usb == nil {
		return 0, false, nil
	}
	v, err := s.usb.Volts()
	return v, true, err
}

func (s *hardwareSensors) BatteryVolts() (float64, error) { return s.battery.Volts() }
func (s *hardwareSensors) DistanceMM() (uint32, error)    { return s.distance.DistanceMM() }

// simulatedSensors report a full battery and a still water surface.
type simulatedSensors struct{}

func (simulatedSensors) USBVolts() (float64, bool, error) { return 0, false, nil }
func (simulatedSensors) BatteryVolts() (float64, error)   { return 3.9, nil }
func (simulatedSensors) DistanceMM() (uint32, error)      { return 1500, nil }

// simulatedClock never changes the host clock.
type simulatedClock struct {
	platform.SystemClock
	logger *slog.Logger
}

func (c simulatedClock) Set(t time.Time) error {
	c.logger.Info("Simulated clock set", "time", t, "offset", time.Until(t))
	return nil
}

// node wires the modem, sensors and queue of one water well.
type node struct {
	config  *Config
	logger  *slog.Logger
	sensors sensors
	clock   queue.Clock
	store   queue.Store
	// sim is the simulated modem, nil on hardware.
	sim *sim.Modem
}

func newNode(config *Config, logger *slog.Logger) *node {
	n := &node{
		config: config,
		logger: logger,
		store:  queue.NewFileStore(config.StorePath),
	}
	if config.Simulate {
		n.sensors = simulatedSensors{}
		n.clock = simulatedClock{logger: logger.With("component", "clock")}
		n.sim = sim.New()
		n.sim.Handler = func(sim.Request) sim.Response {
			return sim.Response{Status: 200, Body: fmt.Appendf(nil, `{"now":%d}`, time.Now().Unix())}
		}
	} else {
		n.sensors = newHardwareSensors(config.Sensors)
		n.clock = platform.SystemClock{}
	}
	return n
}

// openModem opens the modem's port. It does not power the modem on.
func (n *node) openModem(ctx context.Context) (*modem.Modem, error) {
	builder := modem.NewConfigBuilder().
		WithLogger(n.logger.With("component", "modem")).
		WithSimPIN(n.config.SimPIN).
		WithSecureChannel(n.config.SecureChannel, 2*time.Second).
		WithBringupPolicy(modem.BringupPolicy{
			MaxAttempts: n.config.BringupAttempts,
			MaxDuration: n.config.BringupTimeout,
		})

	if n.sim != nil {
		// The simulated modem answers at once.
		builder = builder.
			WithDialer(sim.Dialer{Modem: n.sim}).
			WithFlushWindow(20 * time.Millisecond).
			WithReadPollInterval(time.Millisecond).
			WithSecureChannel(n.config.SecureChannel, 20*time.Millisecond)
	} else {
		n.stopConflictingUnits(ctx)
		builder = builder.WithDialer(modem.SerialDialer{
			PortName: n.config.SerialPort,
			BaudRate: n.config.BaudRate,
		})
		if n.config.PowerKeyGPIO >= 0 {
			builder = builder.WithPowerKey(platform.SysfsPin{Number: n.config.PowerKeyGPIO})
		}
	}

	config, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("modem config: %w", err)
	}
	return modem.New(ctx, config)
}

// stopConflictingUnits keeps services like ModemManager off the port. A
// host without systemd only gets a warning.
func (n *node) stopConflictingUnits(ctx context.Context) {
	if len(n.config.StopUnits) == 0 {
		return
	}
	units, err := platform.ConnectSystemd(ctx)
	if err != nil {
		n.logger.Warn("Could not reach systemd, not stopping units", "error", err)
		return
	}
	defer units.Close()
	if err := platform.StopUnits(ctx, units, n.config.StopUnits, n.logger); err != nil {
		n.logger.Warn("Could not stop conflicting units", "error", err)
	}
}

func (n *node) thresholds() queue.Thresholds {
	th := queue.DefaultThresholds()
	th.DistanceDelta = n.config.DistanceDeltaMM
	th.MaxDwell = n.config.MaxDwell
	th.ClockFloor = clockFloor()
	return th
}

// runCycle performs one wake cycle and returns how long to wait before the
// next one.
func (n *node) runCycle(ctx context.Context, link *modem.Modem) (time.Duration, error) {
	logger := n.logger.With("cycle_id", uuid.NewString())
	interval := n.config.Interval

	if v, ok, err := n.sensors.USBVolts(); err != nil {
		logger.Warn("Could not read USB voltage", "error", err)
	} else if ok && v > n.config.Sensors.USBThreshold {
		logger.Info("USB power connected, powering off modem to charge", "usb_voltage", v)
		return interval, link.PowerOff(ctx)
	}

	battery, err := n.sensors.BatteryVolts()
	if err != nil {
		return interval, fmt.Errorf("read battery: %w", err)
	}
	logger.Info("Battery", "voltage", battery, "percentage", platform.BatteryPercentage(battery))
	if battery < n.config.Sensors.BatteryCutoff {
		logger.Warn("Battery below cutoff, skipping cycle",
			"voltage", battery, "cutoff", n.config.Sensors.BatteryCutoff, "sleep", lowBatterySleep)
		return max(interval, lowBatterySleep), nil
	}

	distance, err := n.sensors.DistanceMM()
	if err != nil {
		return interval, fmt.Errorf("read distance: %w", err)
	}
	current := queue.Measurement{
		TimeS:          uint64(max(n.clock.Now().Unix(), 0)),
		DistanceMM:     distance,
		BatteryVoltage: battery,
	}
	logger.Info("Measured", "distance_mm", distance, "time", current.TimeS)

	cycle := &queue.Cycle{
		Store: n.store,
		Link:  link,
		Uploader: &queue.Uploader{
			Poster:  link,
			BaseURL: n.config.CollectorURL,
			Token:   n.config.Token,
			Timeout: n.config.HTTPTimeout,
			Logger:  logger.With("component", "uploader"),
		},
		Clock:      n.clock,
		Thresholds: n.thresholds(),
		Logger:     logger.With("component", "queue"),
	}
	res, err := cycle.Run(ctx, current)
	if err != nil {
		return interval, err
	}
	logger.Info("Cycle done",
		"outcome", res.Outcome,
		"decision", res.Decision,
		"sent", res.Sent,
		"dropped", res.Dropped,
	)
	return interval, nil
}

// probe sends the current reading through the GET fallback endpoint and
// returns the collector's answer.
func (n *node) probe(ctx context.Context, link *modem.Modem) (*modem.HTTPResponse, error) {
	battery, err := n.sensors.BatteryVolts()
	if err != nil {
		return nil, fmt.Errorf("read battery: %w", err)
	}
	distance, err := n.sensors.DistanceMM()
	if err != nil {
		return nil, fmt.Errorf("read distance: %w", err)
	}
	m := queue.Measurement{DistanceMM: distance, BatteryVoltage: battery}

	if err := link.Up(ctx); err != nil {
		link.Down(context.WithoutCancel(ctx))
		return nil, err
	}
	defer link.Down(context.WithoutCancel(ctx))
	return link.Get(ctx, queue.FallbackURL(n.config.CollectorURL, n.config.Token, m), n.config.HTTPTimeout)
}
