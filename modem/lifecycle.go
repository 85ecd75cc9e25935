package modem

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ubipo/water-well-level/at"
)

// State is a step of the modem lifecycle.
type State int

const (
	PoweredOff State = iota
	PoweringOn
	EchoNegotiation
	AwaitingRegistration
	Ready
)

func (s State) String() string {
	switch s {
	case PoweredOff:
		return "powered off"
	case PoweringOn:
		return "powering on"
	case EchoNegotiation:
		return "echo negotiation"
	case AwaitingRegistration:
		return "awaiting registration"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Power key timings of the A7600 hardware design. They are mandated by the
// module and must not be shortened.
const (
	powerOffHold  = 3 * time.Second
	powerOffWait  = 2700 * time.Millisecond
	powerOffGuard = time.Second

	powerOnSettle = 100 * time.Millisecond
	powerOnPulse  = 50 * time.Millisecond
	powerOnBoot   = 500 * time.Millisecond
)

// echoSettle drains the rest of the ATE0 reply once negotiation succeeded.
const echoSettle = 100 * time.Millisecond

func (m *Modem) setState(s State) {
	if m.state == s {
		return
	}
	m.logger.Info("Modem state changed", "from", m.state, "to", s)
	m.state = s
}

// step is one power key transition followed by a hold time.
type step struct {
	high bool
	hold time.Duration
}

func (m *Modem) drivePowerKey(ctx context.Context, steps []step) error {
	key := m.config.PowerKey
	if key == nil {
		m.logger.Debug("No power key configured, skipping power control")
		return nil
	}
	if err := key.ConfigureOutput(); err != nil {
		return fmt.Errorf("configure power key: %w", err)
	}
	for _, s := range steps {
		if err := key.Set(s.high); err != nil {
			return fmt.Errorf("drive power key: %w", err)
		}
		if err := m.config.Sleeper.Sleep(ctx, s.hold); err != nil {
			return err
		}
	}
	return nil
}

// PowerOff asks the modem to shut down: the power key is held high for at
// least 2.5s, released, and after the shutdown time it is driven high again,
// which keeps the module from powering itself back on.
func (m *Modem) PowerOff(ctx context.Context) error {
	err := m.drivePowerKey(ctx, []step{
		{high: true, hold: powerOffHold},
		{high: false, hold: powerOffWait},
		{high: true, hold: powerOffGuard},
	})
	if err != nil {
		return fmt.Errorf("power off: %w", err)
	}
	m.setState(PoweredOff)
	return nil
}

// PowerOn pulses the power key. Booting up to a responsive UART takes many
// more seconds and is awaited by echo negotiation, not here.
func (m *Modem) PowerOn(ctx context.Context) error {
	m.setState(PoweringOn)
	err := m.drivePowerKey(ctx, []step{
		{high: false, hold: powerOnSettle},
		{high: true, hold: powerOnPulse},
		{high: false, hold: powerOnBoot},
	})
	if err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	return nil
}

// Reboot power-cycles the modem.
func (m *Modem) Reboot(ctx context.Context) error {
	if err := m.PowerOff(ctx); err != nil {
		return err
	}
	return m.PowerOn(ctx)
}

// Up powers the modem on and brings it to Ready: echo disabled, SIM
// unlocked, registered on a network and, if configured, the secure channel
// started. Any failure power-cycles the modem and starts over until
// Config.Bringup is exhausted, in which case ErrBringupExhausted is returned
// wrapping the last failure.
func (m *Modem) Up(ctx context.Context) error {
	start := time.Now()
	if err := m.PowerOn(ctx); err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		err := m.bringup(ctx)
		if err == nil {
			m.setState(Ready)
			m.logger.Info("Modem ready", "attempts", attempt, "elapsed", time.Since(start))
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if m.config.Bringup.exhausted(attempt, time.Since(start)) {
			return fmt.Errorf("%w after %d attempts: %w", ErrBringupExhausted, attempt, err)
		}

		m.logger.Error("Modem bring-up failed, rebooting", "attempt", attempt, "error", err)
		if err := m.Reboot(ctx); err != nil {
			return err
		}
	}
}

// Down powers the modem off.
func (m *Modem) Down(ctx context.Context) error {
	return m.PowerOff(ctx)
}

func (m *Modem) bringup(ctx context.Context) error {
	if err := m.negotiateEcho(ctx); err != nil {
		return err
	}
	m.logger.Info("Echo disabled")

	if m.config.SimPIN != "" {
		if err := m.SendCommand(ctx, at.EnterPIN(m.config.SimPIN)); err != nil {
			return fmt.Errorf("enter SIM PIN: %w", err)
		}
	}

	reg, err := m.WaitRegistered(ctx)
	if err != nil {
		return err
	}
	m.logger.Info("Network registered", "registration", reg)

	if m.config.SecureChannel {
		return m.startSecureChannel(ctx)
	}
	return nil
}

// negotiateEcho repeatedly sends ATE0 until the modem answers with OK or
// echoes the command back. The first answers can take tens of seconds
// while the module boots.
func (m *Modem) negotiateEcho(ctx context.Context) error {
	m.setState(EchoNegotiation)
	deadline := time.Now().Add(m.config.EchoBudget)

	for attempts := 1; ; attempts++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w after %d attempts in %s", ErrEchoFailure, attempts-1, m.config.EchoBudget)
		}
		if err := m.writeLine(at.CmdEchoOff); err != nil {
			return err
		}

		line, err := m.reader.ReadLine(ctx, min(remaining, m.config.EchoAttemptTimeout))
		if errors.Is(err, ErrTimeout) {
			continue
		}
		if err != nil {
			return fmt.Errorf("echo negotiation: %w", err)
		}

		if strings.Contains(line, at.OK) || strings.Contains(line, at.CmdEchoOff) {
			if _, err := m.reader.Drain(ctx, echoSettle); err != nil {
				return err
			}
			return nil
		}
	}
}

// WaitRegistered polls AT+CREG? until the modem reports home or roaming
// registration or Config.RegistrationTimeout elapses. Between polls any
// pending output, such as unsolicited result codes, is drained.
func (m *Modem) WaitRegistered(ctx context.Context) (at.Registration, error) {
	m.setState(AwaitingRegistration)
	deadline := time.Now().Add(m.config.RegistrationTimeout)

	for polls := 1; ; polls++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return at.Unregistered, fmt.Errorf("network registration after %d polls: %w", polls-1, ErrTimeout)
		}

		line, err := m.query(ctx, at.CmdRegistration, min(remaining, m.config.ATTimeout))
		switch {
		case ctx.Err() != nil:
			return at.Unregistered, ctx.Err()
		case errors.Is(err, ErrAlreadyClosed), errors.Is(err, ErrNotInitialized):
			return at.Unregistered, err
		case line != "":
			reg, perr := at.ParseRegistration(line)
			if perr == nil && reg.Registered() {
				return reg, nil
			}
			m.logger.Info("Not registered yet", "line", line, "error", perr)
		default:
			m.logger.Info("Registration query failed", "error", err)
		}

		stray, err := m.reader.Drain(ctx, m.config.RegistrationPollInterval)
		if err != nil {
			return at.Unregistered, err
		}
		if len(stray) > 0 {
			m.logger.Debug("Drained stray output", "bytes", len(stray), "data", string(stray))
		}
	}
}

// startSecureChannel starts the SSL service used for https URLs. Its result
// code arrives asynchronously, so the reply is drained rather than parsed.
func (m *Modem) startSecureChannel(ctx context.Context) error {
	if err := m.writeLine(at.CmdSecureStart); err != nil {
		return err
	}
	out, err := m.reader.Drain(ctx, m.config.SecureChannelSettle)
	if err != nil {
		return err
	}
	m.logger.Debug("Secure channel started", "reply", string(out))
	return nil
}
