package modem

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ubipo/water-well-level/at"
)

// Modem represents a SIMCom-style cellular modem that communicates via AT
// commands over a UART link.
//
// A Modem is not safe for concurrent use: the link carries one exchange at a
// time and every exchange relies on the framing left behind by the previous
// one. Callers run the whole wake cycle from a single goroutine.
type Modem struct {
	// transport provides the physical connection to the modem
	transport Transport
	// reader consumes modem output with deadlines
	reader *LineReader
	// config contains the modem configuration settings
	config Config
	// logger receives diagnostics for every exchange
	logger *slog.Logger
	// state is the current lifecycle state
	state State
	// closed indicates if the modem has been shut down
	closed bool
}

// New creates a new Modem instance with the given configuration and opens
// the transport. The modem itself is not powered on; call Up for that.
func New(ctx context.Context, config Config) (*Modem, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("dial: %w", ErrNotInitialized)
	}

	m := &Modem{
		transport: transport,
		reader:    NewLineReader(transport, config.ExactReadPolicy, config.ReadPollInterval),
		config:    config,
		logger:    config.Logger,
		state:     PoweredOff,
	}
	return m, nil
}

// Close releases the transport. It does not power the modem off.
// After calling Close(), the modem cannot be reused.
func (m *Modem) Close() error {
	if m.closed {
		return ErrAlreadyClosed
	}
	m.closed = true

	if m.transport != nil {
		return m.transport.Close()
	}
	return nil
}

// State returns the current lifecycle state.
func (m *Modem) State() State {
	return m.state
}

func (m *Modem) String() string {
	return fmt.Sprintf("modem(state=%s)", m.state)
}

// writeLine sends text followed by CRLF.
func (m *Modem) writeLine(text string) error {
	if m.closed {
		return ErrAlreadyClosed
	}
	if m.transport == nil {
		return ErrNotInitialized
	}

	m.logger.Debug("AT >", "line", text)
	if _, err := m.transport.Write([]byte(text + at.CRLF)); err != nil {
		return fmt.Errorf("write %q: %w", text, err)
	}
	return nil
}

// SendCommand sends one AT command and classifies the two-line reply: a
// blank line followed by a status line. A status line containing "OK"
// returns nil, one containing "ERROR" returns ErrATError, anything else,
// including a timeout on either line, returns ErrProtocolMismatch.
func (m *Modem) SendCommand(ctx context.Context, cmd string) error {
	return m.sendCommand(ctx, cmd, m.config.ATTimeout)
}

func (m *Modem) sendCommand(ctx context.Context, cmd string, timeout time.Duration) error {
	if err := m.writeLine(cmd); err != nil {
		return err
	}
	return m.readStatus(ctx, cmd, timeout)
}

// readStatus consumes the blank line and status line closing an exchange.
func (m *Modem) readStatus(ctx context.Context, cmd string, timeout time.Duration) error {
	if err := m.reader.ReadEmptyLine(ctx, timeout); err != nil {
		return fmt.Errorf("%s: %w: %w", cmd, ErrProtocolMismatch, err)
	}
	line, err := m.reader.ReadLine(ctx, timeout)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", cmd, ErrProtocolMismatch, err)
	}
	m.logger.Debug("AT <", "line", line)

	switch at.Classify(line) {
	case at.StatusOK:
		return nil
	case at.StatusError:
		return fmt.Errorf("%s: %w: %q", cmd, ErrATError, line)
	default:
		return fmt.Errorf("%s: %w: unexpected status %q", cmd, ErrProtocolMismatch, line)
	}
}

// Query sends an AT command whose useful content is the first line of the
// reply, e.g. AT+CREG?, and returns that line verbatim. A reply line
// containing "ERROR" yields ErrATError. The status line following the
// payload is consumed; if it is not OK the payload is still returned along
// with the error.
func (m *Modem) Query(ctx context.Context, cmd string) (string, error) {
	return m.query(ctx, cmd, m.config.ATTimeout)
}

func (m *Modem) query(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	if err := m.writeLine(cmd); err != nil {
		return "", err
	}

	payload, err := m.reader.ReadLine(ctx, timeout)
	if err == nil && payload == "" {
		payload, err = m.reader.ReadLine(ctx, timeout)
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w: %w", cmd, ErrProtocolMismatch, err)
	}
	m.logger.Debug("AT <", "line", payload)

	if strings.Contains(payload, at.ERROR) {
		return "", fmt.Errorf("%s: %w: %q", cmd, ErrATError, payload)
	}
	if payload == at.OK {
		return "", fmt.Errorf("%s: %w: no payload before OK", cmd, ErrProtocolMismatch)
	}

	if err := m.readStatus(ctx, cmd, timeout); err != nil {
		return payload, err
	}
	return payload, nil
}

// flush drops every byte the modem sent that nobody asked for, so the next
// command starts on a clean frame.
func (m *Modem) flush(ctx context.Context) error {
	dropped := m.reader.Discard()
	stray, err := m.reader.Drain(ctx, m.config.FlushWindow)
	if dropped+len(stray) > 0 {
		m.logger.Debug("Flushed stray modem output", "bytes", dropped+len(stray), "tail", string(stray))
	}
	return err
}
