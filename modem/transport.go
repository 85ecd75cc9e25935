package modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

//go:generate mockgen -source=transport.go -destination=mock_transport.go -package=modem

// DefaultBaudRate is the fixed UART rate of the cellular module.
const DefaultBaudRate = 115200

// Transport represents an established, bidirectional byte stream to a
// cellular modem.
//
// A Transport is assumed to be already connected and ready for use. It provides
// the low-level I/O primitives required to send AT commands and receive responses.
// Typical implementations include serial ports, scripted simulators, or
// mocks used for testing.
//
// Read must not block indefinitely. Implementations that can bound a read
// should also implement ReadTimeouter; serial.Port does.
type Transport interface {
	io.ReadWriteCloser
}

// ReadTimeouter is implemented by transports whose Read blocks for at most
// a configurable duration and returns (0, nil) when nothing arrived.
type ReadTimeouter interface {
	SetReadTimeout(t time.Duration) error
}

// Dialer opens a Transport to a cellular modem.
//
// Dialer abstracts how the modem connection is created (for example, via a
// serial port or a test double) and is intended to be used during modem
// construction only. Once a Transport is obtained, the Dialer is no longer
// needed.
type Dialer interface {
	// Dial is responsible for creating and returning a connected Transport. It may
	// perform blocking operations and should respect cancellation and deadlines
	// provided by the context. Dial returns an error if the transport cannot be
	// established.
	Dial(ctx context.Context) (Transport, error)
}

// Pin is a single digital output line, used for the modem's power key.
type Pin interface {
	// ConfigureOutput puts the line in output mode.
	ConfigureOutput() error
	// Set drives the line high or low.
	Set(high bool) error
}

// SerialDialer opens a cellular modem over a serial port using go.bug.st/serial.
type SerialDialer struct {
	// PortName is the device path, e.g. "/dev/ttyS1".
	PortName string
	// BaudRate is used when Mode is nil. Zero means DefaultBaudRate.
	BaudRate int
	// Mode overrides the full port configuration.
	Mode *serial.Mode
}

// Dial opens the serial port in 8N1 mode unless Mode says otherwise.
func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if ctx == nil {
		return nil, errors.New("modem: context is nil")
	}
	if d.PortName == "" {
		return nil, errors.New("modem: serial port name is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.Mode
	if mode == nil {
		baud := d.BaudRate
		if baud == 0 {
			baud = DefaultBaudRate
		}
		mode = &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
	}

	port, err := serial.Open(d.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("modem: open serial port %s: %w", d.PortName, err)
	}
	return port, nil
}
