package modem

import (
	"errors"
	"fmt"
	"time"

	"github.com/ubipo/water-well-level/at"
)

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on a Modem
	// that has no transport.
	//
	// This can occur if the Dialer returned a nil Transport or if the Modem
	// was not created via New.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed, or when any I/O is attempted afterwards.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrLineTooLong is returned when a modem response line exceeds the
	// maximum allowed length.
	//
	// This typically indicates malformed input, unexpected binary data,
	// or a protocol framing error.
	ErrLineTooLong = errors.New("response line too long")

	// ErrTimeout is returned when a deadline elapses while waiting for bytes
	// from the modem.
	ErrTimeout = errors.New("timeout waiting for modem")

	// ErrProtocolMismatch is returned when the received bytes do not match
	// the framing expected at that point of an exchange, for example a
	// missing "+HTTPACTION: " prefix or a missing "DOWNLOAD" prompt.
	ErrProtocolMismatch = at.ErrProtocolMismatch

	// ErrUnexpectedLine is returned when an empty separator line was expected
	// but the modem sent something else.
	ErrUnexpectedLine = fmt.Errorf("%w: expected empty line", at.ErrProtocolMismatch)

	// ErrATError is returned when the modem explicitly reports ERROR.
	ErrATError = errors.New("modem reported ERROR")

	// ErrEchoFailure is returned when echo negotiation exhausted its budget
	// without the modem ever answering.
	//
	// This usually means the modem did not boot or the UART is miswired.
	ErrEchoFailure = errors.New("could not disable echo")

	// ErrBringupExhausted is returned by Up when the configured BringupPolicy
	// ran out of attempts or time.
	ErrBringupExhausted = errors.New("modem bring-up exhausted")

	// ErrContentTooLarge is returned when the modem announces an HTTP
	// response body larger than Config.MaxContentLength. Nothing is
	// allocated for the body in that case.
	ErrContentTooLarge = errors.New("http content too large")
)

// TimeoutError carries whatever was received before a read deadline elapsed.
// It matches ErrTimeout with errors.Is.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	Partial []byte
}

func (e *TimeoutError) Error() string {
	if len(e.Partial) == 0 {
		return fmt.Sprintf("%s: no data after %s", e.Op, e.Timeout)
	}
	return fmt.Sprintf("%s: timeout after %s, read so far: %q", e.Op, e.Timeout, e.Partial)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// HTTPStatusError is returned by Post when the exchange succeeded but the
// remote answered with a 4xx or 5xx status. Body holds the response body for
// diagnostics.
type HTTPStatusError struct {
	Status int
	Body   []byte
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d", e.Status)
}
