package modem

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"
)

const (
	maxLineLength = 4096
	readChunkSize = 256
	// idlePoll is the back-off between reads on transports that cannot
	// block for a bounded time.
	idlePoll = time.Millisecond
)

// LineReader reads bytes and lines from a Transport within a time budget.
//
// Bytes that arrived but were not consumed yet stay buffered across calls,
// so a response delivered in one chunk can be consumed line by line.
// All timeouts are measured from the start of the call on the monotonic
// clock.
type LineReader struct {
	r        io.Reader
	timeouts ReadTimeouter
	policy   DeadlinePolicy
	poll     time.Duration
	lastPoll time.Duration

	pending []byte
	chunk   [readChunkSize]byte
}

// NewLineReader wraps r. If r implements ReadTimeouter, each read blocks for
// at most poll; otherwise r must return promptly and is polled.
func NewLineReader(r io.Reader, policy DeadlinePolicy, poll time.Duration) *LineReader {
	lr := &LineReader{r: r, policy: policy, poll: poll}
	if t, ok := r.(ReadTimeouter); ok {
		lr.timeouts = t
	}
	return lr
}

// Buffered returns the number of bytes received but not consumed yet.
func (lr *LineReader) Buffered() int {
	return len(lr.pending)
}

// fill reads at least one more byte into pending before deadline.
func (lr *LineReader) fill(ctx context.Context, deadline time.Time) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}

		if lr.timeouts != nil {
			wait := min(remaining, lr.poll)
			if wait != lr.lastPoll {
				if err := lr.timeouts.SetReadTimeout(wait); err != nil {
					return fmt.Errorf("set read timeout: %w", err)
				}
				lr.lastPoll = wait
			}
		}

		n, err := lr.r.Read(lr.chunk[:])
		if n > 0 {
			lr.pending = append(lr.pending, lr.chunk[:n]...)
			return nil
		}
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if lr.timeouts == nil {
			time.Sleep(min(remaining, idlePoll))
		}
	}
}

// ReadByte returns the next byte, waiting at most timeout for it.
func (lr *LineReader) ReadByte(ctx context.Context, timeout time.Duration) (byte, error) {
	if len(lr.pending) == 0 {
		if err := lr.fill(ctx, time.Now().Add(timeout)); err != nil {
			if err == ErrTimeout {
				return 0, &TimeoutError{Op: "read byte", Timeout: timeout}
			}
			return 0, err
		}
	}
	c := lr.pending[0]
	lr.pending = lr.pending[1:]
	return c, nil
}

// ReadUntil accumulates bytes until terminator is seen. The terminator is
// consumed but not returned. On timeout the returned *TimeoutError holds the
// partial buffer.
func (lr *LineReader) ReadUntil(ctx context.Context, terminator byte, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	var acc []byte
	for {
		if i := bytes.IndexByte(lr.pending, terminator); i >= 0 {
			acc = append(acc, lr.pending[:i]...)
			lr.pending = lr.pending[i+1:]
			return string(acc), nil
		}
		acc = append(acc, lr.pending...)
		lr.pending = lr.pending[:0]
		if len(acc) > maxLineLength {
			return "", fmt.Errorf("%w: %d bytes without terminator", ErrLineTooLong, len(acc))
		}

		if err := lr.fill(ctx, deadline); err != nil {
			if err == ErrTimeout {
				return "", &TimeoutError{Op: "read line", Timeout: timeout, Partial: acc}
			}
			return "", err
		}
	}
}

// ReadLine reads up to '\n' and strips a single trailing '\r' if present.
func (lr *LineReader) ReadLine(ctx context.Context, timeout time.Duration) (string, error) {
	line, err := lr.ReadUntil(ctx, '\n', timeout)
	if err != nil {
		return "", err
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

// ReadEmptyLine consumes the blank separator line the modem emits before
// status and result lines. A non-empty line yields ErrUnexpectedLine.
func (lr *LineReader) ReadEmptyLine(ctx context.Context, timeout time.Duration) error {
	line, err := lr.ReadLine(ctx, timeout)
	if err != nil {
		return err
	}
	if line != "" {
		return fmt.Errorf("%w, got %q", ErrUnexpectedLine, line)
	}
	return nil
}

// ReadExact fills buf completely. Under DeadlinePerByte every wait for more
// bytes gets the full timeout; under DeadlineOverall the whole read shares
// one deadline.
func (lr *LineReader) ReadExact(ctx context.Context, buf []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	got := 0
	for got < len(buf) {
		if len(lr.pending) == 0 {
			if lr.policy == DeadlinePerByte {
				deadline = time.Now().Add(timeout)
			}
			if err := lr.fill(ctx, deadline); err != nil {
				if err == ErrTimeout {
					return &TimeoutError{Op: "read exact", Timeout: timeout, Partial: buf[:got]}
				}
				return err
			}
		}
		n := copy(buf[got:], lr.pending)
		lr.pending = lr.pending[n:]
		got += n
	}
	return nil
}

// Discard drops every buffered byte without waiting and reports how many
// were dropped.
func (lr *LineReader) Discard() int {
	n := len(lr.pending)
	lr.pending = lr.pending[:0]
	return n
}

// Drain discards everything that arrives during window, including bytes
// already buffered. It returns the discarded bytes for diagnostics.
func (lr *LineReader) Drain(ctx context.Context, window time.Duration) ([]byte, error) {
	deadline := time.Now().Add(window)
	var dropped []byte
	for {
		dropped = append(dropped, lr.pending...)
		lr.pending = lr.pending[:0]
		err := lr.fill(ctx, deadline)
		if err == ErrTimeout {
			return dropped, nil
		}
		if err != nil {
			return dropped, err
		}
	}
}
