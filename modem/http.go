package modem

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ubipo/water-well-level/at"
)

// HTTPResponse is the result of one HTTP exchange tunneled through the
// modem. Body is owned by the caller.
type HTTPResponse struct {
	Method        int
	Status        int
	ContentLength int
	Body          []byte
}

// Get performs an HTTP GET of url. timeout bounds the wait for the modem to
// report the result of the request. A 4xx or 5xx status is not an error for
// Get; inspect HTTPResponse.Status.
func (m *Modem) Get(ctx context.Context, url string, timeout time.Duration) (*HTTPResponse, error) {
	return m.exchange(ctx, at.MethodGet, url, nil, timeout)
}

// Post performs an HTTP POST of body to url. timeout bounds the wait for the
// modem to report the result of the request.
//
// A response with a 4xx or 5xx status is returned together with an
// *HTTPStatusError so the body stays available for diagnostics.
func (m *Modem) Post(ctx context.Context, url string, body []byte, timeout time.Duration) (*HTTPResponse, error) {
	resp, err := m.exchange(ctx, at.MethodPost, url, body, timeout)
	if err != nil {
		return nil, err
	}
	if resp.Status >= 400 && resp.Status < 600 {
		m.logger.Error("HTTP request rejected", "url", url, "status", resp.Status, "body", string(resp.Body))
		return resp, &HTTPStatusError{Status: resp.Status, Body: resp.Body}
	}
	return resp, nil
}

func (m *Modem) exchange(ctx context.Context, method int, url string, body []byte, timeout time.Duration) (resp *HTTPResponse, err error) {
	m.logger.Info("Sending HTTP request", "method", method, "url", url, "body_length", len(body))

	if err := m.flush(ctx); err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}

	// A session may be left over from an earlier exchange. ERROR means there
	// was none, only garbage is fatal.
	if err := m.SendCommand(ctx, at.CmdHTTPTerm); err != nil && !errors.Is(err, ErrATError) {
		return nil, fmt.Errorf("terminate previous session: %w", err)
	}
	if err := m.SendCommand(ctx, at.CmdHTTPInit); err != nil {
		return nil, fmt.Errorf("init session: %w", err)
	}
	defer func() {
		if err != nil {
			m.abortSession(ctx)
		}
	}()

	if err := m.SendCommand(ctx, at.SetURL(url)); err != nil {
		return nil, fmt.Errorf("set url: %w", err)
	}

	action := at.CmdHTTPActionGet
	if method == at.MethodPost {
		if err := m.sendBody(ctx, body); err != nil {
			return nil, err
		}
		action = at.CmdHTTPActionPost
	}
	if err := m.SendCommand(ctx, action); err != nil {
		return nil, fmt.Errorf("http action: %w", err)
	}

	result, err := m.readAction(ctx, timeout)
	if err != nil {
		return nil, err
	}
	m.logger.Info("HTTP response", "status", result.Status, "content_length", result.ContentLength)

	resp = &HTTPResponse{
		Method:        result.Method,
		Status:        result.Status,
		ContentLength: result.ContentLength,
	}
	if result.ContentLength > 0 {
		if resp.Body, err = m.readBody(ctx, result.ContentLength); err != nil {
			return nil, err
		}
	}

	if err := m.SendCommand(ctx, at.CmdHTTPTerm); err != nil {
		return nil, fmt.Errorf("terminate session: %w", err)
	}
	return resp, nil
}

// sendBody transfers the request body after the modem prompted for it.
func (m *Modem) sendBody(ctx context.Context, body []byte) error {
	cmd := at.HTTPData(len(body), int(m.config.HTTPDataTimeout/time.Millisecond))
	if err := m.writeLine(cmd); err != nil {
		return err
	}
	if err := m.reader.ReadEmptyLine(ctx, m.config.ATTimeout); err != nil {
		return fmt.Errorf("http data: %w", err)
	}
	prompt, err := m.reader.ReadLine(ctx, m.config.ATTimeout)
	if err != nil {
		return fmt.Errorf("http data: %w", err)
	}
	if !strings.Contains(prompt, at.Download) {
		return fmt.Errorf("http data: %w: expected %s, got %q", ErrProtocolMismatch, at.Download, prompt)
	}

	if m.closed {
		return ErrAlreadyClosed
	}
	payload := make([]byte, 0, len(body)+len(at.CRLF))
	payload = append(append(payload, body...), at.CRLF...)
	if _, err := m.transport.Write(payload); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := m.readStatus(ctx, "http data", m.config.ATTimeout); err != nil {
		return err
	}
	return nil
}

// readAction waits for the "+HTTPACTION: <method>,<status>,<length>" result.
func (m *Modem) readAction(ctx context.Context, timeout time.Duration) (at.HTTPAction, error) {
	if err := m.reader.ReadEmptyLine(ctx, timeout); err != nil {
		return at.HTTPAction{}, fmt.Errorf("http action result: %w", err)
	}
	line, err := m.reader.ReadLine(ctx, timeout)
	if err != nil {
		return at.HTTPAction{}, fmt.Errorf("http action result: %w", err)
	}
	result, err := at.ParseHTTPAction(line)
	if err != nil {
		return at.HTTPAction{}, err
	}
	if result.ContentLength > m.config.MaxContentLength {
		return at.HTTPAction{}, fmt.Errorf("%w: %d > %d bytes", ErrContentTooLarge, result.ContentLength, m.config.MaxContentLength)
	}
	return result, nil
}

// readBody fetches the response body announced by +HTTPACTION. The body is
// framed by a blank line and a data echo line on each side.
func (m *Modem) readBody(ctx context.Context, length int) ([]byte, error) {
	if err := m.SendCommand(ctx, at.HTTPRead(length)); err != nil {
		return nil, fmt.Errorf("http read: %w", err)
	}
	if err := m.reader.ReadEmptyLine(ctx, m.config.ATTimeout); err != nil {
		return nil, fmt.Errorf("http read: %w", err)
	}
	echo, err := m.reader.ReadLine(ctx, m.config.ATTimeout)
	if err != nil {
		return nil, fmt.Errorf("http read: %w", err)
	}
	m.logger.Debug("HTTP read", "line", echo)

	body := make([]byte, length)
	if err := m.reader.ReadExact(ctx, body, m.config.ATTimeout); err != nil {
		return nil, fmt.Errorf("http read body: %w", err)
	}

	if err := m.reader.ReadEmptyLine(ctx, m.config.ATTimeout); err != nil {
		return nil, fmt.Errorf("http read: %w", err)
	}
	if echo, err = m.reader.ReadLine(ctx, m.config.ATTimeout); err != nil {
		return nil, fmt.Errorf("http read: %w", err)
	}
	m.logger.Debug("HTTP read", "line", echo)
	return body, nil
}

// abortSession terminates a session an exchange failed to close. It runs
// even when ctx is already cancelled, bounded by the AT timeout.
func (m *Modem) abortSession(ctx context.Context) {
	if m.closed {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.ATTimeout)
	defer cancel()

	if err := m.flush(ctx); err != nil {
		m.logger.Warn("Could not flush before terminating session", "error", err)
		return
	}
	if err := m.SendCommand(ctx, at.CmdHTTPTerm); err != nil {
		m.logger.Warn("Could not terminate HTTP session", "error", err)
	}
}
