// Package sim provides an in-process cellular modem that answers the subset
// of AT commands used by package modem. It implements modem.Transport and is
// meant for tests and for running the node without hardware.
package sim

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/ubipo/water-well-level/at"
)

// Request is an HTTP request the host asked the modem to perform.
type Request struct {
	Method int
	URL    string
	Body   []byte
}

// Response is what the simulated network returns for a Request.
type Response struct {
	Status int
	Body   []byte
}

// Handler answers the HTTP requests issued through the modem.
type Handler func(Request) Response

// Modem is a scripted modem. The zero value is not usable, use New.
type Modem struct {
	mu sync.Mutex

	// Echo makes the modem echo every command line, as after power on.
	Echo bool
	// BootLines is the number of command lines ignored before the modem
	// starts answering.
	BootLines int
	// Registrations is the sequence of +CREG <stat> values returned by
	// successive AT+CREG? queries. The last value repeats.
	Registrations []int
	// PIN is the SIM PIN expected by AT+CPIN, empty to accept any.
	PIN string
	// Handler answers AT+HTTPACTION. A nil Handler returns 200 without body.
	Handler Handler
	// Override, when set, is consulted first for every command line. If it
	// returns ok, reply is sent verbatim and the command is not interpreted.
	Override func(cmd string) (reply string, ok bool)

	in       []byte
	out      []byte
	closed   bool
	session  bool
	url      string
	body     []byte
	awaiting int
	response []byte
	cregPoll int

	commands []string
	requests []Request
}

// New returns a modem that already disabled echo and is registered on its
// home network.
func New() *Modem {
	return &Modem{Registrations: []int{1}}
}

// Read returns pending modem output. It never blocks: with nothing pending
// it returns (0, nil), like a serial port whose read timeout elapsed.
func (m *Modem) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.EOF
	}
	n := copy(p, m.out)
	m.out = m.out[n:]
	return n, nil
}

// Write feeds host bytes to the modem.
func (m *Modem) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.ErrClosedPipe
	}

	data := p
	if m.awaiting > 0 {
		k := min(m.awaiting, len(data))
		m.body = append(m.body, data[:k]...)
		m.awaiting -= k
		data = data[k:]
		if m.awaiting == 0 {
			m.emit("\r\nOK\r\n")
		}
	}

	m.in = append(m.in, data...)
	for {
		advance, token, _ := at.Splitter(m.in, false)
		if advance == 0 {
			break
		}
		line := string(token)
		m.in = m.in[advance:]
		if line != "" {
			m.handle(line)
		}
	}
	return len(p), nil
}

func (m *Modem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Inject queues unsolicited output, such as a URC, for the host to read.
func (m *Modem) Inject(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emit(s)
}

// Commands returns every command line received so far.
func (m *Modem) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// Requests returns every HTTP request performed so far.
func (m *Modem) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// SessionOpen reports whether an HTTP session is initialized.
func (m *Modem) SessionOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Modem) emit(s string) {
	m.out = append(m.out, s...)
}

func (m *Modem) ok()   { m.emit("\r\nOK\r\n") }
func (m *Modem) fail() { m.emit("\r\nERROR\r\n") }

func (m *Modem) handle(cmd string) {
	m.commands = append(m.commands, cmd)

	if m.BootLines > 0 {
		m.BootLines--
		return
	}
	if m.Echo {
		m.emit(cmd + "\r\n")
	}
	if m.Override != nil {
		if reply, ok := m.Override(cmd); ok {
			m.emit(reply)
			return
		}
	}

	name, arg, _ := strings.Cut(cmd, "=")
	switch name {
	case at.CmdEchoOff:
		m.Echo = false
		m.ok()
	case "AT+CPIN":
		if m.PIN != "" && strings.Trim(arg, `"`) != m.PIN {
			m.fail()
			return
		}
		m.ok()
	case at.CmdRegistration:
		m.emit(fmt.Sprintf("\r\n%s0,%d\r\n", at.PrefixCREG, m.nextRegistration()))
		m.ok()
	case at.CmdSecureStart:
		m.emit("\r\nOK\r\n\r\n+CCHSTART: 0\r\n")
	case at.CmdHTTPTerm:
		if !m.session {
			m.fail()
			return
		}
		m.session = false
		m.response = nil
		m.ok()
	case at.CmdHTTPInit:
		if m.session {
			m.fail()
			return
		}
		m.session = true
		m.url = ""
		m.body = nil
		m.ok()
	case "AT+HTTPPARA":
		key, value, found := strings.Cut(arg, ",")
		if !m.session || !found || key != `"URL"` {
			m.fail()
			return
		}
		m.url = strings.Trim(value, `"`)
		m.ok()
	case "AT+HTTPDATA":
		size, _, _ := strings.Cut(arg, ",")
		n, err := strconv.Atoi(size)
		if !m.session || err != nil || n < 0 {
			m.fail()
			return
		}
		m.body = nil
		m.awaiting = n
		m.emit("\r\nDOWNLOAD\r\n")
		if n == 0 {
			m.ok()
		}
	case "AT+HTTPACTION":
		method, err := strconv.Atoi(arg)
		if !m.session || err != nil {
			m.fail()
			return
		}
		req := Request{Method: method, URL: m.url, Body: append([]byte(nil), m.body...)}
		m.requests = append(m.requests, req)
		resp := Response{Status: 200}
		if m.Handler != nil {
			resp = m.Handler(req)
		}
		m.response = resp.Body
		m.ok()
		m.emit(fmt.Sprintf("\r\n%s%d,%d,%d\r\n", at.PrefixHTTPAction, method, resp.Status, len(resp.Body)))
	case "AT+HTTPREAD":
		n, err := strconv.Atoi(arg)
		if !m.session || err != nil || n > len(m.response) {
			m.fail()
			return
		}
		m.ok()
		m.emit(fmt.Sprintf("\r\n%sDATA,%d\r\n", at.PrefixHTTPRead, n))
		m.emit(string(m.response[:n]))
		m.emit(fmt.Sprintf("\r\n%s0\r\n", at.PrefixHTTPRead))
		m.response = m.response[n:]
	default:
		m.fail()
	}
}

func (m *Modem) nextRegistration() int {
	if len(m.Registrations) == 0 {
		return 0
	}
	i := min(m.cregPoll, len(m.Registrations)-1)
	m.cregPoll++
	return m.Registrations[i]
}
