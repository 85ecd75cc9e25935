package at

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrProtocolMismatch is returned when received bytes do not match the
// framing expected at that point of an exchange.
var ErrProtocolMismatch = errors.New("at: protocol mismatch")

// Registration is the network registration state reported by +CREG.
type Registration int

const (
	Unregistered Registration = iota
	RegisteredHome
	RegisteredRoaming
)

// Registered reports whether the modem is attached to a network.
func (r Registration) Registered() bool {
	return r == RegisteredHome || r == RegisteredRoaming
}

func (r Registration) String() string {
	switch r {
	case RegisteredHome:
		return "registered home"
	case RegisteredRoaming:
		return "registered roaming"
	default:
		return "unregistered"
	}
}

// +CREG <stat> values
const (
	cregStatusHome    = 1
	cregStatusRoaming = 5
)

// ParseRegistration parses a "+CREG: <n>,<stat>[,<lac>,<ci>]" line.
//
// The status is the value between the first and the second comma, or up to
// the end of the line when there is no second comma. Any status other than
// home (1) or roaming (5) is reported as Unregistered.
func ParseRegistration(line string) (Registration, error) {
	i := strings.Index(line, PrefixCREG)
	if i < 0 {
		return Unregistered, fmt.Errorf("%w: expected %q, got %q", ErrProtocolMismatch, PrefixCREG, line)
	}
	args := line[i+len(PrefixCREG):]

	first := strings.IndexByte(args, ',')
	if first < 0 {
		return Unregistered, fmt.Errorf("%w: no status in %q", ErrProtocolMismatch, line)
	}
	rest := args[first+1:]
	if second := strings.IndexByte(rest, ','); second >= 0 {
		rest = rest[:second]
	}

	status, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return Unregistered, fmt.Errorf("%w: bad status in %q", ErrProtocolMismatch, line)
	}

	switch status {
	case cregStatusHome:
		return RegisteredHome, nil
	case cregStatusRoaming:
		return RegisteredRoaming, nil
	default:
		return Unregistered, nil
	}
}

// HTTPAction is the parsed "+HTTPACTION: <method>,<status>,<length>" line.
type HTTPAction struct {
	Method        int
	Status        int
	ContentLength int
}

// ParseHTTPAction parses the result line of AT+HTTPACTION. The line must
// begin with "+HTTPACTION: ".
func ParseHTTPAction(line string) (HTTPAction, error) {
	if !strings.HasPrefix(line, PrefixHTTPAction) {
		return HTTPAction{}, fmt.Errorf("%w: expected %q, got %q", ErrProtocolMismatch, PrefixHTTPAction, line)
	}
	fields := strings.SplitN(strings.TrimPrefix(line, PrefixHTTPAction), ",", 3)
	if len(fields) != 3 {
		return HTTPAction{}, fmt.Errorf("%w: expected 3 fields in %q", ErrProtocolMismatch, line)
	}

	var values [3]int
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return HTTPAction{}, fmt.Errorf("%w: bad field %d in %q", ErrProtocolMismatch, i, line)
		}
		values[i] = v
	}
	if values[2] < 0 {
		return HTTPAction{}, fmt.Errorf("%w: negative length in %q", ErrProtocolMismatch, line)
	}

	return HTTPAction{Method: values[0], Status: values[1], ContentLength: values[2]}, nil
}

// SetURL builds the AT+HTTPPARA command setting the request URL.
func SetURL(url string) string {
	return fmt.Sprintf(`AT+HTTPPARA="URL","%s"`, url)
}

// HTTPData builds the AT+HTTPDATA command announcing a body of size bytes.
func HTTPData(size int, timeoutMs int) string {
	return fmt.Sprintf("AT+HTTPDATA=%d,%d", size, timeoutMs)
}

// HTTPRead builds the AT+HTTPREAD command for size bytes.
func HTTPRead(size int) string {
	return fmt.Sprintf("AT+HTTPREAD=%d", size)
}

// EnterPIN builds the AT+CPIN command unlocking the SIM.
func EnterPIN(pin string) string {
	return fmt.Sprintf(`AT+CPIN="%s"`, pin)
}
