package at

const (
	// Terminal Control
	CRLF = "\r\n"

	// Response Codes
	OK       = "OK"
	ERROR    = "ERROR"
	Download = "DOWNLOAD"

	// Response prefixes
	PrefixCREG       = "+CREG: "
	PrefixHTTPAction = "+HTTPACTION: "
	PrefixHTTPRead   = "+HTTPREAD: "

	// Commands
	CmdEchoOff        = "ATE0"
	CmdRegistration   = "AT+CREG?"
	CmdSecureStart    = "AT+CCHSTART"
	CmdHTTPInit       = "AT+HTTPINIT"
	CmdHTTPTerm       = "AT+HTTPTERM"
	CmdHTTPActionGet  = "AT+HTTPACTION=0"
	CmdHTTPActionPost = "AT+HTTPACTION=1"
)

// Status is the classification of an AT status line.
type Status int

const (
	StatusOK        Status = iota // line contains OK
	StatusError                   // line contains ERROR
	StatusMalformed               // anything else
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "malformed"
	}
}

// HTTP methods as encoded by AT+HTTPACTION.
const (
	MethodGet  = 0
	MethodPost = 1
)
