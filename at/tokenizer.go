package at

import (
	"bufio"
	"bytes"
	"strings"
)

// Splitter is used for tokenizing AT command lines. It uses the signature
// of bufio.SplitFunc so it can be directly used with bufio.Scanner.
//
// It splits the input on LF and strips a single CR preceding it, so both
// CRLF and bare LF terminated lines are accepted. The terminator is never
// part of the token.
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final token.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, bytes.TrimSuffix(data[0:i], []byte{'\r'}), nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

// Classify identifies the status carried by a modem status line.
//
// The match is a substring match: the modem sometimes prefixes status lines
// with stray bytes left over from a previous exchange.
func Classify(line string) Status {
	switch {
	case strings.Contains(line, OK):
		return StatusOK
	case strings.Contains(line, ERROR):
		return StatusError
	default:
		return StatusMalformed
	}
}
