package queue

import "errors"

var (
	// ErrCorruptRecord is returned when a stored record cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt measurement record")

	// ErrNoServerTime is returned when a response body carries no "now"
	// field.
	ErrNoServerTime = errors.New(`no "now" in response`)

	// ErrMalformedServerTime is returned when the "now" field is not an
	// integer.
	ErrMalformedServerTime = errors.New(`malformed "now" in response`)

	// ErrNoToken is returned when an Uploader has no endpoint secret.
	ErrNoToken = errors.New("no endpoint token configured")
)
