//go:build !linux

package platform

import (
	"errors"
	"time"
)

// SystemClock is the host clock. Setting it is only supported on Linux.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

func (SystemClock) Set(t time.Time) error {
	return errors.ErrUnsupported
}
