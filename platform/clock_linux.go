package platform

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// SystemClock is the kernel's realtime clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

// Set steps the realtime clock to t. It needs CAP_SYS_TIME.
func (SystemClock) Set(t time.Time) error {
	ts := unix.NsecToTimespec(t.UnixNano())
	if err := unix.ClockSettime(unix.CLOCK_REALTIME, &ts); err != nil {
		return fmt.Errorf("set clock: %w", err)
	}
	return nil
}
