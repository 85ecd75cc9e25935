// Package platform implements the node's hardware collaborators on embedded
// Linux: the modem power key on a sysfs GPIO, IIO sensor channels and the
// system clock.
package platform

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const DefaultGPIORoot = "/sys/class/gpio"

// exportSettle is how long udev may take to make a freshly exported line
// writable.
const exportSettle = 100 * time.Millisecond

// SysfsPin is a GPIO output line driven through the sysfs interface.
type SysfsPin struct {
	Number int
	// Root is the sysfs GPIO directory, DefaultGPIORoot if empty.
	Root string
}

func (p SysfsPin) root() string {
	if p.Root == "" {
		return DefaultGPIORoot
	}
	return p.Root
}

func (p SysfsPin) path(attr string) string {
	return filepath.Join(p.root(), fmt.Sprintf("gpio%d", p.Number), attr)
}

// ConfigureOutput exports the line if needed and sets it as an output.
func (p SysfsPin) ConfigureOutput() error {
	if _, err := os.Stat(p.path("value")); errors.Is(err, fs.ErrNotExist) {
		exportPath := filepath.Join(p.root(), "export")
		if err := os.WriteFile(exportPath, []byte(strconv.Itoa(p.Number)), 0644); err != nil {
			return fmt.Errorf("export gpio %d: %w", p.Number, err)
		}
		time.Sleep(exportSettle)
	}

	if err := os.WriteFile(p.path("direction"), []byte("out"), 0644); err != nil {
		return fmt.Errorf("set gpio %d direction: %w", p.Number, err)
	}
	return nil
}

func (p SysfsPin) Set(high bool) error {
	value := "0"
	if high {
		value = "1"
	}
	if err := os.WriteFile(p.path("value"), []byte(value), 0644); err != nil {
		return fmt.Errorf("set gpio %d: %w", p.Number, err)
	}
	return nil
}
