package platform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coreos/go-systemd/v22/dbus"
)

// UnitManager is the part of the systemd D-Bus API used to stop units.
type UnitManager interface {
	StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	Close()
}

// ConnectSystemd opens a connection to the system manager.
func ConnectSystemd(ctx context.Context) (UnitManager, error) {
	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return conn, nil
}

// StopUnits stops services that would otherwise grab the modem's serial
// port, ModemManager being the usual one. A unit that is not loaded stops
// without error.
func StopUnits(ctx context.Context, m UnitManager, names []string, logger *slog.Logger) error {
	for _, name := range names {
		result := make(chan string, 1)
		if _, err := m.StopUnitContext(ctx, name, "replace", result); err != nil {
			return fmt.Errorf("stop %s: %w", name, err)
		}
		select {
		case r := <-result:
			if r != "done" {
				return fmt.Errorf("stop %s: job %s", name, r)
			}
		case <-ctx.Done():
			return fmt.Errorf("stop %s: %w", name, ctx.Err())
		}
		logger.Info("Stopped conflicting unit", "unit", name)
	}
	return nil
}
