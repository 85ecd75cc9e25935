package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Thresholds bound the acceptable water level. A zero bound is disabled.
type Thresholds struct {
	LowerMM int64 `yaml:"lower_mm"`
	UpperMM int64 `yaml:"upper_mm"`
	// NotifyInterval is the least time between two alerts.
	NotifyInterval time.Duration `yaml:"notify_interval"`
}

// Watcher alerts when the water level leaves the configured band. It alerts
// once per excursion and again after NotifyInterval while it lasts.
type Watcher struct {
	Thresholds Thresholds
	Notifier   Notifier
	Logger     *slog.Logger

	mu       sync.Mutex
	outside  bool
	lastSent time.Time
}

// Observe checks rec, the newest record, and notifies when needed.
func (w *Watcher) Observe(ctx context.Context, rec Record, now time.Time) {
	msg := w.check(rec)

	w.mu.Lock()
	if msg == "" {
		if w.outside {
			w.Logger.Info("Water level back within bounds", "water_level_mm", rec.WaterLevelMM)
		}
		w.outside = false
		w.mu.Unlock()
		return
	}
	due := !w.outside || now.Sub(w.lastSent) >= w.Thresholds.NotifyInterval
	w.outside = true
	if due {
		w.lastSent = now
	}
	w.mu.Unlock()

	if !due {
		return
	}
	if err := w.Notifier.Notify(ctx, msg); err != nil {
		w.Logger.Error("Failed to send alert", "error", err, "message", msg)
		return
	}
	w.Logger.Info("Alert sent", "message", msg)
}

func (w *Watcher) check(rec Record) string {
	switch {
	case w.Thresholds.LowerMM > 0 && rec.WaterLevelMM < w.Thresholds.LowerMM:
		return fmt.Sprintf("water level %d mm below %d mm at %s",
			rec.WaterLevelMM, w.Thresholds.LowerMM, time.Unix(rec.TimeS, 0).UTC().Format(time.RFC3339))
	case w.Thresholds.UpperMM > 0 && rec.WaterLevelMM > w.Thresholds.UpperMM:
		return fmt.Sprintf("water level %d mm above %d mm at %s",
			rec.WaterLevelMM, w.Thresholds.UpperMM, time.Unix(rec.TimeS, 0).UTC().Format(time.RFC3339))
	}
	return ""
}
