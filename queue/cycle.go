package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Clock is the wall clock of the node.
type Clock interface {
	Now() time.Time
	Set(t time.Time) error
}

// Link is the cellular data link. *modem.Modem implements it.
type Link interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
}

type Outcome int

const (
	Persisted Outcome = iota
	Transmitted
	TransmitFailed
)

func (o Outcome) String() string {
	switch o {
	case Persisted:
		return "persisted"
	case Transmitted:
		return "transmitted"
	case TransmitFailed:
		return "transmit failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result summarizes one wake cycle.
type Result struct {
	Outcome  Outcome
	Decision Decision
	// Sent is the number of measurements in the posted batch.
	Sent int
	// Dropped counts backlog records older than the batch window that were
	// discarded on a successful transmit.
	Dropped int
	Receipt Receipt
	// BacklogKept is set when the backlog could not be read and was left
	// untouched by a successful transmit.
	BacklogKept bool
	// TransmitErr is why a transmit failed. The current reading was
	// persisted in that case.
	TransmitErr error
}

// Cycle runs the queue logic of a single wake cycle.
type Cycle struct {
	Store      Store
	Link       Link
	Uploader   *Uploader
	Clock      Clock
	Thresholds Thresholds
	Logger     *slog.Logger
}

// Run decides what to do with the current reading and does it: either the
// backlog plus current are transmitted and the backlog cleared, or current is
// appended to the backlog. A failed transmit leaves the backlog untouched
// apart from appending current, and so does a successful one when the
// backlog could not be read. The returned error is only set when the
// reading could not be kept at all.
func (c *Cycle) Run(ctx context.Context, current Measurement) (Result, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	// An unreadable backlog stays on disk for a later cycle: the batch is
	// then the current reading alone and the store is never cleared.
	stored, err := c.Store.ReadAll()
	unreadable := err != nil
	if unreadable {
		logger.Error("Could not read backlog, continuing without it", "error", err)
		stored = nil
	}

	batch := Collect(current, stored, c.Thresholds.MaxBatch)
	now := c.Clock.Now()
	decision := Decide(Input{Batch: batch, Now: now}, c.Thresholds)
	logger.Info("Transmit decision",
		"decision", decision,
		"queued", batch.Total,
		"min_distance_mm", batch.MinDistanceMM,
		"max_distance_mm", batch.MaxDistanceMM,
		"backlog_age", batch.Age(now),
	)

	res := Result{Decision: decision}
	if !decision.Transmit {
		if err := c.Store.Append(current); err != nil {
			return res, fmt.Errorf("persist measurement: %w", err)
		}
		res.Outcome = Persisted
		return res, nil
	}

	receipt, err := c.transmit(ctx, logger, batch)
	if err != nil {
		logger.Error("Transmit failed, persisting measurement", "error", err)
		res.Outcome = TransmitFailed
		res.TransmitErr = err
		if err := c.Store.Append(current); err != nil {
			return res, fmt.Errorf("persist measurement: %w", err)
		}
		return res, nil
	}

	res.Outcome = Transmitted
	res.Receipt = receipt
	res.Sent = len(batch.Measurements)
	res.Dropped = batch.Total - len(batch.Measurements)
	if res.Dropped > 0 {
		logger.Warn("Dropped backlog beyond the batch window", "dropped", res.Dropped)
	}
	if unreadable {
		res.BacklogKept = true
		logger.Warn("Keeping unread backlog for a later cycle")
	} else if err := c.Store.Clear(); err != nil {
		// The batch is delivered; a stale backlog is only re-sent.
		logger.Error("Could not clear backlog", "error", err)
	}

	if !receipt.ServerTime.IsZero() {
		corrected := receipt.CorrectedTime()
		if err := c.Clock.Set(corrected); err != nil {
			logger.Error("Could not set clock", "error", err)
		} else {
			logger.Info("Clock set from collector", "time", corrected, "rtt", receipt.RTT)
		}
	}
	return res, nil
}

func (c *Cycle) transmit(ctx context.Context, logger *slog.Logger, batch Batch) (Receipt, error) {
	if err := c.Link.Up(ctx); err != nil {
		c.down(ctx, logger)
		return Receipt{}, fmt.Errorf("link up: %w", err)
	}
	receipt, err := c.Uploader.Upload(ctx, batch.Measurements)
	c.down(ctx, logger)
	return receipt, err
}

// down runs even when ctx is done, the modem must not stay powered.
func (c *Cycle) down(ctx context.Context, logger *slog.Logger) {
	if err := c.Link.Down(context.WithoutCancel(ctx)); err != nil {
		logger.Error("Could not power down link", "error", err)
	}
}
