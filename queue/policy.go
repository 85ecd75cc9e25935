package queue

import (
	"strings"
	"time"
)

// MaxBatch is the largest number of measurements sent in one request.
const MaxBatch = 30

// Thresholds configure when a wake cycle transmits.
type Thresholds struct {
	// MaxBatch triggers a transmit once this many measurements are queued,
	// the current one included.
	MaxBatch int
	// DistanceDelta triggers a transmit when the current distance differs
	// from the queued minimum or maximum by more than this.
	DistanceDelta uint32
	// ClockFloor is the earliest plausible wall clock time, typically the
	// build time. A clock before it was never set.
	ClockFloor time.Time
	// MaxDwell triggers a transmit once the oldest queued measurement is
	// this old.
	MaxDwell time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxBatch:      MaxBatch,
		DistanceDelta: 30,
		MaxDwell:      24 * time.Hour,
	}
}

// Batch is the current reading together with the recent backlog.
type Batch struct {
	// Measurements holds the backlog oldest first, then the current reading.
	Measurements []Measurement
	// Total counts the whole backlog plus the current reading, including
	// records that did not fit in Measurements.
	Total int
	// MinDistanceMM and MaxDistanceMM span every entry of Measurements.
	MinDistanceMM uint32
	MaxDistanceMM uint32
	// OldestTimeS is the time of the oldest stored measurement, including
	// ones beyond the batch window. Zero without a backlog.
	OldestTimeS uint64
}

// Backlog reports whether anything was stored before the current reading.
func (b Batch) Backlog() bool {
	return b.Total > 1
}

// Current returns the reading the batch was collected for.
func (b Batch) Current() Measurement {
	return b.Measurements[len(b.Measurements)-1]
}

// Collect builds the batch for current from the backlog, keeping at most
// limit-1 of the most recent stored measurements.
func Collect(current Measurement, stored []Measurement, limit int) Batch {
	keep := stored
	if n := limit - 1; n >= 0 && len(keep) > n {
		keep = keep[len(keep)-n:]
	}

	b := Batch{
		Measurements:  make([]Measurement, 0, len(keep)+1),
		Total:         len(stored) + 1,
		MinDistanceMM: current.DistanceMM,
		MaxDistanceMM: current.DistanceMM,
	}
	if len(stored) > 0 {
		b.OldestTimeS = stored[0].TimeS
	}
	for _, m := range keep {
		b.MinDistanceMM = min(b.MinDistanceMM, m.DistanceMM)
		b.MaxDistanceMM = max(b.MaxDistanceMM, m.DistanceMM)
		b.Measurements = append(b.Measurements, m)
	}
	b.Measurements = append(b.Measurements, current)
	return b
}

// Age is how long the oldest stored measurement has been waiting. Records
// taken before the clock was set count as very old.
func (b Batch) Age(now time.Time) time.Duration {
	if !b.Backlog() {
		return 0
	}
	return now.Sub(time.Unix(int64(b.OldestTimeS), 0))
}

// Reason is why a batch is transmitted.
type Reason int

const (
	ReasonBatchFull Reason = iota
	ReasonDistanceDelta
	ReasonClockUnset
	ReasonDwell
)

func (r Reason) String() string {
	switch r {
	case ReasonBatchFull:
		return "batch full"
	case ReasonDistanceDelta:
		return "distance changed"
	case ReasonClockUnset:
		return "clock unset"
	case ReasonDwell:
		return "max dwell"
	default:
		return "unknown"
	}
}

// Input is what Decide looks at.
type Input struct {
	Batch Batch
	Now   time.Time
}

type Decision struct {
	Transmit bool
	Reasons  []Reason
}

func (d Decision) String() string {
	if !d.Transmit {
		return "persist"
	}
	reasons := make([]string, len(d.Reasons))
	for i, r := range d.Reasons {
		reasons[i] = r.String()
	}
	return "transmit (" + strings.Join(reasons, ", ") + ")"
}

// Decide chooses between transmitting the batch now and persisting the
// current reading. Any single reason is enough to transmit.
func Decide(in Input, th Thresholds) Decision {
	var d Decision
	add := func(r Reason) {
		d.Transmit = true
		d.Reasons = append(d.Reasons, r)
	}

	if in.Batch.Total >= th.MaxBatch {
		add(ReasonBatchFull)
	}
	cur := in.Batch.Current().DistanceMM
	if max(absDiff(cur, in.Batch.MinDistanceMM), absDiff(cur, in.Batch.MaxDistanceMM)) > th.DistanceDelta {
		add(ReasonDistanceDelta)
	}
	if in.Now.Before(th.ClockFloor) {
		add(ReasonClockUnset)
	}
	if th.MaxDwell > 0 && in.Batch.Backlog() && in.Batch.Age(in.Now) > th.MaxDwell {
		add(ReasonDwell)
	}
	return d
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
