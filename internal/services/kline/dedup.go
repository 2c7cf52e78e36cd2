package kline

import (
	"fmt"
	"math/rand/v2"
	"time"

	"nyyu-chartfeed/internal/models"
)

const (
	DefaultDedupWindow      = 1000 * time.Millisecond
	DefaultDedupRetention   = 5000 * time.Millisecond
	DefaultSweepProbability = 0.05
)

// Deduplicator drops re-deliveries of the same kline update inside a short window.
// It is not safe for concurrent use; the owning subscription serializes access.
type Deduplicator struct {
	window           time.Duration
	retention        time.Duration
	sweepProbability float64

	seen   map[string]time.Time
	now    func() time.Time
	random func() float64
}

type DedupOption func(*Deduplicator)

func WithDedupWindow(window time.Duration) DedupOption {
	return func(d *Deduplicator) {
		if window > 0 {
			d.window = window
		}
	}
}

func WithDedupClock(now func() time.Time) DedupOption {
	return func(d *Deduplicator) { d.now = now }
}

// WithSweep sets the sweep probability and the random source used to roll it
func WithSweep(probability float64, random func() float64) DedupOption {
	return func(d *Deduplicator) {
		d.sweepProbability = probability
		if random != nil {
			d.random = random
		}
	}
}

func NewDeduplicator(opts ...DedupOption) *Deduplicator {
	d := &Deduplicator{
		window:           DefaultDedupWindow,
		retention:        DefaultDedupRetention,
		sweepProbability: DefaultSweepProbability,
		seen:             make(map[string]time.Time),
		now:              time.Now,
		random:           rand.Float64,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.retention < d.window {
		d.retention = d.window
	}
	return d
}

// DedupKey is the identity of a logical update
func DedupKey(u models.IncomingUpdate) string {
	return fmt.Sprintf("%d|%s|%s|%d", u.Timestamp, u.TokenAddress, u.Interval, u.OHLCV.T)
}

// ShouldProcess returns false when the same update was seen within the window
func (d *Deduplicator) ShouldProcess(u models.IncomingUpdate) bool {
	now := d.now()
	key := DedupKey(u)

	if d.random() < d.sweepProbability {
		d.sweep(now)
	}

	if seenAt, ok := d.seen[key]; ok && now.Sub(seenAt) < d.window {
		return false
	}

	d.seen[key] = now
	return true
}

// sweep drops keys older than the retention period
func (d *Deduplicator) sweep(now time.Time) {
	for key, seenAt := range d.seen {
		if now.Sub(seenAt) > d.retention {
			delete(d.seen, key)
		}
	}
}

func (d *Deduplicator) Len() int {
	return len(d.seen)
}

func (d *Deduplicator) Reset() {
	d.seen = make(map[string]time.Time)
}
