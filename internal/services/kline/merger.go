package kline

import (
	"sort"

	"nyyu-chartfeed/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// EmissionKind tells the chart whether a bar was appended or the last bar was refreshed
type EmissionKind int

const (
	EmitNew EmissionKind = iota
	EmitUpdate
)

func (k EmissionKind) String() string {
	if k == EmitNew {
		return "new"
	}
	return "update"
}

// Emission is one bar handed to the realtime callback
type Emission struct {
	Bar     models.Bar
	Kind    EmissionKind
	Clamped bool
}

// RegressionPolicy handles a bucket older than the current bar.
// It returns the bucket to merge into, or false to drop the update.
type RegressionPolicy func(bucketStartMs, lastBarTime int64) (int64, bool)

// ClampRegression merges stale packets into the current bar
func ClampRegression(bucketStartMs, lastBarTime int64) (int64, bool) {
	return lastBarTime, true
}

// DropRegression discards stale packets
func DropRegression(bucketStartMs, lastBarTime int64) (int64, bool) {
	return 0, false
}

// Merger is the per-subscription bar state machine: NoData until the first
// update, then HasBar for the rest of the subscription's life.
//
// The current bucket keeps the payloads it was built from, keyed by the source
// bar time, so finer-interval updates aggregate upward and repeated updates of
// the same source bar replace each other instead of double counting.
type Merger struct {
	regression RegressionPolicy
	logger     *logrus.Entry

	last  *models.Bar
	parts map[int64]models.OHLCV
}

func NewMerger(regression RegressionPolicy, logger *logrus.Entry) *Merger {
	if regression == nil {
		regression = ClampRegression
	}
	return &Merger{
		regression: regression,
		logger:     logger,
	}
}

// HasBar reports whether the merger left the NoData state
func (m *Merger) HasBar() bool {
	return m.last != nil
}

// LastBar returns a copy of the current bar
func (m *Merger) LastBar() (models.Bar, bool) {
	if m.last == nil {
		return models.Bar{}, false
	}
	return *m.last, true
}

// Merge applies an aligned update. sourceTimeMs is the update's own bar start in its
// received interval; for same-interval updates it equals bucketStartMs.
func (m *Merger) Merge(bucketStartMs, sourceTimeMs int64, ohlcv models.OHLCV) (Emission, bool) {
	if m.last == nil {
		m.startBucket(bucketStartMs, sourceTimeMs, ohlcv)
		return Emission{Bar: *m.last, Kind: EmitNew}, true
	}

	clamped := false
	if bucketStartMs < m.last.Time {
		adjusted, ok := m.regression(bucketStartMs, m.last.Time)
		if !ok {
			m.logger.WithFields(logrus.Fields{
				"bucket":   bucketStartMs,
				"last_bar": m.last.Time,
			}).Debug("Dropped kline update older than current bar")
			return Emission{}, false
		}
		m.logger.WithFields(logrus.Fields{
			"bucket":   bucketStartMs,
			"last_bar": m.last.Time,
		}).Warn("⏪ Kline time regression, merging into current bar")
		bucketStartMs = adjusted
		sourceTimeMs = m.latestPart()
		clamped = true
	}

	if bucketStartMs > m.last.Time {
		m.startBucket(bucketStartMs, sourceTimeMs, ohlcv)
		return Emission{Bar: *m.last, Kind: EmitNew}, true
	}

	m.parts[sourceTimeMs] = ohlcv
	m.recompute()
	return Emission{Bar: *m.last, Kind: EmitUpdate, Clamped: clamped}, true
}

func (m *Merger) startBucket(bucketStartMs, sourceTimeMs int64, ohlcv models.OHLCV) {
	m.parts = map[int64]models.OHLCV{sourceTimeMs: ohlcv}
	m.last = &models.Bar{Time: bucketStartMs}
	m.recompute()
}

func (m *Merger) latestPart() int64 {
	var latest int64
	first := true
	for t := range m.parts {
		if first || t > latest {
			latest = t
			first = false
		}
	}
	return latest
}

// recompute rebuilds the current bar from its parts in source time order
func (m *Merger) recompute() {
	times := make([]int64, 0, len(m.parts))
	for t := range m.parts {
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	var (
		open, high, low, closePrice decimal.Decimal
		volume                      decimal.Decimal
	)
	for i, t := range times {
		p := m.parts[t]
		if i == 0 {
			open, high, low = p.O, p.H, p.L
		} else {
			if p.H.GreaterThan(high) {
				high = p.H
			}
			if p.L.LessThan(low) {
				low = p.L
			}
		}
		closePrice = p.C
		volume = volume.Add(p.V)
	}

	m.last.Open = open
	m.last.High = high
	m.last.Low = low
	m.last.Close = closePrice
	m.last.Volume = volume
}
