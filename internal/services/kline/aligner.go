package kline

import (
	"errors"
	"fmt"
	"time"

	"nyyu-chartfeed/internal/models"
)

var ErrUnsupportedInterval = errors.New("unsupported interval")

// msThreshold separates second and millisecond epoch values (year 2001 in ms)
const msThreshold = 1_000_000_000_000

// Align snaps a raw event timestamp (seconds) to the start of its interval bucket, in milliseconds.
func Align(rawSeconds int64, interval models.Interval) (int64, error) {
	ms := interval.Millis()
	if ms <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedInterval, interval)
	}

	if wallClockAligned(interval) {
		t := time.Unix(rawSeconds, 0).UTC()
		step := int(interval.Minutes())
		minute := (t.Minute() / step) * step
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), minute, 0, 0, time.UTC).UnixMilli(), nil
	}

	return floorDiv(rawSeconds*1000, ms) * ms, nil
}

// wallClockAligned reports intervals whose buckets come from the UTC minute field
// instead of epoch division.
func wallClockAligned(interval models.Interval) bool {
	m := interval.Minutes()
	if m <= 0 || m >= 60 {
		return false
	}
	return interval == models.Interval3m || 60%m != 0
}

// ToSeconds normalizes a feed timestamp that may be in seconds or milliseconds
func ToSeconds(ts int64) int64 {
	if ts >= msThreshold || ts <= -msThreshold {
		return ts / 1000
	}
	return ts
}

// RawSeconds picks the timestamp an update is bucketed by: the kline's own
// open time when present, otherwise the push timestamp.
func RawSeconds(u models.IncomingUpdate) int64 {
	if u.OHLCV.T > 0 {
		return ToSeconds(u.OHLCV.T)
	}
	return ToSeconds(u.Timestamp)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
