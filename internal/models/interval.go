package models

import (
	"fmt"
	"time"
)

// Interval is the wire name of a bar bucket duration (e.g. "1m", "4h")
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

var intervalDurations = map[Interval]time.Duration{
	Interval1m:  1 * time.Minute,
	Interval3m:  3 * time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval30m: 30 * time.Minute,
	Interval1h:  1 * time.Hour,
	Interval4h:  4 * time.Hour,
	Interval1d:  24 * time.Hour,
}

// ValidIntervals returns the wire intervals the feed serves, shortest first
func ValidIntervals() []Interval {
	return []Interval{
		Interval1m, Interval3m, Interval5m, Interval15m, Interval30m,
		Interval1h, Interval4h, Interval1d,
	}
}

// ParseInterval validates a wire interval name
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if _, ok := intervalDurations[iv]; !ok {
		return "", fmt.Errorf("unknown interval %q", s)
	}
	return iv, nil
}

// Duration returns the bucket length, zero for unknown intervals
func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

// Millis returns the bucket length in milliseconds
func (i Interval) Millis() int64 {
	return i.Duration().Milliseconds()
}

// Minutes returns the bucket length in whole minutes
func (i Interval) Minutes() int64 {
	return int64(i.Duration() / time.Minute)
}

func (i Interval) Valid() bool {
	_, ok := intervalDurations[i]
	return ok
}

func (i Interval) String() string {
	return string(i)
}
