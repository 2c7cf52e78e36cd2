package kline

import (
	"errors"
	"fmt"
	"strings"

	"nyyu-chartfeed/internal/models"
)

var ErrUnsupportedResolution = errors.New("unsupported resolution")

// resolutionIntervals maps chart resolutions to wire intervals
var resolutionIntervals = map[string]models.Interval{
	"1":   models.Interval1m,
	"3":   models.Interval3m,
	"5":   models.Interval5m,
	"15":  models.Interval15m,
	"30":  models.Interval30m,
	"60":  models.Interval1h,
	"240": models.Interval4h,
	"1D":  models.Interval1d,
	"D":   models.Interval1d,
}

// IntervalPolicy decides whether updates for a received interval may feed bars of the active interval.
type IntervalPolicy func(received, active models.Interval) bool

// PermissiveFiner accepts any finer interval. Bucket boundaries are left to Align.
func PermissiveFiner(received, active models.Interval) bool {
	return true
}

// StrictFiner accepts a finer interval only when the active interval is an exact multiple of it.
func StrictFiner(received, active models.Interval) bool {
	return active.Millis()%received.Millis() == 0
}

// RejectCoarser never feeds a finer chart from coarser bars.
func RejectCoarser(received, active models.Interval) bool {
	return false
}

// DivisorCoarser accepts a coarser interval when the active interval evenly divides it.
func DivisorCoarser(received, active models.Interval) bool {
	return received.Millis()%active.Millis() == 0
}

// Resolver maps chart resolutions to wire intervals and filters received intervals
type Resolver struct {
	Finer   IntervalPolicy
	Coarser IntervalPolicy
}

// NewResolver rejects every coarser interval by default, stricter than the
// divisor rule; set Coarser to DivisorCoarser to accept evenly divisible ones.
func NewResolver() *Resolver {
	return &Resolver{
		Finer:   PermissiveFiner,
		Coarser: RejectCoarser,
	}
}

// ToWireInterval resolves a chart resolution ("15", "60", "1D") or a wire name ("15m") to a supported interval
func (r *Resolver) ToWireInterval(resolution string) (models.Interval, error) {
	res := strings.TrimSpace(resolution)
	if iv, ok := resolutionIntervals[res]; ok {
		return iv, nil
	}
	if iv, err := models.ParseInterval(res); err == nil {
		return iv, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedResolution, resolution)
}

// IsUsable reports whether an update for received may be merged into a bar of active
func (r *Resolver) IsUsable(received, active models.Interval) bool {
	if !received.Valid() || !active.Valid() {
		return false
	}
	if received == active {
		return true
	}

	rm, am := received.Millis(), active.Millis()
	switch {
	case rm < am:
		if am%rm == 0 {
			return true
		}
		return r.Finer != nil && r.Finer(received, active)
	case rm > am:
		return r.Coarser != nil && r.Coarser(received, active)
	}
	return false
}

// SupportedResolutions lists the chart resolutions accepted by ToWireInterval
func SupportedResolutions() []string {
	return []string{"1", "3", "5", "15", "30", "60", "240", "1D"}
}

var ErrUnknownPolicy = errors.New("unknown policy")

// FinerPolicyByName maps "permissive" or "strict" to a finer-interval policy
func FinerPolicyByName(name string) (IntervalPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "permissive":
		return PermissiveFiner, nil
	case "strict":
		return StrictFiner, nil
	}
	return nil, fmt.Errorf("%w: finer %q", ErrUnknownPolicy, name)
}

// CoarserPolicyByName maps "reject" or "divisor" to a coarser-interval policy
func CoarserPolicyByName(name string) (IntervalPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "reject":
		return RejectCoarser, nil
	case "divisor":
		return DivisorCoarser, nil
	}
	return nil, fmt.Errorf("%w: coarser %q", ErrUnknownPolicy, name)
}

// RegressionPolicyByName maps "clamp" or "drop" to a regression policy
func RegressionPolicyByName(name string) (RegressionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "clamp":
		return ClampRegression, nil
	case "drop":
		return DropRegression, nil
	}
	return nil, fmt.Errorf("%w: regression %q", ErrUnknownPolicy, name)
}
