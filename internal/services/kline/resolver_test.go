package kline

import (
	"testing"

	"nyyu-chartfeed/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToWireInterval(t *testing.T) {
	r := NewResolver()

	cases := map[string]models.Interval{
		"1":   models.Interval1m,
		"3":   models.Interval3m,
		"15":  models.Interval15m,
		"60":  models.Interval1h,
		"240": models.Interval4h,
		"1D":  models.Interval1d,
		"D":   models.Interval1d,
		"5m":  models.Interval5m,
	}
	for res, want := range cases {
		got, err := r.ToWireInterval(res)
		require.NoError(t, err, res)
		assert.Equal(t, want, got, res)
	}

	for _, res := range SupportedResolutions() {
		_, err := r.ToWireInterval(res)
		assert.NoError(t, err, res)
	}
}

func TestToWireIntervalUnsupported(t *testing.T) {
	r := NewResolver()

	for _, res := range []string{"", "2", "1W", "abc"} {
		_, err := r.ToWireInterval(res)
		assert.ErrorIs(t, err, ErrUnsupportedResolution, res)
	}
}

func TestIsUsableDefaults(t *testing.T) {
	r := NewResolver()

	assert.True(t, r.IsUsable(models.Interval1m, models.Interval1m))
	assert.True(t, r.IsUsable(models.Interval1m, models.Interval5m), "finer exact multiple")
	assert.True(t, r.IsUsable(models.Interval3m, models.Interval1h), "finer multiple")
	assert.False(t, r.IsUsable(models.Interval15m, models.Interval1m), "coarser never reaches a finer chart")
	assert.False(t, r.IsUsable(models.Interval("2m"), models.Interval1m), "unknown interval")
}

func TestIsUsablePolicies(t *testing.T) {
	r := &Resolver{Finer: StrictFiner, Coarser: DivisorCoarser}

	assert.True(t, r.IsUsable(models.Interval15m, models.Interval5m))
	assert.True(t, r.IsUsable(models.Interval1h, models.Interval15m))
	assert.True(t, r.IsUsable(models.Interval4h, models.Interval1h))

	// 3m does not divide 5m, so the strict policy rejects it where the permissive one accepts
	assert.False(t, r.IsUsable(models.Interval3m, models.Interval5m))
	assert.True(t, NewResolver().IsUsable(models.Interval3m, models.Interval5m))

	// 5m is not a multiple of 3m
	assert.False(t, r.IsUsable(models.Interval5m, models.Interval3m))
}

func TestNewResolverRejectsDivisibleCoarser(t *testing.T) {
	r := NewResolver()
	assert.False(t, r.IsUsable(models.Interval15m, models.Interval5m), "default rejects even an exact divisor")

	r.Coarser = DivisorCoarser
	assert.True(t, r.IsUsable(models.Interval15m, models.Interval5m))
}

func TestPolicyByName(t *testing.T) {
	r := &Resolver{}

	r.Finer, _ = FinerPolicyByName("strict")
	r.Coarser, _ = CoarserPolicyByName("Divisor")
	assert.True(t, r.IsUsable(models.Interval1m, models.Interval1h))
	assert.True(t, r.IsUsable(models.Interval1h, models.Interval15m))
	assert.False(t, r.IsUsable(models.Interval3m, models.Interval5m))

	r.Coarser, _ = CoarserPolicyByName("")
	assert.False(t, r.IsUsable(models.Interval1h, models.Interval15m))

	bucket, ok := mustRegression(t, "drop")(60_000, 120_000)
	assert.False(t, ok)
	assert.Zero(t, bucket)

	_, err := FinerPolicyByName("loose")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
	_, err = RegressionPolicyByName("rewind")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func mustRegression(t *testing.T, name string) RegressionPolicy {
	t.Helper()
	p, err := RegressionPolicyByName(name)
	require.NoError(t, err)
	return p
}
