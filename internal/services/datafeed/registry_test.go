package datafeed

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"nyyu-chartfeed/internal/gateway"
	"nyyu-chartfeed/internal/models"
	"nyyu-chartfeed/internal/services/kline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, gw *fakeGateway, clock *fakeClock) *Registry {
	t.Helper()
	r := NewRegistry(context.Background(), gw, Options{
		LivenessInterval: time.Hour,
		Now:              clock.Now,
		Random:           func() float64 { return 1 },
	}, quietLogger())
	t.Cleanup(r.Dispose)
	return r
}

func TestRegistryScenario(t *testing.T) {
	gw := newFakeGateway()
	clock := newFakeClock()
	r := newTestRegistry(t, gw, clock)

	rec := &barRecorder{}
	require.NoError(t, r.Subscribe("chart-1", "0xAB", "1", rec.onRealtime, rec.onReset))
	assert.Equal(t, 1, gw.connects)

	u1 := update("0xAB", models.Interval1m, 1000, "2", "5")
	gw.push(t, u1)

	clock.Advance(500 * time.Millisecond)
	gw.push(t, u1)

	gw.push(t, update("0xAB", models.Interval1m, 1019, "3", "7"))
	gw.push(t, update("0xAB", models.Interval1m, 1020, "4", "1"))

	bars := rec.snapshot()
	require.Len(t, bars, 3)
	assert.Equal(t, int64(960_000), bars[0].Time)
	assert.Equal(t, int64(960_000), bars[1].Time, "same bucket updates the current bar")
	assert.True(t, bars[1].Close.Equal(dec("3")))
	assert.Equal(t, bars[1].Time+60_000, bars[2].Time)

	sub, ok := r.Subscription("chart-1")
	require.True(t, ok)
	require.NotNil(t, sub.LastBar)
	assert.Equal(t, int64(1_020_000), sub.LastBar.Time)
}

func TestRegistryDedupWindow(t *testing.T) {
	gw := newFakeGateway()
	clock := newFakeClock()
	r := newTestRegistry(t, gw, clock)

	rec := &barRecorder{}
	require.NoError(t, r.Subscribe("chart-1", "0xAB", "1", rec.onRealtime, nil))

	u := update("0xAB", models.Interval1m, 1_700_000_000, "2", "5")
	gw.push(t, u)
	clock.Advance(1500 * time.Millisecond)
	gw.push(t, u)

	assert.Len(t, rec.snapshot(), 2)
}

func TestRegistryRefCountsWireChannels(t *testing.T) {
	gw := newFakeGateway()
	r := newTestRegistry(t, gw, newFakeClock())

	baseline := gw.listenerCount(gateway.EventKlineUpdate)
	a, b := &barRecorder{}, &barRecorder{}

	require.NoError(t, r.Subscribe("chart-a", "0xAB", "1", a.onRealtime, nil))
	require.NoError(t, r.Subscribe("chart-b", "0xab", "1m", b.onRealtime, nil))

	assert.Equal(t, 1, gw.subscribeCount(), "shared channel subscribes once")
	assert.Equal(t, 2, r.ChannelRefCount("0xab", models.Interval1m))
	assert.Equal(t, baseline+2, gw.listenerCount(gateway.EventKlineUpdate))

	gw.push(t, update("0xAB", models.Interval1m, 1_700_000_000, "2", "5"))
	assert.Len(t, a.snapshot(), 1, "each listener gets one delivery")
	assert.Len(t, b.snapshot(), 1)

	r.Unsubscribe("chart-a")
	assert.Zero(t, gw.unsubscribeCount(), "channel stays open while shared")
	assert.Equal(t, 1, r.ChannelRefCount("0xAB", models.Interval1m))

	r.Unsubscribe("chart-b")
	r.Unsubscribe("chart-b")
	assert.Equal(t, 1, gw.unsubscribeCount())
	assert.Zero(t, r.ChannelRefCount("0xAB", models.Interval1m))
	assert.Equal(t, baseline, gw.listenerCount(gateway.EventKlineUpdate))

	gw.push(t, update("0xAB", models.Interval1m, 1_700_000_060, "2", "5"))
	assert.Len(t, a.snapshot(), 1, "no delivery after unsubscribe")
}

func TestRegistryUnsubscribeWaitsForDelivery(t *testing.T) {
	gw := newFakeGateway()
	r := newTestRegistry(t, gw, newFakeClock())

	entered := make(chan struct{})
	release := make(chan struct{})
	var delivered atomic.Int32
	onBar := func(models.Bar) {
		if delivered.Add(1) == 1 {
			close(entered)
			<-release
		}
	}
	require.NoError(t, r.Subscribe("chart-1", "0xAB", "1", onBar, nil))

	pushed := make(chan struct{})
	go func() {
		defer close(pushed)
		gw.push(t, update("0xAB", models.Interval1m, 1_700_000_000, "2", "5"))
	}()
	receive(t, entered)

	unsubscribed := make(chan struct{})
	go func() {
		defer close(unsubscribed)
		r.Unsubscribe("chart-1")
	}()

	select {
	case <-unsubscribed:
		t.Fatal("Unsubscribe returned while a bar was being delivered")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	receive(t, unsubscribed)
	receive(t, pushed)

	gw.push(t, update("0xAB", models.Interval1m, 1_700_000_060, "3", "5"))
	assert.EqualValues(t, 1, delivered.Load(), "no delivery after Unsubscribe returns")
}

func TestRegistryResubscribeReplacesListener(t *testing.T) {
	gw := newFakeGateway()
	r := newTestRegistry(t, gw, newFakeClock())
	rec := &barRecorder{}

	require.NoError(t, r.Subscribe("chart-1", "0xAB", "1", rec.onRealtime, nil))
	require.NoError(t, r.Subscribe("chart-1", "0xAB", "5", rec.onRealtime, nil))

	assert.Equal(t, 1, r.SubscriptionCount())
	assert.Equal(t, 1, gw.listenerCount(gateway.EventKlineUpdate))
	assert.Zero(t, r.ChannelRefCount("0xAB", models.Interval1m))
	assert.Equal(t, 1, r.ChannelRefCount("0xAB", models.Interval5m))
	assert.Equal(t, 1, gw.unsubscribeCount())
}

func TestRegistryRejectsUnsupportedResolution(t *testing.T) {
	gw := newFakeGateway()
	r := newTestRegistry(t, gw, newFakeClock())

	err := r.Subscribe("chart-1", "0xAB", "7", nil, nil)
	assert.ErrorIs(t, err, kline.ErrUnsupportedResolution)
	assert.Zero(t, r.SubscriptionCount())
	assert.Zero(t, gw.connects)
	assert.Zero(t, gw.subscribeCount())

	assert.ErrorIs(t, r.Subscribe("chart-1", "", "1", nil, nil), ErrMissingToken)
}

func TestRegistryFiltersIntervalsAndTokens(t *testing.T) {
	gw := newFakeGateway()
	r := newTestRegistry(t, gw, newFakeClock())
	rec := &barRecorder{}
	require.NoError(t, r.Subscribe("chart-1", "0xAB", "1", rec.onRealtime, nil))

	gw.push(t, update("0xAB", models.Interval15m, 1_700_000_100, "2", "5"))
	gw.push(t, update("0xCD", models.Interval1m, 1_700_000_100, "2", "5"))
	gw.push(t, update("0xAB", "7m", 1_700_000_100, "2", "5"))
	assert.Empty(t, rec.snapshot())

	gw.push(t, update("0xAB", models.Interval1m, 1_700_000_100, "2", "5"))
	assert.Len(t, rec.snapshot(), 1)
}

func TestRegistryAggregatesFinerIntervals(t *testing.T) {
	gw := newFakeGateway()
	r := newTestRegistry(t, gw, newFakeClock())
	rec := &barRecorder{}
	require.NoError(t, r.Subscribe("chart-1", "0xAB", "5", rec.onRealtime, nil))

	gw.push(t, update("0xAB", models.Interval1m, 1_700_000_100, "2", "1"))
	gw.push(t, update("0xAB", models.Interval1m, 1_700_000_160, "3", "2"))

	bars := rec.snapshot()
	require.Len(t, bars, 2)
	assert.Equal(t, int64(1_700_000_100_000), bars[1].Time)
	assert.True(t, bars[1].Volume.Equal(dec("3")))
	assert.True(t, bars[1].Close.Equal(dec("3")))
	assert.True(t, bars[1].High.Equal(dec("3")))
}

func TestRegistryKeepsTimeMonotonic(t *testing.T) {
	gw := newFakeGateway()
	clock := newFakeClock()
	r := newTestRegistry(t, gw, clock)
	rec := &barRecorder{}
	require.NoError(t, r.Subscribe("chart-1", "0xAB", "1", rec.onRealtime, nil))

	for _, ts := range []int64{1_699_999_800, 1_699_999_860, 1_699_999_740, 1_699_999_920, 1_699_999_500} {
		gw.push(t, update("0xAB", models.Interval1m, ts, "2", "1"))
	}

	bars := rec.snapshot()
	require.Len(t, bars, 5)
	for i := 1; i < len(bars); i++ {
		assert.GreaterOrEqual(t, bars[i].Time, bars[i-1].Time)
	}
	assert.Equal(t, int64(1_699_999_920_000), bars[len(bars)-1].Time)
}

func TestRegistryClampsFutureTimestamps(t *testing.T) {
	gw := newFakeGateway()
	clock := newFakeClock()
	r := newTestRegistry(t, gw, clock)
	rec := &barRecorder{}
	require.NoError(t, r.Subscribe("chart-1", "0xAB", "1", rec.onRealtime, nil))

	gw.push(t, update("0xAB", models.Interval1m, clock.Now().Add(time.Hour).Unix(), "2", "1"))

	bars := rec.snapshot()
	require.Len(t, bars, 1)
	assert.Equal(t, int64(1_699_999_980_000), bars[0].Time)
}

func TestRegistryResyncsAfterReconnect(t *testing.T) {
	gw := newFakeGateway()
	r := newTestRegistry(t, gw, newFakeClock())
	a, b := &barRecorder{}, &barRecorder{}

	require.NoError(t, r.Subscribe("chart-a", "0xAB", "1", a.onRealtime, a.onReset))
	gw.emit(gateway.EventReady, nil)
	assert.Equal(t, 1, gw.subscribeCount(), "first ready does not resync")
	assert.Zero(t, a.resetCount())

	gw.emit(gateway.EventDisconnected, nil)
	require.NoError(t, r.Subscribe("chart-b", "0xCD", "5", b.onRealtime, b.onReset))
	assert.Equal(t, 1, gw.subscribeCount(), "wire subscribe waits for the resync")

	gw.emit(gateway.EventReady, nil)
	assert.Equal(t, 3, gw.subscribeCount())
	assert.Equal(t, 1, a.resetCount())
	assert.Equal(t, 1, b.resetCount())

	gw.emit(gateway.EventReady, nil)
	assert.Equal(t, 3, gw.subscribeCount())
}

func TestRegistryLiveness(t *testing.T) {
	gw := newFakeGateway()
	clock := newFakeClock()
	r := newTestRegistry(t, gw, clock)
	require.NoError(t, r.Subscribe("chart-1", "0xAB", "1", nil, nil))

	assert.Zero(t, r.CheckLiveness())
	clock.Advance(3 * time.Minute)
	assert.Equal(t, 1, r.CheckLiveness())

	gw.push(t, update("0xAB", models.Interval1m, clock.Now().Unix(), "2", "1"))
	assert.Zero(t, r.CheckLiveness())
}

func TestRegistryDisposeRestoresListenerBaseline(t *testing.T) {
	gw := newFakeGateway()
	r := NewRegistry(context.Background(), gw, Options{}, quietLogger())
	assert.Equal(t, 1, gw.listenerCount(gateway.EventReady))
	assert.Equal(t, 1, gw.listenerCount(gateway.EventDisconnected))

	require.NoError(t, r.Subscribe("chart-1", "0xAB", "1", nil, nil))
	require.NoError(t, r.Subscribe("chart-2", "0xAB", "15", nil, nil))

	r.Dispose()
	assert.Zero(t, gw.listenerCount(gateway.EventKlineUpdate))
	assert.Zero(t, gw.listenerCount(gateway.EventReady))
	assert.Zero(t, gw.listenerCount(gateway.EventDisconnected))
	assert.Equal(t, 2, gw.unsubscribeCount())
	assert.ErrorIs(t, r.Subscribe("chart-3", "0xAB", "1", nil, nil), ErrDisposed)
}
