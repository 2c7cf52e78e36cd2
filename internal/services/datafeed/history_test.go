package datafeed

import (
	"context"
	"errors"
	"testing"

	"nyyu-chartfeed/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorStoreThreadsCursorWithoutOverlap(t *testing.T) {
	source := &fakeSource{pages: map[string]*models.HistoryResponse{
		"":   {Bars: []models.Bar{bar(300_000), bar(180_000), bar(240_000)}, Cursor: strPtr("c1")},
		"c1": {Bars: []models.Bar{bar(180_000), bar(60_000), bar(120_000)}, Cursor: strPtr("c2")},
	}}
	store := NewCursorStore(source, nil, 3, quietLogger())
	ctx := context.Background()

	first, err := store.GetPage(ctx, "0xAB", models.Interval1m, true)
	require.NoError(t, err)
	assert.Equal(t, []int64{180_000, 240_000, 300_000}, barTimes(first.Bars))
	assert.False(t, first.NoMoreData)

	second, err := store.GetPage(ctx, "0xAB", models.Interval1m, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{60_000, 120_000}, barTimes(second.Bars))
	assert.Less(t, second.Bars[len(second.Bars)-1].Time, first.Bars[0].Time)

	require.Len(t, source.requests, 2)
	assert.Nil(t, source.requests[0].Cursor)
	require.NotNil(t, source.requests[1].Cursor)
	assert.Equal(t, "c1", *source.requests[1].Cursor)
	assert.Equal(t, 3, source.requests[1].Limit)

	state, ok := store.State(ctx, "0xab", models.Interval1m)
	require.True(t, ok)
	assert.Equal(t, int64(60_000), state.OldestTime)
}

func TestCursorStoreCachesNoMoreData(t *testing.T) {
	source := &fakeSource{pages: map[string]*models.HistoryResponse{
		"": {Bars: []models.Bar{bar(60_000)}},
	}}
	store := NewCursorStore(source, NewMemoryCursorState(), 0, quietLogger())
	ctx := context.Background()

	page, err := store.GetPage(ctx, "0xAB", models.Interval1m, true)
	require.NoError(t, err)
	assert.Len(t, page.Bars, 1)
	assert.True(t, page.NoMoreData)

	page, err = store.GetPage(ctx, "0xAB", models.Interval1m, false)
	require.NoError(t, err)
	assert.Empty(t, page.Bars)
	assert.True(t, page.NoMoreData)
	assert.Equal(t, 1, source.requestCount(), "exhausted series is not fetched again")

	_, err = store.GetPage(ctx, "0xAB", models.Interval1m, true)
	require.NoError(t, err)
	assert.Equal(t, 2, source.requestCount(), "first request starts over")

	store.Reset(ctx, "0xAB", models.Interval1m)
	_, ok := store.State(ctx, "0xAB", models.Interval1m)
	assert.False(t, ok)
}

func TestCursorStoreSurfacesSourceErrors(t *testing.T) {
	boom := errors.New("history endpoint unavailable")
	source := &fakeSource{err: boom}
	store := NewCursorStore(source, nil, 0, quietLogger())

	_, err := store.GetPage(context.Background(), "0xAB", models.Interval1m, true)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, source.requestCount(), "no automatic retry")

	_, ok := store.State(context.Background(), "0xAB", models.Interval1m)
	assert.False(t, ok)
}

func TestCursorStateIsPerInterval(t *testing.T) {
	source := &fakeSource{pages: map[string]*models.HistoryResponse{
		"": {Bars: []models.Bar{bar(300_000)}},
	}}
	store := NewCursorStore(source, nil, 0, quietLogger())
	ctx := context.Background()

	_, err := store.GetPage(ctx, "0xAB", models.Interval1m, true)
	require.NoError(t, err)

	page, err := store.GetPage(ctx, "0xAB", models.Interval5m, false)
	require.NoError(t, err)
	assert.Len(t, page.Bars, 1, "another interval has its own cursor")
}

func TestFetchPageInterleavedCallersKeepOwnCursor(t *testing.T) {
	source := &fakeSource{pages: map[string]*models.HistoryResponse{
		"":   {Bars: []models.Bar{bar(300_000), bar(240_000)}, Cursor: strPtr("c1")},
		"c1": {Bars: []models.Bar{bar(180_000), bar(120_000)}, Cursor: strPtr("c2")},
		"c2": {Bars: []models.Bar{bar(60_000)}},
	}}
	store := NewCursorStore(source, nil, 2, quietLogger())
	ctx := context.Background()

	a1, err := store.FetchPage(ctx, "0xAB", models.Interval1m, nil, 0)
	require.NoError(t, err)
	b1, err := store.FetchPage(ctx, "0xAB", models.Interval1m, nil, 0)
	require.NoError(t, err)
	a2, err := store.FetchPage(ctx, "0xAB", models.Interval1m, a1.Cursor, a1.OldestTime)
	require.NoError(t, err)
	b2, err := store.FetchPage(ctx, "0xAB", models.Interval1m, b1.Cursor, b1.OldestTime)
	require.NoError(t, err)
	a3, err := store.FetchPage(ctx, "0xAB", models.Interval1m, a2.Cursor, a2.OldestTime)
	require.NoError(t, err)

	assert.Equal(t, []int64{240_000, 300_000}, barTimes(a1.Bars))
	assert.Equal(t, []int64{240_000, 300_000}, barTimes(b1.Bars))
	assert.Equal(t, []int64{120_000, 180_000}, barTimes(a2.Bars))
	assert.Equal(t, []int64{120_000, 180_000}, barTimes(b2.Bars), "second caller does not skip a page")
	assert.Equal(t, []int64{60_000}, barTimes(a3.Bars))
	assert.True(t, a3.NoMoreData)
	assert.Equal(t, int64(60_000), a3.OldestTime)
}

func TestFetchPageLeavesStoredStateAlone(t *testing.T) {
	source := &fakeSource{pages: map[string]*models.HistoryResponse{
		"":   {Bars: []models.Bar{bar(300_000), bar(240_000)}, Cursor: strPtr("c1")},
		"c1": {Bars: []models.Bar{bar(180_000)}, Cursor: strPtr("c2")},
	}}
	store := NewCursorStore(source, nil, 2, quietLogger())
	ctx := context.Background()

	_, err := store.GetPage(ctx, "0xAB", models.Interval1m, true)
	require.NoError(t, err)

	_, err = store.FetchPage(ctx, "0xAB", models.Interval1m, nil, 0)
	require.NoError(t, err)

	state, ok := store.State(ctx, "0xAB", models.Interval1m)
	require.True(t, ok)
	require.NotNil(t, state.Cursor)
	assert.Equal(t, "c1", *state.Cursor)
	assert.Equal(t, int64(240_000), state.OldestTime)

	page, err := store.GetPage(ctx, "0xAB", models.Interval1m, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{180_000}, barTimes(page.Bars))
}

func TestFetchPageSkipsFullyOverlappingPages(t *testing.T) {
	source := &fakeSource{pages: map[string]*models.HistoryResponse{
		"c1": {Bars: []models.Bar{bar(240_000)}, Cursor: strPtr("c2")},
		"c2": {Bars: []models.Bar{bar(120_000), bar(180_000)}, Cursor: strPtr("c3")},
	}}
	store := NewCursorStore(source, nil, 2, quietLogger())

	page, err := store.FetchPage(context.Background(), "0xAB", models.Interval1m, strPtr("c1"), 240_000)
	require.NoError(t, err)
	assert.Equal(t, []int64{120_000, 180_000}, barTimes(page.Bars))
	require.NotNil(t, page.Cursor)
	assert.Equal(t, "c3", *page.Cursor)
	assert.Equal(t, 2, source.requestCount())
}

func barTimes(bars []models.Bar) []int64 {
	times := make([]int64, len(bars))
	for i, b := range bars {
		times[i] = b.Time
	}
	return times
}
