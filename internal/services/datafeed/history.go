package datafeed

import (
	"context"
	"sort"
	"sync"
	"time"

	"nyyu-chartfeed/internal/metrics"
	"nyyu-chartfeed/internal/models"

	"github.com/sirupsen/logrus"
)

const (
	DefaultPageLimit = 300

	// maxOverlapPages bounds how many fully overlapping pages one fetch skips
	maxOverlapPages = 3
)

// HistorySource fetches one page of historical bars (REST endpoint or ClickHouse archive)
type HistorySource interface {
	FetchBars(ctx context.Context, req models.HistoryRequest) (*models.HistoryResponse, error)
}

// CursorState persists pagination state per token and interval
type CursorState interface {
	Get(ctx context.Context, token string, interval models.Interval) (models.CursorEntry, bool, error)
	Set(ctx context.Context, token string, interval models.Interval, entry models.CursorEntry) error
	Delete(ctx context.Context, token string, interval models.Interval) error
}

// MemoryCursorState keeps cursor state in process
type MemoryCursorState struct {
	mu      sync.RWMutex
	entries map[string]models.CursorEntry
}

func NewMemoryCursorState() *MemoryCursorState {
	return &MemoryCursorState{entries: make(map[string]models.CursorEntry)}
}

func (m *MemoryCursorState) Get(_ context.Context, token string, interval models.Interval) (models.CursorEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[channelKey(token, interval)]
	metrics.RecordCacheAccess("memory", ok)
	return entry, ok, nil
}

func (m *MemoryCursorState) Set(_ context.Context, token string, interval models.Interval, entry models.CursorEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[channelKey(token, interval)] = entry
	return nil
}

func (m *MemoryCursorState) Delete(_ context.Context, token string, interval models.Interval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, channelKey(token, interval))
	return nil
}

// CursorStore pages through a history source, threading the cursor and
// remembering when a series is exhausted.
type CursorStore struct {
	source HistorySource
	state  CursorState
	limit  int
	logger *logrus.Logger
}

func NewCursorStore(source HistorySource, state CursorState, limit int, logger *logrus.Logger) *CursorStore {
	if state == nil {
		state = NewMemoryCursorState()
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	return &CursorStore{
		source: source,
		state:  state,
		limit:  limit,
		logger: logger,
	}
}

// GetPage returns the next page of token/interval history for the single chart
// this store pages for. firstRequest starts over from the newest bars. Callers
// sharing a store across clients use FetchPage and keep their own cursor.
func (s *CursorStore) GetPage(ctx context.Context, token string, interval models.Interval, firstRequest bool) (models.HistoryPage, error) {
	if firstRequest {
		s.Reset(ctx, token, interval)
	}

	entry, found := s.State(ctx, token, interval)
	if found && entry.NoMoreData {
		metrics.HistoryRequests.WithLabelValues("exhausted").Inc()
		return models.HistoryPage{NoMoreData: true, OldestTime: entry.OldestTime}, nil
	}

	page, err := s.FetchPage(ctx, token, interval, entry.Cursor, entry.OldestTime)
	if err != nil {
		return models.HistoryPage{}, err
	}

	next := models.CursorEntry{
		Cursor:     page.Cursor,
		NoMoreData: page.NoMoreData,
		OldestTime: page.OldestTime,
	}
	if err := s.state.Set(ctx, token, interval, next); err != nil {
		s.logger.WithError(err).Warn("Failed to store history cursor")
	}
	return page, nil
}

// FetchPage loads the page after cursor without reading or writing stored
// state. A nil cursor starts from the newest bars. Bars at or after oldestTime
// are dropped; zero keeps everything. Pages the filter empties are skipped
// while the source still has a cursor, up to maxOverlapPages.
func (s *CursorStore) FetchPage(ctx context.Context, token string, interval models.Interval, cursor *string, oldestTime int64) (models.HistoryPage, error) {
	page := models.HistoryPage{Cursor: cursor, OldestTime: oldestTime}

	for attempt := 0; attempt < maxOverlapPages; attempt++ {
		req := models.HistoryRequest{
			TokenAddress: token,
			Interval:     interval,
			Limit:        s.limit,
			Cursor:       page.Cursor,
		}

		start := time.Now()
		resp, err := s.source.FetchBars(ctx, req)
		metrics.TrackLatency(start, metrics.HistoryLatency)
		if err != nil {
			metrics.HistoryRequests.WithLabelValues("error").Inc()
			return models.HistoryPage{}, err
		}
		metrics.HistoryRequests.WithLabelValues("ok").Inc()

		bars := make([]models.Bar, 0, len(resp.Bars))
		for _, b := range resp.Bars {
			// Pages must not overlap the bars the caller already holds
			if oldestTime > 0 && b.Time >= oldestTime {
				continue
			}
			bars = append(bars, b)
		}
		sort.SliceStable(bars, func(i, j int) bool { return bars[i].Time < bars[j].Time })

		page.Bars = bars
		page.Cursor = resp.Cursor
		page.NoMoreData = resp.Cursor == nil || len(resp.Bars) == 0
		if len(bars) > 0 {
			page.OldestTime = bars[0].Time
		}
		if len(bars) > 0 || page.NoMoreData {
			break
		}
	}

	s.logger.WithFields(logrus.Fields{
		"token":        token,
		"interval":     interval,
		"bars":         len(page.Bars),
		"no_more_data": page.NoMoreData,
	}).Debug("History page loaded")

	return page, nil
}

// Reset forgets the cursor and exhaustion flag of token/interval
func (s *CursorStore) Reset(ctx context.Context, token string, interval models.Interval) {
	if err := s.state.Delete(ctx, token, interval); err != nil {
		s.logger.WithError(err).Warn("Failed to reset history cursor")
	}
}

// State returns the stored pagination state; backend errors read as no state
func (s *CursorStore) State(ctx context.Context, token string, interval models.Interval) (models.CursorEntry, bool) {
	entry, ok, err := s.state.Get(ctx, token, interval)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to read history cursor")
		return models.CursorEntry{}, false
	}
	return entry, ok
}
