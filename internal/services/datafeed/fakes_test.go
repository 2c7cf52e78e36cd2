package datafeed

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"nyyu-chartfeed/internal/gateway"
	"nyyu-chartfeed/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type wireCall struct {
	token    string
	interval models.Interval
}

// fakeGateway records wire calls and lets tests push events synchronously
type fakeGateway struct {
	mu           sync.Mutex
	connects     int
	subscribes   []wireCall
	unsubscribes []wireCall
	handlers     map[gateway.Event]map[gateway.ListenerID]gateway.Handler
	nextID       gateway.ListenerID
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{handlers: make(map[gateway.Event]map[gateway.ListenerID]gateway.Handler)}
}

func (f *fakeGateway) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeGateway) IsConnected() bool { return true }
func (f *fakeGateway) IsReadyForSubscriptions() bool { return true }

func (f *fakeGateway) Subscribe(token string, intervals []models.Interval) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, iv := range intervals {
		f.subscribes = append(f.subscribes, wireCall{token, iv})
	}
	return nil
}

func (f *fakeGateway) Unsubscribe(token string, intervals []models.Interval) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, iv := range intervals {
		f.unsubscribes = append(f.unsubscribes, wireCall{token, iv})
	}
	return nil
}

func (f *fakeGateway) On(event gateway.Event, h gateway.Handler) gateway.ListenerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[gateway.ListenerID]gateway.Handler)
	}
	f.handlers[event][f.nextID] = h
	return f.nextID
}

func (f *fakeGateway) Off(event gateway.Event, id gateway.ListenerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers[event], id)
}

func (f *fakeGateway) listenerCount(event gateway.Event) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[event])
}

func (f *fakeGateway) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribes)
}

func (f *fakeGateway) unsubscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unsubscribes)
}

func (f *fakeGateway) emit(event gateway.Event, data json.RawMessage) {
	f.mu.Lock()
	ids := make([]gateway.ListenerID, 0, len(f.handlers[event]))
	for id := range f.handlers[event] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]gateway.Handler, len(ids))
	for i, id := range ids {
		hs[i] = f.handlers[event][id]
	}
	f.mu.Unlock()

	for _, h := range hs {
		h(data)
	}
}

// push delivers a kline_update exactly as the gateway would
func (f *fakeGateway) push(t *testing.T, u models.IncomingUpdate) {
	t.Helper()
	frame, err := gateway.EncodeKlineUpdate(u)
	require.NoError(t, err)

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame, &env))
	f.emit(gateway.EventKlineUpdate, env.Data)
}

// fakeClock is advanced by hand
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeSource serves canned pages keyed by cursor ("" for the first page)
type fakeSource struct {
	mu       sync.Mutex
	pages    map[string]*models.HistoryResponse
	err      error
	requests []models.HistoryRequest
}

func (s *fakeSource) FetchBars(_ context.Context, req models.HistoryRequest) (*models.HistoryResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	key := ""
	if req.Cursor != nil {
		key = *req.Cursor
	}
	page, ok := s.pages[key]
	if !ok {
		return &models.HistoryResponse{}, nil
	}
	return page, nil
}

func (s *fakeSource) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func strPtr(s string) *string {
	return &s
}

func bar(timeMs int64) models.Bar {
	return models.Bar{Time: timeMs, Open: dec("1"), High: dec("1"), Low: dec("1"), Close: dec("1"), Volume: dec("1")}
}

func update(token string, interval models.Interval, t int64, closePrice, volume string) models.IncomingUpdate {
	return models.IncomingUpdate{
		Timestamp:    t * 1000,
		TokenAddress: token,
		Interval:     interval,
		OHLCV: models.OHLCV{
			T: t,
			O: dec("1"),
			H: dec(closePrice),
			L: dec("1"),
			C: dec(closePrice),
			V: dec(volume),
		},
	}
}

// barRecorder collects realtime emissions for one listener
type barRecorder struct {
	mu     sync.Mutex
	bars   []models.Bar
	resets int
}

func (r *barRecorder) onRealtime(b models.Bar) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bars = append(r.bars, b)
}

func (r *barRecorder) onReset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
}

func (r *barRecorder) snapshot() []models.Bar {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Bar(nil), r.bars...)
}

func (r *barRecorder) resetCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resets
}
