package watchlist

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"nyyu-chartfeed/internal/services/datafeed"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Subscriber is the realtime subscription surface the manager drives
type Subscriber interface {
	Subscribe(listenerID, token, resolution string, onRealtime datafeed.RealtimeCallback, onReset datafeed.ResetCacheCallback) error
	Unsubscribe(listenerID string)
}

// Source yields the current watchlist
type Source func() ([]Series, error)

// Hooks connect watched series to their consumers
type Hooks struct {
	OnBar   func(s Series) datafeed.RealtimeCallback
	OnReset func(s Series)
}

type Config struct {
	RefreshInterval time.Duration
}

// Manager keeps one realtime subscription per watched series and reconciles
// it with the watchlist on every refresh.
type Manager struct {
	source     Source
	subscriber Subscriber
	hooks      Hooks
	cfg        Config
	logger     *logrus.Logger

	// listener ID per series key
	subscribed map[string]subscribedSeries
	mu         sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

type subscribedSeries struct {
	series     Series
	listenerID string
}

func NewManager(source Source, subscriber Subscriber, hooks Hooks, cfg Config, logger *logrus.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		source:     source,
		subscriber: subscriber,
		hooks:      hooks,
		cfg:        cfg,
		logger:     logger,
		subscribed: make(map[string]subscribedSeries),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start subscribes the watchlist and, with a refresh interval, keeps it in sync
func (m *Manager) Start() error {
	m.logger.Info("🚀 Starting watchlist manager...")

	if err := m.Refresh(); err != nil {
		return err
	}

	if m.cfg.RefreshInterval > 0 {
		go m.periodicRefresh()
		m.logger.Infof("✅ Watchlist refresh every %v", m.cfg.RefreshInterval)
	}

	return nil
}

// Stop stops refreshing and unsubscribes every series
func (m *Manager) Stop() {
	m.logger.Info("🛑 Stopping watchlist manager...")
	m.cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, sub := range m.subscribed {
		m.subscriber.Unsubscribe(sub.listenerID)
		delete(m.subscribed, key)
	}
}

// Refresh reloads the watchlist, subscribing new series and dropping removed ones
func (m *Manager) Refresh() error {
	series, err := m.source()
	if err != nil {
		return fmt.Errorf("failed to load watchlist: %w", err)
	}

	wanted := make(map[string]Series, len(series))
	for _, s := range series {
		wanted[s.key()] = s
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, sub := range m.subscribed {
		if _, ok := wanted[key]; ok {
			continue
		}
		m.subscriber.Unsubscribe(sub.listenerID)
		delete(m.subscribed, key)
		removed++
	}

	added := 0
	for key, s := range wanted {
		if _, ok := m.subscribed[key]; ok {
			continue
		}

		listenerID := uuid.NewString()
		if err := m.subscriber.Subscribe(listenerID, s.TokenAddress, s.Interval.String(), m.barHandler(s), m.resetHandler(s)); err != nil {
			m.logger.WithError(err).Warnf("Failed to subscribe %s %s", s.TokenAddress, s.Interval)
			continue
		}
		m.subscribed[key] = subscribedSeries{series: s, listenerID: listenerID}
		added++
	}

	if added > 0 || removed > 0 {
		m.logger.Infof("📊 Watchlist synced: +%d -%d, %d live series", added, removed, len(m.subscribed))
	}
	return nil
}

func (m *Manager) barHandler(s Series) datafeed.RealtimeCallback {
	if m.hooks.OnBar == nil {
		return nil
	}
	return m.hooks.OnBar(s)
}

func (m *Manager) resetHandler(s Series) datafeed.ResetCacheCallback {
	return func() {
		m.logger.WithFields(logrus.Fields{
			"token":    s.TokenAddress,
			"interval": s.Interval,
		}).Info("🔄 Feed reconnected, series may have a gap")
		if m.hooks.OnReset != nil {
			m.hooks.OnReset(s)
		}
	}
}

// periodicRefresh periodically reloads the watchlist
func (m *Manager) periodicRefresh() {
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.Refresh(); err != nil {
				m.logger.WithError(err).Warn("Watchlist refresh failed")
			}
		}
	}
}

// Series returns the currently subscribed series ordered by token and interval
func (m *Manager) Series() []Series {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Series, 0, len(m.subscribed))
	for _, sub := range m.subscribed {
		out = append(out, sub.series)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TokenAddress != out[j].TokenAddress {
			return out[i].TokenAddress < out[j].TokenAddress
		}
		return out[i].Interval.Millis() < out[j].Interval.Millis()
	})
	return out
}

// SubscribedCount returns the number of live series
func (m *Manager) SubscribedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribed)
}

// StaticSource serves a fixed watchlist
func StaticSource(series []Series) Source {
	return func() ([]Series, error) { return series, nil }
}

// FileSource reloads the watchlist file on every call
func FileSource(path string) Source {
	return func() ([]Series, error) { return LoadFromYAML(path) }
}
