package archive

import (
	"context"
	"strings"
	"sync"
	"time"

	"nyyu-chartfeed/internal/models"
	"nyyu-chartfeed/internal/pubsub"

	"github.com/sirupsen/logrus"
)

// BarStore persists closed bars
type BarStore interface {
	BatchInsertBars(ctx context.Context, bars []models.ArchivedBar) error
}

// BarPublisher fans bar updates out to downstream consumers
type BarPublisher interface {
	PublishBar(ctx context.Context, msg pubsub.BarMessage) error
}

// LatestBarCache keeps the current bar of every live chart
type LatestBarCache interface {
	SetLatest(ctx context.Context, token string, interval models.Interval, bar models.Bar, ttl time.Duration) error
}

type Config struct {
	BatchSize      int
	FlushInterval  time.Duration
	LatestTTL      time.Duration
	PublishTimeout time.Duration
}

type seriesKey struct {
	token    string
	interval models.Interval
}

// Service is the service-side consumer of realtime bars: it publishes every
// emission, caches the current bar and batches closed bars into the archive.
type Service struct {
	store     BarStore
	cache     LatestBarCache
	publisher BarPublisher
	cfg       Config
	logger    *logrus.Logger

	mu      sync.Mutex
	current map[seriesKey]models.ArchivedBar

	publishChan chan pubsub.BarMessage

	batchChan    chan models.ArchivedBar
	batchMu      sync.Mutex
	currentBatch []models.ArchivedBar

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewService(store BarStore, cache LatestBarCache, publisher BarPublisher, cfg Config, logger *logrus.Logger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.LatestTTL <= 0 {
		cfg.LatestTTL = 10 * time.Minute
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}

	return &Service{
		store:        store,
		cache:        cache,
		publisher:    publisher,
		cfg:          cfg,
		logger:       logger,
		current:      make(map[seriesKey]models.ArchivedBar),
		publishChan:  make(chan pubsub.BarMessage, 10000),
		batchChan:    make(chan models.ArchivedBar, 10000),
		currentBatch: make([]models.ArchivedBar, 0, cfg.BatchSize),
		stopChan:     make(chan struct{}),
	}
}

// Start launches the publisher and the batch writer
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.publishWorker()
	go s.batchWriterWorker(ctx)
}

// Listener returns the realtime callback for one token chart
func (s *Service) Listener(token string, interval models.Interval) func(models.Bar) {
	return func(bar models.Bar) {
		s.HandleBar(token, interval, bar)
	}
}

// HandleBar records one realtime emission. A bar with a later time than the
// current one closes the current bar and queues it for the archive. Publishing
// and caching happen on the publish worker so the feed's read loop never waits
// on Redis.
func (s *Service) HandleBar(token string, interval models.Interval, bar models.Bar) {
	key := seriesKey{token: strings.ToLower(token), interval: interval}
	row := models.ArchivedBar{
		TokenAddress: token,
		Interval:     interval,
		Source:       models.SourceLive,
		Bar:          bar,
	}

	s.mu.Lock()
	prev, hasPrev := s.current[key]
	kind := "update"
	if !hasPrev || bar.Time > prev.Time {
		kind = "new"
	}
	s.current[key] = row
	s.mu.Unlock()

	if hasPrev && bar.Time > prev.Time {
		s.enqueue(prev)
	}

	if s.publisher == nil && s.cache == nil {
		return
	}
	select {
	case s.publishChan <- pubsub.BarMessage{TokenAddress: token, Interval: interval, Kind: kind, Bar: bar}:
	default:
		s.logger.Warn("⚠️ Bar publish channel full, dropping bar update")
	}
}

// publishWorker fans queued emissions out to Redis in arrival order
func (s *Service) publishWorker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			for {
				select {
				case msg := <-s.publishChan:
					s.publish(msg)
				default:
					return
				}
			}
		case msg := <-s.publishChan:
			s.publish(msg)
		}
	}
}

func (s *Service) publish(msg pubsub.BarMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
	defer cancel()

	if s.publisher != nil {
		if err := s.publisher.PublishBar(ctx, msg); err != nil {
			s.logger.WithError(err).Error("Failed to publish bar update")
		}
	}
	if s.cache != nil {
		if err := s.cache.SetLatest(ctx, msg.TokenAddress, msg.Interval, msg.Bar, s.cfg.LatestTTL); err != nil {
			s.logger.WithError(err).Debug("Failed to cache latest bar")
		}
	}
}

func (s *Service) enqueue(row models.ArchivedBar) {
	if s.store == nil {
		return
	}
	select {
	case s.batchChan <- row:
	default:
		s.logger.Warn("⚠️ Bar batch channel full, dropping closed bar")
	}
}

// batchWriterWorker processes batches of closed bars
func (s *Service) batchWriterWorker(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			s.drain()
			s.flushBatch(context.Background())
			return

		case row := <-s.batchChan:
			s.batchMu.Lock()
			s.currentBatch = append(s.currentBatch, row)
			shouldFlush := len(s.currentBatch) >= s.cfg.BatchSize
			s.batchMu.Unlock()

			if shouldFlush {
				s.flushBatch(ctx)
			}

		case <-ticker.C:
			s.flushBatch(ctx)
		}
	}
}

func (s *Service) drain() {
	for {
		select {
		case row := <-s.batchChan:
			s.batchMu.Lock()
			s.currentBatch = append(s.currentBatch, row)
			s.batchMu.Unlock()
		default:
			return
		}
	}
}

// flushBatch writes accumulated bars to the archive
func (s *Service) flushBatch(ctx context.Context) {
	s.batchMu.Lock()
	if len(s.currentBatch) == 0 {
		s.batchMu.Unlock()
		return
	}

	batch := s.currentBatch
	s.currentBatch = make([]models.ArchivedBar, 0, s.cfg.BatchSize)
	s.batchMu.Unlock()

	if err := s.store.BatchInsertBars(ctx, batch); err != nil {
		s.logger.WithError(err).Error("Failed to batch write bars")
		return
	}

	s.logger.Debugf("Flushed batch of %d bars", len(batch))
}

// Stop flushes open bars, pending batches and queued publishes, then stops the workers
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		open := make([]models.ArchivedBar, 0, len(s.current))
		for _, row := range s.current {
			open = append(open, row)
		}
		s.mu.Unlock()

		for _, row := range open {
			s.enqueue(row)
		}
		if len(open) > 0 {
			s.logger.Infof("✅ Flushing %d open bars", len(open))
		}

		close(s.stopChan)
		s.wg.Wait()
	})
}

// Latest returns the current bar of a chart held in memory
func (s *Service) Latest(token string, interval models.Interval) (models.Bar, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.current[seriesKey{token: strings.ToLower(token), interval: interval}]
	return row.Bar, ok
}
