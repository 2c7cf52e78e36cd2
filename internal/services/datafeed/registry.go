package datafeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"nyyu-chartfeed/internal/gateway"
	"nyyu-chartfeed/internal/metrics"
	"nyyu-chartfeed/internal/models"
	"nyyu-chartfeed/internal/services/kline"

	"github.com/sirupsen/logrus"
)

var (
	ErrDisposed     = errors.New("datafeed disposed")
	ErrMissingToken = errors.New("token address is required")
)

// Gateway is the part of the market-data connection the registry drives
type Gateway interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	IsReadyForSubscriptions() bool
	Subscribe(token string, intervals []models.Interval) error
	Unsubscribe(token string, intervals []models.Interval) error
	On(event gateway.Event, h gateway.Handler) gateway.ListenerID
	Off(event gateway.Event, id gateway.ListenerID)
}

// RealtimeCallback receives every bar the merger emits for one listener
type RealtimeCallback func(bar models.Bar)

// ResetCacheCallback tells the chart to drop cached history and reload it
type ResetCacheCallback func()

type Options struct {
	LivenessInterval time.Duration
	StaleThreshold   time.Duration
	MaxFutureSkew    time.Duration
	DedupWindow      time.Duration
	Regression       kline.RegressionPolicy
	Resolver         *kline.Resolver
	Now              func() time.Time
	// Random drives the dedup sweep; nil uses math/rand
	Random func() float64
}

func (o *Options) withDefaults() {
	if o.LivenessInterval <= 0 {
		o.LivenessInterval = 30 * time.Second
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 2 * time.Minute
	}
	if o.MaxFutureSkew <= 0 {
		o.MaxFutureSkew = 5 * time.Minute
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = kline.DefaultDedupWindow
	}
	if o.Regression == nil {
		o.Regression = kline.ClampRegression
	}
	if o.Resolver == nil {
		o.Resolver = kline.NewResolver()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type subscription struct {
	record     models.Subscription
	channelKey string
	handlerID  gateway.ListenerID
	dedup      *kline.Deduplicator
	merger     *kline.Merger
	onRealtime RealtimeCallback
	onReset    ResetCacheCallback
	lastMerged time.Time

	// deliverMu is held while a bar is handed to onRealtime
	deliverMu sync.Mutex
}

type lifecycleHandler struct {
	event gateway.Event
	id    gateway.ListenerID
}

// Registry owns every realtime subscription of one chart instance and the
// refcounted wire channels behind them.
type Registry struct {
	gw     Gateway
	opts   Options
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	subs        map[string]*subscription
	channels    map[string]*models.WireChannel
	lifecycle   []lifecycleHandler
	needsResync bool
	liveness    bool
	disposed    bool
}

func NewRegistry(ctx context.Context, gw Gateway, opts Options, logger *logrus.Logger) *Registry {
	opts.withDefaults()
	ctx, cancel := context.WithCancel(ctx)

	r := &Registry{
		gw:       gw,
		opts:     opts,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[string]*subscription),
		channels: make(map[string]*models.WireChannel),
	}
	r.lifecycle = []lifecycleHandler{
		{gateway.EventDisconnected, gw.On(gateway.EventDisconnected, func(json.RawMessage) { r.onDisconnected() })},
		{gateway.EventReady, gw.On(gateway.EventReady, func(json.RawMessage) { r.onReady() })},
	}
	return r
}

func channelKey(token string, interval models.Interval) string {
	return strings.ToLower(token) + "|" + interval.String()
}

// Subscribe registers listenerID for realtime bars of token at resolution.
// An existing subscription of the same listener is replaced.
func (r *Registry) Subscribe(listenerID, token, resolution string, onRealtime RealtimeCallback, onReset ResetCacheCallback) error {
	if token == "" {
		return ErrMissingToken
	}
	interval, err := r.opts.Resolver.ToWireInterval(resolution)
	if err != nil {
		r.logger.WithError(err).WithField("listener", listenerID).Warn("❌ Rejected chart subscription")
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return ErrDisposed
	}
	if _, exists := r.subs[listenerID]; exists {
		r.unsubscribeLocked(listenerID)
	}

	if err := r.gw.Connect(r.ctx); err != nil {
		return fmt.Errorf("failed to connect market-data gateway: %w", err)
	}

	key := channelKey(token, interval)
	ch, ok := r.channels[key]
	if !ok {
		ch = &models.WireChannel{TokenAddress: token, Interval: interval}
		r.channels[key] = ch
	}
	ch.RefCount++
	// After a drop the next ready re-subscribes every channel, so skip the wire call here
	if ch.RefCount == 1 && !r.needsResync {
		if err := r.gw.Subscribe(ch.TokenAddress, []models.Interval{interval}); err != nil {
			r.logger.WithError(err).Warnf("Failed to subscribe %s %s on the wire", token, interval)
		}
	}

	entry := r.logger.WithFields(logrus.Fields{
		"listener": listenerID,
		"token":    token,
		"interval": interval,
	})
	sub := &subscription{
		record: models.Subscription{
			ListenerID:   listenerID,
			TokenAddress: token,
			Interval:     interval,
			CreatedAt:    r.opts.Now(),
		},
		channelKey: key,
		dedup: kline.NewDeduplicator(
			kline.WithDedupWindow(r.opts.DedupWindow),
			kline.WithDedupClock(r.opts.Now),
			kline.WithSweep(kline.DefaultSweepProbability, r.opts.Random),
		),
		merger:     kline.NewMerger(r.opts.Regression, entry),
		onRealtime: onRealtime,
		onReset:    onReset,
	}
	sub.handlerID = r.gw.On(gateway.EventKlineUpdate, func(data json.RawMessage) {
		r.handleUpdate(sub, data)
	})
	r.subs[listenerID] = sub

	if !r.liveness {
		r.liveness = true
		go r.livenessLoop()
	}

	r.updateGauges()
	entry.Info("📈 Chart subscription added")
	return nil
}

// Unsubscribe removes listenerID; unknown listeners are ignored. It returns
// after any bar being delivered to listenerID has been handled, so a
// RealtimeCallback must not unsubscribe its own listener synchronously.
func (r *Registry) Unsubscribe(listenerID string) {
	r.mu.Lock()
	sub, ok := r.subs[listenerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.unsubscribeLocked(listenerID)
	r.updateGauges()
	r.mu.Unlock()

	sub.waitDelivery()
}

func (s *subscription) waitDelivery() {
	s.deliverMu.Lock()
	s.deliverMu.Unlock()
}

func (r *Registry) unsubscribeLocked(listenerID string) {
	sub := r.subs[listenerID]
	delete(r.subs, listenerID)
	r.gw.Off(gateway.EventKlineUpdate, sub.handlerID)

	ch, ok := r.channels[sub.channelKey]
	if !ok {
		return
	}
	ch.RefCount--
	if ch.RefCount > 0 {
		return
	}

	delete(r.channels, sub.channelKey)
	if r.needsResync {
		return
	}
	if err := r.gw.Unsubscribe(ch.TokenAddress, []models.Interval{ch.Interval}); err != nil {
		r.logger.WithError(err).Warnf("Failed to unsubscribe %s %s on the wire", ch.TokenAddress, ch.Interval)
	}
	r.logger.WithFields(logrus.Fields{
		"token":    ch.TokenAddress,
		"interval": ch.Interval,
	}).Debug("Wire channel closed")
}

// handleUpdate runs one kline_update through the listener's pipeline and
// delivers the resulting bar outside the registry lock.
func (r *Registry) handleUpdate(sub *subscription, data json.RawMessage) {
	start := time.Now()

	u, err := gateway.DecodeKlineUpdate(data)
	if err != nil {
		metrics.TrackDrop("malformed")
		r.logger.WithError(err).Debug("Dropped kline update")
		return
	}

	r.mu.Lock()
	if r.subs[sub.record.ListenerID] != sub {
		r.mu.Unlock()
		return
	}
	emission, ok := r.processLocked(sub, u)
	callback := sub.onRealtime
	r.mu.Unlock()

	if !ok {
		return
	}
	metrics.TrackEmission(emission.Kind.String())
	metrics.TrackLatency(start, metrics.MergeLatency)
	if callback == nil {
		return
	}

	sub.deliverMu.Lock()
	defer sub.deliverMu.Unlock()
	if !r.active(sub) {
		metrics.TrackDrop("unsubscribed")
		return
	}
	callback(emission.Bar)
}

func (r *Registry) active(sub *subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[sub.record.ListenerID] == sub
}

func (r *Registry) processLocked(sub *subscription, u models.IncomingUpdate) (kline.Emission, bool) {
	if !strings.EqualFold(u.TokenAddress, sub.record.TokenAddress) {
		return kline.Emission{}, false
	}
	if !sub.dedup.ShouldProcess(u) {
		metrics.TrackDrop("duplicate")
		return kline.Emission{}, false
	}
	if !r.opts.Resolver.IsUsable(u.Interval, sub.record.Interval) {
		metrics.TrackDrop("interval")
		return kline.Emission{}, false
	}
	metrics.KlineUpdatesReceived.WithLabelValues(u.Interval.String()).Inc()

	now := r.opts.Now()
	raw := kline.RawSeconds(u)
	if raw > now.Add(r.opts.MaxFutureSkew).Unix() {
		metrics.ClockCorrections.WithLabelValues("future").Inc()
		r.logger.WithFields(logrus.Fields{
			"listener":  sub.record.ListenerID,
			"timestamp": raw,
			"now":       now.Unix(),
		}).Warn("⏩ Kline timestamp too far in the future, clamped to now")
		raw = now.Unix()
	}

	bucket, err := kline.Align(raw, sub.record.Interval)
	if err != nil {
		metrics.TrackDrop("align")
		r.logger.WithError(err).Debug("Dropped kline update")
		return kline.Emission{}, false
	}
	source, err := kline.Align(raw, u.Interval)
	if err != nil {
		source = bucket
	}

	emission, ok := sub.merger.Merge(bucket, source, u.OHLCV)
	if !ok {
		metrics.TrackDrop("regression")
		return kline.Emission{}, false
	}
	if emission.Clamped {
		metrics.ClockCorrections.WithLabelValues("regression").Inc()
	}

	bar := emission.Bar
	sub.record.LastBar = &bar
	sub.lastMerged = now
	return emission, true
}

func (r *Registry) onDisconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.needsResync = true
}

// onReady re-subscribes every live channel after a reconnect and asks each
// chart to reload its history for the gap.
func (r *Registry) onReady() {
	r.mu.Lock()
	if !r.needsResync || r.disposed {
		r.mu.Unlock()
		return
	}
	r.needsResync = false

	for _, ch := range r.channels {
		if err := r.gw.Subscribe(ch.TokenAddress, []models.Interval{ch.Interval}); err != nil {
			r.logger.WithError(err).Warnf("Failed to re-subscribe %s %s", ch.TokenAddress, ch.Interval)
		}
	}
	resets := make([]ResetCacheCallback, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.onReset != nil {
			resets = append(resets, sub.onReset)
		}
	}
	channels := len(r.channels)
	r.mu.Unlock()

	r.logger.Infof("🔄 Re-subscribed %d wire channels after reconnect", channels)
	for _, reset := range resets {
		reset()
	}
}

func (r *Registry) livenessLoop() {
	ticker := time.NewTicker(r.opts.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.CheckLiveness()
		}
	}
}

// CheckLiveness warns about subscriptions without a merged update within the
// stale threshold and returns how many it found.
func (r *Registry) CheckLiveness() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now()
	stale := 0
	for _, sub := range r.subs {
		last := sub.lastMerged
		if last.IsZero() {
			last = sub.record.CreatedAt
		}
		idle := now.Sub(last)
		if idle <= r.opts.StaleThreshold {
			continue
		}
		stale++
		metrics.StalledSubscriptions.Inc()
		r.logger.WithFields(logrus.Fields{
			"listener": sub.record.ListenerID,
			"token":    sub.record.TokenAddress,
			"interval": sub.record.Interval,
			"idle":     idle.Truncate(time.Second),
		}).Warn("⚠️ No kline updates for subscription")
	}
	return stale
}

// Dispose drops every subscription and registry-level handler, then waits
// for bars still in delivery. The registry cannot be reused afterwards.
func (r *Registry) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true

	ids := make([]string, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	removed := make([]*subscription, 0, len(ids))
	for _, id := range ids {
		removed = append(removed, r.subs[id])
		r.unsubscribeLocked(id)
	}
	for _, h := range r.lifecycle {
		r.gw.Off(h.event, h.id)
	}
	r.lifecycle = nil
	r.updateGauges()
	r.mu.Unlock()

	r.cancel()
	for _, sub := range removed {
		sub.waitDelivery()
	}
}

func (r *Registry) updateGauges() {
	metrics.ActiveSubscriptions.Set(float64(len(r.subs)))
	metrics.WireChannels.Set(float64(len(r.channels)))
}

// ChannelRefCount returns the number of listeners sharing the wire channel
func (r *Registry) ChannelRefCount(token string, interval models.Interval) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.channels[channelKey(token, interval)]; ok {
		return ch.RefCount
	}
	return 0
}

func (r *Registry) SubscriptionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Subscription returns a snapshot of listenerID's subscription
func (r *Registry) Subscription(listenerID string) (models.Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[listenerID]
	if !ok {
		return models.Subscription{}, false
	}
	snapshot := sub.record
	if snapshot.LastBar != nil {
		bar := *snapshot.LastBar
		snapshot.LastBar = &bar
	}
	return snapshot, true
}
