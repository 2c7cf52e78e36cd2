package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"nyyu-chartfeed/internal/metrics"
	"nyyu-chartfeed/internal/models"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var (
	ErrClosed       = errors.New("gateway closed")
	errNotConnected = errors.New("gateway not connected")
)

// Handler receives the raw data of an event frame (nil for local lifecycle events)
type Handler func(data json.RawMessage)

// ListenerID identifies one On registration
type ListenerID uint64

type Config struct {
	URL              string
	ProxyURL         string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	// RetryDelay is the single defensive re-attempt of a send queued before the session was ready
	RetryDelay     time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SendRate       float64
	SendBurst      int
}

type pendingSend struct {
	msg   outboundMessage
	timer *time.Timer
	done  bool
}

// Gateway owns the single market-data WebSocket. Connected (socket open) and
// ready (server session accepts subscriptions) are separate states.
type Gateway struct {
	cfg     Config
	logger  *logrus.Logger
	dialer  *websocket.Dialer
	limiter *SendLimiter

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	ready     bool
	running   bool
	closed    bool
	pending   []*pendingSend
	cancel    context.CancelFunc
	done      chan struct{}

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[Event]map[ListenerID]Handler
	nextID     uint64
}

// New creates a gateway. It does not connect until Connect is called.
func New(cfg Config, logger *logrus.Logger) *Gateway {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	g := &Gateway{
		cfg:      cfg,
		logger:   logger,
		limiter:  NewSendLimiter(cfg.SendRate, cfg.SendBurst),
		handlers: make(map[Event]map[ListenerID]Handler),
	}
	g.dialer = g.createDialer()
	return g
}

// createDialer creates a WebSocket dialer with optional proxy
func (g *Gateway) createDialer() *websocket.Dialer {
	dialer := &websocket.Dialer{
		HandshakeTimeout: g.cfg.HandshakeTimeout,
	}

	if g.cfg.ProxyURL != "" {
		parsedURL, err := url.Parse(g.cfg.ProxyURL)
		if err == nil {
			dialer.Proxy = http.ProxyURL(parsedURL)
		} else {
			g.logger.Warnf("Invalid proxy URL %s: %v", g.cfg.ProxyURL, err)
		}
	}

	return dialer
}

// Connect starts the connection manager. Calling it again while running is a no-op.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}
	if g.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	g.running = true
	g.cancel = cancel
	g.done = make(chan struct{})

	go g.run(runCtx, g.done)
	return nil
}

func (g *Gateway) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *Gateway) IsReadyForSubscriptions() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

// Subscribe asks the server for kline pushes of token at the given intervals
func (g *Gateway) Subscribe(token string, intervals []models.Interval) error {
	return g.send(newOutbound(eventSubscribe, token, intervals))
}

// Unsubscribe stops kline pushes of token at the given intervals
func (g *Gateway) Unsubscribe(token string, intervals []models.Interval) error {
	return g.send(newOutbound(eventUnsubscribe, token, intervals))
}

// On registers a handler; every registration must be released with Off
func (g *Gateway) On(event Event, h Handler) ListenerID {
	id := ListenerID(atomic.AddUint64(&g.nextID, 1))

	g.handlersMu.Lock()
	defer g.handlersMu.Unlock()

	if g.handlers[event] == nil {
		g.handlers[event] = make(map[ListenerID]Handler)
	}
	g.handlers[event][id] = h
	return id
}

func (g *Gateway) Off(event Event, id ListenerID) {
	g.handlersMu.Lock()
	defer g.handlersMu.Unlock()

	delete(g.handlers[event], id)
	if len(g.handlers[event]) == 0 {
		delete(g.handlers, event)
	}
}

// ListenerCount returns the number of handlers registered for event
func (g *Gateway) ListenerCount(event Event) int {
	g.handlersMu.RLock()
	defer g.handlersMu.RUnlock()
	return len(g.handlers[event])
}

// Close stops reconnecting, closes the socket and drops queued sends
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	cancel := g.cancel
	done := g.done
	conn := g.conn
	g.dropPendingLocked()
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		g.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		g.writeMu.Unlock()
		conn.Close()
	}
	if done != nil {
		<-done
	}

	g.logger.Info("✅ Market-data gateway closed")
	return nil
}

// run dials, reads until the socket drops, then reconnects with exponential backoff
func (g *Gateway) run(ctx context.Context, done chan struct{}) {
	defer func() {
		g.mu.Lock()
		g.running = false
		g.mu.Unlock()
		close(done)
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.cfg.InitialBackoff
	bo.MaxInterval = g.cfg.MaxBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := g.dial(ctx)
		if err != nil {
			wait := bo.NextBackOff()
			g.logger.WithError(err).Warnf("❌ Market-data WebSocket dial failed, retrying in %v", wait)
			if !sleepCtx(ctx, wait) {
				return
			}
			metrics.GatewayReconnects.Inc()
			continue
		}

		bo.Reset()
		g.onOpen(conn)
		err = g.readLoop(ctx, conn)
		g.onClose(conn, err)

		if ctx.Err() != nil {
			return
		}

		wait := bo.NextBackOff()
		g.logger.Infof("🔄 Reconnecting market-data WebSocket in %v", wait)
		if !sleepCtx(ctx, wait) {
			return
		}
		metrics.GatewayReconnects.Inc()
	}
}

func (g *Gateway) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := g.dialer.DialContext(ctx, g.cfg.URL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("403 forbidden: %w", err)
		}
		return nil, err
	}
	return conn, nil
}

func (g *Gateway) onOpen(conn *websocket.Conn) {
	g.mu.Lock()
	g.conn = conn
	g.connected = true
	g.ready = false
	g.mu.Unlock()

	metrics.SetGatewayState(true, false)
	g.logger.Infof("✅ Market-data WebSocket connected (%s)", g.cfg.URL)
	g.emit(EventConnected, nil)
}

func (g *Gateway) onClose(conn *websocket.Conn, cause error) {
	g.mu.Lock()
	if g.conn == conn {
		g.conn = nil
	}
	g.connected = false
	g.ready = false
	g.dropPendingLocked()
	g.mu.Unlock()

	conn.Close()
	metrics.SetGatewayState(false, false)
	g.logger.WithError(cause).Warn("⚠️ Market-data WebSocket disconnected")
	g.emit(EventDisconnected, nil)
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	pingDone := make(chan struct{})
	defer close(pingDone)
	if g.cfg.PingInterval > 0 {
		go g.pingLoop(conn, pingDone)
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		g.handleFrame(message)
	}
}

// pingLoop keeps idle connections alive
func (g *Gateway) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.cfg.WriteTimeout)); err != nil {
				g.logger.WithError(err).Debug("Ping failed")
				return
			}
		}
	}
}

func (g *Gateway) handleFrame(message []byte) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		g.logger.WithError(err).Debug("Ignoring non-JSON frame")
		return
	}

	switch Event(env.Event) {
	case EventReady:
		metrics.GatewayFrames.WithLabelValues(env.Event).Inc()
		g.markReady(env.Data)
	case EventConnected:
		metrics.GatewayFrames.WithLabelValues(env.Event).Inc()
		g.logger.Debug("Market-data server greeting received")
	case EventKlineUpdate:
		metrics.GatewayFrames.WithLabelValues(env.Event).Inc()
		g.emit(EventKlineUpdate, env.Data)
	default:
		metrics.GatewayFrames.WithLabelValues("other").Inc()
		g.logger.Debugf("Unhandled frame event %q", env.Event)
	}
}

// markReady flushes queued sends, then announces readiness
func (g *Gateway) markReady(data json.RawMessage) {
	g.mu.Lock()
	g.ready = true
	conn := g.conn
	queued := make([]outboundMessage, 0, len(g.pending))
	for _, p := range g.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		if !p.done {
			p.done = true
			queued = append(queued, p.msg)
		}
	}
	g.pending = nil
	g.mu.Unlock()

	metrics.SetGatewayState(true, true)
	g.logger.Infof("✅ Market-data session ready (%d queued frames)", len(queued))

	for _, msg := range queued {
		if err := g.write(conn, msg); err != nil {
			g.logger.WithError(err).Warn("Failed to flush queued frame")
		}
	}

	g.emit(EventReady, data)
}

func (g *Gateway) send(msg outboundMessage) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}

	if !g.ready {
		if msg.Event == eventUnsubscribe && g.cancelPendingLocked(msg.key()) {
			g.mu.Unlock()
			metrics.GatewaySends.WithLabelValues(msg.Event, "cancelled").Inc()
			g.logger.Debugf("Cancelled queued subscribe for %s", msg.Data.TokenAddress)
			return nil
		}

		p := &pendingSend{msg: msg}
		if g.cfg.RetryDelay > 0 {
			p.timer = time.AfterFunc(g.cfg.RetryDelay, func() { g.retryPending(p) })
		}
		g.pending = append(g.pending, p)
		g.mu.Unlock()

		metrics.GatewaySends.WithLabelValues(msg.Event, "queued").Inc()
		g.logger.Debugf("Session not ready, queued %s for %s", msg.Event, msg.Data.TokenAddress)
		return nil
	}

	conn := g.conn
	g.mu.Unlock()

	return g.write(conn, msg)
}

// retryPending is the one delayed re-attempt of a queued send. The server may
// accept frames before it announces ready, so an open socket is enough.
func (g *Gateway) retryPending(p *pendingSend) {
	g.mu.Lock()
	if p.done || g.closed {
		g.mu.Unlock()
		return
	}
	if !g.connected || g.conn == nil {
		g.mu.Unlock()
		g.logger.Debugf("Socket not open, %s for %s waits for ready event", p.msg.Event, p.msg.Data.TokenAddress)
		return
	}
	p.done = true
	g.removePendingLocked(p)
	conn := g.conn
	g.mu.Unlock()

	if err := g.write(conn, p.msg); err != nil {
		g.logger.WithError(err).Warn("Delayed send failed")
	}
}

// cancelPendingLocked drops a queued subscribe matching key; reports whether one was found
func (g *Gateway) cancelPendingLocked(key string) bool {
	for _, p := range g.pending {
		if !p.done && p.msg.Event == eventSubscribe && p.msg.key() == key {
			p.done = true
			if p.timer != nil {
				p.timer.Stop()
			}
			g.removePendingLocked(p)
			return true
		}
	}
	return false
}

func (g *Gateway) removePendingLocked(target *pendingSend) {
	for i, p := range g.pending {
		if p == target {
			g.pending = append(g.pending[:i], g.pending[i+1:]...)
			return
		}
	}
}

func (g *Gateway) dropPendingLocked() {
	for _, p := range g.pending {
		p.done = true
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	g.pending = nil
}

// PendingCount returns the number of sends waiting for the session to become ready
func (g *Gateway) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gateway) write(conn *websocket.Conn, msg outboundMessage) error {
	if conn == nil {
		metrics.GatewaySends.WithLabelValues(msg.Event, "failed").Inc()
		return errNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.WriteTimeout)
	defer cancel()
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send rate wait failed: %w", err)
	}

	g.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
	err := conn.WriteJSON(msg)
	g.writeMu.Unlock()

	if err != nil {
		g.limiter.RecordFailure()
		metrics.GatewaySends.WithLabelValues(msg.Event, "failed").Inc()
		return fmt.Errorf("failed to send %s for %s: %w", msg.Event, msg.Data.TokenAddress, err)
	}

	g.limiter.RecordSuccess()
	metrics.GatewaySends.WithLabelValues(msg.Event, "sent").Inc()
	g.logger.WithFields(logrus.Fields{
		"token":     msg.Data.TokenAddress,
		"intervals": msg.Data.Intervals,
	}).Debugf("Sent %s", msg.Event)
	return nil
}

// emit calls handlers in registration order, outside the handler lock
func (g *Gateway) emit(event Event, data json.RawMessage) {
	g.handlersMu.RLock()
	ids := make([]ListenerID, 0, len(g.handlers[event]))
	for id := range g.handlers[event] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]Handler, len(ids))
	for i, id := range ids {
		hs[i] = g.handlers[event][id]
	}
	g.handlersMu.RUnlock()

	for _, h := range hs {
		h(data)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
