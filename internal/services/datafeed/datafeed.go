package datafeed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"nyyu-chartfeed/internal/models"
	"nyyu-chartfeed/internal/services/kline"

	"github.com/sirupsen/logrus"
)

const DefaultResetCacheTimeout = 24 * time.Hour

// Configuration is what the chart receives from OnReady
type Configuration struct {
	SupportedResolutions   []string      `json:"supported_resolutions"`
	SupportsMarks          bool          `json:"supports_marks"`
	SupportsTimescaleMarks bool          `json:"supports_timescale_marks"`
	SupportsTime           bool          `json:"supports_time"`
	ResetCacheTimeout      time.Duration `json:"-"`
}

// SymbolInfo is the static metadata of one token chart
type SymbolInfo struct {
	Name                 string   `json:"name"`
	Ticker               string   `json:"ticker"`
	Description          string   `json:"description"`
	Type                 string   `json:"type"`
	Session              string   `json:"session"`
	Timezone             string   `json:"timezone"`
	Exchange             string   `json:"exchange"`
	CurrencyCode         string   `json:"currency_code"`
	MinMov               int      `json:"minmov"`
	PriceScale           int      `json:"pricescale"`
	HasIntraday          bool     `json:"has_intraday"`
	HasDaily             bool     `json:"has_daily"`
	VolumePrecision      int      `json:"volume_precision"`
	DataStatus           string   `json:"data_status"`
	SupportedResolutions []string `json:"supported_resolutions"`
}

// token is the address the symbol charts
func (s SymbolInfo) token() string {
	if s.Ticker != "" {
		return s.Ticker
	}
	return s.Name
}

// PeriodParams describes one history request from the chart
type PeriodParams struct {
	From             int64
	To               int64
	FirstDataRequest bool
	CountBack        int
}

// HistoryMeta accompanies a history page; NoData means nothing older exists
type HistoryMeta struct {
	NoData bool
}

type (
	ReadyCallback   func(Configuration)
	ResolveCallback func(SymbolInfo)
	HistoryCallback func(bars []models.Bar, meta HistoryMeta)
	ErrorCallback   func(reason string)
)

// Feed is the capability a charting widget consumes
type Feed interface {
	OnReady(callback ReadyCallback)
	ResolveSymbol(name string, onResolved ResolveCallback, onError ErrorCallback)
	GetBars(symbol SymbolInfo, resolution string, period PeriodParams, onHistory HistoryCallback, onError ErrorCallback)
	SubscribeBars(symbol SymbolInfo, resolution string, onRealtime RealtimeCallback, listenerGUID string, onResetCacheNeeded ResetCacheCallback)
	UnsubscribeBars(listenerGUID string)
}

type Config struct {
	Registry          Options
	CursorState       CursorState
	PageLimit         int
	PriceScale        int
	CurrencyCode      string
	ResetCacheTimeout time.Duration
}

// Datafeed adapts the kline engine to one chart instance. All state lives on
// the instance and is released by Dispose.
type Datafeed struct {
	registry *Registry
	history  *CursorStore
	resolver *kline.Resolver
	cfg      Config
	logger   *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	disposed bool
}

var _ Feed = (*Datafeed)(nil)

func New(ctx context.Context, gw Gateway, source HistorySource, cfg Config, logger *logrus.Logger) *Datafeed {
	if cfg.ResetCacheTimeout <= 0 {
		cfg.ResetCacheTimeout = DefaultResetCacheTimeout
	}
	if cfg.PriceScale <= 0 {
		cfg.PriceScale = 100_000_000
	}
	if cfg.CurrencyCode == "" {
		cfg.CurrencyCode = "USD"
	}
	if cfg.Registry.Resolver == nil {
		cfg.Registry.Resolver = kline.NewResolver()
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Datafeed{
		registry: NewRegistry(ctx, gw, cfg.Registry, logger),
		history:  NewCursorStore(source, cfg.CursorState, cfg.PageLimit, logger),
		resolver: cfg.Registry.Resolver,
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnReady reports the feed configuration on a separate goroutine
func (d *Datafeed) OnReady(callback ReadyCallback) {
	conf := Configuration{
		SupportedResolutions:   kline.SupportedResolutions(),
		SupportsMarks:          false,
		SupportsTimescaleMarks: false,
		SupportsTime:           true,
		ResetCacheTimeout:      d.cfg.ResetCacheTimeout,
	}
	go callback(conf)
}

// ResolveSymbol returns the metadata of a token chart. The symbol name is the token address.
func (d *Datafeed) ResolveSymbol(name string, onResolved ResolveCallback, onError ErrorCallback) {
	name = strings.TrimSpace(name)
	if name == "" {
		go onError("unknown_symbol")
		return
	}

	info := SymbolInfo{
		Name:                 name,
		Ticker:               name,
		Description:          name,
		Type:                 "crypto",
		Session:              "24x7",
		Timezone:             "Etc/UTC",
		Exchange:             "nyyu",
		CurrencyCode:         d.cfg.CurrencyCode,
		MinMov:               1,
		PriceScale:           d.cfg.PriceScale,
		HasIntraday:          true,
		HasDaily:             true,
		VolumePrecision:      2,
		DataStatus:           "streaming",
		SupportedResolutions: kline.SupportedResolutions(),
	}
	go onResolved(info)
}

// GetBars loads one history page asynchronously. Results arriving after Dispose are discarded.
func (d *Datafeed) GetBars(symbol SymbolInfo, resolution string, period PeriodParams, onHistory HistoryCallback, onError ErrorCallback) {
	if d.isDisposed() {
		go onError(ErrDisposed.Error())
		return
	}
	interval, err := d.resolver.ToWireInterval(resolution)
	if err != nil {
		go onError(err.Error())
		return
	}

	ctx := d.ctx
	go func() {
		page, err := d.history.GetPage(ctx, symbol.token(), interval, period.FirstDataRequest)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			d.logger.WithError(err).WithField("token", symbol.token()).Warn("❌ History load failed")
			onError(err.Error())
			return
		}
		// An empty page with a cursor left is not the end of the series
		onHistory(page.Bars, HistoryMeta{NoData: page.NoMoreData && len(page.Bars) == 0})
	}()
}

// FetchHistory loads the page after cursor for callers that share this feed,
// such as the HTTP API and gap backfill. The caller threads the returned
// Cursor and OldestTime; the chart's stored paging state is left alone.
func (d *Datafeed) FetchHistory(ctx context.Context, token string, interval models.Interval, cursor *string, oldestTime int64) (models.HistoryPage, error) {
	if d.isDisposed() {
		return models.HistoryPage{}, ErrDisposed
	}
	return d.history.FetchPage(ctx, token, interval, cursor, oldestTime)
}

// SubscribeBars starts realtime bars for listenerGUID
func (d *Datafeed) SubscribeBars(symbol SymbolInfo, resolution string, onRealtime RealtimeCallback, listenerGUID string, onResetCacheNeeded ResetCacheCallback) {
	err := d.registry.Subscribe(listenerGUID, symbol.token(), resolution, onRealtime, onResetCacheNeeded)
	if err != nil && !errors.Is(err, kline.ErrUnsupportedResolution) {
		d.logger.WithError(err).WithField("listener", listenerGUID).Warn("Failed to subscribe bars")
	}
}

func (d *Datafeed) UnsubscribeBars(listenerGUID string) {
	d.registry.Unsubscribe(listenerGUID)
}

// Registry exposes the subscription registry for status endpoints and tests
func (d *Datafeed) Registry() *Registry {
	return d.registry
}

// History exposes the cursor store
func (d *Datafeed) History() *CursorStore {
	return d.history
}

// Dispose cancels in-flight history loads and drops every subscription
func (d *Datafeed) Dispose() {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.disposed = true
	d.mu.Unlock()

	d.cancel()
	d.registry.Dispose()
	d.logger.Info("✅ Datafeed disposed")
}

func (d *Datafeed) isDisposed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disposed
}
