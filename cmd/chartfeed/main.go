package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nyyu-chartfeed/internal/cache"
	"nyyu-chartfeed/internal/config"
	"nyyu-chartfeed/internal/gateway"
	grpcServer "nyyu-chartfeed/internal/grpc"
	"nyyu-chartfeed/internal/history"
	"nyyu-chartfeed/internal/models"
	"nyyu-chartfeed/internal/pubsub"
	"nyyu-chartfeed/internal/repository"
	"nyyu-chartfeed/internal/services/archive"
	"nyyu-chartfeed/internal/services/datafeed"
	"nyyu-chartfeed/internal/services/kline"
	"nyyu-chartfeed/internal/services/watchlist"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

var (
	version   = "1.0.0"
	startTime = time.Now()
)

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	logger.Info("Starting Nyyu Chart Feed...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: ", err)
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config: ", err)
	}

	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ClickHouse backs the archive and, optionally, history
	var clickhouseConn driver.Conn
	if cfg.NeedsClickHouse() {
		clickhouseConn = openClickHouse(cfg, logger)
		defer clickhouseConn.Close()
	}

	// Initialize Redis
	logger.Info("Connecting to Redis...")
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis: ", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connected successfully")

	var barRepo *repository.BarRepository
	if clickhouseConn != nil {
		barRepo = repository.NewBarRepository(clickhouseConn, logger)
	}

	// History source and cursor state
	var source datafeed.HistorySource
	switch cfg.History.Source {
	case config.HistorySourceClickHouse:
		source = barRepo
	default:
		source = history.NewRESTClient(cfg.History.BaseURL, cfg.History.Timeout, logger)
	}

	var cursorState datafeed.CursorState
	if cfg.History.CursorStore == config.CursorStoreRedis {
		cursorState = cache.NewCursorCache(redisClient, cfg.History.CursorTTL, logger)
	}

	resolver, regression, err := buildPolicies(cfg.Datafeed)
	if err != nil {
		logger.Fatal("Invalid datafeed policy: ", err)
	}

	// Market-data gateway
	gw := gateway.New(gateway.Config{
		URL:            cfg.Feed.URL,
		ProxyURL:       cfg.Feed.ProxyURL,
		PingInterval:   cfg.Feed.PingInterval,
		RetryDelay:     cfg.Feed.RetryDelay,
		InitialBackoff: cfg.Feed.InitialBackoff,
		MaxBackoff:     cfg.Feed.MaxBackoff,
		SendRate:       cfg.Feed.SendRate,
		SendBurst:      cfg.Feed.SendBurst,
	}, logger)
	if err := gw.Connect(ctx); err != nil {
		logger.Fatal("Failed to start gateway: ", err)
	}

	feed := datafeed.New(ctx, gw, source, datafeed.Config{
		Registry: datafeed.Options{
			LivenessInterval: cfg.Datafeed.LivenessInterval,
			StaleThreshold:   cfg.Datafeed.StaleThreshold,
			MaxFutureSkew:    cfg.Datafeed.MaxFutureSkew,
			DedupWindow:      cfg.Datafeed.DedupWindow,
			Regression:       regression,
			Resolver:         resolver,
		},
		CursorState: cursorState,
		PageLimit:   cfg.History.PageLimit,
	}, logger)

	// Archive: publish every emission, cache the current bar, persist closed bars
	var store archive.BarStore
	if cfg.Archive.Enabled && barRepo != nil {
		store = barRepo
	}
	archiveSvc := archive.NewService(store, cache.NewBarCache(redisClient, logger), pubsub.NewPublisher(redisClient, logger), archive.Config{
		BatchSize:     cfg.Archive.BatchWriteSize,
		FlushInterval: cfg.Archive.BatchWriteInterval,
		LatestTTL:     cfg.Archive.LatestBarTTL,
	}, logger)
	archiveSvc.Start(ctx)

	// Watchlist drives the service-side subscriptions
	manager := watchlist.NewManager(watchlist.FileSource(cfg.Watchlist.Path), feed.Registry(), watchlist.Hooks{
		OnBar: func(s watchlist.Series) datafeed.RealtimeCallback {
			return archiveSvc.Listener(s.TokenAddress, s.Interval)
		},
		OnReset: func(s watchlist.Series) {
			if store == nil || cfg.History.Source == config.HistorySourceClickHouse {
				return
			}
			go backfillGap(ctx, feed, store, s, logger)
		},
	}, watchlist.Config{RefreshInterval: cfg.Watchlist.RefreshInterval}, logger)
	if err := manager.Start(); err != nil {
		logger.WithError(err).Warn("Watchlist not loaded, serving on-demand charts only")
	}

	// gRPC health
	grpcSrv := grpcServer.NewServer(cfg, gw, logger)
	go grpcSrv.WatchHealth(ctx, 5*time.Second)

	grpcErrChan := make(chan error, 1)
	go func() {
		logger.Infof("Starting gRPC server on :%d", cfg.Server.GRPCPort)
		if err := grpcSrv.Start(); err != nil {
			grpcErrChan <- err
		}
	}()

	// HTTP API
	httpAPI := &api{
		history:       feed,
		feed:          gw,
		resolver:      resolver,
		subscriptions: feed.Registry().SubscriptionCount,
		series:        manager.SubscribedCount,
		timeout:       cfg.History.Timeout,
		logger:        logger,
	}
	if barRepo != nil {
		httpAPI.archiveStats = barRepo.GetStats
	}
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: httpAPI.routes(),
	}
	go func() {
		logger.Infof("HTTP server starting on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed: ", err)
		}
	}()

	logger.Infof("Nyyu Chart Feed v%s started successfully", version)

	// Wait for shutdown signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case err := <-grpcErrChan:
		logger.WithError(err).Error("gRPC server error")
	}

	logger.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown error")
	}
	grpcSrv.Stop()

	manager.Stop()
	feed.Dispose()
	archiveSvc.Stop()
	_ = gw.Close()
	cancel()

	logger.Info("Shutdown complete")
}

func openClickHouse(cfg *config.Config, logger *logrus.Logger) driver.Conn {
	logger.Info("Connecting to ClickHouse...")
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.ClickHouse.Host, cfg.ClickHouse.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		logger.Fatal("Failed to connect to ClickHouse: ", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		logger.Fatal("ClickHouse ping failed: ", err)
	}
	logger.Info("ClickHouse connected successfully")
	return conn
}

func buildPolicies(cfg config.DatafeedConfig) (*kline.Resolver, kline.RegressionPolicy, error) {
	finer, err := kline.FinerPolicyByName(cfg.FinerPolicy)
	if err != nil {
		return nil, nil, err
	}
	coarser, err := kline.CoarserPolicyByName(cfg.CoarserPolicy)
	if err != nil {
		return nil, nil, err
	}
	regression, err := kline.RegressionPolicyByName(cfg.RegressionPolicy)
	if err != nil {
		return nil, nil, err
	}
	return &kline.Resolver{Finer: finer, Coarser: coarser}, regression, nil
}

// backfillGap archives the newest history page after the feed reconnected
func backfillGap(ctx context.Context, feed historyFetcher, store archive.BarStore, s watchlist.Series, logger *logrus.Logger) {
	page, err := feed.FetchHistory(ctx, s.TokenAddress, s.Interval, nil, 0)
	if err != nil {
		logger.WithError(err).WithField("token", s.TokenAddress).Warn("Gap backfill failed")
		return
	}
	if len(page.Bars) == 0 {
		return
	}

	rows := make([]models.ArchivedBar, len(page.Bars))
	for i, bar := range page.Bars {
		rows[i] = models.ArchivedBar{
			TokenAddress: s.TokenAddress,
			Interval:     s.Interval,
			Source:       models.SourceHistory,
			Bar:          bar,
		}
	}
	if err := store.BatchInsertBars(ctx, rows); err != nil {
		logger.WithError(err).WithField("token", s.TokenAddress).Warn("Failed to archive gap backfill")
		return
	}
	logger.Infof("✅ Backfilled %d bars for %s %s", len(rows), s.TokenAddress, s.Interval)
}
