package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"nyyu-chartfeed/internal/backfill"
	"nyyu-chartfeed/internal/config"
	"nyyu-chartfeed/internal/history"
	"nyyu-chartfeed/internal/models"
	"nyyu-chartfeed/internal/repository"
	"nyyu-chartfeed/internal/services/datafeed"
	"nyyu-chartfeed/internal/services/watchlist"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/sirupsen/logrus"
)

func main() {
	// Command line flags
	tokens := flag.String("tokens", "", "Comma-separated token addresses (default: the watchlist file)")
	intervals := flag.String("intervals", "1m", "Comma-separated intervals or 'all' (e.g., 1m,1h)")
	maxPages := flag.Int("max-pages", 0, "Pages per series, 0 for all available history")
	workers := flag.Int("workers", 5, "Number of parallel workers")
	flag.Parse()

	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}

	series, err := buildSeries(*tokens, *intervals, cfg.Watchlist.Path)
	if err != nil {
		fmt.Println("Error:", err)
		flag.Usage()
		os.Exit(1)
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.ClickHouse.Host, cfg.ClickHouse.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		logger.Fatalf("Failed to connect to ClickHouse: %v", err)
	}
	defer conn.Close()

	// History always comes from the REST API; the archive is the destination
	source := history.NewRESTClient(cfg.History.BaseURL, cfg.History.Timeout, logger)
	pager := datafeed.NewCursorStore(source, nil, cfg.History.PageLimit, logger)
	imp := backfill.New(pager, repository.NewBarRepository(conn, logger), logger)

	job := &backfill.Job{
		Series:   series,
		MaxPages: *maxPages,
		Workers:  *workers,
	}

	logger.Infof("🚀 Starting backfill: %s", job.String())
	logger.Infof("⚡ Workers: %d", *workers)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := imp.Import(ctx, job); err != nil {
		logger.Fatalf("Backfill failed: %v", err)
	}

	logger.Info("✅ Backfill completed successfully!")
}

// buildSeries crosses the token flag with the interval flag, or loads the watchlist file
func buildSeries(tokens, intervals, watchlistPath string) ([]watchlist.Series, error) {
	if strings.TrimSpace(tokens) == "" {
		return watchlist.LoadFromYAML(watchlistPath)
	}

	ivs, err := parseIntervals(intervals)
	if err != nil {
		return nil, err
	}

	var series []watchlist.Series
	for _, token := range strings.Split(tokens, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		for _, iv := range ivs {
			series = append(series, watchlist.Series{TokenAddress: token, Interval: iv})
		}
	}
	return series, nil
}

func parseIntervals(input string) ([]models.Interval, error) {
	if input == "all" {
		return models.ValidIntervals(), nil
	}

	var out []models.Interval
	for _, raw := range strings.Split(input, ",") {
		iv, err := models.ParseInterval(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, nil
}
