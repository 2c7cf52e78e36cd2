package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"nyyu-chartfeed/internal/models"
	"nyyu-chartfeed/internal/services/kline"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type historyFetcher interface {
	FetchHistory(ctx context.Context, token string, interval models.Interval, cursor *string, oldestTime int64) (models.HistoryPage, error)
}

type feedStatus interface {
	IsConnected() bool
	IsReadyForSubscriptions() bool
}

type api struct {
	history       historyFetcher
	feed          feedStatus
	resolver      *kline.Resolver
	subscriptions func() int
	series        func() int
	archiveStats  func(ctx context.Context) (map[string]interface{}, error)
	timeout       time.Duration
	logger        *logrus.Logger
}

func (a *api) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/v1/bars", a.handleBars)
	mux.HandleFunc("/api/v1/stats", a.handleStats)
	return mux
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := a.feed.IsConnected()
	ready := a.feed.IsReadyForSubscriptions()

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"healthy":        ready,
		"version":        version,
		"uptime_seconds": int64(time.Since(startTime).Seconds()),
		"feed": map[string]bool{
			"connected": connected,
			"ready":     ready,
		},
	})
}

// handleBars serves one history page: ?token=&resolution=&cursor=&before=
// Clients page back by echoing the cursor and oldest values of the last response.
func (a *api) handleBars(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	interval, err := a.resolver.ToWireInterval(q.Get("resolution"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var cursor *string
	if raw := q.Get("cursor"); raw != "" {
		cursor = &raw
	}

	var before int64
	if raw := q.Get("before"); raw != "" {
		if before, err = strconv.ParseInt(raw, 10, 64); err != nil || before < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid before: %q", raw))
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()

	page, err := a.history.FetchHistory(ctx, token, interval, cursor, before)
	if err != nil {
		a.logger.WithError(err).WithField("token", token).Error("Failed to fetch history")
		code := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			code = http.StatusGatewayTimeout
		}
		writeError(w, code, err.Error())
		return
	}

	bars := page.Bars
	if bars == nil {
		bars = []models.Bar{}
	}
	body := map[string]interface{}{
		"bars":     bars,
		"noData":   page.NoMoreData && len(page.Bars) == 0,
		"noMore":   page.NoMoreData,
		"interval": interval,
		"oldest":   page.OldestTime,
	}
	if page.Cursor != nil && !page.NoMoreData {
		body["cursor"] = *page.Cursor
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *api) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"subscriptions":  a.subscriptions(),
		"watched_series": a.series(),
	}

	if a.archiveStats != nil {
		archive, err := a.archiveStats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		stats["archive"] = archive
	}

	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
