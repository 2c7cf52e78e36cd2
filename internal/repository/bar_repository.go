package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"nyyu-chartfeed/internal/models"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var ErrInvalidCursor = errors.New("invalid history cursor")

// BarRepository archives chart bars in ClickHouse and serves them back as
// cursor-paginated history pages.
type BarRepository struct {
	clickhouse driver.Conn
	logger     *logrus.Logger
}

func NewBarRepository(clickhouse driver.Conn, logger *logrus.Logger) *BarRepository {
	return &BarRepository{
		clickhouse: clickhouse,
		logger:     logger,
	}
}

// FetchBars returns the newest bars older than the cursor. The cursor is the
// open time (ms) of the oldest bar of the previous page.
func (r *BarRepository) FetchBars(ctx context.Context, req models.HistoryRequest) (*models.HistoryResponse, error) {
	before, hasCursor, err := DecodeCursor(req.Cursor)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT open_time, open, high, low, close, volume
		FROM chart_bars FINAL
		WHERE token_address = ? AND interval = ?`

	args := []interface{}{strings.ToLower(req.TokenAddress), req.Interval.String()}

	if hasCursor {
		query += " AND open_time < ?"
		args = append(args, before)
	}

	query += " ORDER BY open_time DESC"

	if req.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, req.Limit)
	}

	rows, err := r.clickhouse.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()

	var bars []models.Bar
	for rows.Next() {
		var openTime time.Time
		var open, high, low, close, volume float64

		if err := rows.Scan(&openTime, &open, &high, &low, &close, &volume); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}

		bars = append(bars, models.Bar{
			Time:   openTime.UnixMilli(),
			Open:   decimal.NewFromFloat(open),
			High:   decimal.NewFromFloat(high),
			Low:    decimal.NewFromFloat(low),
			Close:  decimal.NewFromFloat(close),
			Volume: decimal.NewFromFloat(volume),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bars: %w", err)
	}

	// Reverse to chronological order
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}

	return &models.HistoryResponse{
		Bars:   bars,
		Cursor: NextCursor(bars, req.Limit),
	}, nil
}

// BatchInsertBars writes bars efficiently; later rows replace earlier ones with the same key
func (r *BarRepository) BatchInsertBars(ctx context.Context, bars []models.ArchivedBar) error {
	if len(bars) == 0 {
		return nil
	}

	batch, err := r.clickhouse.PrepareBatch(ctx, `
		INSERT INTO chart_bars (
			token_address, interval, open_time,
			open, high, low, close, volume,
			source, updated_at
		)`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	now := time.Now().UTC()
	for _, b := range bars {
		open, _ := b.Open.Float64()
		high, _ := b.High.Float64()
		low, _ := b.Low.Float64()
		close, _ := b.Close.Float64()
		volume, _ := b.Volume.Float64()

		err := batch.Append(
			strings.ToLower(b.TokenAddress), b.Interval.String(), b.OpenTime(),
			open, high, low, close, volume,
			b.Source, now,
		)
		if err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	return batch.Send()
}

// GetStats retrieves archive statistics
func (r *BarRepository) GetStats(ctx context.Context) (map[string]interface{}, error) {
	query := `
		SELECT
			count() as total_bars,
			count(DISTINCT token_address) as total_tokens,
			min(open_time) as earliest_bar,
			max(open_time) as latest_bar
		FROM chart_bars`

	row := r.clickhouse.QueryRow(ctx, query)

	var totalBars, totalTokens uint64
	var earliest, latest time.Time

	if err := row.Scan(&totalBars, &totalTokens, &earliest, &latest); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"total_bars":   totalBars,
		"total_tokens": totalTokens,
		"earliest_bar": earliest,
		"latest_bar":   latest,
	}, nil
}

// NextCursor returns the cursor for the page after bars, or nil when the page
// came back short and nothing older is left.
func NextCursor(bars []models.Bar, limit int) *string {
	if len(bars) == 0 || (limit > 0 && len(bars) < limit) {
		return nil
	}
	cursor := strconv.FormatInt(bars[0].Time, 10)
	return &cursor
}

// DecodeCursor parses a cursor produced by NextCursor
func DecodeCursor(cursor *string) (time.Time, bool, error) {
	if cursor == nil || *cursor == "" {
		return time.Time{}, false, nil
	}
	ms, err := strconv.ParseInt(*cursor, 10, 64)
	if err != nil || ms < 0 {
		return time.Time{}, false, fmt.Errorf("%w: %q", ErrInvalidCursor, *cursor)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}
