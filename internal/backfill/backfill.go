package backfill

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"nyyu-chartfeed/internal/models"
	"nyyu-chartfeed/internal/services/watchlist"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// Pager walks history backwards one page at a time. The caller threads the
// cursor and oldest time of each page into the next call.
type Pager interface {
	FetchPage(ctx context.Context, token string, interval models.Interval, cursor *string, oldestTime int64) (models.HistoryPage, error)
}

// BarStore persists archived bars
type BarStore interface {
	BatchInsertBars(ctx context.Context, bars []models.ArchivedBar) error
}

type Importer struct {
	pager    Pager
	store    BarStore
	logger   *logrus.Logger
	progress io.Writer
}

type Job struct {
	Series []watchlist.Series
	// MaxPages caps pages per series; 0 pages until the source runs dry
	MaxPages int
	Workers  int
}

func (j *Job) String() string {
	return fmt.Sprintf("%d series, max %d pages each", len(j.Series), j.MaxPages)
}

type seriesResult struct {
	Series watchlist.Series
	Pages  int
	Count  int
	Error  error
}

func New(pager Pager, store BarStore, logger *logrus.Logger) *Importer {
	return &Importer{
		pager:    pager,
		store:    store,
		logger:   logger,
		progress: os.Stderr,
	}
}

// SetProgressOutput redirects the progress bar
func (imp *Importer) SetProgressOutput(w io.Writer) {
	imp.progress = w
}

// Import archives the history of every series in the job. It fails if any series failed.
func (imp *Importer) Import(ctx context.Context, job *Job) error {
	workers := job.Workers
	if workers <= 0 {
		workers = 1
	}

	taskChan := make(chan watchlist.Series, len(job.Series))
	resultChan := make(chan seriesResult, len(job.Series))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range taskChan {
				resultChan <- imp.processSeries(ctx, s, job.MaxPages)
			}
		}()
	}

	for _, s := range job.Series {
		taskChan <- s
	}
	close(taskChan)

	bar := progressbar.NewOptions(len(job.Series),
		progressbar.OptionSetWriter(imp.progress),
		progressbar.OptionSetDescription("Backfilling history"),
		progressbar.OptionSetWidth(50),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	successCount, failCount, totalBars := 0, 0, 0
	for result := range resultChan {
		_ = bar.Add(1)
		if result.Error != nil {
			failCount++
			imp.logger.Warnf("  ❌ %s %s: %v", result.Series.TokenAddress, result.Series.Interval, result.Error)
			continue
		}
		successCount++
		totalBars += result.Count
		imp.logger.Debugf("  ✅ %s %s: %d bars in %d pages",
			result.Series.TokenAddress, result.Series.Interval, result.Count, result.Pages)
	}

	imp.logger.Infof("📈 Backfill summary: %d series succeeded, %d failed, %d bars archived",
		successCount, failCount, totalBars)

	if failCount > 0 {
		return fmt.Errorf("backfill completed with %d failures", failCount)
	}
	return nil
}

func (imp *Importer) processSeries(ctx context.Context, s watchlist.Series, maxPages int) seriesResult {
	result := seriesResult{Series: s}

	var (
		cursor *string
		oldest int64
	)
	for maxPages <= 0 || result.Pages < maxPages {
		if err := ctx.Err(); err != nil {
			result.Error = err
			return result
		}

		page, err := imp.pager.FetchPage(ctx, s.TokenAddress, s.Interval, cursor, oldest)
		if err != nil {
			result.Error = fmt.Errorf("failed to fetch page %d: %w", result.Pages+1, err)
			return result
		}

		if len(page.Bars) > 0 {
			rows := make([]models.ArchivedBar, len(page.Bars))
			for i, bar := range page.Bars {
				rows[i] = models.ArchivedBar{
					TokenAddress: s.TokenAddress,
					Interval:     s.Interval,
					Source:       models.SourceHistory,
					Bar:          bar,
				}
			}
			if err := imp.store.BatchInsertBars(ctx, rows); err != nil {
				result.Error = fmt.Errorf("failed to insert bars: %w", err)
				return result
			}
			result.Count += len(rows)
		}
		result.Pages++

		if page.NoMoreData {
			break
		}
		cursor, oldest = page.Cursor, page.OldestTime
	}

	return result
}
