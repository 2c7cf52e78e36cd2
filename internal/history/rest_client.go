package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nyyu-chartfeed/internal/models"

	"github.com/sirupsen/logrus"
)

var ErrBadStatus = errors.New("history endpoint returned non-200 status")

// RESTClient fetches historical bar pages from the chart REST endpoint
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewRESTClient(baseURL string, timeout time.Duration, logger *logrus.Logger) *RESTClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// FetchBars requests one page: GET {base}/chart?tokenAddress=&interval=&limit=&cursor=
func (c *RESTClient) FetchBars(ctx context.Context, req models.HistoryRequest) (*models.HistoryResponse, error) {
	q := url.Values{}
	q.Set("tokenAddress", req.TokenAddress)
	q.Set("interval", req.Interval.String())
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Cursor != nil {
		q.Set("cursor", *req.Cursor)
	}
	endpoint := c.baseURL + "/chart?" + q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d %s", ErrBadStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var page models.HistoryResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to parse history response: %w", err)
	}
	if page.Cursor != nil && *page.Cursor == "" {
		page.Cursor = nil
	}

	c.logger.WithFields(logrus.Fields{
		"token":    req.TokenAddress,
		"interval": req.Interval,
		"bars":     len(page.Bars),
	}).Debug("Fetched history page")

	return &page, nil
}
