package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"nyyu-chartfeed/internal/metrics"
	"nyyu-chartfeed/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// CursorCache stores history pagination state in Redis so several chart
// processes can share it.
type CursorCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

func NewCursorCache(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *CursorCache {
	return &CursorCache{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func cursorKey(token string, interval models.Interval) string {
	return "chart:cursor:" + strings.ToLower(token) + ":" + interval.String()
}

// Get retrieves the cursor entry; a missing key is not an error
func (c *CursorCache) Get(ctx context.Context, token string, interval models.Interval) (models.CursorEntry, bool, error) {
	data, err := c.client.Get(ctx, cursorKey(token, interval)).Result()
	if errors.Is(err, redis.Nil) {
		metrics.RecordCacheAccess("redis", false)
		return models.CursorEntry{}, false, nil
	}
	if err != nil {
		return models.CursorEntry{}, false, err
	}

	var entry models.CursorEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return models.CursorEntry{}, false, err
	}

	metrics.RecordCacheAccess("redis", true)
	return entry, true, nil
}

// Set caches the cursor entry
func (c *CursorCache) Set(ctx context.Context, token string, interval models.Interval, entry models.CursorEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, cursorKey(token, interval), data, c.ttl).Err()
}

// Delete removes the cursor entry
func (c *CursorCache) Delete(ctx context.Context, token string, interval models.Interval) error {
	return c.client.Del(ctx, cursorKey(token, interval)).Err()
}
