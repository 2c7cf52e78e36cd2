package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"nyyu-chartfeed/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

type BarCache struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewBarCache(client *redis.Client, logger *logrus.Logger) *BarCache {
	return &BarCache{
		client: client,
		logger: logger,
	}
}

func latestBarKey(token string, interval models.Interval) string {
	return "chart:bar:latest:" + strings.ToLower(token) + ":" + interval.String()
}

// SetLatest caches the current bar of a token chart
func (c *BarCache) SetLatest(ctx context.Context, token string, interval models.Interval, bar models.Bar, ttl time.Duration) error {
	data, err := json.Marshal(bar)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, latestBarKey(token, interval), data, ttl).Err()
}

// GetLatest retrieves the cached current bar
func (c *BarCache) GetLatest(ctx context.Context, token string, interval models.Interval) (*models.Bar, error) {
	data, err := c.client.Get(ctx, latestBarKey(token, interval)).Result()
	if err != nil {
		return nil, err
	}

	var bar models.Bar
	if err := json.Unmarshal([]byte(data), &bar); err != nil {
		return nil, err
	}

	return &bar, nil
}

// Delete removes the cached current bar
func (c *BarCache) Delete(ctx context.Context, token string, interval models.Interval) error {
	return c.client.Del(ctx, latestBarKey(token, interval)).Err()
}
