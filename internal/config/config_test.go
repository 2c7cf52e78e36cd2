package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HISTORY_SOURCE", "")
	t.Setenv("CURSOR_STORE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, HistorySourceREST, cfg.History.Source)
	assert.Equal(t, CursorStoreMemory, cfg.History.CursorStore)
	assert.Equal(t, 300, cfg.History.PageLimit)
	assert.Equal(t, time.Second, cfg.Datafeed.DedupWindow)
	assert.Equal(t, 2*time.Minute, cfg.Datafeed.StaleThreshold)
	assert.Equal(t, "clamp", cfg.Datafeed.RegressionPolicy)
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HISTORY_SOURCE", "ClickHouse")
	t.Setenv("CURSOR_STORE", "redis")
	t.Setenv("WS_SEND_RATE", "2.5")
	t.Setenv("LIVENESS_INTERVAL", "10s")
	t.Setenv("BATCH_WRITE_SIZE", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, HistorySourceClickHouse, cfg.History.Source)
	assert.Equal(t, CursorStoreRedis, cfg.History.CursorStore)
	assert.Equal(t, 2.5, cfg.Feed.SendRate)
	assert.Equal(t, 10*time.Second, cfg.Datafeed.LivenessInterval)
	assert.Equal(t, 100, cfg.Archive.BatchWriteSize, "bad ints fall back to the default")
	assert.True(t, cfg.NeedsClickHouse())
}

func TestLoadRejectsBadSendRate(t *testing.T) {
	t.Setenv("WS_SEND_RATE", "fast")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Feed:       FeedConfig{URL: "wss://feed"},
			History:    HistoryConfig{Source: HistorySourceREST, BaseURL: "https://api", CursorStore: CursorStoreMemory},
			ClickHouse: ClickHouseConfig{Host: "ch"},
			Redis:      RedisConfig{Host: "redis"},
		}
	}
	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.History.Source = "s3"
	assert.ErrorContains(t, cfg.Validate(), "HISTORY_SOURCE")

	cfg = valid()
	cfg.History.CursorStore = "disk"
	assert.ErrorContains(t, cfg.Validate(), "CURSOR_STORE")

	cfg = valid()
	cfg.History.BaseURL = ""
	assert.ErrorContains(t, cfg.Validate(), "HISTORY_BASE_URL")

	cfg = valid()
	cfg.ClickHouse.Host = ""
	assert.NoError(t, cfg.Validate(), "archive disabled and rest history need no clickhouse")
	cfg.Archive.Enabled = true
	assert.ErrorContains(t, cfg.Validate(), "CLICKHOUSE_HOST")
}

func TestDSN(t *testing.T) {
	ch := ClickHouseConfig{Host: "ch", Port: 9000, Database: "trade", Username: "u", Password: "p"}
	assert.Equal(t, "clickhouse://u:p@ch:9000/trade?dial_timeout=10s&max_execution_time=60", ch.DSN())

	r := RedisConfig{Host: "redis", Port: 6379}
	assert.Equal(t, "redis:6379", r.Addr())
}
