package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"nyyu-chartfeed/internal/config"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const chartBarsTable = `
	CREATE TABLE IF NOT EXISTS chart_bars (
		token_address LowCardinality(String),
		interval LowCardinality(String),
		open_time DateTime64(3),
		open Float64 CODEC(DoubleDelta, LZ4),
		high Float64 CODEC(DoubleDelta, LZ4),
		low Float64 CODEC(DoubleDelta, LZ4),
		close Float64 CODEC(DoubleDelta, LZ4),
		volume Float64 CODEC(Gorilla, ZSTD(1)),
		source LowCardinality(String) DEFAULT 'live',
		updated_at DateTime64(3) DEFAULT now64(3),
		date Date MATERIALIZED toDate(open_time)
	)
	ENGINE = ReplacingMergeTree(updated_at)
	PARTITION BY (interval, toYYYYMM(date))
	ORDER BY (token_address, interval, open_time)
	SETTINGS index_granularity = 8192
`

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	ch := cfg.ClickHouse

	// Connect to default first
	conn, err := open(ch, "default")
	if err != nil {
		log.Fatal("Failed to connect to ClickHouse:", err)
	}

	ctx := context.Background()

	log.Printf("Creating database: %s", ch.Database)
	if err := conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", ch.Database)); err != nil {
		log.Fatal("Failed to create database:", err)
	}
	log.Println("✓ Database created")
	conn.Close()

	conn, err = open(ch, ch.Database)
	if err != nil {
		log.Fatal("Failed to reconnect to database:", err)
	}
	defer conn.Close()

	log.Println("Creating chart_bars table...")
	if err := conn.Exec(ctx, chartBarsTable); err != nil {
		log.Fatal("Failed to create chart_bars table:", err)
	}
	log.Println("✓ chart_bars table created")

	indexes := []string{
		"ALTER TABLE chart_bars ADD INDEX IF NOT EXISTS token_idx (token_address) TYPE bloom_filter() GRANULARITY 1",
		"ALTER TABLE chart_bars ADD INDEX IF NOT EXISTS source_idx (source) TYPE set(4) GRANULARITY 1",
	}
	for _, idx := range indexes {
		if err := conn.Exec(ctx, idx); err != nil {
			log.Printf("Warning: Failed to create index: %v", err)
		}
	}
	log.Println("✓ Indexes created")

	log.Println("\n✅ ClickHouse migration completed successfully!")
	log.Printf("Database: %s", ch.Database)
}

func open(ch config.ClickHouseConfig, database string) (driver.Conn, error) {
	return clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", ch.Host, ch.Port)},
		Auth: clickhouse.Auth{
			Database: database,
			Username: ch.Username,
			Password: ch.Password,
		},
		DialTimeout: 10 * time.Second,
	})
}
