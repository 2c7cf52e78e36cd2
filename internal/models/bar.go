package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one OHLCV candle handed to the chart. Time is the bucket start in milliseconds.
type Bar struct {
	Time   int64           `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// OpenTime returns the bucket start as a UTC time
func (b *Bar) OpenTime() time.Time {
	return time.UnixMilli(b.Time).UTC()
}

// OHLCV is the kline payload carried by a kline_update push.
// T is the feed's own bar timestamp in seconds.
type OHLCV struct {
	T int64           `json:"t"`
	O decimal.Decimal `json:"o"`
	H decimal.Decimal `json:"h"`
	L decimal.Decimal `json:"l"`
	C decimal.Decimal `json:"c"`
	V decimal.Decimal `json:"v"`
}

// ToBar builds a bar at the given bucket start from the payload values
func (o OHLCV) ToBar(bucketStartMs int64) Bar {
	return Bar{
		Time:   bucketStartMs,
		Open:   o.O,
		High:   o.H,
		Low:    o.L,
		Close:  o.C,
		Volume: o.V,
	}
}

// IncomingUpdate is one decoded kline_update delivery
type IncomingUpdate struct {
	Timestamp    int64
	TokenAddress string
	Interval     Interval
	OHLCV        OHLCV
}

// Subscription is the per-listener realtime state
type Subscription struct {
	ListenerID   string
	TokenAddress string
	Interval     Interval
	LastBar      *Bar
	CreatedAt    time.Time
}

// WireChannel is a server-side kline subscription shared by every local listener
// watching the same token and interval.
type WireChannel struct {
	TokenAddress string
	Interval     Interval
	RefCount     int
}

// HistoryPage is one page of historical bars in ascending time order.
// Cursor and OldestTime are what the caller passes back for the next page.
type HistoryPage struct {
	Bars       []Bar
	Cursor     *string
	NoMoreData bool
	OldestTime int64
}

// ArchivedBar is a bar row in the ClickHouse archive
type ArchivedBar struct {
	TokenAddress string
	Interval     Interval
	Source       string
	Bar
}

const (
	SourceLive    = "live"
	SourceHistory = "history"
)
