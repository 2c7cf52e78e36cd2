package models

// HistoryRequest is one call to a historical bars source
type HistoryRequest struct {
	TokenAddress string
	Interval     Interval
	Limit        int
	Cursor       *string
}

// HistoryResponse mirrors the REST body: chartData plus an opaque cursor.
// A nil Cursor means the source has nothing older.
type HistoryResponse struct {
	Bars   []Bar   `json:"chartData"`
	Cursor *string `json:"cursor"`
}

// CursorEntry is the pagination state kept per token and interval
type CursorEntry struct {
	Cursor     *string `json:"cursor"`
	NoMoreData bool    `json:"no_more_data"`
	OldestTime int64   `json:"oldest_time"`
}
