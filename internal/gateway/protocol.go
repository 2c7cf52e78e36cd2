package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"nyyu-chartfeed/internal/models"
)

// Event names on the market-data socket
type Event string

const (
	EventConnected    Event = "connected"
	EventDisconnected Event = "disconnected"
	EventReady        Event = "ready"
	EventKlineUpdate  Event = "kline_update"

	eventSubscribe   = "subscribe"
	eventUnsubscribe = "unsubscribe"

	ChannelKline = "kline"
)

var ErrMalformedUpdate = errors.New("malformed kline update")

// envelope is the frame shape in both directions: {"event": "...", "data": {...}}
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SubscriptionRequest is the body of subscribe and unsubscribe frames
type SubscriptionRequest struct {
	TokenAddress string   `json:"tokenAddress"`
	Channels     []string `json:"channels"`
	Intervals    []string `json:"intervals"`
}

type outboundMessage struct {
	Event string              `json:"event"`
	Data  SubscriptionRequest `json:"data"`
}

// key identifies the channel set a frame targets, used to cancel queued subscribes
func (m outboundMessage) key() string {
	return strings.ToLower(m.Data.TokenAddress) + "|" + strings.Join(m.Data.Channels, ",") + "|" + strings.Join(m.Data.Intervals, ",")
}

func newOutbound(event, token string, intervals []models.Interval) outboundMessage {
	names := make([]string, len(intervals))
	for i, iv := range intervals {
		names[i] = iv.String()
	}
	return outboundMessage{
		Event: event,
		Data: SubscriptionRequest{
			TokenAddress: token,
			Channels:     []string{ChannelKline},
			Intervals:    names,
		},
	}
}

// klineUpdatePayload is {timestamp, data: {tokenAddress, interval, data: {t,o,h,l,c,v}}}
type klineUpdatePayload struct {
	Timestamp int64 `json:"timestamp"`
	Data      struct {
		TokenAddress string       `json:"tokenAddress"`
		Interval     string       `json:"interval"`
		Data         models.OHLCV `json:"data"`
	} `json:"data"`
}

// DecodeKlineUpdate parses the data of a kline_update frame
func DecodeKlineUpdate(raw json.RawMessage) (models.IncomingUpdate, error) {
	var p klineUpdatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.IncomingUpdate{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if p.Data.TokenAddress == "" {
		return models.IncomingUpdate{}, fmt.Errorf("%w: missing token address", ErrMalformedUpdate)
	}
	if p.Data.Interval == "" {
		return models.IncomingUpdate{}, fmt.Errorf("%w: missing interval", ErrMalformedUpdate)
	}

	return models.IncomingUpdate{
		Timestamp:    p.Timestamp,
		TokenAddress: p.Data.TokenAddress,
		Interval:     models.Interval(p.Data.Interval),
		OHLCV:        p.Data.Data,
	}, nil
}

// EncodeKlineUpdate builds a kline_update frame; used by feed simulators and tests
func EncodeKlineUpdate(u models.IncomingUpdate) ([]byte, error) {
	var p klineUpdatePayload
	p.Timestamp = u.Timestamp
	p.Data.TokenAddress = u.TokenAddress
	p.Data.Interval = u.Interval.String()
	p.Data.Data = u.OHLCV

	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: string(EventKlineUpdate), Data: data})
}
