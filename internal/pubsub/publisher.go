package pubsub

import (
	"context"
	"encoding/json"
	"strings"

	"nyyu-chartfeed/internal/metrics"
	"nyyu-chartfeed/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const barChannelPrefix = "nyyu:chart:bar:"

// BarMessage is the payload published for every realtime bar emission
type BarMessage struct {
	TokenAddress string          `json:"tokenAddress"`
	Interval     models.Interval `json:"interval"`
	Kind         string          `json:"kind"`
	Bar          models.Bar      `json:"bar"`
}

type Publisher struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewPublisher(client *redis.Client, logger *logrus.Logger) *Publisher {
	return &Publisher{
		client: client,
		logger: logger,
	}
}

// BarChannel is the Redis channel carrying bars of one token chart
func BarChannel(token string, interval models.Interval) string {
	return barChannelPrefix + strings.ToLower(token) + ":" + interval.String()
}

// PublishBar publishes a bar update to the token chart channel
func (p *Publisher) PublishBar(ctx context.Context, msg BarMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if err := p.client.Publish(ctx, BarChannel(msg.TokenAddress, msg.Interval), data).Err(); err != nil {
		metrics.PublishFailures.Inc()
		return err
	}
	metrics.PublishSuccess.Inc()
	return nil
}
