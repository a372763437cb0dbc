// Package publisher fans alerts out to Redis streams for downstream consumers.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rewired-gh/oddswatch/internal/models"
)

// DefaultStream is used when no stream key is configured.
const DefaultStream = "odds.alerts"

// StreamPublisher publishes alert events to a Redis stream
type StreamPublisher struct {
	client *redis.Client
	stream string
}

// NewStreamPublisher creates a new stream publisher
func NewStreamPublisher(client *redis.Client, stream string) *StreamPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamPublisher{
		client: client,
		stream: stream,
	}
}

// Name identifies this sink in logs.
func (p *StreamPublisher) Name() string { return "redis" }

// Stream returns the stream key alerts are published to.
func (p *StreamPublisher) Stream() string { return p.stream }

// PublishAlert appends one alert to the stream.
func (p *StreamPublisher) PublishAlert(ctx context.Context, event *models.AlertEvent) error {
	values, err := alertValues(event)
	if err != nil {
		return err
	}

	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
	}).Err()
}

// Notify lets the publisher act as an alert sink.
func (p *StreamPublisher) Notify(ctx context.Context, event *models.AlertEvent) error {
	return p.PublishAlert(ctx, event)
}

func alertValues(event *models.AlertEvent) (map[string]interface{}, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshaling alert: %w", err)
	}

	return map[string]interface{}{
		"data":        string(data),
		"alert_id":    event.ID,
		"market_key":  event.Key.String(),
		"market_type": event.Key.MarketType,
	}, nil
}
