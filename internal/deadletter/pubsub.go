package deadletter

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/fetchwork/mediascrape/internal/scrape"
)

// PubSub publishes dead-letter records to a Google Cloud Pub/Sub topic.
// Publish failures are logged and swallowed: a dead letter must never fail
// the failing item further.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

// NewPubSub connects to the topic.
func NewPubSub(ctx context.Context, projectID, topicID string, logger *zap.Logger) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	return &PubSub{client: client, topic: topic, logger: logger}, nil
}

// Emit publishes one record as JSON.
func (p *PubSub) Emit(ctx context.Context, record scrape.DeadLetter) {
	data, err := json.Marshal(record)
	if err != nil {
		p.logger.Error("marshal dead letter", zap.Error(err))
		return
	}
	result := p.topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		p.logger.Error("publish dead letter",
			zap.String("queue_item_id", record.QueueItemID), zap.Error(err))
	}
}

// Close stops the topic's publish goroutines and the client.
func (p *PubSub) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
