// Package notify publishes item-completion events to Pub/Sub.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/maps-harvester/internal/scrape"
)

// Event is the payload published for every finished item.
type Event struct {
	ItemKey    string            `json:"item_key"`
	Status     scrape.ItemStatus `json:"status"`
	Records    int               `json:"records"`
	FinishedAt time.Time         `json:"finished_at"`
}

// PubSubNotifier publishes completion events to one topic. Publish
// failures are the caller's to log; the scheduler treats notifications
// as fire-and-forget.
type PubSubNotifier struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	clock  scrape.Clock
	logger *zap.Logger
}

// NewPubSubNotifier connects a client and verifies the topic exists so
// a bad configuration fails at startup.
func NewPubSubNotifier(ctx context.Context, projectID, topicName string, clock scrape.Clock, logger *zap.Logger) (*PubSubNotifier, error) {
	if projectID == "" || topicName == "" {
		return nil, fmt.Errorf("pubsub project_id and topic_name are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicName)
	exists, err := topic.Exists(ctx)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("closing pubsub client", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicName, err)
	}
	if !exists {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("closing pubsub client", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicName, projectID)
	}
	return &PubSubNotifier{
		client: client,
		topic:  topic,
		clock:  clock,
		logger: logger,
	}, nil
}

// NewPubSubNotifierWithTopic constructs a notifier from an existing
// topic (primarily for testing).
func NewPubSubNotifierWithTopic(topic *pubsub.Topic, clock scrape.Clock, logger *zap.Logger) *PubSubNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubNotifier{topic: topic, clock: clock, logger: logger}
}

// ItemCompleted publishes one event and waits for the server ack.
func (n *PubSubNotifier) ItemCompleted(ctx context.Context, item scrape.WorkItem, records int) error {
	payload, err := json.Marshal(Event{
		ItemKey:    item.Key,
		Status:     item.Status,
		Records:    records,
		FinishedAt: n.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal completion event: %w", err)
	}

	result := n.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"status": string(item.Status),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish completion event for %q: %w", item.Key, err)
	}
	return nil
}

// Close stops the topic's publish goroutines and the client.
func (n *PubSubNotifier) Close() error {
	n.topic.Stop()
	if n.client == nil {
		return nil
	}
	if err := n.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

var _ scrape.Notifier = (*PubSubNotifier)(nil)
