package events

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/wvsnp/backend/internal/domain"
)

// PubSubBus wraps the in-memory Bus and also publishes every committed
// event to a Google Cloud Pub/Sub topic for durable, cross-service
// delivery.
//
// Fan-out strategy:
//   - Pub/Sub: durable, at-least-once delivery to downstream consumers
//   - In-memory: immediate push to SSE /v1/events/stream subscribers
type PubSubBus struct {
	*Bus // embedded: SSE subscribers, Subscribe/Unsubscribe still work

	client *pubsub.Client
	topic  *pubsub.Topic
	log    *zap.Logger
}

// NewPubSubBus creates a Pub/Sub-backed bus, creating the topic when it
// does not exist yet.
func NewPubSubBus(projectID, topicID string, log *zap.Logger) (*PubSubBus, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		log.Info("created pub/sub topic", zap.String("topic_id", topicID))
	}

	// Ordering is per aggregate: consumers see one aggregate's events in
	// append order.
	topic.EnableMessageOrdering = true

	bus := &PubSubBus{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
		log:    log.Named("pubsub"),
	}
	bus.log.Info("connected to pub/sub topic",
		zap.String("topic", topic.String()))
	return bus, nil
}

// EmitEvent publishes one committed log event to Pub/Sub and fans it out
// to the in-memory subscribers.
func (pb *PubSubBus) EmitEvent(ev *domain.Event) {
	event := FromLogEvent(ev)
	pb.publish(event, ev.AggregateKind+"/"+ev.AggregateID)
	pb.Bus.Publish(event)
}

// publish serializes the CloudEvent and publishes it as a Pub/Sub message.
// Message attributes mirror CloudEvents metadata for server-side filtering.
func (pb *PubSubBus) publish(event *CloudEvent, orderingKey string) {
	payload, err := event.JSON()
	if err != nil {
		pb.log.Error("marshal event", zap.String("event_id", event.ID), zap.Error(err))
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-cycleid":     event.CycleID,
		},
		OrderingKey: orderingKey,
	}

	result := pb.topic.Publish(context.Background(), msg)

	// Non-blocking: check the result off the hot path.
	go func() {
		serverID, err := result.Get(context.Background())
		if err != nil {
			pb.log.Error("pub/sub publish failed",
				zap.String("event_id", event.ID), zap.Error(err))
			return
		}
		pb.log.Debug("published event",
			zap.String("event_id", event.ID),
			zap.String("msg_id", serverID),
			zap.String("type", event.Type))
	}()
}

// Close gracefully shuts down the Pub/Sub client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

// TopicPath returns the fully-qualified Pub/Sub topic path.
func (pb *PubSubBus) TopicPath() string {
	return pb.topic.String()
}

// HealthCheck verifies the Pub/Sub topic is reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

var _ Emitter = (*PubSubBus)(nil)
