package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"go.uber.org/zap"
)

// CloudDispatcher delivers notifications through a Google Cloud Tasks queue:
// durable, at-least-once, with queue-level retry and dead-lettering. One
// task is enqueued per matching subscriber; enqueue failures fall back to
// the in-process dispatcher when one is configured.
type CloudDispatcher struct {
	registry  *Registry
	client    *cloudtasks.Client
	queuePath string
	log       *zap.Logger
	fallback  *Dispatcher
}

// NewCloudDispatcher connects to the queue at
// projects/<project>/locations/<location>/queues/<queue>. fallbackWorkers > 0
// also starts an in-process pool for enqueue failures. log may be nil.
func NewCloudDispatcher(registry *Registry, projectID, locationID, queueID string, fallbackWorkers int, log *zap.Logger) (*CloudDispatcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks client: %w", err)
	}
	cd := &CloudDispatcher{
		registry:  registry,
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		log:       log.Named("webhooks"),
	}
	if fallbackWorkers > 0 {
		cd.fallback = NewDispatcher(registry, fallbackWorkers, log)
	}
	return cd, nil
}

// Emit enqueues one task per matching subscriber.
func (cd *CloudDispatcher) Emit(n *Notification) {
	subs := cd.registry.Subscribers(n.Kind)
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(n)
	if err != nil {
		cd.log.Error("marshal notification", zap.String("id", n.ID), zap.Error(err))
		return
	}
	for _, sub := range subs {
		cd.enqueue(sub, n, payload)
	}
}

func (cd *CloudDispatcher) enqueue(sub *Subscription, n *Notification, payload []byte) {
	headers := map[string]string{
		"Content-Type":              "application/json",
		"X-Wvsnp-Notification-Kind": n.Kind,
		"X-Wvsnp-Notification-Id":   n.ID,
	}
	if sub.Secret != "" {
		headers["X-Wvsnp-Signature"] = "sha256=" + Sign(payload, sub.Secret)
	}
	req := &taskspb.CreateTaskRequest{
		Parent: cd.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        sub.URL,
					Headers:    headers,
					Body:       payload,
				},
			},
		},
	}

	// Enqueue off the hot path; a post-commit notification must not slow
	// the command that produced it.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := cd.client.CreateTask(ctx, req); err != nil {
			cd.log.Warn("cloud task enqueue failed",
				zap.String("id", n.ID),
				zap.String("subscription", sub.ID),
				zap.Error(err))
			if cd.fallback != nil {
				cd.fallback.Emit(n)
			}
		}
	}()
}

// Shutdown closes the queue client and drains the fallback pool.
func (cd *CloudDispatcher) Shutdown() {
	if cd.fallback != nil {
		cd.fallback.Shutdown()
	}
	if err := cd.client.Close(); err != nil {
		cd.log.Warn("cloud tasks client close", zap.Error(err))
	}
}

var _ Emitter = (*CloudDispatcher)(nil)
