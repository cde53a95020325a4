package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wvsnp/backend/internal/events"
)

// Notification is the payload delivered to subscribers.
type Notification struct {
	ID        string                 `json:"id"`
	Kind      string                 `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	CycleID   string                 `json:"cycle_id,omitempty"`
	Subject   string                 `json:"subject,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// FromEvent builds a notification from a committed log event. The second
// return is false when the event type carries no external notification.
func FromEvent(ce *events.CloudEvent) (*Notification, bool) {
	kind := kindOf(ce.Type)
	if kind == "" {
		return nil, false
	}
	return &Notification{
		ID:        ce.ID,
		Kind:      kind,
		Timestamp: ce.Time,
		CycleID:   ce.CycleID,
		Subject:   ce.Subject,
		Data:      ce.Data,
	}, true
}

// Emitter delivers notifications. Both the in-process Dispatcher and the
// Cloud Tasks dispatcher satisfy it.
type Emitter interface {
	Emit(n *Notification)
	Shutdown()
}

const (
	maxAttempts = 3
	queueDepth  = 1000
)

type deliveryJob struct {
	sub     *Subscription
	n       *Notification
	payload []byte
	attempt int
}

// Dispatcher delivers notifications from an in-process worker pool. The
// notification id is the log event id, so a receiver that dedupes by id
// tolerates the at-least-once delivery.
type Dispatcher struct {
	registry *Registry
	client   *http.Client
	queue    chan *deliveryJob
	log      *zap.Logger
	backoff  func(attempt int) time.Duration
	wg       sync.WaitGroup
}

// NewDispatcher starts a worker pool. log may be nil.
func NewDispatcher(registry *Registry, workers int, log *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		registry: registry,
		client:   &http.Client{Timeout: 10 * time.Second},
		queue:    make(chan *deliveryJob, queueDepth),
		log:      log.Named("webhooks"),
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * time.Second
		},
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Listen subscribes to the bus and emits a notification for every committed
// event that maps to a notification kind. Returns once ctx is cancelled.
func (d *Dispatcher) Listen(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ce, ok := <-ch:
			if !ok {
				return
			}
			if n, ok := FromEvent(ce); ok {
				d.Emit(n)
			}
		}
	}
}

// Emit queues the notification for every matching subscriber. The queue is
// bounded; when it is full the delivery is dropped rather than blocking the
// caller.
func (d *Dispatcher) Emit(n *Notification) {
	subs := d.registry.Subscribers(n.Kind)
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(n)
	if err != nil {
		d.log.Error("marshal notification", zap.String("id", n.ID), zap.Error(err))
		return
	}
	for _, sub := range subs {
		select {
		case d.queue <- &deliveryJob{sub: sub, n: n, payload: payload, attempt: 1}:
		default:
			d.log.Warn("delivery queue full, dropping",
				zap.String("id", n.ID),
				zap.String("subscription", sub.ID))
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	req, err := http.NewRequest(http.MethodPost, job.sub.URL, bytes.NewReader(job.payload))
	if err != nil {
		d.log.Error("build delivery request", zap.String("url", job.sub.URL), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Wvsnp-Notification-Kind", job.n.Kind)
	req.Header.Set("X-Wvsnp-Notification-Id", job.n.ID)
	req.Header.Set("X-Wvsnp-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))
	if job.sub.Secret != "" {
		req.Header.Set("X-Wvsnp-Signature", "sha256="+Sign(job.payload, job.sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode < 400 {
			d.registry.MarkDelivered(job.sub.ID)
			return
		}
	}
	d.registry.MarkFailed(job.sub.ID)
	if job.attempt >= maxAttempts {
		d.log.Warn("delivery abandoned",
			zap.String("id", job.n.ID),
			zap.String("subscription", job.sub.ID),
			zap.Int("attempts", job.attempt))
		return
	}
	time.Sleep(d.backoff(job.attempt))
	job.attempt++
	select {
	case d.queue <- job:
	default:
	}
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}

var _ Emitter = (*Dispatcher)(nil)
