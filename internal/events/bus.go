// Package events fans committed log events out to live consumers. The bus
// is strictly post-commit and best-effort: the event log is the durable
// record, subscribers only get a low-latency copy.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/wvsnp/backend/internal/domain"
)

// Emitter publishes one committed event. Both the in-memory Bus and the
// Pub/Sub-backed bus satisfy this interface.
type Emitter interface {
	EmitEvent(ev *domain.Event)
}

// CloudEvent is the CloudEvents 1.0 envelope events travel in outside the
// process. Compatible with the CNCF CloudEvents specification.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	CycleID     string                 `json:"cycleid,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// FromLogEvent wraps a committed log event in a CloudEvents envelope. The
// log event id doubles as the CloudEvent id so consumers can dedupe.
func FromLogEvent(ev *domain.Event) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        ev.EventType,
		Source:      "/" + ev.AggregateKind,
		ID:          ev.EventID,
		Time:        ev.IngestedAt,
		Subject:     ev.AggregateID,
		CycleID:     ev.CycleID,
		Data: map[string]interface{}{
			"aggregateKind": ev.AggregateKind,
			"aggregateId":   ev.AggregateID,
			"cycleId":       ev.CycleID,
			"correlationId": ev.CorrelationID,
			"causationId":   ev.CausationID,
			"actorId":       ev.ActorID,
			"actorKind":     ev.ActorKind,
			"occurredAt":    ev.OccurredAt.Format(time.RFC3339Nano),
			"eventData":     ev.EventData,
		},
	}
}

// JSON serializes the event.
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// SSEFormat returns the event in Server-Sent Events wire format.
func (ce *CloudEvent) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(ce)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", ce.Type, data, ce.ID)), nil
}

// Bus is an in-process pub/sub fan-out. Subscribers receive CloudEvents in
// real time; a slow subscriber drops events rather than blocking commits.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *CloudEvent // eventType -> channels
	allSubs     []chan *CloudEvent
	bufferSize  int
}

// NewBus creates an in-process bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *CloudEvent),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events of the given types. Pass no
// types to receive everything.
func (b *Bus) Subscribe(eventTypes ...string) chan *CloudEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *CloudEvent, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *CloudEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := make([]chan *CloudEvent, 0, len(subs))
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}
	filtered := make([]chan *CloudEvent, 0, len(b.allSubs))
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish delivers an event to all matching subscribers without blocking.
func (b *Bus) Publish(event *CloudEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Channel full, skip.
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// EmitEvent wraps and publishes one committed log event.
func (b *Bus) EmitEvent(ev *domain.Event) {
	b.Publish(FromLogEvent(ev))
}

// SubscriberCount returns the total number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

type nopEmitter struct{}

func (nopEmitter) EmitEvent(*domain.Event) {}

// Nop returns an emitter that discards everything.
func Nop() Emitter {
	return nopEmitter{}
}

var _ Emitter = (*Bus)(nil)
