// Package webhooks notifies external systems about grant-program milestones.
// Subscribers register a URL per notification kind; deliveries are signed
// HMAC-SHA256 and retried, and a subscriber that keeps failing is disabled.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wvsnp/backend/internal/domain"
)

// Notification kinds subscribers can ask for.
const (
	KindBatchSubmitted    = "batch.submitted"
	KindBatchAcknowledged = "batch.acknowledged"
	KindBatchRejected     = "batch.rejected"
	KindCloseoutStarted   = "closeout.started"
	KindCycleClosed       = "cycle.closed"
	KindAuditHoldSet      = "closeout.audit_hold"
	KindVoucherExpired    = "voucher.expired"
	KindClaimDecided      = "claim.decided"
	KindFilingOverdue     = "filing.status_changed"
)

// kindOf maps a log event type to its notification kind. Most event types
// are internal bookkeeping and map to nothing.
func kindOf(eventType string) string {
	switch eventType {
	case domain.EventBatchSubmitted:
		return KindBatchSubmitted
	case domain.EventBatchAcknowledged:
		return KindBatchAcknowledged
	case domain.EventBatchRejected:
		return KindBatchRejected
	case domain.EventCloseoutStarted:
		return KindCloseoutStarted
	case domain.EventGrantCycleClosed:
		return KindCycleClosed
	case domain.EventAuditHoldSet:
		return KindAuditHoldSet
	case domain.EventVoucherExpired, domain.EventVoucherVoided:
		return KindVoucherExpired
	case domain.EventClaimApproved, domain.EventClaimDenied:
		return KindClaimDecided
	case domain.EventFilingStatusRecomputed:
		return KindFilingOverdue
	default:
		return ""
	}
}

// Subscription is one registered webhook endpoint.
type Subscription struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Kinds     []string  `json:"kinds"`
	Secret    string    `json:"secret,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	FailCount int       `json:"fail_count"`
}

const disableAfterFailures = 10

// Registry stores webhook subscriptions.
type Registry struct {
	// DefaultSecret signs deliveries for subscriptions registered without
	// their own secret. Set once at startup, before serving.
	DefaultSecret string

	mu     sync.RWMutex
	subs   map[string]*Subscription
	byKind map[string][]*Subscription
	log    *zap.Logger
}

// NewRegistry builds an empty registry. log may be nil.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		subs:   map[string]*Subscription{},
		byKind: map[string][]*Subscription{},
		log:    log.Named("webhooks"),
	}
}

// Register adds a subscription. An empty ID gets one minted.
func (r *Registry) Register(sub *Subscription) error {
	if sub.URL == "" {
		return fmt.Errorf("webhook url is required")
	}
	if len(sub.Kinds) == 0 {
		return fmt.Errorf("at least one notification kind is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.ID == "" {
		sub.ID = domain.NewRefID("WH")
	}
	if sub.Secret == "" {
		sub.Secret = r.DefaultSecret
	}
	sub.Active = true
	sub.FailCount = 0
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	r.subs[sub.ID] = sub
	for _, k := range sub.Kinds {
		r.byKind[k] = append(r.byKind[k], sub)
	}
	r.log.Info("webhook registered",
		zap.String("id", sub.ID),
		zap.String("url", sub.URL),
		zap.Strings("kinds", sub.Kinds))
	return nil
}

// Unregister removes a subscription.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return fmt.Errorf("webhook %s not found", id)
	}
	delete(r.subs, id)
	for _, k := range sub.Kinds {
		kept := r.byKind[k][:0]
		for _, s := range r.byKind[k] {
			if s.ID != id {
				kept = append(kept, s)
			}
		}
		r.byKind[k] = kept
	}
	return nil
}

// Subscribers returns the active subscriptions for a notification kind.
func (r *Registry) Subscribers(kind string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var active []*Subscription
	for _, sub := range r.byKind[kind] {
		if sub.Active {
			active = append(active, sub)
		}
	}
	return active
}

// List returns every subscription.
func (r *Registry) List() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out
}

// MarkDelivered clears the failure streak after a successful delivery.
func (r *Registry) MarkDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[id]; ok {
		sub.FailCount = 0
	}
}

// MarkFailed counts a failed delivery and disables the subscription once the
// streak reaches the limit.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return
	}
	sub.FailCount++
	if sub.FailCount >= disableAfterFailures && sub.Active {
		sub.Active = false
		r.log.Warn("webhook disabled",
			zap.String("id", sub.ID),
			zap.Int("failures", sub.FailCount))
	}
}

// Sign computes the hex HMAC-SHA256 of a payload. Receivers verify the
// X-Wvsnp-Signature header against it.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
