package domain

import (
	"encoding/json"
	"time"
)

// Aggregate kinds as stored on the event envelope.
const (
	KindGrant         = "GRANT"
	KindVoucher       = "VOUCHER"
	KindAllocator     = "ALLOCATOR"
	KindClinic        = "CLINIC"
	KindClaim         = "CLAIM"
	KindInvoice       = "INVOICE"
	KindOasisBatch    = "OASIS_BATCH"
	KindCloseout      = "CLOSEOUT"
	KindBreederFiling = "BREEDER_FILING"
	KindArtifact      = "ARTIFACT"
)

// Actor kinds accepted on the command envelope.
const (
	ActorApplicant = "APPLICANT"
	ActorAdmin     = "ADMIN"
	ActorSystem    = "SYSTEM"
)

// Event types. The ingest allowlist is the grammar [A-Z0-9_]+; rebuild
// dispatches on these constants and skips anything it does not know.
const (
	// Grant cycle.
	EventGrantCycleCreated         = "GRANT_CYCLE_CREATED"
	EventGrantFundsEncumbered      = "GRANT_FUNDS_ENCUMBERED"
	EventGrantFundsReleased        = "GRANT_FUNDS_RELEASED"
	EventGrantFundsLiquidated      = "GRANT_FUNDS_LIQUIDATED"
	EventGrantMatchingCommitted    = "GRANT_MATCHING_COMMITTED"
	EventGrantMatchingReported     = "GRANT_MATCHING_REPORTED"
	EventGrantClaimsDeadlinePassed = "GRANT_CLAIMS_DEADLINE_PASSED"
	EventGrantCycleClosed          = "GRANT_CYCLE_CLOSED"

	// Voucher.
	EventVoucherIssuedTentative = "VOUCHER_ISSUED_TENTATIVE"
	EventVoucherIssued          = "VOUCHER_ISSUED"
	EventVoucherRedeemed        = "VOUCHER_REDEEMED"
	EventVoucherExpired         = "VOUCHER_EXPIRED"
	EventVoucherVoided          = "VOUCHER_VOIDED"

	// Clinic.
	EventClinicRegistered     = "CLINIC_REGISTERED"
	EventClinicLicenseUpdated = "CLINIC_LICENSE_UPDATED"
	EventClinicSuspended      = "CLINIC_SUSPENDED"
	EventClinicReinstated     = "CLINIC_REINSTATED"

	// Claim.
	EventClaimSubmitted                = "CLAIM_SUBMITTED"
	EventClaimApproved                 = "CLAIM_APPROVED"
	EventClaimDenied                   = "CLAIM_DENIED"
	EventClaimAdjusted                 = "CLAIM_ADJUSTED"
	EventClaimInvoiced                 = "CLAIM_INVOICED"
	EventClaimDecisionConflictRecorded = "CLAIM_DECISION_CONFLICT_RECORDED"

	// Invoice.
	EventInvoiceGenerated         = "INVOICE_GENERATED"
	EventInvoiceSubmitted         = "INVOICE_SUBMITTED"
	EventInvoicePaid              = "INVOICE_PAID"
	EventPaymentRecorded          = "PAYMENT_RECORDED"
	EventInvoiceAdjustmentApplied = "INVOICE_ADJUSTMENT_APPLIED"

	// OASIS export batch.
	EventBatchCreated      = "OASIS_EXPORT_BATCH_CREATED"
	EventBatchItemAdded    = "OASIS_EXPORT_BATCH_ITEM_ADDED"
	EventBatchFileRendered = "OASIS_EXPORT_FILE_RENDERED"
	EventBatchSubmitted    = "OASIS_EXPORT_BATCH_SUBMITTED"
	EventBatchAcknowledged = "OASIS_EXPORT_BATCH_ACKNOWLEDGED"
	EventBatchRejected     = "OASIS_EXPORT_BATCH_REJECTED"
	EventBatchVoided       = "OASIS_EXPORT_BATCH_VOIDED"

	// Closeout.
	EventCloseoutPreflightCompleted = "GRANT_CYCLE_CLOSEOUT_PREFLIGHT_COMPLETED"
	EventCloseoutStarted            = "GRANT_CYCLE_CLOSEOUT_STARTED"
	EventCloseoutReconciled         = "GRANT_CYCLE_CLOSEOUT_RECONCILED"
	EventAuditHoldSet               = "GRANT_CYCLE_AUDIT_HOLD_SET"
	EventAuditResolved              = "GRANT_CYCLE_AUDIT_RESOLVED"

	// Breeder filing.
	EventFilingCreated          = "BREEDER_FILING_CREATED"
	EventFilingSubmitted        = "BREEDER_FILING_SUBMITTED"
	EventFilingCured            = "BREEDER_FILING_CURED"
	EventFilingStatusRecomputed = "BREEDER_FILING_STATUS_RECOMPUTED"

	// Artifacts.
	EventArtifactAttached = "ARTIFACT_ATTACHED"
)

// postCloseAllowed lists the event types that may still be appended for a
// cycle after GRANT_CYCLE_CLOSED.
var postCloseAllowed = map[string]bool{
	EventPaymentRecorded:   true,
	EventBatchSubmitted:    true,
	EventBatchAcknowledged: true,
	EventBatchRejected:     true,
	EventBatchVoided:       true,
	EventAuditHoldSet:      true,
	EventAuditResolved:     true,
	EventArtifactAttached:  true,
}

// AllowedAfterClose reports whether the event type passes the post-close gate.
func AllowedAfterClose(eventType string) bool {
	return postCloseAllowed[eventType]
}

// Event is the immutable log record. occurred_at is business time supplied
// by the caller; ingested_at is stamped by storage on append and is never
// accepted from the caller.
type Event struct {
	EventID       string                 `json:"event_id"`
	AggregateKind string                 `json:"aggregate_kind"`
	AggregateID   string                 `json:"aggregate_id"`
	EventType     string                 `json:"event_type"`
	EventData     map[string]interface{} `json:"event_data"`
	OccurredAt    time.Time              `json:"occurred_at"`
	IngestedAt    time.Time              `json:"ingested_at"`
	CycleID       string                 `json:"cycle_id"`
	CorrelationID string                 `json:"correlation_id"`
	CausationID   string                 `json:"causation_id,omitempty"`
	ActorID       string                 `json:"actor_id"`
	ActorKind     string                 `json:"actor_kind"`
}

// DataJSON marshals the payload for storage. Payload maps only ever hold
// JSON-native values, so marshalling cannot fail in practice.
func (e *Event) DataJSON() []byte {
	if e.EventData == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(e.EventData)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// DataString reads a string field from the payload, "" when absent.
func (e *Event) DataString(key string) string {
	if e.EventData == nil {
		return ""
	}
	s, _ := e.EventData[key].(string)
	return s
}

// DataCents reads a decimal-digit-string money field from the payload.
func (e *Event) DataCents(key string) Cents {
	c, _ := ParseCents(e.DataString(key))
	return c
}

// DataBool reads a boolean payload field.
func (e *Event) DataBool(key string) bool {
	if e.EventData == nil {
		return false
	}
	b, _ := e.EventData[key].(bool)
	return b
}

// DataTime reads an RFC-3339 timestamp payload field; zero when absent or
// malformed.
func (e *Event) DataTime(key string) time.Time {
	t, err := time.Parse(time.RFC3339, e.DataString(key))
	if err != nil {
		return time.Time{}
	}
	return t
}

// DataInt reads an integer payload field encoded as a JSON number.
func (e *Event) DataInt(key string) int64 {
	if e.EventData == nil {
		return 0
	}
	switch v := e.EventData[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// Watermark is the (ingested_at, event_id) replay position. The zero value
// means "from the beginning". Pagination is exclusive: FetchSince returns
// events strictly after the watermark in tuple order.
type Watermark struct {
	IngestedAt time.Time `json:"ingested_at"`
	EventID    string    `json:"event_id"`
}

// WatermarkFrom derives the watermark that excludes ev and everything
// before it.
func WatermarkFrom(ev *Event) Watermark {
	return Watermark{IngestedAt: ev.IngestedAt, EventID: ev.EventID}
}

// IsZero reports whether the watermark is the beginning-of-log position.
func (w Watermark) IsZero() bool {
	return w.IngestedAt.IsZero() && w.EventID == ""
}

// Compare implements tuple order: -1 when w < other, 0 when equal, 1 when
// w > other. Timestamps compare first, event ids break ties lexically.
func (w Watermark) Compare(other Watermark) int {
	if w.IngestedAt.Before(other.IngestedAt) {
		return -1
	}
	if w.IngestedAt.After(other.IngestedAt) {
		return 1
	}
	switch {
	case w.EventID < other.EventID:
		return -1
	case w.EventID > other.EventID:
		return 1
	}
	return 0
}

// Less reports strict tuple order.
func (w Watermark) Less(other Watermark) bool {
	return w.Compare(other) < 0
}

// Covers reports whether an event at position (ingestedAt, eventID) is at or
// before this watermark, i.e. already visible to a reader that saw it.
func (w Watermark) Covers(ev *Event) bool {
	return !w.Less(WatermarkFrom(ev))
}
