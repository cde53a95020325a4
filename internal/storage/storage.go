// Package storage defines the transactional contract the command handlers,
// projection engine, and closeout engine run against. Two implementations
// exist: memory (tests, local runs) and postgres (production).
package storage

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/wvsnp/backend/internal/artifacts"
	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/idempotency"
)

// Store opens transactions. Begin gives a writable transaction; View a
// read-only one. Both must be finished with Commit or Rollback.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	View(ctx context.Context) (ReadTx, error)
	Close() error
}

// ReadTx is the read surface shared by queries and writable transactions.
type ReadTx interface {
	// FetchSince pages the whole log in (ingested_at, event_id) order,
	// strictly after the watermark. limit <= 0 means no limit.
	FetchSince(ctx context.Context, since domain.Watermark, limit int) ([]domain.Event, error)
	EventsForAggregate(ctx context.Context, kind, id string) ([]domain.Event, error)
	EventsForCycle(ctx context.Context, cycleID string) ([]domain.Event, error)

	GetProjection(ctx context.Context, kind, id string) (*ProjectionRow, error)
	ListProjections(ctx context.Context, f ProjectionFilter) ([]ProjectionRow, error)
	FindClaimByFingerprint(ctx context.Context, cycleID, fingerprint string) (*ProjectionRow, error)
	FindBatchByFingerprint(ctx context.Context, fingerprint string) (*ProjectionRow, error)

	GetGrantBucket(ctx context.Context, cycleID, bucket string) (*GrantBucketRow, error)
	ListBatchItems(ctx context.Context, batchID string) ([]BatchItemRow, error)
	ListPayments(ctx context.Context, cycleID string) ([]PaymentRow, error)
	ListAdjustments(ctx context.Context, cycleID string) ([]AdjustmentRow, error)

	GetArtifact(ctx context.Context, digest string) (*artifacts.Artifact, error)

	Rollback() error
}

// Tx is a writable transaction. AppendEvent stamps ingested_at on the
// server side; whatever the caller put there is overwritten.
type Tx interface {
	ReadTx

	AppendEvent(ctx context.Context, ev *domain.Event) (*domain.Event, error)
	// LockAggregates sorts the refs into the fixed total order and takes
	// row locks. Callers pass refs in any order; missing rows are skipped
	// except allocators, which are seeded at sequence 1.
	LockAggregates(ctx context.Context, refs []AggregateRef) error
	Idempotency() idempotency.Rows

	UpsertProjection(ctx context.Context, row ProjectionRow) error
	TruncateProjections(ctx context.Context) error
	UpsertGrantBucket(ctx context.Context, row GrantBucketRow) error
	ReplaceBatchItems(ctx context.Context, batchID string, items []BatchItemRow) error
	InsertPayment(ctx context.Context, p PaymentRow) error
	InsertAdjustment(ctx context.Context, a AdjustmentRow) error
	UpdateAdjustment(ctx context.Context, a AdjustmentRow) error

	PutArtifact(ctx context.Context, a artifacts.Artifact) error
	// DeleteEvent always fails with IMMUTABILITY_VIOLATION. It exists so
	// the guarantee is checkable through the same interface in both
	// implementations.
	DeleteEvent(ctx context.Context, eventID string) error

	Commit() error
}

// ProjectionRow is one materialized aggregate state. State is the JSON of
// the folded domain state; the watermark columns record the last event
// folded into it.
type ProjectionRow struct {
	AggregateKind       string    `json:"aggregate_kind"`
	AggregateID         string    `json:"aggregate_id"`
	CycleID             string    `json:"cycle_id"`
	State               []byte    `json:"state"`
	WatermarkIngestedAt time.Time `json:"watermark_ingested_at"`
	WatermarkEventID    string    `json:"watermark_event_id"`
	RebuiltAt           time.Time `json:"rebuilt_at"`
}

// Decode unmarshals State into a domain aggregate value.
func (r *ProjectionRow) Decode(v interface{}) error {
	return json.Unmarshal(r.State, v)
}

// EncodeProjection builds a row from a folded state.
func EncodeProjection(kind, id, cycleID string, state interface{}, wm domain.Watermark) (ProjectionRow, error) {
	b, err := json.Marshal(state)
	if err != nil {
		return ProjectionRow{}, err
	}
	return ProjectionRow{
		AggregateKind:       kind,
		AggregateID:         id,
		CycleID:             cycleID,
		State:               b,
		WatermarkIngestedAt: wm.IngestedAt,
		WatermarkEventID:    wm.EventID,
	}, nil
}

// ProjectionFilter narrows ListProjections. Kind is required; CycleID
// optional; Limit <= 0 means no limit.
type ProjectionFilter struct {
	Kind    string
	CycleID string
	Limit   int
}

// GrantBucketRow is the relational mirror of one grant bucket. The
// arithmetic invariant is enforced here (CHECK constraint in Postgres, an
// explicit check in memory) so corruption cannot be committed.
type GrantBucketRow struct {
	CycleID    string       `json:"cycle_id"`
	Bucket     string       `json:"bucket"`
	Awarded    domain.Cents `json:"awarded"`
	Available  domain.Cents `json:"available"`
	Encumbered domain.Cents `json:"encumbered"`
	Liquidated domain.Cents `json:"liquidated"`
	Released   domain.Cents `json:"released"`
}

// CheckArithmetic mirrors the database CHECK constraint.
func (g GrantBucketRow) CheckArithmetic() error {
	if g.Available < 0 || g.Encumbered < 0 || g.Liquidated < 0 || g.Released < 0 || g.Awarded < 0 {
		return domain.Errf(domain.ErrGrantInvariant,
			"bucket %s/%s has a negative balance", g.CycleID, g.Bucket)
	}
	if g.Available+g.Encumbered+g.Liquidated != g.Awarded {
		return domain.Errf(domain.ErrGrantInvariant,
			"bucket %s/%s: available %d + encumbered %d + liquidated %d != awarded %d",
			g.CycleID, g.Bucket, g.Available, g.Encumbered, g.Liquidated, g.Awarded)
	}
	if g.Released > g.Awarded {
		return domain.Errf(domain.ErrGrantInvariant,
			"bucket %s/%s: released %d > awarded %d", g.CycleID, g.Bucket, g.Released, g.Awarded)
	}
	return nil
}

// BatchItemRow is one line of an export batch in the relational side table.
type BatchItemRow struct {
	BatchID    string       `json:"batch_id"`
	Seq        int          `json:"seq"`
	InvoiceID  string       `json:"invoice_id"`
	VendorCode string       `json:"vendor_code"`
	Amount     domain.Cents `json:"amount"`
}

// PaymentRow records one payment against an invoice.
type PaymentRow struct {
	PaymentID  string       `json:"payment_id"`
	CycleID    string       `json:"cycle_id"`
	InvoiceID  string       `json:"invoice_id"`
	Amount     domain.Cents `json:"amount"`
	Method     string       `json:"method"`
	Reference  string       `json:"reference"`
	RecordedAt time.Time    `json:"recorded_at"`
}

// AdjustmentRow is an open or applied claim adjustment. TargetInvoiceID is
// empty while the adjustment is pending; closeout preflight fails on any
// pending row.
type AdjustmentRow struct {
	AdjustmentID    string       `json:"adjustment_id"`
	CycleID         string       `json:"cycle_id"`
	ClaimID         string       `json:"claim_id"`
	TargetInvoiceID string       `json:"target_invoice_id,omitempty"`
	Delta           domain.Cents `json:"delta"`
	Reason          string       `json:"reason"`
	CreatedAt       time.Time    `json:"created_at"`
}

// LockKind ranks the aggregate kinds in the fixed total lock order.
type LockKind int

const (
	LockVoucher LockKind = iota
	LockGrantBucketGeneral
	LockGrantBucketLIRP
	LockAllocator
	LockClinic
	LockClaim
	LockInvoice
	LockOasisBatch
	LockCloseout
)

var lockKindNames = map[LockKind]string{
	LockVoucher:            "VOUCHER",
	LockGrantBucketGeneral: "GRANT_BUCKET_GENERAL",
	LockGrantBucketLIRP:    "GRANT_BUCKET_LIRP",
	LockAllocator:          "ALLOCATOR",
	LockClinic:             "CLINIC",
	LockClaim:              "CLAIM",
	LockInvoice:            "INVOICE",
	LockOasisBatch:         "OASIS_BATCH",
	LockCloseout:           "CLOSEOUT",
}

func (k LockKind) String() string {
	if s, ok := lockKindNames[k]; ok {
		return s
	}
	return "UNKNOWN"
}

// AggregateRef names one row to lock. For bucket kinds ID is the cycle id;
// for allocators it is the compound cycle/county key.
type AggregateRef struct {
	Kind LockKind
	ID   string
}

// SortRefs orders refs by (kind rank, id ascending) and drops duplicates.
// Every implementation locks in exactly this order; it is the only thing
// standing between concurrent handlers and a deadlock.
func SortRefs(refs []AggregateRef) []AggregateRef {
	sorted := make([]AggregateRef, len(refs))
	copy(sorted, refs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Kind != sorted[j].Kind {
			return sorted[i].Kind < sorted[j].Kind
		}
		return sorted[i].ID < sorted[j].ID
	})
	out := sorted[:0]
	for i, ref := range sorted {
		if i > 0 && ref == sorted[i-1] {
			continue
		}
		out = append(out, ref)
	}
	return out
}

// BucketRef builds the lock ref for a grant bucket. GENERAL ranks before
// LIRP.
func BucketRef(cycleID string, isLIRP bool) AggregateRef {
	if isLIRP {
		return AggregateRef{Kind: LockGrantBucketLIRP, ID: cycleID}
	}
	return AggregateRef{Kind: LockGrantBucketGeneral, ID: cycleID}
}
