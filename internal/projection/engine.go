// Package projection folds the event log into the derived read state: one
// projection row per aggregate plus the relational side tables (grant
// buckets, batch items, payments, adjustments). Projections are a pure
// function of the log; anything here can be truncated and rebuilt.
package projection

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/storage"
)

// Engine applies events to projections, either incrementally inside a
// command transaction or wholesale via RebuildAll.
type Engine struct {
	log *zap.Logger
}

// New returns an engine. A nil logger is replaced with a no-op.
func New(log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{log: log}
}

// ApplyForAggregate refolds one aggregate from its events and upserts its
// projection row with watermark metadata from the last folded event. Side
// rows owned by the aggregate (grant buckets, batch items, payments,
// adjustments) are refreshed in the same pass. Call inside the command
// transaction after appending, with the aggregate's lock held.
func (e *Engine) ApplyForAggregate(ctx context.Context, tx storage.Tx, kind, id string) error {
	switch kind {
	case domain.KindGrant:
		return e.applyGrant(ctx, tx, id)
	case domain.KindVoucher:
		return e.applyVoucher(ctx, tx, id)
	case domain.KindAllocator:
		return e.applyAllocator(ctx, tx, id)
	case domain.KindClinic:
		return e.applyClinic(ctx, tx, id)
	case domain.KindClaim:
		return e.applyClaim(ctx, tx, id)
	case domain.KindInvoice:
		return e.applyInvoice(ctx, tx, id)
	case domain.KindOasisBatch:
		return e.applyBatch(ctx, tx, id)
	case domain.KindCloseout:
		return e.applyCloseout(ctx, tx, id)
	case domain.KindBreederFiling:
		return e.applyFiling(ctx, tx, id)
	case domain.KindArtifact:
		return nil
	default:
		return fmt.Errorf("no projection for aggregate kind %s", kind)
	}
}

func (e *Engine) applyGrant(ctx context.Context, tx storage.Tx, id string) error {
	evs, err := tx.EventsForAggregate(ctx, domain.KindGrant, id)
	if err != nil {
		return err
	}
	if len(evs) == 0 {
		return nil
	}
	st := domain.NewGrantState(id)
	for i := range evs {
		st.Apply(&evs[i])
	}
	if err := st.CheckInvariant(); err != nil {
		return err
	}
	if err := upsertState(ctx, tx, domain.KindGrant, id, id, st, &evs[len(evs)-1]); err != nil {
		return err
	}
	for _, bucket := range []string{domain.BucketGeneral, domain.BucketLIRP} {
		b := st.Bucket(bucket)
		err := tx.UpsertGrantBucket(ctx, storage.GrantBucketRow{
			CycleID:    id,
			Bucket:     bucket,
			Awarded:    b.Awarded,
			Available:  b.Available,
			Encumbered: b.Encumbered,
			Liquidated: b.Liquidated,
			Released:   b.Released,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyVoucher(ctx context.Context, tx storage.Tx, id string) error {
	evs, err := tx.EventsForAggregate(ctx, domain.KindVoucher, id)
	if err != nil {
		return err
	}
	if len(evs) == 0 {
		return nil
	}
	st := domain.NewVoucherState(id)
	for i := range evs {
		st.Apply(&evs[i])
	}
	if err := st.CheckInvariant(); err != nil {
		return err
	}
	return upsertState(ctx, tx, domain.KindVoucher, id, st.CycleID, st, &evs[len(evs)-1])
}

// applyAllocator refolds a county sequence counter. Allocators have no
// events of their own; they fold the cycle's voucher issue events, so the
// whole cycle stream is scanned and filtered by the state itself.
func (e *Engine) applyAllocator(ctx context.Context, tx storage.Tx, id string) error {
	cycleID, county := domain.SplitAllocatorID(id)
	evs, err := tx.EventsForCycle(ctx, cycleID)
	if err != nil {
		return err
	}
	st := domain.NewAllocatorState(cycleID, county)
	var last *domain.Event
	for i := range evs {
		before := st.NextSeq
		st.Apply(&evs[i])
		if st.NextSeq != before {
			last = &evs[i]
		}
	}
	return upsertState(ctx, tx, domain.KindAllocator, id, cycleID, st, last)
}

func (e *Engine) applyClinic(ctx context.Context, tx storage.Tx, id string) error {
	evs, err := tx.EventsForAggregate(ctx, domain.KindClinic, id)
	if err != nil {
		return err
	}
	if len(evs) == 0 {
		return nil
	}
	st := domain.NewClinicState(id)
	for i := range evs {
		st.Apply(&evs[i])
	}
	if err := st.CheckInvariant(); err != nil {
		return err
	}
	// Clinics span grant cycles; the row is global.
	return upsertState(ctx, tx, domain.KindClinic, id, "", st, &evs[len(evs)-1])
}

func (e *Engine) applyClaim(ctx context.Context, tx storage.Tx, id string) error {
	evs, err := tx.EventsForAggregate(ctx, domain.KindClaim, id)
	if err != nil {
		return err
	}
	if len(evs) == 0 {
		return nil
	}
	st := domain.NewClaimState(id)
	for i := range evs {
		st.Apply(&evs[i])
	}
	if err := st.CheckInvariant(); err != nil {
		return err
	}
	if err := upsertState(ctx, tx, domain.KindClaim, id, st.CycleID, st, &evs[len(evs)-1]); err != nil {
		return err
	}
	return e.syncClaimAdjustments(ctx, tx, st.CycleID, evs)
}

// syncClaimAdjustments inserts a pending adjustment row for every
// CLAIM_ADJUSTED event that does not have one yet. Targets are set later by
// the invoice that absorbs the adjustment.
func (e *Engine) syncClaimAdjustments(ctx context.Context, tx storage.Tx, cycleID string, evs []domain.Event) error {
	existing, err := adjustmentIndex(ctx, tx, cycleID)
	if err != nil {
		return err
	}
	for i := range evs {
		ev := &evs[i]
		if ev.EventType != domain.EventClaimAdjusted {
			continue
		}
		adjID := ev.DataString("adjustmentId")
		if adjID == "" || existing[adjID] {
			continue
		}
		err := tx.InsertAdjustment(ctx, storage.AdjustmentRow{
			AdjustmentID: adjID,
			CycleID:      cycleID,
			ClaimID:      ev.AggregateID,
			Delta:        ev.DataCents("deltaCents"),
			Reason:       ev.DataString("reason"),
			CreatedAt:    ev.OccurredAt,
		})
		if err != nil {
			return err
		}
		existing[adjID] = true
	}
	return nil
}

func (e *Engine) applyInvoice(ctx context.Context, tx storage.Tx, id string) error {
	own, err := tx.EventsForAggregate(ctx, domain.KindInvoice, id)
	if err != nil {
		return err
	}
	if len(own) == 0 {
		return nil
	}
	cycleID := own[0].CycleID

	// Export batches claim and release invoices through their own events,
	// so the fold walks the cycle stream and filters for relevance, keeping
	// batch effects interleaved with the invoice's own events in true
	// order.
	evs, err := tx.EventsForCycle(ctx, cycleID)
	if err != nil {
		return err
	}
	st := domain.NewInvoiceState(id)
	var last *domain.Event
	for i := range evs {
		ev := &evs[i]
		switch {
		case ev.AggregateKind == domain.KindInvoice && ev.AggregateID == id:
			st.Apply(ev)
			last = ev
		case ev.AggregateKind == domain.KindOasisBatch && batchEventTouches(ev, id, st.BatchID):
			st.ApplyBatchEffect(ev)
			last = ev
		}
	}
	if err := st.CheckInvariant(); err != nil {
		return err
	}
	if err := upsertState(ctx, tx, domain.KindInvoice, id, cycleID, st, last); err != nil {
		return err
	}
	return e.syncInvoiceSideRows(ctx, tx, cycleID, id, own)
}

// batchEventTouches reports whether a batch event is relevant to the given
// invoice: item additions name the invoice, terminal releases apply to the
// invoice's current batch.
func batchEventTouches(ev *domain.Event, invoiceID, currentBatch string) bool {
	switch ev.EventType {
	case domain.EventBatchItemAdded:
		return ev.DataString("invoiceId") == invoiceID
	case domain.EventBatchRejected, domain.EventBatchVoided:
		return ev.AggregateID == currentBatch
	}
	return false
}

// syncInvoiceSideRows refreshes payment rows and adjustment targets from
// the invoice's own events.
func (e *Engine) syncInvoiceSideRows(ctx context.Context, tx storage.Tx, cycleID, invoiceID string, own []domain.Event) error {
	payments, err := tx.ListPayments(ctx, cycleID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(payments))
	for _, p := range payments {
		seen[p.PaymentID] = true
	}
	adjusted, err := adjustmentRows(ctx, tx, cycleID)
	if err != nil {
		return err
	}

	for i := range own {
		ev := &own[i]
		switch ev.EventType {
		case domain.EventPaymentRecorded:
			payID := ev.DataString("paymentId")
			if payID == "" || seen[payID] {
				continue
			}
			err := tx.InsertPayment(ctx, storage.PaymentRow{
				PaymentID:  payID,
				CycleID:    cycleID,
				InvoiceID:  invoiceID,
				Amount:     ev.DataCents("amountCents"),
				Method:     ev.DataString("method"),
				Reference:  ev.DataString("reference"),
				RecordedAt: ev.OccurredAt,
			})
			if err != nil {
				return err
			}
			seen[payID] = true
		case domain.EventInvoiceAdjustmentApplied:
			adjID := ev.DataString("adjustmentId")
			if adjID == "" {
				continue
			}
			row, ok := adjusted[adjID]
			if !ok {
				row = storage.AdjustmentRow{
					AdjustmentID: adjID,
					CycleID:      cycleID,
					ClaimID:      ev.DataString("claimId"),
					Delta:        ev.DataCents("deltaCents"),
					CreatedAt:    ev.OccurredAt,
				}
				row.TargetInvoiceID = invoiceID
				if err := tx.InsertAdjustment(ctx, row); err != nil {
					return err
				}
				adjusted[adjID] = row
				continue
			}
			if row.TargetInvoiceID == invoiceID {
				continue
			}
			row.TargetInvoiceID = invoiceID
			if err := tx.UpdateAdjustment(ctx, row); err != nil {
				return err
			}
			adjusted[adjID] = row
		}
	}
	return nil
}

func (e *Engine) applyBatch(ctx context.Context, tx storage.Tx, id string) error {
	evs, err := tx.EventsForAggregate(ctx, domain.KindOasisBatch, id)
	if err != nil {
		return err
	}
	if len(evs) == 0 {
		return nil
	}
	st := domain.NewBatchState(id)
	for i := range evs {
		st.Apply(&evs[i])
	}
	if err := st.CheckInvariant(); err != nil {
		return err
	}
	if err := upsertState(ctx, tx, domain.KindOasisBatch, id, st.CycleID, st, &evs[len(evs)-1]); err != nil {
		return err
	}
	items := make([]storage.BatchItemRow, 0, len(st.Items))
	for _, it := range st.Items {
		items = append(items, storage.BatchItemRow{
			BatchID:    id,
			Seq:        it.Seq,
			InvoiceID:  it.InvoiceID,
			VendorCode: it.VendorCode,
			Amount:     it.Amount,
		})
	}
	return tx.ReplaceBatchItems(ctx, id, items)
}

// applyCloseout folds the closeout aggregate. GRANT_CYCLE_CLOSED lives on
// the grant aggregate, so the fold walks the cycle stream; the state
// ignores everything it does not recognize.
func (e *Engine) applyCloseout(ctx context.Context, tx storage.Tx, id string) error {
	evs, err := tx.EventsForCycle(ctx, id)
	if err != nil {
		return err
	}
	st := domain.NewCloseoutState(id)
	var last *domain.Event
	for i := range evs {
		ev := &evs[i]
		if !closeoutRelevant(ev) {
			continue
		}
		st.Apply(ev)
		last = ev
	}
	if last == nil {
		return nil
	}
	if err := st.CheckInvariant(); err != nil {
		return err
	}
	return upsertState(ctx, tx, domain.KindCloseout, id, id, st, last)
}

func closeoutRelevant(ev *domain.Event) bool {
	switch ev.EventType {
	case domain.EventCloseoutPreflightCompleted, domain.EventCloseoutStarted,
		domain.EventCloseoutReconciled, domain.EventAuditHoldSet,
		domain.EventAuditResolved, domain.EventGrantCycleClosed:
		return true
	}
	return false
}

func (e *Engine) applyFiling(ctx context.Context, tx storage.Tx, id string) error {
	evs, err := tx.EventsForAggregate(ctx, domain.KindBreederFiling, id)
	if err != nil {
		return err
	}
	if len(evs) == 0 {
		return nil
	}
	st := domain.NewBreederFilingState(id)
	for i := range evs {
		st.Apply(&evs[i])
	}
	if err := st.CheckInvariant(); err != nil {
		return err
	}
	return upsertState(ctx, tx, domain.KindBreederFiling, id, st.CycleID, st, &evs[len(evs)-1])
}

// upsertState encodes and writes one projection row. last may be nil for
// rows that exist before their first event (seeded allocators).
func upsertState(ctx context.Context, tx storage.Tx, kind, id, cycleID string, state interface{}, last *domain.Event) error {
	var wm domain.Watermark
	if last != nil {
		wm = domain.WatermarkFrom(last)
	}
	row, err := storage.EncodeProjection(kind, id, cycleID, state, wm)
	if err != nil {
		return err
	}
	return tx.UpsertProjection(ctx, row)
}

func adjustmentIndex(ctx context.Context, tx storage.Tx, cycleID string) (map[string]bool, error) {
	rows, err := tx.ListAdjustments(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]bool, len(rows))
	for _, r := range rows {
		idx[r.AdjustmentID] = true
	}
	return idx, nil
}

func adjustmentRows(ctx context.Context, tx storage.Tx, cycleID string) (map[string]storage.AdjustmentRow, error) {
	rows, err := tx.ListAdjustments(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]storage.AdjustmentRow, len(rows))
	for _, r := range rows {
		idx[r.AdjustmentID] = r
	}
	return idx, nil
}
