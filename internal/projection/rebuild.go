package projection

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/storage"
)

// rebuildPageSize bounds how many events one FetchSince call returns while
// streaming the log.
const rebuildPageSize = 500

// Report summarizes one full rebuild.
type Report struct {
	Events     int           `json:"events"`
	Aggregates int           `json:"aggregates"`
	Took       time.Duration `json:"took"`
}

type projKey struct {
	kind string
	id   string
}

// folder accumulates every derived state while the log streams past once.
type folder struct {
	grants     map[string]*domain.GrantState
	vouchers   map[string]*domain.VoucherState
	allocators map[string]*domain.AllocatorState
	clinics    map[string]*domain.ClinicState
	claims     map[string]*domain.ClaimState
	invoices   map[string]*domain.InvoiceState
	batches    map[string]*domain.BatchState
	closeouts  map[string]*domain.CloseoutState
	filings    map[string]*domain.BreederFilingState

	payments    []storage.PaymentRow
	paymentIDs  map[string]bool
	adjustments map[string]*storage.AdjustmentRow
	adjOrder    []string

	cycles map[projKey]string
	marks  map[projKey]domain.Watermark
}

func newFolder() *folder {
	return &folder{
		grants:      map[string]*domain.GrantState{},
		vouchers:    map[string]*domain.VoucherState{},
		allocators:  map[string]*domain.AllocatorState{},
		clinics:     map[string]*domain.ClinicState{},
		claims:      map[string]*domain.ClaimState{},
		invoices:    map[string]*domain.InvoiceState{},
		batches:     map[string]*domain.BatchState{},
		closeouts:   map[string]*domain.CloseoutState{},
		filings:     map[string]*domain.BreederFilingState{},
		paymentIDs:  map[string]bool{},
		adjustments: map[string]*storage.AdjustmentRow{},
		cycles:      map[projKey]string{},
		marks:       map[projKey]domain.Watermark{},
	}
}

func (f *folder) mark(kind, id, cycleID string, ev *domain.Event) {
	k := projKey{kind: kind, id: id}
	f.cycles[k] = cycleID
	f.marks[k] = domain.WatermarkFrom(ev)
}

// route dispatches one event to every state it touches. Unknown aggregate
// kinds and event types fall through untouched so old logs stay replayable
// after the schema grows.
func (f *folder) route(ev *domain.Event) {
	switch ev.AggregateKind {
	case domain.KindGrant:
		id := ev.AggregateID
		st, ok := f.grants[id]
		if !ok {
			st = domain.NewGrantState(id)
			f.grants[id] = st
		}
		st.Apply(ev)
		f.mark(domain.KindGrant, id, id, ev)
		if ev.EventType == domain.EventGrantCycleClosed {
			f.closeout(ev.CycleID).Apply(ev)
			f.mark(domain.KindCloseout, ev.CycleID, ev.CycleID, ev)
		}

	case domain.KindVoucher:
		id := ev.AggregateID
		st, ok := f.vouchers[id]
		if !ok {
			st = domain.NewVoucherState(id)
			f.vouchers[id] = st
		}
		st.Apply(ev)
		f.mark(domain.KindVoucher, id, ev.CycleID, ev)
		if ev.EventType == domain.EventVoucherIssuedTentative || ev.EventType == domain.EventVoucherIssued {
			county := ev.DataString("county")
			aid := domain.AllocatorID(ev.CycleID, county)
			alloc, ok := f.allocators[aid]
			if !ok {
				alloc = domain.NewAllocatorState(ev.CycleID, county)
				f.allocators[aid] = alloc
			}
			alloc.Apply(ev)
			f.mark(domain.KindAllocator, aid, ev.CycleID, ev)
		}

	case domain.KindClinic:
		id := ev.AggregateID
		st, ok := f.clinics[id]
		if !ok {
			st = domain.NewClinicState(id)
			f.clinics[id] = st
		}
		st.Apply(ev)
		f.mark(domain.KindClinic, id, "", ev)

	case domain.KindClaim:
		id := ev.AggregateID
		st, ok := f.claims[id]
		if !ok {
			st = domain.NewClaimState(id)
			f.claims[id] = st
		}
		st.Apply(ev)
		f.mark(domain.KindClaim, id, ev.CycleID, ev)
		if ev.EventType == domain.EventClaimAdjusted {
			f.pendingAdjustment(ev)
		}

	case domain.KindInvoice:
		id := ev.AggregateID
		st, ok := f.invoices[id]
		if !ok {
			st = domain.NewInvoiceState(id)
			f.invoices[id] = st
		}
		st.Apply(ev)
		f.mark(domain.KindInvoice, id, ev.CycleID, ev)
		switch ev.EventType {
		case domain.EventPaymentRecorded:
			f.payment(ev)
		case domain.EventInvoiceAdjustmentApplied:
			f.targetAdjustment(ev)
		}

	case domain.KindOasisBatch:
		id := ev.AggregateID
		st, ok := f.batches[id]
		if !ok {
			st = domain.NewBatchState(id)
			f.batches[id] = st
		}
		st.Apply(ev)
		f.mark(domain.KindOasisBatch, id, ev.CycleID, ev)
		switch ev.EventType {
		case domain.EventBatchItemAdded:
			if inv, ok := f.invoices[ev.DataString("invoiceId")]; ok {
				inv.ApplyBatchEffect(ev)
				f.mark(domain.KindInvoice, inv.InvoiceID, ev.CycleID, ev)
			}
		case domain.EventBatchRejected, domain.EventBatchVoided:
			for _, invID := range st.InvoiceIDs() {
				if inv, ok := f.invoices[invID]; ok {
					inv.ApplyBatchEffect(ev)
					f.mark(domain.KindInvoice, invID, ev.CycleID, ev)
				}
			}
		}

	case domain.KindCloseout:
		f.closeout(ev.AggregateID).Apply(ev)
		f.mark(domain.KindCloseout, ev.AggregateID, ev.AggregateID, ev)

	case domain.KindBreederFiling:
		id := ev.AggregateID
		st, ok := f.filings[id]
		if !ok {
			st = domain.NewBreederFilingState(id)
			f.filings[id] = st
		}
		st.Apply(ev)
		f.mark(domain.KindBreederFiling, id, ev.CycleID, ev)
	}
}

func (f *folder) closeout(cycleID string) *domain.CloseoutState {
	st, ok := f.closeouts[cycleID]
	if !ok {
		st = domain.NewCloseoutState(cycleID)
		f.closeouts[cycleID] = st
	}
	return st
}

func (f *folder) pendingAdjustment(ev *domain.Event) {
	adjID := ev.DataString("adjustmentId")
	if adjID == "" {
		return
	}
	if _, ok := f.adjustments[adjID]; ok {
		return
	}
	f.adjustments[adjID] = &storage.AdjustmentRow{
		AdjustmentID: adjID,
		CycleID:      ev.CycleID,
		ClaimID:      ev.AggregateID,
		Delta:        ev.DataCents("deltaCents"),
		Reason:       ev.DataString("reason"),
		CreatedAt:    ev.OccurredAt,
	}
	f.adjOrder = append(f.adjOrder, adjID)
}

func (f *folder) targetAdjustment(ev *domain.Event) {
	adjID := ev.DataString("adjustmentId")
	if adjID == "" {
		return
	}
	row, ok := f.adjustments[adjID]
	if !ok {
		row = &storage.AdjustmentRow{
			AdjustmentID: adjID,
			CycleID:      ev.CycleID,
			ClaimID:      ev.DataString("claimId"),
			Delta:        ev.DataCents("deltaCents"),
			CreatedAt:    ev.OccurredAt,
		}
		f.adjustments[adjID] = row
		f.adjOrder = append(f.adjOrder, adjID)
	}
	row.TargetInvoiceID = ev.AggregateID
}

func (f *folder) payment(ev *domain.Event) {
	payID := ev.DataString("paymentId")
	if payID == "" || f.paymentIDs[payID] {
		return
	}
	f.paymentIDs[payID] = true
	f.payments = append(f.payments, storage.PaymentRow{
		PaymentID:  payID,
		CycleID:    ev.CycleID,
		InvoiceID:  ev.AggregateID,
		Amount:     ev.DataCents("amountCents"),
		Method:     ev.DataString("method"),
		Reference:  ev.DataString("reference"),
		RecordedAt: ev.OccurredAt,
	})
}

// RebuildAll truncates every projection and side table and refolds the
// whole log in one transaction. The log is the only input, so two rebuilds
// over the same log land on identical rows.
func (e *Engine) RebuildAll(ctx context.Context, store storage.Store) (*Report, error) {
	start := time.Now()
	e.log.Info("rebuilding projections from event log")

	tx, err := store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := tx.TruncateProjections(ctx); err != nil {
		return nil, err
	}

	f := newFolder()
	var (
		total int
		since domain.Watermark
	)
	for {
		page, err := tx.FetchSince(ctx, since, rebuildPageSize)
		if err != nil {
			return nil, err
		}
		for i := range page {
			f.route(&page[i])
		}
		total += len(page)
		if len(page) < rebuildPageSize {
			break
		}
		since = domain.WatermarkFrom(&page[len(page)-1])
	}

	rows, err := e.flush(ctx, tx, f)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	rep := &Report{Events: total, Aggregates: rows, Took: time.Since(start)}
	e.log.Info("projection rebuild complete",
		zap.Int("events", rep.Events),
		zap.Int("aggregates", rep.Aggregates),
		zap.Duration("took", rep.Took))
	return rep, nil
}

// flush validates every folded state and writes the projection rows, bucket
// rows, batch items, payments, and adjustments.
func (e *Engine) flush(ctx context.Context, tx storage.Tx, f *folder) (int, error) {
	var rows int
	put := func(kind, id string, state interface{}) error {
		k := projKey{kind: kind, id: id}
		row, err := storage.EncodeProjection(kind, id, f.cycles[k], state, f.marks[k])
		if err != nil {
			return err
		}
		if err := tx.UpsertProjection(ctx, row); err != nil {
			return err
		}
		rows++
		return nil
	}

	for id, st := range f.grants {
		if err := st.CheckInvariant(); err != nil {
			return rows, err
		}
		if err := put(domain.KindGrant, id, st); err != nil {
			return rows, err
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
				return rows, err
			}
		}
	}
	for id, st := range f.vouchers {
		if err := st.CheckInvariant(); err != nil {
			return rows, err
		}
		if err := put(domain.KindVoucher, id, st); err != nil {
			return rows, err
		}
	}
	for id, st := range f.allocators {
		if err := st.CheckInvariant(); err != nil {
			return rows, err
		}
		if err := put(domain.KindAllocator, id, st); err != nil {
			return rows, err
		}
	}
	for id, st := range f.clinics {
		if err := st.CheckInvariant(); err != nil {
			return rows, err
		}
		if err := put(domain.KindClinic, id, st); err != nil {
			return rows, err
		}
	}
	for id, st := range f.claims {
		if err := st.CheckInvariant(); err != nil {
			return rows, err
		}
		if err := put(domain.KindClaim, id, st); err != nil {
			return rows, err
		}
	}
	for id, st := range f.invoices {
		if err := st.CheckInvariant(); err != nil {
			return rows, err
		}
		if err := put(domain.KindInvoice, id, st); err != nil {
			return rows, err
		}
	}
	for id, st := range f.batches {
		if err := st.CheckInvariant(); err != nil {
			return rows, err
		}
		if err := put(domain.KindOasisBatch, id, st); err != nil {
			return rows, err
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
		if err := tx.ReplaceBatchItems(ctx, id, items); err != nil {
			return rows, err
		}
	}
	for id, st := range f.closeouts {
		if err := st.CheckInvariant(); err != nil {
			return rows, err
		}
		if err := put(domain.KindCloseout, id, st); err != nil {
			return rows, err
		}
	}
	for id, st := range f.filings {
		if err := st.CheckInvariant(); err != nil {
			return rows, err
		}
		if err := put(domain.KindBreederFiling, id, st); err != nil {
			return rows, err
		}
	}

	for _, p := range f.payments {
		if err := tx.InsertPayment(ctx, p); err != nil {
			return rows, err
		}
	}
	for _, adjID := range f.adjOrder {
		if err := tx.InsertAdjustment(ctx, *f.adjustments[adjID]); err != nil {
			return rows, err
		}
	}
	return rows, nil
}
