// Package closeout computes the end-of-cycle checks and summaries: the six
// preflight checks, the reconciliation snapshot at a watermark, and the
// post-close event gate. The command handlers own the transactions and the
// closeout events; this package only reads and computes.
package closeout

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/storage"
)

// Engine evaluates closeout rules against the store.
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

// Preflight recomputes the deterministic check list for a cycle from the
// projections. The list always carries all six checks in fixed order.
func (e *Engine) Preflight(ctx context.Context, tx storage.ReadTx, cycleID string) ([]domain.CloseoutCheck, bool, error) {
	claims, err := decodeClaims(ctx, tx, cycleID)
	if err != nil {
		return nil, false, err
	}
	invoices, err := decodeInvoices(ctx, tx, cycleID)
	if err != nil {
		return nil, false, err
	}
	batches, err := decodeBatches(ctx, tx, cycleID)
	if err != nil {
		return nil, false, err
	}
	payments, err := tx.ListPayments(ctx, cycleID)
	if err != nil {
		return nil, false, err
	}
	adjustments, err := tx.ListAdjustments(ctx, cycleID)
	if err != nil {
		return nil, false, err
	}
	grant, err := decodeGrant(ctx, tx, cycleID)
	if err != nil {
		return nil, false, err
	}

	checks := []domain.CloseoutCheck{
		approvedClaimsInvoiced(claims),
		submittedInvoicesExported(invoices),
		batchesAcknowledged(batches),
		paymentsRecorded(invoices, payments),
		noPendingAdjustments(adjustments),
		matchingFundsReported(grant),
	}
	passed := true
	for _, c := range checks {
		if !c.Passed {
			passed = false
		}
	}
	return checks, passed, nil
}

func approvedClaimsInvoiced(claims []domain.ClaimState) domain.CloseoutCheck {
	check := domain.CloseoutCheck{Name: domain.CheckAllApprovedClaimsInvoiced, Passed: true}
	var open int
	for _, c := range claims {
		if c.Status == domain.ClaimApproved && c.InvoiceID == "" {
			open++
		}
	}
	if open > 0 {
		check.Passed = false
		check.Detail = plural(open, "approved claim", "approved claims") + " not yet invoiced"
	}
	return check
}

func submittedInvoicesExported(invoices []domain.InvoiceState) domain.CloseoutCheck {
	check := domain.CloseoutCheck{Name: domain.CheckAllSubmittedInvoicesExported, Passed: true}
	var open int
	for _, inv := range invoices {
		if inv.Status == domain.InvoiceSubmitted && inv.BatchID == "" {
			open++
		}
	}
	if open > 0 {
		check.Passed = false
		check.Detail = plural(open, "submitted invoice", "submitted invoices") + " not on any export batch"
	}
	return check
}

func batchesAcknowledged(batches []domain.BatchState) domain.CloseoutCheck {
	check := domain.CloseoutCheck{Name: domain.CheckAllBatchesAcknowledged, Passed: true}
	var open int
	for _, b := range batches {
		switch b.Status {
		case domain.BatchAcknowledged, domain.BatchVoided:
		default:
			open++
		}
	}
	if open > 0 {
		check.Passed = false
		check.Detail = plural(open, "batch", "batches") + " neither acknowledged nor voided"
	}
	return check
}

func paymentsRecorded(invoices []domain.InvoiceState, payments []storage.PaymentRow) domain.CloseoutCheck {
	check := domain.CloseoutCheck{Name: domain.CheckAllPaymentsRecorded, Passed: true}
	paid := make(map[string]bool, len(payments))
	for _, p := range payments {
		paid[p.InvoiceID] = true
	}
	var open int
	for _, inv := range invoices {
		if inv.Status == domain.InvoiceSubmitted && !paid[inv.InvoiceID] {
			open++
		}
	}
	if open > 0 {
		check.Passed = false
		check.Detail = plural(open, "submitted invoice", "submitted invoices") + " with no payment on record"
	}
	return check
}

func noPendingAdjustments(adjustments []storage.AdjustmentRow) domain.CloseoutCheck {
	check := domain.CloseoutCheck{Name: domain.CheckNoPendingAdjustments, Passed: true}
	var open int
	for _, a := range adjustments {
		if a.TargetInvoiceID == "" {
			open++
		}
	}
	if open > 0 {
		check.Passed = false
		check.Detail = plural(open, "adjustment", "adjustments") + " not applied to any invoice"
	}
	return check
}

func matchingFundsReported(grant *domain.GrantState) domain.CloseoutCheck {
	check := domain.CloseoutCheck{Name: domain.CheckMatchingFundsReported, Passed: true}
	if grant == nil {
		check.Passed = false
		check.Detail = "grant cycle not found"
		return check
	}
	if grant.Matching.Reported < grant.Matching.Committed {
		check.Passed = false
		check.Detail = "matching shortfall of " + grant.Matching.Shortfall().String() + " cents"
	}
	return check
}

// Reconciliation is the snapshot the RECONCILED event carries.
type Reconciliation struct {
	Financial domain.FinancialSummary
	Matching  domain.MatchingSummary
	Activity  domain.ActivitySummary
	Watermark domain.Watermark
}

// Reconcile folds the cycle's events up to and including the caller's
// watermark into the financial, matching, and activity summaries. The
// watermark makes the computation reproducible: re-running with the same
// watermark over the same log yields the same summaries.
func (e *Engine) Reconcile(ctx context.Context, tx storage.ReadTx, cycleID string, at domain.Watermark) (*Reconciliation, error) {
	evs, err := tx.EventsForCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}

	grant := domain.NewGrantState(cycleID)
	var activity domain.ActivitySummary
	for i := range evs {
		ev := &evs[i]
		if !at.IsZero() && !at.Covers(ev) {
			continue
		}
		if ev.AggregateKind == domain.KindGrant {
			grant.Apply(ev)
		}
		switch ev.EventType {
		case domain.EventVoucherIssuedTentative, domain.EventVoucherIssued:
			if ev.DataString("confirmedFrom") == "" {
				activity.VouchersIssued++
			}
		case domain.EventClaimSubmitted:
			activity.ClaimsSubmitted++
		case domain.EventClaimApproved:
			activity.ClaimsApproved++
		case domain.EventClaimDenied:
			activity.ClaimsDenied++
		case domain.EventInvoiceGenerated:
			activity.InvoicesGenerated++
		case domain.EventBatchCreated:
			activity.BatchesCreated++
		case domain.EventPaymentRecorded:
			activity.PaymentsRecorded++
		}
	}
	if err := grant.CheckInvariant(); err != nil {
		return nil, err
	}

	rec := &Reconciliation{
		Financial: domain.FinancialSummary{
			Awarded:    grant.Awarded(),
			Liquidated: grant.Liquidated(),
			Released:   grant.Released(),
			Unspent:    grant.Unspent(),
		},
		Matching: domain.MatchingSummary{
			Committed: grant.Matching.Committed,
			Reported:  grant.Matching.Reported,
			Shortfall: grant.Matching.Shortfall(),
			Surplus:   grant.Matching.Surplus(),
		},
		Activity:  activity,
		Watermark: at,
	}
	if !rec.Financial.Balanced() {
		return nil, domain.Errf(domain.ErrCloseoutInvariant,
			"cycle %s: awarded %d != liquidated %d + released %d + unspent %d",
			cycleID, rec.Financial.Awarded, rec.Financial.Liquidated,
			rec.Financial.Released, rec.Financial.Unspent)
	}
	return rec, nil
}

// Gate rejects an event append on a closed cycle unless the event type is
// on the post-close allow-list. Handlers call it before every append.
func (e *Engine) Gate(ctx context.Context, tx storage.ReadTx, cycleID, eventType string) error {
	closed, err := cycleClosed(ctx, tx, cycleID)
	if err != nil {
		return err
	}
	if !closed {
		return nil
	}
	if domain.AllowedAfterClose(eventType) {
		return nil
	}
	e.log.Info("post-close gate rejected event",
		zap.String("cycle_id", cycleID),
		zap.String("event_type", eventType))
	return domain.Errf(domain.ErrGrantCycleClosed, "cycle %s is closed", cycleID)
}

// cycleClosed prefers the grant projection and falls back to scanning the
// cycle stream for logs whose projections have not been built yet.
func cycleClosed(ctx context.Context, tx storage.ReadTx, cycleID string) (bool, error) {
	row, err := tx.GetProjection(ctx, domain.KindGrant, cycleID)
	if err != nil {
		return false, err
	}
	if row != nil {
		var st domain.GrantState
		if err := row.Decode(&st); err != nil {
			return false, err
		}
		return st.Status == domain.GrantClosed, nil
	}
	evs, err := tx.EventsForCycle(ctx, cycleID)
	if err != nil {
		return false, err
	}
	for i := range evs {
		if evs[i].EventType == domain.EventGrantCycleClosed {
			return true, nil
		}
	}
	return false, nil
}

func decodeClaims(ctx context.Context, tx storage.ReadTx, cycleID string) ([]domain.ClaimState, error) {
	rows, err := tx.ListProjections(ctx, storage.ProjectionFilter{Kind: domain.KindClaim, CycleID: cycleID})
	if err != nil {
		return nil, err
	}
	out := make([]domain.ClaimState, 0, len(rows))
	for i := range rows {
		var st domain.ClaimState
		if err := rows[i].Decode(&st); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func decodeInvoices(ctx context.Context, tx storage.ReadTx, cycleID string) ([]domain.InvoiceState, error) {
	rows, err := tx.ListProjections(ctx, storage.ProjectionFilter{Kind: domain.KindInvoice, CycleID: cycleID})
	if err != nil {
		return nil, err
	}
	out := make([]domain.InvoiceState, 0, len(rows))
	for i := range rows {
		var st domain.InvoiceState
		if err := rows[i].Decode(&st); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func decodeBatches(ctx context.Context, tx storage.ReadTx, cycleID string) ([]domain.BatchState, error) {
	rows, err := tx.ListProjections(ctx, storage.ProjectionFilter{Kind: domain.KindOasisBatch, CycleID: cycleID})
	if err != nil {
		return nil, err
	}
	out := make([]domain.BatchState, 0, len(rows))
	for i := range rows {
		var st domain.BatchState
		if err := rows[i].Decode(&st); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func decodeGrant(ctx context.Context, tx storage.ReadTx, cycleID string) (*domain.GrantState, error) {
	row, err := tx.GetProjection(ctx, domain.KindGrant, cycleID)
	if err != nil || row == nil {
		return nil, err
	}
	var st domain.GrantState
	if err := row.Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return strconv.Itoa(n) + " " + many
}
