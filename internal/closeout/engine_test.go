package closeout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/storage"
	"github.com/wvsnp/backend/internal/storage/memory"
)

const testCycle = "cycle-fy26"

// seed runs fn inside a committed write transaction.
func seed(t *testing.T, store *memory.Store, fn func(tx storage.Tx)) {
	t.Helper()
	tx, err := store.Begin(context.Background())
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func appendEvent(t *testing.T, tx storage.Tx, kind, id, eventType string, data map[string]interface{}) *domain.Event {
	t.Helper()
	stamped, err := tx.AppendEvent(context.Background(), &domain.Event{
		EventID:       domain.NewEventID(),
		AggregateKind: kind,
		AggregateID:   id,
		EventType:     eventType,
		EventData:     data,
		OccurredAt:    time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
		CycleID:       testCycle,
		CorrelationID: "corr-engine-test",
		ActorID:       "user:admin",
		ActorKind:     domain.ActorAdmin,
	})
	require.NoError(t, err)
	return stamped
}

func putProjection(t *testing.T, tx storage.Tx, kind, id string, state interface{}) {
	t.Helper()
	row, err := storage.EncodeProjection(kind, id, testCycle, state, domain.Watermark{
		IngestedAt: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
		EventID:    domain.NewEventID(),
	})
	require.NoError(t, err)
	require.NoError(t, tx.UpsertProjection(context.Background(), row))
}

func activeGrant() *domain.GrantState {
	g := domain.NewGrantState(testCycle)
	g.Status = domain.GrantActive
	g.Buckets[domain.BucketGeneral] = &domain.BucketState{Awarded: 100000, Available: 100000}
	return g
}

func TestPreflightAllChecksPassOnQuietCycle(t *testing.T) {
	store := memory.New()
	seed(t, store, func(tx storage.Tx) {
		putProjection(t, tx, domain.KindGrant, testCycle, activeGrant())
	})
	view, err := store.View(context.Background())
	require.NoError(t, err)
	defer view.Rollback()

	checks, passed, err := New(nil).Preflight(context.Background(), view, testCycle)
	require.NoError(t, err)
	assert.True(t, passed)
	require.Len(t, checks, 6)
	names := make([]string, len(checks))
	for i, c := range checks {
		assert.True(t, c.Passed, c.Name)
		names[i] = c.Name
	}
	assert.Equal(t, []string{
		domain.CheckAllApprovedClaimsInvoiced,
		domain.CheckAllSubmittedInvoicesExported,
		domain.CheckAllBatchesAcknowledged,
		domain.CheckAllPaymentsRecorded,
		domain.CheckNoPendingAdjustments,
		domain.CheckMatchingFundsReported,
	}, names, "the check list keeps its fixed order")
}

func TestPreflightFlagsEveryKindOfOpenWork(t *testing.T) {
	store := memory.New()
	seed(t, store, func(tx storage.Tx) {
		grant := activeGrant()
		grant.Matching.Committed = 20000
		putProjection(t, tx, domain.KindGrant, testCycle, grant)

		putProjection(t, tx, domain.KindClaim, "claim-1", &domain.ClaimState{
			ClaimID: "claim-1", CycleID: testCycle, Status: domain.ClaimApproved,
		})
		putProjection(t, tx, domain.KindInvoice, "INV-1", &domain.InvoiceState{
			InvoiceID: "INV-1", CycleID: testCycle, Status: domain.InvoiceSubmitted,
		})
		putProjection(t, tx, domain.KindOasisBatch, "BATCH-1", &domain.BatchState{
			BatchID: "BATCH-1", CycleID: testCycle, Status: domain.BatchSubmitted,
		})
		require.NoError(t, tx.InsertAdjustment(context.Background(), storage.AdjustmentRow{
			AdjustmentID: "ADJ-1", CycleID: testCycle, ClaimID: "claim-1", Delta: -500,
		}))
	})
	view, err := store.View(context.Background())
	require.NoError(t, err)
	defer view.Rollback()

	checks, passed, err := New(nil).Preflight(context.Background(), view, testCycle)
	require.NoError(t, err)
	assert.False(t, passed)
	for _, c := range checks {
		assert.False(t, c.Passed, c.Name)
		assert.NotEmpty(t, c.Detail, c.Name)
	}
}

func TestPreflightIgnoresSettledWork(t *testing.T) {
	store := memory.New()
	seed(t, store, func(tx storage.Tx) {
		grant := activeGrant()
		grant.Matching.Committed = 20000
		grant.Matching.Reported = 20000
		putProjection(t, tx, domain.KindGrant, testCycle, grant)

		putProjection(t, tx, domain.KindClaim, "claim-1", &domain.ClaimState{
			ClaimID: "claim-1", CycleID: testCycle, Status: domain.ClaimApproved, InvoiceID: "INV-1",
		})
		putProjection(t, tx, domain.KindInvoice, "INV-1", &domain.InvoiceState{
			InvoiceID: "INV-1", CycleID: testCycle, Status: domain.InvoiceSubmitted, BatchID: "BATCH-1",
		})
		putProjection(t, tx, domain.KindOasisBatch, "BATCH-1", &domain.BatchState{
			BatchID: "BATCH-1", CycleID: testCycle, Status: domain.BatchVoided,
		})
		require.NoError(t, tx.InsertPayment(context.Background(), storage.PaymentRow{
			PaymentID: "PAY-1", CycleID: testCycle, InvoiceID: "INV-1", Amount: 25000,
		}))
		require.NoError(t, tx.InsertAdjustment(context.Background(), storage.AdjustmentRow{
			AdjustmentID: "ADJ-1", CycleID: testCycle, ClaimID: "claim-1",
			TargetInvoiceID: "INV-1", Delta: -500,
		}))
	})
	view, err := store.View(context.Background())
	require.NoError(t, err)
	defer view.Rollback()

	_, passed, err := New(nil).Preflight(context.Background(), view, testCycle)
	require.NoError(t, err)
	assert.True(t, passed)
}

func TestReconcileSummariesAtWatermark(t *testing.T) {
	store := memory.New()
	var cutoff domain.Watermark
	seed(t, store, func(tx storage.Tx) {
		appendEvent(t, tx, domain.KindGrant, testCycle, domain.EventGrantCycleCreated, map[string]interface{}{
			"cycleShort":          "FY26",
			"awardedGeneralCents": "100000",
			"awardedLirpCents":    "0",
			"rateNum":             int64(1),
			"rateDen":             int64(1),
		})
		appendEvent(t, tx, domain.KindVoucher, "FY26-KANAWHA-00001", domain.EventVoucherIssued, nil)
		appendEvent(t, tx, domain.KindGrant, testCycle, domain.EventGrantFundsEncumbered, map[string]interface{}{
			"bucket": domain.BucketGeneral, "amountCents": "40000",
		})
		appendEvent(t, tx, domain.KindClaim, "claim-1", domain.EventClaimSubmitted, nil)
		appendEvent(t, tx, domain.KindClaim, "claim-1", domain.EventClaimApproved, nil)
		appendEvent(t, tx, domain.KindGrant, testCycle, domain.EventGrantFundsLiquidated, map[string]interface{}{
			"bucket": domain.BucketGeneral, "amountCents": "30000",
		})
		last := appendEvent(t, tx, domain.KindGrant, testCycle, domain.EventGrantFundsReleased, map[string]interface{}{
			"bucket": domain.BucketGeneral, "amountCents": "10000",
		})
		cutoff = domain.WatermarkFrom(last)

		// Activity after the watermark must not leak into the snapshot.
		appendEvent(t, tx, domain.KindClaim, "claim-2", domain.EventClaimSubmitted, nil)
		appendEvent(t, tx, domain.KindGrant, testCycle, domain.EventGrantMatchingReported, map[string]interface{}{
			"amountCents": "5000",
		})
	})
	view, err := store.View(context.Background())
	require.NoError(t, err)
	defer view.Rollback()

	rec, err := New(nil).Reconcile(context.Background(), view, testCycle, cutoff)
	require.NoError(t, err)
	assert.Equal(t, domain.Cents(100000), rec.Financial.Awarded)
	assert.Equal(t, domain.Cents(30000), rec.Financial.Liquidated)
	assert.Equal(t, domain.Cents(10000), rec.Financial.Released)
	assert.Equal(t, domain.Cents(60000), rec.Financial.Unspent)
	assert.True(t, rec.Financial.Balanced())
	assert.Equal(t, 1, rec.Activity.VouchersIssued)
	assert.Equal(t, 1, rec.Activity.ClaimsSubmitted, "claim-2 is past the watermark")
	assert.Equal(t, 1, rec.Activity.ClaimsApproved)
	assert.Equal(t, domain.Cents(0), rec.Matching.Reported, "the late report is past the watermark")

	// Re-running at the same watermark reproduces the snapshot exactly.
	again, err := New(nil).Reconcile(context.Background(), view, testCycle, cutoff)
	require.NoError(t, err)
	assert.Equal(t, rec, again)
}

func TestReconcileSkipsConfirmations(t *testing.T) {
	store := memory.New()
	seed(t, store, func(tx storage.Tx) {
		appendEvent(t, tx, domain.KindGrant, testCycle, domain.EventGrantCycleCreated, map[string]interface{}{
			"cycleShort":          "FY26",
			"awardedGeneralCents": "100000",
			"awardedLirpCents":    "0",
		})
		appendEvent(t, tx, domain.KindVoucher, "FY26-KANAWHA-00001", domain.EventVoucherIssuedTentative, nil)
		// A confirmation re-issues the voucher; it is not a second issuance.
		appendEvent(t, tx, domain.KindVoucher, "FY26-KANAWHA-00001", domain.EventVoucherIssued, map[string]interface{}{
			"confirmedFrom": domain.VoucherTentative,
		})
	})
	view, err := store.View(context.Background())
	require.NoError(t, err)
	defer view.Rollback()

	rec, err := New(nil).Reconcile(context.Background(), view, testCycle, domain.Watermark{})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Activity.VouchersIssued)
}

func TestGateHonorsPostCloseAllowList(t *testing.T) {
	store := memory.New()
	seed(t, store, func(tx storage.Tx) {
		grant := activeGrant()
		grant.Status = domain.GrantClosed
		putProjection(t, tx, domain.KindGrant, testCycle, grant)
	})
	view, err := store.View(context.Background())
	require.NoError(t, err)
	defer view.Rollback()
	engine := New(nil)

	err = engine.Gate(context.Background(), view, testCycle, domain.EventVoucherIssued)
	assert.Equal(t, domain.ErrGrantCycleClosed, domain.CodeOf(err))
	err = engine.Gate(context.Background(), view, testCycle, domain.EventInvoicePaid)
	assert.Equal(t, domain.ErrGrantCycleClosed, domain.CodeOf(err), "the paid flip is derived, not allow-listed")

	for _, allowed := range []string{
		domain.EventPaymentRecorded,
		domain.EventBatchSubmitted,
		domain.EventBatchAcknowledged,
		domain.EventBatchRejected,
		domain.EventBatchVoided,
		domain.EventAuditHoldSet,
		domain.EventAuditResolved,
		domain.EventArtifactAttached,
	} {
		assert.NoError(t, engine.Gate(context.Background(), view, testCycle, allowed), allowed)
	}
}

func TestGateFallsBackToTheEventStream(t *testing.T) {
	store := memory.New()
	seed(t, store, func(tx storage.Tx) {
		// No grant projection at all: the gate scans the cycle stream.
		appendEvent(t, tx, domain.KindGrant, testCycle, domain.EventGrantCycleClosed, nil)
	})
	view, err := store.View(context.Background())
	require.NoError(t, err)
	defer view.Rollback()

	err = New(nil).Gate(context.Background(), view, testCycle, domain.EventVoucherIssued)
	assert.Equal(t, domain.ErrGrantCycleClosed, domain.CodeOf(err))

	assert.NoError(t, New(nil).Gate(context.Background(), view, "cycle-other", domain.EventVoucherIssued),
		"an open cycle passes everything")
}
