package projection_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wvsnp/backend/internal/closeout"
	"github.com/wvsnp/backend/internal/commands"
	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/metrics"
	"github.com/wvsnp/backend/internal/projection"
	"github.com/wvsnp/backend/internal/storage"
	"github.com/wvsnp/backend/internal/storage/memory"
)

const testCycle = "cycle-fy26"

func env(key string) commands.Envelope {
	return commands.Envelope{IdempotencyKey: key, ActorID: "user:admin", ActorKind: domain.ActorAdmin}
}

func ref(content string) string {
	return "sha256:" + domain.ArtifactDigest([]byte(content))
}

// seedWorkload drives one cycle through vouchers, claims, an invoice with a
// payment, a rendered batch, and a claim adjustment, so the rebuild has
// every projection kind and side table to reproduce.
func seedWorkload(t *testing.T, svc *commands.Service) {
	t.Helper()
	ctx := context.Background()

	_, err := svc.CreateGrantCycle(ctx, env("rb-seed-cycle"), commands.CreateGrantCycleInput{
		CycleID:             testCycle,
		CycleShort:          "FY26",
		PeriodStart:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:           time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC),
		ClaimsDeadline:      time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC),
		AwardedGeneralCents: 100000,
		AwardedLirpCents:    50000,
		RateNum:             1,
		RateDen:             1,
	})
	require.NoError(t, err)
	_, err = svc.RegisterClinic(ctx, env("rb-seed-clinic"), commands.RegisterClinicInput{
		ClinicID:         "clinic-elkview",
		Name:             "Elkview Veterinary Clinic",
		LicenseNumber:    "WV-VET-4411",
		LicenseExpiresAt: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		OasisVendorCode:  "VET004411",
	})
	require.NoError(t, err)

	voucher, err := svc.IssueVoucher(ctx, env("rb-issue-1"), commands.IssueVoucherInput{
		CycleID:               testCycle,
		County:                "KANAWHA",
		ApplicantID:           "applicant-rb-1",
		MaxReimbursementCents: 50000,
		ExpiresAt:             time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	claim, err := svc.SubmitClaim(ctx, env("rb-claim-1"), commands.SubmitClaimInput{
		VoucherID:          voucher.VoucherID,
		ClinicID:           "clinic-elkview",
		ProcedureCode:      "SPAY",
		DateOfService:      "2026-02-10",
		AmountCents:        50000,
		ProcedureReportRef: ref("report-rb-1"),
		ClinicInvoiceRef:   ref("invoice-rb-1"),
	})
	require.NoError(t, err)
	_, err = svc.AdjudicateClaim(ctx, env("rb-approve-1"), commands.AdjudicateClaimInput{
		ClaimID:       claim.ClaimID,
		Decision:      commands.DecisionApprove,
		DecisionBasis: "documentation complete",
	})
	require.NoError(t, err)

	inv, err := svc.GenerateInvoice(ctx, env("rb-invoice-1"), commands.GenerateInvoiceInput{
		CycleID:     testCycle,
		ClinicID:    "clinic-elkview",
		PeriodStart: "2026-02-01",
		PeriodEnd:   "2026-02-28",
	})
	require.NoError(t, err)
	_, err = svc.SubmitInvoice(ctx, env("rb-submit-inv-1"), commands.SubmitInvoiceInput{InvoiceID: inv.InvoiceID})
	require.NoError(t, err)
	_, err = svc.RecordPayment(ctx, env("rb-pay-1"), commands.RecordPaymentInput{
		InvoiceID:   inv.InvoiceID,
		AmountCents: 20000,
		Method:      "ACH",
		Reference:   "treasury-001",
	})
	require.NoError(t, err)

	batch, err := svc.GenerateExportBatch(ctx, env("rb-batch-1"), commands.GenerateExportBatchInput{
		CycleID:     testCycle,
		PeriodStart: "2026-02-01",
		PeriodEnd:   "2026-02-28",
	})
	require.NoError(t, err)
	_, err = svc.RenderExportFile(ctx, env("rb-render-1"), commands.RenderExportFileInput{BatchID: batch.BatchID})
	require.NoError(t, err)

	_, err = svc.AdjustClaim(ctx, env("rb-adjust-1"), commands.AdjustClaimInput{
		ClaimID:    claim.ClaimID,
		DeltaCents: -5000,
		Reason:     "copay collected after approval",
	})
	require.NoError(t, err)
}

// snapshot captures every projection row, bucket row, and side table.
type snapshot struct {
	rows        map[string]storage.ProjectionRow
	buckets     map[string]storage.GrantBucketRow
	payments    []storage.PaymentRow
	adjustments []storage.AdjustmentRow
}

var projectionKinds = []string{
	domain.KindGrant, domain.KindVoucher, domain.KindAllocator, domain.KindClinic,
	domain.KindClaim, domain.KindInvoice, domain.KindOasisBatch, domain.KindCloseout,
	domain.KindBreederFiling,
}

func takeSnapshot(t *testing.T, store *memory.Store) *snapshot {
	t.Helper()
	ctx := context.Background()
	view, err := store.View(ctx)
	require.NoError(t, err)
	defer view.Rollback()

	snap := &snapshot{
		rows:    map[string]storage.ProjectionRow{},
		buckets: map[string]storage.GrantBucketRow{},
	}
	for _, kind := range projectionKinds {
		rows, err := view.ListProjections(ctx, storage.ProjectionFilter{Kind: kind})
		require.NoError(t, err)
		for _, row := range rows {
			row.RebuiltAt = time.Time{}
			snap.rows[row.AggregateKind+"/"+row.AggregateID] = row
			if kind == domain.KindGrant {
				for _, bucket := range []string{domain.BucketGeneral, domain.BucketLIRP} {
					b, err := view.GetGrantBucket(ctx, row.AggregateID, bucket)
					require.NoError(t, err)
					if b != nil {
						snap.buckets[row.AggregateID+"/"+bucket] = *b
					}
				}
			}
		}
	}
	snap.payments, err = view.ListPayments(ctx, testCycle)
	require.NoError(t, err)
	snap.adjustments, err = view.ListAdjustments(ctx, testCycle)
	require.NoError(t, err)
	return snap
}

func TestRebuildAllIsDeterministic(t *testing.T) {
	now := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Microsecond)
		return now
	}
	store := memory.NewWithClock(clock)
	svc := commands.New(store, projection.New(nil), closeout.New(nil), nil,
		metrics.New(prometheus.NewRegistry()), nil, commands.Options{Clock: clock})
	seedWorkload(t, svc)

	live := takeSnapshot(t, store)
	require.NotEmpty(t, live.rows)
	require.NotEmpty(t, live.payments)
	require.NotEmpty(t, live.adjustments)

	engine := projection.New(nil)
	first, err := engine.RebuildAll(context.Background(), store)
	require.NoError(t, err)
	assert.Greater(t, first.Events, 0)
	rebuilt := takeSnapshot(t, store)

	// The rebuild covers exactly the aggregates the live path materialized.
	require.Len(t, rebuilt.rows, len(live.rows))
	for key := range live.rows {
		_, ok := rebuilt.rows[key]
		assert.True(t, ok, "rebuild lost projection %s", key)
	}
	assert.Equal(t, live.buckets, rebuilt.buckets, "bucket arithmetic must survive the rebuild")
	assert.Equal(t, live.payments, rebuilt.payments)
	assert.Equal(t, live.adjustments, rebuilt.adjustments)

	// A second rebuild over the untouched log reproduces every row.
	second, err := engine.RebuildAll(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, first.Events, second.Events)
	assert.Equal(t, first.Aggregates, second.Aggregates)
	again := takeSnapshot(t, store)
	assert.Equal(t, rebuilt.rows, again.rows)
	assert.Equal(t, rebuilt.buckets, again.buckets)
	assert.Equal(t, rebuilt.payments, again.payments)
	assert.Equal(t, rebuilt.adjustments, again.adjustments)
}
