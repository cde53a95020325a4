package commands

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/wvsnp/backend/internal/closeout"
	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/metrics"
	"github.com/wvsnp/backend/internal/projection"
	"github.com/wvsnp/backend/internal/storage/memory"
)

// harness runs a command service against the in-memory store with a test
// clock. Every clock read advances one microsecond so ingest stamps and
// watermarks stay strictly increasing; tests jump the clock by assigning
// h.now directly.
type harness struct {
	svc   *Service
	store *memory.Store
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time {
		h.now = h.now.Add(time.Microsecond)
		return h.now
	}
	h.store = memory.NewWithClock(clock)
	h.svc = New(h.store, projection.New(nil), closeout.New(nil), nil,
		metrics.New(prometheus.NewRegistry()), nil, Options{
			Clock: clock,
			Retry: RetryPolicy{Attempts: 2, BaseBackoff: time.Millisecond},
		})
	return h
}

func adminEnv(key string) Envelope {
	return Envelope{IdempotencyKey: key, ActorID: "user:admin", ActorKind: domain.ActorAdmin}
}

func systemEnv(key string) Envelope {
	return Envelope{IdempotencyKey: key, ActorID: "system:test", ActorKind: domain.ActorSystem}
}

func ref(content string) string {
	return "sha256:" + domain.ArtifactDigest([]byte(content))
}

const (
	testCycle  = "cycle-fy26"
	testClinic = "clinic-elkview"
)

// createCycle seeds an FY26 cycle with a 100000-cent GENERAL bucket, a
// 50000-cent LIRP bucket, and a 1/1 reimbursement rate.
func (h *harness) createCycle(t *testing.T) {
	t.Helper()
	_, err := h.svc.CreateGrantCycle(context.Background(), adminEnv("seed-cycle-fy26"), CreateGrantCycleInput{
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
}

func (h *harness) registerClinic(t *testing.T) {
	t.Helper()
	_, err := h.svc.RegisterClinic(context.Background(), adminEnv("seed-clinic-elkview"), RegisterClinicInput{
		ClinicID:         testClinic,
		Name:             "Elkview Veterinary Clinic",
		LicenseNumber:    "WV-VET-4411",
		LicenseExpiresAt: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		OasisVendorCode:  "VET004411",
	})
	require.NoError(t, err)
}

func (h *harness) issueVoucher(t *testing.T, key string, max domain.Cents, lirp bool) string {
	t.Helper()
	res, err := h.svc.IssueVoucher(context.Background(), adminEnv(key), IssueVoucherInput{
		CycleID:               testCycle,
		County:                "KANAWHA",
		ApplicantID:           "applicant-" + key,
		MaxReimbursementCents: max,
		IsLIRP:                lirp,
		ExpiresAt:             time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return res.VoucherID
}

func (h *harness) submitClaim(t *testing.T, key, voucherID string, amount, copay domain.Cents) string {
	t.Helper()
	in := SubmitClaimInput{
		VoucherID:          voucherID,
		ClinicID:           testClinic,
		ProcedureCode:      "SPAY",
		DateOfService:      "2026-02-10",
		AmountCents:        amount,
		CopayCents:         copay,
		ProcedureReportRef: ref("report-" + key),
		ClinicInvoiceRef:   ref("invoice-" + key),
	}
	if copay > 0 {
		in.CopayReceiptRef = ref("copay-" + key)
	}
	res, err := h.svc.SubmitClaim(context.Background(), adminEnv(key), in)
	require.NoError(t, err)
	require.False(t, res.DuplicateDetected)
	return res.ClaimID
}

func (h *harness) approveClaim(t *testing.T, key, claimID string) domain.Cents {
	t.Helper()
	res, err := h.svc.AdjudicateClaim(context.Background(), adminEnv(key), AdjudicateClaimInput{
		ClaimID:       claimID,
		Decision:      DecisionApprove,
		DecisionBasis: "documentation complete",
	})
	require.NoError(t, err)
	require.False(t, res.ConflictDetected)
	return res.ApprovedAmountCents
}

// grantState folds the grant aggregate outside any command, for assertions.
func (h *harness) grantState(t *testing.T) *domain.GrantState {
	t.Helper()
	view, err := h.store.View(context.Background())
	require.NoError(t, err)
	defer view.Rollback()
	st, err := foldGrant(context.Background(), view, testCycle)
	require.NoError(t, err)
	return st
}

// eventCount reports how many events the test cycle holds.
func (h *harness) eventCount(t *testing.T) int {
	t.Helper()
	view, err := h.store.View(context.Background())
	require.NoError(t, err)
	defer view.Rollback()
	evs, err := view.EventsForCycle(context.Background(), testCycle)
	require.NoError(t, err)
	return len(evs)
}
