package commands

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wvsnp/backend/internal/domain"
)

func TestIssueVoucherSequencesPerCounty(t *testing.T) {
	h := newHarness(t)
	h.createCycle(t)

	assert.Equal(t, "FY26-KANAWHA-00001", h.issueVoucher(t, "issue-kan-1", 10000, false))
	assert.Equal(t, "FY26-KANAWHA-00002", h.issueVoucher(t, "issue-kan-2", 10000, false))

	res, err := h.svc.IssueVoucher(context.Background(), adminEnv("issue-clay-1"), IssueVoucherInput{
		CycleID:               testCycle,
		County:                "CLAY",
		ApplicantID:           "applicant-clay",
		MaxReimbursementCents: 10000,
		ExpiresAt:             time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "FY26-CLAY-00001", res.VoucherID, "counties sequence independently")
	assert.Equal(t, int64(1), res.Seq)
}

func TestIssueVoucherEncumbersAndVoidReleases(t *testing.T) {
	h := newHarness(t)
	h.createCycle(t)
	ctx := context.Background()

	voucherID := h.issueVoucher(t, "issue-enc-1", 30000, false)

	grant := h.grantState(t)
	general := grant.Bucket(domain.BucketGeneral)
	assert.Equal(t, domain.Cents(70000), general.Available)
	assert.Equal(t, domain.Cents(30000), general.Encumbered)

	res, err := h.svc.VoidVoucher(ctx, adminEnv("void-enc-1"), VoidVoucherInput{
		VoucherID: voucherID,
		Reason:    "applicant moved out of state",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.VoucherVoided, res.Status)

	grant = h.grantState(t)
	general = grant.Bucket(domain.BucketGeneral)
	assert.Equal(t, domain.Cents(100000), general.Available)
	assert.Equal(t, domain.Cents(0), general.Encumbered)
	assert.Equal(t, domain.Cents(30000), general.Released)
	require.NoError(t, grant.CheckInvariant())
}

func TestIssueVoucherInsufficientFunds(t *testing.T) {
	h := newHarness(t)
	h.createCycle(t)

	_, err := h.svc.IssueVoucher(context.Background(), adminEnv("issue-too-big"), IssueVoucherInput{
		CycleID:               testCycle,
		County:                "KANAWHA",
		ApplicantID:           "applicant-1",
		MaxReimbursementCents: 100001,
		ExpiresAt:             time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC),
	})
	assert.Equal(t, domain.ErrInsufficientFunds, domain.CodeOf(err))
}

func TestLIRPVoucherDrawsFromLIRPBucket(t *testing.T) {
	h := newHarness(t)
	h.createCycle(t)

	h.issueVoucher(t, "issue-lirp-1", 20000, true)

	grant := h.grantState(t)
	assert.Equal(t, domain.Cents(100000), grant.Bucket(domain.BucketGeneral).Available, "GENERAL untouched")
	assert.Equal(t, domain.Cents(30000), grant.Bucket(domain.BucketLIRP).Available)
	assert.Equal(t, domain.Cents(20000), grant.Bucket(domain.BucketLIRP).Encumbered)

	// LIRP bucket cannot cover more than its own award.
	_, err := h.svc.IssueVoucher(context.Background(), adminEnv("issue-lirp-2"), IssueVoucherInput{
		CycleID:               testCycle,
		County:                "KANAWHA",
		ApplicantID:           "applicant-2",
		MaxReimbursementCents: 40000,
		IsLIRP:                true,
		ExpiresAt:             time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC),
	})
	assert.Equal(t, domain.ErrInsufficientFunds, domain.CodeOf(err))
}

func TestTentativeVoucherConfirmWithinWindow(t *testing.T) {
	h := newHarness(t)
	h.createCycle(t)
	ctx := context.Background()

	res, err := h.svc.IssueVoucher(ctx, adminEnv("issue-tent-1"), IssueVoucherInput{
		CycleID:               testCycle,
		County:                "KANAWHA",
		ApplicantID:           "applicant-1",
		MaxReimbursementCents: 30000,
		Tentative:             true,
		ExpiresAt:             time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.VoucherTentative, res.Status)

	// The hold encumbers immediately, before confirmation.
	assert.Equal(t, domain.Cents(30000), h.grantState(t).Bucket(domain.BucketGeneral).Encumbered)

	confirmed, err := h.svc.ConfirmVoucher(ctx, adminEnv("confirm-tent-1"), ConfirmVoucherInput{VoucherID: res.VoucherID})
	require.NoError(t, err)
	assert.Equal(t, domain.VoucherIssued, confirmed.Status)
}

func TestTentativeVoucherConfirmAfterWindowRejected(t *testing.T) {
	h := newHarness(t)
	h.createCycle(t)
	ctx := context.Background()

	res, err := h.svc.IssueVoucher(ctx, adminEnv("issue-tent-2"), IssueVoucherInput{
		CycleID:               testCycle,
		County:                "KANAWHA",
		ApplicantID:           "applicant-1",
		MaxReimbursementCents: 30000,
		Tentative:             true,
		ExpiresAt:             time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	h.now = h.now.Add(15 * 24 * time.Hour) // past the 14-day hold

	_, err = h.svc.ConfirmVoucher(ctx, adminEnv("confirm-tent-2"), ConfirmVoucherInput{VoucherID: res.VoucherID})
	assert.Equal(t, domain.ErrVoucherNotValid, domain.CodeOf(err))

	// The expired hold is still voidable, releasing the funds.
	voided, err := h.svc.VoidVoucher(ctx, systemEnv("void-tent-2"), VoidVoucherInput{
		VoucherID: res.VoucherID,
		Reason:    "tentative hold expired",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.VoucherVoided, voided.Status)
	assert.Equal(t, domain.Cents(100000), h.grantState(t).Bucket(domain.BucketGeneral).Available)
}

func TestVoidRedeemedVoucherRejected(t *testing.T) {
	h := newHarness(t)
	h.createCycle(t)
	h.registerClinic(t)
	ctx := context.Background()

	voucherID := h.issueVoucher(t, "issue-redeem-1", 30000, false)
	claimID := h.submitClaim(t, "claim-redeem-1", voucherID, 25000, 0)
	h.approveClaim(t, "approve-redeem-1", claimID)

	_, err := h.svc.VoidVoucher(ctx, adminEnv("void-redeem-1"), VoidVoucherInput{
		VoucherID: voucherID,
		Reason:    "late cancellation",
	})
	assert.Equal(t, domain.ErrVoucherAlreadyRedeemed, domain.CodeOf(err))
}
