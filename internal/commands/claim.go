package commands

import (
	"context"
	"time"

	"github.com/wvsnp/backend/internal/artifacts"
	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/storage"
)

// Fraud signal names carried in the CLAIM_SUBMITTED payload. Signals are
// advisory: they never block a submission, adjudicators see them.
const (
	SignalAmountAtVoucherCap = "AMOUNT_AT_VOUCHER_CAP"
	SignalHighSameDayVolume  = "HIGH_SAME_DAY_VOLUME"
)

// sameDayVolumeThreshold is how many prior same-clinic same-day claims in
// the cycle trip the volume signal.
const sameDayVolumeThreshold = 3

// Adjudication decisions.
const (
	DecisionApprove = "APPROVE"
	DecisionDeny    = "DENY"
)

// SubmitClaimInput is a reimbursement claim against an issued voucher.
// ClaimID is optional: a caller that pre-assigns ids supplies its own
// CLM-<cycle>-<suffix> code, otherwise the service mints one.
type SubmitClaimInput struct {
	ClaimID              string       `json:"claimId,omitempty"`
	VoucherID            string       `json:"voucherId"`
	ClinicID             string       `json:"clinicId"`
	ProcedureCode        string       `json:"procedureCode"`
	DateOfService        string       `json:"dateOfService"`
	AmountCents          domain.Cents `json:"amountCents"`
	CopayCents           domain.Cents `json:"copayCents"`
	RabiesIncluded       bool         `json:"rabiesIncluded"`
	ProcedureReportRef   string       `json:"procedureReportRef"`
	ClinicInvoiceRef     string       `json:"clinicInvoiceRef"`
	RabiesCertificateRef string       `json:"rabiesCertificateRef,omitempty"`
	CopayReceiptRef      string       `json:"copayReceiptRef,omitempty"`
}

// SubmitClaimResult reports the accepted claim. DuplicateDetected marks a
// resubmission: the original claim is returned and no event is written.
type SubmitClaimResult struct {
	ClaimID           string   `json:"claimId"`
	CycleID           string   `json:"cycleId"`
	Fingerprint       string   `json:"fingerprint"`
	DuplicateDetected bool     `json:"duplicateDetected,omitempty"`
	FraudSignals      []string `json:"fraudSignals,omitempty"`
}

// SubmitClaim validates and records a claim. Duplicates collapse onto the
// fingerprint: a byte-different resubmission of the same service is
// answered with the original claim id, not an error and not a second claim.
func (s *Service) SubmitClaim(ctx context.Context, env Envelope, in SubmitClaimInput) (*SubmitClaimResult, error) {
	if in.VoucherID == "" || in.ClinicID == "" || in.ProcedureCode == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "voucherId, clinicId, and procedureCode are required")
	}
	if in.AmountCents <= 0 {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "amountCents must be positive")
	}
	if in.CopayCents < 0 {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "copayCents must be non-negative")
	}
	if in.ClaimID != "" {
		if err := domain.ValidateClaimClientID(in.ClaimID); err != nil {
			return nil, err
		}
	}
	fingerprint, err := domain.ClaimFingerprint(in.VoucherID, in.ClinicID, in.ProcedureCode, in.DateOfService, in.RabiesIncluded)
	if err != nil {
		return nil, err
	}
	canonDate, err := domain.CanonicalServiceDate(in.DateOfService)
	if err != nil {
		return nil, err
	}
	serviceDate, err := time.Parse("2006-01-02", canonDate)
	if err != nil {
		return nil, domain.Errf(domain.ErrInvalidDateFormat, "dateOfService %q: %v", in.DateOfService, err)
	}
	if err := requireArtifacts(in); err != nil {
		return nil, err
	}

	return decode[SubmitClaimResult](s.execute(ctx, env, "SubmitClaim", in, func(ctx context.Context, x *exec) (interface{}, error) {
		refs := []storage.AggregateRef{
			{Kind: storage.LockVoucher, ID: in.VoucherID},
			{Kind: storage.LockClinic, ID: in.ClinicID},
		}
		if in.ClaimID != "" {
			refs = append(refs, storage.AggregateRef{Kind: storage.LockClaim, ID: in.ClaimID})
		}
		if err := x.lock(ctx, refs...); err != nil {
			return nil, err
		}

		voucher, err := foldVoucher(ctx, x.tx, in.VoucherID)
		if err != nil {
			return nil, err
		}
		if !voucher.Exists() {
			return nil, domain.Errf(domain.ErrVoucherNotFound, "voucher %s does not exist", in.VoucherID)
		}
		cycleID := voucher.CycleID

		// Dedup before the business guards: a resubmission of an accepted
		// claim must answer with the original even after the cycle's
		// deadline has since passed.
		if existing, err := x.tx.FindClaimByFingerprint(ctx, cycleID, fingerprint); err != nil {
			return nil, err
		} else if existing != nil {
			var st domain.ClaimState
			if err := existing.Decode(&st); err != nil {
				return nil, err
			}
			return &SubmitClaimResult{
				ClaimID:           st.ClaimID,
				CycleID:           cycleID,
				Fingerprint:       fingerprint,
				DuplicateDetected: true,
			}, nil
		}

		if ok, reason := voucher.ValidForService(serviceDate); !ok {
			return nil, domain.Errf(domain.ErrVoucherNotValid, "voucher %s: %s", in.VoucherID, reason)
		}
		if voucher.IsLIRP && in.CopayCents > 0 {
			return nil, domain.Errf(domain.ErrLIRPCopayForbidden,
				"voucher %s is LIRP, copay of %s cents is forbidden", in.VoucherID, in.CopayCents.String())
		}

		grant, err := foldGrant(ctx, x.tx, cycleID)
		if err != nil {
			return nil, err
		}
		if grant.DeadlinePassed || (!grant.ClaimsDeadline.IsZero() && x.now.After(grant.ClaimsDeadline)) {
			return nil, domain.Errf(domain.ErrGrantClaimsDeadlinePassed, "cycle %s claims deadline has passed", cycleID)
		}
		if serviceDate.Before(grant.PeriodStart) || serviceDate.After(grant.PeriodEnd) {
			return nil, domain.Errf(domain.ErrGrantPeriodEnded,
				"service date %s is outside the cycle %s grant period", canonDate, cycleID)
		}

		clinic, err := foldClinic(ctx, x.tx, in.ClinicID)
		if err != nil {
			return nil, err
		}
		if !clinic.Exists() {
			return nil, domain.Errf(domain.ErrClinicNotFound, "clinic %s does not exist", in.ClinicID)
		}
		if clinic.Status != domain.ClinicActive {
			return nil, domain.Errf(domain.ErrClinicNotActive, "clinic %s is %s", in.ClinicID, clinic.Status)
		}
		if !clinic.LicenseValidOn(serviceDate) {
			return nil, domain.Errf(domain.ErrClinicLicenseInvalid,
				"clinic %s license does not cover service date %s", in.ClinicID, canonDate)
		}

		signals, err := fraudSignals(ctx, x.tx, cycleID, in, voucher, canonDate)
		if err != nil {
			return nil, err
		}

		claimID := in.ClaimID
		if claimID == "" {
			claimID = domain.NewClaimClientID(grant.CycleShort)
		} else if taken, err := foldClaim(ctx, x.tx, claimID); err != nil {
			return nil, err
		} else if taken.Exists() {
			return nil, domain.Errf(domain.ErrClaimIDInvalid, "claim id %s is already in use", claimID)
		}
		payload := map[string]interface{}{
			"voucherId":            in.VoucherID,
			"clinicId":             in.ClinicID,
			"procedureCode":        in.ProcedureCode,
			"dateOfService":        canonDate,
			"rabiesIncluded":       in.RabiesIncluded,
			"amountCents":          in.AmountCents.String(),
			"copayCents":           in.CopayCents.String(),
			"fingerprint":          fingerprint,
			"procedureReportRef":   in.ProcedureReportRef,
			"clinicInvoiceRef":     in.ClinicInvoiceRef,
			"rabiesCertificateRef": in.RabiesCertificateRef,
			"copayReceiptRef":      in.CopayReceiptRef,
		}
		if len(signals) > 0 {
			raw := make([]interface{}, len(signals))
			for i, sig := range signals {
				raw[i] = sig
			}
			payload["fraudSignals"] = raw
		}
		if _, err := x.append(ctx, domain.KindClaim, claimID, cycleID, domain.EventClaimSubmitted, payload); err != nil {
			return nil, err
		}

		return &SubmitClaimResult{
			ClaimID:      claimID,
			CycleID:      cycleID,
			Fingerprint:  fingerprint,
			FraudSignals: signals,
		}, nil
	}))
}

// requireArtifacts enforces the documentation rules on a submission. Rabies
// claims need the certificate, copay claims the receipt.
func requireArtifacts(in SubmitClaimInput) error {
	type req struct {
		field string
		ref   string
		need  bool
	}
	for _, r := range []req{
		{"procedureReportRef", in.ProcedureReportRef, true},
		{"clinicInvoiceRef", in.ClinicInvoiceRef, true},
		{"rabiesCertificateRef", in.RabiesCertificateRef, in.RabiesIncluded},
		{"copayReceiptRef", in.CopayReceiptRef, in.CopayCents > 0},
	} {
		if !r.need {
			continue
		}
		if r.ref == "" {
			return domain.Errf(domain.ErrMissingRequiredArtifact, "%s is required", r.field)
		}
		if !artifacts.ValidRef(r.ref) {
			return domain.Errf(domain.ErrMissingRequiredArtifact, "%s %q is not a valid artifact digest", r.field, r.ref)
		}
	}
	return nil
}

// fraudSignals computes the advisory signal list for a submission.
func fraudSignals(ctx context.Context, tx storage.ReadTx, cycleID string, in SubmitClaimInput, voucher *domain.VoucherState, canonDate string) ([]string, error) {
	var signals []string
	if in.AmountCents >= voucher.MaxReimbursement {
		signals = append(signals, SignalAmountAtVoucherCap)
	}

	rows, err := tx.ListProjections(ctx, storage.ProjectionFilter{Kind: domain.KindClaim, CycleID: cycleID})
	if err != nil {
		return nil, err
	}
	sameDay := 0
	for i := range rows {
		var st domain.ClaimState
		if err := rows[i].Decode(&st); err != nil {
			return nil, err
		}
		if st.ClinicID == in.ClinicID && st.DateOfService == canonDate {
			sameDay++
		}
	}
	if sameDay >= sameDayVolumeThreshold {
		signals = append(signals, SignalHighSameDayVolume)
	}
	return signals, nil
}

// AdjudicateClaimInput carries an APPROVE or DENY decision.
type AdjudicateClaimInput struct {
	ClaimID       string `json:"claimId"`
	Decision      string `json:"decision"`
	DecisionBasis string `json:"decisionBasis,omitempty"`
}

// AdjudicateClaimResult reports the decision outcome. ConflictDetected
// marks a decision that arrived after the claim already left the decidable
// states; the conflict is recorded as an advisory event, not an error.
type AdjudicateClaimResult struct {
	ClaimID             string       `json:"claimId"`
	Decision            string       `json:"decision"`
	Status              string       `json:"status"`
	ApprovedAmountCents domain.Cents `json:"approvedAmountCents,omitempty"`
	ReleasedCents       domain.Cents `json:"releasedCents,omitempty"`
	ConflictDetected    bool         `json:"conflictDetected,omitempty"`
}

// AdjudicateClaim applies a decision. Approval redeems the voucher,
// liquidates the reimbursable amount, and releases the unused remainder of
// the voucher's encumbrance in the same transaction.
func (s *Service) AdjudicateClaim(ctx context.Context, env Envelope, in AdjudicateClaimInput) (*AdjudicateClaimResult, error) {
	if in.ClaimID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "claimId is required")
	}
	if in.Decision != DecisionApprove && in.Decision != DecisionDeny {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "decision %q must be APPROVE or DENY", in.Decision)
	}

	return decode[AdjudicateClaimResult](s.execute(ctx, env, "AdjudicateClaim", in, func(ctx context.Context, x *exec) (interface{}, error) {
		// Discover the lock refs from an unlocked read, take every lock in
		// one sorted acquisition, then re-fold under the locks.
		peek, err := foldClaim(ctx, x.tx, in.ClaimID)
		if err != nil {
			return nil, err
		}
		if !peek.Exists() {
			return nil, domain.Errf(domain.ErrClaimNotFound, "claim %s does not exist", in.ClaimID)
		}
		voucherPeek, err := foldVoucher(ctx, x.tx, peek.VoucherID)
		if err != nil {
			return nil, err
		}
		if err := x.lock(ctx,
			storage.AggregateRef{Kind: storage.LockVoucher, ID: peek.VoucherID},
			storage.BucketRef(peek.CycleID, voucherPeek.IsLIRP),
			storage.AggregateRef{Kind: storage.LockClaim, ID: in.ClaimID},
		); err != nil {
			return nil, err
		}

		claim, err := foldClaim(ctx, x.tx, in.ClaimID)
		if err != nil {
			return nil, err
		}
		voucher, err := foldVoucher(ctx, x.tx, claim.VoucherID)
		if err != nil {
			return nil, err
		}
		cycleID := claim.CycleID

		if !claim.CanAdjudicate() {
			_, err := x.append(ctx, domain.KindClaim, in.ClaimID, cycleID, domain.EventClaimDecisionConflictRecorded, map[string]interface{}{
				"attemptedDecision": in.Decision,
				"decisionBasis":     in.DecisionBasis,
				"currentStatus":     claim.Status,
			})
			if err != nil {
				return nil, err
			}
			return &AdjudicateClaimResult{
				ClaimID:          in.ClaimID,
				Decision:         in.Decision,
				Status:           claim.Status,
				ConflictDetected: true,
			}, nil
		}

		if in.Decision == DecisionDeny {
			_, err := x.append(ctx, domain.KindClaim, in.ClaimID, cycleID, domain.EventClaimDenied, map[string]interface{}{
				"decisionBasis": in.DecisionBasis,
			})
			if err != nil {
				return nil, err
			}
			return &AdjudicateClaimResult{ClaimID: in.ClaimID, Decision: in.Decision, Status: domain.ClaimDenied}, nil
		}

		if voucher.Status != domain.VoucherIssued {
			if voucher.Status == domain.VoucherRedeemed && voucher.RedeemedByClaim != in.ClaimID {
				return nil, domain.Errf(domain.ErrVoucherAlreadyRedeemed,
					"voucher %s was redeemed by claim %s", voucher.VoucherID, voucher.RedeemedByClaim)
			}
			if voucher.Status != domain.VoucherRedeemed {
				return nil, domain.Errf(domain.ErrVoucherNotValid,
					"voucher %s status is %s", voucher.VoucherID, voucher.Status)
			}
		}

		eligible := claim.SubmittedAmount - claim.CopayAmount + claim.AdjustedDelta
		if eligible < 0 {
			eligible = 0
		}
		grant, err := foldGrant(ctx, x.tx, cycleID)
		if err != nil {
			return nil, err
		}
		approved := domain.MinCents(grant.Rate.Apply(eligible), voucher.MaxReimbursement)
		bucket := domain.BucketFor(voucher.IsLIRP)

		_, err = x.append(ctx, domain.KindClaim, in.ClaimID, cycleID, domain.EventClaimApproved, map[string]interface{}{
			"approvedAmountCents": approved.String(),
			"decisionBasis":       in.DecisionBasis,
		})
		if err != nil {
			return nil, err
		}

		var released domain.Cents
		if voucher.Status == domain.VoucherIssued {
			_, err = x.append(ctx, domain.KindVoucher, voucher.VoucherID, cycleID, domain.EventVoucherRedeemed, map[string]interface{}{
				"claimId": in.ClaimID,
			})
			if err != nil {
				return nil, err
			}
			_, err = x.append(ctx, domain.KindGrant, cycleID, cycleID, domain.EventGrantFundsLiquidated, map[string]interface{}{
				"bucket":      bucket,
				"amountCents": approved.String(),
				"voucherId":   voucher.VoucherID,
				"claimId":     in.ClaimID,
			})
			if err != nil {
				return nil, err
			}
			released = voucher.MaxReimbursement - approved
			if released > 0 {
				_, err = x.append(ctx, domain.KindGrant, cycleID, cycleID, domain.EventGrantFundsReleased, map[string]interface{}{
					"bucket":      bucket,
					"amountCents": released.String(),
					"voucherId":   voucher.VoucherID,
				})
				if err != nil {
					return nil, err
				}
			}
		}

		return &AdjudicateClaimResult{
			ClaimID:             in.ClaimID,
			Decision:            in.Decision,
			Status:              domain.ClaimApproved,
			ApprovedAmountCents: approved,
			ReleasedCents:       released,
		}, nil
	}))
}

// AdjustClaimInput opens a post-approval correction. The delta rides on the
// next invoice generated for the claim's clinic.
type AdjustClaimInput struct {
	ClaimID    string       `json:"claimId"`
	DeltaCents domain.Cents `json:"deltaCents"`
	Reason     string       `json:"reason"`
}

// AdjustClaimResult reports the opened adjustment.
type AdjustClaimResult struct {
	ClaimID      string       `json:"claimId"`
	AdjustmentID string       `json:"adjustmentId"`
	DeltaCents   domain.Cents `json:"deltaCents"`
}

// AdjustClaim records a correction against an approved claim.
func (s *Service) AdjustClaim(ctx context.Context, env Envelope, in AdjustClaimInput) (*AdjustClaimResult, error) {
	if in.ClaimID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "claimId is required")
	}
	if in.DeltaCents == 0 {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "deltaCents must be non-zero")
	}
	if in.Reason == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "reason is required")
	}

	return decode[AdjustClaimResult](s.execute(ctx, env, "AdjustClaim", in, func(ctx context.Context, x *exec) (interface{}, error) {
		if err := x.lock(ctx, storage.AggregateRef{Kind: storage.LockClaim, ID: in.ClaimID}); err != nil {
			return nil, err
		}
		claim, err := foldClaim(ctx, x.tx, in.ClaimID)
		if err != nil {
			return nil, err
		}
		if !claim.Exists() {
			return nil, domain.Errf(domain.ErrClaimNotFound, "claim %s does not exist", in.ClaimID)
		}
		if !claim.CanAdjust() {
			return nil, domain.Errf(domain.ErrClaimNotAdjustable,
				"claim %s status is %s, want APPROVED", in.ClaimID, claim.Status)
		}

		adjustmentID := domain.NewRefID("ADJ")
		_, err = x.append(ctx, domain.KindClaim, in.ClaimID, claim.CycleID, domain.EventClaimAdjusted, map[string]interface{}{
			"adjustmentId": adjustmentID,
			"deltaCents":   in.DeltaCents.String(),
			"reason":       in.Reason,
		})
		if err != nil {
			return nil, err
		}
		return &AdjustClaimResult{ClaimID: in.ClaimID, AdjustmentID: adjustmentID, DeltaCents: in.DeltaCents}, nil
	}))
}
