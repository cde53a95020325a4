package commands

import (
	"context"
	"time"

	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/storage"
)

// IssueVoucherInput authorizes spend for one applicant. Tentative issues
// hold funds for a confirmation window instead of committing immediately.
type IssueVoucherInput struct {
	CycleID               string       `json:"cycleId"`
	County                string       `json:"county"`
	ApplicantID           string       `json:"applicantId"`
	MaxReimbursementCents domain.Cents `json:"maxReimbursementCents"`
	IsLIRP                bool         `json:"isLirp"`
	Tentative             bool         `json:"tentative,omitempty"`
	ExpiresAt             time.Time    `json:"expiresAt"`
}

// IssueVoucherResult reports the minted voucher.
type IssueVoucherResult struct {
	VoucherID string `json:"voucherId"`
	CycleID   string `json:"cycleId"`
	Seq       int64  `json:"seq"`
	Status    string `json:"status"`
}

// IssueVoucher mints a voucher code from the per-county allocator and
// encumbers its maximum reimbursement against the matching grant bucket.
func (s *Service) IssueVoucher(ctx context.Context, env Envelope, in IssueVoucherInput) (*IssueVoucherResult, error) {
	if in.CycleID == "" || in.County == "" || in.ApplicantID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "cycleId, county, and applicantId are required")
	}
	if in.MaxReimbursementCents <= 0 {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "maxReimbursementCents must be positive")
	}
	if in.ExpiresAt.IsZero() {
		return nil, domain.Errf(domain.ErrInvalidDateFormat, "expiresAt is required")
	}

	return decode[IssueVoucherResult](s.execute(ctx, env, "IssueVoucher", in, func(ctx context.Context, x *exec) (interface{}, error) {
		allocID := domain.AllocatorID(in.CycleID, in.County)
		if err := x.lock(ctx,
			storage.BucketRef(in.CycleID, in.IsLIRP),
			storage.AggregateRef{Kind: storage.LockAllocator, ID: allocID},
		); err != nil {
			return nil, err
		}

		grant, err := foldGrant(ctx, x.tx, in.CycleID)
		if err != nil {
			return nil, err
		}
		if grant.Status == "" {
			return nil, domain.Errf(domain.ErrGrantNotFound, "cycle %s does not exist", in.CycleID)
		}
		if grant.Status == domain.GrantClosed {
			return nil, domain.Errf(domain.ErrGrantCycleClosed, "cycle %s is closed", in.CycleID)
		}
		bucket := domain.BucketFor(in.IsLIRP)
		if ok, reason := grant.CanEncumber(bucket, in.MaxReimbursementCents); !ok {
			return nil, domain.Errf(domain.ErrInsufficientFunds, "cycle %s bucket %s: %s", in.CycleID, bucket, reason)
		}

		// LockAggregates seeds the allocator row, so it is always present
		// here.
		row, err := x.tx.GetProjection(ctx, domain.KindAllocator, allocID)
		if err != nil {
			return nil, err
		}
		alloc := domain.NewAllocatorState(in.CycleID, in.County)
		if row != nil {
			if err := row.Decode(alloc); err != nil {
				return nil, err
			}
		}
		seq := alloc.NextSeq
		voucherID := domain.FormatVoucherCode(grant.CycleShort, in.County, seq)

		eventType := domain.EventVoucherIssued
		status := domain.VoucherIssued
		payload := map[string]interface{}{
			"county":                in.County,
			"applicantId":           in.ApplicantID,
			"maxReimbursementCents": in.MaxReimbursementCents.String(),
			"isLirp":                in.IsLIRP,
			"seq":                   seq,
			"expiresAt":             in.ExpiresAt.UTC().Format(time.RFC3339),
		}
		if in.Tentative {
			eventType = domain.EventVoucherIssuedTentative
			status = domain.VoucherTentative
			payload["tentativeExpiresAt"] = x.now.Add(s.opts.TentativeTTL).Format(time.RFC3339)
		}

		if _, err := x.append(ctx, domain.KindVoucher, voucherID, in.CycleID, eventType, payload); err != nil {
			return nil, err
		}
		_, err = x.append(ctx, domain.KindGrant, in.CycleID, in.CycleID, domain.EventGrantFundsEncumbered, map[string]interface{}{
			"bucket":      bucket,
			"amountCents": in.MaxReimbursementCents.String(),
			"voucherId":   voucherID,
		})
		if err != nil {
			return nil, err
		}
		x.touch(domain.KindAllocator, allocID)

		return &IssueVoucherResult{VoucherID: voucherID, CycleID: in.CycleID, Seq: seq, Status: status}, nil
	}))
}

// ConfirmVoucherInput promotes a tentative voucher to issued.
type ConfirmVoucherInput struct {
	VoucherID string `json:"voucherId"`
}

// VoucherStatusResult reports a voucher's status after a lifecycle command.
type VoucherStatusResult struct {
	VoucherID string `json:"voucherId"`
	Status    string `json:"status"`
}

// ConfirmVoucher promotes a TENTATIVE voucher inside its confirmation
// window. The encumbrance taken at issue carries over unchanged.
func (s *Service) ConfirmVoucher(ctx context.Context, env Envelope, in ConfirmVoucherInput) (*VoucherStatusResult, error) {
	if in.VoucherID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "voucherId is required")
	}

	return decode[VoucherStatusResult](s.execute(ctx, env, "ConfirmVoucher", in, func(ctx context.Context, x *exec) (interface{}, error) {
		if err := x.lock(ctx, storage.AggregateRef{Kind: storage.LockVoucher, ID: in.VoucherID}); err != nil {
			return nil, err
		}
		voucher, err := foldVoucher(ctx, x.tx, in.VoucherID)
		if err != nil {
			return nil, err
		}
		if err := voucher.CanConfirm(x.now); err != nil {
			return nil, err
		}

		_, err = x.append(ctx, domain.KindVoucher, in.VoucherID, voucher.CycleID, domain.EventVoucherIssued, map[string]interface{}{
			"confirmedFrom": domain.VoucherTentative,
			"county":        voucher.County,
		})
		if err != nil {
			return nil, err
		}
		return &VoucherStatusResult{VoucherID: in.VoucherID, Status: domain.VoucherIssued}, nil
	}))
}

// VoidVoucherInput cancels an unredeemed voucher.
type VoidVoucherInput struct {
	VoucherID string `json:"voucherId"`
	Reason    string `json:"reason"`
}

// VoidVoucher cancels a TENTATIVE or ISSUED voucher and releases its
// encumbrance back to the bucket it was drawn from.
func (s *Service) VoidVoucher(ctx context.Context, env Envelope, in VoidVoucherInput) (*VoucherStatusResult, error) {
	if in.VoucherID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "voucherId is required")
	}

	return decode[VoucherStatusResult](s.execute(ctx, env, "VoidVoucher", in, func(ctx context.Context, x *exec) (interface{}, error) {
		// Voucher ranks before the buckets in the lock order, so the
		// two-step acquisition stays deadlock free.
		if err := x.lock(ctx, storage.AggregateRef{Kind: storage.LockVoucher, ID: in.VoucherID}); err != nil {
			return nil, err
		}
		voucher, err := foldVoucher(ctx, x.tx, in.VoucherID)
		if err != nil {
			return nil, err
		}
		if err := voucher.CanVoid(); err != nil {
			return nil, err
		}
		if err := x.lock(ctx, storage.BucketRef(voucher.CycleID, voucher.IsLIRP)); err != nil {
			return nil, err
		}

		_, err = x.append(ctx, domain.KindVoucher, in.VoucherID, voucher.CycleID, domain.EventVoucherVoided, map[string]interface{}{
			"reason": in.Reason,
		})
		if err != nil {
			return nil, err
		}
		_, err = x.append(ctx, domain.KindGrant, voucher.CycleID, voucher.CycleID, domain.EventGrantFundsReleased, map[string]interface{}{
			"bucket":      domain.BucketFor(voucher.IsLIRP),
			"amountCents": voucher.MaxReimbursement.String(),
			"voucherId":   in.VoucherID,
		})
		if err != nil {
			return nil, err
		}
		return &VoucherStatusResult{VoucherID: in.VoucherID, Status: domain.VoucherVoided}, nil
	}))
}
