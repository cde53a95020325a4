package commands

import (
	"context"
	"time"

	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/storage"
)

// CreateGrantCycleInput opens a new grant cycle with its award buckets and
// fiscal window.
type CreateGrantCycleInput struct {
	CycleID             string       `json:"cycleId"`
	CycleShort          string       `json:"cycleShort"`
	PeriodStart         time.Time    `json:"periodStart"`
	PeriodEnd           time.Time    `json:"periodEnd"`
	ClaimsDeadline      time.Time    `json:"claimsDeadline"`
	AwardedGeneralCents domain.Cents `json:"awardedGeneralCents"`
	AwardedLirpCents    domain.Cents `json:"awardedLirpCents"`
	RateNum             int64        `json:"rateNum"`
	RateDen             int64        `json:"rateDen"`
}

// CreateGrantCycleResult reports the cycle. Created is false when the cycle
// already existed; re-creating is a no-op, not an error.
type CreateGrantCycleResult struct {
	CycleID string `json:"cycleId"`
	Created bool   `json:"created"`
}

// CreateGrantCycle opens a cycle. The awarded amounts seed the GENERAL and
// LIRP buckets as fully available.
func (s *Service) CreateGrantCycle(ctx context.Context, env Envelope, in CreateGrantCycleInput) (*CreateGrantCycleResult, error) {
	if in.CycleID == "" || in.CycleShort == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "cycleId and cycleShort are required")
	}
	if in.PeriodStart.IsZero() || in.PeriodEnd.IsZero() || !in.PeriodEnd.After(in.PeriodStart) {
		return nil, domain.Errf(domain.ErrInvalidDateFormat, "periodEnd must be after periodStart")
	}
	if in.ClaimsDeadline.IsZero() || in.ClaimsDeadline.Before(in.PeriodEnd) {
		return nil, domain.Errf(domain.ErrInvalidDateFormat, "claimsDeadline must be at or after periodEnd")
	}
	if in.AwardedGeneralCents < 0 || in.AwardedLirpCents < 0 {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "awarded amounts must be non-negative")
	}
	rate := domain.Rate{Num: in.RateNum, Den: in.RateDen}
	if !rate.Valid() {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "rate %d/%d is not valid", in.RateNum, in.RateDen)
	}

	return decode[CreateGrantCycleResult](s.execute(ctx, env, "CreateGrantCycle", in, func(ctx context.Context, x *exec) (interface{}, error) {
		if err := x.lock(ctx,
			storage.BucketRef(in.CycleID, false),
			storage.BucketRef(in.CycleID, true),
		); err != nil {
			return nil, err
		}
		grant, err := foldGrant(ctx, x.tx, in.CycleID)
		if err != nil {
			return nil, err
		}
		if grant.Status != "" {
			return &CreateGrantCycleResult{CycleID: in.CycleID, Created: false}, nil
		}

		_, err = x.append(ctx, domain.KindGrant, in.CycleID, in.CycleID, domain.EventGrantCycleCreated, map[string]interface{}{
			"cycleShort":          in.CycleShort,
			"periodStart":         in.PeriodStart.UTC().Format(time.RFC3339),
			"periodEnd":           in.PeriodEnd.UTC().Format(time.RFC3339),
			"claimsDeadline":      in.ClaimsDeadline.UTC().Format(time.RFC3339),
			"awardedGeneralCents": in.AwardedGeneralCents.String(),
			"awardedLirpCents":    in.AwardedLirpCents.String(),
			"rateNum":             in.RateNum,
			"rateDen":             in.RateDen,
		})
		if err != nil {
			return nil, err
		}
		return &CreateGrantCycleResult{CycleID: in.CycleID, Created: true}, nil
	}))
}

// MatchingInput records a matching-funds commitment or report.
type MatchingInput struct {
	CycleID     string       `json:"cycleId"`
	AmountCents domain.Cents `json:"amountCents"`
	Source      string       `json:"source,omitempty"`
}

// MatchingResult reports the updated matching totals.
type MatchingResult struct {
	CycleID        string       `json:"cycleId"`
	CommittedCents domain.Cents `json:"committedCents"`
	ReportedCents  domain.Cents `json:"reportedCents"`
}

// RecordMatchingCommitment adds to the cycle's committed matching funds.
func (s *Service) RecordMatchingCommitment(ctx context.Context, env Envelope, in MatchingInput) (*MatchingResult, error) {
	return s.recordMatching(ctx, env, "RecordMatchingCommitment", domain.EventGrantMatchingCommitted, in)
}

// RecordMatchingReport adds to the cycle's reported matching funds.
func (s *Service) RecordMatchingReport(ctx context.Context, env Envelope, in MatchingInput) (*MatchingResult, error) {
	return s.recordMatching(ctx, env, "RecordMatchingReport", domain.EventGrantMatchingReported, in)
}

func (s *Service) recordMatching(ctx context.Context, env Envelope, opKind, eventType string, in MatchingInput) (*MatchingResult, error) {
	if in.CycleID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "cycleId is required")
	}
	if in.AmountCents <= 0 {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "amountCents must be positive")
	}

	return decode[MatchingResult](s.execute(ctx, env, opKind, in, func(ctx context.Context, x *exec) (interface{}, error) {
		if err := x.lock(ctx, storage.BucketRef(in.CycleID, false)); err != nil {
			return nil, err
		}
		grant, err := foldGrant(ctx, x.tx, in.CycleID)
		if err != nil {
			return nil, err
		}
		if grant.Status == "" {
			return nil, domain.Errf(domain.ErrGrantNotFound, "cycle %s does not exist", in.CycleID)
		}

		_, err = x.append(ctx, domain.KindGrant, in.CycleID, in.CycleID, eventType, map[string]interface{}{
			"amountCents": in.AmountCents.String(),
			"source":      in.Source,
		})
		if err != nil {
			return nil, err
		}

		committed, reported := grant.Matching.Committed, grant.Matching.Reported
		if eventType == domain.EventGrantMatchingCommitted {
			committed += in.AmountCents
		} else {
			reported += in.AmountCents
		}
		return &MatchingResult{CycleID: in.CycleID, CommittedCents: committed, ReportedCents: reported}, nil
	}))
}

// MarkClaimsDeadlineInput flips the claims-deadline flag for a cycle.
type MarkClaimsDeadlineInput struct {
	CycleID string `json:"cycleId"`
}

// MarkClaimsDeadlineResult reports whether the flag was newly set.
type MarkClaimsDeadlineResult struct {
	CycleID       string `json:"cycleId"`
	AlreadyPassed bool   `json:"alreadyPassed"`
}

// MarkClaimsDeadlinePassed records that the claims deadline elapsed. New
// claim submissions are rejected from that point. Re-marking is a no-op.
func (s *Service) MarkClaimsDeadlinePassed(ctx context.Context, env Envelope, in MarkClaimsDeadlineInput) (*MarkClaimsDeadlineResult, error) {
	if in.CycleID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "cycleId is required")
	}

	return decode[MarkClaimsDeadlineResult](s.execute(ctx, env, "MarkClaimsDeadlinePassed", in, func(ctx context.Context, x *exec) (interface{}, error) {
		if err := x.lock(ctx, storage.BucketRef(in.CycleID, false)); err != nil {
			return nil, err
		}
		grant, err := foldGrant(ctx, x.tx, in.CycleID)
		if err != nil {
			return nil, err
		}
		if grant.Status == "" {
			return nil, domain.Errf(domain.ErrGrantNotFound, "cycle %s does not exist", in.CycleID)
		}
		if grant.DeadlinePassed {
			return &MarkClaimsDeadlineResult{CycleID: in.CycleID, AlreadyPassed: true}, nil
		}

		_, err = x.append(ctx, domain.KindGrant, in.CycleID, in.CycleID, domain.EventGrantClaimsDeadlinePassed, map[string]interface{}{
			"claimsDeadline": grant.ClaimsDeadline.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return nil, err
		}
		return &MarkClaimsDeadlineResult{CycleID: in.CycleID}, nil
	}))
}
