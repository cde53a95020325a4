package commands

import (
	"context"
	"time"

	"github.com/wvsnp/backend/internal/domain"
)

// Breeder filings have no funds attached, so they sit outside the lock
// order entirely. The aggregate stream plus idempotency is enough: two
// concurrent commands on the same filing append in some order and the fold
// resolves them.

// CreateBreederFilingInput opens a compliance filing obligation.
type CreateBreederFilingInput struct {
	CycleID        string    `json:"cycleId"`
	BreederID      string    `json:"breederId"`
	DueAt          time.Time `json:"dueAt"`
	CurePeriodDays int       `json:"curePeriodDays"`
}

// FilingResult reports a filing after a lifecycle command.
type FilingResult struct {
	FilingID string `json:"filingId"`
	Status   string `json:"status"`
	Changed  bool   `json:"changed,omitempty"`
}

// CreateBreederFiling records that a breeder owes a compliance filing by a
// due date, with a cure window after it.
func (s *Service) CreateBreederFiling(ctx context.Context, env Envelope, in CreateBreederFilingInput) (*FilingResult, error) {
	if in.CycleID == "" || in.BreederID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "cycleId and breederId are required")
	}
	if in.DueAt.IsZero() {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "dueAt is required")
	}
	if in.CurePeriodDays < 0 {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "curePeriodDays must not be negative")
	}

	return decode[FilingResult](s.execute(ctx, env, "CreateBreederFiling", in, func(ctx context.Context, x *exec) (interface{}, error) {
		filingID := domain.NewRefID("FIL")
		_, err := x.append(ctx, domain.KindBreederFiling, filingID, in.CycleID, domain.EventFilingCreated, map[string]interface{}{
			"breederId":      in.BreederID,
			"dueAt":          in.DueAt.UTC().Format(time.RFC3339),
			"curePeriodDays": int64(in.CurePeriodDays),
		})
		if err != nil {
			return nil, err
		}
		return &FilingResult{FilingID: filingID, Status: domain.FilingOnTime}, nil
	}))
}

// FilingRefInput names an existing filing.
type FilingRefInput struct {
	FilingID string `json:"filingId"`
}

// SubmitBreederFiling records the breeder's submission. The compliance
// status is recomputed immediately so an on-time submission reads back as
// ON_TIME without waiting for the sweep.
func (s *Service) SubmitBreederFiling(ctx context.Context, env Envelope, in FilingRefInput) (*FilingResult, error) {
	return s.filingTransition(ctx, env, "SubmitBreederFiling", in, domain.EventFilingSubmitted)
}

// CureBreederFiling records a late submission landing inside the cure
// window.
func (s *Service) CureBreederFiling(ctx context.Context, env Envelope, in FilingRefInput) (*FilingResult, error) {
	return s.filingTransition(ctx, env, "CureBreederFiling", in, domain.EventFilingCured)
}

func (s *Service) filingTransition(ctx context.Context, env Envelope, opKind string, in FilingRefInput, eventType string) (*FilingResult, error) {
	if in.FilingID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "filingId is required")
	}

	return decode[FilingResult](s.execute(ctx, env, opKind, in, func(ctx context.Context, x *exec) (interface{}, error) {
		filing, err := foldFiling(ctx, x.tx, in.FilingID)
		if err != nil {
			return nil, err
		}
		if !filing.Exists() {
			return nil, domain.Errf(domain.ErrFilingNotFound, "filing %s does not exist", in.FilingID)
		}

		if _, err := x.append(ctx, domain.KindBreederFiling, in.FilingID, filing.CycleID, eventType, nil); err != nil {
			return nil, err
		}
		filing.Apply(&domain.Event{EventType: eventType, OccurredAt: x.now})

		status := filing.Recompute(x.now)
		changed := status != filing.Status
		if changed {
			_, err := x.append(ctx, domain.KindBreederFiling, in.FilingID, filing.CycleID, domain.EventFilingStatusRecomputed, map[string]interface{}{
				"status": status,
			})
			if err != nil {
				return nil, err
			}
		}
		return &FilingResult{FilingID: in.FilingID, Status: status, Changed: changed}, nil
	}))
}

// RecomputeFilingStatus re-derives a filing's compliance status from its
// dates. An event is appended only when the status actually changes, which
// keeps the nightly sweep from flooding the log.
func (s *Service) RecomputeFilingStatus(ctx context.Context, env Envelope, in FilingRefInput) (*FilingResult, error) {
	if in.FilingID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "filingId is required")
	}

	return decode[FilingResult](s.execute(ctx, env, "RecomputeFilingStatus", in, func(ctx context.Context, x *exec) (interface{}, error) {
		filing, err := foldFiling(ctx, x.tx, in.FilingID)
		if err != nil {
			return nil, err
		}
		if !filing.Exists() {
			return nil, domain.Errf(domain.ErrFilingNotFound, "filing %s does not exist", in.FilingID)
		}

		status := filing.Recompute(x.now)
		if status == filing.Status {
			return &FilingResult{FilingID: in.FilingID, Status: status}, nil
		}
		_, err = x.append(ctx, domain.KindBreederFiling, in.FilingID, filing.CycleID, domain.EventFilingStatusRecomputed, map[string]interface{}{
			"status": status,
		})
		if err != nil {
			return nil, err
		}
		return &FilingResult{FilingID: in.FilingID, Status: status, Changed: true}, nil
	}))
}
