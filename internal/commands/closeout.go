package commands

import (
	"context"
	"time"

	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/storage"
)

// CycleInput names a grant cycle plus the optional fields the closeout
// commands take.
type CycleInput struct {
	CycleID             string    `json:"cycleId"`
	Reason              string    `json:"reason,omitempty"`
	Resolution          string    `json:"resolution,omitempty"`
	WatermarkIngestedAt time.Time `json:"watermarkIngestedAt,omitempty"`
	WatermarkEventID    string    `json:"watermarkEventId,omitempty"`
}

// PreflightResult reports the six checks and the overall verdict.
type PreflightResult struct {
	CycleID string                `json:"cycleId"`
	Checks  []domain.CloseoutCheck `json:"checks"`
	Passed  bool                  `json:"passed"`
}

// RunCloseoutPreflight recomputes the closeout readiness checks and records
// the result. The check list is always complete: a failing run shows every
// check, not just the first failure.
func (s *Service) RunCloseoutPreflight(ctx context.Context, env Envelope, in CycleInput) (*PreflightResult, error) {
	if in.CycleID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "cycleId is required")
	}

	return decode[PreflightResult](s.execute(ctx, env, "RunCloseoutPreflight", in, func(ctx context.Context, x *exec) (interface{}, error) {
		if err := x.lock(ctx, storage.AggregateRef{Kind: storage.LockCloseout, ID: in.CycleID}); err != nil {
			return nil, err
		}
		state, err := foldCloseout(ctx, x.tx, in.CycleID)
		if err != nil {
			return nil, err
		}
		if state.Status == domain.CloseoutClosed {
			return nil, domain.Errf(domain.ErrGrantCycleClosed, "cycle %s is closed", in.CycleID)
		}

		checks, passed, err := s.gate.Preflight(ctx, x.tx, in.CycleID)
		if err != nil {
			return nil, err
		}

		rawChecks := make([]interface{}, len(checks))
		for i, c := range checks {
			rawChecks[i] = map[string]interface{}{
				"name":   c.Name,
				"passed": c.Passed,
				"detail": c.Detail,
			}
		}
		overall := "FAILED"
		if passed {
			overall = "PASSED"
		}
		_, err = x.append(ctx, domain.KindCloseout, in.CycleID, in.CycleID, domain.EventCloseoutPreflightCompleted, map[string]interface{}{
			"checks":  rawChecks,
			"overall": overall,
		})
		if err != nil {
			return nil, err
		}
		return &PreflightResult{CycleID: in.CycleID, Checks: checks, Passed: passed}, nil
	}))
}

// CloseoutStatusResult reports the closeout process after a lifecycle command.
type CloseoutStatusResult struct {
	CycleID string `json:"cycleId"`
	Status  string `json:"status"`
}

// StartCloseout opens the closeout window after a passing preflight.
func (s *Service) StartCloseout(ctx context.Context, env Envelope, in CycleInput) (*CloseoutStatusResult, error) {
	if in.CycleID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "cycleId is required")
	}

	return decode[CloseoutStatusResult](s.execute(ctx, env, "StartCloseout", in, func(ctx context.Context, x *exec) (interface{}, error) {
		if err := x.lock(ctx, storage.AggregateRef{Kind: storage.LockCloseout, ID: in.CycleID}); err != nil {
			return nil, err
		}
		state, err := foldCloseout(ctx, x.tx, in.CycleID)
		if err != nil {
			return nil, err
		}
		if err := state.CanStart(); err != nil {
			return nil, err
		}

		if _, err := x.append(ctx, domain.KindCloseout, in.CycleID, in.CycleID, domain.EventCloseoutStarted, nil); err != nil {
			return nil, err
		}
		return &CloseoutStatusResult{CycleID: in.CycleID, Status: domain.CloseoutStarted}, nil
	}))
}

// ReconcileResult reports the reconciliation snapshot.
type ReconcileResult struct {
	CycleID   string                  `json:"cycleId"`
	Financial domain.FinancialSummary `json:"financial"`
	Matching  domain.MatchingSummary  `json:"matching"`
	Activity  domain.ActivitySummary  `json:"activity"`
	Watermark domain.Watermark        `json:"watermark"`
}

// ReconcileCloseout folds the cycle at a watermark into the financial,
// matching, and activity summaries and records the snapshot. Re-reconciling
// replaces the prior snapshot; the event stream keeps both.
func (s *Service) ReconcileCloseout(ctx context.Context, env Envelope, in CycleInput) (*ReconcileResult, error) {
	if in.CycleID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "cycleId is required")
	}

	return decode[ReconcileResult](s.execute(ctx, env, "ReconcileCloseout", in, func(ctx context.Context, x *exec) (interface{}, error) {
		if err := x.lock(ctx, storage.AggregateRef{Kind: storage.LockCloseout, ID: in.CycleID}); err != nil {
			return nil, err
		}
		state, err := foldCloseout(ctx, x.tx, in.CycleID)
		if err != nil {
			return nil, err
		}
		if err := state.CanReconcile(); err != nil {
			return nil, err
		}

		watermark := domain.Watermark{IngestedAt: in.WatermarkIngestedAt, EventID: in.WatermarkEventID}
		if watermark.IsZero() {
			evs, err := x.tx.EventsForCycle(ctx, in.CycleID)
			if err != nil {
				return nil, err
			}
			if len(evs) > 0 {
				watermark = domain.WatermarkFrom(&evs[len(evs)-1])
			}
		}
		rec, err := s.gate.Reconcile(ctx, x.tx, in.CycleID, watermark)
		if err != nil {
			return nil, err
		}

		_, err = x.append(ctx, domain.KindCloseout, in.CycleID, in.CycleID, domain.EventCloseoutReconciled, map[string]interface{}{
			"awardedCents":           rec.Financial.Awarded.String(),
			"liquidatedCents":        rec.Financial.Liquidated.String(),
			"releasedCents":          rec.Financial.Released.String(),
			"unspentCents":           rec.Financial.Unspent.String(),
			"matchingCommittedCents": rec.Matching.Committed.String(),
			"matchingReportedCents":  rec.Matching.Reported.String(),
			"matchingShortfallCents": rec.Matching.Shortfall.String(),
			"matchingSurplusCents":   rec.Matching.Surplus.String(),
			"vouchersIssued":         int64(rec.Activity.VouchersIssued),
			"claimsSubmitted":        int64(rec.Activity.ClaimsSubmitted),
			"claimsApproved":         int64(rec.Activity.ClaimsApproved),
			"claimsDenied":           int64(rec.Activity.ClaimsDenied),
			"invoicesGenerated":      int64(rec.Activity.InvoicesGenerated),
			"batchesCreated":         int64(rec.Activity.BatchesCreated),
			"paymentsRecorded":       int64(rec.Activity.PaymentsRecorded),
			"watermarkIngestedAt":    watermark.IngestedAt.UTC().Format(time.RFC3339Nano),
			"watermarkEventId":       watermark.EventID,
		})
		if err != nil {
			return nil, err
		}
		return &ReconcileResult{
			CycleID:   in.CycleID,
			Financial: rec.Financial,
			Matching:  rec.Matching,
			Activity:  rec.Activity,
			Watermark: watermark,
		}, nil
	}))
}

// SetAuditHold freezes a reconciled cycle pending an audit. The hold and
// its resolution both work after close.
func (s *Service) SetAuditHold(ctx context.Context, env Envelope, in CycleInput) (*CloseoutStatusResult, error) {
	if in.CycleID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "cycleId is required")
	}
	if in.Reason == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "reason is required for an audit hold")
	}

	return decode[CloseoutStatusResult](s.execute(ctx, env, "SetAuditHold", in, func(ctx context.Context, x *exec) (interface{}, error) {
		if err := x.lock(ctx, storage.AggregateRef{Kind: storage.LockCloseout, ID: in.CycleID}); err != nil {
			return nil, err
		}
		state, err := foldCloseout(ctx, x.tx, in.CycleID)
		if err != nil {
			return nil, err
		}
		if err := state.CanHold(); err != nil {
			return nil, err
		}

		_, err = x.append(ctx, domain.KindCloseout, in.CycleID, in.CycleID, domain.EventAuditHoldSet, map[string]interface{}{
			"reason": in.Reason,
		})
		if err != nil {
			return nil, err
		}
		return &CloseoutStatusResult{CycleID: in.CycleID, Status: domain.CloseoutAuditHold}, nil
	}))
}

// ResolveAuditHold lifts an audit hold, restoring the pre-hold status.
func (s *Service) ResolveAuditHold(ctx context.Context, env Envelope, in CycleInput) (*CloseoutStatusResult, error) {
	if in.CycleID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "cycleId is required")
	}

	return decode[CloseoutStatusResult](s.execute(ctx, env, "ResolveAuditHold", in, func(ctx context.Context, x *exec) (interface{}, error) {
		if err := x.lock(ctx, storage.AggregateRef{Kind: storage.LockCloseout, ID: in.CycleID}); err != nil {
			return nil, err
		}
		state, err := foldCloseout(ctx, x.tx, in.CycleID)
		if err != nil {
			return nil, err
		}
		if err := state.CanResolveHold(); err != nil {
			return nil, err
		}

		_, err = x.append(ctx, domain.KindCloseout, in.CycleID, in.CycleID, domain.EventAuditResolved, map[string]interface{}{
			"resolution": in.Resolution,
		})
		if err != nil {
			return nil, err
		}
		restored := state.PreHoldStatus
		if restored == "" {
			restored = domain.CloseoutReconciled
		}
		return &CloseoutStatusResult{CycleID: in.CycleID, Status: restored}, nil
	}))
}

// CloseResult reports the terminal close.
type CloseResult struct {
	CycleID           string       `json:"cycleId"`
	Status            string       `json:"status"`
	FinalBalanceCents domain.Cents `json:"finalBalanceCents"`
}

// CloseGrantCycle is the terminal transition. The cycle must be reconciled
// and hold-free; afterwards only the post-close allow-list of events may
// touch it.
func (s *Service) CloseGrantCycle(ctx context.Context, env Envelope, in CycleInput) (*CloseResult, error) {
	if in.CycleID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "cycleId is required")
	}

	return decode[CloseResult](s.execute(ctx, env, "CloseGrantCycle", in, func(ctx context.Context, x *exec) (interface{}, error) {
		// Both buckets are held so no issuance or liquidation can slip in
		// between the final balance read and the close.
		err := x.lock(ctx,
			storage.AggregateRef{Kind: storage.LockGrantBucketGeneral, ID: in.CycleID},
			storage.AggregateRef{Kind: storage.LockGrantBucketLIRP, ID: in.CycleID},
			storage.AggregateRef{Kind: storage.LockCloseout, ID: in.CycleID},
		)
		if err != nil {
			return nil, err
		}
		state, err := foldCloseout(ctx, x.tx, in.CycleID)
		if err != nil {
			return nil, err
		}
		if err := state.CanCloseout(); err != nil {
			return nil, err
		}
		grant, err := foldGrant(ctx, x.tx, in.CycleID)
		if err != nil {
			return nil, err
		}
		if grant.Status == "" {
			return nil, domain.Errf(domain.ErrGrantNotFound, "grant cycle %s does not exist", in.CycleID)
		}

		unspent := grant.Unspent()
		_, err = x.append(ctx, domain.KindGrant, in.CycleID, in.CycleID, domain.EventGrantCycleClosed, map[string]interface{}{
			"closedBy":          env.ActorID,
			"finalBalanceCents": unspent.String(),
		})
		if err != nil {
			return nil, err
		}
		x.touch(domain.KindCloseout, in.CycleID)

		return &CloseResult{
			CycleID:           in.CycleID,
			Status:            domain.CloseoutClosed,
			FinalBalanceCents: unspent,
		}, nil
	}))
}
