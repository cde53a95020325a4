package domain

import "time"

// Closeout statuses.
const (
	CloseoutNotStarted      = "NOT_STARTED"
	CloseoutPreflightFailed = "PREFLIGHT_FAILED"
	CloseoutPreflightPassed = "PREFLIGHT_PASSED"
	CloseoutStarted         = "STARTED"
	CloseoutReconciled      = "RECONCILED"
	CloseoutAuditHold       = "AUDIT_HOLD"
	CloseoutClosed          = "CLOSED"
)

// Preflight check names. The list and order are fixed; every run reports
// all six.
const (
	CheckAllApprovedClaimsInvoiced    = "ALL_APPROVED_CLAIMS_INVOICED"
	CheckAllSubmittedInvoicesExported = "ALL_SUBMITTED_INVOICES_EXPORTED"
	CheckAllBatchesAcknowledged       = "ALL_EXPORT_BATCHES_ACKNOWLEDGED"
	CheckAllPaymentsRecorded          = "ALL_PAYMENTS_RECORDED"
	CheckNoPendingAdjustments         = "NO_PENDING_ADJUSTMENTS"
	CheckMatchingFundsReported        = "MATCHING_FUNDS_REPORTED"
)

// CloseoutCheck is one preflight check result.
type CloseoutCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// FinancialSummary is the reconciled money picture of a cycle.
type FinancialSummary struct {
	Awarded    Cents `json:"awarded"`
	Liquidated Cents `json:"liquidated"`
	Released   Cents `json:"released"`
	Unspent    Cents `json:"unspent"`
}

// Balanced reports whether the summary satisfies
// awarded = liquidated + released + unspent.
func (f FinancialSummary) Balanced() bool {
	return f.Awarded == f.Liquidated+f.Released+f.Unspent
}

// ActivitySummary counts the cycle's aggregate activity at reconcile time.
type ActivitySummary struct {
	VouchersIssued    int `json:"vouchers_issued"`
	ClaimsSubmitted   int `json:"claims_submitted"`
	ClaimsApproved    int `json:"claims_approved"`
	ClaimsDenied      int `json:"claims_denied"`
	InvoicesGenerated int `json:"invoices_generated"`
	BatchesCreated    int `json:"batches_created"`
	PaymentsRecorded  int `json:"payments_recorded"`
}

// MatchingSummary is the reconciled matching-funds picture.
type MatchingSummary struct {
	Committed Cents `json:"committed"`
	Reported  Cents `json:"reported"`
	Shortfall Cents `json:"shortfall"`
	Surplus   Cents `json:"surplus"`
}

// CloseoutState is the folded state of a cycle's closeout process.
type CloseoutState struct {
	CycleID       string           `json:"cycle_id"`
	Status        string           `json:"status"`
	Checks        []CloseoutCheck  `json:"checks,omitempty"`
	Financial     FinancialSummary `json:"financial"`
	Matching      MatchingSummary  `json:"matching"`
	Activity      ActivitySummary  `json:"activity"`
	Watermark     Watermark        `json:"watermark"`
	PreHoldStatus string           `json:"pre_hold_status,omitempty"`
	HoldReason    string           `json:"hold_reason,omitempty"`
	ClosedBy      string           `json:"closed_by,omitempty"`
	ClosedAt      time.Time        `json:"closed_at,omitempty"`
	FinalBalance  Cents            `json:"final_balance"`
}

// NewCloseoutState returns the initial closeout state for a cycle.
func NewCloseoutState(cycleID string) *CloseoutState {
	return &CloseoutState{CycleID: cycleID, Status: CloseoutNotStarted}
}

// Apply folds one event into the closeout state.
func (c *CloseoutState) Apply(ev *Event) {
	switch ev.EventType {
	case EventCloseoutPreflightCompleted:
		c.CycleID = ev.CycleID
		c.Checks = decodeChecks(ev)
		if ev.DataString("overall") == "PASSED" {
			c.Status = CloseoutPreflightPassed
		} else {
			c.Status = CloseoutPreflightFailed
		}
	case EventCloseoutStarted:
		c.Status = CloseoutStarted
	case EventCloseoutReconciled:
		c.Status = CloseoutReconciled
		c.Financial = FinancialSummary{
			Awarded:    ev.DataCents("awardedCents"),
			Liquidated: ev.DataCents("liquidatedCents"),
			Released:   ev.DataCents("releasedCents"),
			Unspent:    ev.DataCents("unspentCents"),
		}
		c.Matching = MatchingSummary{
			Committed: ev.DataCents("matchingCommittedCents"),
			Reported:  ev.DataCents("matchingReportedCents"),
			Shortfall: ev.DataCents("matchingShortfallCents"),
			Surplus:   ev.DataCents("matchingSurplusCents"),
		}
		c.Activity = ActivitySummary{
			VouchersIssued:    int(ev.DataInt("vouchersIssued")),
			ClaimsSubmitted:   int(ev.DataInt("claimsSubmitted")),
			ClaimsApproved:    int(ev.DataInt("claimsApproved")),
			ClaimsDenied:      int(ev.DataInt("claimsDenied")),
			InvoicesGenerated: int(ev.DataInt("invoicesGenerated")),
			BatchesCreated:    int(ev.DataInt("batchesCreated")),
			PaymentsRecorded:  int(ev.DataInt("paymentsRecorded")),
		}
		c.Watermark = Watermark{
			IngestedAt: ev.DataTime("watermarkIngestedAt"),
			EventID:    ev.DataString("watermarkEventId"),
		}
	case EventAuditHoldSet:
		c.PreHoldStatus = c.Status
		c.Status = CloseoutAuditHold
		c.HoldReason = ev.DataString("reason")
	case EventAuditResolved:
		if c.PreHoldStatus != "" {
			c.Status = c.PreHoldStatus
		} else {
			c.Status = CloseoutReconciled
		}
		c.PreHoldStatus = ""
		c.HoldReason = ""
	case EventGrantCycleClosed:
		c.Status = CloseoutClosed
		c.ClosedBy = ev.DataString("closedBy")
		c.ClosedAt = ev.OccurredAt
		c.FinalBalance = ev.DataCents("finalBalanceCents")
	}
}

func decodeChecks(ev *Event) []CloseoutCheck {
	raw, ok := ev.EventData["checks"].([]interface{})
	if !ok {
		return nil
	}
	checks := make([]CloseoutCheck, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		check := CloseoutCheck{}
		check.Name, _ = m["name"].(string)
		check.Passed, _ = m["passed"].(bool)
		check.Detail, _ = m["detail"].(string)
		checks = append(checks, check)
	}
	return checks
}

// CheckInvariant enforces the closeout financial invariant in the states
// that carry a reconciled summary.
func (c *CloseoutState) CheckInvariant() error {
	switch c.Status {
	case CloseoutReconciled, CloseoutClosed:
		if !c.Financial.Balanced() {
			return Errf(ErrCloseoutInvariant,
				"cycle %s: awarded %d != liquidated %d + released %d + unspent %d",
				c.CycleID, c.Financial.Awarded, c.Financial.Liquidated,
				c.Financial.Released, c.Financial.Unspent)
		}
		if c.Matching.Shortfall > 0 && c.Matching.Surplus > 0 {
			return Errf(ErrCloseoutInvariant,
				"cycle %s: matching shortfall and surplus both positive", c.CycleID)
		}
	}
	return nil
}

// CanStart gates StartCloseout.
func (c *CloseoutState) CanStart() error {
	switch c.Status {
	case CloseoutPreflightPassed:
		return nil
	case CloseoutAuditHold:
		return Errf(ErrAuditHoldActive, "cycle %s is under audit hold", c.CycleID)
	case CloseoutClosed:
		return Errf(ErrGrantCycleClosed, "cycle %s is closed", c.CycleID)
	default:
		return Errf(ErrPreflightNotPassed, "cycle %s closeout status is %s", c.CycleID, c.Status)
	}
}

// CanReconcile gates ReconcileCloseout.
func (c *CloseoutState) CanReconcile() error {
	switch c.Status {
	case CloseoutStarted, CloseoutReconciled:
		return nil
	case CloseoutAuditHold:
		return Errf(ErrAuditHoldActive, "cycle %s is under audit hold", c.CycleID)
	case CloseoutClosed:
		return Errf(ErrGrantCycleClosed, "cycle %s is closed", c.CycleID)
	default:
		return Errf(ErrPreflightNotPassed, "cycle %s closeout status is %s", c.CycleID, c.Status)
	}
}

// CanCloseout gates CloseGrantCycle: reconciled, not on hold, not closed.
func (c *CloseoutState) CanCloseout() error {
	switch c.Status {
	case CloseoutReconciled:
		return nil
	case CloseoutAuditHold:
		return Errf(ErrAuditHoldActive, "cycle %s is under audit hold", c.CycleID)
	case CloseoutClosed:
		return Errf(ErrGrantCycleClosed, "cycle %s is already closed", c.CycleID)
	default:
		return Errf(ErrPreflightNotPassed, "cycle %s closeout status is %s, want RECONCILED", c.CycleID, c.Status)
	}
}

// CanHold gates SetAuditHold. A CLOSED cycle can still be placed on hold
// for a post-close audit; resolving the hold restores CLOSED.
func (c *CloseoutState) CanHold() error {
	switch c.Status {
	case CloseoutReconciled, CloseoutClosed:
		return nil
	case CloseoutAuditHold:
		return Errf(ErrAuditHoldActive, "cycle %s is already under audit hold", c.CycleID)
	default:
		return Errf(ErrPreflightNotPassed, "cycle %s closeout status is %s, want RECONCILED", c.CycleID, c.Status)
	}
}

// CanResolveHold gates ResolveAuditHold.
func (c *CloseoutState) CanResolveHold() error {
	if c.Status != CloseoutAuditHold {
		return Errf(ErrPreflightNotPassed, "cycle %s is not under audit hold", c.CycleID)
	}
	return nil
}
