package domain

import "time"

// Voucher statuses.
const (
	VoucherTentative = "TENTATIVE"
	VoucherIssued    = "ISSUED"
	VoucherRedeemed  = "REDEEMED"
	VoucherExpired   = "EXPIRED"
	VoucherVoided    = "VOIDED"
)

// VoucherState is the folded state of one spend authorization.
type VoucherState struct {
	VoucherID          string    `json:"voucher_id"`
	CycleID            string    `json:"cycle_id"`
	County             string    `json:"county"`
	ApplicantID        string    `json:"applicant_id"`
	Status             string    `json:"status"`
	MaxReimbursement   Cents     `json:"max_reimbursement"`
	IsLIRP             bool      `json:"is_lirp"`
	IssuedAt           time.Time `json:"issued_at"`
	TentativeExpiresAt time.Time `json:"tentative_expires_at,omitempty"`
	ExpiresAt          time.Time `json:"expires_at"`
	RedeemedByClaim    string    `json:"redeemed_by_claim,omitempty"`
	VoidReason         string    `json:"void_reason,omitempty"`
}

// NewVoucherState returns the empty pre-issue state for replay.
func NewVoucherState(voucherID string) *VoucherState {
	return &VoucherState{VoucherID: voucherID}
}

// Apply folds one event into the voucher state.
func (v *VoucherState) Apply(ev *Event) {
	switch ev.EventType {
	case EventVoucherIssuedTentative:
		v.applyIssue(ev)
		v.Status = VoucherTentative
		v.TentativeExpiresAt = ev.DataTime("tentativeExpiresAt")
	case EventVoucherIssued:
		if v.Status != VoucherTentative {
			v.applyIssue(ev)
		}
		v.Status = VoucherIssued
		v.TentativeExpiresAt = time.Time{}
	case EventVoucherRedeemed:
		v.Status = VoucherRedeemed
		v.RedeemedByClaim = ev.DataString("claimId")
	case EventVoucherExpired:
		v.Status = VoucherExpired
	case EventVoucherVoided:
		v.Status = VoucherVoided
		v.VoidReason = ev.DataString("reason")
	}
}

func (v *VoucherState) applyIssue(ev *Event) {
	v.VoucherID = ev.AggregateID
	v.CycleID = ev.CycleID
	v.County = ev.DataString("county")
	v.ApplicantID = ev.DataString("applicantId")
	v.MaxReimbursement = ev.DataCents("maxReimbursementCents")
	v.IsLIRP = ev.DataBool("isLirp")
	v.IssuedAt = ev.OccurredAt
	v.ExpiresAt = ev.DataTime("expiresAt")
}

// CheckInvariant validates voucher-local rules.
func (v *VoucherState) CheckInvariant() error {
	if v.MaxReimbursement < 0 {
		return Errf(ErrGrantInvariant, "voucher %s has negative max reimbursement", v.VoucherID)
	}
	if v.Status == VoucherRedeemed && v.RedeemedByClaim == "" {
		return Errf(ErrGrantInvariant, "voucher %s redeemed without a claim reference", v.VoucherID)
	}
	return nil
}

// Exists reports whether any issue event has been folded.
func (v *VoucherState) Exists() bool {
	return v.Status != ""
}

// ValidForService reports whether a claim may be submitted against the
// voucher for a given service date. The window is [issue, expiry] on the
// calendar day level.
func (v *VoucherState) ValidForService(serviceDate time.Time) (bool, string) {
	switch v.Status {
	case VoucherIssued:
	case "":
		return false, "voucher does not exist"
	case VoucherRedeemed:
		return false, "voucher already redeemed"
	default:
		return false, "voucher status is " + v.Status
	}
	if !v.ExpiresAt.IsZero() && serviceDate.After(v.ExpiresAt) {
		return false, "service date is after voucher expiry"
	}
	if !v.IssuedAt.IsZero() && serviceDate.Before(truncateToDay(v.IssuedAt)) {
		return false, "service date is before voucher issue"
	}
	return true, ""
}

// CanVoid gates VoidVoucher. Redeemed vouchers surface their own error code
// so callers can distinguish the case.
func (v *VoucherState) CanVoid() error {
	switch v.Status {
	case VoucherTentative, VoucherIssued:
		return nil
	case VoucherRedeemed:
		return Errf(ErrVoucherAlreadyRedeemed, "voucher %s is redeemed", v.VoucherID)
	case "":
		return Errf(ErrVoucherNotFound, "voucher %s does not exist", v.VoucherID)
	default:
		return Errf(ErrVoucherNotVoidable, "voucher %s status is %s", v.VoucherID, v.Status)
	}
}

// CanConfirm gates ConfirmVoucher.
func (v *VoucherState) CanConfirm(now time.Time) error {
	if v.Status == "" {
		return Errf(ErrVoucherNotFound, "voucher %s does not exist", v.VoucherID)
	}
	if v.Status != VoucherTentative {
		return Errf(ErrVoucherNotValid, "voucher %s status is %s, want TENTATIVE", v.VoucherID, v.Status)
	}
	if !v.TentativeExpiresAt.IsZero() && now.After(v.TentativeExpiresAt) {
		return Errf(ErrVoucherNotValid, "voucher %s tentative hold expired", v.VoucherID)
	}
	return nil
}

// TentativeExpired reports whether the sweep should void this voucher.
func (v *VoucherState) TentativeExpired(now time.Time) bool {
	return v.Status == VoucherTentative &&
		!v.TentativeExpiresAt.IsZero() &&
		v.TentativeExpiresAt.Before(now)
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
