package domain

import "time"

// Breeder filing compliance statuses.
const (
	FilingOnTime  = "ON_TIME"
	FilingDueSoon = "DUE_SOON"
	FilingOverdue = "OVERDUE"
	FilingCured   = "CURED"
)

// dueSoonWindow is how far before the due date a filing turns DUE_SOON.
const dueSoonWindow = 3 * 24 * time.Hour

// BreederFilingState is the folded state of one breeder compliance filing.
type BreederFilingState struct {
	FilingID       string    `json:"filing_id"`
	CycleID        string    `json:"cycle_id"`
	BreederID      string    `json:"breeder_id"`
	Status         string    `json:"status"`
	DueAt          time.Time `json:"due_at"`
	SubmittedAt    time.Time `json:"submitted_at,omitempty"`
	CuredAt        time.Time `json:"cured_at,omitempty"`
	CurePeriodDays int       `json:"cure_period_days"`
}

// NewBreederFilingState returns the empty pre-creation state for replay.
func NewBreederFilingState(filingID string) *BreederFilingState {
	return &BreederFilingState{FilingID: filingID}
}

// Apply folds one event into the filing state.
func (f *BreederFilingState) Apply(ev *Event) {
	switch ev.EventType {
	case EventFilingCreated:
		f.FilingID = ev.AggregateID
		f.CycleID = ev.CycleID
		f.BreederID = ev.DataString("breederId")
		f.DueAt = ev.DataTime("dueAt")
		f.CurePeriodDays = int(ev.DataInt("curePeriodDays"))
		f.Status = FilingOnTime
	case EventFilingSubmitted:
		f.SubmittedAt = ev.OccurredAt
	case EventFilingCured:
		f.CuredAt = ev.OccurredAt
	case EventFilingStatusRecomputed:
		f.Status = ev.DataString("status")
	}
}

// CheckInvariant validates filing-local rules.
func (f *BreederFilingState) CheckInvariant() error {
	if f.CurePeriodDays < 0 {
		return Errf(ErrGrantInvariant, "filing %s has negative cure period", f.FilingID)
	}
	return nil
}

// Exists reports whether the filing has been created.
func (f *BreederFilingState) Exists() bool {
	return f.Status != ""
}

// ComplianceStatus recomputes a filing's status as a pure function of its
// dates. The sweep emits a recompute event only when the result differs
// from the stored status.
func ComplianceStatus(dueAt, submittedAt, curedAt time.Time, curePeriodDays int, now time.Time) string {
	cureDeadline := dueAt.Add(time.Duration(curePeriodDays) * 24 * time.Hour)
	if !curedAt.IsZero() && !curedAt.After(cureDeadline) {
		return FilingCured
	}
	if !submittedAt.IsZero() {
		if !submittedAt.After(dueAt) {
			return FilingOnTime
		}
		if !submittedAt.After(cureDeadline) {
			return FilingCured
		}
		return FilingOverdue
	}
	if now.After(dueAt) {
		return FilingOverdue
	}
	if !now.Before(dueAt.Add(-dueSoonWindow)) {
		return FilingDueSoon
	}
	return FilingOnTime
}

// Recompute applies ComplianceStatus to the filing's own fields.
func (f *BreederFilingState) Recompute(now time.Time) string {
	return ComplianceStatus(f.DueAt, f.SubmittedAt, f.CuredAt, f.CurePeriodDays, now)
}
