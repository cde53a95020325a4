package domain

import "time"

// Grant bucket names. LIRP vouchers draw only from the LIRP bucket; every
// other voucher draws from GENERAL.
const (
	BucketGeneral = "GENERAL"
	BucketLIRP    = "LIRP"
)

// Grant statuses.
const (
	GrantActive = "ACTIVE"
	GrantClosed = "CLOSED"
)

// BucketState is one isolated balance row of a grant.
type BucketState struct {
	Awarded    Cents `json:"awarded"`
	Available  Cents `json:"available"`
	Encumbered Cents `json:"encumbered"`
	Liquidated Cents `json:"liquidated"`
	Released   Cents `json:"released"`
}

// MatchingState tracks matching-funds commitments against reports.
type MatchingState struct {
	Committed Cents `json:"committed"`
	Reported  Cents `json:"reported"`
}

// Shortfall is the unmet commitment, never negative.
func (m MatchingState) Shortfall() Cents {
	if m.Committed > m.Reported {
		return m.Committed - m.Reported
	}
	return 0
}

// Surplus is the over-reported amount, never negative.
func (m MatchingState) Surplus() Cents {
	if m.Reported > m.Committed {
		return m.Reported - m.Committed
	}
	return 0
}

// GrantState is the folded state of one grant cycle.
type GrantState struct {
	CycleID        string                  `json:"cycle_id"`
	CycleShort     string                  `json:"cycle_short"`
	Status         string                  `json:"status"`
	PeriodStart    time.Time               `json:"period_start"`
	PeriodEnd      time.Time               `json:"period_end"`
	ClaimsDeadline time.Time               `json:"claims_deadline"`
	DeadlinePassed bool                    `json:"deadline_passed"`
	Rate           Rate                    `json:"rate"`
	Buckets        map[string]*BucketState `json:"buckets"`
	Matching       MatchingState           `json:"matching"`
	ClosedBy       string                  `json:"closed_by,omitempty"`
	ClosedAt       time.Time               `json:"closed_at,omitempty"`
	FinalBalance   Cents                   `json:"final_balance"`
}

// NewGrantState returns the empty pre-creation state for replay.
func NewGrantState(cycleID string) *GrantState {
	return &GrantState{
		CycleID: cycleID,
		Buckets: map[string]*BucketState{
			BucketGeneral: {},
			BucketLIRP:    {},
		},
	}
}

// BucketFor selects the bucket a voucher draws from.
func BucketFor(isLIRP bool) string {
	if isLIRP {
		return BucketLIRP
	}
	return BucketGeneral
}

// Bucket returns the named bucket, creating it on first touch during replay.
func (g *GrantState) Bucket(name string) *BucketState {
	if g.Buckets == nil {
		g.Buckets = map[string]*BucketState{}
	}
	b, ok := g.Buckets[name]
	if !ok {
		b = &BucketState{}
		g.Buckets[name] = b
	}
	return b
}

// Apply folds one event into the grant state. Unknown event types are
// ignored so replay stays forward compatible.
func (g *GrantState) Apply(ev *Event) {
	switch ev.EventType {
	case EventGrantCycleCreated:
		g.CycleID = ev.AggregateID
		g.CycleShort = ev.DataString("cycleShort")
		g.Status = GrantActive
		g.PeriodStart = ev.DataTime("periodStart")
		g.PeriodEnd = ev.DataTime("periodEnd")
		g.ClaimsDeadline = ev.DataTime("claimsDeadline")
		g.Rate = Rate{Num: ev.DataInt("rateNum"), Den: ev.DataInt("rateDen")}
		general := ev.DataCents("awardedGeneralCents")
		lirp := ev.DataCents("awardedLirpCents")
		g.Buckets[BucketGeneral] = &BucketState{Awarded: general, Available: general}
		g.Buckets[BucketLIRP] = &BucketState{Awarded: lirp, Available: lirp}
	case EventGrantFundsEncumbered:
		b := g.Bucket(ev.DataString("bucket"))
		amount := ev.DataCents("amountCents")
		b.Available -= amount
		b.Encumbered += amount
	case EventGrantFundsReleased:
		b := g.Bucket(ev.DataString("bucket"))
		amount := ev.DataCents("amountCents")
		b.Encumbered -= amount
		b.Available += amount
		b.Released += amount
	case EventGrantFundsLiquidated:
		b := g.Bucket(ev.DataString("bucket"))
		amount := ev.DataCents("amountCents")
		b.Encumbered -= amount
		b.Liquidated += amount
	case EventGrantMatchingCommitted:
		g.Matching.Committed += ev.DataCents("amountCents")
	case EventGrantMatchingReported:
		g.Matching.Reported += ev.DataCents("amountCents")
	case EventGrantClaimsDeadlinePassed:
		g.DeadlinePassed = true
	case EventGrantCycleClosed:
		g.Status = GrantClosed
		g.ClosedBy = ev.DataString("closedBy")
		g.ClosedAt = ev.OccurredAt
		g.FinalBalance = ev.DataCents("finalBalanceCents")
	}
}

// CheckInvariant enforces the bucket arithmetic and matching rules. A
// violation means the log or a projection is corrupt.
func (g *GrantState) CheckInvariant() error {
	for name, b := range g.Buckets {
		if b.Available < 0 || b.Encumbered < 0 || b.Liquidated < 0 || b.Released < 0 || b.Awarded < 0 {
			return Errf(ErrGrantInvariant, "cycle %s bucket %s has a negative field", g.CycleID, name)
		}
		if b.Available+b.Encumbered+b.Liquidated != b.Awarded {
			return Errf(ErrGrantInvariant,
				"cycle %s bucket %s: available %d + encumbered %d + liquidated %d != awarded %d",
				g.CycleID, name, b.Available, b.Encumbered, b.Liquidated, b.Awarded)
		}
		if b.Released > b.Awarded {
			return Errf(ErrGrantInvariant, "cycle %s bucket %s: released %d exceeds awarded %d",
				g.CycleID, name, b.Released, b.Awarded)
		}
	}
	if g.Matching.Shortfall() > 0 && g.Matching.Surplus() > 0 {
		return Errf(ErrGrantInvariant, "cycle %s matching shortfall and surplus both positive", g.CycleID)
	}
	return nil
}

// CanEncumber reports whether the bucket can cover an encumbrance.
func (g *GrantState) CanEncumber(bucket string, amount Cents) (bool, string) {
	if g.Status == "" {
		return false, "grant cycle does not exist"
	}
	if g.Status == GrantClosed {
		return false, "grant cycle is closed"
	}
	b := g.Bucket(bucket)
	if b.Available < amount {
		return false, "insufficient available funds"
	}
	return true, ""
}

// Liquidated sums liquidations across buckets.
func (g *GrantState) Liquidated() Cents {
	var total Cents
	for _, b := range g.Buckets {
		total += b.Liquidated
	}
	return total
}

// Released sums releases across buckets.
func (g *GrantState) Released() Cents {
	var total Cents
	for _, b := range g.Buckets {
		total += b.Released
	}
	return total
}

// Awarded sums awards across buckets.
func (g *GrantState) Awarded() Cents {
	var total Cents
	for _, b := range g.Buckets {
		total += b.Awarded
	}
	return total
}

// Unspent is the closeout remainder: awarded minus liquidated minus
// released. The reconciled summary must satisfy
// awarded = liquidated + released + unspent.
func (g *GrantState) Unspent() Cents {
	return g.Awarded() - g.Liquidated() - g.Released()
}
