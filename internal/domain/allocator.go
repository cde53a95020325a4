package domain

import (
	"fmt"
	"strings"
)

// AllocatorState is the per-(cycle, county) counter behind voucher codes.
// It has no events of its own: it is derived from the seq field of voucher
// issue events and locked as its own projection row during minting.
type AllocatorState struct {
	CycleID string `json:"cycle_id"`
	County  string `json:"county"`
	NextSeq int64  `json:"next_seq"`
}

// AllocatorID is the compound projection key for an allocator row.
func AllocatorID(cycleID, county string) string {
	return fmt.Sprintf("%s/%s", cycleID, county)
}

// SplitAllocatorID is the inverse of AllocatorID. A key without a separator
// is treated as a bare cycle with an empty county.
func SplitAllocatorID(id string) (cycleID, county string) {
	if i := strings.IndexByte(id, '/'); i >= 0 {
		return id[:i], id[i+1:]
	}
	return id, ""
}

// NewAllocatorState returns a counter starting at sequence 1.
func NewAllocatorState(cycleID, county string) *AllocatorState {
	return &AllocatorState{CycleID: cycleID, County: county, NextSeq: 1}
}

// Apply folds a voucher issue event that consumed a sequence number.
func (a *AllocatorState) Apply(ev *Event) {
	switch ev.EventType {
	case EventVoucherIssuedTentative, EventVoucherIssued:
		if ev.DataString("county") != a.County || ev.CycleID != a.CycleID {
			return
		}
		seq := ev.DataInt("seq")
		if seq >= a.NextSeq {
			a.NextSeq = seq + 1
		}
	}
}

// CheckInvariant validates the counter.
func (a *AllocatorState) CheckInvariant() error {
	if a.NextSeq < 1 {
		return Errf(ErrGrantInvariant, "allocator %s has next_seq %d", AllocatorID(a.CycleID, a.County), a.NextSeq)
	}
	return nil
}
