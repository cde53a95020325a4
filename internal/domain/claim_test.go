package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claimSubmittedEvent(claimID string) *Event {
	fp, _ := ClaimFingerprint("FY26-KANAWHA-00001", "clinic-1", "spay_dog_f", "2026-03-10", true)
	return &Event{
		EventID:       NewEventID(),
		AggregateKind: KindClaim,
		AggregateID:   claimID,
		EventType:     EventClaimSubmitted,
		CycleID:       "cycle-1",
		OccurredAt:    time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC),
		EventData: map[string]interface{}{
			"voucherId":            "FY26-KANAWHA-00001",
			"clinicId":             "clinic-1",
			"procedureCode":        "SPAY_DOG_F",
			"dateOfService":        "2026-03-10",
			"rabiesIncluded":       true,
			"amountCents":          "45000",
			"copayCents":           "2000",
			"fingerprint":          fp,
			"procedureReportRef":   "sha256:aaa",
			"clinicInvoiceRef":     "sha256:bbb",
			"rabiesCertificateRef": "sha256:ccc",
			"fraudSignals":         []interface{}{"AMOUNT_NEAR_CAP"},
		},
	}
}

func TestClaimStateFold(t *testing.T) {
	c := NewClaimState("CLM-FY26-AB12CD34")
	assert.False(t, c.Exists())

	c.Apply(claimSubmittedEvent("CLM-FY26-AB12CD34"))
	require.Equal(t, ClaimSubmitted, c.Status)
	assert.Equal(t, "FY26-KANAWHA-00001", c.VoucherID)
	assert.Equal(t, Cents(45000), c.SubmittedAmount)
	assert.Equal(t, Cents(2000), c.CopayAmount)
	assert.Equal(t, "sha256:aaa", c.Artifacts.ProcedureReport)
	assert.Empty(t, c.Artifacts.CopayReceipt)
	assert.Equal(t, []string{"AMOUNT_NEAR_CAP"}, c.FraudSignals)
	assert.NotEmpty(t, c.Fingerprint)
	require.NoError(t, c.CheckInvariant())

	c.Apply(&Event{EventType: EventClaimApproved, EventData: map[string]interface{}{
		"approvedAmountCents": "43000",
		"decisionBasis":       "fee schedule cap",
	}})
	assert.Equal(t, ClaimApproved, c.Status)
	assert.Equal(t, Cents(43000), c.ApprovedAmount)

	c.Apply(&Event{EventType: EventClaimInvoiced, EventData: map[string]interface{}{"invoiceId": "inv-1"}})
	assert.Equal(t, ClaimInvoiced, c.Status)
	assert.Equal(t, "inv-1", c.InvoiceID)
	require.NoError(t, c.CheckInvariant())
}

func TestClaimAdjustmentAccumulates(t *testing.T) {
	c := NewClaimState("c-1")
	c.Apply(claimSubmittedEvent("c-1"))
	c.Apply(&Event{EventType: EventClaimApproved, EventData: map[string]interface{}{"approvedAmountCents": "43000"}})

	require.True(t, c.CanAdjust())
	c.Apply(&Event{EventType: EventClaimAdjusted, EventData: map[string]interface{}{"deltaCents": "-3000"}})
	assert.Equal(t, ClaimAdjusted, c.Status)
	assert.Equal(t, Cents(-3000), c.AdjustedDelta)

	// An adjusted claim goes back through adjudication.
	assert.True(t, c.CanAdjudicate())

	c.Apply(&Event{EventType: EventClaimAdjusted, EventData: map[string]interface{}{"deltaCents": "500"}})
	assert.Equal(t, Cents(-2500), c.AdjustedDelta)
}

func TestClaimAdjudicationGate(t *testing.T) {
	c := NewClaimState("c-1")
	assert.False(t, c.CanAdjudicate())

	c.Apply(claimSubmittedEvent("c-1"))
	assert.True(t, c.CanAdjudicate())

	c.Apply(&Event{EventType: EventClaimDenied, EventData: map[string]interface{}{"decisionBasis": "voucher mismatch"}})
	assert.False(t, c.CanAdjudicate())
	assert.False(t, c.CanAdjust())
	assert.False(t, c.CanInvoice())
	assert.Equal(t, "voucher mismatch", c.DecisionBasis)
}

func TestClaimConflictLeavesStateUntouched(t *testing.T) {
	c := NewClaimState("c-1")
	c.Apply(claimSubmittedEvent("c-1"))
	c.Apply(&Event{EventType: EventClaimApproved, EventData: map[string]interface{}{"approvedAmountCents": "43000"}})

	before := *c
	c.Apply(&Event{EventType: EventClaimDecisionConflictRecorded, EventData: map[string]interface{}{
		"attemptedDecision": "DENY",
	}})
	assert.Equal(t, 1, c.ConflictCount)
	assert.Equal(t, before.Status, c.Status)
	assert.Equal(t, before.ApprovedAmount, c.ApprovedAmount)

	c.Apply(&Event{EventType: EventClaimDecisionConflictRecorded})
	assert.Equal(t, 2, c.ConflictCount)
}

func TestClaimInvariantCatchesMissingRefs(t *testing.T) {
	c := NewClaimState("c-1")
	c.Apply(claimSubmittedEvent("c-1"))
	c.Fingerprint = ""
	err := c.CheckInvariant()
	require.Error(t, err)
	assert.Equal(t, ErrGrantInvariant, CodeOf(err))

	c2 := NewClaimState("c-2")
	c2.Apply(claimSubmittedEvent("c-2"))
	c2.Status = ClaimInvoiced
	err = c2.CheckInvariant()
	require.Error(t, err)
}
