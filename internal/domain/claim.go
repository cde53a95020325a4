package domain

// Claim statuses.
const (
	ClaimSubmitted = "SUBMITTED"
	ClaimApproved  = "APPROVED"
	ClaimDenied    = "DENIED"
	ClaimAdjusted  = "ADJUSTED"
	ClaimInvoiced  = "INVOICED"
)

// ClaimArtifacts carries the artifact references a submission must include.
// Values are artifact-store digests.
type ClaimArtifacts struct {
	ProcedureReport   string `json:"procedure_report"`
	ClinicInvoice     string `json:"clinic_invoice"`
	RabiesCertificate string `json:"rabies_certificate,omitempty"`
	CopayReceipt      string `json:"copay_receipt,omitempty"`
}

// ClaimState is the folded state of one reimbursement claim.
type ClaimState struct {
	ClaimID         string         `json:"claim_id"`
	CycleID         string         `json:"cycle_id"`
	VoucherID       string         `json:"voucher_id"`
	ClinicID        string         `json:"clinic_id"`
	Status          string         `json:"status"`
	Fingerprint     string         `json:"fingerprint"`
	ProcedureCode   string         `json:"procedure_code"`
	DateOfService   string         `json:"date_of_service"`
	RabiesIncluded  bool           `json:"rabies_included"`
	SubmittedAmount Cents          `json:"submitted_amount"`
	CopayAmount     Cents          `json:"copay_amount"`
	ApprovedAmount  Cents          `json:"approved_amount"`
	AdjustedDelta   Cents          `json:"adjusted_delta"`
	DecisionBasis   string         `json:"decision_basis,omitempty"`
	InvoiceID       string         `json:"invoice_id,omitempty"`
	Artifacts       ClaimArtifacts `json:"artifacts"`
	FraudSignals    []string       `json:"fraud_signals,omitempty"`
	ConflictCount   int            `json:"conflict_count,omitempty"`
}

// NewClaimState returns the empty pre-submission state for replay.
func NewClaimState(claimID string) *ClaimState {
	return &ClaimState{ClaimID: claimID}
}

// Apply folds one event into the claim state. The decision-conflict event
// is an advisory sink write and leaves the business state untouched.
func (c *ClaimState) Apply(ev *Event) {
	switch ev.EventType {
	case EventClaimSubmitted:
		c.ClaimID = ev.AggregateID
		c.CycleID = ev.CycleID
		c.VoucherID = ev.DataString("voucherId")
		c.ClinicID = ev.DataString("clinicId")
		c.Status = ClaimSubmitted
		c.Fingerprint = ev.DataString("fingerprint")
		c.ProcedureCode = ev.DataString("procedureCode")
		c.DateOfService = ev.DataString("dateOfService")
		c.RabiesIncluded = ev.DataBool("rabiesIncluded")
		c.SubmittedAmount = ev.DataCents("amountCents")
		c.CopayAmount = ev.DataCents("copayCents")
		c.Artifacts = ClaimArtifacts{
			ProcedureReport:   ev.DataString("procedureReportRef"),
			ClinicInvoice:     ev.DataString("clinicInvoiceRef"),
			RabiesCertificate: ev.DataString("rabiesCertificateRef"),
			CopayReceipt:      ev.DataString("copayReceiptRef"),
		}
		c.FraudSignals = nil
		if raw, ok := ev.EventData["fraudSignals"].([]interface{}); ok {
			for _, s := range raw {
				if str, ok := s.(string); ok {
					c.FraudSignals = append(c.FraudSignals, str)
				}
			}
		}
	case EventClaimApproved:
		c.Status = ClaimApproved
		c.ApprovedAmount = ev.DataCents("approvedAmountCents")
		c.DecisionBasis = ev.DataString("decisionBasis")
	case EventClaimDenied:
		c.Status = ClaimDenied
		c.DecisionBasis = ev.DataString("decisionBasis")
	case EventClaimAdjusted:
		c.Status = ClaimAdjusted
		c.AdjustedDelta += ev.DataCents("deltaCents")
	case EventClaimInvoiced:
		c.Status = ClaimInvoiced
		c.InvoiceID = ev.DataString("invoiceId")
	case EventClaimDecisionConflictRecorded:
		c.ConflictCount++
	}
}

// CheckInvariant validates claim-local rules.
func (c *ClaimState) CheckInvariant() error {
	if c.SubmittedAmount < 0 || c.ApprovedAmount < 0 || c.CopayAmount < 0 {
		return Errf(ErrGrantInvariant, "claim %s has a negative amount", c.ClaimID)
	}
	if c.Status != "" && c.Fingerprint == "" {
		return Errf(ErrGrantInvariant, "claim %s submitted without a fingerprint", c.ClaimID)
	}
	if c.Status == ClaimInvoiced && c.InvoiceID == "" {
		return Errf(ErrGrantInvariant, "claim %s invoiced without an invoice reference", c.ClaimID)
	}
	return nil
}

// Exists reports whether the claim has been submitted.
func (c *ClaimState) Exists() bool {
	return c.Status != ""
}

// CanAdjudicate reports whether an APPROVE or DENY decision may be applied.
// Any other status is recorded as a decision conflict, not an error.
func (c *ClaimState) CanAdjudicate() bool {
	return c.Status == ClaimSubmitted || c.Status == ClaimAdjusted
}

// CanAdjust reports whether a post-approval adjustment may be opened.
func (c *ClaimState) CanAdjust() bool {
	return c.Status == ClaimApproved
}

// CanInvoice reports whether the claim is ready to be pulled onto an
// invoice. Adjusted claims stay invoiceable; their deltas ride along as
// invoice adjustments.
func (c *ClaimState) CanInvoice() bool {
	return c.Status == ClaimApproved || c.Status == ClaimAdjusted
}
