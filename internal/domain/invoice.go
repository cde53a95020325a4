package domain

// Invoice statuses.
const (
	InvoiceDraft     = "DRAFT"
	InvoiceGenerated = "GENERATED"
	InvoiceSubmitted = "SUBMITTED"
	InvoicePaid      = "PAID"
)

// InvoiceAdjustment is a claim adjustment applied to an invoice total.
type InvoiceAdjustment struct {
	AdjustmentID string `json:"adjustment_id"`
	ClaimID      string `json:"claim_id"`
	Delta        Cents  `json:"delta"`
}

// InvoiceState is the folded state of one clinic invoice.
type InvoiceState struct {
	InvoiceID   string              `json:"invoice_id"`
	CycleID     string              `json:"cycle_id"`
	ClinicID    string              `json:"clinic_id"`
	Status      string              `json:"status"`
	ClaimIDs    []string            `json:"claim_ids"`
	Adjustments []InvoiceAdjustment `json:"adjustments,omitempty"`
	Total       Cents               `json:"total"`
	PaidAmount  Cents               `json:"paid_amount"`
	BatchID     string              `json:"batch_id,omitempty"`
	PeriodStart string              `json:"period_start"`
	PeriodEnd   string              `json:"period_end"`
}

// NewInvoiceState returns the empty pre-generation state for replay.
func NewInvoiceState(invoiceID string) *InvoiceState {
	return &InvoiceState{InvoiceID: invoiceID}
}

// Apply folds one of the invoice's own events.
func (i *InvoiceState) Apply(ev *Event) {
	switch ev.EventType {
	case EventInvoiceGenerated:
		i.InvoiceID = ev.AggregateID
		i.CycleID = ev.CycleID
		i.ClinicID = ev.DataString("clinicId")
		i.Status = InvoiceGenerated
		i.Total = ev.DataCents("totalAmountCents")
		i.PeriodStart = ev.DataString("periodStart")
		i.PeriodEnd = ev.DataString("periodEnd")
		i.ClaimIDs = nil
		if raw, ok := ev.EventData["claimIds"].([]interface{}); ok {
			for _, v := range raw {
				if s, ok := v.(string); ok {
					i.ClaimIDs = append(i.ClaimIDs, s)
				}
			}
		}
	case EventInvoiceAdjustmentApplied:
		i.Adjustments = append(i.Adjustments, InvoiceAdjustment{
			AdjustmentID: ev.DataString("adjustmentId"),
			ClaimID:      ev.DataString("claimId"),
			Delta:        ev.DataCents("deltaCents"),
		})
		i.Total += ev.DataCents("deltaCents")
	case EventInvoiceSubmitted:
		i.Status = InvoiceSubmitted
	case EventPaymentRecorded:
		i.PaidAmount += ev.DataCents("amountCents")
	case EventInvoicePaid:
		i.Status = InvoicePaid
	}
}

// ApplyBatchEffect folds an export-batch event that references this
// invoice. Batches claim and release invoices through their own events;
// the invoice projection listens so its batch reference stays derivable
// from the log.
func (i *InvoiceState) ApplyBatchEffect(ev *Event) {
	switch ev.EventType {
	case EventBatchItemAdded:
		i.BatchID = ev.AggregateID
	case EventBatchRejected, EventBatchVoided:
		if i.BatchID == ev.AggregateID {
			i.BatchID = ""
		}
	}
}

// CheckInvariant validates invoice-local rules.
func (i *InvoiceState) CheckInvariant() error {
	if i.Total < 0 {
		return Errf(ErrGrantInvariant, "invoice %s has negative total", i.InvoiceID)
	}
	if i.PaidAmount < 0 {
		return Errf(ErrGrantInvariant, "invoice %s has negative paid amount", i.InvoiceID)
	}
	if i.Status != "" && i.Status != InvoiceDraft && len(i.ClaimIDs) == 0 {
		return Errf(ErrGrantInvariant, "invoice %s has no claims", i.InvoiceID)
	}
	return nil
}

// Exists reports whether the invoice has been generated.
func (i *InvoiceState) Exists() bool {
	return i.Status != ""
}

// CanSubmit gates SubmitInvoice.
func (i *InvoiceState) CanSubmit() error {
	if i.Status == "" {
		return Errf(ErrInvoiceNotFound, "invoice %s does not exist", i.InvoiceID)
	}
	if i.Status != InvoiceGenerated {
		return Errf(ErrInvoiceNotSubmittable, "invoice %s status is %s, want GENERATED", i.InvoiceID, i.Status)
	}
	return nil
}

// EligibleForExport reports whether a batch may claim the invoice.
func (i *InvoiceState) EligibleForExport() bool {
	return i.Status == InvoiceSubmitted && i.BatchID == ""
}
