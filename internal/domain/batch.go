package domain

import "time"

// OASIS export batch statuses.
const (
	BatchCreated      = "CREATED"
	BatchFileRendered = "FILE_RENDERED"
	BatchSubmitted    = "SUBMITTED"
	BatchAcknowledged = "ACKNOWLEDGED"
	BatchRejected     = "REJECTED"
	BatchVoided       = "VOIDED"
)

// BatchItem is one invoice line of an export batch, in render order.
type BatchItem struct {
	Seq        int    `json:"seq"`
	InvoiceID  string `json:"invoice_id"`
	VendorCode string `json:"vendor_code"`
	Amount     Cents  `json:"amount"`
}

// BatchState is the folded state of one OASIS export batch.
type BatchState struct {
	BatchID       string      `json:"batch_id"`
	CycleID       string      `json:"cycle_id"`
	BatchCode     string      `json:"batch_code"`
	Status        string      `json:"status"`
	Fingerprint   string      `json:"fingerprint"`
	PeriodStart   string      `json:"period_start"`
	PeriodEnd     string      `json:"period_end"`
	Watermark     Watermark   `json:"watermark"`
	Items         []BatchItem `json:"items"`
	RecordCount   int         `json:"record_count"`
	ControlTotal  Cents       `json:"control_total"`
	ContentLength int         `json:"content_length"`
	SHA256        string      `json:"sha256,omitempty"`
	FormatVersion string      `json:"format_version,omitempty"`
	ArtifactRef   string      `json:"artifact_ref,omitempty"`
	SubmittedAt   time.Time   `json:"submitted_at,omitempty"`
	GatewayRef    string      `json:"gateway_ref,omitempty"`
	AckRef        string      `json:"ack_ref,omitempty"`
	CloseReason   string      `json:"close_reason,omitempty"`
}

// NewBatchState returns the empty pre-creation state for replay.
func NewBatchState(batchID string) *BatchState {
	return &BatchState{BatchID: batchID}
}

// Apply folds one event into the batch state.
func (b *BatchState) Apply(ev *Event) {
	switch ev.EventType {
	case EventBatchCreated:
		b.BatchID = ev.AggregateID
		b.CycleID = ev.CycleID
		b.BatchCode = ev.DataString("batchCode")
		b.Status = BatchCreated
		b.Fingerprint = ev.DataString("fingerprint")
		b.PeriodStart = ev.DataString("periodStart")
		b.PeriodEnd = ev.DataString("periodEnd")
		b.Watermark = Watermark{
			IngestedAt: ev.DataTime("watermarkIngestedAt"),
			EventID:    ev.DataString("watermarkEventId"),
		}
	case EventBatchItemAdded:
		b.Items = append(b.Items, BatchItem{
			Seq:        int(ev.DataInt("seq")),
			InvoiceID:  ev.DataString("invoiceId"),
			VendorCode: ev.DataString("vendorCode"),
			Amount:     ev.DataCents("amountCents"),
		})
	case EventBatchFileRendered:
		b.Status = BatchFileRendered
		b.RecordCount = int(ev.DataInt("recordCount"))
		b.ControlTotal = ev.DataCents("controlTotalCents")
		b.ContentLength = int(ev.DataInt("contentLength"))
		b.SHA256 = ev.DataString("sha256")
		b.FormatVersion = ev.DataString("formatVersion")
		b.ArtifactRef = ev.DataString("artifactRef")
	case EventBatchSubmitted:
		b.Status = BatchSubmitted
		b.SubmittedAt = ev.OccurredAt
		b.GatewayRef = ev.DataString("gatewayRef")
	case EventBatchAcknowledged:
		b.Status = BatchAcknowledged
		b.AckRef = ev.DataString("ackRef")
	case EventBatchRejected:
		b.Status = BatchRejected
		b.CloseReason = ev.DataString("reason")
	case EventBatchVoided:
		b.Status = BatchVoided
		b.CloseReason = ev.DataString("reason")
	}
}

// CheckInvariant validates batch-local rules.
func (b *BatchState) CheckInvariant() error {
	if b.ControlTotal < 0 {
		return Errf(ErrBatchInvariant, "batch %s has negative control total", b.BatchID)
	}
	if b.Status == BatchFileRendered || b.Status == BatchSubmitted || b.Status == BatchAcknowledged {
		if b.RecordCount != len(b.Items) {
			return Errf(ErrBatchInvariant, "batch %s record count %d != item count %d",
				b.BatchID, b.RecordCount, len(b.Items))
		}
		var sum Cents
		for _, it := range b.Items {
			sum += it.Amount
		}
		if sum != b.ControlTotal {
			return Errf(ErrBatchInvariant, "batch %s control total %d != item sum %d",
				b.BatchID, b.ControlTotal, sum)
		}
	}
	return nil
}

// Exists reports whether the batch has been created.
func (b *BatchState) Exists() bool {
	return b.Status != ""
}

// InvoiceIDs lists the member invoices in item order.
func (b *BatchState) InvoiceIDs() []string {
	ids := make([]string, 0, len(b.Items))
	for _, it := range b.Items {
		ids = append(ids, it.InvoiceID)
	}
	return ids
}

// CanRender gates RenderExportFile. Re-rendering an already rendered batch
// is allowed and idempotent.
func (b *BatchState) CanRender() error {
	switch b.Status {
	case BatchCreated, BatchFileRendered:
		return nil
	case "":
		return Errf(ErrBatchNotFound, "batch %s does not exist", b.BatchID)
	case BatchVoided:
		return Errf(ErrBatchAlreadyVoided, "batch %s is voided", b.BatchID)
	default:
		return Errf(ErrBatchAlreadySubmitted, "batch %s status is %s", b.BatchID, b.Status)
	}
}

// CanSubmit gates SubmitExportBatch.
func (b *BatchState) CanSubmit() error {
	switch b.Status {
	case BatchFileRendered:
		return nil
	case "":
		return Errf(ErrBatchNotFound, "batch %s does not exist", b.BatchID)
	case BatchCreated:
		return Errf(ErrBatchNotRendered, "batch %s has no rendered file", b.BatchID)
	case BatchVoided:
		return Errf(ErrBatchAlreadyVoided, "batch %s is voided", b.BatchID)
	default:
		return Errf(ErrBatchAlreadySubmitted, "batch %s status is %s", b.BatchID, b.Status)
	}
}

// CanVoid gates VoidExportBatch. Submitted and acknowledged batches are
// past the point of unilateral withdrawal.
func (b *BatchState) CanVoid() error {
	switch b.Status {
	case BatchCreated, BatchFileRendered, BatchRejected:
		return nil
	case "":
		return Errf(ErrBatchNotFound, "batch %s does not exist", b.BatchID)
	case BatchVoided:
		return Errf(ErrBatchAlreadyVoided, "batch %s is already voided", b.BatchID)
	default:
		return Errf(ErrBatchAlreadySubmitted, "batch %s status is %s", b.BatchID, b.Status)
	}
}

// CanResolve gates Acknowledge and Reject, which are only meaningful for a
// submitted batch.
func (b *BatchState) CanResolve() error {
	switch b.Status {
	case BatchSubmitted:
		return nil
	case "":
		return Errf(ErrBatchNotFound, "batch %s does not exist", b.BatchID)
	case BatchVoided:
		return Errf(ErrBatchAlreadyVoided, "batch %s is voided", b.BatchID)
	case BatchCreated, BatchFileRendered:
		return Errf(ErrBatchNotSubmitted, "batch %s was never submitted", b.BatchID)
	default:
		return Errf(ErrBatchAlreadySubmitted, "batch %s status is %s", b.BatchID, b.Status)
	}
}
