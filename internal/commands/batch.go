package commands

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/wvsnp/backend/internal/artifacts"
	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/oasis"
	"github.com/wvsnp/backend/internal/storage"
)

// GenerateExportBatchInput selects submitted invoices into an OASIS export
// batch. The watermark pins the selection to a log position so the same
// request always sees the same invoice set.
type GenerateExportBatchInput struct {
	CycleID             string    `json:"cycleId"`
	PeriodStart         string    `json:"periodStart"` // YYYY-MM-DD
	PeriodEnd           string    `json:"periodEnd"`   // YYYY-MM-DD
	WatermarkIngestedAt time.Time `json:"watermarkIngestedAt,omitempty"`
	WatermarkEventID    string    `json:"watermarkEventId,omitempty"`
	BatchCode           string    `json:"batchCode,omitempty"`
}

// GenerateExportBatchResult reports the batch. Created is false when the
// same invoice set for the same period already has a batch.
type GenerateExportBatchResult struct {
	BatchID           string       `json:"batchId"`
	BatchCode         string       `json:"batchCode"`
	Created           bool         `json:"created"`
	InvoiceIDs        []string     `json:"invoiceIds"`
	ControlTotalCents domain.Cents `json:"controlTotalCents"`
}

type batchCandidate struct {
	invoiceID  string
	vendorCode string
	amount     domain.Cents
	wm         domain.Watermark
}

// GenerateExportBatch builds a batch from every invoice that is SUBMITTED,
// unclaimed, visible at the watermark, and whose clinic carries an OASIS
// vendor code. Selection is idempotent on the batch fingerprint.
func (s *Service) GenerateExportBatch(ctx context.Context, env Envelope, in GenerateExportBatchInput) (*GenerateExportBatchResult, error) {
	if in.CycleID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "cycleId is required")
	}
	for _, d := range []string{in.PeriodStart, in.PeriodEnd} {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return nil, domain.Errf(domain.ErrInvalidDateFormat, "period date %q must be YYYY-MM-DD", d)
		}
	}

	return decode[GenerateExportBatchResult](s.execute(ctx, env, "GenerateExportBatch", in, func(ctx context.Context, x *exec) (interface{}, error) {
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

		candidates, err := s.selectInvoices(ctx, x.tx, in.CycleID, watermark)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, domain.Errf(domain.ErrNoInvoicesEligible,
				"cycle %s has no exportable invoices at the given watermark", in.CycleID)
		}

		ids := make([]string, len(candidates))
		for i, c := range candidates {
			ids[i] = c.invoiceID
		}
		// One batch per fingerprint, terminal or not. A corrected batch for
		// the same invoices needs a different period; a rejected batch frees
		// its invoices, so the usual correction changes the set anyway.
		fingerprint := domain.BatchFingerprint(in.CycleID, in.PeriodStart, in.PeriodEnd, ids)
		if existing, err := x.tx.FindBatchByFingerprint(ctx, fingerprint); err != nil {
			return nil, err
		} else if existing != nil {
			var st domain.BatchState
			if err := existing.Decode(&st); err != nil {
				return nil, err
			}
			return &GenerateExportBatchResult{
				BatchID:           st.BatchID,
				BatchCode:         st.BatchCode,
				InvoiceIDs:        st.InvoiceIDs(),
				ControlTotalCents: itemSum(st.Items),
			}, nil
		}

		batchID := domain.NewRefID("BATCH")
		refs := make([]storage.AggregateRef, 0, len(ids)+1)
		for _, id := range ids {
			refs = append(refs, storage.AggregateRef{Kind: storage.LockInvoice, ID: id})
		}
		refs = append(refs, storage.AggregateRef{Kind: storage.LockOasisBatch, ID: batchID})
		if err := x.lock(ctx, refs...); err != nil {
			return nil, err
		}

		// Re-verify under the locks. A concurrent batch or void changes the
		// set; surfacing it as a serialization failure re-runs selection
		// through the retry loop.
		var total domain.Cents
		for _, c := range candidates {
			invoice, err := foldInvoice(ctx, x.tx, c.invoiceID)
			if err != nil {
				return nil, err
			}
			if !invoice.EligibleForExport() {
				return nil, domain.Errf(domain.ErrStorageSerialization,
					"invoice %s changed during batch selection", c.invoiceID)
			}
			total += invoice.Total
		}

		batchCode := in.BatchCode
		if batchCode == "" {
			grant, err := foldGrant(ctx, x.tx, in.CycleID)
			if err != nil {
				return nil, err
			}
			batchCode = "WVSNP-" + strings.ToUpper(grant.CycleShort) + "-" + strings.ReplaceAll(in.PeriodEnd, "-", "")
		}

		_, err = x.append(ctx, domain.KindOasisBatch, batchID, in.CycleID, domain.EventBatchCreated, map[string]interface{}{
			"batchCode":           batchCode,
			"fingerprint":         fingerprint,
			"periodStart":         in.PeriodStart,
			"periodEnd":           in.PeriodEnd,
			"watermarkIngestedAt": watermark.IngestedAt.UTC().Format(time.RFC3339Nano),
			"watermarkEventId":    watermark.EventID,
		})
		if err != nil {
			return nil, err
		}
		for i, c := range candidates {
			invoice, err := foldInvoice(ctx, x.tx, c.invoiceID)
			if err != nil {
				return nil, err
			}
			_, err = x.append(ctx, domain.KindOasisBatch, batchID, in.CycleID, domain.EventBatchItemAdded, map[string]interface{}{
				"seq":         int64(i + 1),
				"invoiceId":   c.invoiceID,
				"vendorCode":  c.vendorCode,
				"amountCents": invoice.Total.String(),
			})
			if err != nil {
				return nil, err
			}
			x.touch(domain.KindInvoice, c.invoiceID)
		}

		return &GenerateExportBatchResult{
			BatchID:           batchID,
			BatchCode:         batchCode,
			Created:           true,
			InvoiceIDs:        ids,
			ControlTotalCents: total,
		}, nil
	}))
}

// selectInvoices lists the exportable invoices visible at the watermark in
// deterministic (watermark, invoice id) order.
func (s *Service) selectInvoices(ctx context.Context, tx storage.ReadTx, cycleID string, wm domain.Watermark) ([]batchCandidate, error) {
	rows, err := tx.ListProjections(ctx, storage.ProjectionFilter{Kind: domain.KindInvoice, CycleID: cycleID})
	if err != nil {
		return nil, err
	}
	vendors := map[string]string{}
	var out []batchCandidate
	for i := range rows {
		var st domain.InvoiceState
		if err := rows[i].Decode(&st); err != nil {
			return nil, err
		}
		if !st.EligibleForExport() {
			continue
		}
		rowWM := domain.Watermark{IngestedAt: rows[i].WatermarkIngestedAt, EventID: rows[i].WatermarkEventID}
		if !wm.IsZero() && wm.Less(rowWM) {
			continue
		}
		vendor, ok := vendors[st.ClinicID]
		if !ok {
			clinicRow, err := tx.GetProjection(ctx, domain.KindClinic, st.ClinicID)
			if err != nil {
				return nil, err
			}
			if clinicRow != nil {
				var clinic domain.ClinicState
				if err := clinicRow.Decode(&clinic); err != nil {
					return nil, err
				}
				vendor = clinic.OasisVendorCode
			}
			vendors[st.ClinicID] = vendor
		}
		if vendor == "" {
			// No vendor code, the treasury cannot pay it. Left for a later
			// batch once the clinic record is fixed.
			continue
		}
		out = append(out, batchCandidate{
			invoiceID:  st.InvoiceID,
			vendorCode: vendor,
			amount:     st.Total,
			wm:         rowWM,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].wm.Compare(out[j].wm); c != 0 {
			return c < 0
		}
		return out[i].invoiceID < out[j].invoiceID
	})
	return out, nil
}

func itemSum(items []domain.BatchItem) domain.Cents {
	var total domain.Cents
	for _, it := range items {
		total += it.Amount
	}
	return total
}

// RenderExportFileInput renders the fixed-width file for a batch.
type RenderExportFileInput struct {
	BatchID string `json:"batchId"`
}

// RenderExportFileResult reports the rendered file. Re-rendering an already
// rendered batch returns the stored result unchanged.
type RenderExportFileResult struct {
	BatchID           string       `json:"batchId"`
	RecordCount       int          `json:"recordCount"`
	ControlTotalCents domain.Cents `json:"controlTotalCents"`
	SHA256            string       `json:"sha256"`
	ArtifactRef       string       `json:"artifactRef"`
	FormatVersion     string       `json:"formatVersion"`
}

// RenderExportFile renders the batch into the OASIS fixed-width format and
// stores the file as a content-addressed artifact.
func (s *Service) RenderExportFile(ctx context.Context, env Envelope, in RenderExportFileInput) (*RenderExportFileResult, error) {
	if in.BatchID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "batchId is required")
	}

	return decode[RenderExportFileResult](s.execute(ctx, env, "RenderExportFile", in, func(ctx context.Context, x *exec) (interface{}, error) {
		if err := x.lock(ctx, storage.AggregateRef{Kind: storage.LockOasisBatch, ID: in.BatchID}); err != nil {
			return nil, err
		}
		batch, err := foldBatch(ctx, x.tx, in.BatchID)
		if err != nil {
			return nil, err
		}
		if err := batch.CanRender(); err != nil {
			return nil, err
		}
		if batch.Status == domain.BatchFileRendered {
			return &RenderExportFileResult{
				BatchID:           in.BatchID,
				RecordCount:       batch.RecordCount,
				ControlTotalCents: batch.ControlTotal,
				SHA256:            batch.SHA256,
				ArtifactRef:       batch.ArtifactRef,
				FormatVersion:     batch.FormatVersion,
			}, nil
		}

		lines := make([]oasis.InvoiceLine, 0, len(batch.Items))
		for _, it := range batch.Items {
			lines = append(lines, oasis.InvoiceLine{
				InvoiceID:   it.InvoiceID,
				VendorCode:  it.VendorCode,
				AmountCents: it.Amount,
				PeriodStart: batch.PeriodStart,
				PeriodEnd:   batch.PeriodEnd,
			})
		}
		file, err := oasis.Render(lines, oasis.BatchMeta{
			BatchCode:      batch.BatchCode,
			GenerationDate: x.now,
			FundCode:       s.opts.Oasis.FundCode,
			OrgCode:        s.opts.Oasis.OrgCode,
			ObjectCode:     s.opts.Oasis.ObjectCode,
			FormatVersion:  s.opts.Oasis.FormatVersion,
		})
		if err != nil {
			return nil, err
		}

		artifact := artifacts.New(artifacts.KindOasisFile, "text/plain; charset=us-ascii", file.Content)
		if err := x.tx.PutArtifact(ctx, artifact); err != nil {
			return nil, err
		}

		_, err = x.append(ctx, domain.KindOasisBatch, in.BatchID, batch.CycleID, domain.EventBatchFileRendered, map[string]interface{}{
			"recordCount":       int64(file.RecordCount),
			"controlTotalCents": file.ControlTotal.String(),
			"contentLength":     int64(len(file.Content)),
			"sha256":            file.SHA256,
			"formatVersion":     file.FormatVersion,
			"artifactRef":       artifact.Digest,
		})
		if err != nil {
			return nil, err
		}
		s.metrics.RecordRender(file.RecordCount)

		return &RenderExportFileResult{
			BatchID:           in.BatchID,
			RecordCount:       file.RecordCount,
			ControlTotalCents: file.ControlTotal,
			SHA256:            file.SHA256,
			ArtifactRef:       artifact.Digest,
			FormatVersion:     file.FormatVersion,
		}, nil
	}))
}

// BatchRefInput names a batch plus an optional reference or reason.
type BatchRefInput struct {
	BatchID   string `json:"batchId"`
	Reference string `json:"reference,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// BatchStatusResult reports a batch after a lifecycle command.
type BatchStatusResult struct {
	BatchID string `json:"batchId"`
	Status  string `json:"status"`
}

// SubmitExportBatch marks a rendered batch as handed to the treasury
// gateway. Allowed after cycle close.
func (s *Service) SubmitExportBatch(ctx context.Context, env Envelope, in BatchRefInput) (*BatchStatusResult, error) {
	return s.batchTransition(ctx, env, "SubmitExportBatch", in,
		func(b *domain.BatchState) error { return b.CanSubmit() },
		domain.EventBatchSubmitted,
		func(in BatchRefInput) map[string]interface{} {
			return map[string]interface{}{"gatewayRef": in.Reference}
		},
		domain.BatchSubmitted, false)
}

// AcknowledgeExportBatch records the treasury accepting a submitted batch.
func (s *Service) AcknowledgeExportBatch(ctx context.Context, env Envelope, in BatchRefInput) (*BatchStatusResult, error) {
	return s.batchTransition(ctx, env, "AcknowledgeExportBatch", in,
		func(b *domain.BatchState) error { return b.CanResolve() },
		domain.EventBatchAcknowledged,
		func(in BatchRefInput) map[string]interface{} {
			return map[string]interface{}{"ackRef": in.Reference}
		},
		domain.BatchAcknowledged, false)
}

// RejectExportBatch records the treasury rejecting a submitted batch. The
// member invoices are released for selection into a corrected batch.
func (s *Service) RejectExportBatch(ctx context.Context, env Envelope, in BatchRefInput) (*BatchStatusResult, error) {
	return s.batchTransition(ctx, env, "RejectExportBatch", in,
		func(b *domain.BatchState) error { return b.CanResolve() },
		domain.EventBatchRejected,
		func(in BatchRefInput) map[string]interface{} {
			return map[string]interface{}{"reason": in.Reason}
		},
		domain.BatchRejected, true)
}

// VoidExportBatch withdraws an unsubmitted (or rejected) batch and releases
// its invoices.
func (s *Service) VoidExportBatch(ctx context.Context, env Envelope, in BatchRefInput) (*BatchStatusResult, error) {
	return s.batchTransition(ctx, env, "VoidExportBatch", in,
		func(b *domain.BatchState) error { return b.CanVoid() },
		domain.EventBatchVoided,
		func(in BatchRefInput) map[string]interface{} {
			return map[string]interface{}{"reason": in.Reason}
		},
		domain.BatchVoided, true)
}

func (s *Service) batchTransition(ctx context.Context, env Envelope, opKind string, in BatchRefInput,
	guard func(*domain.BatchState) error, eventType string,
	payload func(BatchRefInput) map[string]interface{}, newStatus string, releasesInvoices bool,
) (*BatchStatusResult, error) {
	if in.BatchID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "batchId is required")
	}

	return decode[BatchStatusResult](s.execute(ctx, env, opKind, in, func(ctx context.Context, x *exec) (interface{}, error) {
		// Invoices rank before batches in the lock order, so when the
		// transition releases members their refs are discovered first and
		// everything is taken in one sorted acquisition.
		peek, err := foldBatch(ctx, x.tx, in.BatchID)
		if err != nil {
			return nil, err
		}
		refs := []storage.AggregateRef{{Kind: storage.LockOasisBatch, ID: in.BatchID}}
		if releasesInvoices {
			for _, id := range peek.InvoiceIDs() {
				refs = append(refs, storage.AggregateRef{Kind: storage.LockInvoice, ID: id})
			}
		}
		if err := x.lock(ctx, refs...); err != nil {
			return nil, err
		}

		batch, err := foldBatch(ctx, x.tx, in.BatchID)
		if err != nil {
			return nil, err
		}
		if err := guard(batch); err != nil {
			return nil, err
		}

		if _, err := x.append(ctx, domain.KindOasisBatch, in.BatchID, batch.CycleID, eventType, payload(in)); err != nil {
			return nil, err
		}
		if releasesInvoices {
			for _, id := range batch.InvoiceIDs() {
				x.touch(domain.KindInvoice, id)
			}
		}
		return &BatchStatusResult{BatchID: in.BatchID, Status: newStatus}, nil
	}))
}
