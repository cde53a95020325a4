package commands

import (
	"context"
	"sort"
	"time"

	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/storage"
)

// GenerateInvoiceInput pulls a clinic's payable claims onto one invoice for
// a billing period.
type GenerateInvoiceInput struct {
	CycleID     string `json:"cycleId"`
	ClinicID    string `json:"clinicId"`
	PeriodStart string `json:"periodStart"` // YYYY-MM-DD
	PeriodEnd   string `json:"periodEnd"`   // YYYY-MM-DD
}

// GenerateInvoiceResult reports the generated invoice.
type GenerateInvoiceResult struct {
	InvoiceID        string       `json:"invoiceId"`
	CycleID          string       `json:"cycleId"`
	ClinicID         string       `json:"clinicId"`
	ClaimIDs         []string     `json:"claimIds"`
	TotalAmountCents domain.Cents `json:"totalAmountCents"`
}

// GenerateInvoice collects the clinic's APPROVED and ADJUSTED claims into
// an invoice and applies any pending adjustments on their claims to the
// invoice total.
func (s *Service) GenerateInvoice(ctx context.Context, env Envelope, in GenerateInvoiceInput) (*GenerateInvoiceResult, error) {
	if in.CycleID == "" || in.ClinicID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "cycleId and clinicId are required")
	}
	for _, d := range []string{in.PeriodStart, in.PeriodEnd} {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return nil, domain.Errf(domain.ErrInvalidDateFormat, "period date %q must be YYYY-MM-DD", d)
		}
	}
	if in.PeriodEnd < in.PeriodStart {
		return nil, domain.Errf(domain.ErrInvalidDateFormat, "periodEnd %s is before periodStart %s", in.PeriodEnd, in.PeriodStart)
	}

	return decode[GenerateInvoiceResult](s.execute(ctx, env, "GenerateInvoice", in, func(ctx context.Context, x *exec) (interface{}, error) {
		// Candidate discovery runs unlocked; each claim is re-folded under
		// its lock before it is committed to the invoice.
		rows, err := x.tx.ListProjections(ctx, storage.ProjectionFilter{Kind: domain.KindClaim, CycleID: in.CycleID})
		if err != nil {
			return nil, err
		}
		var candidates []string
		for i := range rows {
			var st domain.ClaimState
			if err := rows[i].Decode(&st); err != nil {
				return nil, err
			}
			if st.ClinicID == in.ClinicID && st.CanInvoice() {
				candidates = append(candidates, st.ClaimID)
			}
		}
		sort.Strings(candidates)
		if len(candidates) == 0 {
			return nil, domain.Errf(domain.ErrNoClaimsEligible,
				"clinic %s has no payable claims in cycle %s", in.ClinicID, in.CycleID)
		}

		invoiceID := domain.NewRefID("INV")
		refs := make([]storage.AggregateRef, 0, len(candidates)+1)
		for _, id := range candidates {
			refs = append(refs, storage.AggregateRef{Kind: storage.LockClaim, ID: id})
		}
		refs = append(refs, storage.AggregateRef{Kind: storage.LockInvoice, ID: invoiceID})
		if err := x.lock(ctx, refs...); err != nil {
			return nil, err
		}

		var claimIDs []string
		var total domain.Cents
		claims := make(map[string]*domain.ClaimState, len(candidates))
		for _, id := range candidates {
			claim, err := foldClaim(ctx, x.tx, id)
			if err != nil {
				return nil, err
			}
			if !claim.CanInvoice() {
				continue
			}
			claimIDs = append(claimIDs, id)
			claims[id] = claim
			total += claim.ApprovedAmount
		}
		if len(claimIDs) == 0 {
			return nil, domain.Errf(domain.ErrNoClaimsEligible,
				"clinic %s has no payable claims in cycle %s", in.ClinicID, in.CycleID)
		}

		rawIDs := make([]interface{}, len(claimIDs))
		for i, id := range claimIDs {
			rawIDs[i] = id
		}
		_, err = x.append(ctx, domain.KindInvoice, invoiceID, in.CycleID, domain.EventInvoiceGenerated, map[string]interface{}{
			"clinicId":         in.ClinicID,
			"claimIds":         rawIDs,
			"totalAmountCents": total.String(),
			"periodStart":      in.PeriodStart,
			"periodEnd":        in.PeriodEnd,
		})
		if err != nil {
			return nil, err
		}
		for _, id := range claimIDs {
			_, err := x.append(ctx, domain.KindClaim, id, in.CycleID, domain.EventClaimInvoiced, map[string]interface{}{
				"invoiceId": invoiceID,
			})
			if err != nil {
				return nil, err
			}
		}

		// Pending adjustments on the invoiced claims land on this invoice.
		adjustments, err := x.tx.ListAdjustments(ctx, in.CycleID)
		if err != nil {
			return nil, err
		}
		for _, adj := range adjustments {
			if adj.TargetInvoiceID != "" {
				continue
			}
			if _, ok := claims[adj.ClaimID]; !ok {
				continue
			}
			_, err := x.append(ctx, domain.KindInvoice, invoiceID, in.CycleID, domain.EventInvoiceAdjustmentApplied, map[string]interface{}{
				"adjustmentId": adj.AdjustmentID,
				"claimId":      adj.ClaimID,
				"deltaCents":   adj.Delta.String(),
			})
			if err != nil {
				return nil, err
			}
			total += adj.Delta
		}

		return &GenerateInvoiceResult{
			InvoiceID:        invoiceID,
			CycleID:          in.CycleID,
			ClinicID:         in.ClinicID,
			ClaimIDs:         claimIDs,
			TotalAmountCents: total,
		}, nil
	}))
}

// SubmitInvoiceInput marks an invoice ready for export.
type SubmitInvoiceInput struct {
	InvoiceID string `json:"invoiceId"`
}

// InvoiceStatusResult reports an invoice after a lifecycle command.
type InvoiceStatusResult struct {
	InvoiceID  string       `json:"invoiceId"`
	Status     string       `json:"status"`
	TotalCents domain.Cents `json:"totalCents"`
	PaidCents  domain.Cents `json:"paidCents"`
}

// SubmitInvoice moves a GENERATED invoice to SUBMITTED, making it eligible
// for export batch selection.
func (s *Service) SubmitInvoice(ctx context.Context, env Envelope, in SubmitInvoiceInput) (*InvoiceStatusResult, error) {
	if in.InvoiceID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "invoiceId is required")
	}

	return decode[InvoiceStatusResult](s.execute(ctx, env, "SubmitInvoice", in, func(ctx context.Context, x *exec) (interface{}, error) {
		if err := x.lock(ctx, storage.AggregateRef{Kind: storage.LockInvoice, ID: in.InvoiceID}); err != nil {
			return nil, err
		}
		invoice, err := foldInvoice(ctx, x.tx, in.InvoiceID)
		if err != nil {
			return nil, err
		}
		if err := invoice.CanSubmit(); err != nil {
			return nil, err
		}

		_, err = x.append(ctx, domain.KindInvoice, in.InvoiceID, invoice.CycleID, domain.EventInvoiceSubmitted, nil)
		if err != nil {
			return nil, err
		}
		return &InvoiceStatusResult{
			InvoiceID:  in.InvoiceID,
			Status:     domain.InvoiceSubmitted,
			TotalCents: invoice.Total,
			PaidCents:  invoice.PaidAmount,
		}, nil
	}))
}

// RecordPaymentInput records treasury money arriving against an invoice.
type RecordPaymentInput struct {
	InvoiceID   string       `json:"invoiceId"`
	AmountCents domain.Cents `json:"amountCents"`
	Method      string       `json:"method,omitempty"`
	Reference   string       `json:"reference,omitempty"`
}

// RecordPaymentResult reports the payment and the invoice it settled into.
type RecordPaymentResult struct {
	PaymentID string       `json:"paymentId"`
	InvoiceID string       `json:"invoiceId"`
	Status    string       `json:"status"`
	PaidCents domain.Cents `json:"paidCents"`
}

// RecordPayment records a payment. When the cumulative paid amount covers
// the invoice total the invoice flips to PAID in the same transaction.
// Payments stay recordable after the cycle closes.
func (s *Service) RecordPayment(ctx context.Context, env Envelope, in RecordPaymentInput) (*RecordPaymentResult, error) {
	if in.InvoiceID == "" {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "invoiceId is required")
	}
	if in.AmountCents <= 0 {
		return nil, domain.Errf(domain.ErrEventEnvelopeInvalid, "amountCents must be positive")
	}

	return decode[RecordPaymentResult](s.execute(ctx, env, "RecordPayment", in, func(ctx context.Context, x *exec) (interface{}, error) {
		if err := x.lock(ctx, storage.AggregateRef{Kind: storage.LockInvoice, ID: in.InvoiceID}); err != nil {
			return nil, err
		}
		invoice, err := foldInvoice(ctx, x.tx, in.InvoiceID)
		if err != nil {
			return nil, err
		}
		if !invoice.Exists() {
			return nil, domain.Errf(domain.ErrInvoiceNotFound, "invoice %s does not exist", in.InvoiceID)
		}
		if invoice.Status != domain.InvoiceSubmitted && invoice.Status != domain.InvoicePaid {
			return nil, domain.Errf(domain.ErrInvoiceNotSubmittable,
				"invoice %s status is %s, payments need a submitted invoice", in.InvoiceID, invoice.Status)
		}

		paymentID := domain.NewRefID("PAY")
		_, err = x.append(ctx, domain.KindInvoice, in.InvoiceID, invoice.CycleID, domain.EventPaymentRecorded, map[string]interface{}{
			"paymentId":   paymentID,
			"amountCents": in.AmountCents.String(),
			"method":      in.Method,
			"reference":   in.Reference,
		})
		if err != nil {
			return nil, err
		}

		paid := invoice.PaidAmount + in.AmountCents
		status := invoice.Status
		if status != domain.InvoicePaid && paid >= invoice.Total {
			// INVOICE_PAID is not on the post-close allow-list; after close
			// the payment itself still records, the status flip is skipped.
			_, err := x.append(ctx, domain.KindInvoice, in.InvoiceID, invoice.CycleID, domain.EventInvoicePaid, nil)
			switch {
			case err == nil:
				status = domain.InvoicePaid
			case domain.IsCode(err, domain.ErrGrantCycleClosed):
			default:
				return nil, err
			}
		}

		return &RecordPaymentResult{
			PaymentID: paymentID,
			InvoiceID: in.InvoiceID,
			Status:    status,
			PaidCents: paid,
		}, nil
	}))
}
