package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wvsnp/backend/internal/commands"
	"github.com/wvsnp/backend/internal/domain"
)

// Command envelope headers. The idempotency key is mandatory; correlation
// id is minted server-side when absent.
const (
	headerIdempotencyKey = "X-Idempotency-Key"
	headerCorrelationID  = "X-Correlation-ID"
	headerActorID        = "X-Actor-ID"
	headerActorKind      = "X-Actor-Kind"
)

func envelopeFrom(r *http.Request) commands.Envelope {
	return commands.Envelope{
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
		CorrelationID:  r.Header.Get(headerCorrelationID),
		ActorID:        r.Header.Get(headerActorID),
		ActorKind:      r.Header.Get(headerActorKind),
	}
}

// command adapts one service method to an HTTP handler: envelope from
// headers, input from the JSON body, result or taxonomy error out.
func command[I, O any](s *Server, fn func(ctx context.Context, env commands.Envelope, in I) (O, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in I
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil && err != io.EOF {
			s.writeError(w, r, domain.Errf(domain.ErrEventEnvelopeInvalid, "malformed request body: %v", err))
			return
		}
		out, err := fn(r.Context(), envelopeFrom(r), in)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) commandRoutes(v1 *mux.Router) {
	c := v1.PathPrefix("/commands").Subrouter()
	post := func(name string, h http.HandlerFunc) {
		c.HandleFunc("/"+name, h).Methods(http.MethodPost)
	}

	// Grant cycle.
	post("create-grant-cycle", command(s, s.svc.CreateGrantCycle))
	post("record-matching-commitment", command(s, s.svc.RecordMatchingCommitment))
	post("record-matching-report", command(s, s.svc.RecordMatchingReport))
	post("mark-claims-deadline-passed", command(s, s.svc.MarkClaimsDeadlinePassed))

	// Vouchers.
	post("issue-voucher", command(s, s.svc.IssueVoucher))
	post("confirm-voucher", command(s, s.svc.ConfirmVoucher))
	post("void-voucher", command(s, s.svc.VoidVoucher))

	// Clinics.
	post("register-clinic", command(s, s.svc.RegisterClinic))
	post("update-clinic-license", command(s, s.svc.UpdateClinicLicense))
	post("suspend-clinic", command(s, s.svc.SuspendClinic))
	post("reinstate-clinic", command(s, s.svc.ReinstateClinic))

	// Claims.
	post("submit-claim", command(s, s.svc.SubmitClaim))
	post("adjudicate-claim", command(s, s.svc.AdjudicateClaim))
	post("adjust-claim", command(s, s.svc.AdjustClaim))

	// Invoices and payments.
	post("generate-invoice", command(s, s.svc.GenerateInvoice))
	post("submit-invoice", command(s, s.svc.SubmitInvoice))
	post("record-payment", command(s, s.svc.RecordPayment))

	// OASIS export batches.
	post("generate-export-batch", command(s, s.svc.GenerateExportBatch))
	post("render-export-file", command(s, s.svc.RenderExportFile))
	post("submit-export-batch", command(s, s.svc.SubmitExportBatch))
	post("acknowledge-export-batch", command(s, s.svc.AcknowledgeExportBatch))
	post("reject-export-batch", command(s, s.svc.RejectExportBatch))
	post("void-export-batch", command(s, s.svc.VoidExportBatch))

	// Closeout lifecycle.
	post("run-closeout-preflight", command(s, s.svc.RunCloseoutPreflight))
	post("start-closeout", command(s, s.svc.StartCloseout))
	post("reconcile-closeout", command(s, s.svc.ReconcileCloseout))
	post("set-audit-hold", command(s, s.svc.SetAuditHold))
	post("resolve-audit-hold", command(s, s.svc.ResolveAuditHold))
	post("close-grant-cycle", command(s, s.svc.CloseGrantCycle))

	// Breeder compliance filings.
	post("create-breeder-filing", command(s, s.svc.CreateBreederFiling))
	post("submit-breeder-filing", command(s, s.svc.SubmitBreederFiling))
	post("cure-breeder-filing", command(s, s.svc.CureBreederFiling))
	post("recompute-filing-status", command(s, s.svc.RecomputeFilingStatus))

	// Artifacts.
	post("attach-artifact", command(s, s.svc.AttachArtifact))
}
