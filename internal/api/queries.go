package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/query"
)

// get adapts a single-aggregate read to an HTTP handler.
func get[O any](s *Server, param string, fn func(ctx context.Context, id string) (O, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := fn(r.Context(), mux.Vars(r)[param])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// list adapts a cycle-scoped listing. Query params: status, limit, and the
// as-of watermark pair as_of_ingested_at (RFC3339Nano) + as_of_event_id.
func list[O any](s *Server, fn func(ctx context.Context, cycleID string, f query.ListFilter) ([]O, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		asOf, err := watermarkParam(q, "as_of")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		f := query.ListFilter{
			Status: q.Get("status"),
			AsOf:   asOf,
			Limit:  intParam(q, "limit"),
		}
		out, err := fn(r.Context(), mux.Vars(r)["cycleID"], f)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// watermarkParam reads the <prefix>_ingested_at / <prefix>_event_id pair.
// Both absent means the zero watermark; a lone half is rejected.
func watermarkParam(q url.Values, prefix string) (domain.Watermark, error) {
	at, id := q.Get(prefix+"_ingested_at"), q.Get(prefix+"_event_id")
	if at == "" && id == "" {
		return domain.Watermark{}, nil
	}
	if at == "" || id == "" {
		return domain.Watermark{}, domain.Errf(domain.ErrEventEnvelopeInvalid,
			"%s watermark needs both %s_ingested_at and %s_event_id", prefix, prefix, prefix)
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return domain.Watermark{}, domain.Errf(domain.ErrInvalidDateFormat,
			"%s_ingested_at %q must be RFC3339", prefix, at)
	}
	return domain.Watermark{IngestedAt: t, EventID: id}, nil
}

func intParam(q url.Values, name string) int {
	n, _ := strconv.Atoi(q.Get(name))
	return n
}

func (s *Server) queryRoutes(v1 *mux.Router) {
	v1.HandleFunc("/grants/{cycleID}", get(s, "cycleID", s.query.GetGrant)).Methods(http.MethodGet)
	v1.HandleFunc("/vouchers/{id}", get(s, "id", s.query.GetVoucher)).Methods(http.MethodGet)
	v1.HandleFunc("/clinics/{id}", get(s, "id", s.query.GetClinic)).Methods(http.MethodGet)
	v1.HandleFunc("/claims/{id}", get(s, "id", s.query.GetClaim)).Methods(http.MethodGet)
	v1.HandleFunc("/invoices/{id}", get(s, "id", s.query.GetInvoice)).Methods(http.MethodGet)
	v1.HandleFunc("/batches/{id}", get(s, "id", s.query.GetBatch)).Methods(http.MethodGet)
	v1.HandleFunc("/closeouts/{cycleID}", get(s, "cycleID", s.query.GetCloseout)).Methods(http.MethodGet)
	v1.HandleFunc("/filings/{id}", get(s, "id", s.query.GetBreederFiling)).Methods(http.MethodGet)
	v1.HandleFunc("/artifacts/{digest}", s.handleArtifact).Methods(http.MethodGet)

	v1.HandleFunc("/grants/{cycleID}/vouchers", list(s, s.query.ListVouchers)).Methods(http.MethodGet)
	v1.HandleFunc("/grants/{cycleID}/claims", list(s, s.query.ListClaims)).Methods(http.MethodGet)
	v1.HandleFunc("/grants/{cycleID}/invoices", list(s, s.query.ListInvoices)).Methods(http.MethodGet)
	v1.HandleFunc("/grants/{cycleID}/batches", list(s, s.query.ListBatches)).Methods(http.MethodGet)
	v1.HandleFunc("/grants/{cycleID}/filings", list(s, s.query.ListFilings)).Methods(http.MethodGet)

	v1.HandleFunc("/events", s.handleListEvents).Methods(http.MethodGet)
}

// handleListEvents pages the raw log. Params: the exclusive after watermark
// pair after_ingested_at + after_event_id, and limit.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, err := watermarkParam(q, "after")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := s.query.ListEvents(r.Context(), after, intParam(q, "limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleArtifact serves a stored artifact verbatim under its own media type.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	content, mediaType, err := s.query.GetArtifact(r.Context(), mux.Vars(r)["digest"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", mediaType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}
