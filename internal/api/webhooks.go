package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/webhooks"
)

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var sub webhooks.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		s.writeError(w, r, domain.Errf(domain.ErrEventEnvelopeInvalid, "malformed request body: %v", err))
		return
	}
	if err := s.registry.Register(&sub); err != nil {
		s.writeError(w, r, domain.WrapErr(domain.ErrEventEnvelopeInvalid, err))
		return
	}
	// The secret is write-only; never echo it back.
	sub.Secret = ""
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	subs := s.registry.List()
	out := make([]webhooks.Subscription, 0, len(subs))
	for _, sub := range subs {
		cp := *sub
		cp.Secret = ""
		out = append(out, cp)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUnregisterWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Unregister(mux.Vars(r)["id"]); err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Code: "WEBHOOK_NOT_FOUND", Detail: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
