package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/wvsnp/backend/internal/domain"
)

// errorBody is the JSON error envelope. Code is the taxonomy code clients
// match on; detail is operator-facing text.
type errorBody struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// httpStatus maps a taxonomy code to an HTTP status. Validation rejections
// are 400, missing aggregates 404, concurrency conflicts 409, business-rule
// rejections 422, transient storage trouble 503, invariant violations and
// unknown errors 500.
func httpStatus(code string) int {
	switch code {
	case domain.ErrMissingIdempotencyKey,
		domain.ErrMissingRequiredArtifact,
		domain.ErrInvalidDateFormat,
		domain.ErrUUIDTimeOrderedRequired,
		domain.ErrEventDataBigintForbidden,
		domain.ErrEventTypeInvalid,
		domain.ErrEventEnvelopeInvalid,
		domain.ErrClaimIDInvalid:
		return http.StatusBadRequest

	case domain.ErrGrantNotFound,
		domain.ErrVoucherNotFound,
		domain.ErrClinicNotFound,
		domain.ErrClaimNotFound,
		domain.ErrInvoiceNotFound,
		domain.ErrBatchNotFound,
		domain.ErrFilingNotFound:
		return http.StatusNotFound

	case domain.ErrOperationInProgress,
		domain.ErrIdempotencyKeyReused:
		return http.StatusConflict

	case domain.ErrStorageSerialization,
		domain.ErrStorageTimeout:
		return http.StatusServiceUnavailable

	case "":
		return http.StatusInternalServerError
	}
	if domain.IsInvariant(domain.Err(code)) {
		return http.StatusInternalServerError
	}
	return http.StatusUnprocessableEntity
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.CodeOf(err)
	status := httpStatus(code)
	if status >= 500 {
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err))
	}
	body := errorBody{Code: code}
	if code == "" {
		body.Code = "INTERNAL"
	}
	var ce *domain.CodedError
	if errors.As(err, &ce) {
		body.Detail = ce.Detail
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
