package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/lib/pq"

	"github.com/wvsnp/backend/internal/domain"
)

// translate maps a lib/pq error onto the domain taxonomy. Serialization
// failures, deadlocks, and lock timeouts become STORAGE_SERIALIZATION_FAILURE
// so the command retry loop re-runs them; unique violations on the event log
// surface as IMMUTABILITY_VIOLATION, while the dedup indexes (idempotency key,
// claim and batch fingerprints) translate to the retryable code because the
// retry will find the committed row and take the idempotent path.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapErr(domain.ErrStorageTimeout, err)
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "40001", "40P01", "55P03":
		return domain.WrapErr(domain.ErrStorageSerialization, err)
	case "57014":
		return domain.WrapErr(domain.ErrStorageTimeout, err)
	case "23514":
		return domain.WrapErr(domain.ErrGrantInvariant, err)
	case "23505":
		if strings.HasPrefix(string(pqErr.Constraint), "events") {
			return domain.WrapErr(domain.ErrImmutabilityViolation, err)
		}
		return domain.WrapErr(domain.ErrStorageSerialization, err)
	case "P0001":
		if strings.Contains(pqErr.Message, domain.ErrImmutabilityViolation) {
			return domain.WrapErr(domain.ErrImmutabilityViolation, err)
		}
	}
	return err
}

// isNoRows reports whether err is the database/sql empty-result sentinel,
// unwrapping in case a driver layered context onto it.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
