// Package query is the read surface. Every read comes from the projections
// or the raw event log; queries never take aggregate locks and never see
// uncommitted state. Projection reads go through a watermark-keyed cache.
package query

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/storage"
)

// Service answers reads against the store.
type Service struct {
	store storage.Store
	cache Cache
	log   *zap.Logger
}

// New wires a query service. cache may be nil (in-process); log may be nil.
func New(store storage.Store, cache Cache, log *zap.Logger) *Service {
	if cache == nil {
		cache = MemoryCache()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, cache: cache, log: log.Named("query")}
}

// getState reads one projection row, going through the cache. The cache key
// carries the row's watermark, so an entry written for an older fold of the
// aggregate can never be returned for a newer one.
func (s *Service) getState(ctx context.Context, kind, id, notFoundCode string, out interface{}) error {
	view, err := s.store.View(ctx)
	if err != nil {
		return err
	}
	defer view.Rollback()
	row, err := view.GetProjection(ctx, kind, id)
	if err != nil {
		return err
	}
	if row == nil {
		return domain.Errf(notFoundCode, "%s %s not found", kind, id)
	}

	key := kind + ":" + id + ":" + row.WatermarkEventID
	if cached, ok := s.cache.Get(ctx, key); ok {
		return json.Unmarshal(cached, out)
	}
	if err := json.Unmarshal(row.State, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	s.cache.Set(ctx, key, row.State)
	return nil
}

// GetGrant returns the folded grant cycle.
func (s *Service) GetGrant(ctx context.Context, cycleID string) (*domain.GrantState, error) {
	var st domain.GrantState
	if err := s.getState(ctx, domain.KindGrant, cycleID, domain.ErrGrantNotFound, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetVoucher returns the folded voucher.
func (s *Service) GetVoucher(ctx context.Context, voucherID string) (*domain.VoucherState, error) {
	var st domain.VoucherState
	if err := s.getState(ctx, domain.KindVoucher, voucherID, domain.ErrVoucherNotFound, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetClinic returns the folded clinic.
func (s *Service) GetClinic(ctx context.Context, clinicID string) (*domain.ClinicState, error) {
	var st domain.ClinicState
	if err := s.getState(ctx, domain.KindClinic, clinicID, domain.ErrClinicNotFound, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetClaim returns the folded claim.
func (s *Service) GetClaim(ctx context.Context, claimID string) (*domain.ClaimState, error) {
	var st domain.ClaimState
	if err := s.getState(ctx, domain.KindClaim, claimID, domain.ErrClaimNotFound, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetInvoice returns the folded invoice.
func (s *Service) GetInvoice(ctx context.Context, invoiceID string) (*domain.InvoiceState, error) {
	var st domain.InvoiceState
	if err := s.getState(ctx, domain.KindInvoice, invoiceID, domain.ErrInvoiceNotFound, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetBatch returns the folded export batch.
func (s *Service) GetBatch(ctx context.Context, batchID string) (*domain.BatchState, error) {
	var st domain.BatchState
	if err := s.getState(ctx, domain.KindOasisBatch, batchID, domain.ErrBatchNotFound, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetCloseout returns the folded closeout process for a cycle.
func (s *Service) GetCloseout(ctx context.Context, cycleID string) (*domain.CloseoutState, error) {
	var st domain.CloseoutState
	if err := s.getState(ctx, domain.KindCloseout, cycleID, domain.ErrGrantNotFound, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetBreederFiling returns the folded compliance filing.
func (s *Service) GetBreederFiling(ctx context.Context, filingID string) (*domain.BreederFilingState, error) {
	var st domain.BreederFilingState
	if err := s.getState(ctx, domain.KindBreederFiling, filingID, domain.ErrFilingNotFound, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetArtifact returns a stored artifact by its digest reference.
func (s *Service) GetArtifact(ctx context.Context, digest string) ([]byte, string, error) {
	view, err := s.store.View(ctx)
	if err != nil {
		return nil, "", err
	}
	defer view.Rollback()
	art, err := view.GetArtifact(ctx, digest)
	if err != nil {
		return nil, "", err
	}
	if art == nil {
		return nil, "", domain.Errf(domain.ErrMissingRequiredArtifact, "artifact %s not found", digest)
	}
	return art.Content, art.MediaType, nil
}

// EventPage is one page of the raw log plus the watermark to resume from.
type EventPage struct {
	Events []domain.Event   `json:"events"`
	Next   domain.Watermark `json:"next"`
}

const defaultPageSize = 500

// ListEvents pages the log in (ingested_at, event_id) order, strictly after
// the given watermark. Walking pages with the returned Next watermark sees
// every committed event exactly once.
func (s *Service) ListEvents(ctx context.Context, after domain.Watermark, limit int) (*EventPage, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}
	view, err := s.store.View(ctx)
	if err != nil {
		return nil, err
	}
	defer view.Rollback()
	evs, err := view.FetchSince(ctx, after, limit)
	if err != nil {
		return nil, err
	}
	page := &EventPage{Events: evs, Next: after}
	if len(evs) > 0 {
		page.Next = domain.WatermarkFrom(&evs[len(evs)-1])
	}
	return page, nil
}

// ListFilter narrows a projection listing. Status "" means all; a non-zero
// AsOf returns only rows whose fold watermark is at or before it, giving a
// consistent as-of view.
type ListFilter struct {
	Status string
	AsOf   domain.Watermark
	Limit  int
}

func (f ListFilter) admits(rowStatus string, wm domain.Watermark) bool {
	if f.Status != "" && rowStatus != f.Status {
		return false
	}
	if !f.AsOf.IsZero() && f.AsOf.Less(wm) {
		return false
	}
	return true
}

func listStates[T any](s *Service, ctx context.Context, kind, cycleID string, f ListFilter, statusOf func(*T) string) ([]T, error) {
	view, err := s.store.View(ctx)
	if err != nil {
		return nil, err
	}
	defer view.Rollback()
	rows, err := view.ListProjections(ctx, storage.ProjectionFilter{Kind: kind, CycleID: cycleID})
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for i := range rows {
		var st T
		if err := rows[i].Decode(&st); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", kind, rows[i].AggregateID, err)
		}
		wm := domain.Watermark{IngestedAt: rows[i].WatermarkIngestedAt, EventID: rows[i].WatermarkEventID}
		if !f.admits(statusOf(&st), wm) {
			continue
		}
		out = append(out, st)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// ListVouchers lists a cycle's vouchers.
func (s *Service) ListVouchers(ctx context.Context, cycleID string, f ListFilter) ([]domain.VoucherState, error) {
	return listStates(s, ctx, domain.KindVoucher, cycleID, f, func(v *domain.VoucherState) string { return v.Status })
}

// ListClaims lists a cycle's claims.
func (s *Service) ListClaims(ctx context.Context, cycleID string, f ListFilter) ([]domain.ClaimState, error) {
	return listStates(s, ctx, domain.KindClaim, cycleID, f, func(c *domain.ClaimState) string { return c.Status })
}

// ListInvoices lists a cycle's invoices.
func (s *Service) ListInvoices(ctx context.Context, cycleID string, f ListFilter) ([]domain.InvoiceState, error) {
	return listStates(s, ctx, domain.KindInvoice, cycleID, f, func(i *domain.InvoiceState) string { return i.Status })
}

// ListBatches lists a cycle's export batches.
func (s *Service) ListBatches(ctx context.Context, cycleID string, f ListFilter) ([]domain.BatchState, error) {
	return listStates(s, ctx, domain.KindOasisBatch, cycleID, f, func(b *domain.BatchState) string { return b.Status })
}

// ListFilings lists a cycle's breeder filings.
func (s *Service) ListFilings(ctx context.Context, cycleID string, f ListFilter) ([]domain.BreederFilingState, error) {
	return listStates(s, ctx, domain.KindBreederFiling, cycleID, f, func(b *domain.BreederFilingState) string { return b.Status })
}
