// Package sweeps runs the background maintenance loops: voiding expired
// tentative vouchers, flipping the claims-deadline flag, and recomputing
// breeder filing compliance. Every action goes through the normal command
// surface with a SYSTEM actor and a deterministic idempotency key, so a
// sweep that runs twice (or on two nodes racing a lease) changes nothing
// the second time.
package sweeps

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wvsnp/backend/internal/commands"
	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/metrics"
	"github.com/wvsnp/backend/internal/storage"
)

// Sweep names, used for lease keys, metrics labels, and logs.
const (
	SweepVoucherExpiry  = "voucher_expiry"
	SweepClaimsDeadline = "claims_deadline"
	SweepCompliance     = "breeder_compliance"
)

const sweepActor = "system:sweeps"

// Config sets the loop intervals. Zero intervals disable the loop.
type Config struct {
	VoucherExpiryInterval  time.Duration
	ClaimsDeadlineInterval time.Duration
	ComplianceInterval     time.Duration
	LeaseTTL               time.Duration
}

func (c *Config) fill() {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
}

// Runner owns the sweep loops.
type Runner struct {
	svc     *commands.Service
	store   storage.Store
	lease   Lease
	metrics *metrics.Metrics
	log     *zap.Logger
	clock   func() time.Time
	cfg     Config
	wg      sync.WaitGroup
}

// New wires a runner. lease may be nil (in-process lease); m and log may be
// nil; clock may be nil (wall clock).
func New(svc *commands.Service, store storage.Store, lease Lease, m *metrics.Metrics, log *zap.Logger, clock func() time.Time, cfg Config) *Runner {
	cfg.fill()
	if lease == nil {
		lease = MemoryLease()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Runner{
		svc:     svc,
		store:   store,
		lease:   lease,
		metrics: m,
		log:     log.Named("sweeps"),
		clock:   clock,
		cfg:     cfg,
	}
}

// Start launches the enabled loops. They stop when ctx is cancelled; Wait
// blocks until they have drained.
func (r *Runner) Start(ctx context.Context) {
	r.spawn(ctx, SweepVoucherExpiry, r.cfg.VoucherExpiryInterval, r.ExpireTentativeVouchers)
	r.spawn(ctx, SweepClaimsDeadline, r.cfg.ClaimsDeadlineInterval, r.MarkPassedDeadlines)
	r.spawn(ctx, SweepCompliance, r.cfg.ComplianceInterval, r.RecomputeCompliance)
}

// Wait blocks until every loop has exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) spawn(ctx context.Context, name string, interval time.Duration, run func(context.Context) (int, error)) {
	if interval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.runOnce(ctx, name, run)
			}
		}
	}()
}

func (r *Runner) runOnce(ctx context.Context, name string, run func(context.Context) (int, error)) {
	ok, err := r.lease.Acquire(ctx, name, r.cfg.LeaseTTL)
	if err != nil {
		r.log.Warn("lease acquire failed", zap.String("sweep", name), zap.Error(err))
		r.metrics.RecordSweep(name, "error", 0)
		return
	}
	if !ok {
		r.metrics.RecordSweep(name, "not_leader", 0)
		return
	}
	defer func() {
		if err := r.lease.Release(ctx, name); err != nil {
			r.log.Warn("lease release failed", zap.String("sweep", name), zap.Error(err))
		}
	}()

	actions, err := run(ctx)
	if err != nil {
		r.log.Warn("sweep failed", zap.String("sweep", name), zap.Int("actions", actions), zap.Error(err))
		r.metrics.RecordSweep(name, "error", actions)
		return
	}
	if actions > 0 {
		r.log.Info("sweep acted", zap.String("sweep", name), zap.Int("actions", actions))
	}
	r.metrics.RecordSweep(name, "ok", actions)
}

func sweepEnv(key string) commands.Envelope {
	return commands.Envelope{
		IdempotencyKey: key,
		ActorID:        sweepActor,
		ActorKind:      domain.ActorSystem,
	}
}

// ExpireTentativeVouchers voids every tentative voucher whose hold window
// has lapsed, releasing its encumbrance. Returns how many it voided.
func (r *Runner) ExpireTentativeVouchers(ctx context.Context) (int, error) {
	expired, err := r.scanExpiredVouchers(ctx)
	if err != nil {
		return 0, err
	}

	acted := 0
	for _, voucherID := range expired {
		_, err := r.svc.VoidVoucher(ctx, sweepEnv("sweep:voucher-expiry:"+voucherID), commands.VoidVoucherInput{
			VoucherID: voucherID,
			Reason:    "tentative hold expired",
		})
		switch domain.CodeOf(err) {
		case "":
			acted++
		case domain.ErrVoucherNotVoidable, domain.ErrVoucherAlreadyRedeemed:
			// Confirmed or redeemed between the scan and the command.
		default:
			return acted, err
		}
	}
	return acted, nil
}

// scanExpiredVouchers lists the lapsed tentative vouchers. The view is
// released before returning so the void commands can begin write
// transactions.
func (r *Runner) scanExpiredVouchers(ctx context.Context) ([]string, error) {
	now := r.clock().UTC()
	view, err := r.store.View(ctx)
	if err != nil {
		return nil, err
	}
	defer view.Rollback()
	rows, err := view.ListProjections(ctx, storage.ProjectionFilter{Kind: domain.KindVoucher})
	if err != nil {
		return nil, err
	}

	var expired []string
	for i := range rows {
		var v domain.VoucherState
		if err := rows[i].Decode(&v); err != nil {
			return nil, err
		}
		if v.TentativeExpired(now) {
			expired = append(expired, v.VoucherID)
		}
	}
	return expired, nil
}

// MarkPassedDeadlines flips the claims-deadline flag on every active cycle
// whose configured deadline is behind the clock.
func (r *Runner) MarkPassedDeadlines(ctx context.Context) (int, error) {
	due, err := r.scanPassedDeadlines(ctx)
	if err != nil {
		return 0, err
	}

	acted := 0
	for _, cycleID := range due {
		res, err := r.svc.MarkClaimsDeadlinePassed(ctx, sweepEnv("sweep:claims-deadline:"+cycleID), commands.MarkClaimsDeadlineInput{
			CycleID: cycleID,
		})
		if code := domain.CodeOf(err); code != "" {
			if code == domain.ErrGrantCycleClosed {
				continue
			}
			return acted, err
		}
		if !res.AlreadyPassed {
			acted++
		}
	}
	return acted, nil
}

func (r *Runner) scanPassedDeadlines(ctx context.Context) ([]string, error) {
	now := r.clock().UTC()
	view, err := r.store.View(ctx)
	if err != nil {
		return nil, err
	}
	defer view.Rollback()
	rows, err := view.ListProjections(ctx, storage.ProjectionFilter{Kind: domain.KindGrant})
	if err != nil {
		return nil, err
	}

	var due []string
	for i := range rows {
		var g domain.GrantState
		if err := rows[i].Decode(&g); err != nil {
			return nil, err
		}
		if g.Status != domain.GrantActive || g.DeadlinePassed {
			continue
		}
		if !g.ClaimsDeadline.IsZero() && now.After(g.ClaimsDeadline) {
			due = append(due, g.CycleID)
		}
	}
	return due, nil
}

// RecomputeCompliance re-derives the compliance status of every breeder
// filing. The command appends an event only when the status moves, so the
// usual run acts on a handful of filings crossing DUE_SOON or OVERDUE.
func (r *Runner) RecomputeCompliance(ctx context.Context) (int, error) {
	stale, err := r.scanStaleFilings(ctx)
	if err != nil {
		return 0, err
	}

	acted := 0
	for _, sf := range stale {
		// The target status is part of the key: the DUE_SOON→OVERDUE
		// transition of the same filing is a distinct action.
		res, err := r.svc.RecomputeFilingStatus(ctx, sweepEnv("sweep:filing-status:"+sf.id+":"+sf.next), commands.FilingRefInput{
			FilingID: sf.id,
		})
		if err != nil {
			return acted, err
		}
		if res.Changed {
			acted++
		}
	}
	return acted, nil
}

func (r *Runner) scanStaleFilings(ctx context.Context) ([]staleFiling, error) {
	now := r.clock().UTC()
	view, err := r.store.View(ctx)
	if err != nil {
		return nil, err
	}
	defer view.Rollback()
	rows, err := view.ListProjections(ctx, storage.ProjectionFilter{Kind: domain.KindBreederFiling})
	if err != nil {
		return nil, err
	}

	var stale []staleFiling
	for i := range rows {
		var f domain.BreederFilingState
		if err := rows[i].Decode(&f); err != nil {
			return nil, err
		}
		if next := f.Recompute(now); next != f.Status {
			stale = append(stale, staleFiling{id: f.FilingID, next: next})
		}
	}
	return stale, nil
}

type staleFiling struct {
	id   string
	next string
}
