package commands

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wvsnp/backend/internal/closeout"
	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/metrics"
	"github.com/wvsnp/backend/internal/projection"
	"github.com/wvsnp/backend/internal/storage/memory"
)

// newRaceHarness is newHarness with a mutex around the clock so goroutines
// can drive commands concurrently.
func newRaceHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)}
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		h.now = h.now.Add(time.Microsecond)
		return h.now
	}
	h.store = memory.NewWithClock(clock)
	h.svc = New(h.store, projection.New(nil), closeout.New(nil), nil,
		metrics.New(prometheus.NewRegistry()), nil, Options{
			Clock: clock,
			Retry: RetryPolicy{Attempts: 4, BaseBackoff: time.Millisecond},
		})
	return h
}

func TestIdempotencyRaceHasOneWinner(t *testing.T) {
	h := newRaceHarness(t)
	h.createCycle(t)
	ctx := context.Background()

	in := IssueVoucherInput{
		CycleID:               testCycle,
		County:                "KANAWHA",
		ApplicantID:           "applicant-race",
		MaxReimbursementCents: 10000,
		ExpiresAt:             time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC),
	}

	// Measure how many events one issuance appends before starting the race.
	before := h.eventCount(t)
	h.issueVoucher(t, "race-reference", 10000, false)
	perIssue := h.eventCount(t) - before
	base := h.eventCount(t)

	const workers = 16
	results := make([]*IssueVoucherResult, workers)
	errs := make([]error, workers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = h.svc.IssueVoucher(ctx, adminEnv("race-shared-key"), in)
		}(i)
	}
	close(start)
	wg.Wait()

	// Exactly one goroutine commits an event set. The rest either replay
	// the recorded result or hit the in-progress reservation; nothing else
	// is acceptable.
	var winner *IssueVoucherResult
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			assert.Equal(t, domain.ErrOperationInProgress, domain.CodeOf(errs[i]))
			continue
		}
		if winner == nil {
			winner = results[i]
			continue
		}
		assert.Equal(t, winner, results[i], "every success must carry the same result")
	}
	require.NotNil(t, winner, "someone must win the reservation")
	assert.Equal(t, perIssue, h.eventCount(t)-base, "one key, one event set")
}

func TestConcurrentIssuanceAllocatesDistinctSequences(t *testing.T) {
	h := newRaceHarness(t)
	h.createCycle(t)
	ctx := context.Background()

	const workers = 8
	results := make([]*IssueVoucherResult, workers)
	errs := make([]error, workers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			key := fmt.Sprintf("race-issue-%d", i)
			results[i], errs[i] = h.svc.IssueVoucher(ctx, adminEnv(key), IssueVoucherInput{
				CycleID:               testCycle,
				County:                "KANAWHA",
				ApplicantID:           "applicant-" + key,
				MaxReimbursementCents: 10000,
				ExpiresAt:             time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC),
			})
		}(i)
	}
	close(start)
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[results[i].VoucherID], "duplicate voucher id %s", results[i].VoucherID)
		seen[results[i].VoucherID] = true
	}

	grant := h.grantState(t)
	assert.Equal(t, domain.Cents(100000-workers*10000), grant.Bucket(domain.BucketGeneral).Available)
}
