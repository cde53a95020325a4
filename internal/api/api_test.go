package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wvsnp/backend/internal/closeout"
	"github.com/wvsnp/backend/internal/commands"
	"github.com/wvsnp/backend/internal/domain"
	"github.com/wvsnp/backend/internal/events"
	"github.com/wvsnp/backend/internal/metrics"
	"github.com/wvsnp/backend/internal/projection"
	"github.com/wvsnp/backend/internal/query"
	"github.com/wvsnp/backend/internal/storage/memory"
	"github.com/wvsnp/backend/internal/webhooks"
)

type fixture struct {
	server *Server
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time {
		f.now = f.now.Add(time.Microsecond)
		return f.now
	}
	store := memory.NewWithClock(clock)
	bus := events.NewBus()
	svc := commands.New(store, projection.New(nil), closeout.New(nil), bus,
		metrics.New(prometheus.NewRegistry()), nil, commands.Options{Clock: clock})
	f.server = New(svc, query.New(store, nil, nil), Config{
		Bus:      bus,
		Registry: webhooks.NewRegistry(nil),
	})
	return f
}

// do sends a request with a full command envelope and decodes the response.
func (f *fixture) do(t *testing.T, method, path, key, body string, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("X-Idempotency-Key", key)
		req.Header.Set("X-Actor-ID", "user:admin")
		req.Header.Set("X-Actor-Kind", domain.ActorAdmin)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

const createCycleBody = `{
	"cycleId": "cycle-fy26",
	"cycleShort": "FY26",
	"periodStart": "2026-01-01T00:00:00Z",
	"periodEnd": "2026-06-30T00:00:00Z",
	"claimsDeadline": "2026-07-31T00:00:00Z",
	"awardedGeneralCents": 100000,
	"rateNum": 1,
	"rateDen": 1
}`

func TestCommandAndQueryRoundTrip(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/commands/create-grant-cycle", "api-create-1", createCycleBody, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var grant domain.GrantState
	rec = f.do(t, http.MethodGet, "/v1/grants/cycle-fy26", "", "", &grant)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.GrantActive, grant.Status)
	assert.Equal(t, domain.Cents(100000), grant.Bucket(domain.BucketGeneral).Available)

	// Replaying the same key returns the recorded result, not a second cycle.
	rec = f.do(t, http.MethodPost, "/v1/commands/create-grant-cycle", "api-create-1", createCycleBody, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestErrorStatusMapping(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/commands/create-grant-cycle", "api-map-seed", createCycleBody, nil)

	cases := []struct {
		name     string
		method   string
		path     string
		key      string
		body     string
		wantCode int
		wantErr  string
	}{
		{
			name:   "missing idempotency key is a validation reject",
			method: http.MethodPost,
			path:   "/v1/commands/issue-voucher",
			body: `{"cycleId":"cycle-fy26","county":"KANAWHA","applicantId":"applicant-nokey",
				"maxReimbursementCents":10000,"expiresAt":"2026-06-30T00:00:00Z"}`,
			wantCode: http.StatusBadRequest,
			wantErr:  domain.ErrMissingIdempotencyKey,
		},
		{
			name:     "malformed body is a validation reject",
			method:   http.MethodPost,
			path:     "/v1/commands/issue-voucher",
			key:      "api-bad-json",
			body:     `{"cycleId":`,
			wantCode: http.StatusBadRequest,
			wantErr:  domain.ErrEventEnvelopeInvalid,
		},
		{
			name:     "unknown aggregate is 404",
			method:   http.MethodGet,
			path:     "/v1/grants/cycle-nope",
			wantCode: http.StatusNotFound,
			wantErr:  domain.ErrGrantNotFound,
		},
		{
			name:     "reused key with different input is a conflict",
			method:   http.MethodPost,
			path:     "/v1/commands/create-grant-cycle",
			key:      "api-map-seed",
			body:     strings.Replace(createCycleBody, "100000", "200000", 1),
			wantCode: http.StatusConflict,
			wantErr:  domain.ErrIdempotencyKeyReused,
		},
		{
			name:   "business rejection is 422",
			method: http.MethodPost,
			path:   "/v1/commands/issue-voucher",
			key:    "api-too-big",
			body: `{"cycleId":"cycle-fy26","county":"KANAWHA","applicantId":"applicant-big",
				"maxReimbursementCents":9999999,"expiresAt":"2026-06-30T00:00:00Z"}`,
			wantCode: http.StatusUnprocessableEntity,
			wantErr:  domain.ErrInsufficientFunds,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var body errorBody
			rec := f.do(t, tc.method, tc.path, tc.key, tc.body, &body)
			assert.Equal(t, tc.wantCode, rec.Code)
			assert.Equal(t, tc.wantErr, body.Code)
		})
	}
}

func TestHTTPStatusTable(t *testing.T) {
	cases := map[string]int{
		domain.ErrEventEnvelopeInvalid: http.StatusBadRequest,
		domain.ErrInvalidDateFormat:    http.StatusBadRequest,
		domain.ErrVoucherNotFound:      http.StatusNotFound,
		domain.ErrOperationInProgress:  http.StatusConflict,
		domain.ErrInsufficientFunds:    http.StatusUnprocessableEntity,
		domain.ErrPreflightNotPassed:   http.StatusUnprocessableEntity,
		domain.ErrGrantCycleClosed:     http.StatusUnprocessableEntity,
		domain.ErrStorageTimeout:       http.StatusServiceUnavailable,
		domain.ErrGrantInvariant:       http.StatusInternalServerError,
		"":                             http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, httpStatus(code), code)
	}
}

func TestListEventsEndpointPagesByWatermark(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/commands/create-grant-cycle", "api-ev-seed", createCycleBody, nil)

	var page query.EventPage
	rec := f.do(t, http.MethodGet, "/v1/events?limit=1", "", "", &page)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, page.Events, 1)

	next := "/v1/events?after_ingested_at=" + page.Next.IngestedAt.Format(time.RFC3339Nano) +
		"&after_event_id=" + page.Next.EventID
	var second query.EventPage
	rec = f.do(t, http.MethodGet, next, "", "", &second)
	require.Equal(t, http.StatusOK, rec.Code)
	if len(second.Events) > 0 {
		assert.NotEqual(t, page.Events[0].EventID, second.Events[0].EventID)
	}

	// Half a watermark pair is rejected.
	var body errorBody
	rec = f.do(t, http.MethodGet, "/v1/events?after_event_id=ev-1", "", "", &body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookManagement(t *testing.T) {
	f := newFixture(t)

	var sub webhooks.Subscription
	rec := f.do(t, http.MethodPost, "/v1/webhooks", "", `{
		"url": "https://example.test/hooks",
		"kinds": ["cycle.closed"],
		"secret": "shh"
	}`, &sub)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, sub.ID)
	assert.Empty(t, sub.Secret, "the secret is write-only")

	var subs []webhooks.Subscription
	rec = f.do(t, http.MethodGet, "/v1/webhooks", "", "", &subs)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, subs, 1)
	assert.Empty(t, subs[0].Secret)

	rec = f.do(t, http.MethodDelete, "/v1/webhooks/"+sub.ID, "", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/webhooks/"+sub.ID, "", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
