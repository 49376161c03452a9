package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/ratelimit"
)

// recordingSink captures applied events and can simulate duplicates.
type recordingSink struct {
	applied    []domain.DeliveryEvent
	duplicates map[string]bool
	err        error
}

func (s *recordingSink) Apply(_ context.Context, ev *domain.DeliveryEvent) error {
	if s.err != nil {
		return s.err
	}
	if s.duplicates[ev.DedupKey()] {
		return domain.ErrDuplicateEvent
	}
	s.applied = append(s.applied, *ev)
	return nil
}

func newTestServer(t *testing.T, secret string, sink EventSink, limiter ratelimit.Limiter) *httptest.Server {
	t.Helper()
	h := NewHandler(NewGateway(secret), sink, limiter, 0)
	r := chi.NewRouter()
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/webhooks/events", strings.NewReader(body))
	require.NoError(t, err)
	if signature != "" {
		req.Header.Set("X-MailFlow-Signature", signature)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestHandler_AcceptsSignedBatch(t *testing.T) {
	sink := &recordingSink{}
	srv := newTestServer(t, "hook-secret", sink, nil)
	sig := NewGateway("hook-secret").Sign([]byte(sampleBatch))

	resp := post(t, srv.URL, sampleBatch, sig)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, sink.applied, 3)
}

func TestHandler_RejectsBadSignature(t *testing.T) {
	sink := &recordingSink{}
	srv := newTestServer(t, "hook-secret", sink, nil)

	resp := post(t, srv.URL, sampleBatch, "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, sink.applied)

	resp = post(t, srv.URL, sampleBatch, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_RejectsMalformedBody(t *testing.T) {
	srv := newTestServer(t, "", &recordingSink{}, nil)

	resp := post(t, srv.URL, `{"not":"a batch"}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// Duplicates get a 200 so the provider stops redelivering, but the sink
// sees them absorbed rather than re-applied.
func TestHandler_DuplicatesAcknowledged(t *testing.T) {
	g := NewGateway("")
	first, err := g.Admit([]byte(sampleBatch), "")
	require.NoError(t, err)

	sink := &recordingSink{duplicates: map[string]bool{
		first.Events[0].DedupKey(): true,
		first.Events[1].DedupKey(): true,
		first.Events[2].DedupKey(): true,
	}}
	srv := newTestServer(t, "", sink, nil)

	resp := post(t, srv.URL, sampleBatch, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, sink.applied)
}

// An infrastructure failure must not be acknowledged: a 200 would stop the
// provider from redelivering an event the store never applied.
func TestHandler_ApplyFailureIsNotAcked(t *testing.T) {
	sink := &recordingSink{err: errors.New("store down")}
	srv := newTestServer(t, "", sink, nil)

	resp := post(t, srv.URL, sampleBatch, "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHandler_InboundRateLimit(t *testing.T) {
	lim, err := ratelimit.NewWindowLimiter(1, time.Minute)
	require.NoError(t, err)
	srv := newTestServer(t, "", &recordingSink{}, lim)

	resp := post(t, srv.URL, sampleBatch, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, srv.URL, sampleBatch, "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestHandler_PartialBatchStillOK(t *testing.T) {
	sink := &recordingSink{}
	srv := newTestServer(t, "", sink, nil)

	body := `[
	  {"msys": {"message_event": {"type": "delivery", "message_id": "pm-1", "rcpt_to": "a@example.com", "timestamp": "2026-03-01T12:00:00Z"}}},
	  {"bogus": 1}
	]`
	resp := post(t, srv.URL, body, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, sink.applied, 1)
}
