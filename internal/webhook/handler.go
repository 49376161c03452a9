package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/pkg/logger"
	"github.com/ignite/mailflow/internal/ratelimit"
)

// EventSink applies an admitted event. It returns domain.ErrDuplicateEvent
// for redeliveries, which the handler still acknowledges with 200.
type EventSink interface {
	Apply(ctx context.Context, ev *domain.DeliveryEvent) error
}

// Handler exposes the webhook ingestion endpoint. Designed for bulk
// redelivery storms: the provider gets a 200 for everything it should not
// retry, including duplicates and individually malformed entries.
type Handler struct {
	gateway *Gateway
	sink    EventSink
	limiter ratelimit.Limiter
	maxBody int64

	// Stats
	received   int64
	duplicates int64
	rejected   int64
	applyErrs  int64
}

// NewHandler builds a Handler. limiter may be nil to disable inbound rate
// limiting; maxBody <= 0 means 1 MiB.
func NewHandler(gateway *Gateway, sink EventSink, limiter ratelimit.Limiter, maxBody int64) *Handler {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handler{gateway: gateway, sink: sink, limiter: limiter, maxBody: maxBody}
}

// Routes mounts the webhook endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhooks/events", h.handleEvents)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil {
		adm, err := h.limiter.Acquire(r.Context())
		if err == nil && !adm.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(adm.ResetAt).Seconds())+1))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	batch, err := h.gateway.Admit(body, signatureFrom(r))
	if err != nil {
		switch {
		case errors.Is(err, ErrMissingSignature), errors.Is(err, ErrInvalidSignature):
			logger.Warn("webhook rejected", "reason", err.Error(), "remote", r.RemoteAddr)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
		default:
			http.Error(w, "malformed body", http.StatusBadRequest)
		}
		return
	}

	applied, duplicates, failed := 0, 0, 0
	for i := range batch.Events {
		ev := &batch.Events[i]
		err := h.sink.Apply(r.Context(), ev)
		switch {
		case err == nil:
			applied++
			atomic.AddInt64(&h.received, 1)
		case errors.Is(err, domain.ErrDuplicateEvent):
			duplicates++
			atomic.AddInt64(&h.duplicates, 1)
		default:
			failed++
			atomic.AddInt64(&h.applyErrs, 1)
			logger.Error("event apply failed",
				"provider_message_id", ev.ProviderMessageID,
				"type", string(ev.Type),
				"error", err.Error())
		}
	}
	atomic.AddInt64(&h.rejected, int64(len(batch.Rejections)))

	if len(batch.Rejections) > 0 {
		logger.Warn("webhook batch had malformed entries",
			"rejected", len(batch.Rejections),
			"applied", applied)
	}
	logger.Debug("webhook batch processed",
		"applied", applied,
		"duplicates", duplicates,
		"failed", failed,
		"rejected", len(batch.Rejections))

	// An apply failure rolled its dedup record back, so the only way those
	// events survive is the provider's redelivery. Anything already applied
	// in this batch is absorbed as a duplicate on the retry.
	if failed > 0 {
		http.Error(w, "event processing failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// signatureFrom pulls the signature header. X-MailFlow-Signature is the
// primary name; X-Webhook-Signature is accepted for provider consoles that
// only allow generic names.
func signatureFrom(r *http.Request) string {
	if s := r.Header.Get("X-MailFlow-Signature"); s != "" {
		return s
	}
	return r.Header.Get("X-Webhook-Signature")
}

// Stats returns ingestion counters.
func (h *Handler) Stats() map[string]int64 {
	return map[string]int64{
		"events_received":  atomic.LoadInt64(&h.received),
		"duplicates":       atomic.LoadInt64(&h.duplicates),
		"entries_rejected": atomic.LoadInt64(&h.rejected),
		"apply_errors":     atomic.LoadInt64(&h.applyErrs),
	}
}
