package tracking

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/pkg/logger"
)

// transparent 1x1 GIF, served for every pixel request
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0x21, 0xF9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2C, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3B,
}

// EmailResolver maps a recipient id to its address so unsubscribe events
// carry the email the suppression list needs.
type EmailResolver interface {
	EmailForRecipient(ctx context.Context, recipientID string) (string, error)
}

// Handler serves the public tracking endpoints. These sit on the untrusted
// side of the codec: every request is attributed only after its signature
// verifies.
type Handler struct {
	codec    *Codec
	bus      *Bus
	resolver EmailResolver // optional

	now func() time.Time
}

// NewHandler builds a Handler. resolver may be nil; opens and clicks then
// carry no address, and every unsubscribe is refused.
func NewHandler(codec *Codec, bus *Bus, resolver EmailResolver) *Handler {
	return &Handler{codec: codec, bus: bus, resolver: resolver, now: time.Now}
}

// Routes mounts the tracking endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/track/open/{data}/{sig}", h.handleOpen)
	r.Get("/track/click/{data}/{sig}", h.handleClick)
	r.Get("/track/unsubscribe/{data}/{sig}", h.handleUnsubscribe)
}

// handleOpen always serves the pixel. A forged or stale token still gets
// the image; it just produces no event. Rendering a broken image in a
// recipient's mail client is never the right failure mode.
func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	if p, err := h.decode(r); err == nil && p.Event == domain.EventOpened {
		h.publish(r, p, h.resolveEmail(r.Context(), p.RecipientID))
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	w.Write(pixelGIF)
}

// handleClick verifies and redirects. A bad token gets 400 rather than an
// open redirect to an attacker-chosen URL.
func (h *Handler) handleClick(w http.ResponseWriter, r *http.Request) {
	p, err := h.decode(r)
	if err != nil || p.Event != domain.EventClicked {
		http.Error(w, "invalid tracking link", http.StatusBadRequest)
		return
	}

	h.publish(r, p, h.resolveEmail(r.Context(), p.RecipientID))
	http.Redirect(w, r, p.URL, http.StatusFound)
}

func (h *Handler) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	p, err := h.decode(r)
	if err != nil || p.Event != domain.EventUnsubscribed {
		http.Error(w, "invalid unsubscribe link", http.StatusBadRequest)
		return
	}

	// An unsubscribe must land on a real address. Confirming without one
	// would tell the recipient they are out while they stay mailable.
	email := h.resolveEmail(r.Context(), p.RecipientID)
	if email == "" {
		logger.Warn("unsubscribe for unknown recipient", "recipient_id", p.RecipientID)
		http.Error(w, "unsubscribe request could not be processed", http.StatusNotFound)
		return
	}

	h.publish(r, p, email)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head><title>Unsubscribed</title></head>
<body style="font-family: sans-serif; text-align: center; padding: 40px;">
<h2>You have been unsubscribed</h2>
<p>You will no longer receive emails from this sender.</p>
</body>
</html>`)
}

func (h *Handler) decode(r *http.Request) (*Params, error) {
	return h.codec.Decode(chi.URLParam(r, "data"), chi.URLParam(r, "sig"))
}

// publish synthesizes the delivery event for a verified hit and hands it
// to the bus. Tracking links carry the internal message id; reconciliation
// resolves it against the message log to the provider's id.
func (h *Handler) publish(r *http.Request, p *Params, email string) {
	h.bus.Publish(domain.DeliveryEvent{
		ProviderMessageID: p.MessageID,
		Email:             email,
		Type:              p.Event,
		OccurredAt:        h.now().UTC(),
		ClickedURL:        p.URL,
		IPAddress:         clientIP(r),
		UserAgent:         r.UserAgent(),
		Origin:            domain.OriginTracking,
	})
}

// resolveEmail looks the recipient up, returning "" when the id is
// unknown or no resolver is configured.
func (h *Handler) resolveEmail(ctx context.Context, recipientID string) string {
	if h.resolver == nil {
		return ""
	}
	email, err := h.resolver.EmailForRecipient(ctx, recipientID)
	if err != nil {
		logger.Warn("recipient lookup failed", "recipient_id", recipientID, "error", err.Error())
		return ""
	}
	return email
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		parts := strings.Split(ip, ",")
		return strings.TrimSpace(parts[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}
