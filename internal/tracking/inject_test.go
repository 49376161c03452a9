package tracking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailflow/internal/domain"
)

func TestInjector_RewritesLinksAndAddsPixel(t *testing.T) {
	codec := NewCodec("link-secret", "https://t.example.com")
	in := NewInjector(codec)

	msg := &domain.OutboundMessage{
		ID:          "msg-1",
		CampaignID:  "camp-1",
		RecipientID: "rcpt-1",
		HTMLContent: `<html><body><a href="https://shop.example.com/deal">Deal</a><a href="https://shop.example.com/other">Other</a></body></html>`,
	}
	in.Inject(msg)

	assert.NotContains(t, msg.HTMLContent, `href="https://shop.example.com/deal"`)
	assert.Equal(t, 2, strings.Count(msg.HTMLContent, "https://t.example.com/track/click/"))
	assert.Contains(t, msg.HTMLContent, "https://t.example.com/track/open/")
	assert.Contains(t, msg.HTMLContent, `width="1" height="1"`)

	require.NotNil(t, msg.Headers)
	assert.Contains(t, msg.Headers["List-Unsubscribe"], "https://t.example.com/track/unsubscribe/")
	assert.Equal(t, "List-Unsubscribe=One-Click", msg.Headers["List-Unsubscribe-Post"])
}

// Rewritten links must decode back to their original destination.
func TestInjector_RewrittenLinkRoundTrips(t *testing.T) {
	codec := NewCodec("link-secret", "https://t.example.com")
	in := NewInjector(codec)

	msg := &domain.OutboundMessage{
		ID:          "msg-1",
		CampaignID:  "camp-1",
		RecipientID: "rcpt-1",
		HTMLContent: `<body><a href="https://shop.example.com/deal">x</a></body>`,
	}
	in.Inject(msg)

	start := strings.Index(msg.HTMLContent, "/track/click/")
	require.Greater(t, start, -1)
	rest := msg.HTMLContent[start+len("/track/click/"):]
	end := strings.Index(rest, `"`)
	require.Greater(t, end, -1)
	parts := strings.Split(rest[:end], "/")
	require.Len(t, parts, 2)

	p, err := codec.Decode(parts[0], parts[1])
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com/deal", p.URL)
	assert.Equal(t, "rcpt-1", p.RecipientID)
}

// Injecting twice must not double-wrap tracked links.
func TestInjector_Idempotent(t *testing.T) {
	codec := NewCodec("link-secret", "https://t.example.com")
	in := NewInjector(codec)

	msg := &domain.OutboundMessage{
		ID:          "msg-1",
		CampaignID:  "camp-1",
		RecipientID: "rcpt-1",
		HTMLContent: `<body><a href="https://shop.example.com/deal">x</a></body>`,
	}
	in.Inject(msg)
	clicks := strings.Count(msg.HTMLContent, "/track/click/")

	in.Inject(msg)
	assert.Equal(t, clicks, strings.Count(msg.HTMLContent, "/track/click/"))
}

func TestInjector_NoBodyTagStillGetsPixel(t *testing.T) {
	codec := NewCodec("link-secret", "https://t.example.com")
	in := NewInjector(codec)

	msg := &domain.OutboundMessage{ID: "m", CampaignID: "c", RecipientID: "r", HTMLContent: "<p>plain</p>"}
	in.Inject(msg)
	assert.Contains(t, msg.HTMLContent, "/track/open/")
}

func TestBotDetector(t *testing.T) {
	bd := NewBotDetector()

	assert.True(t, bd.IsBot("Mozilla/5.0 (compatible; Googlebot/2.1)"))
	assert.True(t, bd.IsBot("GoogleImageProxy"))
	assert.True(t, bd.IsBot("Barracuda Sentinel (EE)"))
	assert.False(t, bd.IsBot("Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)"))
	assert.False(t, bd.IsBot(""))
}
