package tracking

import (
	"fmt"
	"strings"

	"github.com/ignite/mailflow/internal/domain"
)

// Injector rewrites outbound HTML with tracked links and an open pixel,
// and attaches one-click unsubscribe headers.
type Injector struct {
	codec *Codec
}

func NewInjector(codec *Codec) *Injector {
	return &Injector{codec: codec}
}

// Inject prepares a message for dispatch: links become tracked redirects,
// the open pixel lands before </body>, and List-Unsubscribe headers point
// at the signed unsubscribe URL.
func (in *Injector) Inject(msg *domain.OutboundMessage) {
	msg.HTMLContent = in.rewriteLinks(msg.HTMLContent, msg.CampaignID, msg.RecipientID, msg.ID)

	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none" />`,
		in.codec.OpenURL(msg.CampaignID, msg.RecipientID, msg.ID))
	if strings.Contains(msg.HTMLContent, "</body>") {
		msg.HTMLContent = strings.Replace(msg.HTMLContent, "</body>", pixel+"</body>", 1)
	} else {
		msg.HTMLContent += pixel
	}

	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	unsubURL := in.codec.UnsubscribeURL(msg.CampaignID, msg.RecipientID, msg.ID)
	msg.Headers["List-Unsubscribe"] = fmt.Sprintf("<%s>", unsubURL)
	msg.Headers["List-Unsubscribe-Post"] = "List-Unsubscribe=One-Click"
}

// rewriteLinks replaces href targets with tracked redirects. Links that
// already point at a tracking path are left alone so injection stays
// idempotent.
func (in *Injector) rewriteLinks(html, campaignID, recipientID, messageID string) string {
	var b strings.Builder
	rest := html
	for {
		start := strings.Index(rest, `href="http`)
		if start == -1 {
			b.WriteString(rest)
			break
		}
		start += len(`href="`)
		b.WriteString(rest[:start])
		rest = rest[start:]

		end := strings.Index(rest, `"`)
		if end == -1 {
			b.WriteString(rest)
			break
		}
		originalURL := rest[:end]
		rest = rest[end:]

		if strings.Contains(originalURL, "/track/") {
			b.WriteString(originalURL)
			continue
		}
		b.WriteString(in.codec.ClickURL(campaignID, recipientID, messageID, originalURL))
	}
	return b.String()
}
