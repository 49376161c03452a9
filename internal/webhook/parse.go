package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/mailflow/internal/domain"
)

// Rejection records why one entry in a batch was not admitted.
type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Batch is the outcome of parsing one webhook delivery: the events that
// passed validation plus a rejection per entry that did not.
type Batch struct {
	Events     []domain.DeliveryEvent
	Rejections []Rejection
}

// sparkPostEntry is one element of a SparkPost webhook batch. Events are
// wrapped in an msys object keyed by category; only one category is set
// per entry.
type sparkPostEntry struct {
	MSys map[string]json.RawMessage `json:"msys"`
}

// eventPayload is the shared shape of SparkPost event categories.
type eventPayload struct {
	Type          string `json:"type"`
	MessageID     string `json:"message_id"`
	RcptTo        string `json:"rcpt_to"`
	Timestamp     string `json:"timestamp"`
	BounceClass   string `json:"bounce_class"`
	TargetLinkURL string `json:"target_link_url"`
	IPAddress     string `json:"ip_address"`
	UserAgent     string `json:"user_agent"`
}

// hardBounceClasses are the SparkPost bounce classifications that mean the
// address itself is bad. Everything else is treated as soft.
var hardBounceClasses = map[string]bool{
	"10": true, // invalid recipient
	"30": true, // no RCPT
	"90": true, // unsubscribe via bounce
}

// parseBatch turns a raw SparkPost batch into domain events. The top-level
// payload must be a JSON array; anything else is a malformed body. Within
// the array, bad entries turn into Rejections.
func parseBatch(raw []byte) (*Batch, error) {
	var entries []sparkPostEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}

	batch := &Batch{}
	for i, entry := range entries {
		ev, err := parseEntry(entry)
		if err != nil {
			batch.Rejections = append(batch.Rejections, Rejection{Index: i, Reason: err.Error()})
			continue
		}
		batch.Events = append(batch.Events, *ev)
	}
	return batch, nil
}

func parseEntry(entry sparkPostEntry) (*domain.DeliveryEvent, error) {
	if len(entry.MSys) == 0 {
		return nil, fmt.Errorf("entry has no msys wrapper")
	}

	var category string
	var raw json.RawMessage
	for k, v := range entry.MSys {
		category, raw = k, v
		break
	}

	var p eventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unparseable %s payload", category)
	}

	typ, err := mapEventType(category, p.Type)
	if err != nil {
		return nil, err
	}
	if p.MessageID == "" {
		return nil, fmt.Errorf("missing message_id")
	}

	occurredAt, err := parseTimestamp(p.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("bad timestamp %q", p.Timestamp)
	}

	ev := &domain.DeliveryEvent{
		ProviderMessageID: p.MessageID,
		Email:             p.RcptTo,
		Type:              typ,
		OccurredAt:        occurredAt,
		ClickedURL:        p.TargetLinkURL,
		IPAddress:         p.IPAddress,
		UserAgent:         p.UserAgent,
		RawPayload:        raw,
	}
	if typ == domain.EventBounced {
		ev.BounceKind = domain.BounceSoft
		if hardBounceClasses[p.BounceClass] {
			ev.BounceKind = domain.BounceHard
		}
	}
	return ev, nil
}

func mapEventType(category, typ string) (domain.EventType, error) {
	if category == "unsubscribe_event" {
		return domain.EventUnsubscribed, nil
	}
	switch typ {
	case "delivery":
		return domain.EventDelivered, nil
	case "open", "initial_open":
		return domain.EventOpened, nil
	case "click":
		return domain.EventClicked, nil
	case "bounce", "out_of_band":
		return domain.EventBounced, nil
	case "spam_complaint":
		return domain.EventComplaint, nil
	case "list_unsubscribe", "link_unsubscribe":
		return domain.EventUnsubscribed, nil
	case "":
		return "", fmt.Errorf("missing event type")
	default:
		return "", fmt.Errorf("unsupported event type %q", typ)
	}
}

// parseTimestamp accepts RFC3339 and epoch-seconds forms; SparkPost has
// used both across API versions.
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	var epoch int64
	if _, err := fmt.Sscanf(s, "%d", &epoch); err == nil && epoch > 0 {
		return time.Unix(epoch, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized format")
}
