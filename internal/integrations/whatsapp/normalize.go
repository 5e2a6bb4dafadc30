package whatsapp

import (
	"strconv"
	"strings"
	"time"

	"advora-intake/internal/domain"
)

// Normalize flattens a webhook delivery into inbound events. Status updates
// and changes for other fields are skipped; messages without a sender are
// dropped. now stamps messages whose timestamp is missing or malformed.
func Normalize(p WebhookPayload, now time.Time) []domain.InboundEvent {
	var events []domain.InboundEvent
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				if strings.TrimSpace(m.From) == "" {
					continue
				}
				events = append(events, toEvent(m, names[m.From], now))
			}
		}
	}
	return events
}

func toEvent(m Message, name string, now time.Time) domain.InboundEvent {
	ev := domain.InboundEvent{
		ContactID:   m.From,
		ContactName: name,
		MessageID:   m.ID,
		RawType:     m.Type,
		ReceivedAt:  parseTimestamp(m.Timestamp, now),
	}
	switch {
	case m.Type == "text" && m.Text != nil:
		ev.Kind = domain.EventText
		ev.Text = m.Text.Body
	case m.Type == "image" && m.Image != nil:
		ev.Kind = domain.EventImage
		fillMedia(&ev, m.Image)
	case m.Type == "document" && m.Document != nil:
		ev.Kind = domain.EventDocument
		fillMedia(&ev, m.Document)
	default:
		ev.Kind = domain.EventUnsupported
	}
	return ev
}

func fillMedia(ev *domain.InboundEvent, mc *MediaContent) {
	ev.MediaID = mc.ID
	ev.MimeType = mc.MimeType
	ev.Filename = mc.Filename
	ev.Caption = mc.Caption
}

func parseTimestamp(raw string, now time.Time) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || secs <= 0 {
		return now.UTC()
	}
	return time.Unix(secs, 0).UTC()
}
