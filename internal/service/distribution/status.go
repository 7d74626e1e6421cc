package distribution

import (
	"strconv"
	"strings"
	"time"

	"github.com/jwalitptl/videocast-api/internal/model"
)

// MapStatus maps a raw provider delivery status. ok is false for statuses
// that carry no meaning for the pipeline.
func MapStatus(raw string) (model.MessageStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued":
		return model.MessageQueued, true
	case "sent":
		return model.MessageSent, true
	case "delivered", "read":
		return model.MessageDelivered, true
	case "rejected", "failed", "cancelled", "canceled":
		return model.MessageError, true
	default:
		return "", false
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ParseTimestamp accepts RFC3339, a space separated UTC datetime, or unix
// seconds and milliseconds. It returns nil when nothing matches.
func ParseTimestamp(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
		var t time.Time
		if n >= 1e12 {
			t = time.UnixMilli(n).UTC()
		} else {
			t = time.Unix(n, 0).UTC()
		}
		return &t
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// RenderMessage fills {name}, {phone} and {link}. A template without a
// {link} placeholder gets the link appended on its own line.
func RenderMessage(template, name, phone, link string) string {
	text := strings.NewReplacer(
		"{name}", name,
		"{phone}", phone,
		"{link}", link,
	).Replace(template)
	if strings.Contains(template, "{link}") {
		return text
	}
	text = strings.TrimRight(text, " \n")
	if text == "" {
		return link
	}
	return text + "\n\n" + link
}
