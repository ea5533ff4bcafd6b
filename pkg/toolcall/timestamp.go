package toolcall

import (
	"strings"
	"time"
)

// TimestampLayout is the single representation stored in artifacts:
// ISO-8601, millisecond precision, UTC.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

var parseLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// FormatTimestamp renders t in TimestampLayout. Sub-millisecond digits are
// truncated.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts any ISO-8601 form with or without an offset.
// Zone-less values are read as UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	var firstErr error
	for _, layout := range parseLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// normalizeTimestamp returns value in TimestampLayout. A blank value falls
// back to now when allowed.
func (b *Builder) normalizeTimestamp(value, name string, fallbackNow bool) (string, error) {
	if strings.TrimSpace(value) == "" {
		if !fallbackNow {
			return "", invalid(name, "%s is required", name)
		}
		return FormatTimestamp(b.now()), nil
	}
	t, err := ParseTimestamp(value)
	if err != nil {
		return "", invalid(name, "%s must be an ISO date string", name)
	}
	return FormatTimestamp(t), nil
}
