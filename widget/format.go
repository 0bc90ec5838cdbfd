package widget

import (
	"html"
	"strings"
	"time"
)

const (
	weekdayTimeLayout = "Mon 15:04"
	dateTimeLayout    = "1/2/06 15:04"
)

// FormatDisplayName truncates a display name to limit characters. When the
// character just past the cut point was a space the cut is a clean word
// boundary: trailing spaces are trimmed and no ellipsis is added. Otherwise
// the cut lands mid-word and an ellipsis marks it. Holds for every
// non-negative limit including 0.
func FormatDisplayName(name string, limit int) string {
	runes := []rune(name)
	if len(runes) <= limit {
		return name
	}
	cut := string(runes[:limit])
	if runes[limit] == ' ' {
		return strings.TrimRight(cut, " ")
	}
	return cut + "..."
}

// FormatTimestamp renders a millisecond timestamp relative to now: messages
// within the most recent 6 calendar days (boundary inclusive, measured from
// local midnight) get a weekday+time form, older ones a short numeric date.
// Pure in (ms, now) so callers re-evaluate at render time.
func FormatTimestamp(ms int64, now time.Time) string {
	t := time.UnixMilli(ms).In(now.Location())
	y, m, d := now.Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	if !t.Before(dayStart.AddDate(0, 0, -6)) {
		return t.Format(weekdayTimeLayout)
	}
	return t.Format(dateTimeLayout)
}

// EscapeForTransit HTML-entity-escapes message text before it is written to
// the room, as defense in depth against any consumer that renders it
// unsafely. Exact inverse of UnescapeForDisplay over & < > " '.
func EscapeForTransit(text string) string {
	return html.EscapeString(text)
}

// UnescapeForDisplay reverses EscapeForTransit before text is handed to the
// content renderer, which itself only ever emits escaped nodes.
func UnescapeForDisplay(text string) string {
	return html.UnescapeString(text)
}
