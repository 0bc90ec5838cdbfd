package widget

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Strict policy for display names: no HTML at all, just text.
var displayNamePolicy = bluemonday.StrictPolicy()

const maxDisplayNameRunes = 64

// SanitizeDisplayName strips markup and control noise from a display name
// and caps its length. Empty results fall back to "anon".
func SanitizeDisplayName(name string) string {
	decoded := html.UnescapeString(name)
	s := strings.TrimSpace(displayNamePolicy.Sanitize(decoded))
	if r := []rune(s); len(r) > maxDisplayNameRunes {
		s = string(r[:maxDisplayNameRunes])
	}
	if s == "" {
		return "anon"
	}
	return s
}
