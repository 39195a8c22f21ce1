package server

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	// no markup at all in display names
	namePolicy = bluemonday.StrictPolicy()

	messagePolicy = bluemonday.UGCPolicy().
			AllowElements("b", "i", "em", "strong", "u", "s", "del", "code", "pre", "br").
			AllowURLSchemes("http", "https", "mailto").
			RequireNoFollowOnLinks(true)
)

// sanitizeName strips all HTML from a display name
func sanitizeName(name string) string {
	return strings.TrimSpace(html.UnescapeString(namePolicy.Sanitize(name)))
}

// sanitizeMessage keeps safe formatting and drops everything else. A text
// without markup is returned unchanged.
func sanitizeMessage(text string) string {
	if !strings.ContainsAny(text, "<>") {
		return text
	}
	return messagePolicy.Sanitize(text)
}
