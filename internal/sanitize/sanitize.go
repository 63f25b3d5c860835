// Package sanitize cleans text before it is echoed back as a bot message.
package sanitize

import (
	"regexp"
	"strings"
)

// MaxTextLength is the Bot API ceiling for a message body, in characters.
const MaxTextLength = 4096

var (
	tagRe        = regexp.MustCompile(`<[^>]*>`)
	jsProtocolRe = regexp.MustCompile(`(?i)javascript:`)
)

// Text strips tags, then the javascript: marker, trims, and truncates to
// MaxTextLength characters. The order matters: "<b> x </b>" trims to "x".
func Text(s string) string {
	s = tagRe.ReplaceAllString(s, "")
	s = jsProtocolRe.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	return Truncate(s, MaxTextLength)
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
