package forum

import (
	"regexp"
	"strings"
)

var (
	emailPattern      = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	longDigitsPattern = regexp.MustCompile(`\b\d{6,}\b`)
	urlPattern        = regexp.MustCompile(`(?i)\bhttps?://\S+\b`)
	mentionPattern    = regexp.MustCompile(`@\S+`)
	spacesPattern     = regexp.MustCompile(`[ \t]+`)
)

// SanitizeOpts controls which outbound-text redactions are skipped.
type SanitizeOpts struct {
	AllowURLs     bool
	AllowMentions bool
}

// Sanitize scrubs text before it is published to the forum: email addresses
// and long digit runs (phone numbers, QQ ids) are always replaced with
// placeholders, URLs and @-mentions only when not allowed, and runs of
// spaces and tabs are collapsed.
func Sanitize(text string, opts SanitizeOpts) string {
	out := emailPattern.ReplaceAllString(text, "<EMAIL>")
	out = longDigitsPattern.ReplaceAllString(out, "<ID>")
	if !opts.AllowURLs {
		out = urlPattern.ReplaceAllString(out, "<URL>")
	}
	if !opts.AllowMentions {
		out = mentionPattern.ReplaceAllString(out, "<MENTION>")
	}
	out = spacesPattern.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

// Truncate limits text to maxChars runes, marking the cut with an ellipsis.
func Truncate(text string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars-1]) + "…"
}
