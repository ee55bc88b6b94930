// Package scrub redacts personally identifying substrings from raw
// ingested text before it is persisted or sent to the analyzer.
package scrub

import "regexp"

var (
	creditCardRe = regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)
	emailRe      = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
)

// Redact replaces credit-card-shaped digit runs with [CREDIT_CARD] and
// email addresses with [EMAIL]. It is idempotent: running it again on
// already-redacted text is a no-op.
func Redact(text string) string {
	text = creditCardRe.ReplaceAllString(text, "[CREDIT_CARD]")
	text = emailRe.ReplaceAllString(text, "[EMAIL]")
	return text
}
