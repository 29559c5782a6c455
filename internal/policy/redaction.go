// Package policy scrubs text that leaves the process through error frames.
package policy

import "regexp"

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/\-]+=*`)
	apiKeyPattern = regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_\-]{16,}\b`)
	// key=value pairs whose key names a credential.
	secretParamPattern = regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret|password)(["']?\s*[:=]\s*["']?)[^\s"'&,}]+`)
)

// RedactPII masks common high-risk PII patterns and credentials that upstream
// error bodies tend to echo back.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	apply := func(re *regexp.Regexp, repl string) {
		next := re.ReplaceAllString(out, repl)
		changed = changed || next != out
		out = next
	}

	apply(bearerPattern, "Bearer [REDACTED_TOKEN]")
	apply(apiKeyPattern, "[REDACTED_KEY]")
	apply(secretParamPattern, "${1}${2}[REDACTED]")
	apply(emailPattern, "[REDACTED_EMAIL]")
	// Cards before phones, or card numbers read as phone numbers.
	apply(cardPattern, "[REDACTED_CARD]")
	apply(phonePattern, "[REDACTED_PHONE]")

	return out, changed
}
