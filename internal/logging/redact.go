package logging

import "regexp"

// Redaction patterns for values that resemble secrets: bearer tokens, api
// keys in URLs or headers, and long opaque hex/base64 runs next to
// credential-ish key names. Event messages pass through Redact before they
// leave the process.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer\s+)[a-z0-9._\-]+`),
	regexp.MustCompile(`(?i)(api[_-]?key["'=:\s]+)[a-z0-9._\-]{8,}`),
	regexp.MustCompile(`(?i)(authorization["'=:\s]+)[^\s"']+`),
	regexp.MustCompile(`(?i)(token["'=:\s]+)[a-z0-9._\-]{8,}`),
	regexp.MustCompile(`(?i)(secret["'=:\s]+)[^\s"']+`),
	regexp.MustCompile(`(?i)([?&](?:key|token|apikey|api_key|access_token)=)[^&\s"']+`),
}

// Redact masks secret-like substrings in a message, keeping the key name
// so logs stay debuggable.
func Redact(msg string) string {
	for _, p := range redactPatterns {
		msg = p.ReplaceAllString(msg, "${1}[REDACTED]")
	}
	return msg
}
