package shared

import (
	"regexp"
	"strings"
)

// Redacted replaces secret material in logs, audit details and events.
const Redacted = "[REDACTED]"

// redactRule rewrites every match of re with repl, where repl may refer to
// the kept submatches (${1}, ${3}).
type redactRule struct {
	re   *regexp.Regexp
	repl string
}

var redactRules = []redactRule{
	// key=value and key: value pairs.
	{
		re:   regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|auth[_-]?token|access[_-]?token|secret|password)\s*[:=]\s*"?)([^\s"&,;]{6,})`),
		repl: "${1}" + Redacted,
	},
	{
		re:   regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9_\-./+=~]{6,})`),
		repl: "${1}" + Redacted,
	},
	// Signed marketplace download URLs.
	{
		re:   regexp.MustCompile(`(?i)([?&](?:x-amz-signature|x-amz-credential|signature|sig|token|access_token)=)([^&\s"]+)`),
		repl: "${1}" + Redacted,
	},
	// Userinfo passwords, e.g. redis://:pw@host:6379/0.
	{
		re:   regexp.MustCompile(`(://[^:/@\s]*:)([^@/\s]+)(@)`),
		repl: "${1}" + Redacted + "${3}",
	},
}

// Redact masks secret-bearing fragments of input, keeping the surrounding
// text readable.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, r := range redactRules {
		out = r.re.ReplaceAllString(out, r.repl)
	}
	return out
}

var sensitiveKeyParts = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "credential"}

// SensitiveKey reports whether a field name always carries a secret, so its
// value should be dropped entirely.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
