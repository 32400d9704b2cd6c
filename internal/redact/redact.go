// Package redact strips credentials and internals from text before it is
// logged or returned to a client: connection string secrets, tokens,
// object store keys, SQL fragments and stack traces.
package redact

import "regexp"

// Placeholders written in place of redacted text.
const (
	Placeholder           = "[REDACTED]"
	CredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	TokenPlaceholder      = "[REDACTED_TOKEN]"
	KeyPlaceholder        = "[REDACTED_KEY]"
	SQLPlaceholder        = "[REDACTED_SQL]"
	StackPlaceholder      = "[STACK_TRACE_REDACTED]"
)

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Rules run in order; later rules see the output of earlier ones.
var rules = []rule{
	// user:password@ in postgres://, nats://, http:// and similar URLs.
	// The scheme and host are kept so redacted DSNs stay useful in logs.
	{
		re:   regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.\-]*://)[^\s/@:]+:[^\s/@]+@`),
		repl: "${1}" + CredentialPlaceholder + "@",
	},
	// key=value secrets in keyword DSNs and query strings.
	{
		re:   regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|secret_key|jwt_secret|access_key|token)(\s*[=:]\s*)['"]?[^\s'"&,;]+`),
		repl: "${1}${2}" + Placeholder,
	},
	{
		re:   regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`),
		repl: "Bearer " + TokenPlaceholder,
	},
	{
		re:   regexp.MustCompile(`eyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`),
		repl: TokenPlaceholder,
	},
	// S3 style access key ids.
	{
		re:   regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`),
		repl: KeyPlaceholder,
	},
	{
		re:   regexp.MustCompile(`(?i)\b(SELECT|INSERT|UPDATE|DELETE)\b[^;]*?\b(FROM|INTO|SET)\b[^;]*`),
		repl: SQLPlaceholder,
	},
	{
		re:   regexp.MustCompile(`(?:goroutine \d+ \[|panic:)[\s\S]*`),
		repl: StackPlaceholder,
	},
}

// String returns s with every sensitive fragment replaced.
func String(s string) string {
	if s == "" {
		return s
	}
	for _, r := range rules {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}

// Error returns the redacted message of err, or "" for nil.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
