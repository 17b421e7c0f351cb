// Package redact strips credentials and other sensitive fragments from
// strings before they are logged or echoed in error responses. Provider
// errors routinely quote request URLs, headers and keys, and database errors
// quote connection strings and SQL, so every error that reaches a log from
// the HTTP layer passes through Error.
package redact

import "regexp"

// Placeholders substituted for redacted fragments.
const (
	RedactionPlaceholder          = "[REDACTED]"
	RedactedPathPlaceholder       = "[REDACTED_PATH]"
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedTokenPlaceholder      = "[REDACTED_TOKEN]"
	RedactedJWTPlaceholder        = "[REDACTED_JWT]"
)

type rule struct {
	re          *regexp.Regexp
	replacement string
}

// rules run in order; earlier rules consume fragments later ones would
// only partially match.
var rules = []rule{
	{
		re:          regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
		replacement: RedactedJWTPlaceholder,
	},
	{
		re:          regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/=-]{8,}`),
		replacement: "${1}" + RedactedTokenPlaceholder,
	},
	// Anthropic, OpenAI and Google API keys.
	{
		re:          regexp.MustCompile(`\b(?:sk-ant-|sk-|AIza)[A-Za-z0-9_-]{16,}`),
		replacement: RedactedKeyPlaceholder,
	},
	{
		re:          regexp.MustCompile(`(?i)\b(?:postgres(?:ql)?|mysql|mongodb|redis)://[^@\s]+@`),
		replacement: RedactedCredentialPlaceholder,
	},
	// Signatures on pre-signed asset URLs returned by providers.
	{
		re:          regexp.MustCompile(`(?i)([?&](?:x-amz-signature|x-amz-credential|signature|sig|token)=)[^&\s"']+`),
		replacement: "${1}" + RedactionPlaceholder,
	},
	{
		re:          regexp.MustCompile(`(?i)(?:password|passwd|pwd)(?:[=:\s]?['"]?)[^'"&\s]{3,}`),
		replacement: RedactedCredentialPlaceholder,
	},
	{
		re:          regexp.MustCompile(`(?i)(?:api[_-]?key|secret|token|access[_-]?key)(?:['"\s:=]+)[A-Za-z0-9_\-.~+/]{8,}`),
		replacement: RedactedKeyPlaceholder,
	},
	{
		re:          regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`),
		replacement: RedactedKeyPlaceholder,
	},
	{
		re:          regexp.MustCompile(`(?:goroutine \d+|panic:)[\s\S]*?(\n\t.*)+`),
		replacement: "[STACK_TRACE_REDACTED]",
	},
	{
		re:          regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		replacement: "[REDACTED_EMAIL]",
	},
	{
		re: regexp.MustCompile(
			`(?i)(?:SELECT|INSERT|UPDATE|DELETE|CREATE|ALTER|DROP|GRANT)[\s\w,*()]+(?:FROM|INTO|SET|TABLE|DATABASE|SCHEMA|VIEW)(?:[\s\w,*()='"]+)?`,
		),
		replacement: "[REDACTED_SQL]",
	},
	{
		re:          regexp.MustCompile(`[A-Za-z]:\\[^\\]+(\\[^\\]+)+`),
		replacement: RedactedPathPlaceholder,
	},
	{
		re:          regexp.MustCompile(`(/[\w.-]+){2,}`),
		replacement: RedactedPathPlaceholder,
	},
	{
		re:          regexp.MustCompile(`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}(?::\d{1,5})?\b`),
		replacement: "[REDACTED_HOST]",
	},
	{
		re:          regexp.MustCompile(`(?i)(?:no such file|file not found|can't open|cannot open|file error)`),
		replacement: "[REDACTED_FILE_ERROR]",
	},
}

// String redacts sensitive information from the input string.
func String(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, r := range rules {
		out = r.re.ReplaceAllString(out, r.replacement)
	}
	return out
}

// Error redacts sensitive information from an error's Error() output.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
