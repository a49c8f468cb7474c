// Package security scrubs credentials from text that agent machines send
// back to the hub before it reaches logs or clients.
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxMessageLen bounds a machine-reported error message after redaction.
const MaxMessageLen = 1024

const redacted = "[REDACTED]"

var (
	secretKeyExpr        = `(?:password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern      = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	kvLooseSecretPattern = regexp.MustCompile(`(?i)\b(client_secret|private_key|aws_access_key_id|aws_secret_access_key)\b\s+(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	jsonSecretPattern    = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	authorizationPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerTokenPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	pemBlockPattern      = regexp.MustCompile(`(?s)-----BEGIN [^-]+ PRIVATE KEY-----.*?-----END [^-]+ PRIVATE KEY-----`)
	cookiePattern        = regexp.MustCompile(`(?i)(cookie\s*:\s*)[^\r\n]+`)
	urlUserinfoPattern   = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://)[^\s/@]+@`)
	tokenQueryPattern    = regexp.MustCompile(`(?i)([?&]token=)[^&\s]+`)
)

// RedactPayload replaces secret values in free text with a marker. Keys
// and surrounding text are kept so the message stays readable.
func RedactPayload(input string) string {
	if input == "" {
		return ""
	}
	out := pemBlockPattern.ReplaceAllString(input, "[REDACTED_PRIVATE_KEY]")
	out = jsonSecretPattern.ReplaceAllString(out, `${1}"`+redacted+`"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return redacted
		}
		return match[:idx+1] + " " + redacted
	})
	out = kvLooseSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, " \t")
		if idx < 0 {
			return redacted
		}
		return match[:idx] + " " + redacted
	})
	out = authorizationPattern.ReplaceAllString(out, `${1}`+redacted)
	out = bearerTokenPattern.ReplaceAllString(out, "Bearer "+redacted)
	out = cookiePattern.ReplaceAllString(out, `${1}`+redacted)
	out = urlUserinfoPattern.ReplaceAllString(out, `${1}`+redacted+`@`)
	out = tokenQueryPattern.ReplaceAllString(out, `${1}`+redacted)
	return out
}

// RedactMessage redacts msg and trims it to MaxMessageLen bytes without
// splitting a rune.
func RedactMessage(msg string) string {
	out := strings.TrimSpace(RedactPayload(msg))
	if len(out) <= MaxMessageLen {
		return out
	}
	cut := MaxMessageLen
	for cut > 0 && !utf8.RuneStart(out[cut]) {
		cut--
	}
	return out[:cut] + "…"
}
