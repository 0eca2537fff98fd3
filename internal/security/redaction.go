// Package security scrubs credentials out of text that leaves the process
// boundary: backend error messages, log attributes, diagnostics.
package security

import (
	"net/url"
	"regexp"
	"strings"
)

const marker = "[REDACTED]"

var (
	secretKeyExpr        = `(?:password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern      = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"',;&]+)`)
	jsonSecretPattern    = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	authorizationPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerTokenPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	userinfoPattern      = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://)[^\s/@]+@`)
)

// Redact masks bearer tokens, authorization headers, secret-looking key/value
// pairs and URL credentials in free text.
func Redact(input string) string {
	if input == "" {
		return ""
	}
	out := jsonSecretPattern.ReplaceAllString(input, `${1}"`+marker+`"`)
	out = authorizationPattern.ReplaceAllString(out, `${1}`+marker)
	out = bearerTokenPattern.ReplaceAllString(out, "Bearer "+marker)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		if strings.Contains(match, marker) {
			return match
		}
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return marker
		}
		return match[:idx+1] + marker
	})
	out = userinfoPattern.ReplaceAllString(out, `${1}`+marker+`@`)
	return out
}

// RedactURL masks the userinfo and secret-looking query values of raw. Text
// that does not parse as a URL goes through Redact.
func RedactURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return Redact(raw)
	}
	if u.User != nil {
		u.User = url.User(marker)
	}
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if secretKey(key) {
				q.Set(key, marker)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

var secretKeyPattern = regexp.MustCompile(`(?i)^` + secretKeyExpr + `$`)

func secretKey(key string) bool {
	return secretKeyPattern.MatchString(key)
}
