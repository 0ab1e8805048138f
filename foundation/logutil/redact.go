package logutil

import (
	"maps"
	"strings"
	"unicode"
)

const DefaultReplacement = "[REDACTED]"

// Key tokens that always mark a field as sensitive. Keys are split on
// camelCase and punctuation, so "dbPassword" and "private_key" both match.
var defaultSensitiveTokens = map[string]struct{}{
	"password":    {},
	"pass":        {},
	"passwd":      {},
	"passphrase":  {},
	"secret":      {},
	"token":       {},
	"credential":  {},
	"credentials": {},
	"key":         {},
	"pem":         {},
}

// RedactFields returns a copy of fields with every sensitive value replaced.
// Extra sensitive keys may be given; they match exactly and by token.
func RedactFields(fields map[string]string, replacement string, sensitiveKeys ...string) map[string]string {
	return redact(fields, "", replacement, true, sensitiveKeys...)
}

// RedactFieldsForEnv keeps values intact in development and debug
// environments and redacts everywhere else.
func RedactFieldsForEnv(fields map[string]string, env, replacement string, sensitiveKeys ...string) map[string]string {
	return redact(fields, env, replacement, false, sensitiveKeys...)
}

// IsSensitiveKey reports whether a single key would be redacted.
func IsSensitiveKey(key string, sensitiveKeys ...string) bool {
	exact, tokens := buildSensitiveSets(sensitiveKeys)
	return isSensitiveField(key, exact, tokens)
}

func redact(fields map[string]string, env, replacement string, force bool, sensitiveKeys ...string) map[string]string {
	if fields == nil {
		return nil
	}

	e := strings.ToLower(strings.TrimSpace(env))
	if !force && (e == "development" || e == "debug") {
		out := make(map[string]string, len(fields))
		maps.Copy(out, fields)
		return out
	}

	if replacement == "" {
		replacement = DefaultReplacement
	}

	exact, tokens := buildSensitiveSets(sensitiveKeys)
	out := make(map[string]string, len(fields))
	for field, v := range fields {
		if isSensitiveField(field, exact, tokens) {
			out[field] = replacement
			continue
		}
		out[field] = v
	}
	return out
}

func buildSensitiveSets(keys []string) (map[string]struct{}, map[string]struct{}) {
	exact := map[string]struct{}{}
	tokens := map[string]struct{}{}
	for _, k := range keys {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		exact[k] = struct{}{}
		for _, tok := range tokenizeKey(k) {
			tokens[tok] = struct{}{}
		}
	}
	return exact, tokens
}

func isSensitiveField(field string, exact, tokens map[string]struct{}) bool {
	norm := strings.ToLower(strings.TrimSpace(field))
	if norm == "" {
		return false
	}
	if _, ok := exact[norm]; ok {
		return true
	}
	if _, ok := defaultSensitiveTokens[norm]; ok {
		return true
	}

	for _, tok := range tokenizeKey(strings.TrimSpace(field)) {
		if _, ok := defaultSensitiveTokens[tok]; ok {
			return true
		}
		if _, ok := tokens[tok]; ok {
			return true
		}
	}
	return false
}

func tokenizeKey(s string) []string {
	if s == "" {
		return nil
	}

	var b strings.Builder
	b.Grow(len(s))

	var prevLowerOrDigit bool
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if unicode.IsUpper(r) && prevLowerOrDigit {
				b.WriteByte(' ')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLowerOrDigit = unicode.IsLower(r) || unicode.IsDigit(r)
		default:
			b.WriteByte(' ')
			prevLowerOrDigit = false
		}
	}

	return strings.Fields(b.String())
}
