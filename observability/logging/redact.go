package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Credential-bearing keys are always masked; everything else passes through.
var sensitiveKeys = map[string]struct{}{
	"token":         {},
	"authorization": {},
	"api_key":       {},
	"secret":        {},
	"signature":     {},
}

// IsSensitive reports whether the provided key must be masked before logging.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := sensitiveKeys[normalized]
	return ok
}

// MaskField returns a slog.Attr with the value redacted when the key carries
// credentials. The original key casing is preserved for readability.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
