package errs

import (
	"strings"
	"time"
)

// redactedKeySubstrings is the case-insensitive substring list spec §7
// requires every outbound error context map to be filtered against.
var redactedKeySubstrings = []string{
	"password", "passwd", "pwd", "token", "auth", "authorization",
	"bearer", "secret", "key", "api_key", "apikey", "credential", "cred",
	"login", "session", "cookie", "jwt", "private", "signature", "hash",
	"cert", "certificate", "pem",
}

const redactedPlaceholder = "[REDACTED]"

// isSensitiveKey reports whether key matches any redacted substring,
// case-insensitively.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sub := range redactedKeySubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// Sanitize returns a copy of ctx with every value whose key matches a
// redacted substring replaced by the placeholder. Keys are preserved.
// Nested maps are sanitized recursively; slices of maps are sanitized
// element-wise.
func Sanitize(ctx map[string]any) map[string]any {
	if ctx == nil {
		return nil
	}
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		if isSensitiveKey(k) {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Sanitize(val)
	case []any:
		res := make([]any, len(val))
		for i, item := range val {
			res[i] = sanitizeValue(item)
		}
		return res
	default:
		return v
	}
}

// Envelope is the user-visible failure format spec §7 defines.
type Envelope struct {
	Success   bool           `json:"success"`
	Error     EnvelopeError  `json:"error"`
	Timestamp string         `json:"timestamp"`
}

// EnvelopeError is the nested "error" object of Envelope.
type EnvelopeError struct {
	Code         string         `json:"code"`
	Message      string         `json:"message"`
	Context      map[string]any `json:"context,omitempty"`
	Suggestions  []string       `json:"suggestions,omitempty"`
	RetryAfterMS *uint32        `json:"retry_after_ms,omitempty"`
}

// ToEnvelope converts an *Error into the sanitized, wire-ready Envelope.
// now is injected so callers (and tests) control the timestamp rather than
// this package reaching for time.Now implicitly in hot paths.
func ToEnvelope(e *Error, now time.Time) Envelope {
	return Envelope{
		Success: false,
		Error: EnvelopeError{
			Code:         string(e.Code),
			Message:      sanitizeMessage(e.Message),
			Context:      Sanitize(e.Context),
			Suggestions:  e.Suggestions,
			RetryAfterMS: e.RetryAfterMS,
		},
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

// sanitizeMessage strips any "key=value"-shaped substrings whose key
// matches a redacted substring from a free-form message string, so a
// handler that interpolated a secret into its error text does not leak it.
func sanitizeMessage(msg string) string {
	fields := strings.Fields(msg)
	for i, f := range fields {
		eq := strings.IndexByte(f, '=')
		if eq <= 0 {
			continue
		}
		key := f[:eq]
		if isSensitiveKey(key) {
			fields[i] = key + "=" + redactedPlaceholder
		}
	}
	return strings.Join(fields, " ")
}
