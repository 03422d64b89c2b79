package hipaa

import (
	"strings"
)

// RedactedMarker replaces the value of every sensitive field.
const RedactedMarker = "[REDACTED]"

// SensitiveFieldPatterns are matched case-insensitively as substrings of a
// key, after separators are stripped, so "credit_card_number" and
// "CreditCard" both hit "creditcard".
var SensitiveFieldPatterns = []string{
	"password",
	"passwd",
	"token",
	"secret",
	"ssn",
	"socialsecurity",
	"creditcard",
	"cardnumber",
	"cvv",
	"bankaccount",
	"routingnumber",
	"apikey",
	"privatekey",
	"authorization",
}

// IsSensitiveField reports whether key names a sensitive field.
func IsSensitiveField(key string) bool {
	k := normalizeKey(key)
	for _, p := range SensitiveFieldPatterns {
		if strings.Contains(k, p) {
			return true
		}
	}
	return false
}

func normalizeKey(key string) string {
	k := strings.ToLower(key)
	return strings.NewReplacer("_", "", "-", "", ".", "", " ", "").Replace(k)
}

// Sanitize returns a copy of values with every sensitive key redacted at any
// depth. The input is not modified.
func Sanitize(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		if IsSensitiveField(k) {
			out[k] = RedactedMarker
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return Sanitize(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = sanitizeValue(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = Sanitize(item)
		}
		return out
	default:
		return v
	}
}
