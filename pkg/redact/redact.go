package redact

import (
	"regexp"

	"tenure/pkg/models"
)

// Sentinels substituted for matched values. They do not themselves match
// the patterns, which is what makes redaction idempotent.
const (
	EmailSentinel = "[EMAIL]"
	PhoneSentinel = "[PHONE]"
)

var (
	emailRe = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	phoneRe = regexp.MustCompile(`\b\d{3}[-. ]?\d{3}[-. ]?\d{4}\b`)
)

// Output masks email and phone values for non-privileged roles, recursing
// into nested maps and slices. The input is never mutated; admins get the
// original back untouched. Unknown value types pass through unchanged and
// redaction never fails.
func Output(role models.Role, output map[string]any) map[string]any {
	if role == models.RoleAdmin || output == nil {
		return output
	}
	masked, _ := value(output).(map[string]any)
	return masked
}

func value(v any) any {
	switch val := v.(type) {
	case string:
		return maskString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = value(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = value(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = maskString(item)
		}
		return out
	default:
		return v
	}
}

func maskString(s string) string {
	s = emailRe.ReplaceAllString(s, EmailSentinel)
	return phoneRe.ReplaceAllString(s, PhoneSentinel)
}
