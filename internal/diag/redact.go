package diag

import (
	"regexp"
	"strings"
)

// Redacted replaces sensitive values in observability payloads.
const Redacted = "***REDACTED***"

var sensitiveKeywords = []string{
	"token",
	"secret",
	"password",
	"api_key",
	"apikey",
	"authorization",
	"cookie",
	"sessionid",
	"private_key",
}

var (
	emailRe  = regexp.MustCompile(`\b([A-Za-z0-9._%+-]+)@([A-Za-z0-9.-]+\.[A-Za-z]{2,})\b`)
	bearerRe = regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._\-]+\b`)

	secretValueRes = []*regexp.Regexp{
		regexp.MustCompile(`\bsk-[A-Za-z0-9]{8,}\b`),
		regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`),
		regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`),
	}
)

// RedactPayload returns a deep copy of the payload with sensitive keys and
// values masked. Keys are matched case-insensitively with "-" folded to "_";
// string values are scanned for emails, bearer tokens, and known secret
// shapes.
func RedactPayload(payload map[string]any) map[string]any {
	redacted, _ := redactValue(payload, "").(map[string]any)
	return redacted
}

// RedactText masks secret-shaped substrings inside free-form text.
func RedactText(text string) string {
	out := emailRe.ReplaceAllStringFunc(text, maskEmail)
	out = bearerRe.ReplaceAllString(out, "Bearer "+Redacted)
	for _, re := range secretValueRes {
		out = re.ReplaceAllString(out, Redacted)
	}
	return out
}

func isSensitiveKey(key string) bool {
	if key == "" {
		return false
	}
	normalized := strings.ReplaceAll(strings.ToLower(key), "-", "_")
	for _, kw := range sensitiveKeywords {
		if strings.Contains(normalized, kw) {
			return true
		}
	}
	return false
}

func maskEmail(match string) string {
	sub := emailRe.FindStringSubmatch(match)
	if len(sub) != 3 {
		return match
	}
	local, domain := sub[1], sub[2]
	head, suffix, hasSuffix := strings.Cut(domain, ".")

	localMasked := "***"
	if local != "" {
		localMasked = local[:1] + "***"
	}
	headMasked := "***"
	if head != "" {
		headMasked = head[:1] + "***"
	}
	if hasSuffix {
		return localMasked + "@" + headMasked + "." + suffix
	}
	return localMasked + "@" + headMasked
}

func redactValue(value any, key string) any {
	if isSensitiveKey(key) {
		return Redacted
	}
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = redactValue(item, k)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redactValue(item, key)
		}
		return out
	case string:
		return RedactText(v)
	default:
		return value
	}
}
