package config

import (
	"regexp"
	"strings"
)

// RedactedValue replaces secrets in logs, dumps, and error notes.
const RedactedValue = "[redacted]"

var explicitSensitiveKeys = map[string]struct{}{
	"tms_token":           {},
	"webhook_hmac_secret": {},
	"pfx_password":        {},
	"tsa_pass":            {},
	"api_token":           {},
	"webhook_secret":      {},
	"key_password":        {},
	"bearer_token":        {},
}

var sensitiveKeyFragments = []string{
	"password", "token", "secret", "authorization", "api_key", "apikey",
}

var (
	authzSchemeRe = regexp.MustCompile(`(?i)\b(authorization)\s*[:=]\s*(bearer|token|basic)\s+([^\s,;]+)`)
	tokenTokenRe  = regexp.MustCompile(`(?i)\bToken\s+token=([^\s,;]+)`)
	commonKVRe    = regexp.MustCompile(`(?i)\b(token|api[_-]?token|access[_-]?token|refresh[_-]?token|webhook[_-]?hmac[_-]?secret|secret|password|passwd|tsa[_-]?pass|pfx[_-]?password|key[_-]?password)\s*[:=]\s*([^\s,;]+)`)
	querySecretRe = regexp.MustCompile(`(?i)([?&](?:api[_-]?token|access[_-]?token|refresh[_-]?token|token|secret)=)([^&\s]+)`)
)

// ScrubSecrets is best-effort redaction for secrets embedded in free-form
// text such as upstream error messages. It targets common credential formats
// while keeping the rest of the text readable.
func ScrubSecrets(text string) string {
	if text == "" {
		return text
	}
	out := authzSchemeRe.ReplaceAllString(text, "$1: $2 "+RedactedValue)
	out = tokenTokenRe.ReplaceAllString(out, "Token token="+RedactedValue)
	out = commonKVRe.ReplaceAllString(out, "$1="+RedactedValue)
	out = querySecretRe.ReplaceAllString(out, "${1}"+RedactedValue)
	return out
}

// IsSensitiveKey reports whether a settings key should be fully redacted in
// config dumps regardless of its value.
func IsSensitiveKey(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if _, ok := explicitSensitiveKeys[normalized]; ok {
		return true
	}
	if strings.HasSuffix(normalized, "_pass") {
		return true
	}
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

// RedactMap returns a deep-redacted copy of a settings map. Values under
// sensitive keys are replaced entirely; string values elsewhere are scrubbed.
func RedactMap(data map[string]interface{}) map[string]interface{} {
	scrubbed := make(map[string]interface{}, len(data))
	for key, value := range data {
		if IsSensitiveKey(key) {
			scrubbed[key] = RedactedValue
			continue
		}
		scrubbed[key] = redactValue(value)
	}
	return scrubbed
}

func redactValue(value interface{}) interface{} {
	switch v := value.(type) {
	case Secret:
		return RedactedValue
	case string:
		return ScrubSecrets(v)
	case map[string]interface{}:
		return RedactMap(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = redactValue(item)
		}
		return out
	default:
		return value
	}
}
