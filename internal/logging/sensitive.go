// Package logging configures structured logging and masks sensitive values
// (credentials, notification URLs, tokens) before they reach the log stream.
package logging

import (
	"net/url"
	"regexp"
	"strings"
)

// SensitiveFields contains log keys whose values are always redacted.
var SensitiveFields = map[string]bool{
	"password":          true,
	"secret":            true,
	"token":             true,
	"admin_token":       true,
	"api_key":           true,
	"authorization":     true,
	"bearer":            true,
	"cookie":            true,
	"access_key_id":     true,
	"secret_access_key": true,
	"session_token":     true,
	"sasl_password":     true,
	"webhook_url":       true,
	"contact":           true,
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// IsSensitiveField reports whether a log key names a sensitive value.
// Keys match exactly or by containing a sensitive name.
func IsSensitiveField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	if SensitiveFields[lower] {
		return true
	}
	for sensitive := range SensitiveFields {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

// MaskString masks the middle of s, showing only the first and last characters.
func MaskString(s string, showFirst, showLast int) string {
	if s == "" {
		return s
	}
	if len(s) <= showFirst+showLast+3 {
		return MaskedValue
	}
	return s[:showFirst] + "***" + s[len(s)-showLast:]
}

// MaskURL keeps the scheme and host of a notification URL and drops
// credentials, path and query, which commonly carry tokens
// (slack://token@channel, https://hooks.example.com/services/T000/B000/XXX).
func MaskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return MaskedValue
	}
	host := u.Host
	if host == "" {
		host = "***"
	}
	masked := u.Scheme + "://" + host
	if u.User != nil || u.Path != "" || u.RawQuery != "" {
		masked += "/***"
	}
	return masked
}

// SensitivePatterns match secrets embedded in free text.
var SensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|auth)['":\s]*[=:]\s*['"]?([a-zA-Z0-9_\-\.]+)['"]?`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`),
	regexp.MustCompile(`(?i)basic\s+[a-zA-Z0-9+/=]+`),
	regexp.MustCompile(`(AKIA|ASIA)[A-Z0-9]{16}`),
}

// MaskSensitivePatterns masks sensitive patterns in a raw string.
func MaskSensitivePatterns(s string) string {
	for _, pattern := range SensitivePatterns {
		s = pattern.ReplaceAllString(s, MaskedValue)
	}
	return s
}

// SafeLogValue returns a safe-to-log version of a value based on its key.
func SafeLogValue(fieldName string, value any) any {
	if value == nil || !IsSensitiveField(fieldName) {
		return value
	}
	if s, ok := value.(string); ok && s == "" {
		return s
	}
	return MaskedValue
}
