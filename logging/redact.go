package logging

import (
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces sensitive values in log output.
const RedactedPlaceholder = "[REDACTED]"

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`hf_[a-zA-Z0-9]{20,}`),                // Hugging Face access tokens
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`),   // Authorization headers
	regexp.MustCompile(`(?i)token\s*[:=]\s*[^\s,;&]{8,}`),    // token= in URLs and dumps
	regexp.MustCompile(`(?i)(ghp|gho)_[a-zA-Z0-9]{36}`),      // GitHub tokens in registry mirrors
	regexp.MustCompile(`(?i)password\s*[:=]\s*[^\s,;&]{8,}`), // proxy credentials
}

// sensitiveKeyMarkers are substrings of field names whose values are always hidden.
// Bare "TOKEN" is matched exactly so "tokenizer" fields stay readable.
var sensitiveKeyMarkers = []string{
	"HF_TOKEN",
	"ACCESS_TOKEN",
	"AUTH_TOKEN",
	"AUTHORIZATION",
	"PASSWORD",
	"SECRET",
	"API_KEY",
}

// RedactSensitiveData replaces every detected credential in value.
func RedactSensitiveData(value string) string {
	if value == "" {
		return value
	}
	for _, pattern := range sensitivePatterns {
		value = pattern.ReplaceAllString(value, RedactedPlaceholder)
	}
	return value
}

// IsSensitiveField reports whether a field name indicates a credential.
func IsSensitiveField(fieldName string) bool {
	upper := strings.ToUpper(fieldName)
	if upper == "TOKEN" {
		return true
	}
	for _, marker := range sensitiveKeyMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}
