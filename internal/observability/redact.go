package observability

import (
	"regexp"
	"strings"
)

// Redactor masks protected health information and credentials in log output.
type Redactor struct {
	patterns      []*redactPattern
	sensitiveKeys []string
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
	name        string
}

// NewRedactor creates a new redactor with default patterns.
func NewRedactor() *Redactor {
	r := &Redactor{
		sensitiveKeys: []string{
			"access_token", "csrf_token", "session_token", "secret", "password", "api_key", "apikey", "authorization",
			"patient_name", "full_name", "dob", "date_of_birth", "mrn", "ssn", "national_id",
			"phone", "email", "address",
		},
	}
	r.addDefaultPatterns()
	return r
}

func (r *Redactor) addDefaultPatterns() {
	// Credentials
	r.AddPattern(`Bearer\s+[a-zA-Z0-9\-_\.]+`, "Bearer [REDACTED]", "bearer_token")
	r.AddPattern(`sk-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_API_KEY]", "api_key")

	// Medical record numbers, e.g. "MRN: 00123456" or "mrn#A1234567"
	r.AddPattern(`(?i)\bmrn[\s:#=]*[A-Z0-9]{6,}\b`, "[REDACTED_MRN]", "mrn")

	r.AddPattern(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`, "[REDACTED_EMAIL]", "email")

	// SSN before phone so the phone pattern does not partially consume it
	r.AddPattern(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`, "[REDACTED_SSN]", "ssn")
	r.AddPattern(`\+?[0-9]{1,3}[-.\s]?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}`, "[REDACTED_PHONE]", "phone")

	// Dates of birth written as YYYY-MM-DD next to a dob marker
	r.AddPattern(`(?i)\b(dob|date of birth)[\s:=]*[0-9]{4}-[0-9]{2}-[0-9]{2}`, "[REDACTED_DOB]", "dob")
}

// AddPattern adds a custom redaction pattern.
func (r *Redactor) AddPattern(pattern, replacement, name string) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return // Skip invalid patterns
	}
	r.patterns = append(r.patterns, &redactPattern{
		regex:       regex,
		replacement: replacement,
		name:        name,
	})
}

// Redact applies all redaction patterns to the input string.
func (r *Redactor) Redact(input string) string {
	result := input
	for _, p := range r.patterns {
		result = p.regex.ReplaceAllString(result, p.replacement)
	}
	return result
}

// SensitiveKey reports whether a field name implies its value must never be logged.
func (r *Redactor) SensitiveKey(key string) bool {
	lowerKey := strings.ToLower(key)
	for _, sk := range r.sensitiveKeys {
		if strings.Contains(lowerKey, sk) {
			return true
		}
	}
	return false
}

// RedactMap redacts sensitive values in a map.
func (r *Redactor) RedactMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = r.redactValue(k, v)
	}
	return result
}

func (r *Redactor) redactValue(key string, value any) any {
	if key != "" && r.SensitiveKey(key) {
		return "[REDACTED]"
	}

	switch v := value.(type) {
	case string:
		return r.Redact(v)
	case map[string]any:
		return r.RedactMap(v)
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = r.redactValue("", item)
		}
		return result
	default:
		return value
	}
}
