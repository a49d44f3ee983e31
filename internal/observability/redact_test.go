package observability

import (
	"strings"
	"testing"
)

func TestRedactor_Patterns(t *testing.T) {
	r := NewRedactor()

	tests := []struct {
		name     string
		input    string
		contains string
	}{
		{"bearer", "Bearer eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.eyJzdWIiOiIxMjM0NTY3ODkwIn0", "Bearer [REDACTED]"},
		{"api key", "key sk-1234567890abcdefghijklmnop", "[REDACTED_API_KEY]"},
		{"email", "contact test@example.com", "[REDACTED_EMAIL]"},
		{"phone", "+1-555-123-4567", "[REDACTED_PHONE]"},
		{"ssn", "ssn 123-45-6789", "[REDACTED_SSN]"},
		{"mrn", "patient mrn#A1234567 admitted", "[REDACTED_MRN]"},
		{"dob", "DOB: 1984-02-29", "[REDACTED_DOB]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := r.Redact(tt.input)
			if !strings.Contains(result, tt.contains) {
				t.Errorf("expected result to contain %q, got %q", tt.contains, result)
			}
		})
	}
}

func TestRedactor_NoFalsePositive(t *testing.T) {
	r := NewRedactor()

	input := "task explain_triage completed in 120ms"
	if got := r.Redact(input); got != input {
		t.Errorf("expected unchanged input, got %q", got)
	}
}

func TestRedactor_SensitiveKey(t *testing.T) {
	r := NewRedactor()

	for _, k := range []string{"patient_name", "DOB", "csrf_token", "home_address"} {
		if !r.SensitiveKey(k) {
			t.Errorf("expected %q to be sensitive", k)
		}
	}
	for _, k := range []string{"task", "max_tokens", "latency_ms"} {
		if r.SensitiveKey(k) {
			t.Errorf("expected %q to be loggable", k)
		}
	}
}

func TestRedactor_RedactMap(t *testing.T) {
	r := NewRedactor()

	input := map[string]any{
		"patient_name": "Jane Roe",
		"notes":        "reach me at jane@example.com",
		"vitals": map[string]any{
			"phone": "555-123-4567",
			"hr":    110,
		},
		"history": []any{"MRN 99887766"},
	}

	result := r.RedactMap(input)

	if result["patient_name"] != "[REDACTED]" {
		t.Errorf("expected patient_name redacted, got %v", result["patient_name"])
	}
	if !strings.Contains(result["notes"].(string), "[REDACTED_EMAIL]") {
		t.Errorf("expected email redacted in notes, got %v", result["notes"])
	}
	vitals := result["vitals"].(map[string]any)
	if vitals["phone"] != "[REDACTED]" || vitals["hr"] != 110 {
		t.Errorf("unexpected nested result %v", vitals)
	}
	history := result["history"].([]any)
	if !strings.Contains(history[0].(string), "[REDACTED_MRN]") {
		t.Errorf("expected MRN redacted in list, got %v", history[0])
	}
}
