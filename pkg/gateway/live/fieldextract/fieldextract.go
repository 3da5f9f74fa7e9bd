// Package fieldextract recovers intake field assignments that the model
// embeds in generated code as save_patient_field(...) calls.
package fieldextract

import (
	"encoding/json"
	"errors"
	"regexp"
	"unicode/utf8"
)

// FunctionName is the field-save capability both upstream encodings refer to.
const FunctionName = "save_patient_field"

// MaxCodeBytes bounds a single executable-code block.
const MaxCodeBytes = 1 << 20

const (
	CorrectiveHint = `ERROR: Could not find valid save_patient_field calls in the executable code. Please ensure you use the correct format: save_patient_field(field_name="field_name", value="value")`
	FailureMessage = "ERROR: Failed to process executable code. Please check the format and try again."
)

var ErrMalformedCode = errors.New("malformed executable code")

var callPattern = regexp.MustCompile(`save_patient_field\s*\(\s*field_name\s*=\s*['"]([^'"]+)['"]\s*,\s*value\s*=\s*['"]([^'"]+)['"]\s*\)`)

// Fields lists the intake fields in the order the model is told about them.
var Fields = []string{
	"full_name",
	"dob",
	"gender",
	"contact_number",
	"email",
	"address",
	"preferred_language",
	"emergency_contact_name",
	"emergency_contact_phone",
	"relationship_to_patient",
	"caller_type",
	"reason_for_visit",
	"visit_type",
	"primary_physician",
	"referral_source",
	"symptoms",
	"symptom_duration",
	"pain_level",
	"current_medications",
	"allergies",
	"medical_history",
	"family_history",
	"interpreter_need",
	"interpreter_language",
	"accessibility_needs",
	"dietary_needs",
	"consent_share_records",
	"preferred_communication_method",
	"appointment_availability",
	"confirmation",
}

type Assignment struct {
	FieldName string `json:"field_name"`
	Value     string `json:"value"`
}

// ArgumentsJSON renders the assignment the way a structured function call
// carries its arguments.
func (a Assignment) ArgumentsJSON() string {
	b, err := json.Marshal(a)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Extract returns every save_patient_field call in code, in source order.
// Values are returned verbatim. A nil slice with a nil error means nothing matched.
func Extract(code string) ([]Assignment, error) {
	if len(code) > MaxCodeBytes || !utf8.ValidString(code) {
		return nil, ErrMalformedCode
	}
	matches := callPattern.FindAllStringSubmatch(code, -1)
	if len(matches) == 0 {
		return nil, nil
	}
	out := make([]Assignment, 0, len(matches))
	for _, m := range matches {
		out = append(out, Assignment{FieldName: m[1], Value: m[2]})
	}
	return out, nil
}
