// Package appointment holds the intake appointment record and the rules that
// turn a submitted form body into one.
package appointment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/mail"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const DateLayout = "2006-01-02"

type Appointment struct {
	ID int64 `json:"id"`

	// Patient identification.
	FullName              string  `json:"full_name"`
	DOB                   string  `json:"dob"`
	Gender                string  `json:"gender"`
	ContactNumber         string  `json:"contact_number"`
	Email                 *string `json:"email"`
	Address               string  `json:"address"`
	PreferredLanguage     *string `json:"preferred_language"`
	EmergencyContactName  *string `json:"emergency_contact_name"`
	EmergencyContactPhone *string `json:"emergency_contact_phone"`
	RelationshipToPatient *string `json:"relationship_to_patient"`

	// Visit and care context.
	CallerType       string  `json:"caller_type"`
	ReasonForVisit   string  `json:"reason_for_visit"`
	VisitType        string  `json:"visit_type"`
	PrimaryPhysician *string `json:"primary_physician"`
	ReferralSource   string  `json:"referral_source"`

	// Medical information.
	Symptoms           string  `json:"symptoms"`
	SymptomDuration    *string `json:"symptom_duration"`
	PainLevel          *int    `json:"pain_level"`
	CurrentMedications *string `json:"current_medications"`
	Allergies          *string `json:"allergies"`
	MedicalHistory     *string `json:"medical_history"`
	FamilyHistory      *string `json:"family_history"`

	// Accessibility and support.
	InterpreterNeed     *bool   `json:"interpreter_need"`
	InterpreterLanguage *string `json:"interpreter_language"`
	AccessibilityNeeds  *string `json:"accessibility_needs"`
	DietaryNeeds        *string `json:"dietary_needs"`

	// Consent and preferences.
	ConsentShareRecords          *bool   `json:"consent_share_records"`
	PreferredCommunicationMethod *string `json:"preferred_communication_method"`
	AppointmentAvailability      *string `json:"appointment_availability"`

	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Attachments []Attachment `json:"attachments"`
}

type Attachment struct {
	ID            int64     `json:"id"`
	AppointmentID int64     `json:"appointment"`
	ObjectKey     string    `json:"-"`
	OriginalName  string    `json:"original_name"`
	ContentType   string    `json:"content_type"`
	SizeBytes     int64     `json:"size_bytes"`
	UploadedAt    time.Time `json:"uploaded_at"`
	URL           string    `json:"url"`
}

// ValidationError maps a field name to the first problem found with it.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "validation failed"
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; exists {
		return
	}
	e.Fields[field] = msg
}

type kind int

const (
	kindString kind = iota
	kindText
	kindEmail
	kindDate
	kindInt
	kindBool
)

type fieldRule struct {
	name     string
	kind     kind
	required bool
	maxLen   int
	choices  []string
	min, max int
}

var (
	GenderChoices         = []string{"Male", "Female", "Other", "Prefer not to say"}
	VisitTypeChoices      = []string{"First time", "Returning"}
	ReferralSourceChoices = []string{"Self", "Physician Referral", "Insurance", "Other"}
	CommunicationChoices  = []string{"Phone", "Email", "Patient Portal"}
	AvailabilityChoices   = []string{"Morning", "Afternoon", "Evening"}
)

var rules = []fieldRule{
	{name: "full_name", kind: kindString, required: true, maxLen: 255},
	{name: "dob", kind: kindDate, required: true},
	{name: "gender", kind: kindString, required: true, maxLen: 20, choices: GenderChoices},
	{name: "contact_number", kind: kindString, required: true, maxLen: 20},
	{name: "email", kind: kindEmail, maxLen: 254},
	{name: "address", kind: kindText, required: true},
	{name: "preferred_language", kind: kindString, maxLen: 100},
	{name: "emergency_contact_name", kind: kindString, maxLen: 255},
	{name: "emergency_contact_phone", kind: kindString, maxLen: 20},
	{name: "relationship_to_patient", kind: kindString, maxLen: 50},
	{name: "caller_type", kind: kindString, required: true, maxLen: 20},
	{name: "reason_for_visit", kind: kindText, required: true},
	{name: "visit_type", kind: kindString, required: true, maxLen: 20, choices: VisitTypeChoices},
	{name: "primary_physician", kind: kindString, maxLen: 255},
	{name: "referral_source", kind: kindString, required: true, maxLen: 50, choices: ReferralSourceChoices},
	{name: "symptoms", kind: kindText, required: true},
	{name: "symptom_duration", kind: kindString, maxLen: 100},
	{name: "pain_level", kind: kindInt, min: 0, max: 10},
	{name: "current_medications", kind: kindText},
	{name: "allergies", kind: kindText},
	{name: "medical_history", kind: kindText},
	{name: "family_history", kind: kindText},
	{name: "interpreter_need", kind: kindBool},
	{name: "interpreter_language", kind: kindString, maxLen: 100},
	{name: "accessibility_needs", kind: kindText},
	{name: "dietary_needs", kind: kindText},
	{name: "consent_share_records", kind: kindBool},
	{name: "preferred_communication_method", kind: kindString, maxLen: 20, choices: CommunicationChoices},
	{name: "appointment_availability", kind: kindString, maxLen: 20, choices: AvailabilityChoices},
}

// notNeeded are the placeholder answers the voice flow uses for skipped
// optional questions.
var notNeeded = map[string]struct{}{
	"not-needed": {},
	"Not needed": {},
	"Not Needed": {},
}

// Normalize rewrites placeholder answers to null and blanks out a
// whitespace-only emergency contact phone. It mutates and returns in.
func Normalize(in map[string]any) map[string]any {
	for k, v := range in {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if _, skip := notNeeded[s]; skip {
			in[k] = nil
		}
	}
	if s, ok := in["emergency_contact_phone"].(string); ok && s != "" && strings.TrimSpace(s) == "" {
		in["emergency_contact_phone"] = nil
	}
	return in
}

// Decode parses a JSON form body into an Appointment. Validation problems
// come back as *ValidationError.
func Decode(data []byte) (*Appointment, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil || raw == nil {
		return nil, &ValidationError{Fields: map[string]string{"non_field_errors": "Invalid data. Expected a dictionary."}}
	}
	return FromMap(raw)
}

// FromMap validates and converts loosely typed form values. Unknown keys and
// read-only keys (id, timestamps, attachments) are ignored.
func FromMap(raw map[string]any) (*Appointment, error) {
	Normalize(raw)

	verr := &ValidationError{}
	clean := make(map[string]any, len(rules))
	for _, rule := range rules {
		v, present := raw[rule.name]
		out, msg := rule.clean(v, present)
		if msg != "" {
			verr.add(rule.name, msg)
			continue
		}
		clean[rule.name] = out
	}
	if len(verr.Fields) > 0 {
		return nil, verr
	}

	encoded, err := json.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("encode appointment: %w", err)
	}
	var a Appointment
	if err := json.Unmarshal(encoded, &a); err != nil {
		return nil, fmt.Errorf("decode appointment: %w", err)
	}
	a.Attachments = []Attachment{}
	return &a, nil
}

func (r fieldRule) clean(v any, present bool) (any, string) {
	if !present {
		if r.required {
			return nil, "This field is required."
		}
		return nil, ""
	}
	if v == nil {
		if r.required {
			return nil, "This field may not be null."
		}
		return nil, ""
	}

	switch r.kind {
	case kindInt:
		return cleanInt(v, r.min, r.max)
	case kindBool:
		return cleanBool(v)
	}

	s, ok := asString(v)
	if !ok {
		return nil, "Not a valid string."
	}

	switch r.kind {
	case kindDate:
		s = strings.TrimSpace(s)
		if s == "" && !r.required {
			return nil, ""
		}
		if _, err := time.Parse(DateLayout, s); err != nil {
			return nil, "Date has wrong format. Use one of these formats instead: YYYY-MM-DD."
		}
		return s, ""
	}

	if strings.TrimSpace(s) == "" {
		if r.required {
			return nil, "This field may not be blank."
		}
		return s, ""
	}
	if r.maxLen > 0 && utf8.RuneCountInString(s) > r.maxLen {
		return nil, fmt.Sprintf("Ensure this field has no more than %d characters.", r.maxLen)
	}
	if len(r.choices) > 0 && !contains(r.choices, s) {
		return nil, fmt.Sprintf("%q is not a valid choice.", s)
	}
	if r.kind == kindEmail && !validEmail(s) {
		return nil, "Enter a valid email address."
	}
	return s, ""
}

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

func cleanInt(v any, lo, hi int) (any, string) {
	var n float64
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, "A valid integer is required."
		}
		n = f
	case float64:
		n = t
	case int:
		n = float64(t)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, ""
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, "A valid integer is required."
		}
		n = f
	default:
		return nil, "A valid integer is required."
	}
	if n != math.Trunc(n) {
		return nil, "A valid integer is required."
	}
	if n < float64(lo) {
		return nil, fmt.Sprintf("Ensure this value is greater than or equal to %d.", lo)
	}
	if n > float64(hi) {
		return nil, fmt.Sprintf("Ensure this value is less than or equal to %d.", hi)
	}
	return int(n), ""
}

func cleanBool(v any) (any, string) {
	switch t := v.(type) {
	case bool:
		return t, ""
	case json.Number:
		switch t.String() {
		case "1":
			return true, ""
		case "0":
			return false, ""
		}
	case float64:
		switch t {
		case 1:
			return true, ""
		case 0:
			return false, ""
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "":
			return nil, ""
		case "true", "t", "yes", "y", "on", "1":
			return true, ""
		case "false", "f", "no", "n", "off", "0":
			return false, ""
		}
	}
	return nil, "Must be a valid boolean."
}

func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	at := strings.LastIndex(s, "@")
	return at > 0 && strings.Contains(s[at+1:], ".")
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
