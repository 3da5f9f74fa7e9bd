// Package checklist tracks which intake form sections a voice session has
// completed.
package checklist

import (
	"encoding/json"
	"strings"
)

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

type Section struct {
	References  []string `json:"references"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
}

// State is what a checklist session persists between requests.
type State struct {
	Checklist []Section      `json:"checklist"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Initial returns a fresh checklist with every section pending.
func Initial() []Section {
	return []Section{
		{
			References:  []string{"full_name", "dob", "gender", "contact_number", "email", "address", "preferred_language", "emergency_contact_name", "emergency_contact_phone", "relationship_to_patient"},
			Title:       "Patient Information",
			Description: "Basic patient information",
			Status:      StatusPending,
		},
		{
			References:  []string{"caller_type", "reason_for_visit", "visit_type", "primary_physician", "referral_source"},
			Title:       "Visit & Care Context",
			Description: "Visit details",
			Status:      StatusPending,
		},
		{
			References:  []string{"symptoms", "symptom_duration", "pain_level", "current_medications", "allergies", "medical_history", "family_history"},
			Title:       "Medical Information",
			Description: "Medical history",
			Status:      StatusPending,
		},
		{
			References:  []string{"interpreter_need", "interpreter_language", "accessibility_needs", "dietary_needs"},
			Title:       "Accessibility & Support",
			Description: "Support needs",
			Status:      StatusPending,
		},
		{
			References:  []string{"consent_share_records", "preferred_communication_method", "appointment_availability", "confirmation"},
			Title:       "Consent & Preferences",
			Description: "Consent & preferences",
			Status:      StatusPending,
		},
	}
}

func InitialState() State {
	return State{Checklist: Initial()}
}

var falsyStrings = map[string]struct{}{
	"false":     {},
	"0":         {},
	"null":      {},
	"none":      {},
	"undefined": {},
	"":          {},
}

// IsFalsy reports whether a collected value leaves its field unanswered.
func IsFalsy(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case bool:
		return !t
	case string:
		_, ok := falsyStrings[strings.ToLower(t)]
		return ok
	case json.Number:
		f, err := t.Float64()
		return err == nil && f == 0
	case float64:
		return t == 0
	case float32:
		return t == 0
	case int:
		return t == 0
	case int64:
		return t == 0
	case int32:
		return t == 0
	default:
		return false
	}
}

// Evaluate returns a new checklist where a section is completed once none of
// its referenced fields is falsy.
func Evaluate(fields map[string]any) []Section {
	sections := Initial()
	for i := range sections {
		complete := true
		for _, ref := range sections[i].References {
			if IsFalsy(fields[ref]) {
				complete = false
				break
			}
		}
		if complete {
			sections[i].Status = StatusCompleted
		}
	}
	return sections
}

// Merge folds update into the stored fields and re-evaluates the checklist.
func (s State) Merge(update map[string]any) State {
	fields := make(map[string]any, len(s.Fields)+len(update))
	for k, v := range s.Fields {
		fields[k] = v
	}
	for k, v := range update {
		fields[k] = v
	}
	return State{Checklist: Evaluate(fields), Fields: fields}
}
