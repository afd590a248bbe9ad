package dashboard

import (
	"time"

	json "github.com/goccy/go-json"
)

// Action names a dashboard operation. The value is used in routes and events.
type Action string

const (
	ActionPatient      Action = "patient"
	ActionObservations Action = "observations"
	ActionParseHL7     Action = "hl7"
	ActionSearch       Action = "search"
	ActionCallAPI      Action = "call-api"
	ActionFHIRToHL7    Action = "fhir-to-hl7"
)

// Actions lists every action in page order.
var Actions = []Action{
	ActionPatient,
	ActionObservations,
	ActionParseHL7,
	ActionSearch,
	ActionCallAPI,
	ActionFHIRToHL7,
}

// ParseAction resolves a route segment to an Action.
func ParseAction(s string) (Action, bool) {
	for _, a := range Actions {
		if string(a) == s {
			return a, true
		}
	}
	return "", false
}

// Label is the human-readable failure prefix for the action.
func (a Action) Label() string {
	switch a {
	case ActionPatient:
		return "Failed to fetch patient"
	case ActionObservations:
		return "Failed to fetch observations"
	case ActionParseHL7:
		return "Failed to parse HL7 message"
	case ActionSearch:
		return "Failed to search patients"
	case ActionCallAPI:
		return "Failed to call API"
	case ActionFHIRToHL7:
		return "Failed to convert FHIR resource"
	}
	return "Request failed"
}

// Panel names a display slot.
type Panel string

const (
	PanelPatient      Panel = "patient"
	PanelObservations Panel = "observations"
	PanelParsed       Panel = "parsed"
	PanelSearch       Panel = "search"
	PanelAPI          Panel = "api"
	PanelConverted    Panel = "converted"
)

// Panel returns the display slot the action writes to.
func (a Action) Panel() Panel {
	switch a {
	case ActionPatient:
		return PanelPatient
	case ActionObservations:
		return PanelObservations
	case ActionParseHL7:
		return PanelParsed
	case ActionSearch:
		return PanelSearch
	case ActionCallAPI:
		return PanelAPI
	case ActionFHIRToHL7:
		return PanelConverted
	}
	return ""
}

// PatientForm is shared by the patient and observations actions.
type PatientForm struct {
	PatientID string `json:"patient_id" form:"patient_id" validate:"required"`
}

type HL7Form struct {
	Message string `json:"message" form:"message" validate:"required"`
}

type SearchForm struct {
	Name       string `json:"name" form:"name" validate:"required"`
	Identifier string `json:"identifier,omitempty" form:"identifier"`
	BirthDate  string `json:"birthdate,omitempty" form:"birthdate"`
	Gender     string `json:"gender,omitempty" form:"gender" validate:"omitempty,oneof=male female other unknown"`
}

// APIForm is the proxy call form. Data and Headers are JSON text as typed by
// the user.
type APIForm struct {
	URL     string `json:"url" form:"url" validate:"required"`
	Method  string `json:"method" form:"method" validate:"omitempty,oneof=GET POST PUT DELETE"`
	Data    string `json:"data,omitempty" form:"data"`
	Headers string `json:"headers,omitempty" form:"headers"`
}

type FHIRForm struct {
	Resource string `json:"resource" form:"resource" validate:"required"`
}

// Forms echoes the last submitted value of every form back to the page.
type Forms struct {
	Patient PatientForm `json:"patient"`
	HL7     HL7Form     `json:"hl7"`
	Search  SearchForm  `json:"search"`
	API     APIForm     `json:"api"`
	FHIR    FHIRForm    `json:"fhir"`
}

// State is the display state of one dashboard session. Result slots hold the
// backend's response bodies verbatim.
type State struct {
	Patient       json.RawMessage   `json:"patient"`
	Observations  json.RawMessage   `json:"observations"`
	ParsedMessage json.RawMessage   `json:"parsed_message"`
	SearchResults json.RawMessage   `json:"search_results"`
	APIResponse   json.RawMessage   `json:"api_response"`
	ConvertedHL7  json.RawMessage   `json:"converted_hl7"`
	Error         string            `json:"error,omitempty"`
	Validation    map[string]string `json:"validation,omitempty"`
	Loading       bool              `json:"loading"`
	Active        Action            `json:"active,omitempty"`
	Forms         Forms             `json:"forms"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Result returns the value held in panel p.
func (s *State) Result(p Panel) json.RawMessage {
	switch p {
	case PanelPatient:
		return s.Patient
	case PanelObservations:
		return s.Observations
	case PanelParsed:
		return s.ParsedMessage
	case PanelSearch:
		return s.SearchResults
	case PanelAPI:
		return s.APIResponse
	case PanelConverted:
		return s.ConvertedHL7
	}
	return nil
}

func (s *State) setResult(p Panel, v json.RawMessage) {
	switch p {
	case PanelPatient:
		s.Patient = v
	case PanelObservations:
		s.Observations = v
	case PanelParsed:
		s.ParsedMessage = v
	case PanelSearch:
		s.SearchResults = v
	case PanelAPI:
		s.APIResponse = v
	case PanelConverted:
		s.ConvertedHL7 = v
	}
}

// clone returns a copy that shares no mutable maps with s. Result slices are
// replaced wholesale, never written in place, so they are shared.
func (s *State) clone() State {
	out := *s
	if s.Validation != nil {
		out.Validation = make(map[string]string, len(s.Validation))
		for k, v := range s.Validation {
			out.Validation[k] = v
		}
	}
	return out
}
