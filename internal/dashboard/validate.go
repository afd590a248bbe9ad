package dashboard

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

// requiredMessages are the prompts shown when a required field is empty.
var requiredMessages = map[string]string{
	"patient_id": "Please enter a patient ID",
	"message":    "Please enter an HL7 message",
	"name":       "Please enter a name to search",
	"url":        "Please enter an API URL",
	"resource":   "Please enter a FHIR resource",
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// checkForm runs the struct tags on form and converts failures into field
// messages. form must be a pointer to one of the form types.
func checkForm(v *validator.Validate, form interface{}) map[string]string {
	err := v.Struct(form)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"form": err.Error()}
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[fe.Field()] = fieldMessage(fe)
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		if msg, ok := requiredMessages[fe.Field()]; ok {
			return msg
		}
		return fmt.Sprintf("Please enter %s", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of %s", titleField(fe.Field()), strings.ReplaceAll(fe.Param(), " ", ", "))
	}
	return fmt.Sprintf("%s is invalid", titleField(fe.Field()))
}

func titleField(f string) string {
	if f == "" {
		return f
	}
	return strings.ToUpper(f[:1]) + f[1:]
}

// parseJSONField parses user-entered JSON text. Empty text yields nil. what
// names the field in the message, e.g. "request data".
func parseJSONField(text, what string) (json.RawMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	b := []byte(text)
	dec := json.NewDecoder(bytes.NewReader(b))
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("Invalid JSON in %s: %v", what, err)
	}
	// Decode stops after the first value; the whole text must be one value.
	if !json.Valid(b) {
		return nil, fmt.Errorf("Invalid JSON in %s: unexpected data after value", what)
	}
	return json.RawMessage(b), nil
}

// parseJSONObject is parseJSONField restricted to objects.
func parseJSONObject(text, what string) (json.RawMessage, error) {
	raw, err := parseJSONField(text, what)
	if err != nil || raw == nil {
		return raw, err
	}
	if raw[0] != '{' {
		return nil, fmt.Errorf("Invalid JSON in %s: expected an object", what)
	}
	return raw, nil
}

// parseHeaders decodes header JSON text into a flat string map.
func parseHeaders(text string) (map[string]string, error) {
	raw, err := parseJSONObject(text, "request headers")
	if err != nil || raw == nil {
		return nil, err
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("Invalid JSON in request headers: %v", err)
	}
	headers := make(map[string]string, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case float64, bool:
			headers[k] = fmt.Sprint(val)
		default:
			return nil, fmt.Errorf("Invalid JSON in request headers: value for %q must be a string", k)
		}
	}
	return headers, nil
}
