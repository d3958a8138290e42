package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Issue is one field-level validation problem reported to the model.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Output is the minimal success shape every tool result embeds.
type Output struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Issues  []Issue `json:"issues,omitempty"`
}

// OK is the bare success output.
func OK() Output { return Output{Success: true} }

// Failure builds an error output with a user-facing message.
func Failure(msg string) Output {
	return Output{Success: false, Error: msg}
}

// FailureCode builds an error output carrying a machine-readable code.
func FailureCode(code, msg string) Output {
	return Output{Success: false, Error: msg, Code: code}
}

// Invalid builds a validation-failure output.
func Invalid(msg string, issues ...Issue) Output {
	return Output{Success: false, Error: msg, Issues: issues}
}

// decodeArgs strictly decodes tool arguments into dst. Unknown fields
// and type mismatches are validation failures, returned as an Output
// the caller hands straight back to the model.
func decodeArgs(args json.RawMessage, dst any) (Output, bool) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return Invalid("Invalid tool input.", Issue{Field: "", Message: err.Error()}), false
	}
	return Output{}, true
}

// requireString validates a required non-empty string field.
func requireString(value, field string) (Issue, bool) {
	if value == "" {
		return Issue{Field: field, Message: fmt.Sprintf("%s is required", field)}, false
	}
	return Issue{}, true
}
