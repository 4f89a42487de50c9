package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedOutput = errors.New("malformed model output")

// OutputError reports model output that does not match the expected schema.
type OutputError struct {
	Field  string
	Raw    string
	Reason string
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("%v: field %q: %s", ErrMalformedOutput, e.Field, e.Reason)
}

func (e *OutputError) Unwrap() error { return ErrMalformedOutput }

// DecodeField parses raw as a JSON object with exactly one key, field, whose
// value is a non-empty string. Markdown code fences around the object are
// tolerated.
func DecodeField(raw, field string) (string, error) {
	fail := func(reason string) (string, error) {
		return "", &OutputError{Field: field, Raw: raw, Reason: reason}
	}

	body := stripFences(raw)
	if body == "" {
		return fail("empty output")
	}

	dec := json.NewDecoder(strings.NewReader(body))
	var obj map[string]json.RawMessage
	if err := dec.Decode(&obj); err != nil {
		return fail("not a JSON object: " + err.Error())
	}
	if dec.More() {
		return fail("trailing data after JSON object")
	}
	if obj == nil {
		return fail("not a JSON object")
	}

	value, ok := obj[field]
	if !ok {
		return fail("missing key")
	}
	if len(obj) != 1 {
		return fail(fmt.Sprintf("unexpected keys (%d keys present)", len(obj)))
	}

	var s string
	if err := json.Unmarshal(bytes.TrimSpace(value), &s); err != nil {
		return fail("value is not a string")
	}
	if strings.TrimSpace(s) == "" {
		return fail("value is empty")
	}
	return s, nil
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop the info string, e.g. ```json
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
