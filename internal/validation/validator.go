// SPDX-License-Identifier: Apache-2.0

// Package validation checks request bodies against embedded JSON Schemas.
package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/adiadia/brokerage-agent/internal/domain"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const maxBodyBytes = 1 << 20

const schemaBaseURL = "https://schemas.brokerage-agent.local/"

// Error lists every violation found in one document.
type Error struct {
	Violations []string
}

func (e *Error) Error() string {
	if len(e.Violations) == 1 {
		return e.Violations[0]
	}
	return fmt.Sprintf("%d validation errors: %s", len(e.Violations), strings.Join(e.Violations, "; "))
}

func (e *Error) Unwrap() error {
	return domain.ErrInvalidInput
}

// Validator holds the compiled request schemas. It is safe for concurrent use.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

func New() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	for name, doc := range schemaDocs {
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
		}
		if err := c.AddResource(schemaBaseURL+name+".json", parsed); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", name, err)
		}
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(schemaDocs))}
	for name := range schemaDocs {
		compiled, err := c.Compile(schemaBaseURL + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		v.schemas[name] = compiled
	}
	return v, nil
}

// MustNew is New for process start-up, where the embedded schemas failing to
// compile is a programming error.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks a raw JSON document against the named schema.
func (v *Validator) Validate(name string, body []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return &Error{Violations: []string{"request body is not valid JSON"}}
	}
	return toError(schema.Validate(doc))
}

// ValidateValue validates an already decoded value, such as one assembled
// from query parameters.
func (v *Validator) ValidateValue(name string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s document: %w", name, err)
	}
	return v.Validate(name, body)
}

// Decode reads at most 1MB from r, validates it and unmarshals it into out.
func (v *Validator) Decode(r io.Reader, name string, out any) error {
	body, err := io.ReadAll(io.LimitReader(r, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return &Error{Violations: []string{"request body is too large"}}
	}
	if err := v.Validate(name, body); err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Violations: []string{"request body does not match the expected shape"}}
	}
	return nil
}

func toError(err error) error {
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return &Error{Violations: []string{err.Error()}}
	}
	violations := collectViolations(verr)
	if len(violations) == 0 {
		violations = []string{verr.Error()}
	}
	return &Error{Violations: violations}
}

// collectViolations flattens the leaves of a validation error tree, each
// prefixed by the location of the offending value.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, leafMessage(verr))}
	}

	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}

// leafMessage keeps the last line of a leaf error, which carries the reason
// without the schema URL header.
func leafMessage(verr *jsonschema.ValidationError) string {
	msg := strings.TrimSpace(verr.Error())
	if i := strings.LastIndex(msg, "\n"); i >= 0 {
		msg = msg[i+1:]
	}
	msg = strings.TrimPrefix(msg, "- ")
	if strings.HasPrefix(msg, "at '") {
		if _, rest, ok := strings.Cut(msg, "': "); ok {
			msg = rest
		}
	}
	return msg
}
