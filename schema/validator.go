// Package schema reflects JSON Schemas from Go types and validates documents against them.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Options controls how a Go type is reflected into a schema.
type Options struct {
	Title       string
	Description string
	// FieldNameTag selects the struct tag used for property names ("json" or "yaml").
	FieldNameTag string
	// AllowAdditionalProperties permits keys that are not declared on the type.
	AllowAdditionalProperties bool
}

// Reflect generates a draft-07 JSON Schema document for v.
func Reflect(v interface{}, opts Options) ([]byte, error) {
	tag := opts.FieldNameTag
	if tag == "" {
		tag = "json"
	}
	r := &invopop.Reflector{
		AllowAdditionalProperties: opts.AllowAdditionalProperties,
		ExpandedStruct:            true,
		DoNotReference:            true,
		FieldNameTag:              tag,
	}

	s := r.Reflect(v)
	s.Title = opts.Title
	s.Description = opts.Description
	s.Version = "http://json-schema.org/draft-07/schema#"

	return json.MarshalIndent(s, "", "  ")
}

// Validator validates documents against a compiled JSON Schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the given schema document. The name is only used as
// the resource URL inside the compiler.
func NewValidator(name string, schemaData []byte) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource(name, bytes.NewReader(schemaData)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource %s: %w", name, err)
	}

	s, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	return &Validator{schema: s}, nil
}

// ForType reflects v and compiles the result in one step.
func ForType(name string, v interface{}, opts Options) (*Validator, error) {
	data, err := Reflect(v, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to reflect schema %s: %w", name, err)
	}
	return NewValidator(name, data)
}

// Validate validates any value that can be marshaled to JSON.
func (v *Validator) Validate(data interface{}) error {
	// The compiled schema expects plain JSON values, so round-trip Go structs.
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal document for validation: %w", err)
	}
	return v.ValidateJSON(jsonData)
}

// ValidateJSON validates a raw JSON document.
func (v *Validator) ValidateJSON(raw []byte) error {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to unmarshal JSON for validation: %w", err)
	}

	if err := v.schema.Validate(doc); err != nil {
		// Format the validation error to be more user-friendly.
		if validationErr, ok := err.(*jsonschema.ValidationError); ok {
			var errorMessages []string
			collectErrors(validationErr, &errorMessages)
			return fmt.Errorf("schema validation failed:\n%s", strings.Join(errorMessages, "\n"))
		}
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}

// collectErrors recursively collects all validation errors into a slice
func collectErrors(err *jsonschema.ValidationError, messages *[]string) {
	if err.InstanceLocation != "" {
		*messages = append(*messages, fmt.Sprintf("- %s: %s", err.InstanceLocation, err.Message))
	}
	for _, cause := range err.Causes {
		collectErrors(cause, messages)
	}
}
