package ledger

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator is the pluggable payload validation hook consulted by
// RecordEvent. A rejected payload is dropped and logged; the caller gets no
// synchronous error (record is fire-and-forget by contract).
type Validator interface {
	Validate(eventType string, payload map[string]any) bool
}

// PermissiveValidator accepts everything. It is the default hook.
type PermissiveValidator struct{}

// Validate always returns true.
func (PermissiveValidator) Validate(string, map[string]any) bool { return true }

// SchemaValidator validates payloads against per-event-type JSON Schemas
// (Draft 2020-12). Event types without a registered schema are accepted.
type SchemaValidator struct {
	schemas map[string]*jsonschema.Schema
}

// NewSchemaValidator creates an empty schema validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles and installs a schema for an event type.
func (v *SchemaValidator) Register(eventType, schema string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://accord.schemas.local/events/%s.schema.json", eventType)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("schema load for %q: %w", eventType, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("schema compile for %q: %w", eventType, err)
	}
	v.schemas[eventType] = compiled
	return nil
}

// Validate checks the payload against the schema registered for the event
// type, if any.
func (v *SchemaValidator) Validate(eventType string, payload map[string]any) bool {
	schema, ok := v.schemas[eventType]
	if !ok {
		return true
	}
	// jsonschema validates generic any values; map[string]any payloads are
	// exactly what json.Unmarshal produces.
	return schema.Validate(anyMap(payload)) == nil
}

// anyMap widens the payload for the schema library, which expects the
// interface{} shapes produced by encoding/json.
func anyMap(payload map[string]any) any {
	m := make(map[string]any, len(payload))
	for k, val := range payload {
		m[k] = val
	}
	return m
}

var (
	_ Validator = PermissiveValidator{}
	_ Validator = (*SchemaValidator)(nil)
)
