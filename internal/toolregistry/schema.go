package toolregistry

import (
	"encoding/json"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaValidator layers a gojsonschema pass on top of the bespoke
// key-presence coercions above, catching malformed arg shapes (wrong type,
// missing required key) that normalization alone won't. Compiled schemas
// are cached by their declaration, mirroring the cache the pack's
// schema.Validator keeps per Validate call.
type SchemaValidator struct {
	mu    sync.Mutex
	cache map[string]*gojsonschema.Schema
}

// NewSchemaValidator returns an empty, ready-to-use validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{cache: map[string]*gojsonschema.Schema{}}
}

// Validate checks argsJSON against the tool's declared parameters schema.
// A tool with no declared schema always validates. Errors are joined into a
// single message for the invalid_tool_args error kind.
func (v *SchemaValidator) Validate(info Info, argsJSON string) error {
	if len(info.Tool.Function.Parameters) == 0 {
		return nil
	}
	schema, err := v.compiled(info)
	if err != nil {
		return nil // an undeclarable schema should not block execution
	}

	result, err := schema.Validate(gojsonschema.NewStringLoader(argsJSON))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	msg := ""
	for i, e := range result.Errors() {
		if i > 0 {
			msg += "; "
		}
		msg += e.String()
	}
	return &schemaError{msg: msg}
}

type schemaError struct{ msg string }

func (e *schemaError) Error() string { return e.msg }

func (v *SchemaValidator) compiled(info Info) (*gojsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := info.NormName + ":" + string(info.Tool.Function.Parameters)
	if s, ok := v.cache[key]; ok {
		return s, nil
	}
	var raw interface{}
	if err := json.Unmarshal(info.Tool.Function.Parameters, &raw); err != nil {
		return nil, err
	}
	loader := gojsonschema.NewGoLoader(raw)
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, err
	}
	v.cache[key] = schema
	return schema, nil
}
