package middleware

import (
	"fmt"
	"strings"
	"sync"

	contextutils "icfesprep/internal/utils"

	"github.com/xeipuuv/gojsonschema"
)

// Request body schema names
const (
	SchemaStartSession = "StartSessionRequest"
	SchemaSubmitAnswer = "SubmitAnswerRequest"
)

var requestSchemas = map[string]string{
	SchemaStartSession: `{
  "type": "object",
  "required": ["user_id", "subject_area"],
  "additionalProperties": false,
  "properties": {
    "user_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "subject_area": {
      "type": "string",
      "enum": ["matematicas", "lectura_critica", "ciencias_naturales", "ciencias_sociales", "ingles"]
    }
  }
}`,
	SchemaSubmitAnswer: `{
  "type": "object",
  "required": ["item_id", "selected_answer"],
  "additionalProperties": false,
  "properties": {
    "item_id": {"type": "integer", "minimum": 1},
    "selected_answer": {"type": "string", "minLength": 1, "maxLength": 1000}
  }
}`,
}

// SchemaLoader holds compiled JSON schemas for request bodies
type SchemaLoader struct {
	mu      sync.RWMutex
	schemas map[string]*gojsonschema.Schema
}

// NewSchemaLoader creates a new schema loader
func NewSchemaLoader() *SchemaLoader {
	return &SchemaLoader{
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// DefaultSchemaLoader returns a loader with every request schema of the API compiled
func DefaultSchemaLoader() (*SchemaLoader, error) {
	sl := NewSchemaLoader()
	for name, schema := range requestSchemas {
		if err := sl.Register(name, schema); err != nil {
			return nil, err
		}
	}
	return sl, nil
}

// Register compiles schemaJSON under name
func (sl *SchemaLoader) Register(name, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return contextutils.WrapErrorf(err, "failed to compile schema %s", name)
	}
	sl.mu.Lock()
	sl.schemas[name] = schema
	sl.mu.Unlock()
	return nil
}

// Has reports whether a schema is registered under name
func (sl *SchemaLoader) Has(name string) bool {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	_, ok := sl.schemas[name]
	return ok
}

// ValidateBytes validates a JSON document against the named schema
func (sl *SchemaLoader) ValidateBytes(data []byte, schemaName string) error {
	sl.mu.RLock()
	schema, exists := sl.schemas[schemaName]
	sl.mu.RUnlock()
	if !exists {
		return contextutils.ErrorWithContextf("schema %s not found", schemaName)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return contextutils.WrapError(contextutils.ErrInvalidFormat, err.Error())
	}

	if !result.Valid() {
		validationErrors := make([]string, 0, len(result.Errors()))
		for _, validationErr := range result.Errors() {
			validationErrors = append(validationErrors, fmt.Sprintf("%s: %s", validationErr.Field(), validationErr.Description()))
		}
		return contextutils.NewAppError(
			contextutils.ErrorCodeValidationFailed,
			contextutils.SeverityWarn,
			"Request body does not match "+schemaName,
			strings.Join(validationErrors, "; "),
		)
	}

	return nil
}
