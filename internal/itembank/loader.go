// Package itembank reads item bank files (YAML) for bulk import. A file is
// checked against a JSON schema first, then each record is validated field
// by field and its 3PL parameters are range checked.
package itembank

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"icfesprep/internal/irt"
	"icfesprep/internal/models"
	contextutils "icfesprep/internal/utils"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

const fileSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["items"],
  "additionalProperties": false,
  "properties": {
    "items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["subject_area", "stem", "options", "correct_option"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "integer", "minimum": 1},
          "subject_area": {"enum": ["matematicas", "lectura_critica", "ciencias_naturales", "ciencias_sociales", "ingles"]},
          "stem": {"type": "string", "minLength": 1},
          "options": {"type": "array", "minItems": 2, "items": {"type": "string", "minLength": 1}},
          "correct_option": {"type": "string", "minLength": 1},
          "discrimination_a": {"type": "number"},
          "difficulty_b": {"type": "number"},
          "guessing_c": {"type": "number"},
          "is_calibrated": {"type": "boolean"}
        }
      }
    }
  }
}`

// File is the on-disk layout of an item bank file
type File struct {
	Items []Record `yaml:"items" validate:"dive"`
}

// Record is one item as written by content authors. A record with an id
// updates that item; without one it is inserted.
type Record struct {
	ID              int      `yaml:"id" validate:"gte=0"`
	SubjectArea     string   `yaml:"subject_area" validate:"required"`
	Stem            string   `yaml:"stem" validate:"required"`
	Options         []string `yaml:"options" validate:"min=2,dive,required"`
	CorrectOption   string   `yaml:"correct_option" validate:"required"`
	DiscriminationA float64  `yaml:"discrimination_a"`
	DifficultyB     float64  `yaml:"difficulty_b"`
	GuessingC       float64  `yaml:"guessing_c"`
	IsCalibrated    bool     `yaml:"is_calibrated"`
}

// Item converts the record, checking subject, answer key and parameters
func (r Record) Item() (*models.Item, error) {
	subject := models.SubjectArea(r.SubjectArea)
	if !subject.IsValid() {
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidInput, "unknown subject area %q", r.SubjectArea)
	}

	if !validAnswerKey(r.Options, r.CorrectOption) {
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidInput, "correct option %q matches neither an option nor an option letter", r.CorrectOption)
	}

	params := irt.ItemParams{A: r.DiscriminationA, B: r.DifficultyB, C: r.GuessingC}
	if err := params.Validate(); err != nil {
		if r.IsCalibrated {
			return nil, err
		}
		// uncalibrated items carry placeholder parameters; keep them valid
		params = irt.ItemParams{A: 1, B: 0, C: 0}
	}

	return &models.Item{
		ID:              r.ID,
		SubjectArea:     subject,
		Stem:            strings.TrimSpace(r.Stem),
		Options:         r.Options,
		CorrectOption:   strings.TrimSpace(r.CorrectOption),
		DiscriminationA: params.A,
		DifficultyB:     params.B,
		GuessingC:       params.C,
		IsCalibrated:    r.IsCalibrated,
	}, nil
}

// validAnswerKey accepts the option text itself or its letter ("B" for the second option)
func validAnswerKey(options []string, key string) bool {
	key = strings.TrimSpace(key)
	if slices.ContainsFunc(options, func(o string) bool { return strings.EqualFold(strings.TrimSpace(o), key) }) {
		return true
	}
	if len(key) != 1 {
		return false
	}
	idx := int(strings.ToUpper(key)[0]) - 'A'
	return idx >= 0 && idx < len(options)
}

// Loader parses and validates item bank files
type Loader struct {
	schema *gojsonschema.Schema
}

// NewLoader compiles the file schema
func NewLoader() (*Loader, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(fileSchema))
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to compile item bank schema")
	}
	return &Loader{schema: schema}, nil
}

// LoadFile reads path and returns its items
func (l *Loader) LoadFile(path string) ([]*models.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, contextutils.WrapErrorf(err, "failed to open item bank file %s", path)
	}
	defer func() { _ = f.Close() }()
	return l.Load(f)
}

// Load parses one YAML document. Every problem found is reported, not just the first.
func (l *Loader) Load(r io.Reader) ([]*models.Item, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to read item bank")
	}

	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidFormat, "item bank is not valid YAML: %v", err)
	}
	if err := l.validateSchema(raw); err != nil {
		return nil, err
	}

	var file File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidFormat, "failed to decode item bank: %v", err)
	}
	if err := contextutils.ValidateStruct(file); err != nil {
		return nil, err
	}

	var problems []string
	items := make([]*models.Item, 0, len(file.Items))
	for i, rec := range file.Items {
		item, err := rec.Item()
		if err != nil {
			problems = append(problems, fmt.Sprintf("items[%d]: %v", i, err))
			continue
		}
		items = append(items, item)
	}
	if len(problems) > 0 {
		return nil, contextutils.NewAppError(contextutils.ErrorCodeValidationFailed, contextutils.SeverityWarn,
			"item bank contains invalid items", strings.Join(problems, "; "))
	}
	return items, nil
}

func (l *Loader) validateSchema(raw interface{}) error {
	doc, err := json.Marshal(raw)
	if err != nil {
		return contextutils.WrapErrorf(contextutils.ErrInvalidFormat, "item bank cannot be represented as JSON: %v", err)
	}

	result, err := l.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return contextutils.WrapError(err, "schema validation error")
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		return contextutils.NewAppError(contextutils.ErrorCodeValidationFailed, contextutils.SeverityWarn,
			"item bank does not match schema", strings.Join(msgs, "; "))
	}
	return nil
}
