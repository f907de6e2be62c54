package tasks

import (
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/reelcredit/backend/internal/models"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Validator checks task parameters against the JSON schema for the task type.
type Validator struct {
	schemas map[models.TaskType]*jsonschema.Schema
}

// NewValidator compiles the embedded schemas. Files are named after the task
// type in lower case, e.g. schemas/text_to_video.json.
func NewValidator() (*Validator, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	schemas := make(map[models.TaskType]*jsonschema.Schema)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := schemaFS.ReadFile(path.Join("schemas", name))
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", name, err)
		}
		base := strings.TrimSuffix(name, ".json")
		taskType := models.TaskType(strings.ToUpper(base))
		schema, err := jsonschema.CompileString("https://reelcredit.dev/schemas/"+base+".json", string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
		schemas[taskType] = schema
	}
	return &Validator{schemas: schemas}, nil
}

// Validate hard-rejects parameters that do not match the task type's schema.
func (v *Validator) Validate(taskType models.TaskType, params json.RawMessage) error {
	schema, ok := v.schemas[taskType]
	if !ok {
		return fmt.Errorf("%w: unknown task type %q", ErrInvalidTask, taskType)
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	var doc any
	if err := json.Unmarshal(params, &doc); err != nil {
		return fmt.Errorf("%w: parameters are not valid JSON: %v", ErrInvalidTask, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	return nil
}
