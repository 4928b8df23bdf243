package tools

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// validateArgs checks args against the tool's parameter schema. Each
// violation is reported as "field: description" so the model can see
// which argument to fix.
func validateArgs(t *Tool, args map[string]any) error {
	if len(t.schema) == 0 {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return &ArgumentError{ToolName: t.Name, Problems: []string{err.Error()}}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(t.schema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return fmt.Errorf("validate %s arguments: %w", t.Name, err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return &ArgumentError{ToolName: t.Name, Problems: problems}
}
