package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/asesor/internal/knowledge"
	"github.com/nugget/asesor/internal/prompts"
)

// LookupToolName is the property catalog tool.
const LookupToolName = "consultar_documentos"

// LookupTool returns the catalog lookup tool over src.
func LookupTool(src knowledge.Source) *Tool {
	return &Tool{
		Name:        LookupToolName,
		Description: prompts.LookupToolDescription,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Tipo de propiedad, zona y presupuesto que busca el cliente",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			query := strings.TrimSpace(stringArg(args, "query"))
			content, err := src.Lookup(ctx, query)
			if err != nil {
				return nil, fmt.Errorf("document lookup: %w", err)
			}
			return map[string]any{
				"content": content,
				"query":   query,
			}, nil
		},
	}
}

// stringArg reads an optional string argument.
func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
