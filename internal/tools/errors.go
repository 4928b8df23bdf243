package tools

import (
	"fmt"
	"strings"
)

// ErrUnknownTool is returned when the model asks for a tool that is not
// registered. The dispatcher turns it into a failure result so the
// model can recover on its next turn.
type ErrUnknownTool struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// ArgumentError reports arguments the model must correct before the
// call can succeed.
type ArgumentError struct {
	ToolName string
	Problems []string
	// Hint, when set, tells the model how to fix the call.
	Hint string
}

// Error implements the error interface.
func (e *ArgumentError) Error() string {
	msg := fmt.Sprintf("invalid arguments for %s: %s", e.ToolName, strings.Join(e.Problems, "; "))
	if e.Hint != "" {
		msg += ". " + e.Hint
	}
	return msg
}
