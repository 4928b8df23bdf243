package llm

import (
	"log/slog"
	"strings"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Stop reasons reported by the completion service.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// ContentBlock is one typed piece of a turn: plain text, a tool
// invocation requested by the model, or the result of one.
type ContentBlock struct {
	Type string `json:"type"`

	// Text is set for text blocks.
	Text string `json:"text,omitempty"`

	// ID, Name and Input are set for tool_use blocks.
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// ToolUseID, Content and IsError are set for tool_result blocks.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Turn is one role-tagged message in a completion request.
type Turn struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// TextTurn builds a turn holding a single text block.
func TextTurn(role, text string) Turn {
	return Turn{Role: role, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// ToolResultTurn builds the user turn that carries a tool result back
// to the model, correlated by the originating tool_use id.
func ToolResultTurn(toolUseID, content string, isError bool) Turn {
	return Turn{Role: RoleUser, Content: []ContentBlock{{
		Type:      BlockToolResult,
		ToolUseID: toolUseID,
		Content:   content,
		IsError:   isError,
	}}}
}

// Text returns the concatenation of the turn's text blocks.
func (t Turn) Text() string {
	var sb strings.Builder
	for _, b := range t.Content {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolDefinition describes a tool the model may request.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// CompletionRequest is one call to the completion service.
type CompletionRequest struct {
	Model     string
	System    string
	Tools     []ToolDefinition
	Turns     []Turn
	MaxTokens int
}

// CompletionResponse is the provider-neutral result of a completion.
type CompletionResponse struct {
	Model      string
	StopReason string
	Content    []ContentBlock

	InputTokens  int
	OutputTokens int
}

// FirstText returns the first non-empty text block, if any.
func (r *CompletionResponse) FirstText() (string, bool) {
	for _, b := range r.Content {
		if b.Type == BlockText && strings.TrimSpace(b.Text) != "" {
			return b.Text, true
		}
	}
	return "", false
}

// FirstToolUse returns the first tool_use block, if any.
func (r *CompletionResponse) FirstToolUse() (ContentBlock, bool) {
	for _, b := range r.Content {
		if b.Type == BlockToolUse && b.Name != "" {
			return b, true
		}
	}
	return ContentBlock{}, false
}
