package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/asesor/internal/apperr"
	"github.com/nugget/asesor/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// AnthropicOption configures an AnthropicClient.
type AnthropicOption func(*AnthropicClient)

// WithEndpoint overrides the Messages API URL.
func WithEndpoint(url string) AnthropicOption {
	return func(c *AnthropicClient) {
		if url != "" {
			c.endpoint = url
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) AnthropicOption {
	return func(c *AnthropicClient) { c.httpClient = hc }
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, logger *slog.Logger, opts ...AnthropicOption) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	// Completions can take a while before headers arrive. The caller's
	// context bounds the whole request.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	c := &AnthropicClient{
		apiKey:   apiKey,
		endpoint: anthropicAPIURL,
		logger:   logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Complete sends a non-streaming Messages request.
func (c *AnthropicClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	wire := anthropicRequest{
		Model:     req.Model,
		Messages:  convertTurns(req.Turns),
		System:    req.System,
		MaxTokens: maxTokens,
		Tools:     convertTools(req.Tools),
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(wire.Messages),
		"tools", len(wire.Tools),
		"system_len", len(req.System),
	)

	jsonData, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperr.New(apperr.Downstream, "anthropic", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, apperr.New(apperr.Downstream, "anthropic",
			fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, errBody))
	}

	var ar anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, apperr.New(apperr.MalformedModelOutput, "anthropic", fmt.Errorf("decode response: %w", err))
	}
	result := convertResponse(&ar)

	c.logger.Debug("response received",
		"model", result.Model,
		"stop_reason", result.StopReason,
		"blocks", len(result.Content),
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
	)
	if c.logger.Enabled(ctx, LevelTrace) {
		if raw, err := json.Marshal(ar.Content); err == nil {
			c.logger.Log(ctx, LevelTrace, "response content", "json", string(raw))
		}
	}

	return result, nil
}

func convertTurns(turns []Turn) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(turns))
	for _, t := range turns {
		blocks := make([]anthropicContent, 0, len(t.Content))
		for _, b := range t.Content {
			wb := anthropicContent{Type: b.Type}
			switch b.Type {
			case BlockText:
				wb.Text = b.Text
			case BlockToolUse:
				wb.ID = b.ID
				wb.Name = b.Name
				input := b.Input
				if input == nil {
					input = map[string]any{}
				}
				wb.Input = input
			case BlockToolResult:
				wb.ToolUseID = b.ToolUseID
				wb.Content = b.Content
				wb.IsError = b.IsError
			default:
				continue
			}
			blocks = append(blocks, wb)
		}
		if len(blocks) == 0 {
			continue
		}
		out = append(out, anthropicMessage{Role: t.Role, Content: blocks})
	}
	return out
}

func convertTools(tools []ToolDefinition) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropicTool, 0, len(tools))
	for _, t := range tools {
		schema := any(t.InputSchema)
		if t.InputSchema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out
}

func convertResponse(resp *anthropicResponse) *CompletionResponse {
	out := &CompletionResponse{
		Model:        resp.Model,
		StopReason:   resp.StopReason,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	for _, b := range resp.Content {
		switch b.Type {
		case BlockText:
			out.Content = append(out.Content, ContentBlock{Type: BlockText, Text: b.Text})
		case BlockToolUse:
			args, ok := b.Input.(map[string]any)
			if !ok {
				args = map[string]any{}
			}
			out.Content = append(out.Content, ContentBlock{
				Type:  BlockToolUse,
				ID:    b.ID,
				Name:  b.Name,
				Input: args,
			})
		}
	}
	return out
}
