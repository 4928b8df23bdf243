package llm

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nugget/asesor/internal/apperr"
)

func TestConvertTurns(t *testing.T) {
	turns := []Turn{
		TextTurn(RoleUser, "Busco terreno"),
		{Role: RoleAssistant, Content: []ContentBlock{
			{Type: BlockText, Text: "Déjame revisar."},
			{Type: BlockToolUse, ID: "toolu_1", Name: "consultar_documentos"},
		}},
		ToolResultTurn("toolu_1", `{"success":true}`, false),
	}

	got := convertTurns(turns)
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}

	use := got[1].Content[1]
	if use.Type != "tool_use" || use.ID != "toolu_1" {
		t.Errorf("unexpected tool_use block: %+v", use)
	}
	if m, ok := use.Input.(map[string]any); !ok || m == nil {
		t.Errorf("tool_use input should default to an empty object, got %#v", use.Input)
	}

	res := got[2].Content[0]
	if got[2].Role != "user" || res.Type != "tool_result" || res.ToolUseID != "toolu_1" {
		t.Errorf("unexpected tool_result message: %+v", got[2])
	}
}

func TestConvertTurns_EmptyInputSerializesAsObject(t *testing.T) {
	turns := []Turn{{Role: RoleAssistant, Content: []ContentBlock{
		{Type: BlockToolUse, ID: "toolu_1", Name: "consultar_documentos"},
	}}}
	data, err := json.Marshal(convertTurns(turns))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"input":{}`) {
		t.Errorf("tool_use input missing from %s", data)
	}
}

func TestConvertTurns_SkipsEmptyTurns(t *testing.T) {
	got := convertTurns([]Turn{{Role: RoleUser}, TextTurn(RoleUser, "hola")})
	if len(got) != 1 {
		t.Errorf("expected empty turn dropped, got %d messages", len(got))
	}
}

func TestConvertTools_DefaultSchema(t *testing.T) {
	got := convertTools([]ToolDefinition{{Name: "noop"}})
	if len(got) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(got))
	}
	schema, ok := got[0].InputSchema.(map[string]any)
	if !ok || schema["type"] != "object" {
		t.Errorf("expected default object schema, got %#v", got[0].InputSchema)
	}
}

func TestConvertResponse(t *testing.T) {
	raw := `{
		"id": "msg_1",
		"role": "assistant",
		"model": "claude-haiku-4-5",
		"stop_reason": "tool_use",
		"content": [
			{"type": "text", "text": "Consulto el catálogo."},
			{"type": "tool_use", "id": "toolu_9", "name": "consultar_documentos", "input": {"query": "Zapopan"}}
		],
		"usage": {"input_tokens": 120, "output_tokens": 30}
	}`
	var ar anthropicResponse
	if err := json.Unmarshal([]byte(raw), &ar); err != nil {
		t.Fatal(err)
	}

	got := convertResponse(&ar)
	if got.StopReason != StopToolUse {
		t.Errorf("StopReason = %q", got.StopReason)
	}
	use, ok := got.FirstToolUse()
	if !ok || use.Input["query"] != "Zapopan" {
		t.Errorf("FirstToolUse = %+v, %v", use, ok)
	}
	if got.InputTokens != 120 || got.OutputTokens != 30 {
		t.Errorf("tokens = %d/%d", got.InputTokens, got.OutputTokens)
	}
}

func TestComplete_SendsHeadersAndParses(t *testing.T) {
	var gotReq anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Errorf("anthropic-version = %q", r.Header.Get("anthropic-version"))
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"role":"assistant","model":"claude-haiku-4-5","stop_reason":"end_turn",
			"content":[{"type":"text","text":"¡Claro!"}],"usage":{"input_tokens":10,"output_tokens":3}}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient("test-key", nil, WithEndpoint(srv.URL), WithHTTPClient(srv.Client()))
	resp, err := c.Complete(t.Context(), CompletionRequest{
		Model:     "claude-haiku-4-5",
		System:    "Eres un asesor.",
		Turns:     []Turn{TextTurn(RoleUser, "hola")},
		Tools:     []ToolDefinition{{Name: "consultar_documentos", InputSchema: map[string]any{"type": "object"}}},
		MaxTokens: 300,
	})
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}

	if gotReq.System != "Eres un asesor." || gotReq.MaxTokens != 300 || len(gotReq.Tools) != 1 {
		t.Errorf("unexpected wire request: %+v", gotReq)
	}
	text, ok := resp.FirstText()
	if !ok || text != "¡Claro!" {
		t.Errorf("FirstText = %q, %v", text, ok)
	}
}

func TestComplete_APIErrorIsDownstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"type":"error","error":{"type":"overloaded_error"}}`, 529)
	}))
	defer srv.Close()

	c := NewAnthropicClient("k", nil, WithEndpoint(srv.URL), WithHTTPClient(srv.Client()))
	_, err := c.Complete(t.Context(), CompletionRequest{Model: "m", Turns: []Turn{TextTurn(RoleUser, "x")}})
	if err == nil {
		t.Fatal("expected error")
	}
	if apperr.KindOf(err) != apperr.Downstream {
		t.Errorf("KindOf = %v, want downstream", apperr.KindOf(err))
	}
	if !strings.Contains(err.Error(), "529") {
		t.Errorf("error should include status: %v", err)
	}
}

func TestComplete_GarbageBodyIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not json")
	}))
	defer srv.Close()

	c := NewAnthropicClient("k", nil, WithEndpoint(srv.URL), WithHTTPClient(srv.Client()))
	_, err := c.Complete(t.Context(), CompletionRequest{Model: "m", Turns: []Turn{TextTurn(RoleUser, "x")}})
	if apperr.KindOf(err) != apperr.MalformedModelOutput {
		t.Errorf("KindOf = %v, want malformed_model_output", apperr.KindOf(err))
	}
}
