package llm

import "testing"

func TestFirstText_SkipsBlank(t *testing.T) {
	r := &CompletionResponse{Content: []ContentBlock{
		{Type: BlockToolUse, Name: "x"},
		{Type: BlockText, Text: "  "},
		{Type: BlockText, Text: "respuesta"},
		{Type: BlockText, Text: "otra"},
	}}
	got, ok := r.FirstText()
	if !ok || got != "respuesta" {
		t.Errorf("FirstText = %q, %v; want respuesta", got, ok)
	}
}

func TestFirstText_None(t *testing.T) {
	r := &CompletionResponse{Content: []ContentBlock{{Type: BlockToolUse, Name: "x"}}}
	if _, ok := r.FirstText(); ok {
		t.Error("FirstText should report no text")
	}
}

func TestFirstToolUse_PicksFirstNamed(t *testing.T) {
	r := &CompletionResponse{Content: []ContentBlock{
		{Type: BlockText, Text: "a"},
		{Type: BlockToolUse, ID: "1"},
		{Type: BlockToolUse, ID: "2", Name: "consultar_documentos"},
		{Type: BlockToolUse, ID: "3", Name: "agendar_cita"},
	}}
	got, ok := r.FirstToolUse()
	if !ok || got.ID != "2" {
		t.Errorf("FirstToolUse = %+v, %v; want id 2", got, ok)
	}
}

func TestTurnText(t *testing.T) {
	turn := Turn{Role: RoleAssistant, Content: []ContentBlock{
		{Type: BlockText, Text: "Hola, "},
		{Type: BlockToolUse, Name: "x"},
		{Type: BlockText, Text: "¿cómo estás?"},
	}}
	if got := turn.Text(); got != "Hola, ¿cómo estás?" {
		t.Errorf("Text() = %q", got)
	}
}

func TestToolResultTurn(t *testing.T) {
	turn := ToolResultTurn("toolu_1", "payload", true)
	b := turn.Content[0]
	if turn.Role != RoleUser || b.ToolUseID != "toolu_1" || !b.IsError {
		t.Errorf("ToolResultTurn = %+v", turn)
	}
}
