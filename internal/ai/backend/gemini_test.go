package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/floegence/redeven-cli/internal/ai/model"
	"github.com/floegence/redeven-cli/internal/config"
)

type geminiMock struct {
	mu       sync.Mutex
	path     string
	lastBody map[string]any
}

func (m *geminiMock) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !strings.Contains(r.URL.Path, ":streamGenerateContent") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	body := readJSONBody(r)
	m.mu.Lock()
	m.path = r.URL.Path
	m.lastBody = body
	m.mu.Unlock()

	f, ok := startSSE(w)
	if !ok {
		return
	}
	writeSSEJSON(w, f, map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{"role": "model", "parts": []any{map[string]any{"text": "Counting "}}},
		}},
	})
	writeSSEJSON(w, f, map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{"role": "model", "parts": []any{
				map[string]any{"text": "now."},
				map[string]any{"functionCall": map[string]any{"name": "text_count", "args": map[string]any{"text": "abc"}}},
			}},
			"finishReason": "STOP",
		}},
		"usageMetadata": map[string]any{"promptTokenCount": 12, "candidatesTokenCount": 4},
	})
}

func TestGemini_ConverseStreamsTextAndFunctionCalls(t *testing.T) {
	t.Parallel()

	mock := &geminiMock{}
	srv := httptest.NewServer(http.HandlerFunc(mock.handle))
	t.Cleanup(srv.Close)

	a := newGeminiAdapter(config.BackendConfig{ID: "gemini", Type: config.BackendGemini, BaseURL: srv.URL + "/"}, "g-test", testDeps())
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var streamed strings.Builder
	res, err := a.Converse(context.Background(), model.ConverseRequest{
		Messages:     []model.Message{model.SystemMessage("count things"), model.UserMessage("count abc")},
		Capabilities: capsNamed("text.count"),
		OnDelta:      func(s string) { streamed.WriteString(s) },
	})
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if streamed.String() != "Counting now." || res.Message.ContentText() != "Counting now." {
		t.Fatalf("streamed=%q content=%q", streamed.String(), res.Message.ContentText())
	}
	if len(res.Message.ToolCalls) != 1 {
		t.Fatalf("calls=%+v", res.Message.ToolCalls)
	}
	call := res.Message.ToolCalls[0]
	if call.Name != "text.count" || call.ArgumentsJSON != `{"text":"abc"}` || call.ID == "" {
		t.Fatalf("call=%+v", call)
	}
	if res.Usage == nil || res.Usage.ReportedPromptTokens != 12 || res.Usage.ReportedCompletionTokens != 4 {
		t.Fatalf("usage=%+v", res.Usage)
	}

	mock.mu.Lock()
	defer mock.mu.Unlock()
	if !strings.Contains(mock.path, defaultGeminiModel) {
		t.Fatalf("path=%q, want default model", mock.path)
	}
	if _, ok := mock.lastBody["systemInstruction"]; !ok {
		t.Fatalf("request carried no system instruction: %v", mock.lastBody)
	}
}

func TestBuildGeminiContents_MergesFunctionResponses(t *testing.T) {
	t.Parallel()

	contents := buildGeminiContents([]model.Message{
		model.SystemMessage("sys"),
		model.UserMessage("q"),
		model.AssistantMessage("", []model.ToolCall{
			{ID: "a", Name: "clock.now", ArgumentsJSON: "{}"},
			{ID: "b", Name: "text.count", ArgumentsJSON: `{"text":"x"}`},
		}),
		model.ToolResultMessage("a", "clock.now", "noon"),
		model.ToolResultMessage("b", "text.count", "1"),
	})
	if len(contents) != 3 {
		t.Fatalf("contents=%d, want 3", len(contents))
	}
	if contents[1].Role != "model" || len(contents[1].Parts) != 2 {
		t.Fatalf("model turn=%+v", contents[1])
	}
	last := contents[2]
	if last.Role != "user" || len(last.Parts) != 2 {
		t.Fatalf("results turn role=%s parts=%d", last.Role, len(last.Parts))
	}
	if fr := last.Parts[1].FunctionResponse; fr == nil || fr.ID != "b" || fr.Name != "text_count" {
		t.Fatalf("function response=%+v", last.Parts[1].FunctionResponse)
	}
}
