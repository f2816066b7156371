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

type ollamaMock struct {
	mu       sync.Mutex
	models   []string
	replies  []map[string]any
	requests []map[string]any
}

func (m *ollamaMock) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/tags":
		list := make([]any, 0, len(m.models))
		for _, name := range m.models {
			list = append(list, map[string]any{"name": name, "model": name})
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]any{"models": list})
	case r.Method == http.MethodPost && r.URL.Path == "/api/chat":
		body := readJSONBody(r)
		m.mu.Lock()
		m.requests = append(m.requests, body)
		i := len(m.requests) - 1
		if i >= len(m.replies) {
			i = len(m.replies) - 1
		}
		reply := m.replies[i]
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/x-ndjson")
		writeJSON(w, reply)
		_, _ = w.Write([]byte("\n"))
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (m *ollamaMock) snapshot() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]any(nil), m.requests...)
}

func ollamaReply(content string, calls ...map[string]any) map[string]any {
	msg := map[string]any{"role": "assistant", "content": content}
	if len(calls) > 0 {
		list := make([]any, 0, len(calls))
		for _, c := range calls {
			list = append(list, map[string]any{"function": c})
		}
		msg["tool_calls"] = list
	}
	return map[string]any{"model": "llama3.2", "created_at": "2025-01-01T00:00:00Z", "message": msg, "done": true}
}

func newTestOllama(t *testing.T, mock *ollamaMock) *ollamaAdapter {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(mock.handle))
	t.Cleanup(srv.Close)
	a, err := newOllamaAdapter(config.BackendConfig{ID: "ollama", Type: config.BackendOllama, BaseURL: srv.URL}, testDeps())
	if err != nil {
		t.Fatalf("newOllamaAdapter: %v", err)
	}
	return a
}

func TestOllama_ProbeListsModels(t *testing.T) {
	t.Parallel()

	a := newTestOllama(t, &ollamaMock{models: []string{"llama3.2", "qwen3"}})
	st := a.Probe(context.Background())
	if !st.Available || st.SelectedModel != "llama3.2" {
		t.Fatalf("status=%+v", st)
	}

	empty := newTestOllama(t, &ollamaMock{})
	if st := empty.Probe(context.Background()); st.Available || !strings.Contains(st.Reason, "no models") {
		t.Fatalf("status=%+v, want no models", st)
	}
}

func TestOllama_ToolsGoNonStreamingWithSingleDelta(t *testing.T) {
	t.Parallel()

	mock := &ollamaMock{
		models: []string{"llama3.2"},
		replies: []map[string]any{
			ollamaReply("Looking it up.", map[string]any{"name": "clock_now", "arguments": map[string]any{"tz": "UTC"}}),
		},
	}
	a := newTestOllama(t, mock)

	var deltas []string
	res, err := a.Converse(context.Background(), model.ConverseRequest{
		Messages: []model.Message{
			model.UserMessage("time?"),
			model.AssistantMessage("", []model.ToolCall{{ID: "c0", Name: "clock.now", ArgumentsJSON: "{}"}}),
			model.ToolResultMessage("c0", "clock.now", "11:59"),
		},
		Capabilities: capsNamed("clock.now"),
		OnDelta:      func(s string) { deltas = append(deltas, s) },
	})
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if len(deltas) != 1 || deltas[0] != "Looking it up." {
		t.Fatalf("deltas=%q, want one synthetic delta", deltas)
	}
	if len(res.Message.ToolCalls) != 1 {
		t.Fatalf("calls=%+v", res.Message.ToolCalls)
	}
	call := res.Message.ToolCalls[0]
	if call.Name != "clock.now" || call.ArgumentsJSON != `{"tz":"UTC"}` || !strings.HasPrefix(call.ID, "call_") {
		t.Fatalf("call=%+v", call)
	}

	reqs := mock.snapshot()
	if len(reqs) != 1 {
		t.Fatalf("requests=%d, want 1", len(reqs))
	}
	if stream, ok := reqs[0]["stream"].(bool); !ok || stream {
		t.Fatalf("stream=%v, want false", reqs[0]["stream"])
	}
	if tools, _ := reqs[0]["tools"].([]any); len(tools) != 1 {
		t.Fatalf("tools=%v", reqs[0]["tools"])
	}
	msgs, _ := reqs[0]["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("messages=%v", msgs)
	}
	if last, _ := msgs[2].(map[string]any); last["role"] != "tool" || last["tool_name"] != "clock_now" {
		t.Fatalf("tool message=%v", msgs[2])
	}
}

func TestOllama_NullAnswerRetriedWithoutTools(t *testing.T) {
	t.Parallel()

	mock := &ollamaMock{
		models:  []string{"llama3.2"},
		replies: []map[string]any{ollamaReply("null"), ollamaReply("Hello there.")},
	}
	a := newTestOllama(t, mock)
	res, err := a.Converse(context.Background(), model.ConverseRequest{
		Messages:     []model.Message{model.UserMessage("hi")},
		Capabilities: capsNamed("clock.now"),
	})
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if res.Message.ContentText() != "Hello there." {
		t.Fatalf("content=%q", res.Message.ContentText())
	}
	reqs := mock.snapshot()
	if len(reqs) != 2 {
		t.Fatalf("requests=%d, want 2", len(reqs))
	}
	if tools, _ := reqs[1]["tools"].([]any); len(tools) != 0 {
		t.Fatalf("retry still carried tools: %v", reqs[1]["tools"])
	}
}

func TestOllama_StreamsWithoutTools(t *testing.T) {
	t.Parallel()

	mock := &ollamaMock{models: []string{"llama3.2"}, replies: []map[string]any{ollamaReply("plain answer")}}
	a := newTestOllama(t, mock)
	var streamed strings.Builder
	res, err := a.Converse(context.Background(), model.ConverseRequest{
		Messages: []model.Message{model.UserMessage("hi")},
		OnDelta:  func(s string) { streamed.WriteString(s) },
	})
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if streamed.String() != "plain answer" || res.Message.ContentText() != "plain answer" {
		t.Fatalf("streamed=%q content=%q", streamed.String(), res.Message.ContentText())
	}
	if stream, _ := mock.snapshot()[0]["stream"].(bool); !stream {
		t.Fatalf("expected streaming request without tools")
	}
}
