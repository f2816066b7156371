package backend

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/floegence/redeven-cli/internal/ai/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func testDeps() Deps {
	return Deps{Log: testLogger()}
}

func writeSSEJSON(w io.Writer, f http.Flusher, payload any) {
	b, _ := json.Marshal(payload)
	_, _ = io.WriteString(w, "data: ")
	_, _ = w.Write(b)
	_, _ = io.WriteString(w, "\n\n")
	f.Flush()
}

func writeAnthropicSSEJSON(w io.Writer, f http.Flusher, v map[string]any) {
	if t, ok := v["type"].(string); ok && strings.TrimSpace(t) != "" {
		_, _ = io.WriteString(w, "event: "+t+"\n")
	}
	writeSSEJSON(w, f, v)
}

func startSSE(w http.ResponseWriter) (http.Flusher, bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	f, ok := w.(http.Flusher)
	return f, ok
}

func readJSONBody(r *http.Request) map[string]any {
	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()
	var out map[string]any
	_ = json.Unmarshal(body, &out)
	return out
}

// callLog records adapter lifecycle calls across several fake adapters.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeAdapter struct {
	desc    model.BackendDescriptor
	log     *callLog
	initErr error

	mu        sync.Mutex
	available bool
	reason    string
	inits     int
	shutdowns int
	reply     string
}

func newFakeAdapter(id string, kind model.BackendKind, available bool, log *callLog) *fakeAdapter {
	return &fakeAdapter{
		desc:      model.BackendDescriptor{ID: id, Name: id, Kind: kind},
		log:       log,
		available: available,
		reason:    "fake unavailable",
		reply:     "reply from " + id,
	}
}

func (f *fakeAdapter) Descriptor() model.BackendDescriptor { return f.desc }

func (f *fakeAdapter) setAvailable(v bool) {
	f.mu.Lock()
	f.available = v
	f.mu.Unlock()
}

func (f *fakeAdapter) Probe(ctx context.Context) model.BackendStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.available {
		return model.Unavailable("%s", f.reason)
	}
	return model.BackendStatus{Available: true, SelectedModel: f.desc.ID + "-model"}
}

func (f *fakeAdapter) Initialize(ctx context.Context) error {
	if f.log != nil {
		f.log.add("init:" + f.desc.ID)
	}
	f.mu.Lock()
	f.inits++
	f.mu.Unlock()
	return f.initErr
}

func (f *fakeAdapter) Shutdown(ctx context.Context) error {
	if f.log != nil {
		f.log.add("shutdown:" + f.desc.ID)
	}
	f.mu.Lock()
	f.shutdowns++
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits, f.shutdowns
}

func (f *fakeAdapter) Converse(ctx context.Context, req model.ConverseRequest) (model.ConverseResult, error) {
	req.Emit(f.reply)
	return model.ConverseResult{Message: model.AssistantMessage(f.reply, nil)}, nil
}

func writeJSON(w io.Writer, v any) {
	b, _ := json.Marshal(v)
	_, _ = w.Write(b)
}
