package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/floegence/redeven-cli/internal/ai/model"
)

const (
	llmHostTestHelperEnv = "REDEVEN_LLM_HOST_TEST_HELPER"
	llmHostTestLogEnv    = "REDEVEN_LLM_HOST_TEST_LOG"
)

// TestLLMHostHelperProcess is not a real test. It stands in for the
// redeven-llm-host helper when re-executed by the tests below.
func TestLLMHostHelperProcess(t *testing.T) {
	if os.Getenv(llmHostTestHelperEnv) != "1" {
		return
	}
	logf, err := os.OpenFile(os.Getenv(llmHostTestLogEnv), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		os.Exit(3)
	}
	enc := json.NewEncoder(os.Stdout)
	reply := func(id int64, result any) {
		_ = enc.Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	}
	notify := func(method string, params map[string]any) {
		_ = enc.Encode(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
	}

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
			Params struct {
				Messages []SessionTurn `json:"messages"`
				Tools    []struct {
					Name string `json:"name"`
				} `json:"tools"`
			} `json:"params"`
		}
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			continue
		}
		fmt.Fprintln(logf, req.Method)
		switch req.Method {
		case "load", "unload":
			reply(req.ID, map[string]any{})
		case "generate":
			last := ""
			if n := len(req.Params.Messages); n > 0 {
				last = req.Params.Messages[n-1].Content
			}
			if last == "slow" {
				time.Sleep(200 * time.Millisecond)
				notify("delta", map[string]any{"text": "STALE"})
				notify("tool_call", map[string]any{"name": "shell_echo", "arguments": map[string]any{"text": "stale"}})
				reply(req.ID, map[string]any{"text": "STALE"})
				continue
			}
			notify("delta", map[string]any{"text": "It is "})
			if len(req.Params.Tools) > 0 {
				notify("tool_call", map[string]any{"name": req.Params.Tools[0].Name, "arguments": map[string]any{"tz": "UTC"}})
			}
			notify("delta", map[string]any{"text": "noon."})
			reply(req.ID, map[string]any{"text": "It is noon."})
		}
	}
	os.Exit(0)
}

func newHelperLocalAdapter(t *testing.T) (*localAdapter, string) {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), "helper.log")
	engine := newSidecarEngine(os.Args[0], testLogger())
	engine.args = []string{"-test.run=TestLLMHostHelperProcess"}
	engine.env = append(os.Environ(), llmHostTestHelperEnv+"=1", llmHostTestLogEnv+"="+logPath)
	if err := engine.Ready(); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	return newTestLocalAdapter(t, engine, writeModelFile(t)), logPath
}

func helperMethods(t *testing.T, path string) []string {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read helper log: %v", err)
	}
	return strings.Fields(string(raw))
}

func TestLocalSidecar_LoadGenerateUnload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, logPath := newHelperLocalAdapter(t)

	var streamed strings.Builder
	res, err := a.Converse(ctx, model.ConverseRequest{
		Messages:     []model.Message{model.SystemMessage("be brief"), model.UserMessage("time?")},
		Capabilities: capsNamed("clock.now", "shell.echo"),
		OnDelta:      func(s string) { streamed.WriteString(s) },
	})
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if streamed.String() != "It is noon." {
		t.Fatalf("streamed=%q, want %q", streamed.String(), "It is noon.")
	}
	calls := res.Message.ToolCalls
	if len(calls) != 1 || calls[0].Name != "clock.now" || calls[0].ArgumentsJSON != `{"tz":"UTC"}` {
		t.Fatalf("tool calls=%+v, want one clock.now call", calls)
	}
	if a.cache.Refs(a.cfg.ModelPath) != 1 {
		t.Fatalf("refs=%d, want 1", a.cache.Refs(a.cfg.ModelPath))
	}

	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if a.cache.Refs(a.cfg.ModelPath) != 0 {
		t.Fatalf("refs=%d after Shutdown, want 0", a.cache.Refs(a.cfg.ModelPath))
	}
	got := helperMethods(t, logPath)
	if fmt.Sprint(got) != fmt.Sprint([]string{"load", "generate", "unload"}) {
		t.Fatalf("helper methods=%v", got)
	}
}

func TestLocalSidecar_AbandonedGenerateDoesNotLeakIntoNextTurn(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, logPath := newHelperLocalAdapter(t)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	if err := a.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := a.Converse(short, model.ConverseRequest{
		Messages:     []model.Message{model.UserMessage("slow")},
		Capabilities: capsNamed("clock.now", "shell.echo"),
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want deadline exceeded", err)
	}

	var streamed strings.Builder
	res, err := a.Converse(ctx, model.ConverseRequest{
		Messages:     []model.Message{model.UserMessage("time?")},
		Capabilities: capsNamed("clock.now", "shell.echo"),
		OnDelta:      func(s string) { streamed.WriteString(s) },
	})
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if strings.Contains(streamed.String(), "STALE") {
		t.Fatalf("streamed=%q leaked output of the abandoned turn", streamed.String())
	}
	for _, call := range res.Message.ToolCalls {
		if call.Name == "shell.echo" {
			t.Fatalf("phantom tool call from the abandoned turn: %+v", res.Message.ToolCalls)
		}
	}
	if len(res.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls=%+v, want 1", res.Message.ToolCalls)
	}
	got := helperMethods(t, logPath)
	if fmt.Sprint(got) != fmt.Sprint([]string{"load", "generate", "cancel", "generate"}) {
		t.Fatalf("helper methods=%v", got)
	}
}
