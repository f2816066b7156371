package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const helperEnv = "REDEVEN_SIDECAR_TEST_HELPER"

// TestHelperProcess is not a real test. It is the fake helper launched by the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	sc := bufio.NewScanner(os.Stdin)
	enc := json.NewEncoder(os.Stdout)
	for sc.Scan() {
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			continue
		}
		fmt.Fprintln(os.Stderr, "helper got", req.Method)
		switch req.Method {
		case "echo":
			_ = enc.Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": json.RawMessage(req.Params)})
		case "stream":
			for _, d := range []string{"a", "b", "c"} {
				_ = enc.Encode(map[string]any{"jsonrpc": "2.0", "method": "delta", "params": map[string]any{"text": d}})
			}
			_ = enc.Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{"done": true}})
		case "stream_tagged":
			for _, d := range []string{"x", "y"} {
				_ = enc.Encode(map[string]any{"jsonrpc": "2.0", "method": "delta", "params": map[string]any{"text": d, "request_id": req.ID}})
			}
			_ = enc.Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{"done": true}})
		case "slow":
			time.Sleep(200 * time.Millisecond)
			_ = enc.Encode(map[string]any{"jsonrpc": "2.0", "method": "delta", "params": map[string]any{"text": "STALE"}})
			_ = enc.Encode(map[string]any{"jsonrpc": "2.0", "method": "tool_call", "params": map[string]any{"name": "shell.echo"}})
			_ = enc.Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{"text": "STALE"}})
		case "fail":
			_ = enc.Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": -32000, "message": "boom"}})
		case "hang":
		case "exit":
			os.Exit(0)
		}
	}
	os.Exit(0)
}

func startHelper(t *testing.T) *Process {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	p, err := Start(context.Background(), logger, Options{
		Bin:       os.Args[0],
		Args:      []string{"-test.run=TestHelperProcess"},
		Env:       append(os.Environ(), helperEnv+"=1"),
		Component: "test_helper",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func TestProcess_CallRoundTrip(t *testing.T) {
	t.Parallel()

	p := startHelper(t)
	var out struct {
		Text string `json:"text"`
	}
	if err := p.Call(context.Background(), "echo", map[string]any{"text": "hello"}, &out, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out.Text != "hello" {
		t.Fatalf("text=%q, want hello", out.Text)
	}
}

func TestProcess_NotificationsArriveInOrder(t *testing.T) {
	t.Parallel()

	p := startHelper(t)
	var got string
	err := p.Call(context.Background(), "stream", nil, nil, func(method string, params json.RawMessage) {
		var d struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(params, &d)
		got += d.Text
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "abc" {
		t.Fatalf("deltas=%q, want abc", got)
	}
}

func TestProcess_RPCError(t *testing.T) {
	t.Parallel()

	p := startHelper(t)
	err := p.Call(context.Background(), "fail", nil, nil, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32000 {
		t.Fatalf("err=%v, want rpc error -32000", err)
	}
}

func TestProcess_CallHonorsContext(t *testing.T) {
	t.Parallel()

	p := startHelper(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := p.Call(ctx, "hang", nil, nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want deadline exceeded", err)
	}
	// The process stays usable after an abandoned call.
	var out map[string]any
	if err := p.Call(context.Background(), "echo", map[string]any{"x": 1}, &out, nil); err != nil {
		t.Fatalf("Call after abandon: %v", err)
	}
}

func collectNotifications(got *[]string) NotifyFunc {
	return func(method string, params json.RawMessage) {
		var d struct {
			Text string `json:"text"`
			Name string `json:"name"`
		}
		_ = json.Unmarshal(params, &d)
		*got = append(*got, method+":"+d.Text+d.Name)
	}
}

func TestProcess_AbandonedCallNotificationsDoNotLeak(t *testing.T) {
	t.Parallel()

	p := startHelper(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var first []string
	if err := p.Call(ctx, "slow", nil, nil, collectNotifications(&first)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want deadline exceeded", err)
	}

	var second []string
	if err := p.Call(context.Background(), "stream", nil, nil, collectNotifications(&second)); err != nil {
		t.Fatalf("Call: %v", err)
	}
	want := []string{"delta:a", "delta:b", "delta:c"}
	if fmt.Sprint(second) != fmt.Sprint(want) {
		t.Fatalf("notifications=%v, want %v", second, want)
	}
	if len(first) != 0 {
		t.Fatalf("abandoned call saw notifications after returning: %v", first)
	}
}

func TestProcess_TaggedNotificationsRouteByRequestID(t *testing.T) {
	t.Parallel()

	p := startHelper(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// "hang" never answers, so untagged frames would stay unattributable.
	if err := p.Call(ctx, "hang", nil, nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want deadline exceeded", err)
	}

	var got []string
	if err := p.Call(context.Background(), "stream_tagged", nil, nil, collectNotifications(&got)); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if fmt.Sprint(got) != fmt.Sprint([]string{"delta:x", "delta:y"}) {
		t.Fatalf("notifications=%v", got)
	}
}

func TestProcess_ExitSurfacesClosed(t *testing.T) {
	t.Parallel()

	p := startHelper(t)
	if err := p.Call(context.Background(), "exit", nil, nil, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v, want ErrClosed", err)
	}
}

func writeFakeHelper(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for fake helper: %v", err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write fake helper: %v", err)
	}
}

func TestResolveBinary_PrefersOverrideThenEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	binDir := t.TempDir()
	override := filepath.Join(binDir, "override-helper")
	fromEnv := filepath.Join(binDir, "env-helper")
	writeFakeHelper(t, override)
	writeFakeHelper(t, fromEnv)
	t.Setenv("PATH", binDir)
	t.Setenv("REDEVEN_TEST_HELPER_BIN", fromEnv)

	got, err := ResolveBinary(override, "REDEVEN_TEST_HELPER_BIN", "helper")
	if err != nil || got != override {
		t.Fatalf("ResolveBinary()=%q, %v; want %q", got, err, override)
	}
	got, err = ResolveBinary("", "REDEVEN_TEST_HELPER_BIN", "helper")
	if err != nil || got != fromEnv {
		t.Fatalf("ResolveBinary()=%q, %v; want %q", got, err, fromEnv)
	}
}

func TestResolveBinary_FallsBackToHomeBin(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("PATH", t.TempDir())
	want := filepath.Join(home, ".redeven-cli", "bin", "helper")
	writeFakeHelper(t, want)

	got, err := ResolveBinary("", "", "helper")
	if err != nil || got != want {
		t.Fatalf("ResolveBinary()=%q, %v; want %q", got, err, want)
	}
}

func TestResolveBinary_RejectsNonExecutable(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("PATH", t.TempDir())
	path := filepath.Join(t.TempDir(), "helper")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ResolveBinary(path, "", "helper"); err == nil {
		t.Fatalf("expected error for non-executable helper")
	}
}
