package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/floegence/redeven-cli/internal/ai/model"
)

func echoCapability(name string, confirm bool) Capability {
	return Capability{
		Descriptor: model.CapabilityDescriptor{
			Name:                 name,
			Description:          "echo arguments",
			Schema:               json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`),
			RequiresConfirmation: confirm,
		},
		Handler: func(_ context.Context, argsJSON string) (string, error) {
			return argsJSON, nil
		},
	}
}

func TestStaticRegistry_ListKeepsOrderAndDefaults(t *testing.T) {
	t.Parallel()

	r, err := NewStaticRegistry(echoCapability("b", false), echoCapability("a", true))
	if err != nil {
		t.Fatalf("NewStaticRegistry: %v", err)
	}
	list := r.List()
	if len(list) != 2 || list[0].Name != "b" || list[1].Name != "a" {
		t.Fatalf("list=%+v", list)
	}
	if list[0].Tier != model.TierExtended {
		t.Fatalf("tier=%q, want extended default", list[0].Tier)
	}
	if !r.RequiresConfirmation("a") || r.RequiresConfirmation("b") || r.RequiresConfirmation("missing") {
		t.Fatalf("unexpected confirmation flags")
	}
}

func TestStaticRegistry_RejectsDuplicatesAndBadSchema(t *testing.T) {
	t.Parallel()

	if _, err := NewStaticRegistry(echoCapability("x", false), echoCapability("x", false)); err == nil {
		t.Fatalf("expected duplicate error")
	}
	bad := echoCapability("y", false)
	bad.Descriptor.Schema = json.RawMessage(`{"type":`)
	if _, err := NewStaticRegistry(bad); err == nil {
		t.Fatalf("expected schema error")
	}
}

func TestStaticRegistry_Execute(t *testing.T) {
	t.Parallel()

	r, _ := NewStaticRegistry(echoCapability("echo", false))
	out, err := r.Execute(context.Background(), "echo", `{"text":"hi"}`)
	if err != nil || out != `{"text":"hi"}` {
		t.Fatalf("out=%q err=%v", out, err)
	}
	if out, err := r.Execute(context.Background(), "echo", ""); err != nil || out != "{}" {
		t.Fatalf("empty args: out=%q err=%v", out, err)
	}
	_, err = r.Execute(context.Background(), "nope", "{}")
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("err=%v, want ErrUnknownTool", err)
	}
	_, err = r.Execute(context.Background(), "echo", `[1,2]`)
	var te *ToolError
	if !errors.As(err, &te) || te.Code != ErrorCodeInvalidArguments {
		t.Fatalf("err=%v, want invalid arguments", err)
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want ErrorCode
	}{
		{fmt.Errorf("%w: x", ErrUnknownTool), ErrorCodeUnknownTool},
		{context.DeadlineExceeded, ErrorCodeTimeout},
		{errors.New("open /etc/shadow: permission denied"), ErrorCodePermissionDenied},
		{errors.New("file not found"), ErrorCodeNotFound},
		{errors.New("boom"), ErrorCodeUnknown},
		{&ToolError{Code: ErrorCodeInvalidArguments, Message: " bad "}, ErrorCodeInvalidArguments},
	}
	for _, tc := range cases {
		got := ClassifyError(Invocation{ToolName: "t"}, tc.err)
		if got == nil || got.Code != tc.want {
			t.Fatalf("ClassifyError(%v)=%+v, want %s", tc.err, got, tc.want)
		}
	}
	if ClassifyError(Invocation{}, nil) != nil {
		t.Fatalf("nil error must classify to nil")
	}
}

func TestPayloads(t *testing.T) {
	t.Parallel()

	var env ResultEnvelope
	if err := json.Unmarshal([]byte(RejectionPayload("shell.echo")), &env); err != nil {
		t.Fatalf("unmarshal rejection: %v", err)
	}
	if !env.Rejected || env.Status != ResultStatusRejected {
		t.Fatalf("rejection envelope=%+v", env)
	}
	env = ResultEnvelope{}
	if err := json.Unmarshal([]byte(ErrorPayload(&ToolError{Message: "x"})), &env); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if env.Error == nil || env.Error.Code != ErrorCodeUnknown || env.Status != ResultStatusError {
		t.Fatalf("error envelope=%+v", env)
	}
}
