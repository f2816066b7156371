package backend

import (
	"context"
	"testing"

	"github.com/floegence/redeven-cli/internal/ai/model"
)

func capsNamed(names ...string) []model.CapabilityDescriptor {
	out := make([]model.CapabilityDescriptor, 0, len(names))
	for _, n := range names {
		out = append(out, model.CapabilityDescriptor{Name: n, Description: n, Tier: model.TierCore})
	}
	return out
}

func TestRetryOnNull_RetriesOnceWithoutCapabilities(t *testing.T) {
	t.Parallel()

	var seenCaps []int
	replies := []string{" null ", "hello"}
	req := model.ConverseRequest{Capabilities: capsNamed("a", "b")}
	msg, err := retryOnNull(context.Background(), testLogger(), req, func(ctx context.Context, req model.ConverseRequest) (model.Message, error) {
		seenCaps = append(seenCaps, len(req.Capabilities))
		reply := replies[len(seenCaps)-1]
		return model.AssistantMessage(reply, nil), nil
	})
	if err != nil {
		t.Fatalf("retryOnNull: %v", err)
	}
	if msg.ContentText() != "hello" {
		t.Fatalf("content=%q, want hello", msg.ContentText())
	}
	if len(seenCaps) != 2 || seenCaps[0] != 2 || seenCaps[1] != 0 {
		t.Fatalf("capabilities per call=%v, want [2 0]", seenCaps)
	}
}

func TestRetryOnNull_SecondNullIsEmptyAnswer(t *testing.T) {
	t.Parallel()

	calls := 0
	msg, err := retryOnNull(context.Background(), nil, model.ConverseRequest{}, func(ctx context.Context, req model.ConverseRequest) (model.Message, error) {
		calls++
		return model.AssistantMessage("null", nil), nil
	})
	if err != nil {
		t.Fatalf("retryOnNull: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls=%d, want 2", calls)
	}
	if msg.Role != model.RoleAssistant || msg.ContentText() != "" || len(msg.ToolCalls) != 0 {
		t.Fatalf("msg=%+v, want empty assistant answer", msg)
	}
}

func TestRetryOnNull_InvocationsAreNotNull(t *testing.T) {
	t.Parallel()

	calls := 0
	msg, err := retryOnNull(context.Background(), nil, model.ConverseRequest{}, func(ctx context.Context, req model.ConverseRequest) (model.Message, error) {
		calls++
		return model.AssistantMessage("", []model.ToolCall{{ID: "c1", Name: "clock.now", ArgumentsJSON: "{}"}}), nil
	})
	if err != nil {
		t.Fatalf("retryOnNull: %v", err)
	}
	if calls != 1 || len(msg.ToolCalls) != 1 {
		t.Fatalf("calls=%d tool_calls=%d, want 1 and 1", calls, len(msg.ToolCalls))
	}
}
