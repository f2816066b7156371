package history

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/floegence/redeven-cli/internal/ai/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func TestEstimate(t *testing.T) {
	t.Parallel()

	ascii := strings.Repeat("abcd", 10)
	if got := Estimate(ascii); got != 10 {
		t.Fatalf("Estimate(40 ascii)=%d, want 10", got)
	}
	wide := strings.Repeat("漢字", 20)
	if got := Estimate(wide); got != 40 {
		t.Fatalf("Estimate(40 non-ascii)=%d, want 40", got)
	}
	mixed := strings.Repeat("a", 15) + strings.Repeat("é", 25)
	if got := Estimate(mixed); got != 40 {
		t.Fatalf("Estimate(non-ascii majority)=%d, want 40", got)
	}
	if got := Estimate(""); got != 0 {
		t.Fatalf("Estimate(\"\")=%d, want 0", got)
	}
	if got := Estimate("abcde"); got != 2 {
		t.Fatalf("Estimate(5 ascii)=%d, want 2", got)
	}
}

func TestTokenBudget_MaxHistory(t *testing.T) {
	t.Parallel()

	if got := (TokenBudget{Total: 8192, SystemReserve: 1024, ResponseReserve: 1024}).MaxHistory(); got != 6144 {
		t.Fatalf("MaxHistory=%d, want 6144", got)
	}
	if got := (TokenBudget{Total: 100, SystemReserve: 80, ResponseReserve: 80}).MaxHistory(); got != 0 {
		t.Fatalf("MaxHistory=%d, want 0", got)
	}
}

func TestTrim_TwoEntriesUntouched(t *testing.T) {
	t.Parallel()

	m := NewManager(TokenBudget{Total: 1}, discardLogger())
	in := []model.Message{
		model.SystemMessage("sys"),
		model.UserMessage(strings.Repeat("x", 4000)),
	}
	out := m.Trim(in)
	if len(out) != 2 {
		t.Fatalf("len=%d, want 2", len(out))
	}
}

func TestTrim_DropsOldestUntilUnderBudget(t *testing.T) {
	t.Parallel()

	turn := strings.Repeat("a", 40) // 10 tokens
	in := []model.Message{
		model.SystemMessage(strings.Repeat("s", 4000)),
		model.UserMessage("u1 " + turn),
		model.AssistantMessage("a1 "+turn, nil),
		model.UserMessage("u2 " + turn),
		model.AssistantMessage("a2 "+turn, nil),
		model.UserMessage("u3 " + turn),
	}
	// Five non-system entries of 11 tokens each; allow three of them.
	m := NewManager(TokenBudget{Total: 33}, discardLogger())
	out := m.Trim(in)
	if len(out) != 4 {
		t.Fatalf("len=%d, want 4", len(out))
	}
	if out[0].Role != model.RoleSystem {
		t.Fatalf("system message not preserved: %+v", out[0])
	}
	for i, want := range []string{"u2", "a2", "u3"} {
		if got := out[i+1].ContentText(); !strings.HasPrefix(got, want) {
			t.Fatalf("out[%d]=%q, want prefix %q", i+1, got, want)
		}
	}
	if len(in) != 6 {
		t.Fatalf("input mutated: len=%d", len(in))
	}
}

func TestTrim_StopsAtThreeEntries(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("b", 4000)
	in := []model.Message{
		model.SystemMessage("sys"),
		model.UserMessage(big),
		model.AssistantMessage(big, nil),
		model.UserMessage(big),
		model.AssistantMessage("latest answer "+big, nil),
		model.UserMessage("latest question " + big),
	}
	m := NewManager(TokenBudget{Total: 10}, discardLogger())
	out := m.Trim(in)
	if len(out) != 3 {
		t.Fatalf("len=%d, want 3", len(out))
	}
	if out[0].Role != model.RoleSystem {
		t.Fatalf("system entry dropped")
	}
	if !strings.HasPrefix(out[1].ContentText(), "latest answer") || !strings.HasPrefix(out[2].ContentText(), "latest question") {
		t.Fatalf("latest pair did not survive: %q / %q", out[1].ContentText(), out[2].ContentText())
	}
}

func TestTrim_DropsOrphanedToolResults(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("c", 400)
	in := []model.Message{
		model.SystemMessage("sys"),
		model.UserMessage(big),
		model.AssistantMessage("", []model.ToolCall{{ID: "call_1", Name: "clock.now", ArgumentsJSON: "{}"}}),
		model.ToolResultMessage("call_1", "clock.now", big),
		model.AssistantMessage("it is noon", nil),
		model.UserMessage("thanks"),
		model.AssistantMessage("welcome", nil),
	}
	m := NewManager(TokenBudget{Total: 100}, discardLogger())
	out := m.Trim(in)
	for _, msg := range out {
		if msg.Role == model.RoleTool {
			t.Fatalf("orphaned tool result survived: %+v", out)
		}
	}
	if out[len(out)-1].ContentText() != "welcome" {
		t.Fatalf("latest entry dropped")
	}
}

func TestTrim_KeepsTurnInFlight(t *testing.T) {
	t.Parallel()

	in := []model.Message{
		model.SystemMessage("sys"),
		model.UserMessage("what is in the file?"),
		model.AssistantMessage("", []model.ToolCall{{ID: "c1", Name: "fs.read", ArgumentsJSON: `{"path":"a.txt"}`}}),
		model.ToolResultMessage("c1", "fs.read", strings.Repeat("x", 1000)),
	}
	m := NewManager(TokenBudget{Total: 300, SystemReserve: 100, ResponseReserve: 100}, discardLogger())
	out := m.Trim(in)
	if len(out) != 4 {
		t.Fatalf("len=%d, want 4", len(out))
	}
	if out[1].Role != model.RoleUser {
		t.Fatalf("out[1].Role=%s, want user", out[1].Role)
	}
}

func TestTrim_DropsOlderTurnsButNotCurrentOne(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("o", 800)
	in := []model.Message{
		model.SystemMessage("sys"),
		model.UserMessage("old " + big),
		model.AssistantMessage("old answer "+big, nil),
		model.UserMessage("current"),
		model.AssistantMessage("", []model.ToolCall{{ID: "c1", Name: "clock.now", ArgumentsJSON: "{}"}}),
		model.ToolResultMessage("c1", "clock.now", strings.Repeat("t", 1000)),
	}
	m := NewManager(TokenBudget{Total: 50}, discardLogger())
	out := m.Trim(in)
	if len(out) != 4 {
		t.Fatalf("len=%d, want 4", len(out))
	}
	roles := []model.Role{model.RoleSystem, model.RoleUser, model.RoleAssistant, model.RoleTool}
	for i, want := range roles {
		if out[i].Role != want {
			t.Fatalf("out[%d].Role=%s, want %s", i, out[i].Role, want)
		}
	}
	if out[1].ContentText() != "current" {
		t.Fatalf("out[1]=%q, want current", out[1].ContentText())
	}
}
