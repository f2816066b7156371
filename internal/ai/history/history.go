// Package history estimates token cost and keeps a transcript inside a fixed budget.
package history

import (
	"log/slog"
	"unicode/utf8"

	"github.com/floegence/redeven-cli/internal/ai/model"
)

const (
	defaultContextWindow   = 8192
	defaultSystemReserve   = 1024
	defaultResponseReserve = 1024

	// minRetained is the system message plus the latest user/assistant pair.
	minRetained = 3
)

// Estimate is a coarse token count: ASCII-heavy text costs one token per four
// characters, anything else one token per character.
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	ascii := 0
	for _, r := range text {
		if r < utf8.RuneSelf {
			ascii++
		}
	}
	if ascii*2 > n {
		return (n + 3) / 4
	}
	return n
}

// EstimateMessage includes tool call names and arguments.
func EstimateMessage(msg model.Message) int {
	total := Estimate(msg.ContentText())
	total += Estimate(msg.Name)
	for _, tc := range msg.ToolCalls {
		total += Estimate(tc.Name) + Estimate(tc.ArgumentsJSON)
	}
	return total
}

func EstimateMessages(msgs []model.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(m)
	}
	return total
}

// TokenBudget is a pure function of configuration.
type TokenBudget struct {
	Total           int
	SystemReserve   int
	ResponseReserve int
}

func DefaultBudget() TokenBudget {
	return TokenBudget{Total: defaultContextWindow, SystemReserve: defaultSystemReserve, ResponseReserve: defaultResponseReserve}
}

// MaxHistory is what remains for non-system entries.
func (b TokenBudget) MaxHistory() int {
	v := b.Total - b.SystemReserve - b.ResponseReserve
	if v < 0 {
		return 0
	}
	return v
}

// Manager trims transcripts. It only observes the transcript; the caller owns it.
type Manager struct {
	Budget TokenBudget
	Log    *slog.Logger
}

func NewManager(budget TokenBudget, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{Budget: budget, Log: log}
}

// Trim drops the oldest non-system entries until the non-system estimate fits
// MaxHistory or only minRetained entries remain. The newest user message and
// everything after it belong to the turn in flight and are never dropped.
// Transcripts of two or fewer entries are returned untouched. Dropped context
// is gone, not summarized.
func (m *Manager) Trim(transcript []model.Message) []model.Message {
	if len(transcript) <= 2 {
		return transcript
	}
	limit := m.Budget.MaxHistory()
	out := append([]model.Message(nil), transcript...)

	cost := 0
	for _, msg := range out {
		if msg.Role != model.RoleSystem {
			cost += EstimateMessage(msg)
		}
	}
	// Length of the protected tail, counted from the end so it survives removals.
	tail := 0
	if idx := newestUser(out); idx >= 0 {
		tail = len(out) - idx
	}
	droppable := func() int {
		idx := oldestNonSystem(out)
		if idx < 0 || idx >= len(out)-tail || len(out) <= minRetained {
			return -1
		}
		return idx
	}

	dropped := 0
	for cost > limit {
		idx := droppable()
		if idx < 0 {
			break
		}
		cost -= EstimateMessage(out[idx])
		out = append(out[:idx], out[idx+1:]...)
		dropped++

		// A tool result without its call would be rejected by every backend.
		for {
			next := droppable()
			if next < 0 || out[next].Role != model.RoleTool {
				break
			}
			cost -= EstimateMessage(out[next])
			out = append(out[:next], out[next+1:]...)
			dropped++
		}
	}
	if dropped > 0 && m.Log != nil {
		m.Log.Debug("history trimmed", "component", "history", "dropped", dropped, "remaining", len(out), "estimate", cost, "limit", limit)
	}
	return out
}

func newestUser(msgs []model.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == model.RoleUser {
			return i
		}
	}
	return -1
}

func oldestNonSystem(msgs []model.Message) int {
	for i, msg := range msgs {
		if msg.Role != model.RoleSystem {
			return i
		}
	}
	return -1
}
