// Package usage keeps per-backend token counts for the life of the process.
package usage

import (
	"sort"
	"sync"
)

type Totals struct {
	BackendID        string `json:"backend_id"`
	Calls            int64  `json:"calls"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}

// Counter is safe for concurrent use. The zero value is ready to use.
type Counter struct {
	mu     sync.Mutex
	totals map[string]*Totals
}

func NewCounter() *Counter {
	return &Counter{totals: make(map[string]*Totals)}
}

func (c *Counter) Record(backendID string, prompt int, completion int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.totals == nil {
		c.totals = make(map[string]*Totals)
	}
	t := c.totals[backendID]
	if t == nil {
		t = &Totals{BackendID: backendID}
		c.totals[backendID] = t
	}
	t.Calls++
	t.PromptTokens += int64(prompt)
	t.CompletionTokens += int64(completion)
}

func (c *Counter) Get(backendID string) Totals {
	if c == nil {
		return Totals{BackendID: backendID}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t := c.totals[backendID]; t != nil {
		return *t
	}
	return Totals{BackendID: backendID}
}

// Snapshot returns every backend's totals sorted by id.
func (c *Counter) Snapshot() []Totals {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	out := make([]Totals, 0, len(c.totals))
	for _, t := range c.totals {
		out = append(out, *t)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].BackendID < out[j].BackendID })
	return out
}
