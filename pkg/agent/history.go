package agent

import "sync"

// ToolUse records one tool invocation: what was called, with what input,
// and what came back.
type ToolUse struct {
	ToolName   string `json:"tool_name"`
	ToolInput  string `json:"tool_input"`
	ToolOutput string `json:"tool_output"`
}

// ToolHistory keeps every tool invocation since startup or the last clear.
// It backs the tools history endpoint and is safe for concurrent use.
type ToolHistory struct {
	mu    sync.Mutex
	calls []ToolUse
}

// NewToolHistory creates an empty history.
func NewToolHistory() *ToolHistory {
	return &ToolHistory{}
}

// Record appends one invocation.
func (h *ToolHistory) Record(use ToolUse) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, use)
}

// All returns a copy of the recorded invocations, oldest first.
func (h *ToolHistory) All() []ToolUse {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ToolUse, len(h.calls))
	copy(out, h.calls)
	return out
}

// Total returns the number of recorded invocations.
func (h *ToolHistory) Total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

// Clear drops all recorded invocations.
func (h *ToolHistory) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
}
