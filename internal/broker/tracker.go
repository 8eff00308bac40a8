package broker

import (
	"sort"
	"sync"
	"time"
)

// Invocation is one recorded tool call made from inside a sandbox execution.
type Invocation struct {
	ToolID       string        `json:"toolName"`
	StartedAt    time.Time     `json:"startedAt"`
	Duration     time.Duration `json:"-"`
	DurationMs   int64         `json:"durationMs"`
	Outcome      string        `json:"status"` // success | error | denied | rate_limited
	ErrorKind    Kind          `json:"errorKind,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	OutputSize   int           `json:"outputSize,omitempty"`
}

// ToolUsage aggregates invocations of a single tool.
type ToolUsage struct {
	ToolID       string    `json:"toolName"`
	Calls        int       `json:"callCount"`
	Ok           int       `json:"okCount"`
	Errors       int       `json:"errCount"`
	Denied       int       `json:"deniedCount"`
	TotalTimeMs  int64     `json:"totalDurationMs"`
	LastStatus   string    `json:"lastStatus"`
	LastError    string    `json:"lastError,omitempty"`
	LastCalledAt time.Time `json:"lastCalledAt"`
}

// Tracker records the tool calls of one execution for the final report.
type Tracker struct {
	mu          sync.Mutex
	invocations []Invocation
}

// NewTracker creates an empty invocation tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Record appends one invocation.
func (t *Tracker) Record(inv Invocation) {
	inv.DurationMs = inv.Duration.Milliseconds()
	t.mu.Lock()
	t.invocations = append(t.invocations, inv)
	t.mu.Unlock()
}

// Invocations returns a copy of all recorded invocations in call order.
func (t *Tracker) Invocations() []Invocation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Invocation, len(t.invocations))
	copy(out, t.invocations)
	return out
}

// Summary aggregates the recorded invocations per tool, sorted by tool ID.
func (t *Tracker) Summary() []ToolUsage {
	t.mu.Lock()
	defer t.mu.Unlock()

	byTool := make(map[string]*ToolUsage)
	for _, inv := range t.invocations {
		u, ok := byTool[inv.ToolID]
		if !ok {
			u = &ToolUsage{ToolID: inv.ToolID}
			byTool[inv.ToolID] = u
		}
		u.Calls++
		u.TotalTimeMs += inv.Duration.Milliseconds()
		u.LastStatus = inv.Outcome
		u.LastError = inv.ErrorMessage
		if inv.StartedAt.After(u.LastCalledAt) {
			u.LastCalledAt = inv.StartedAt
		}
		switch inv.Outcome {
		case "success":
			u.Ok++
		case "denied":
			u.Denied++
		default:
			u.Errors++
		}
	}

	out := make([]ToolUsage, 0, len(byTool))
	for _, u := range byTool {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolID < out[j].ToolID })
	return out
}
