package store

import (
	"context"

	"goa.design/agentkernel/agent"
	"goa.design/agentkernel/message"
)

// Page bounds a query result. A zero Limit means no bound.
type Page struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// Slice applies the page to a result set of length n, returning the
// half-open index range [lo, hi) to keep.
func (p Page) Slice(n int) (lo, hi int) {
	lo = p.Offset
	if lo > n {
		lo = n
	}
	hi = n
	if p.Limit > 0 && lo+p.Limit < hi {
		hi = lo + p.Limit
	}
	return lo, hi
}

// SessionQuery filters QuerySessions results. Zero-valued fields match
// everything.
type SessionQuery struct {
	TemplateID string     `json:"template_id,omitempty"`
	Breakpoint Breakpoint `json:"breakpoint,omitempty"`
	Page       Page       `json:"page"`
}

// MessageQuery filters QueryMessages results for one agent.
type MessageQuery struct {
	Role         message.Role `json:"role,omitempty"`
	ContainsText string       `json:"contains_text,omitempty"`
	Page         Page         `json:"page"`
}

// ToolCallQuery filters QueryToolCalls results for one agent.
type ToolCallQuery struct {
	ToolName string    `json:"tool_name,omitempty"`
	State    ToolState `json:"state,omitempty"`
	Page     Page      `json:"page"`
}

// Stats aggregates store-wide counts for dashboards and capacity checks.
type Stats struct {
	AgentCount    int `json:"agent_count"`
	MessageCount  int `json:"message_count"`
	ToolCallCount int `json:"tool_call_count"`
	EventCount    int `json:"event_count"`
	SnapshotCount int `json:"snapshot_count"`
}

// Querier is the optional extended query surface. Backends that can answer
// filtered, paginated queries implement it alongside Store; callers discover
// it with a type assertion and fall back to full loads when absent.
type Querier interface {
	QuerySessions(ctx context.Context, q SessionQuery) ([]AgentInfo, error)
	QueryMessages(ctx context.Context, id agent.Ident, q MessageQuery) ([]message.Message, error)
	QueryToolCalls(ctx context.Context, id agent.Ident, q ToolCallQuery) ([]ToolCallRecord, error)
	AggregateStats(ctx context.Context) (Stats, error)
}
