// Package agent provides strong type identifiers and small shared value
// types used across the kernel's components.
package agent

// Ident is the strong type for agent identifiers. Use this type rather than
// a bare string when referencing agents in maps or APIs to avoid accidental
// mixing with other identifier kinds (tool names, run ids).
type Ident string

// Bounds describes how a tool or query result has been bounded relative to
// the full underlying data set. Tools populate this when they truncate or
// window a result so callers and UIs can surface truncation without
// re-inspecting tool-specific fields.
type Bounds struct {
	Returned       int
	Total          *int
	Truncated      bool
	RefinementHint string
}
