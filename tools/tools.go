// Package tools defines the Tool contract the dispatcher invokes: static
// metadata (name, schema, attributes), the execution context handed to each
// call, and the outcome shape a tool returns.
package tools

import (
	"context"
	"encoding/json"

	"goa.design/agentkernel/agent"
	"goa.design/agentkernel/sandbox"
)

// Ident is the strong type for tool identifiers. Tool names are flat but
// kept as a distinct type to avoid accidental mixing with other
// string-keyed identifiers.
type Ident string

// Attributes carries the static metadata a tool declares about itself,
// consulted by PermissionManager, ToolDispatcher's concurrency/serialization
// rules, and ContextManager's tool-manual assembly.
type Attributes struct {
	// Readonly tools never mutate state and may run concurrently with any
	// other readonly tool.
	Readonly bool
	// NoEffect tools are safe to retry or run speculatively (e.g. during
	// permission preview) without side effects.
	NoEffect bool
	// TimeoutMs bounds a single call; zero means no tool-specific timeout is
	// enforced beyond the dispatcher's own cancellation propagation.
	TimeoutMs int
	// Prompt is optional text the tool contributes to the assembled system
	// prompt (e.g. usage guidance), appended by ContextManager.
	Prompt string
}

// Spec is a tool's static, model-facing declaration.
type Spec struct {
	Name        Ident
	Description string
	Schema      json.RawMessage
	Attributes  Attributes
}

// EmitFunc lets a tool publish a custom monitor-channel event
// (tool_custom_event) while it runs, without coupling the tool to the event
// bus implementation.
type EmitFunc func(eventType string, data any)

// ExecContext is supplied to every tool invocation.
type ExecContext struct {
	context.Context

	AgentID agent.Ident
	Sandbox sandbox.Sandbox
	Emit    EmitFunc
}

// Outcome is the result of a single tool invocation. Dispatcher renders a
// failed Outcome through toolerrors.Payload; a successful Outcome's Content
// is placed directly into the resulting ToolResultBlock.
type Outcome struct {
	OK      bool
	Content any
	Err     error
}

// Success builds an OK outcome carrying content.
func Success(content any) Outcome {
	return Outcome{OK: true, Content: content}
}

// Failure builds a failed outcome wrapping err. Dispatcher classifies err
// through toolerrors.FromError before rendering the result payload.
func Failure(err error) Outcome {
	return Outcome{OK: false, Err: err}
}

// Tool is the contract every built-in or embedder-provided tool implements.
type Tool interface {
	Spec() Spec
	Exec(ectx ExecContext, args json.RawMessage) (Outcome, error)
}
