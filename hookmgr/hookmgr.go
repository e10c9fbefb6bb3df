// Package hookmgr implements HookManager: invocation of embedder-supplied
// hooks at fixed lifecycle points, converting hook verdicts into dispatcher
// directives. Verdicts are modeled as an explicit tagged struct rather than
// exceptions.
package hookmgr

import (
	"context"

	"goa.design/agentkernel/agent"
	"goa.design/agentkernel/events"
	"goa.design/agentkernel/message"
	"goa.design/agentkernel/store"
	"goa.design/agentkernel/telemetry"
	"goa.design/agentkernel/tools"
)

type (
	// PreModelHook mutates the outgoing context in place before a model call.
	// It may not abort the call.
	PreModelHook func(ctx context.Context, agentID agent.Ident, outgoing []message.Message) ([]message.Message, error)

	// PostModelHook mutates the raw model response's content blocks (e.g.
	// redact, annotate) after a model call returns. It may not re-order tool
	// calls.
	PostModelHook func(ctx context.Context, agentID agent.Ident, response message.Message) (message.Message, error)

	// MessagesChangedHook observes a snapshot of the message history after any
	// mutation. Observation only; return values are ignored.
	MessagesChangedHook func(ctx context.Context, agentID agent.Ident, history []message.Message)

	// PreToolUseHook evaluates a pending tool call before execution and
	// returns a Verdict. Registered both template-wide (applies to every
	// call) and per-tool (applies only to calls for that tool name).
	PreToolUseHook func(ctx context.Context, agentID agent.Ident, call PendingCall) (Verdict, error)

	// PostToolUseHook observes and optionally rewrites a tool's outcome after
	// execution. Registered both template-wide and per-tool.
	PostToolUseHook func(ctx context.Context, agentID agent.Ident, call PendingCall, outcome tools.Outcome) (Verdict, error)
)

// PendingCall is the input to preToolUse/postToolUse hooks: enough of the
// ToolCallRecord for a hook to decide without importing dispatcher.
type PendingCall struct {
	ID       string
	ToolName tools.Ident
	Input    any
}

// VerdictKind discriminates the Verdict sum type.
type VerdictKind string

const (
	// VerdictNone means proceed as if no hook ran.
	VerdictNone VerdictKind = ""
	// VerdictDeny short-circuits execution with a synthetic failed result.
	VerdictDeny VerdictKind = "deny"
	// VerdictAsk forces the call through PermissionManager's approval flow
	// even if policy would otherwise allow it.
	VerdictAsk VerdictKind = "ask"
	// VerdictResult short-circuits execution with a synthetic successful
	// result, skipping the real tool Exec call.
	VerdictResult VerdictKind = "result"
	// VerdictUpdate (postToolUse only) merges Update into the outcome that
	// already ran.
	VerdictUpdate VerdictKind = "update"
	// VerdictReplace (postToolUse only) replaces the outcome that already ran
	// wholesale.
	VerdictReplace VerdictKind = "replace"
)

// Verdict is the tagged result of a preToolUse or postToolUse hook.
type Verdict struct {
	Kind VerdictKind
	// Reason accompanies VerdictDeny.
	Reason string
	// Result accompanies VerdictResult: the synthetic tool result content.
	Result any
	// Update accompanies VerdictUpdate: a partial outcome merged onto the
	// real one (Content/Err set override the real outcome's fields when
	// non-zero).
	Update *tools.Outcome
	// Replace accompanies VerdictReplace: the full outcome substituted for
	// the real one.
	Replace *tools.Outcome
}

// None is the zero Verdict, meaning "proceed, no hook effect".
var None = Verdict{Kind: VerdictNone}

// registration pairs a hook with an optional tool-name scope; an empty
// ToolName means template-wide (applies to every call).
type registration struct {
	toolName tools.Ident // empty = template-wide
	pre      PreToolUseHook
	post     PostToolUseHook
}

// Manager invokes registered hooks at fixed lifecycle points and logs hook
// failures as monitor errors rather than propagating them.
type Manager struct {
	bus    *events.Bus
	logger telemetry.Logger

	preModel        []PreModelHook
	postModel       []PostModelHook
	messagesChanged []MessagesChangedHook
	toolHooks       []registration
}

// New constructs a Manager. bus and logger may be nil; logger defaults to
// telemetry.NoopLogger{} when nil.
func New(bus *events.Bus, logger telemetry.Logger) *Manager {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Manager{bus: bus, logger: logger}
}

// OnPreModel registers a template-level preModel hook. Hooks run in
// registration order.
func (m *Manager) OnPreModel(h PreModelHook) { m.preModel = append(m.preModel, h) }

// OnPostModel registers a template-level postModel hook.
func (m *Manager) OnPostModel(h PostModelHook) { m.postModel = append(m.postModel, h) }

// OnMessagesChanged registers an observation-only hook invoked with a
// history snapshot after any mutation.
func (m *Manager) OnMessagesChanged(h MessagesChangedHook) {
	m.messagesChanged = append(m.messagesChanged, h)
}

// OnPreToolUse registers a preToolUse hook. An empty toolName registers a
// template-level hook that runs for every call; a non-empty toolName scopes
// the hook to that tool only. Template-level hooks run before per-tool
// hooks.
func (m *Manager) OnPreToolUse(toolName tools.Ident, h PreToolUseHook) {
	m.toolHooks = append(m.toolHooks, registration{toolName: toolName, pre: h})
}

// OnPostToolUse registers a postToolUse hook, scoped the same way as
// OnPreToolUse.
func (m *Manager) OnPostToolUse(toolName tools.Ident, h PostToolUseHook) {
	m.toolHooks = append(m.toolHooks, registration{toolName: toolName, post: h})
}

// RunPreModel runs every registered preModel hook in order, threading the
// mutated message slice through each. A hook failure is logged as a monitor
// error and treated as a no-op (the slice from before that hook is kept).
func (m *Manager) RunPreModel(ctx context.Context, agentID agent.Ident, outgoing []message.Message) []message.Message {
	for _, h := range m.preModel {
		out, err := h(ctx, agentID, outgoing)
		if err != nil {
			m.logHookError(ctx, agentID, "preModel", err)
			continue
		}
		outgoing = out
	}
	return outgoing
}

// RunPostModel runs every registered postModel hook in order over response.
func (m *Manager) RunPostModel(ctx context.Context, agentID agent.Ident, response message.Message) message.Message {
	for _, h := range m.postModel {
		out, err := h(ctx, agentID, response)
		if err != nil {
			m.logHookError(ctx, agentID, "postModel", err)
			continue
		}
		response = out
	}
	return response
}

// RunMessagesChanged notifies every registered messagesChanged hook with a
// snapshot of history. Hooks must not assume they are the only listener.
func (m *Manager) RunMessagesChanged(ctx context.Context, agentID agent.Ident, history []message.Message) {
	for _, h := range m.messagesChanged {
		h(ctx, agentID, history)
	}
}

// RunPreToolUse runs template-level then per-tool preToolUse hooks for call,
// stopping at the first non-None verdict. A hook that errors is logged and
// skipped.
func (m *Manager) RunPreToolUse(ctx context.Context, agentID agent.Ident, call PendingCall) Verdict {
	for _, pass := range []tools.Ident{"", call.ToolName} {
		for _, reg := range m.toolHooks {
			if reg.pre == nil || reg.toolName != pass {
				continue
			}
			v, err := reg.pre(ctx, agentID, call)
			if err != nil {
				m.logHookError(ctx, agentID, "preToolUse", err)
				continue
			}
			if v.Kind != VerdictNone {
				return v
			}
		}
	}
	return None
}

// RunPostToolUse runs template-level then per-tool postToolUse hooks for
// call/outcome, stopping at the first non-None verdict.
func (m *Manager) RunPostToolUse(ctx context.Context, agentID agent.Ident, call PendingCall, outcome tools.Outcome) Verdict {
	for _, pass := range []tools.Ident{"", call.ToolName} {
		for _, reg := range m.toolHooks {
			if reg.post == nil || reg.toolName != pass {
				continue
			}
			v, err := reg.post(ctx, agentID, call, outcome)
			if err != nil {
				m.logHookError(ctx, agentID, "postToolUse", err)
				continue
			}
			if v.Kind != VerdictNone {
				return v
			}
		}
	}
	return None
}

// MonitorErrorPayload is the monitor-channel error event payload, shared with
// dispatcher and loop for every {phase, severity, message} error emitted
// on the monitor channel.
type MonitorErrorPayload struct {
	Severity string `json:"severity"`
	Phase    string `json:"phase"`
	Message  string `json:"message"`
	Detail   string `json:"detail,omitempty"`
}

func (m *Manager) logHookError(ctx context.Context, agentID agent.Ident, point string, err error) {
	m.logger.Error(ctx, "hook failed", "point", point, "agent_id", string(agentID), "error", err.Error())
	if m.bus != nil {
		_, _ = m.bus.Emit(ctx, agentID, store.ChannelMonitor, "error", MonitorErrorPayload{
			Severity: "warning",
			Phase:    "lifecycle",
			Message:  "hook failed: " + point,
			Detail:   err.Error(),
		})
	}
}
