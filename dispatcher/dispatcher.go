// Package dispatcher implements ToolDispatcher: concurrent execution of a
// batch of model-emitted tool calls with bounded fan-out, permission gating,
// hook enforcement, and the error taxonomy.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/agentkernel/agent"
	"goa.design/agentkernel/breakpoint"
	"goa.design/agentkernel/events"
	"goa.design/agentkernel/hookmgr"
	"goa.design/agentkernel/message"
	"goa.design/agentkernel/model"
	"goa.design/agentkernel/permission"
	"goa.design/agentkernel/sandbox"
	"goa.design/agentkernel/store"
	"goa.design/agentkernel/telemetry"
	"goa.design/agentkernel/toolerrors"
	"goa.design/agentkernel/tools"
)

// Registry resolves a tool's spec and implementation by name. *tools.go's
// plain map satisfies this via the MapRegistry helper below.
type Registry interface {
	Lookup(name tools.Ident) (tools.Tool, bool)
}

// MapRegistry is the simplest Registry: a static map of tool implementations.
type MapRegistry map[tools.Ident]tools.Tool

// Lookup implements Registry.
func (r MapRegistry) Lookup(name tools.Ident) (tools.Tool, bool) {
	t, ok := r[name]
	return t, ok
}

// Config configures a Dispatcher.
type Config struct {
	// FanOut bounds how many calls in one batch run concurrently. Zero
	// defaults to 4.
	FanOut int
}

// Dispatcher executes a batch of tool_use blocks: bounded concurrency with
// mutating calls serialized, results written back in originating order,
// permission/hook gating, and the
// validation/runtime/logical/aborted/exception error taxonomy.
type Dispatcher struct {
	registry    Registry
	permission  *permission.Manager
	hooks       *hookmgr.Manager
	bus         *events.Bus
	store       store.Store
	sandbox     sandbox.Sandbox
	breakpoints *breakpoint.Manager
	logger      telemetry.Logger
	fanOut      int

	mu        sync.Mutex // guards per-agent mutating-tool serialization
	mutating  map[agent.Ident]*sync.Mutex

	schemaMu sync.Mutex // guards schemas, the compiled-schema cache
	schemas  map[tools.Ident]*jsonschema.Schema
}

// New constructs a Dispatcher. bp drives the agent-level breakpoint through
// AWAITING_APPROVAL and TOOL_EXECUTING as calls suspend and run; logger may
// be nil (defaults to a no-op).
func New(registry Registry, perm *permission.Manager, hooks *hookmgr.Manager, bus *events.Bus, st store.Store, sb sandbox.Sandbox, bp *breakpoint.Manager, logger telemetry.Logger, cfg Config) *Dispatcher {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	fanOut := cfg.FanOut
	if fanOut <= 0 {
		fanOut = 4
	}
	return &Dispatcher{
		registry:    registry,
		permission:  perm,
		hooks:       hooks,
		bus:         bus,
		store:       st,
		sandbox:     sb,
		breakpoints: bp,
		logger:      logger,
		fanOut:      fanOut,
		mutating:    map[agent.Ident]*sync.Mutex{},
		schemas:     map[tools.Ident]*jsonschema.Schema{},
	}
}

// transition writes the agent-level breakpoint through the manager, when one
// is wired. A persistence failure is logged rather than aborting the call:
// the call-level record is the authoritative crash-recovery input, the
// breakpoint only routes the resume decision.
func (d *Dispatcher) transition(ctx context.Context, agentID agent.Ident, bp store.Breakpoint) {
	if d.breakpoints == nil {
		return
	}
	if err := d.breakpoints.Transition(ctx, agentID, bp); err != nil {
		d.logger.Error(ctx, "dispatcher: breakpoint transition failed", "agent_id", string(agentID), "breakpoint", string(bp), "error", err.Error())
	}
}

// compiledSchema returns the compiled JSON Schema for spec, compiling and
// caching it on first use. A spec with no Schema has nothing to validate.
func (d *Dispatcher) compiledSchema(spec tools.Spec) (*jsonschema.Schema, error) {
	if len(spec.Schema) == 0 {
		return nil, nil
	}
	d.schemaMu.Lock()
	defer d.schemaMu.Unlock()
	if s, ok := d.schemas[spec.Name]; ok {
		return s, nil
	}
	url := "mem://tools/" + string(spec.Name)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(string(spec.Schema))); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	d.schemas[spec.Name] = schema
	return schema, nil
}

// validatePayload checks call payload against spec's declared input schema,
// when one is present. Returns a Validation-classified error on mismatch or
// malformed JSON; a tool with no Schema is not validated here and relies on
// its own Exec to reject bad input.
func (d *Dispatcher) validatePayload(spec tools.Spec, payload json.RawMessage) error {
	schema, err := d.compiledSchema(spec)
	if err != nil {
		return fmt.Errorf("tool %q has an invalid input schema: %w", spec.Name, err)
	}
	if schema == nil {
		return nil
	}
	var v any
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("tool %q input is not valid JSON: %w", spec.Name, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("tool %q input failed schema validation: %w", spec.Name, err)
	}
	return nil
}

func (d *Dispatcher) mutatingLock(id agent.Ident) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.mutating[id]
	if !ok {
		m = &sync.Mutex{}
		d.mutating[id] = m
	}
	return m
}

// Result is one completed call's outcome, paired with the record persisted
// for it.
type Result struct {
	ToolUseID string
	Block     message.ToolResultBlock
	Record    store.ToolCallRecord
}

// toolStartPayload is the progress-channel tool:start event payload.
type toolStartPayload struct {
	CallID   string `json:"call_id"`
	ToolName string `json:"tool_name"`
}

// toolEndPayload is the progress-channel tool:end/tool:error event payload.
type toolEndPayload struct {
	CallID   string `json:"call_id"`
	ToolName string `json:"tool_name"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// toolExecutedPayload is the monitor-channel tool_executed snapshot emitted
// once per call at terminal state.
type toolExecutedPayload struct {
	Record store.ToolCallRecord `json:"record"`
}

// toolCustomEventPayload wraps a tool-emitted custom monitor event.
type toolCustomEventPayload struct {
	CallID    string `json:"call_id"`
	ToolName  string `json:"tool_name"`
	EventType string `json:"event_type"`
	Data      any    `json:"data"`
}

// Dispatch runs calls for agentID, honoring fan-out, permission, and hook
// gating, and returns one Result per call in the same order as calls. The
// caller (AgentLoop) is responsible for assembling the resulting
// ToolResultBlocks into the next user-role message and persisting it.
func (d *Dispatcher) Dispatch(ctx context.Context, agentID agent.Ident, calls []model.ToolCall) ([]Result, error) {
	results := make([]Result, len(calls))
	sem := make(chan struct{}, d.fanOut)
	var wg sync.WaitGroup

	for i, call := range calls {
		i, call := i, call
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = d.runOne(ctx, agentID, call)
		}()
	}
	wg.Wait()
	return results, nil
}

func (d *Dispatcher) runOne(ctx context.Context, agentID agent.Ident, call model.ToolCall) Result {
	callID := call.ID
	if callID == "" {
		callID = string(call.Name)
	}
	now := time.Now()
	record := store.ToolCallRecord{
		ID:        callID,
		ToolName:  string(call.Name),
		Input:     call.Payload,
		State:     store.ToolPending,
		StartedAt: now,
	}
	record.Transition(store.ToolPending, "received from model", now)

	tool, found := d.registry.Lookup(call.Name)
	if !found {
		te := toolerrors.NewTyped(toolerrors.Validation, fmt.Sprintf("unknown tool %q", call.Name))
		return d.fail(ctx, agentID, record, te)
	}
	spec := tool.Spec()

	if err := d.validatePayload(spec, call.Payload); err != nil {
		te := toolerrors.NewTyped(toolerrors.Validation, err.Error())
		return d.fail(ctx, agentID, record, te)
	}

	verdict := d.permission.Evaluate(spec)
	switch verdict.Decision {
	case permission.Deny:
		record.Transition(store.ToolDenied, verdict.Reason, time.Now())
		return d.deny(ctx, agentID, record, verdict.Reason)
	case permission.Ask:
		if sealed, ok := d.awaitApproval(ctx, agentID, &record, call); !ok {
			return sealed
		}
	}

	pending := hookmgr.PendingCall{ID: callID, ToolName: call.Name, Input: call.Payload}
	preVerdict := d.hooks.RunPreToolUse(ctx, agentID, pending)
	switch preVerdict.Kind {
	case hookmgr.VerdictDeny:
		record.Transition(store.ToolDenied, preVerdict.Reason, time.Now())
		return d.deny(ctx, agentID, record, preVerdict.Reason)
	case hookmgr.VerdictAsk:
		if sealed, ok := d.awaitApproval(ctx, agentID, &record, call); !ok {
			return sealed
		}
	case hookmgr.VerdictResult:
		record.Transition(store.ToolExecuting, "short-circuited by preToolUse hook", time.Now())
		return d.complete(ctx, agentID, record, tools.Success(preVerdict.Result))
	}

	return d.execute(ctx, agentID, record, tool, pending, call)
}

// awaitApproval requests approval and blocks until Decide resolves it or ctx
// is canceled (interrupt). Returns (_, true) to continue dispatching once
// approved, or (sealed Result, false) when the call terminated here (denied
// or the context was canceled mid-wait).
func (d *Dispatcher) awaitApproval(ctx context.Context, agentID agent.Ident, record *store.ToolCallRecord, call model.ToolCall) (Result, bool) {
	record.Approval.Required = true
	record.Approval.RequestedAt = time.Now()
	record.Transition(store.ToolApprovalRequired, "awaiting approval", time.Now())
	d.persist(ctx, agentID, *record)
	d.transition(ctx, agentID, store.AwaitingApproval)

	ch, result := d.permission.RequestApproval(ctx, agentID, record.ID, call.Name, call.Payload)
	select {
	case <-ch:
		decision, note := result()
		record.Approval.Decision = string(decision)
		record.Approval.Note = note
		record.Approval.DecidedAt = time.Now()
		d.transition(ctx, agentID, store.PreTool)
		if decision == permission.Deny {
			record.Transition(store.ToolDenied, note, time.Now())
			return d.deny(ctx, agentID, *record, note), false
		}
		record.Transition(store.ToolApproved, note, time.Now())
		return Result{}, true
	case <-ctx.Done():
		record.Transition(store.ToolSealed, "auto-sealed: approval lost", time.Now())
		return d.terminal(ctx, agentID, *record, message.ToolResultBlock{
			ToolUseID: record.ID,
			Content:   toolerrors.NewTyped(toolerrors.Aborted, "auto-sealed: approval lost").ToPayload(),
			IsError:   true,
		}), false
	}
}

func (d *Dispatcher) execute(ctx context.Context, agentID agent.Ident, record store.ToolCallRecord, tool tools.Tool, pending hookmgr.PendingCall, call model.ToolCall) Result {
	spec := tool.Spec()
	if !spec.Attributes.Readonly {
		lock := d.mutatingLock(agentID)
		lock.Lock()
		defer lock.Unlock()
	}

	record.Transition(store.ToolExecuting, "executing", time.Now())
	d.persist(ctx, agentID, record)
	d.transition(ctx, agentID, store.ToolExecutingPhase)
	if d.bus != nil {
		_, _ = d.bus.Emit(ctx, agentID, store.ChannelProgress, "tool:start", toolStartPayload{CallID: record.ID, ToolName: record.ToolName})
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if spec.Attributes.TimeoutMs > 0 {
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(spec.Attributes.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	emit := func(eventType string, data any) {
		if d.bus == nil {
			return
		}
		_, _ = d.bus.Emit(ctx, agentID, store.ChannelMonitor, "tool_custom_event", toolCustomEventPayload{
			CallID: record.ID, ToolName: record.ToolName, EventType: eventType, Data: data,
		})
	}

	outcome, err := d.safeExec(execCtx, tool, tools.ExecContext{Context: execCtx, AgentID: agentID, Sandbox: d.sandbox, Emit: emit}, call.Payload)
	if err != nil {
		outcome = tools.Failure(err)
	}
	if execCtx.Err() != nil && !outcome.OK {
		outcome = tools.Failure(toolerrors.NewTyped(toolerrors.Aborted, "tool call aborted: "+execCtx.Err().Error()))
	}

	postVerdict := d.hooks.RunPostToolUse(ctx, agentID, pending, outcome)
	switch postVerdict.Kind {
	case hookmgr.VerdictUpdate:
		if postVerdict.Update != nil {
			if postVerdict.Update.Content != nil {
				outcome.Content = postVerdict.Update.Content
			}
			if postVerdict.Update.Err != nil {
				outcome = *postVerdict.Update
			}
		}
	case hookmgr.VerdictReplace:
		if postVerdict.Replace != nil {
			outcome = *postVerdict.Replace
		}
	}

	if outcome.OK {
		return d.complete(ctx, agentID, record, outcome)
	}
	return d.fail(ctx, agentID, record, toolerrors.FromError(outcome.Err))
}

// safeExec recovers a tool panic into an Exception-classified error so one
// misbehaving tool cannot crash the dispatcher goroutine.
func (d *Dispatcher) safeExec(ctx context.Context, tool tools.Tool, ectx tools.ExecContext, args []byte) (outcome tools.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = toolerrors.Errorf("tool panicked: %v", r)
		}
	}()
	return tool.Exec(ectx, args)
}

func (d *Dispatcher) complete(ctx context.Context, agentID agent.Ident, record store.ToolCallRecord, outcome tools.Outcome) Result {
	record.Result = outcome.Content
	record.Transition(store.ToolCompleted, "", time.Now())
	record.EndedAt = time.Now()
	block := message.ToolResultBlock{ToolUseID: record.ID, Content: outcome.Content}
	if d.bus != nil {
		_, _ = d.bus.Emit(ctx, agentID, store.ChannelProgress, "tool:end", toolEndPayload{CallID: record.ID, ToolName: record.ToolName, OK: true})
	}
	return d.terminal(ctx, agentID, record, block)
}

func (d *Dispatcher) fail(ctx context.Context, agentID agent.Ident, record store.ToolCallRecord, te *toolerrors.ToolError) Result {
	if te != nil && len(te.Recommendations) == 0 {
		te.Recommend(toolerrors.RecommendationsFor(record.ToolName, te.Type())...)
	}
	payload := te.ToPayload()
	record.Error = payload.Error
	record.Transition(store.ToolFailed, payload.Error, time.Now())
	record.EndedAt = time.Now()
	block := message.ToolResultBlock{ToolUseID: record.ID, Content: payload, IsError: true}
	if d.bus != nil {
		_, _ = d.bus.Emit(ctx, agentID, store.ChannelProgress, "tool:error", toolEndPayload{CallID: record.ID, ToolName: record.ToolName, OK: false, Error: payload.Error})
	}
	return d.terminal(ctx, agentID, record, block)
}

func (d *Dispatcher) deny(ctx context.Context, agentID agent.Ident, record store.ToolCallRecord, reason string) Result {
	if reason == "" {
		reason = "denied"
	}
	payload := toolerrors.NewTyped(toolerrors.Validation, reason).ToPayload()
	record.Error = payload.Error
	record.EndedAt = time.Now()
	block := message.ToolResultBlock{ToolUseID: record.ID, Content: payload, IsError: true}
	if d.bus != nil {
		_, _ = d.bus.Emit(ctx, agentID, store.ChannelProgress, "tool:error", toolEndPayload{CallID: record.ID, ToolName: record.ToolName, OK: false, Error: payload.Error})
	}
	return d.terminal(ctx, agentID, record, block)
}

func (d *Dispatcher) terminal(ctx context.Context, agentID agent.Ident, record store.ToolCallRecord, block message.ToolResultBlock) Result {
	d.persist(ctx, agentID, record)
	if d.bus != nil {
		_, _ = d.bus.Emit(ctx, agentID, store.ChannelMonitor, "tool_executed", toolExecutedPayload{Record: record})
	}
	return Result{ToolUseID: record.ID, Block: block, Record: record}
}

// persist loads the current record table, replaces/appends record, and
// saves it back. SaveToolCallRecords is replace-on-write, so dispatcher
// always round-trips the full table.
func (d *Dispatcher) persist(ctx context.Context, agentID agent.Ident, record store.ToolCallRecord) {
	existing, err := d.store.LoadToolCallRecords(ctx, agentID)
	if err != nil {
		d.logger.Error(ctx, "dispatcher: load tool call records failed", "agent_id", string(agentID), "error", err.Error())
		return
	}
	replaced := false
	for i := range existing {
		if existing[i].ID == record.ID {
			existing[i] = record
			replaced = true
			break
		}
	}
	if !replaced {
		existing = append(existing, record)
	}
	if err := d.store.SaveToolCallRecords(ctx, agentID, existing); err != nil {
		d.logger.Error(ctx, "dispatcher: save tool call records failed", "agent_id", string(agentID), "error", err.Error())
	}
}

// AutoSeal converts every non-terminal ToolCallRecord in records into a
// terminal SEALED (or, under StrategyCrash for AWAITING_APPROVAL, DENIED)
// record. It returns the updated
// records and the synthetic ToolResultBlocks to attach to the next
// user-role message, plus the sealed records for the agent_resumed monitor
// event.
func AutoSeal(records []store.ToolCallRecord, strategy string) ([]store.ToolCallRecord, []message.ToolResultBlock, []store.ToolCallRecord) {
	out := make([]store.ToolCallRecord, len(records))
	var blocks []message.ToolResultBlock
	var sealed []store.ToolCallRecord
	now := time.Now()
	for i, r := range records {
		out[i] = r
		if r.State.Terminal() {
			continue
		}
		var msg string
		state := store.ToolSealed
		switch r.State {
		case store.ToolPending:
			msg = "auto-sealed: crash before execution"
		case store.ToolApprovalRequired:
			if strategy == "crash" {
				state = store.ToolDenied
				msg = "auto-sealed on crash"
			} else {
				// StrategyManual: leave pending, no synthetic result.
				continue
			}
		case store.ToolApproved:
			msg = "auto-sealed: approved but unexecuted"
		case store.ToolExecuting:
			msg = "auto-sealed: execution interrupted — check for side effects"
		default:
			msg = "auto-sealed: crash recovery"
		}
		out[i].Transition(state, msg, now)
		out[i].Error = msg
		out[i].EndedAt = now
		blocks = append(blocks, message.ToolResultBlock{
			ToolUseID: r.ID,
			Content:   toolerrors.NewTyped(toolerrors.Aborted, msg).ToPayload(),
			IsError:   true,
		})
		sealed = append(sealed, out[i])
	}
	return out, blocks, sealed
}
