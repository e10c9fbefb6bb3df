// Package loop implements AgentLoop: the per-agent state machine driving
// message queue -> model call -> tool dispatch -> repeat, crash-safe via
// BreakpointManager transitions persisted before and after every
// suspension point.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"goa.design/agentkernel/agent"
	"goa.design/agentkernel/breakpoint"
	"goa.design/agentkernel/contextmgr"
	"goa.design/agentkernel/dispatcher"
	"goa.design/agentkernel/events"
	"goa.design/agentkernel/filewatcher"
	"goa.design/agentkernel/hookmgr"
	"goa.design/agentkernel/message"
	"goa.design/agentkernel/model"
	"goa.design/agentkernel/permission"
	"goa.design/agentkernel/reminder"
	"goa.design/agentkernel/scheduler"
	"goa.design/agentkernel/snapshot"
	"goa.design/agentkernel/store"
	"goa.design/agentkernel/telemetry"
	"goa.design/agentkernel/todo"
	"goa.design/agentkernel/tools"
)

// Status is an Agent's high-level run state, distinct from its persisted
// Breakpoint: Status answers "is someone waiting on this agent right now",
// Breakpoint answers "where exactly is it in one turn".
type Status string

const (
	StatusReady   Status = "ready"
	StatusWorking Status = "working"
	StatusStopped Status = "stopped"
)

// SubagentConfig limits the templates reachable through a task-dispatch tool
// and how deep sub-agent nesting may go. The kernel treats sub-agent launch
// as just another tool; this config is what such a tool consults.
type SubagentConfig struct {
	// Templates lists the template ids a sub-agent tool may instantiate. An
	// empty list permits none.
	Templates []string
	// Depth is the maximum nesting depth; zero forbids sub-agents entirely.
	Depth int
	// InheritConfig makes sub-agents start from the parent's Config before
	// Overrides apply.
	InheritConfig bool
	// Overrides are applied on top of the inherited (or template) config.
	Overrides map[string]any
}

// Config configures one Agent's behavior. It is captured at create/resume
// time; ToolSpecs and SystemPrompt changes take effect on the next turn.
type Config struct {
	TemplateID      string
	TemplateVersion string
	ConfigVersionHash string
	SystemPrompt    string
	ToolSpecs       []tools.Spec
	ModelClass      model.ModelClass
	ModelName       string
	Temperature     float32
	MaxTokens       int
	Thinking        *model.ThinkingOptions
	ResumeStrategy  breakpoint.ResumeStrategy
	Subagents       SubagentConfig

	// Retry overrides the model call backoff; nil uses
	// model.DefaultRetryPolicy.
	Retry *model.RetryPolicy
}

// Deps bundles every component an Agent needs. Dispatcher/Permission/Hooks
// are agent-specific (a fresh Dispatcher per agent lets PermissionManager
// hold per-agent mode); the rest are shared pool-wide singletons.
type Deps struct {
	Store       store.Store
	Bus         *events.Bus
	Model       model.Client
	Dispatcher  *dispatcher.Dispatcher
	Permission  *permission.Manager
	Hooks       *hookmgr.Manager
	Breakpoints *breakpoint.Manager
	ContextMgr  *contextmgr.Manager
	Todos       *todo.Manager
	Scheduler   *scheduler.Scheduler
	FileWatcher *filewatcher.FileWatcher
	Snapshots   *snapshot.Engine
	Reminders   *reminder.Engine
	Logger      telemetry.Logger

	// Fork is invoked by Agent.Fork and is normally supplied by AgentPool,
	// which alone can register a new live Agent for the returned id.
	Fork func(ctx context.Context, snapshotID string) (agent.Ident, error)
}

// Agent is one running instance of the kernel's state machine.
type Agent struct {
	id   agent.Ident
	cfg  Config
	deps Deps

	inbox chan message.Message

	mu         sync.Mutex
	status     Status
	step       int
	cancelTurn context.CancelFunc

	stopOnce sync.Once
	stopped  chan struct{}
}

// New constructs an Agent. It does not start the run loop; call Start.
func New(id agent.Ident, cfg Config, deps Deps) *Agent {
	if deps.Logger == nil {
		deps.Logger = telemetry.NoopLogger{}
	}
	return &Agent{
		id:      id,
		cfg:     cfg,
		deps:    deps,
		inbox:   make(chan message.Message, 64),
		status:  StatusReady,
		stopped: make(chan struct{}),
	}
}

// ID returns the agent's identifier.
func (a *Agent) ID() agent.Ident { return a.id }

// Start launches the background goroutine that drains the inbox and any
// scheduler outbox fires. ctx's cancellation stops the loop permanently;
// use Interrupt to cancel only the in-flight turn.
func (a *Agent) Start(ctx context.Context) {
	go a.run(ctx)
}

func (a *Agent) run(ctx context.Context) {
	defer a.stopOnce.Do(func() { close(a.stopped) })
	var outbox <-chan scheduler.Fire
	if a.deps.Scheduler != nil {
		outbox = a.deps.Scheduler.Outbox(a.id)
	}
	for {
		select {
		case <-ctx.Done():
			a.setStatus(StatusStopped)
			return
		case msg := <-a.inbox:
			a.handleTurn(ctx, msg)
		case fire := <-outbox:
			text := a.deps.Scheduler.Invoke(ctx, a.id, fire)
			if text != "" {
				a.handleTurn(ctx, reminderMessage(text, "scheduler"))
			}
		}
	}
}

// Send enqueues a user-role message for processing and persists nothing
// itself — persistence happens once the turn actually starts, so a burst
// of Sends before the loop drains them is not durable until processed.
func (a *Agent) Send(ctx context.Context, msg message.Message) error {
	if msg.Role == "" {
		msg.Role = message.RoleUser
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	select {
	case a.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.stopped:
		return fmt.Errorf("loop: agent %q is stopped", a.id)
	}
}

// ChatStatus reports how a Chat call ended: the turn completed, or it is
// paused awaiting one or more approval decisions.
type ChatStatus string

const (
	ChatOK     ChatStatus = "ok"
	ChatPaused ChatStatus = "paused"
)

// ChatResult is the outcome of one Chat call.
type ChatResult struct {
	Status ChatStatus
	// Text is the assistant's final text for the turn (ChatOK), or whatever
	// text had streamed before the pause (ChatPaused).
	Text string
	// Last is the last persisted message when the turn completed.
	Last *message.Message
	// PermissionIDs lists the call ids awaiting Decide when Status is
	// ChatPaused.
	PermissionIDs []string
}

// Chat enqueues text as a user message and blocks until the resulting turn
// either completes or pauses on a permission request. A paused turn keeps
// running in the background; resolve it with Decide and watch the event
// stream (or call Chat again with a follow-up) for the outcome.
func (a *Agent) Chat(ctx context.Context, text string) (ChatResult, error) {
	ch, sub, err := a.Subscribe(ctx, nil, events.SubscribeOptions{})
	if err != nil {
		return ChatResult{}, err
	}
	defer sub.Close()

	msg := message.Message{
		Role:   message.RoleUser,
		Blocks: []message.Block{message.TextBlock{Text: text}},
		SentAt: time.Now(),
	}
	if err := a.Send(ctx, msg); err != nil {
		return ChatResult{}, err
	}

	var buf strings.Builder
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return ChatResult{}, fmt.Errorf("loop: event stream closed for agent %q", a.id)
			}
			switch env.Type {
			case "text_chunk_start":
				buf.Reset()
			case "text_chunk":
				if p, ok := env.Payload.(textChunkPayload); ok {
					buf.WriteString(p.Text)
				}
			case "permission_required":
				return ChatResult{
					Status:        ChatPaused,
					Text:          buf.String(),
					PermissionIDs: a.deps.Permission.PendingIDs(),
				}, nil
			case "done":
				res := ChatResult{Status: ChatOK, Text: buf.String()}
				if history, err := a.deps.Store.LoadMessages(ctx, a.id); err == nil && len(history) > 0 {
					last := history[len(history)-1]
					res.Last = &last
				}
				return res, nil
			}
		case <-ctx.Done():
			return ChatResult{}, ctx.Err()
		}
	}
}

// Complete is an alias for Chat.
func (a *Agent) Complete(ctx context.Context, text string) (ChatResult, error) {
	return a.Chat(ctx, text)
}

// Interrupt cancels the current in-flight turn, if any. The loop aborts its
// streaming read, marks in-flight tool calls aborted, flushes a
// done{reason:interrupted}, and returns to READY. Already-persisted content
// is not deleted.
func (a *Agent) Interrupt() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelTurn != nil {
		a.cancelTurn()
	}
}

// Status returns the agent's current high-level run state.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Agent) setStatus(s Status) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

// Info returns the agent's persisted metadata.
func (a *Agent) Info(ctx context.Context) (store.AgentInfo, error) {
	return a.deps.Store.LoadInfo(ctx, a.id)
}

// Decide resolves a pending tool-call approval.
func (a *Agent) Decide(ctx context.Context, callID string, decision permission.Decision, note string) error {
	return a.deps.Permission.Decide(ctx, callID, decision, note)
}

// Snapshot captures the agent's history at its last Safe-Fork-Point.
func (a *Agent) Snapshot(ctx context.Context, label string) (store.Snapshot, error) {
	return a.deps.Snapshots.Capture(ctx, a.id, label)
}

// Fork materializes a new agent from a prior snapshot via the pool-supplied
// Fork dependency. Returns an error if no pool wired one in.
func (a *Agent) Fork(ctx context.Context, snapshotID string) (agent.Ident, error) {
	if a.deps.Fork == nil {
		return "", fmt.Errorf("loop: agent %q has no fork dependency wired", a.id)
	}
	return a.deps.Fork(ctx, snapshotID)
}

// GetTodos, SetTodos, UpdateTodo, DeleteTodo proxy to the shared
// TodoManager scoped to this agent's id.
func (a *Agent) GetTodos(ctx context.Context) ([]store.TodoItem, error) {
	return a.deps.Todos.GetTodos(ctx, a.id)
}
func (a *Agent) SetTodos(ctx context.Context, todos []store.TodoItem) error {
	return a.deps.Todos.SetTodos(ctx, a.id, todos)
}
func (a *Agent) UpdateTodo(ctx context.Context, partial store.TodoItem) error {
	return a.deps.Todos.UpdateTodo(ctx, a.id, partial)
}
func (a *Agent) DeleteTodo(ctx context.Context, id string) error {
	return a.deps.Todos.DeleteTodo(ctx, a.id, id)
}

// Subscribe proxies to the EventBus for this agent's channel set.
func (a *Agent) Subscribe(ctx context.Context, channels []store.Channel, opts events.SubscribeOptions) (<-chan store.Envelope, events.Subscription, error) {
	return a.deps.Bus.Subscribe(ctx, a.id, channels, opts)
}

// On registers handler for every event of eventType across all channels,
// returning an unsubscribe closure. It is a convenience wrapper over
// Subscribe for callers that do not need ordering across event types.
func (a *Agent) On(ctx context.Context, eventType string, handler func(store.Envelope)) (func(), error) {
	ch, sub, err := a.Subscribe(ctx, nil, events.SubscribeOptions{})
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case env, ok := <-ch:
				if !ok {
					return
				}
				if env.Type == eventType {
					handler(env)
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		sub.Close()
	}, nil
}

func reminderMessage(text, source string) message.Message {
	return message.Message{
		Role:   message.RoleSystem,
		Blocks: []message.Block{message.TextBlock{Text: text}},
		Meta:   map[string]any{"reminder_source": source},
		SentAt: time.Now(),
	}
}

// --- turn execution ---

type stateChangedPayload struct {
	Status Status `json:"status"`
}

func (a *Agent) handleTurn(ctx context.Context, initial message.Message) {
	a.setStatus(StatusWorking)
	a.emitMonitor(ctx, "state_changed", stateChangedPayload{Status: StatusWorking})
	defer func() {
		a.setStatus(StatusReady)
		a.emitMonitor(ctx, "state_changed", stateChangedPayload{Status: StatusReady})
	}()

	turnCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancelTurn = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.cancelTurn = nil
		a.mu.Unlock()
		cancel()
	}()

	if err := a.appendMessage(turnCtx, initial); err != nil {
		a.emitError(turnCtx, "system", "failed to persist incoming message", err)
		return
	}

	for {
		cont, err := a.runModelStep(turnCtx)
		if err != nil {
			a.emitError(turnCtx, "model", "model step failed", err)
			break
		}
		a.mu.Lock()
		a.step++
		a.mu.Unlock()
		a.postStep(turnCtx)
		if !cont || turnCtx.Err() != nil {
			break
		}
	}

	reason := "completed"
	if turnCtx.Err() != nil {
		reason = "interrupted"
	}
	a.emitProgress(ctx, "done", donePayload{Reason: reason})
}

func (a *Agent) appendMessage(ctx context.Context, msg message.Message) error {
	history, err := a.deps.Store.LoadMessages(ctx, a.id)
	if err != nil {
		return err
	}
	history = append(history, msg)
	if err := a.deps.Store.SaveMessages(ctx, a.id, history); err != nil {
		return err
	}
	a.updateInfo(ctx, len(history), msg)
	a.deps.Hooks.RunMessagesChanged(ctx, a.id, history)
	return nil
}

// updateInfo keeps the persisted metadata's message count and last
// Safe-Fork-Point index current with every appended message.
func (a *Agent) updateInfo(ctx context.Context, count int, last message.Message) {
	info, err := a.deps.Store.LoadInfo(ctx, a.id)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); !ok {
			a.deps.Logger.Error(ctx, "loop: load info failed", "agent_id", string(a.id), "error", err.Error())
			return
		}
		info = store.AgentInfo{AgentID: a.id, Breakpoint: store.Ready}
	}
	info.MessageCount = count
	if last.IsSafeForkPoint() {
		info.LastSFPIndex = count - 1
	}
	if err := a.deps.Store.SaveInfo(ctx, a.id, info); err != nil {
		a.deps.Logger.Error(ctx, "loop: save info failed", "agent_id", string(a.id), "error", err.Error())
	}
}

// runModelStep runs exactly one model call and, if it requests tool calls,
// one dispatch round. It returns cont=true when a follow-up model call is
// needed to consume tool results.
func (a *Agent) runModelStep(ctx context.Context) (cont bool, err error) {
	if err := a.deps.Breakpoints.Transition(ctx, a.id, store.PreModel); err != nil {
		return false, err
	}

	history, err := a.deps.Store.LoadMessages(ctx, a.id)
	if err != nil {
		return false, err
	}
	systemPrompt := a.deps.ContextMgr.BuildSystemPrompt(ctx, a.id, a.cfg.SystemPrompt, a.cfg.ToolSpecs)
	prepared := a.deps.ContextMgr.PrepareHistory(ctx, a.id, history)
	prepared = a.deps.Hooks.RunPreModel(ctx, a.id, prepared)
	providerMessages := a.deps.ContextMgr.ToProviderMessages(prepared)
	providerMessages = append([]*model.Message{{Role: model.ConversationRoleSystem, Parts: []model.Part{model.TextPart{Text: systemPrompt}}}}, providerMessages...)

	req := &model.Request{
		RunID:       string(a.id),
		Model:       a.cfg.ModelName,
		ModelClass:  a.cfg.ModelClass,
		Messages:    providerMessages,
		Temperature: a.cfg.Temperature,
		Tools:       toolDefinitions(a.cfg.ToolSpecs),
		MaxTokens:   a.cfg.MaxTokens,
		Stream:      true,
		Thinking:    a.cfg.Thinking,
	}

	if err := a.deps.Breakpoints.Transition(ctx, a.id, store.StreamingModel); err != nil {
		return false, err
	}

	assistantMsg, usage, err := a.callModel(ctx, req)
	if err != nil {
		return false, err
	}
	assistantMsg = a.deps.Hooks.RunPostModel(ctx, a.id, assistantMsg)

	if err := a.appendMessage(ctx, assistantMsg); err != nil {
		return false, err
	}
	a.emitMonitor(ctx, "token_usage", usage)

	toolCalls := extractToolCalls(assistantMsg)
	if len(toolCalls) == 0 {
		return false, a.deps.Breakpoints.Transition(ctx, a.id, store.Ready)
	}

	if err := a.deps.Breakpoints.Transition(ctx, a.id, store.ToolPendingPhase); err != nil {
		return false, err
	}
	if err := a.deps.Breakpoints.Transition(ctx, a.id, store.PreTool); err != nil {
		return false, err
	}
	results, err := a.deps.Dispatcher.Dispatch(ctx, a.id, toolCalls)
	if err != nil {
		return false, err
	}
	if err := a.deps.Breakpoints.Transition(ctx, a.id, store.PostTool); err != nil {
		return false, err
	}

	blocks := make([]message.Block, len(results))
	for i, r := range results {
		blocks[i] = r.Block
	}
	resultMsg := message.Message{Role: message.RoleUser, Blocks: blocks, SentAt: time.Now()}
	if err := a.appendMessage(ctx, resultMsg); err != nil {
		return false, err
	}

	return true, a.deps.Breakpoints.Transition(ctx, a.id, store.Ready)
}

// callModel drives one model call with retry: classified-retryable provider
// failures are reattempted in place with backoff, honoring any
// server-advised delay. Partial streamed content from a failed attempt is
// discarded; nothing of it has been persisted.
func (a *Agent) callModel(ctx context.Context, req *model.Request) (message.Message, model.TokenUsage, error) {
	policy := model.DefaultRetryPolicy()
	if a.cfg.Retry != nil {
		policy = *a.cfg.Retry
	}
	for attempt := 1; ; attempt++ {
		msg, usage, err := a.callModelAttempt(ctx, req)
		if err == nil {
			return msg, usage, nil
		}
		delay, retry := policy.ShouldRetry(err, attempt)
		if !retry {
			return message.Message{}, usage, err
		}
		a.deps.Logger.Warn(ctx, "model call failed, retrying", "agent_id", string(a.id), "attempt", attempt, "delay", delay.String(), "error", err.Error())
		if err := model.Sleep(ctx, delay); err != nil {
			return message.Message{}, usage, err
		}
	}
}

// callModelAttempt drives a single streaming or non-streaming model call and
// assembles the resulting assistant message, emitting progress chunk events
// as content arrives.
func (a *Agent) callModelAttempt(ctx context.Context, req *model.Request) (message.Message, model.TokenUsage, error) {
	streamer, err := a.deps.Model.Stream(ctx, req)
	if err == model.ErrStreamingUnsupported {
		return a.callModelOnce(ctx, req)
	}
	if err != nil {
		return message.Message{}, model.TokenUsage{}, err
	}
	defer streamer.Close()

	var text, thinking strings.Builder
	var toolBlocks []message.Block
	var usage model.TokenUsage
	textOpen, thinkOpen := false, false

	for {
		chunk, err := streamer.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return message.Message{}, usage, err
		}
		switch chunk.Type {
		case model.ChunkTypeText:
			if !textOpen {
				a.emitProgress(ctx, "text_chunk_start", nil)
				textOpen = true
			}
			delta := chunkText(chunk.Message)
			text.WriteString(delta)
			a.emitProgress(ctx, "text_chunk", textChunkPayload{Text: delta})
		case model.ChunkTypeThinking:
			if !thinkOpen {
				a.emitProgress(ctx, "think_chunk_start", nil)
				thinkOpen = true
			}
			thinking.WriteString(chunk.Thinking)
			a.emitProgress(ctx, "think_chunk", thinkChunkPayload{Text: chunk.Thinking})
		case model.ChunkTypeToolCall:
			if chunk.ToolCall != nil {
				toolBlocks = append(toolBlocks, message.ToolUseBlock{
					ID: chunk.ToolCall.ID, Name: string(chunk.ToolCall.Name), Input: rawToAny(chunk.ToolCall.Payload),
				})
			}
		case model.ChunkTypeUsage:
			if chunk.UsageDelta != nil {
				usage = addUsage(usage, *chunk.UsageDelta)
			}
		case model.ChunkTypeStop:
			if textOpen {
				a.emitProgress(ctx, "text_chunk_end", nil)
			}
			if thinkOpen {
				a.emitProgress(ctx, "think_chunk_end", nil)
			}
		}
	}

	var blocks []message.Block
	if text.Len() > 0 {
		blocks = append(blocks, message.TextBlock{Text: text.String()})
	}
	if thinking.Len() > 0 {
		blocks = append(blocks, message.ReasoningBlock{Text: thinking.String()})
	}
	blocks = append(blocks, toolBlocks...)
	return message.Message{Role: message.RoleAssistant, Blocks: blocks, SentAt: time.Now()}, usage, nil
}

func (a *Agent) callModelOnce(ctx context.Context, req *model.Request) (message.Message, model.TokenUsage, error) {
	req.Stream = false
	resp, err := a.deps.Model.Complete(ctx, req)
	if err != nil {
		return message.Message{}, model.TokenUsage{}, err
	}
	var blocks []message.Block
	for _, m := range resp.Content {
		for _, p := range m.Parts {
			if b, ok := partToBlock(p); ok {
				blocks = append(blocks, b)
			}
		}
	}
	for _, tc := range resp.ToolCalls {
		blocks = append(blocks, message.ToolUseBlock{ID: tc.ID, Name: string(tc.Name), Input: rawToAny(tc.Payload)})
	}
	msg := message.Message{Role: message.RoleAssistant, Blocks: blocks, SentAt: time.Now()}
	// Non-streaming providers still produce the chunk event sequence so
	// subscribers observe the same progress shape either way.
	if text := msg.Text(); text != "" {
		a.emitProgress(ctx, "text_chunk_start", nil)
		a.emitProgress(ctx, "text_chunk", textChunkPayload{Text: text})
		a.emitProgress(ctx, "text_chunk_end", nil)
	}
	return msg, resp.Usage, nil
}

func partToBlock(p model.Part) (message.Block, bool) {
	switch v := p.(type) {
	case model.TextPart:
		return message.TextBlock{Text: v.Text}, true
	case model.ThinkingPart:
		return message.ReasoningBlock{Text: v.Text, Signature: v.Signature, Redacted: v.Redacted}, true
	default:
		return nil, false
	}
}

func chunkText(m *model.Message) string {
	if m == nil {
		return ""
	}
	var out strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(model.TextPart); ok {
			out.WriteString(t.Text)
		}
	}
	return out.String()
}

func addUsage(a, b model.TokenUsage) model.TokenUsage {
	return model.TokenUsage{
		InputTokens:      a.InputTokens + b.InputTokens,
		OutputTokens:     a.OutputTokens + b.OutputTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
		CacheReadTokens:  a.CacheReadTokens + b.CacheReadTokens,
		CacheWriteTokens: a.CacheWriteTokens + b.CacheWriteTokens,
	}
}

func rawToAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func extractToolCalls(msg message.Message) []model.ToolCall {
	var out []model.ToolCall
	for _, b := range msg.Blocks {
		tu, ok := b.(message.ToolUseBlock)
		if !ok {
			continue
		}
		payload, _ := json.Marshal(tu.Input)
		out = append(out, model.ToolCall{ID: tu.ID, Name: tools.Ident(tu.Name), Payload: payload})
	}
	return out
}

func toolDefinitions(specs []tools.Spec) []*model.ToolDefinition {
	defs := make([]*model.ToolDefinition, 0, len(specs))
	for _, s := range specs {
		defs = append(defs, &model.ToolDefinition{Name: string(s.Name), Description: s.Description, InputSchema: s.Schema})
	}
	return defs
}

// postStep advances the shared reminder step counter, collects due
// reminders from TodoManager/Scheduler/FileWatcher, and injects each as a
// system-role message, emitting reminder_sent.
func (a *Agent) postStep(ctx context.Context) {
	a.emitMonitor(ctx, "step_complete", stepCompletePayload{Step: a.Step()})

	if a.deps.Reminders != nil {
		a.deps.Reminders.Tick(a.id)
	}
	type sourced struct {
		source string
		text   string
	}
	var pending []sourced
	if a.deps.Todos != nil {
		for _, t := range a.deps.Todos.Tick(ctx, a.id) {
			pending = append(pending, sourced{"todo", t})
		}
	}
	if a.deps.Scheduler != nil {
		for _, t := range a.deps.Scheduler.Tick(ctx, a.id) {
			pending = append(pending, sourced{"scheduler", t})
		}
	}
	if a.deps.FileWatcher != nil {
		for _, t := range a.deps.FileWatcher.Tick(a.id) {
			pending = append(pending, sourced{"file_watcher", t})
		}
	}
	for _, r := range pending {
		_ = a.appendMessage(ctx, reminderMessage(r.text, r.source))
		a.emitMonitor(ctx, "reminder_sent", reminderSentPayload{Text: r.text})
	}
}

// Step returns the number of model steps the Agent has completed since it
// was constructed; the count is not reset between turns.
func (a *Agent) Step() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.step
}

type donePayload struct {
	Reason string `json:"reason"`
}

type textChunkPayload struct {
	Text string `json:"text"`
}

type thinkChunkPayload struct {
	Text string `json:"text"`
}

type stepCompletePayload struct {
	Step int `json:"step"`
}

type reminderSentPayload struct {
	Text string `json:"text"`
}

func (a *Agent) emitProgress(ctx context.Context, eventType string, payload any) {
	if a.deps.Bus == nil {
		return
	}
	_, _ = a.deps.Bus.Emit(ctx, a.id, store.ChannelProgress, eventType, payload)
}

func (a *Agent) emitMonitor(ctx context.Context, eventType string, payload any) {
	if a.deps.Bus == nil {
		return
	}
	_, _ = a.deps.Bus.Emit(ctx, a.id, store.ChannelMonitor, eventType, payload)
}

func (a *Agent) emitError(ctx context.Context, phase, msg string, err error) {
	a.deps.Logger.Error(ctx, msg, "agent_id", string(a.id), "error", err.Error())
	a.emitMonitor(ctx, "error", hookmgr.MonitorErrorPayload{Severity: "error", Phase: phase, Message: msg, Detail: err.Error()})
}
