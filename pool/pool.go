// Package pool implements AgentPool: the process-wide registry of live
// Agents, enforcing at most one running Agent per id, bounding concurrent
// agents, and owning the crash-resume and graceful-shutdown sequences that
// a single Agent cannot perform on itself.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"goa.design/agentkernel/agent"
	"goa.design/agentkernel/breakpoint"
	"goa.design/agentkernel/dispatcher"
	"goa.design/agentkernel/loop"
	"goa.design/agentkernel/message"
	"goa.design/agentkernel/snapshot"
	"goa.design/agentkernel/store"
	"goa.design/agentkernel/telemetry"
)

// TemplateResolver builds the per-agent Config and Deps for a given
// template id. AgentPool calls it once per create/resume/fork so template
// changes (new tool specs, new system prompt) apply to every new instance
// without requiring a pool restart.
type TemplateResolver func(ctx context.Context, templateID string) (loop.Config, loop.Deps, error)

// Config bounds the pool's behavior.
type Config struct {
	// MaxConcurrent caps how many Agents may be live at once. Zero means
	// unbounded.
	MaxConcurrent int
	// LockTimeoutMs bounds how long start waits for the Store's agent lock.
	// Zero defaults to 5000.
	LockTimeoutMs int
}

// Pool owns every live Agent and the shared components they are built
// from. It is the only thing that may construct a second Agent for an id
// that forked from an existing one.
type Pool struct {
	cfg       Config
	store     store.Store
	bp        *breakpoint.Manager
	snapshots *snapshot.Engine
	resolve   TemplateResolver
	logger    telemetry.Logger

	mu      sync.Mutex
	agents  map[agent.Ident]*loop.Agent
	cancel  map[agent.Ident]context.CancelFunc
	release map[agent.Ident]func()
	sem     chan struct{}
}

// New constructs a Pool. resolve supplies the Config/Deps for each new
// Agent instance; logger may be nil.
func New(cfg Config, st store.Store, bp *breakpoint.Manager, snaps *snapshot.Engine, resolve TemplateResolver, logger telemetry.Logger) *Pool {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	if cfg.LockTimeoutMs <= 0 {
		cfg.LockTimeoutMs = 5000
	}
	var sem chan struct{}
	if cfg.MaxConcurrent > 0 {
		sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	return &Pool{
		cfg: cfg, store: st, bp: bp, snapshots: snaps, resolve: resolve, logger: logger,
		agents:  map[agent.Ident]*loop.Agent{},
		cancel:  map[agent.Ident]context.CancelFunc{},
		release: map[agent.Ident]func(){},
		sem:     sem,
	}
}

// Create allocates a new agent id, initializes its breakpoint to READY,
// and starts it.
func (p *Pool) Create(ctx context.Context, templateID string) (*loop.Agent, error) {
	id := agent.Ident(uuid.NewString())
	if err := p.store.SaveInfo(ctx, id, store.AgentInfo{
		AgentID: id, TemplateID: templateID, Breakpoint: store.Ready, CreatedAt: time.Now(),
	}); err != nil {
		return nil, err
	}
	cfg, deps, err := p.resolve(ctx, templateID)
	if err != nil {
		return nil, err
	}
	return p.start(ctx, id, templateID, cfg, deps, true)
}

// Resume brings an already-registered agent id back to life, applying any
// crash-recovery action implied by its persisted breakpoint before the
// loop's first turn runs.
func (p *Pool) Resume(ctx context.Context, id agent.Ident) (*loop.Agent, error) {
	info, err := p.store.LoadInfo(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.resumeInfo(ctx, id, info, ResumeOptions{})
}

// ResumeOptions adjusts how Resume brings an agent back.
type ResumeOptions struct {
	// Override adjusts the resolved config (permission mode, retry policy,
	// resume strategy) before the agent starts.
	Override func(*loop.Config)
	// SkipAutoRun registers the agent without starting its loop goroutine;
	// the embedder calls Agent.Start when ready to process queued input.
	// Crash recovery still runs either way.
	SkipAutoRun bool
}

// ResumeWithOverrides is Resume with a chance to adjust the resolved config
// before the agent starts.
func (p *Pool) ResumeWithOverrides(ctx context.Context, id agent.Ident, override func(*loop.Config)) (*loop.Agent, error) {
	return p.ResumeWithOptions(ctx, id, ResumeOptions{Override: override})
}

// ResumeWithOptions is the full-control resume entry point.
func (p *Pool) ResumeWithOptions(ctx context.Context, id agent.Ident, opts ResumeOptions) (*loop.Agent, error) {
	info, err := p.store.LoadInfo(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.resumeInfo(ctx, id, info, opts)
}

func (p *Pool) resumeInfo(ctx context.Context, id agent.Ident, info store.AgentInfo, opts ResumeOptions) (*loop.Agent, error) {
	cfg, deps, err := p.resolve(ctx, info.TemplateID)
	if err != nil {
		return nil, err
	}
	if opts.Override != nil {
		opts.Override(&cfg)
	}
	if err := p.recoverCrashState(ctx, id, info, cfg, deps); err != nil {
		return nil, err
	}
	return p.start(ctx, id, info.TemplateID, cfg, deps, !opts.SkipAutoRun)
}

// recoverCrashState applies the resume decision table: drop a partial
// assistant turn, or auto-seal in-flight tool call records with synthetic
// failed results, then settle the breakpoint back at READY.
func (p *Pool) recoverCrashState(ctx context.Context, id agent.Ident, info store.AgentInfo, cfg loop.Config, deps loop.Deps) error {
	strategy := cfg.ResumeStrategy
	if strategy == "" {
		strategy = breakpoint.StrategyCrash
	}
	action := breakpoint.Decide(info.Breakpoint, strategy)
	p.logger.Info(ctx, "agent resumed", "agent_id", string(id), "breakpoint", string(info.Breakpoint), "action", string(action))

	var sealed []store.ToolCallRecord
	switch action {
	case breakpoint.ActionNone:

	case breakpoint.ActionDropPartial:
		if err := p.dropPartialAssistant(ctx, id); err != nil {
			return err
		}
		if err := p.bp.Transition(ctx, id, store.Ready); err != nil {
			return err
		}

	case breakpoint.ActionAutoSeal, breakpoint.ActionSealDenied:
		records, err := p.store.LoadToolCallRecords(ctx, id)
		if err != nil {
			return err
		}
		updated, blocks, sealedRecords := dispatcher.AutoSeal(records, string(strategy))
		sealed = sealedRecords
		if err := p.store.SaveToolCallRecords(ctx, id, updated); err != nil {
			return err
		}
		if len(blocks) > 0 {
			if err := p.appendSealedResults(ctx, id, blocks); err != nil {
				return err
			}
		}
		for _, r := range sealedRecords {
			if !wasExecuting(r) {
				continue
			}
			// A call sealed mid-EXECUTING may have half-written whatever file
			// its input named; flag it for re-inspection.
			if path := inputPath(r.Input); path != "" {
				_ = p.store.AppendRecoveredFile(ctx, id, store.RecoveredFile{
					Path: path, ToolCallID: r.ID, ToolName: r.ToolName,
					Note: r.Error, At: time.Now(),
				})
			}
		}
		if deps.Bus != nil {
			for _, r := range sealedRecords {
				_, _ = deps.Bus.Emit(ctx, id, store.ChannelProgress, "tool:end", sealedToolEndPayload{
					CallID: r.ID, ToolName: r.ToolName, OK: false, Error: r.Error,
				})
			}
		}
		// Under StrategyManual, AutoSeal leaves APPROVAL_REQUIRED records
		// pending; the agent must keep resting at AWAITING_APPROVAL until the
		// embedder decides them, not resume at READY with an un-resulted
		// tool_use.
		pendingLeft := false
		for _, r := range updated {
			if !r.State.Terminal() {
				pendingLeft = true
				break
			}
		}
		if pendingLeft {
			if err := p.bp.Transition(ctx, id, store.AwaitingApproval); err != nil {
				return err
			}
		} else {
			if err := p.bp.Transition(ctx, id, store.PostTool); err != nil {
				return err
			}
			if err := p.bp.Transition(ctx, id, store.Ready); err != nil {
				return err
			}
		}
	}

	if deps.Bus != nil {
		_, _ = deps.Bus.Emit(ctx, id, store.ChannelMonitor, "agent_resumed", resumedPayload{
			Strategy: string(strategy), Sealed: sealed,
		})
	}
	return nil
}

// dropPartialAssistant discards a trailing assistant message left behind by
// a crash between the stream finishing and the turn committing its next
// breakpoint. Its tool calls were never dispatched, so nothing references it.
func (p *Pool) dropPartialAssistant(ctx context.Context, id agent.Ident) error {
	history, err := p.store.LoadMessages(ctx, id)
	if err != nil {
		return err
	}
	if len(history) == 0 || history[len(history)-1].Role != message.RoleAssistant {
		return nil
	}
	return p.store.SaveMessages(ctx, id, history[:len(history)-1])
}

// appendSealedResults attaches the synthetic failed tool results to the
// message history as one user-role message, keeping the every-tool_use-has-
// a-tool_result invariant intact, and refreshes the metadata counters.
func (p *Pool) appendSealedResults(ctx context.Context, id agent.Ident, blocks []message.ToolResultBlock) error {
	history, err := p.store.LoadMessages(ctx, id)
	if err != nil {
		return err
	}
	msgBlocks := make([]message.Block, len(blocks))
	for i, b := range blocks {
		msgBlocks[i] = b
	}
	history = append(history, message.Message{Role: message.RoleUser, Blocks: msgBlocks, SentAt: time.Now()})
	if err := p.store.SaveMessages(ctx, id, history); err != nil {
		return err
	}
	info, err := p.store.LoadInfo(ctx, id)
	if err != nil {
		return err
	}
	info.MessageCount = len(history)
	info.LastSFPIndex = len(history) - 1
	return p.store.SaveInfo(ctx, id, info)
}

// wasExecuting reports whether a sealed record's audit trail shows it had
// entered EXECUTING before the crash.
func wasExecuting(r store.ToolCallRecord) bool {
	for _, a := range r.Audit {
		if a.State == store.ToolExecuting {
			return true
		}
	}
	return false
}

// inputPath extracts a "path" string argument from a tool call's input
// JSON, the convention file tools use. Returns "" when the input has none.
func inputPath(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return ""
	}
	return args.Path
}

type sealedToolEndPayload struct {
	CallID   string `json:"call_id"`
	ToolName string `json:"tool_name"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

type resumedPayload struct {
	Strategy string                 `json:"strategy"`
	Sealed   []store.ToolCallRecord `json:"sealed"`
}

// Fork materializes a new agent from id's snapshot and registers it as a
// second, independent live Agent. This is the only path that can turn one
// snapshot into a running sibling.
func (p *Pool) Fork(ctx context.Context, id agent.Ident, snapshotID string) (*loop.Agent, error) {
	newID := agent.Ident(uuid.NewString())
	if err := p.snapshots.Materialize(ctx, id, newID, snapshotID); err != nil {
		return nil, err
	}
	info, err := p.store.LoadInfo(ctx, newID)
	if err != nil {
		return nil, err
	}
	cfg, deps, err := p.resolve(ctx, info.TemplateID)
	if err != nil {
		return nil, err
	}
	return p.start(ctx, newID, info.TemplateID, cfg, deps, true)
}

func (p *Pool) start(ctx context.Context, id agent.Ident, templateID string, cfg loop.Config, deps loop.Deps, run bool) (*loop.Agent, error) {
	p.mu.Lock()
	if _, live := p.agents[id]; live {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool: agent %q is already running", id)
	}
	p.mu.Unlock()

	if p.sem != nil {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	releaseSem := func() {
		if p.sem != nil {
			<-p.sem
		}
	}

	release, err := p.store.AcquireAgentLock(ctx, id, p.cfg.LockTimeoutMs)
	if err != nil {
		releaseSem()
		return nil, fmt.Errorf("pool: agent %q is locked: %w", id, err)
	}

	cfg.TemplateID = templateID
	deps.Fork = func(forkCtx context.Context, snapshotID string) (agent.Ident, error) {
		forked, err := p.Fork(forkCtx, id, snapshotID)
		if err != nil {
			return "", err
		}
		return forked.ID(), nil
	}

	a := loop.New(id, cfg, deps)
	agentCtx, cancel := context.WithCancel(ctx)
	if run {
		a.Start(agentCtx)
	}

	p.mu.Lock()
	p.agents[id] = a
	p.cancel[id] = cancel
	p.release[id] = release
	p.mu.Unlock()

	return a, nil
}

// Get returns the live Agent for id, if any.
func (p *Pool) Get(id agent.Ident) (*loop.Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[id]
	return a, ok
}

// Destroy stops id's loop goroutine, releases its Store lock and its
// concurrency slot. Persisted state is untouched; Resume can bring it back
// later.
func (p *Pool) Destroy(id agent.Ident) {
	p.mu.Lock()
	cancel, ok := p.cancel[id]
	release := p.release[id]
	if ok {
		delete(p.agents, id)
		delete(p.cancel, id)
		delete(p.release, id)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	cancel()
	if release != nil {
		release()
	}
	if p.sem != nil {
		<-p.sem
	}
}

// ShutdownOptions configures GracefulShutdown.
type ShutdownOptions struct {
	// Timeout bounds how long to wait for each working agent to finish its
	// turn. Zero waits not at all.
	Timeout time.Duration
	// ForceInterrupt interrupts agents still working after Timeout instead
	// of reporting them failed.
	ForceInterrupt bool
	// SaveRunningList records the currently-live agent ids in the pool-meta
	// record so ResumeFromShutdown can bring them back.
	SaveRunningList bool
}

// ShutdownReport classifies each live agent's shutdown outcome.
type ShutdownReport struct {
	Completed   []agent.Ident
	Interrupted []agent.Ident
	Failed      []agent.Ident
}

// GracefulShutdown drains every live agent: working agents get up to
// opts.Timeout to finish their turn, then are interrupted (ForceInterrupt)
// or reported failed. With SaveRunningList the live id set is persisted to
// the pool-meta record before the agents are destroyed, so a restarted
// process can ResumeFromShutdown.
func (p *Pool) GracefulShutdown(ctx context.Context, opts ShutdownOptions) ShutdownReport {
	p.mu.Lock()
	ids := make([]agent.Ident, 0, len(p.agents))
	agents := make(map[agent.Ident]*loop.Agent, len(p.agents))
	for id, a := range p.agents {
		ids = append(ids, id)
		agents[id] = a
	}
	p.mu.Unlock()

	var report ShutdownReport
	for _, id := range ids {
		a := agents[id]
		switch {
		case p.awaitIdle(ctx, a, opts.Timeout):
			report.Completed = append(report.Completed, id)
		case opts.ForceInterrupt:
			a.Interrupt()
			report.Interrupted = append(report.Interrupted, id)
		default:
			report.Failed = append(report.Failed, id)
		}
	}

	if opts.SaveRunningList {
		if err := p.store.SavePoolMeta(ctx, store.PoolMeta{RunningAgentIDs: ids, SavedAt: time.Now()}); err != nil {
			p.logger.Error(ctx, "pool: save running list failed", "error", err.Error())
		}
	}

	for _, id := range ids {
		p.Destroy(id)
	}
	return report
}

// awaitIdle waits up to timeout for a to leave StatusWorking.
func (p *Pool) awaitIdle(ctx context.Context, a *loop.Agent, timeout time.Duration) bool {
	if a.Status() != loop.StatusWorking {
		return true
	}
	if timeout <= 0 {
		return false
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if a.Status() != loop.StatusWorking {
				return true
			}
			if time.Now().After(deadline) {
				return false
			}
		case <-ctx.Done():
			return false
		}
	}
}

// ResumeFromShutdown reads the pool-meta running list written by a prior
// GracefulShutdown, resumes each listed agent, and clears the list. Agents
// that fail to resume are skipped with a logged error so one bad agent does
// not block the rest.
func (p *Pool) ResumeFromShutdown(ctx context.Context) ([]*loop.Agent, error) {
	meta, err := p.store.LoadPoolMeta(ctx)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			return nil, nil
		}
		return nil, err
	}
	var resumed []*loop.Agent
	for _, id := range meta.RunningAgentIDs {
		a, err := p.Resume(ctx, id)
		if err != nil {
			p.logger.Error(ctx, "pool: resume from shutdown failed", "agent_id", string(id), "error", err.Error())
			continue
		}
		resumed = append(resumed, a)
	}
	if err := p.store.ClearPoolMeta(ctx); err != nil {
		return resumed, err
	}
	return resumed, nil
}

// RegisterShutdownHandlers installs SIGTERM/SIGINT handlers that run
// GracefulShutdown with opts. The returned stop function uninstalls the
// handlers without shutting down.
func (p *Pool) RegisterShutdownHandlers(opts ShutdownOptions) (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigs:
			ctx := context.Background()
			p.logger.Info(ctx, "pool: shutdown signal received", "signal", sig.String())
			p.GracefulShutdown(ctx, opts)
		case <-done:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(done)
		})
	}
}

// Len returns the number of currently live agents.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents)
}
