package pool_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentkernel/agent"
	"goa.design/agentkernel/breakpoint"
	"goa.design/agentkernel/contextmgr"
	"goa.design/agentkernel/dispatcher"
	"goa.design/agentkernel/events"
	"goa.design/agentkernel/hookmgr"
	"goa.design/agentkernel/loop"
	"goa.design/agentkernel/message"
	"goa.design/agentkernel/model"
	"goa.design/agentkernel/permission"
	"goa.design/agentkernel/pool"
	"goa.design/agentkernel/reminder"
	"goa.design/agentkernel/scheduler"
	"goa.design/agentkernel/snapshot"
	"goa.design/agentkernel/store"
	"goa.design/agentkernel/store/inmem"
	"goa.design/agentkernel/todo"
)

type fakeModel struct{}

func (fakeModel) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return &model.Response{}, nil
}
func (fakeModel) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func newTestPool(t *testing.T) (*pool.Pool, store.Store, *events.Bus) {
	t.Helper()
	return newTestPoolWithStrategy(t, breakpoint.StrategyCrash)
}

func newTestPoolWithStrategy(t *testing.T, strategy breakpoint.ResumeStrategy) (*pool.Pool, store.Store, *events.Bus) {
	t.Helper()
	st := inmem.New()
	bus, err := events.New(st)
	require.NoError(t, err)

	perm := permission.New(permission.Config{Mode: permission.ModeAuto}, bus)
	hooks := hookmgr.New(bus, nil)
	bpm := breakpoint.New(st, bus)
	cmgr := contextmgr.New(contextmgr.Config{MaxTokens: 100000, CompressToTokens: 50000}, contextmgr.DefaultCostModel, bus, st)
	rem := reminder.NewEngine()
	todos := todo.New(todo.Config{RemindIntervalSteps: 10}, st, bus, rem)
	sched := scheduler.New(bus, rem)
	snaps := snapshot.New(st, bus)
	disp := dispatcher.New(dispatcher.MapRegistry{}, perm, hooks, bus, st, nil, bpm, nil, dispatcher.Config{})

	resolve := func(ctx context.Context, templateID string) (loop.Config, loop.Deps, error) {
		cfg := loop.Config{SystemPrompt: "hello", ModelClass: model.ModelClassDefault, MaxTokens: 100, ResumeStrategy: strategy}
		deps := loop.Deps{
			Store: st, Bus: bus, Model: fakeModel{}, Dispatcher: disp, Permission: perm,
			Hooks: hooks, Breakpoints: bpm, ContextMgr: cmgr, Todos: todos,
			Scheduler: sched, Snapshots: snaps, Reminders: rem,
		}
		return cfg, deps, nil
	}

	p := pool.New(pool.Config{}, st, bpm, snaps, resolve, nil)
	return p, st, bus
}

func TestCreateStartsAgentAndRegistersIt(t *testing.T) {
	p, st, _ := newTestPool(t)
	a, err := p.Create(context.Background(), "tmpl")
	require.NoError(t, err)
	require.NotNil(t, a)

	got, ok := p.Get(a.ID())
	require.True(t, ok)
	assert.Same(t, a, got)

	info, err := st.LoadInfo(context.Background(), a.ID())
	require.NoError(t, err)
	assert.Equal(t, "tmpl", info.TemplateID)
	assert.Equal(t, 1, p.Len())
}

func TestDestroyRemovesAgent(t *testing.T) {
	p, _, _ := newTestPool(t)
	a, err := p.Create(context.Background(), "tmpl")
	require.NoError(t, err)

	p.Destroy(a.ID())
	_, ok := p.Get(a.ID())
	assert.False(t, ok)
	assert.Equal(t, 0, p.Len())
}

func TestResumeFromReadyIsANoop(t *testing.T) {
	p, st, _ := newTestPool(t)
	id := agent.Ident("existing")
	require.NoError(t, st.SaveInfo(context.Background(), id, store.AgentInfo{
		AgentID: id, TemplateID: "tmpl", Breakpoint: store.Ready,
	}))

	a, err := p.Resume(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, a.ID())
}

func TestResumeFromMidToolAutoSeals(t *testing.T) {
	p, st, _ := newTestPool(t)
	ctx := context.Background()
	id := agent.Ident("crashed")
	require.NoError(t, st.SaveInfo(ctx, id, store.AgentInfo{
		AgentID: id, TemplateID: "tmpl", Breakpoint: store.ToolExecutingPhase,
	}))
	rec := store.ToolCallRecord{
		ID: "c3", ToolName: "fs_write", State: store.ToolExecuting,
		Input: []byte(`{"path":"/tmp/x","content":"partial"}`),
	}
	rec.Transition(store.ToolExecuting, "executing", time.Now())
	require.NoError(t, st.SaveToolCallRecords(ctx, id, []store.ToolCallRecord{rec}))

	_, err := p.Resume(ctx, id)
	require.NoError(t, err)

	info, err := st.LoadInfo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.Ready, info.Breakpoint)

	records, err := st.LoadToolCallRecords(ctx, id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, store.ToolSealed, records[0].State)

	history, err := st.LoadMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Len(t, history[0].Blocks, 1)
	result, ok := history[0].Blocks[0].(message.ToolResultBlock)
	require.True(t, ok)
	assert.Equal(t, "c3", result.ToolUseID)
	assert.True(t, result.IsError)

	events, err := st.ReadEvents(ctx, id, nil, []store.Channel{store.ChannelMonitor})
	require.NoError(t, err)
	var resumed bool
	for _, env := range events {
		if env.Type == "agent_resumed" {
			resumed = true
		}
	}
	assert.True(t, resumed)

	recovered, err := st.LoadRecoveredFiles(ctx, id)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, "/tmp/x", recovered[0].Path)
	assert.Equal(t, "c3", recovered[0].ToolCallID)
}

func TestResumeManualStrategyKeepsApprovalPending(t *testing.T) {
	p, st, _ := newTestPoolWithStrategy(t, breakpoint.StrategyManual)
	ctx := context.Background()
	id := agent.Ident("paused")
	require.NoError(t, st.SaveInfo(ctx, id, store.AgentInfo{
		AgentID: id, TemplateID: "tmpl", Breakpoint: store.AwaitingApproval,
	}))
	require.NoError(t, st.SaveMessages(ctx, id, []message.Message{
		{Role: message.RoleUser, Blocks: []message.Block{message.TextBlock{Text: "write it"}}},
		{Role: message.RoleAssistant, Blocks: []message.Block{message.ToolUseBlock{ID: "c7", Name: "fs_write"}}},
	}))
	rec := store.ToolCallRecord{ID: "c7", ToolName: "fs_write", State: store.ToolApprovalRequired}
	rec.Transition(store.ToolApprovalRequired, "awaiting approval", time.Now())
	require.NoError(t, st.SaveToolCallRecords(ctx, id, []store.ToolCallRecord{rec}))

	_, err := p.Resume(ctx, id)
	require.NoError(t, err)

	records, err := st.LoadToolCallRecords(ctx, id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, store.ToolApprovalRequired, records[0].State)

	info, err := st.LoadInfo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.AwaitingApproval, info.Breakpoint)

	history, err := st.LoadMessages(ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestResumeCrashStrategySealsPendingApprovalAsDenied(t *testing.T) {
	p, st, _ := newTestPool(t)
	ctx := context.Background()
	id := agent.Ident("paused-crash")
	require.NoError(t, st.SaveInfo(ctx, id, store.AgentInfo{
		AgentID: id, TemplateID: "tmpl", Breakpoint: store.AwaitingApproval,
	}))
	rec := store.ToolCallRecord{ID: "c7", ToolName: "fs_write", State: store.ToolApprovalRequired}
	rec.Transition(store.ToolApprovalRequired, "awaiting approval", time.Now())
	require.NoError(t, st.SaveToolCallRecords(ctx, id, []store.ToolCallRecord{rec}))

	_, err := p.Resume(ctx, id)
	require.NoError(t, err)

	records, err := st.LoadToolCallRecords(ctx, id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, store.ToolDenied, records[0].State)

	history, err := st.LoadMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	result, ok := history[0].Blocks[0].(message.ToolResultBlock)
	require.True(t, ok)
	assert.Equal(t, "c7", result.ToolUseID)
	assert.True(t, result.IsError)

	info, err := st.LoadInfo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.Ready, info.Breakpoint)
}

func TestResumeMidDispatchManualRestsAtAwaitingApproval(t *testing.T) {
	p, st, _ := newTestPoolWithStrategy(t, breakpoint.StrategyManual)
	ctx := context.Background()
	id := agent.Ident("mid-dispatch")
	require.NoError(t, st.SaveInfo(ctx, id, store.AgentInfo{
		AgentID: id, TemplateID: "tmpl", Breakpoint: store.PreTool,
	}))
	pending := store.ToolCallRecord{ID: "c8", ToolName: "fs_write", State: store.ToolApprovalRequired}
	pending.Transition(store.ToolApprovalRequired, "awaiting approval", time.Now())
	queued := store.ToolCallRecord{ID: "c9", ToolName: "fs_read", State: store.ToolPending}
	queued.Transition(store.ToolPending, "received from model", time.Now())
	require.NoError(t, st.SaveToolCallRecords(ctx, id, []store.ToolCallRecord{pending, queued}))

	_, err := p.Resume(ctx, id)
	require.NoError(t, err)

	records, err := st.LoadToolCallRecords(ctx, id)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, store.ToolApprovalRequired, records[0].State)
	assert.Equal(t, store.ToolSealed, records[1].State)

	// Only the sealed call gets a synthetic result; the pending approval
	// keeps the agent resting at AWAITING_APPROVAL instead of READY.
	history, err := st.LoadMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Len(t, history[0].Blocks, 1)
	result, ok := history[0].Blocks[0].(message.ToolResultBlock)
	require.True(t, ok)
	assert.Equal(t, "c9", result.ToolUseID)

	info, err := st.LoadInfo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.AwaitingApproval, info.Breakpoint)
}

func TestResumeFromStreamingDropsPartialAssistant(t *testing.T) {
	p, st, _ := newTestPool(t)
	ctx := context.Background()
	id := agent.Ident("streaming-crash")
	require.NoError(t, st.SaveInfo(ctx, id, store.AgentInfo{
		AgentID: id, TemplateID: "tmpl", Breakpoint: store.StreamingModel,
	}))
	require.NoError(t, st.SaveMessages(ctx, id, []message.Message{
		{Role: message.RoleUser, Blocks: []message.Block{message.TextBlock{Text: "hi"}}},
		{Role: message.RoleAssistant, Blocks: []message.Block{message.TextBlock{Text: "par"}}},
	}))

	_, err := p.Resume(ctx, id)
	require.NoError(t, err)

	history, err := st.LoadMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, message.RoleUser, history[0].Role)
}

func TestForkMaterializesSiblingAgent(t *testing.T) {
	p, st, bus := newTestPool(t)
	a, err := p.Create(context.Background(), "tmpl")
	require.NoError(t, err)

	require.NoError(t, st.SaveMessages(context.Background(), a.ID(), []message.Message{
		{Role: message.RoleUser, Blocks: []message.Block{message.TextBlock{Text: "hi"}}},
	}))

	snaps := snapshot.New(st, bus)
	snap, err := snaps.Capture(context.Background(), a.ID(), "fork-point")
	require.NoError(t, err)

	forked, err := p.Fork(context.Background(), a.ID(), snap.ID)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), forked.ID())

	info, err := st.LoadInfo(context.Background(), forked.ID())
	require.NoError(t, err)
	assert.Contains(t, info.Lineage, a.ID())

	_, ok := p.Get(forked.ID())
	assert.True(t, ok)
}

func TestGracefulShutdownStopsAllAgents(t *testing.T) {
	p, _, _ := newTestPool(t)
	a, err := p.Create(context.Background(), "tmpl")
	require.NoError(t, err)
	b, err := p.Create(context.Background(), "tmpl")
	require.NoError(t, err)
	require.Equal(t, 2, p.Len())

	report := p.GracefulShutdown(context.Background(), pool.ShutdownOptions{Timeout: time.Second})
	assert.ElementsMatch(t, []agent.Ident{a.ID(), b.ID()}, report.Completed)
	assert.Empty(t, report.Interrupted)
	assert.Empty(t, report.Failed)
	assert.Eventually(t, func() bool { return p.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestShutdownSavesRunningListAndResumeFromShutdownRestoresIt(t *testing.T) {
	p, st, _ := newTestPool(t)
	ctx := context.Background()
	a, err := p.Create(ctx, "tmpl")
	require.NoError(t, err)

	p.GracefulShutdown(ctx, pool.ShutdownOptions{Timeout: time.Second, SaveRunningList: true})
	require.Equal(t, 0, p.Len())

	meta, err := st.LoadPoolMeta(ctx)
	require.NoError(t, err)
	assert.Equal(t, []agent.Ident{a.ID()}, meta.RunningAgentIDs)

	resumed, err := p.ResumeFromShutdown(ctx)
	require.NoError(t, err)
	require.Len(t, resumed, 1)
	assert.Equal(t, a.ID(), resumed[0].ID())
	assert.Equal(t, 1, p.Len())

	_, err = st.LoadPoolMeta(ctx)
	var notFound *store.ErrNotFound
	require.ErrorAs(t, err, &notFound)
}
