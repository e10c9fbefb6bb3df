package dispatcher_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentkernel/breakpoint"
	"goa.design/agentkernel/dispatcher"
	"goa.design/agentkernel/events"
	"goa.design/agentkernel/hookmgr"
	"goa.design/agentkernel/model"
	"goa.design/agentkernel/permission"
	"goa.design/agentkernel/store"
	"goa.design/agentkernel/store/inmem"
	"goa.design/agentkernel/toolerrors"
	"goa.design/agentkernel/tools"
)

type stubTool struct {
	spec tools.Spec
	fn   func(tools.ExecContext, json.RawMessage) (tools.Outcome, error)
}

func (s stubTool) Spec() tools.Spec { return s.spec }
func (s stubTool) Exec(ectx tools.ExecContext, args json.RawMessage) (tools.Outcome, error) {
	return s.fn(ectx, args)
}

func newDispatcher(t *testing.T, reg dispatcher.MapRegistry, mode permission.Mode) (*dispatcher.Dispatcher, *events.Bus, *permission.Manager, store.Store) {
	t.Helper()
	st := inmem.New()
	bus, err := events.New(st)
	require.NoError(t, err)
	perm := permission.New(permission.Config{Mode: mode}, bus)
	hooks := hookmgr.New(bus, nil)
	bpm := breakpoint.New(st, bus)
	d := dispatcher.New(reg, perm, hooks, bus, st, nil, bpm, nil, dispatcher.Config{})
	return d, bus, perm, st
}

func TestDispatchAutoApprove(t *testing.T) {
	reg := dispatcher.MapRegistry{
		"fs_read": stubTool{
			spec: tools.Spec{Name: "fs_read", Attributes: tools.Attributes{Readonly: true}},
			fn: func(ectx tools.ExecContext, args json.RawMessage) (tools.Outcome, error) {
				return tools.Success("hello"), nil
			},
		},
	}
	d, _, _, _ := newDispatcher(t, reg, permission.ModeAuto)

	results, err := d.Dispatch(context.Background(), "a1", []model.ToolCall{{ID: "c1", Name: "fs_read", Payload: json.RawMessage(`{"path":"/tmp/x"}`)}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, store.ToolCompleted, results[0].Record.State)
	assert.Equal(t, "hello", results[0].Block.Content)
	assert.False(t, results[0].Block.IsError)
}

func TestDispatchApprovalDeny(t *testing.T) {
	reg := dispatcher.MapRegistry{
		"fs_write": stubTool{
			spec: tools.Spec{Name: "fs_write"},
			fn: func(tools.ExecContext, json.RawMessage) (tools.Outcome, error) {
				t.Fatal("tool must not execute when denied")
				return tools.Outcome{}, nil
			},
		},
	}
	d, bus, perm, st := newDispatcher(t, reg, permission.ModeApproval)

	ch, sub, err := bus.Subscribe(context.Background(), "a1", []store.Channel{store.ChannelControl}, events.SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan []dispatcher.Result, 1)
	go func() {
		results, _ := d.Dispatch(context.Background(), "a1", []model.ToolCall{{ID: "c2", Name: "fs_write", Payload: json.RawMessage(`{}`)}})
		done <- results
	}()

	select {
	case env := <-ch:
		assert.Equal(t, "permission_required", env.Type)
	case <-time.After(time.Second):
		t.Fatal("expected permission_required event")
	}

	select {
	case results := <-done:
		t.Fatalf("dispatch must not complete before a decision: %+v", results)
	case <-time.After(50 * time.Millisecond):
	}

	info, err := st.LoadInfo(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, store.AwaitingApproval, info.Breakpoint)

	require.NoError(t, perm.Decide(context.Background(), "c2", permission.Deny, "nope"))

	select {
	case results := <-done:
		require.Len(t, results, 1)
		assert.Equal(t, store.ToolDenied, results[0].Record.State)
		assert.True(t, results[0].Block.IsError)
		payload, ok := results[0].Block.Content.(toolerrors.Payload)
		require.True(t, ok)
		assert.Contains(t, payload.Error, "nope")
	case <-time.After(time.Second):
		t.Fatal("dispatch did not complete after the deny decision")
	}

	info, err = st.LoadInfo(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, store.PreTool, info.Breakpoint)
}

func TestApprovalDrivesAgentBreakpoint(t *testing.T) {
	reg := dispatcher.MapRegistry{
		"fs_write": stubTool{
			spec: tools.Spec{Name: "fs_write"},
			fn: func(tools.ExecContext, json.RawMessage) (tools.Outcome, error) {
				return tools.Success("written"), nil
			},
		},
	}
	d, bus, perm, st := newDispatcher(t, reg, permission.ModeApproval)

	ch, sub, err := bus.Subscribe(context.Background(), "a1", []store.Channel{store.ChannelControl}, events.SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan []dispatcher.Result, 1)
	go func() {
		results, _ := d.Dispatch(context.Background(), "a1", []model.ToolCall{{ID: "c5", Name: "fs_write", Payload: json.RawMessage(`{}`)}})
		done <- results
	}()

	select {
	case env := <-ch:
		require.Equal(t, "permission_required", env.Type)
	case <-time.After(time.Second):
		t.Fatal("expected permission_required event")
	}

	info, err := st.LoadInfo(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, store.AwaitingApproval, info.Breakpoint)

	require.NoError(t, perm.Decide(context.Background(), "c5", permission.Allow, "go"))

	select {
	case results := <-done:
		require.Len(t, results, 1)
		assert.Equal(t, store.ToolCompleted, results[0].Record.State)
	case <-time.After(time.Second):
		t.Fatal("dispatch did not complete after the allow decision")
	}

	// The last dispatcher-owned transition is into TOOL_EXECUTING; the loop
	// takes over with POST_TOOL once the whole batch is done.
	info, err = st.LoadInfo(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, store.ToolExecutingPhase, info.Breakpoint)
}

func TestDispatchUnknownToolIsValidationFailure(t *testing.T) {
	d, _, _, _ := newDispatcher(t, dispatcher.MapRegistry{}, permission.ModeAuto)
	results, err := d.Dispatch(context.Background(), "a1", []model.ToolCall{{ID: "c3", Name: "missing", Payload: json.RawMessage(`{}`)}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, store.ToolFailed, results[0].Record.State)
	assert.True(t, results[0].Block.IsError)
}

func TestDispatchSchemaValidationRejectsMalformedPayload(t *testing.T) {
	reg := dispatcher.MapRegistry{
		"fs_read": stubTool{
			spec: tools.Spec{
				Name:   "fs_read",
				Schema: json.RawMessage(`{"type":"object","required":["path"],"properties":{"path":{"type":"string"}}}`),
			},
			fn: func(tools.ExecContext, json.RawMessage) (tools.Outcome, error) {
				t.Fatal("tool must not execute on schema validation failure")
				return tools.Outcome{}, nil
			},
		},
	}
	d, _, _, _ := newDispatcher(t, reg, permission.ModeAuto)

	results, err := d.Dispatch(context.Background(), "a1", []model.ToolCall{{ID: "c1", Name: "fs_read", Payload: json.RawMessage(`{"path":123}`)}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, store.ToolFailed, results[0].Record.State)
	assert.True(t, results[0].Block.IsError)
}

func TestDispatchPreservesOrderAcrossMixedLatency(t *testing.T) {
	reg := dispatcher.MapRegistry{
		"slow": stubTool{spec: tools.Spec{Name: "slow", Attributes: tools.Attributes{Readonly: true}}, fn: func(tools.ExecContext, json.RawMessage) (tools.Outcome, error) {
			time.Sleep(30 * time.Millisecond)
			return tools.Success("slow-done"), nil
		}},
		"fast": stubTool{spec: tools.Spec{Name: "fast", Attributes: tools.Attributes{Readonly: true}}, fn: func(tools.ExecContext, json.RawMessage) (tools.Outcome, error) {
			return tools.Success("fast-done"), nil
		}},
	}
	d, _, _, _ := newDispatcher(t, reg, permission.ModeAuto)
	results, err := d.Dispatch(context.Background(), "a1", []model.ToolCall{
		{ID: "c1", Name: "slow", Payload: json.RawMessage(`{}`)},
		{ID: "c2", Name: "fast", Payload: json.RawMessage(`{}`)},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "c1", results[0].ToolUseID)
	assert.Equal(t, "c2", results[1].ToolUseID)
}

func TestAutoSealCrashStrategy(t *testing.T) {
	records := []store.ToolCallRecord{
		{ID: "c1", State: store.ToolPending},
		{ID: "c2", State: store.ToolApprovalRequired},
		{ID: "c3", State: store.ToolExecuting},
		{ID: "c4", State: store.ToolCompleted},
	}
	out, blocks, sealed := dispatcher.AutoSeal(records, "crash")
	require.Len(t, out, 4)
	assert.Equal(t, store.ToolSealed, out[0].State)
	assert.Equal(t, store.ToolDenied, out[1].State)
	assert.Equal(t, store.ToolSealed, out[2].State)
	assert.Equal(t, store.ToolCompleted, out[3].State)
	assert.Len(t, blocks, 3)
	assert.Len(t, sealed, 3)
}

func TestAutoSealManualStrategyLeavesApprovalPending(t *testing.T) {
	records := []store.ToolCallRecord{{ID: "c2", State: store.ToolApprovalRequired}}
	out, blocks, sealed := dispatcher.AutoSeal(records, "manual")
	assert.Equal(t, store.ToolApprovalRequired, out[0].State)
	assert.Empty(t, blocks)
	assert.Empty(t, sealed)
}
