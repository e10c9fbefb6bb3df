package contextmgr_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentkernel/contextmgr"
	"goa.design/agentkernel/events"
	"goa.design/agentkernel/message"
	"goa.design/agentkernel/model"
	"goa.design/agentkernel/store"
	"goa.design/agentkernel/store/inmem"
	"goa.design/agentkernel/tools"
)

func newManager(t *testing.T, cfg contextmgr.Config) (*contextmgr.Manager, *events.Bus, store.Store) {
	t.Helper()
	st := inmem.New()
	bus, err := events.New(st)
	require.NoError(t, err)
	return contextmgr.New(cfg, nil, bus, st), bus, st
}

func TestBuildSystemPromptAppendsManualAndEmitsOnce(t *testing.T) {
	m, bus, _ := newManager(t, contextmgr.Config{})
	ch, sub, err := bus.Subscribe(context.Background(), "a1", []store.Channel{store.ChannelMonitor}, events.SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Close()

	specs := []tools.Spec{{Name: "fs_read", Description: "reads a file", Attributes: tools.Attributes{Prompt: "use absolute paths"}}}

	prompt := m.BuildSystemPrompt(context.Background(), "a1", "You are helpful.", specs)
	assert.Contains(t, prompt, "You are helpful.")
	assert.Contains(t, prompt, "fs_read")
	assert.Contains(t, prompt, "use absolute paths")

	select {
	case env := <-ch:
		assert.Equal(t, "tool_manual_updated", env.Type)
	case <-time.After(time.Second):
		t.Fatal("expected tool_manual_updated event")
	}

	// Same specs again: no new event since the hash is unchanged.
	_ = m.BuildSystemPrompt(context.Background(), "a1", "You are helpful.", specs)
	select {
	case env := <-ch:
		t.Fatalf("unexpected second event: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPrepareHistoryCompressesOverBudget(t *testing.T) {
	m, _, _ := newManager(t, contextmgr.Config{MaxTokens: 10, CompressToTokens: 4})
	history := []message.Message{
		{Role: message.RoleUser, Blocks: []message.Block{message.TextBlock{Text: "this is a long opening message that will be compressed away"}}},
		{Role: message.RoleAssistant, Blocks: []message.Block{message.TextBlock{Text: "ok"}}},
		{Role: message.RoleUser, Blocks: []message.Block{message.TextBlock{Text: "hi"}}},
	}
	out := m.PrepareHistory(context.Background(), "a1", history)
	require.NotEmpty(t, out)
	assert.Equal(t, message.RoleSystem, out[0].Role)
	assert.Contains(t, out[0].Text(), "compressed")
	assert.Less(t, len(out), len(history)+1)
}

func TestCompressionAppendsRecordAndWindow(t *testing.T) {
	m, _, st := newManager(t, contextmgr.Config{MaxTokens: 10, CompressToTokens: 4})
	history := []message.Message{
		{Role: message.RoleUser, Blocks: []message.Block{message.TextBlock{Text: "this is a long opening message that will be compressed away"}}},
		{Role: message.RoleAssistant, Blocks: []message.Block{message.TextBlock{Text: "ok"}}},
		{Role: message.RoleUser, Blocks: []message.Block{message.TextBlock{Text: "hi"}}},
	}
	_ = m.PrepareHistory(context.Background(), "a1", history)

	recs, err := st.LoadCompressionRecords(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Positive(t, recs[0].DroppedCount)
	assert.Positive(t, recs[0].Ratio)

	windows, err := st.LoadHistoryWindows(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, recs[0].DroppedCount, windows[0].From)
	assert.Equal(t, len(history), windows[0].To)
}

func TestPrepareHistoryNoopUnderBudget(t *testing.T) {
	m, _, _ := newManager(t, contextmgr.Config{MaxTokens: 10_000})
	history := []message.Message{
		{Role: message.RoleUser, Blocks: []message.Block{message.TextBlock{Text: "hi"}}},
	}
	out := m.PrepareHistory(context.Background(), "a1", history)
	assert.Equal(t, history, out)
}

func TestRetainMultimodalEvictsOldestBeyondKeepRecent(t *testing.T) {
	m, _, st := newManager(t, contextmgr.Config{MultimodalRetention: contextmgr.MultimodalRetention{KeepRecent: 1}})
	history := []message.Message{
		{Role: message.RoleUser, Blocks: []message.Block{message.ImageBlock{MediaRef: message.MediaRef{Base64: "AAAA"}, MIMEType: "image/png"}}},
		{Role: message.RoleUser, Blocks: []message.Block{message.TextBlock{Text: "hi"}}},
		{Role: message.RoleUser, Blocks: []message.Block{message.ImageBlock{MediaRef: message.MediaRef{Base64: "BBBB"}, MIMEType: "image/png"}}},
	}
	out := m.PrepareHistory(context.Background(), "a1", history)
	require.Len(t, out, 3)

	first, ok := out[0].Blocks[0].(message.TextBlock)
	require.True(t, ok, "oldest image should be evicted to placeholder text")
	assert.Contains(t, first.Text, "media_cache_id=")

	_, ok = out[2].Blocks[0].(message.ImageBlock)
	assert.True(t, ok, "most recent image stays inline")

	entries, err := st.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, entries.OK)
}

func TestToProviderMessagesReasoningTransportModes(t *testing.T) {
	history := []message.Message{
		{Role: message.RoleAssistant, Blocks: []message.Block{message.ReasoningBlock{Text: "thinking it through"}}},
	}

	provider, _, _ := newManager(t, contextmgr.Config{ReasoningTransport: contextmgr.ReasoningProvider})
	out := provider.ToProviderMessages(history)
	require.Len(t, out, 1)
	_, ok := out[0].Parts[0].(model.ThinkingPart)
	assert.True(t, ok)

	text, _, _ := newManager(t, contextmgr.Config{ReasoningTransport: contextmgr.ReasoningText})
	out = text.ToProviderMessages(history)
	tp, ok := out[0].Parts[0].(model.TextPart)
	require.True(t, ok)
	assert.Contains(t, tp.Text, "<think>")

	omit, _, _ := newManager(t, contextmgr.Config{ReasoningTransport: contextmgr.ReasoningOmit})
	out = omit.ToProviderMessages(history)
	assert.Empty(t, out)
}

func TestToProviderMessagesTranslatesToolBlocks(t *testing.T) {
	m, _, _ := newManager(t, contextmgr.Config{})
	history := []message.Message{
		{Role: message.RoleAssistant, Blocks: []message.Block{message.ToolUseBlock{ID: "c1", Name: "fs_read", Input: map[string]any{"path": "/tmp/x"}}}},
		{Role: message.RoleUser, Blocks: []message.Block{message.ToolResultBlock{ToolUseID: "c1", Content: "ok"}}},
	}
	out := m.ToProviderMessages(history)
	require.Len(t, out, 2)
	use, ok := out[0].Parts[0].(model.ToolUsePart)
	require.True(t, ok)
	assert.Equal(t, "fs_read", use.Name)
	result, ok := out[1].Parts[0].(model.ToolResultPart)
	require.True(t, ok)
	assert.Equal(t, "c1", result.ToolUseID)
}
