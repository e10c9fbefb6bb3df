package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentkernel/agent"
	"goa.design/agentkernel/message"
	"goa.design/agentkernel/store"
)

func TestMessagesRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := agent.Ident("a1")

	msgs := []message.Message{
		{Role: message.RoleUser, Blocks: []message.Block{message.TextBlock{Text: "hi"}}},
	}
	require.NoError(t, s.SaveMessages(ctx, id, msgs))

	got, err := s.LoadMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "hi", got[0].Text())
}

func TestLoadMessagesUnknownAgentReturnsEmpty(t *testing.T) {
	s := New()
	got, err := s.LoadMessages(context.Background(), agent.Ident("nope"))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestAppendEventAssignsMonotonicCursor(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := agent.Ident("a1")

	require.NoError(t, s.AppendEvent(ctx, id, &store.Envelope{Channel: store.ChannelProgress, Type: "tick"}))
	require.NoError(t, s.AppendEvent(ctx, id, &store.Envelope{Channel: store.ChannelControl, Type: "tock"}))

	all, err := s.ReadEvents(ctx, id, nil, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, int64(1), all[0].Cursor)
	require.Equal(t, int64(2), all[1].Cursor)
}

func TestReadEventsFiltersByChannelAndBookmark(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := agent.Ident("a1")

	require.NoError(t, s.AppendEvent(ctx, id, &store.Envelope{Channel: store.ChannelProgress, Type: "p1"}))
	require.NoError(t, s.AppendEvent(ctx, id, &store.Envelope{Channel: store.ChannelMonitor, Type: "m1"}))
	require.NoError(t, s.AppendEvent(ctx, id, &store.Envelope{Channel: store.ChannelProgress, Type: "p2"}))

	onlyProgress, err := s.ReadEvents(ctx, id, nil, []store.Channel{store.ChannelProgress})
	require.NoError(t, err)
	require.Len(t, onlyProgress, 2)

	since := store.Bookmark{Seq: 1}
	after, err := s.ReadEvents(ctx, id, &since, nil)
	require.NoError(t, err)
	require.Len(t, after, 2)
}

func TestSnapshotLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := agent.Ident("a1")

	_, err := s.LoadSnapshot(ctx, id, "missing")
	require.Error(t, err)
	var nf *store.ErrNotFound
	require.ErrorAs(t, err, &nf)

	snap := store.Snapshot{ID: "snap-1", CreatedAt: time.Now()}
	require.NoError(t, s.SaveSnapshot(ctx, id, snap))

	got, err := s.LoadSnapshot(ctx, id, "snap-1")
	require.NoError(t, err)
	require.Equal(t, "snap-1", got.ID)

	ids, err := s.ListSnapshots(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []string{"snap-1"}, ids)
}

func TestInfoRoundTripAndExistsDelete(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := agent.Ident("a1")

	ok, err := s.Exists(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SaveInfo(ctx, id, store.AgentInfo{AgentID: id, Breakpoint: store.Ready}))

	ok, err = s.Exists(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	info, err := s.LoadInfo(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.Ready, info.Breakpoint)

	require.NoError(t, s.Delete(ctx, id))
	ok, err = s.Exists(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListFiltersByPrefix(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveInfo(ctx, agent.Ident("room-1/a"), store.AgentInfo{}))
	require.NoError(t, s.SaveInfo(ctx, agent.Ident("room-1/b"), store.AgentInfo{}))
	require.NoError(t, s.SaveInfo(ctx, agent.Ident("room-2/a"), store.AgentInfo{}))

	ids, err := s.List(ctx, "room-1/")
	require.NoError(t, err)
	require.ElementsMatch(t, []agent.Ident{"room-1/a", "room-1/b"}, ids)
}

func TestAcquireAgentLockSerializesAndTimesOut(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := agent.Ident("a1")

	release, err := s.AcquireAgentLock(ctx, id, 1000)
	require.NoError(t, err)

	_, err = s.AcquireAgentLock(ctx, id, 20)
	require.Error(t, err)

	release()

	release2, err := s.AcquireAgentLock(ctx, id, 1000)
	require.NoError(t, err)
	release2()
}

func TestHealthCheckReportsNotDistributed(t *testing.T) {
	s := New()
	status, err := s.HealthCheck(context.Background())
	require.NoError(t, err)
	require.True(t, status.OK)
	require.False(t, status.Distributed)
}

func TestPoolMetaRoundTripAndClear(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.LoadPoolMeta(ctx)
	require.Error(t, err)

	meta := store.PoolMeta{RunningAgentIDs: []agent.Ident{"a1", "a2"}, SavedAt: time.Now()}
	require.NoError(t, s.SavePoolMeta(ctx, meta))

	got, err := s.LoadPoolMeta(ctx)
	require.NoError(t, err)
	require.Equal(t, meta.RunningAgentIDs, got.RunningAgentIDs)

	require.NoError(t, s.ClearPoolMeta(ctx))
	_, err = s.LoadPoolMeta(ctx)
	require.Error(t, err)
}

func TestQuerySessionsFiltersAndPaginates(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, id := range []agent.Ident{"a1", "a2", "a3"} {
		require.NoError(t, s.SaveInfo(ctx, id, store.AgentInfo{AgentID: id, TemplateID: "t1", Breakpoint: store.Ready}))
	}
	require.NoError(t, s.SaveInfo(ctx, "b1", store.AgentInfo{AgentID: "b1", TemplateID: "t2", Breakpoint: store.Ready}))

	out, err := s.QuerySessions(ctx, store.SessionQuery{TemplateID: "t1"})
	require.NoError(t, err)
	require.Len(t, out, 3)

	out, err = s.QuerySessions(ctx, store.SessionQuery{TemplateID: "t1", Page: store.Page{Offset: 1, Limit: 1}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, agent.Ident("a2"), out[0].AgentID)
}

func TestQueryMessagesByRoleAndText(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := agent.Ident("a1")
	require.NoError(t, s.SaveMessages(ctx, id, []message.Message{
		{Role: message.RoleUser, Blocks: []message.Block{message.TextBlock{Text: "hello there"}}},
		{Role: message.RoleAssistant, Blocks: []message.Block{message.TextBlock{Text: "hi"}}},
		{Role: message.RoleUser, Blocks: []message.Block{message.TextBlock{Text: "bye"}}},
	}))

	out, err := s.QueryMessages(ctx, id, store.MessageQuery{Role: message.RoleUser})
	require.NoError(t, err)
	require.Len(t, out, 2)

	out, err = s.QueryMessages(ctx, id, store.MessageQuery{ContainsText: "hello"})
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestQueryToolCallsByNameAndState(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := agent.Ident("a1")
	require.NoError(t, s.SaveToolCallRecords(ctx, id, []store.ToolCallRecord{
		{ID: "c1", ToolName: "fs_read", State: store.ToolCompleted},
		{ID: "c2", ToolName: "fs_write", State: store.ToolFailed},
		{ID: "c3", ToolName: "fs_read", State: store.ToolFailed},
	}))

	out, err := s.QueryToolCalls(ctx, id, store.ToolCallQuery{ToolName: "fs_read"})
	require.NoError(t, err)
	require.Len(t, out, 2)

	out, err = s.QueryToolCalls(ctx, id, store.ToolCallQuery{State: store.ToolFailed})
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestAggregateStatsCountsEverything(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := agent.Ident("a1")
	require.NoError(t, s.SaveMessages(ctx, id, []message.Message{{Role: message.RoleUser}}))
	require.NoError(t, s.SaveToolCallRecords(ctx, id, []store.ToolCallRecord{{ID: "c1"}}))
	require.NoError(t, s.AppendEvent(ctx, id, &store.Envelope{Channel: store.ChannelProgress, Type: "tick"}))
	require.NoError(t, s.SaveSnapshot(ctx, id, store.Snapshot{ID: "s1"}))

	stats, err := s.AggregateStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.AgentCount)
	require.Equal(t, 1, stats.MessageCount)
	require.Equal(t, 1, stats.ToolCallCount)
	require.Equal(t, 1, stats.EventCount)
	require.Equal(t, 1, stats.SnapshotCount)
}

func TestCompressionWindowAndRecoveredFileLogs(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := agent.Ident("a1")

	require.NoError(t, s.AppendCompressionRecord(ctx, id, store.CompressionRecord{DroppedCount: 4, Ratio: 0.5}))
	require.NoError(t, s.AppendCompressionRecord(ctx, id, store.CompressionRecord{DroppedCount: 2, Ratio: 0.8}))
	recs, err := s.LoadCompressionRecords(ctx, id)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, 4, recs[0].DroppedCount)

	require.NoError(t, s.AppendHistoryWindow(ctx, id, store.HistoryWindow{From: 4, To: 10}))
	windows, err := s.LoadHistoryWindows(ctx, id)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	require.Equal(t, 4, windows[0].From)

	require.NoError(t, s.AppendRecoveredFile(ctx, id, store.RecoveredFile{Path: "/tmp/x", ToolCallID: "c1"}))
	files, err := s.LoadRecoveredFiles(ctx, id)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "/tmp/x", files[0].Path)
}
