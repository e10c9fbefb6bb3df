// Package inmem provides an in-memory implementation of store.Store,
// intended for tests and single-process embedding. It is not durable across
// process restarts.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"goa.design/agentkernel/agent"
	"goa.design/agentkernel/message"
	"goa.design/agentkernel/store"
)

type agentState struct {
	messages     []message.Message
	records      []store.ToolCallRecord
	todos        []store.TodoItem
	events       []store.Envelope
	nextSeq      int64
	snaps        map[string]store.Snapshot
	info         *store.AgentInfo
	media        map[string]store.MediaCacheEntry
	compressions []store.CompressionRecord
	windows      []store.HistoryWindow
	recovered    []store.RecoveredFile
}

// Store implements store.Store in memory with one mutex per process.
type Store struct {
	mu       sync.Mutex
	agents   map[agent.Ident]*agentState
	locks    map[agent.Ident]*sync.Mutex
	poolMeta *store.PoolMeta
}

// New returns a new in-memory Store.
func New() *Store {
	return &Store{
		agents: make(map[agent.Ident]*agentState),
		locks:  make(map[agent.Ident]*sync.Mutex),
	}
}

func (s *Store) state(id agent.Ident, create bool) *agentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.agents[id]
	if !ok {
		if !create {
			return nil
		}
		st = &agentState{snaps: map[string]store.Snapshot{}, media: map[string]store.MediaCacheEntry{}}
		s.agents[id] = st
	}
	return st
}

func (s *Store) SaveMessages(_ context.Context, id agent.Ident, messages []message.Message) error {
	st := s.state(id, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	st.messages = append([]message.Message(nil), messages...)
	return nil
}

func (s *Store) LoadMessages(_ context.Context, id agent.Ident) ([]message.Message, error) {
	st := s.state(id, false)
	if st == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]message.Message(nil), st.messages...), nil
}

func (s *Store) SaveToolCallRecords(_ context.Context, id agent.Ident, records []store.ToolCallRecord) error {
	st := s.state(id, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	st.records = append([]store.ToolCallRecord(nil), records...)
	return nil
}

func (s *Store) LoadToolCallRecords(_ context.Context, id agent.Ident) ([]store.ToolCallRecord, error) {
	st := s.state(id, false)
	if st == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.ToolCallRecord(nil), st.records...), nil
}

func (s *Store) SaveTodos(_ context.Context, id agent.Ident, todos []store.TodoItem) error {
	st := s.state(id, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	st.todos = append([]store.TodoItem(nil), todos...)
	return nil
}

func (s *Store) LoadTodos(_ context.Context, id agent.Ident) ([]store.TodoItem, error) {
	st := s.state(id, false)
	if st == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.TodoItem(nil), st.todos...), nil
}

func (s *Store) AppendEvent(_ context.Context, id agent.Ident, env *store.Envelope) error {
	st := s.state(id, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	st.nextSeq++
	env.Cursor = st.nextSeq
	if env.Bookmark.Seq == 0 {
		env.Bookmark.Seq = st.nextSeq
	}
	if env.Bookmark.Timestamp == 0 {
		env.Bookmark.Timestamp = time.Now().UnixMilli()
	}
	st.events = append(st.events, *env)
	return nil
}

func (s *Store) ReadEvents(_ context.Context, id agent.Ident, since *store.Bookmark, channels []store.Channel) ([]store.Envelope, error) {
	st := s.state(id, false)
	if st == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	want := map[store.Channel]bool{}
	for _, c := range channels {
		want[c] = true
	}

	var out []store.Envelope
	for _, env := range st.events {
		if since != nil && env.Bookmark.Seq <= since.Seq {
			continue
		}
		if len(want) > 0 && !want[env.Channel] {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

func (s *Store) SaveSnapshot(_ context.Context, id agent.Ident, snap store.Snapshot) error {
	st := s.state(id, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	st.snaps[snap.ID] = snap
	return nil
}

func (s *Store) LoadSnapshot(_ context.Context, id agent.Ident, snapshotID string) (store.Snapshot, error) {
	st := s.state(id, false)
	if st == nil {
		return store.Snapshot{}, &store.ErrNotFound{Kind: "snapshot", ID: snapshotID}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := st.snaps[snapshotID]
	if !ok {
		return store.Snapshot{}, &store.ErrNotFound{Kind: "snapshot", ID: snapshotID}
	}
	return snap, nil
}

func (s *Store) ListSnapshots(_ context.Context, id agent.Ident) ([]string, error) {
	st := s.state(id, false)
	if st == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(st.snaps))
	for k := range st.snaps {
		ids = append(ids, k)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) SaveInfo(_ context.Context, id agent.Ident, info store.AgentInfo) error {
	st := s.state(id, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	infoCopy := info
	st.info = &infoCopy
	return nil
}

func (s *Store) LoadInfo(_ context.Context, id agent.Ident) (store.AgentInfo, error) {
	st := s.state(id, false)
	if st == nil || st.info == nil {
		return store.AgentInfo{}, &store.ErrNotFound{Kind: "info", ID: string(id)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return *st.info, nil
}

func (s *Store) SaveMediaCacheEntry(_ context.Context, id agent.Ident, entry store.MediaCacheEntry) error {
	st := s.state(id, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	st.media[entry.ID] = entry
	return nil
}

func (s *Store) LoadMediaCacheEntry(_ context.Context, id agent.Ident, mediaID string) (store.MediaCacheEntry, error) {
	st := s.state(id, false)
	if st == nil {
		return store.MediaCacheEntry{}, &store.ErrNotFound{Kind: "media", ID: mediaID}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := st.media[mediaID]
	if !ok {
		return store.MediaCacheEntry{}, &store.ErrNotFound{Kind: "media", ID: mediaID}
	}
	return entry, nil
}

func (s *Store) AppendCompressionRecord(_ context.Context, id agent.Ident, rec store.CompressionRecord) error {
	st := s.state(id, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	st.compressions = append(st.compressions, rec)
	return nil
}

func (s *Store) LoadCompressionRecords(_ context.Context, id agent.Ident) ([]store.CompressionRecord, error) {
	st := s.state(id, false)
	if st == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.CompressionRecord(nil), st.compressions...), nil
}

func (s *Store) AppendHistoryWindow(_ context.Context, id agent.Ident, w store.HistoryWindow) error {
	st := s.state(id, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	st.windows = append(st.windows, w)
	return nil
}

func (s *Store) LoadHistoryWindows(_ context.Context, id agent.Ident) ([]store.HistoryWindow, error) {
	st := s.state(id, false)
	if st == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.HistoryWindow(nil), st.windows...), nil
}

func (s *Store) AppendRecoveredFile(_ context.Context, id agent.Ident, f store.RecoveredFile) error {
	st := s.state(id, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	st.recovered = append(st.recovered, f)
	return nil
}

func (s *Store) LoadRecoveredFiles(_ context.Context, id agent.Ident) ([]store.RecoveredFile, error) {
	st := s.state(id, false)
	if st == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.RecoveredFile(nil), st.recovered...), nil
}

func (s *Store) Exists(_ context.Context, id agent.Ident) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.agents[id]
	return ok, nil
}

func (s *Store) Delete(_ context.Context, id agent.Ident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, id)
	delete(s.locks, id)
	return nil
}

func (s *Store) List(_ context.Context, prefix string) ([]agent.Ident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []agent.Ident
	for id := range s.agents {
		if strings.HasPrefix(string(id), prefix) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// AcquireAgentLock returns a per-process mutex release closure. This is NOT
// a cross-process lock; HealthCheck reports Distributed: false accordingly.
func (s *Store) AcquireAgentLock(ctx context.Context, id agent.Ident, timeoutMs int) (func(), error) {
	s.mu.Lock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		lock.Lock()
		close(done)
	}()

	abandon := func() {
		// The goroutine above still acquires the mutex eventually; release
		// it once it does so the next waiter is not blocked forever.
		go func() {
			<-done
			lock.Unlock()
		}()
	}
	select {
	case <-done:
		return lock.Unlock, nil
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		abandon()
		return nil, fmt.Errorf("store: acquire lock for %q timed out after %dms", id, timeoutMs)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

func (s *Store) SavePoolMeta(_ context.Context, meta store.PoolMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	metaCopy := meta
	metaCopy.RunningAgentIDs = append([]agent.Ident(nil), meta.RunningAgentIDs...)
	s.poolMeta = &metaCopy
	return nil
}

func (s *Store) LoadPoolMeta(_ context.Context) (store.PoolMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poolMeta == nil {
		return store.PoolMeta{}, &store.ErrNotFound{Kind: "pool_meta", ID: store.PoolMetaKey}
	}
	return *s.poolMeta, nil
}

func (s *Store) ClearPoolMeta(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poolMeta = nil
	return nil
}

func (s *Store) HealthCheck(context.Context) (store.HealthStatus, error) {
	return store.HealthStatus{OK: true, Distributed: false, Detail: "in-memory store: single-process only"}, nil
}

func (s *Store) QuerySessions(_ context.Context, q store.SessionQuery) ([]store.AgentInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.AgentInfo
	for _, st := range s.agents {
		if st.info == nil {
			continue
		}
		if q.TemplateID != "" && st.info.TemplateID != q.TemplateID {
			continue
		}
		if q.Breakpoint != "" && st.info.Breakpoint != q.Breakpoint {
			continue
		}
		out = append(out, *st.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	lo, hi := q.Page.Slice(len(out))
	return out[lo:hi], nil
}

func (s *Store) QueryMessages(_ context.Context, id agent.Ident, q store.MessageQuery) ([]message.Message, error) {
	st := s.state(id, false)
	if st == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []message.Message
	for _, m := range st.messages {
		if q.Role != "" && m.Role != q.Role {
			continue
		}
		if q.ContainsText != "" && !strings.Contains(m.Text(), q.ContainsText) {
			continue
		}
		out = append(out, m)
	}
	lo, hi := q.Page.Slice(len(out))
	return out[lo:hi], nil
}

func (s *Store) QueryToolCalls(_ context.Context, id agent.Ident, q store.ToolCallQuery) ([]store.ToolCallRecord, error) {
	st := s.state(id, false)
	if st == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ToolCallRecord
	for _, r := range st.records {
		if q.ToolName != "" && r.ToolName != q.ToolName {
			continue
		}
		if q.State != "" && r.State != q.State {
			continue
		}
		out = append(out, r)
	}
	lo, hi := q.Page.Slice(len(out))
	return out[lo:hi], nil
}

func (s *Store) AggregateStats(_ context.Context) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats store.Stats
	stats.AgentCount = len(s.agents)
	for _, st := range s.agents {
		stats.MessageCount += len(st.messages)
		stats.ToolCallCount += len(st.records)
		stats.EventCount += len(st.events)
		stats.SnapshotCount += len(st.snaps)
	}
	return stats, nil
}

var (
	_ store.Store   = (*Store)(nil)
	_ store.Querier = (*Store)(nil)
)
