// Package filestore implements store.Store as a directory-per-agent-id tree
// on local disk, with atomic temp-file-then-rename writes for every logical
// record and an append-only NDJSON log for events.
package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"goa.design/agentkernel/agent"
	"goa.design/agentkernel/message"
	"goa.design/agentkernel/store"
)

// Store persists agent state under baseDir, one subdirectory per agent id.
// AcquireAgentLock is a per-process mutex only: HealthCheck reports
// Distributed: false so embedders do not assume cross-process safety from a
// bare directory tree (a real multi-process deployment needs a backend with
// an actual distributed lock, e.g. flock-based or a database advisory lock).
type Store struct {
	baseDir string

	mu      sync.Mutex
	locks   map[agent.Ident]*sync.Mutex
	nextSeq map[agent.Ident]int64
}

// New creates (if needed) baseDir and returns a Store rooted there.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create base dir: %w", err)
	}
	return &Store{
		baseDir: baseDir,
		locks:   make(map[agent.Ident]*sync.Mutex),
		nextSeq: make(map[agent.Ident]int64),
	}, nil
}

func sanitize(id agent.Ident) string {
	s := string(id)
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, ":", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	if s == "" || s == "." || s == ".." {
		s = "_"
	}
	return s
}

func (s *Store) agentDir(id agent.Ident) string {
	return filepath.Join(s.baseDir, sanitize(id))
}

// ensureAgentDir creates the agent's directory and, the first time, stamps
// it with the original (pre-sanitization) id so List can recover idents that
// contained characters sanitize() replaces.
func (s *Store) ensureAgentDir(id agent.Ident) (string, error) {
	dir := s.agentDir(id)
	idPath := filepath.Join(dir, "id.json")
	if _, err := os.Stat(idPath); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("filestore: create agent dir: %w", err)
		}
		if err := writeJSONAtomic(dir, "id.json", id); err != nil {
			return "", fmt.Errorf("filestore: stamp agent id: %w", err)
		}
	}
	return dir, nil
}

// writeJSONAtomic marshals v and writes it to dir/name via a temp file,
// fsync, then rename, so a crash mid-write never leaves a corrupt file.
func writeJSONAtomic(dir, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) SaveMessages(_ context.Context, id agent.Ident, messages []message.Message) error {
	dir, err := s.ensureAgentDir(id)
	if err != nil {
		return err
	}
	if messages == nil {
		messages = []message.Message{}
	}
	return writeJSONAtomic(dir, "messages.json", messages)
}

func (s *Store) LoadMessages(_ context.Context, id agent.Ident) ([]message.Message, error) {
	var out []message.Message
	_, err := readJSON(filepath.Join(s.agentDir(id), "messages.json"), &out)
	return out, err
}

func (s *Store) SaveToolCallRecords(_ context.Context, id agent.Ident, records []store.ToolCallRecord) error {
	dir, err := s.ensureAgentDir(id)
	if err != nil {
		return err
	}
	if records == nil {
		records = []store.ToolCallRecord{}
	}
	return writeJSONAtomic(dir, "tool_calls.json", records)
}

func (s *Store) LoadToolCallRecords(_ context.Context, id agent.Ident) ([]store.ToolCallRecord, error) {
	var out []store.ToolCallRecord
	_, err := readJSON(filepath.Join(s.agentDir(id), "tool_calls.json"), &out)
	return out, err
}

func (s *Store) SaveTodos(_ context.Context, id agent.Ident, todos []store.TodoItem) error {
	dir, err := s.ensureAgentDir(id)
	if err != nil {
		return err
	}
	if todos == nil {
		todos = []store.TodoItem{}
	}
	return writeJSONAtomic(dir, "todos.json", todos)
}

func (s *Store) LoadTodos(_ context.Context, id agent.Ident) ([]store.TodoItem, error) {
	var out []store.TodoItem
	_, err := readJSON(filepath.Join(s.agentDir(id), "todos.json"), &out)
	return out, err
}

func (s *Store) eventsPath(id agent.Ident) string {
	return filepath.Join(s.agentDir(id), "events.ndjson")
}

// AppendEvent assigns the next cursor and appends one JSON line to the
// agent's event log, fsyncing before returning so a crash after AppendEvent
// returns never loses the event.
func (s *Store) AppendEvent(_ context.Context, id agent.Ident, env *store.Envelope) error {
	dir, err := s.ensureAgentDir(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	seq, cached := s.nextSeq[id]
	if !cached {
		seq, err = s.countEventLines(id)
		if err != nil {
			s.mu.Unlock()
			return err
		}
	}
	seq++
	s.nextSeq[id] = seq
	s.mu.Unlock()

	env.Cursor = seq
	if env.Bookmark.Seq == 0 {
		env.Bookmark.Seq = seq
	}
	if env.Bookmark.Timestamp == 0 {
		env.Bookmark.Timestamp = time.Now().UnixMilli()
	}

	line, err := json.Marshal(env)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(dir, "events.ndjson"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (s *Store) countEventLines(id agent.Ident) (int64, error) {
	f, err := os.Open(s.eventsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	var n int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		n++
	}
	return n, scanner.Err()
}

func (s *Store) ReadEvents(_ context.Context, id agent.Ident, since *store.Bookmark, channels []store.Channel) ([]store.Envelope, error) {
	f, err := os.Open(s.eventsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	want := map[store.Channel]bool{}
	for _, c := range channels {
		want[c] = true
	}

	var out []store.Envelope
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var env store.Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			return nil, fmt.Errorf("filestore: decode event line: %w", err)
		}
		if since != nil && env.Bookmark.Seq <= since.Seq {
			continue
		}
		if len(want) > 0 && !want[env.Channel] {
			continue
		}
		out = append(out, env)
	}
	return out, scanner.Err()
}

func (s *Store) snapshotsDir(id agent.Ident) string {
	return filepath.Join(s.agentDir(id), "snapshots")
}

func (s *Store) SaveSnapshot(_ context.Context, id agent.Ident, snap store.Snapshot) error {
	dir := s.snapshotsDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return writeJSONAtomic(dir, snap.ID+".json", snap)
}

func (s *Store) LoadSnapshot(_ context.Context, id agent.Ident, snapshotID string) (store.Snapshot, error) {
	var snap store.Snapshot
	ok, err := readJSON(filepath.Join(s.snapshotsDir(id), snapshotID+".json"), &snap)
	if err != nil {
		return store.Snapshot{}, err
	}
	if !ok {
		return store.Snapshot{}, &store.ErrNotFound{Kind: "snapshot", ID: snapshotID}
	}
	return snap, nil
}

func (s *Store) ListSnapshots(_ context.Context, id agent.Ident) ([]string, error) {
	entries, err := os.ReadDir(s.snapshotsDir(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".json") {
			ids = append(ids, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) SaveInfo(_ context.Context, id agent.Ident, info store.AgentInfo) error {
	dir, err := s.ensureAgentDir(id)
	if err != nil {
		return err
	}
	return writeJSONAtomic(dir, "info.json", info)
}

func (s *Store) LoadInfo(_ context.Context, id agent.Ident) (store.AgentInfo, error) {
	var info store.AgentInfo
	ok, err := readJSON(filepath.Join(s.agentDir(id), "info.json"), &info)
	if err != nil {
		return store.AgentInfo{}, err
	}
	if !ok {
		return store.AgentInfo{}, &store.ErrNotFound{Kind: "info", ID: string(id)}
	}
	return info, nil
}

func (s *Store) mediaDir(id agent.Ident) string {
	return filepath.Join(s.agentDir(id), "media")
}

func (s *Store) SaveMediaCacheEntry(_ context.Context, id agent.Ident, entry store.MediaCacheEntry) error {
	dir := s.mediaDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return writeJSONAtomic(dir, entry.ID+".json", entry)
}

func (s *Store) LoadMediaCacheEntry(_ context.Context, id agent.Ident, mediaID string) (store.MediaCacheEntry, error) {
	var entry store.MediaCacheEntry
	ok, err := readJSON(filepath.Join(s.mediaDir(id), mediaID+".json"), &entry)
	if err != nil {
		return store.MediaCacheEntry{}, err
	}
	if !ok {
		return store.MediaCacheEntry{}, &store.ErrNotFound{Kind: "media", ID: mediaID}
	}
	return entry, nil
}

// appendJSONLine appends one marshaled record to dir/name, fsyncing before
// returning. Shares the events log's durability contract.
func (s *Store) appendJSONLine(id agent.Ident, name string, v any) error {
	dir, err := s.ensureAgentDir(id)
	if err != nil {
		return err
	}
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func readJSONLines[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var v T
		if err := json.Unmarshal(scanner.Bytes(), &v); err != nil {
			return nil, fmt.Errorf("filestore: decode line in %s: %w", filepath.Base(path), err)
		}
		out = append(out, v)
	}
	return out, scanner.Err()
}

func (s *Store) AppendCompressionRecord(_ context.Context, id agent.Ident, rec store.CompressionRecord) error {
	return s.appendJSONLine(id, "compression_records.ndjson", rec)
}

func (s *Store) LoadCompressionRecords(_ context.Context, id agent.Ident) ([]store.CompressionRecord, error) {
	return readJSONLines[store.CompressionRecord](filepath.Join(s.agentDir(id), "compression_records.ndjson"))
}

func (s *Store) AppendHistoryWindow(_ context.Context, id agent.Ident, w store.HistoryWindow) error {
	return s.appendJSONLine(id, "history_windows.ndjson", w)
}

func (s *Store) LoadHistoryWindows(_ context.Context, id agent.Ident) ([]store.HistoryWindow, error) {
	return readJSONLines[store.HistoryWindow](filepath.Join(s.agentDir(id), "history_windows.ndjson"))
}

func (s *Store) AppendRecoveredFile(_ context.Context, id agent.Ident, f store.RecoveredFile) error {
	return s.appendJSONLine(id, "recovered_files.ndjson", f)
}

func (s *Store) LoadRecoveredFiles(_ context.Context, id agent.Ident) ([]store.RecoveredFile, error) {
	return readJSONLines[store.RecoveredFile](filepath.Join(s.agentDir(id), "recovered_files.ndjson"))
}

func (s *Store) Exists(_ context.Context, id agent.Ident) (bool, error) {
	_, err := os.Stat(s.agentDir(id))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) Delete(_ context.Context, id agent.Ident) error {
	s.mu.Lock()
	delete(s.locks, id)
	delete(s.nextSeq, id)
	s.mu.Unlock()
	err := os.RemoveAll(s.agentDir(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) List(_ context.Context, prefix string) ([]agent.Ident, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []agent.Ident
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var id agent.Ident
		ok, err := readJSON(filepath.Join(s.baseDir, e.Name(), "id.json"), &id)
		if err != nil {
			return nil, err
		}
		if !ok {
			id = agent.Ident(e.Name())
		}
		if prefix == "" || strings.HasPrefix(string(id), prefix) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// AcquireAgentLock is a per-process mutex keyed by id. It does not protect
// against a second process writing to the same baseDir concurrently.
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
		return nil, fmt.Errorf("filestore: acquire lock for %q timed out after %dms", id, timeoutMs)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

// poolMetaPath lives directly under baseDir, outside any agent directory, so
// the reserved pool-meta record cannot collide with an agent id.
func (s *Store) poolMetaPath() string {
	return filepath.Join(s.baseDir, "pool_meta.json")
}

func (s *Store) SavePoolMeta(_ context.Context, meta store.PoolMeta) error {
	return writeJSONAtomic(s.baseDir, "pool_meta.json", meta)
}

func (s *Store) LoadPoolMeta(_ context.Context) (store.PoolMeta, error) {
	var meta store.PoolMeta
	ok, err := readJSON(s.poolMetaPath(), &meta)
	if err != nil {
		return store.PoolMeta{}, err
	}
	if !ok {
		return store.PoolMeta{}, &store.ErrNotFound{Kind: "pool_meta", ID: store.PoolMetaKey}
	}
	return meta, nil
}

func (s *Store) ClearPoolMeta(_ context.Context) error {
	err := os.Remove(s.poolMetaPath())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) HealthCheck(context.Context) (store.HealthStatus, error) {
	if _, err := os.Stat(s.baseDir); err != nil {
		return store.HealthStatus{OK: false, Detail: err.Error(), Distributed: false}, nil
	}
	return store.HealthStatus{OK: true, Distributed: false, Detail: "file-backed store at " + s.baseDir + ": single-host only"}, nil
}

// QuerySessions scans every agent directory's info.json. Linear in the
// number of agents; backends with an index do better, but a directory tree
// has nothing to index with.
func (s *Store) QuerySessions(ctx context.Context, q store.SessionQuery) ([]store.AgentInfo, error) {
	ids, err := s.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []store.AgentInfo
	for _, id := range ids {
		info, err := s.LoadInfo(ctx, id)
		if err != nil {
			if _, ok := err.(*store.ErrNotFound); ok {
				continue
			}
			return nil, err
		}
		if q.TemplateID != "" && info.TemplateID != q.TemplateID {
			continue
		}
		if q.Breakpoint != "" && info.Breakpoint != q.Breakpoint {
			continue
		}
		out = append(out, info)
	}
	lo, hi := q.Page.Slice(len(out))
	return out[lo:hi], nil
}

func (s *Store) QueryMessages(ctx context.Context, id agent.Ident, q store.MessageQuery) ([]message.Message, error) {
	all, err := s.LoadMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []message.Message
	for _, m := range all {
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

func (s *Store) QueryToolCalls(ctx context.Context, id agent.Ident, q store.ToolCallQuery) ([]store.ToolCallRecord, error) {
	all, err := s.LoadToolCallRecords(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []store.ToolCallRecord
	for _, r := range all {
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

func (s *Store) AggregateStats(ctx context.Context) (store.Stats, error) {
	ids, err := s.List(ctx, "")
	if err != nil {
		return store.Stats{}, err
	}
	var stats store.Stats
	stats.AgentCount = len(ids)
	for _, id := range ids {
		msgs, err := s.LoadMessages(ctx, id)
		if err != nil {
			return store.Stats{}, err
		}
		stats.MessageCount += len(msgs)
		records, err := s.LoadToolCallRecords(ctx, id)
		if err != nil {
			return store.Stats{}, err
		}
		stats.ToolCallCount += len(records)
		n, err := s.countEventLines(id)
		if err != nil {
			return store.Stats{}, err
		}
		stats.EventCount += int(n)
		snaps, err := s.ListSnapshots(ctx, id)
		if err != nil {
			return store.Stats{}, err
		}
		stats.SnapshotCount += len(snaps)
	}
	return stats, nil
}

var (
	_ store.Store   = (*Store)(nil)
	_ store.Querier = (*Store)(nil)
)
