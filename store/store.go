// Package store defines the abstract persistence contract for agent durable
// state: messages, tool-call records, todos, the event log, snapshots, and
// metadata. Two implementations live in subpackages:
// store/inmem (process-local, for tests and single-process embedding) and
// store/filestore (directory-per-agent-id, crash-safe via atomic rename).
package store

import (
	"context"

	"goa.design/agentkernel/agent"
	"goa.design/agentkernel/message"
)

// Store is the storage contract every kernel component depends on.
// Operations are identified by agent id and must be idempotent on retry.
//
// Crash-safety contract: each write must either succeed completely or be
// undetectable. After a Save* call returns success, a subsequent Load* in
// any later process must see the new state or a state reachable by
// replaying the implementation's write-ahead log.
type Store interface {
	SaveMessages(ctx context.Context, id agent.Ident, messages []message.Message) error
	LoadMessages(ctx context.Context, id agent.Ident) ([]message.Message, error)

	SaveToolCallRecords(ctx context.Context, id agent.Ident, records []ToolCallRecord) error
	LoadToolCallRecords(ctx context.Context, id agent.Ident) ([]ToolCallRecord, error)

	SaveTodos(ctx context.Context, id agent.Ident, todos []TodoItem) error
	LoadTodos(ctx context.Context, id agent.Ident) ([]TodoItem, error)

	// AppendEvent is total and ordered per agent id. It assigns env.Cursor
	// and, if unset, env.Bookmark before returning, so callers that need to
	// fan the just-appended envelope out live (see events.Bus) can read back
	// exactly what was persisted.
	AppendEvent(ctx context.Context, id agent.Ident, env *Envelope) error
	// ReadEvents returns persisted events for id whose Bookmark.Seq is
	// greater than since.Seq (nil means from the beginning), optionally filtered to
	// channels (nil/empty means all channels).
	ReadEvents(ctx context.Context, id agent.Ident, since *Bookmark, channels []Channel) ([]Envelope, error)

	SaveSnapshot(ctx context.Context, id agent.Ident, snap Snapshot) error
	LoadSnapshot(ctx context.Context, id agent.Ident, snapshotID string) (Snapshot, error)
	ListSnapshots(ctx context.Context, id agent.Ident) ([]string, error)

	SaveInfo(ctx context.Context, id agent.Ident, info AgentInfo) error
	LoadInfo(ctx context.Context, id agent.Ident) (AgentInfo, error)

	SaveMediaCacheEntry(ctx context.Context, id agent.Ident, entry MediaCacheEntry) error
	LoadMediaCacheEntry(ctx context.Context, id agent.Ident, mediaID string) (MediaCacheEntry, error)

	// AppendCompressionRecord and AppendHistoryWindow log ContextManager's
	// compression passes; AppendRecoveredFile flags files a crash-sealed tool
	// call may have left half-written. All three are append-only.
	AppendCompressionRecord(ctx context.Context, id agent.Ident, rec CompressionRecord) error
	LoadCompressionRecords(ctx context.Context, id agent.Ident) ([]CompressionRecord, error)
	AppendHistoryWindow(ctx context.Context, id agent.Ident, w HistoryWindow) error
	LoadHistoryWindows(ctx context.Context, id agent.Ident) ([]HistoryWindow, error)
	AppendRecoveredFile(ctx context.Context, id agent.Ident, f RecoveredFile) error
	LoadRecoveredFiles(ctx context.Context, id agent.Ident) ([]RecoveredFile, error)

	Exists(ctx context.Context, id agent.Ident) (bool, error)
	Delete(ctx context.Context, id agent.Ident) error
	List(ctx context.Context, prefix string) ([]agent.Ident, error)

	// SavePoolMeta persists the pool's running-list record. It lives in its
	// own map keyed by PoolMetaKey, outside the agent-id namespace, so an
	// agent named like the reserved key cannot collide with it.
	SavePoolMeta(ctx context.Context, meta PoolMeta) error
	LoadPoolMeta(ctx context.Context) (PoolMeta, error)
	ClearPoolMeta(ctx context.Context) error

	// AcquireAgentLock returns a release closure once the lock for id is
	// held, or an error if timeoutMs elapses first. Implementations over a
	// distributed backend must make this a real cross-process mutex;
	// embedded/single-process backends may use a per-process mutex but must
	// report that limitation via HealthCheck.
	AcquireAgentLock(ctx context.Context, id agent.Ident, timeoutMs int) (release func(), err error)

	HealthCheck(ctx context.Context) (HealthStatus, error)
}

// ErrNotFound is returned by the Load calls for a snapshot, agent info, media
// cache entry or pool metadata when the requested record does not exist.
type ErrNotFound struct {
	Kind string
	ID   string
}

func (e *ErrNotFound) Error() string {
	return "store: " + e.Kind + " not found: " + e.ID
}
