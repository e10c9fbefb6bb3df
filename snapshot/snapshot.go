// Package snapshot implements the Snapshot/Fork engine: capturing an
// agent's message history at a Safe-Fork-Point and materializing a forked
// agent's durable state from it.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"goa.design/agentkernel/agent"
	"goa.design/agentkernel/events"
	"goa.design/agentkernel/message"
	"goa.design/agentkernel/store"
)

// ErrNoSafeForkPoint is returned by Capture when an agent's history has no
// message eligible as a Safe-Fork-Point (immediately after a complete user
// message or tool-result message).
var ErrNoSafeForkPoint = errors.New("snapshot: no safe fork point in history")

// Engine captures and materializes snapshots across every agent in a pool.
type Engine struct {
	store store.Store
	bus   *events.Bus
}

// New constructs an Engine.
func New(st store.Store, bus *events.Bus) *Engine {
	return &Engine{store: st, bus: bus}
}

// ForkedPayload is the monitor-channel agent_forked event payload.
type ForkedPayload struct {
	ParentID   agent.Ident `json:"parent_id"`
	SnapshotID string      `json:"snapshot_id"`
}

// Capture records id's message history up to its last Safe-Fork-Point as a
// named snapshot and persists it. Returns ErrNoSafeForkPoint if history has
// no eligible message.
func (e *Engine) Capture(ctx context.Context, id agent.Ident, label string) (store.Snapshot, error) {
	history, err := e.store.LoadMessages(ctx, id)
	if err != nil {
		return store.Snapshot{}, err
	}
	sfpIndex := lastSafeForkPointIndex(history)
	if sfpIndex < 0 {
		return store.Snapshot{}, ErrNoSafeForkPoint
	}
	prefix := history[:sfpIndex+1]
	data, err := json.Marshal(prefix)
	if err != nil {
		return store.Snapshot{}, err
	}
	info, err := e.store.LoadInfo(ctx, id)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); !ok {
			return store.Snapshot{}, err
		}
	}
	snap := store.Snapshot{
		ID:           uuid.NewString(),
		Label:        label,
		MessagesJSON: data,
		LastSFPIndex: sfpIndex,
		LastBookmark: info.LastBookmark,
		CreatedAt:    time.Now(),
	}
	if err := e.store.SaveSnapshot(ctx, id, snap); err != nil {
		return store.Snapshot{}, err
	}
	return snap, nil
}

// lastSafeForkPointIndex returns the index of the last message in history
// eligible as a Safe-Fork-Point, or -1 if none qualifies.
func lastSafeForkPointIndex(history []message.Message) int {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].IsSafeForkPoint() {
			return i
		}
	}
	return -1
}

// Materialize allocates newID's durable state from parentID's snapshotID:
// copies the snapshot's message prefix, the subset of tool-call records
// referenced by tool_use blocks within it, and the current todo list;
// records lineage; and leaves newID's event log empty. It does not start a
// live Agent for newID — that is AgentPool's responsibility.
func (e *Engine) Materialize(ctx context.Context, parentID, newID agent.Ident, snapshotID string) error {
	snap, err := e.store.LoadSnapshot(ctx, parentID, snapshotID)
	if err != nil {
		return err
	}
	var history []message.Message
	if err := json.Unmarshal(snap.MessagesJSON, &history); err != nil {
		return err
	}
	if err := e.store.SaveMessages(ctx, newID, history); err != nil {
		return err
	}

	referenced := map[string]bool{}
	for _, m := range history {
		for _, id := range m.ToolUseIDs() {
			referenced[id] = true
		}
	}
	allRecords, err := e.store.LoadToolCallRecords(ctx, parentID)
	if err != nil {
		return err
	}
	var subset []store.ToolCallRecord
	for _, r := range allRecords {
		if referenced[r.ID] {
			subset = append(subset, r)
		}
	}
	if err := e.store.SaveToolCallRecords(ctx, newID, subset); err != nil {
		return err
	}

	todos, err := e.store.LoadTodos(ctx, parentID)
	if err != nil {
		return err
	}
	if err := e.store.SaveTodos(ctx, newID, todos); err != nil {
		return err
	}

	parentInfo, err := e.store.LoadInfo(ctx, parentID)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); !ok {
			return err
		}
	}
	newInfo := store.AgentInfo{
		AgentID:           newID,
		TemplateID:        parentInfo.TemplateID,
		TemplateVersion:   parentInfo.TemplateVersion,
		CreatedAt:         time.Now(),
		Lineage:           append(append([]agent.Ident{}, parentInfo.Lineage...), parentID),
		ConfigVersionHash: parentInfo.ConfigVersionHash,
		MessageCount:      len(history),
		LastSFPIndex:      snap.LastSFPIndex,
		Breakpoint:        store.Ready,
	}
	if err := e.store.SaveInfo(ctx, newID, newInfo); err != nil {
		return err
	}

	if e.bus != nil {
		_, _ = e.bus.Emit(ctx, newID, store.ChannelMonitor, "agent_forked", ForkedPayload{ParentID: parentID, SnapshotID: snapshotID})
	}
	return nil
}
