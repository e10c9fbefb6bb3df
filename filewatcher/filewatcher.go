// Package filewatcher implements FileWatcher: tracks files touched by an
// agent's read/write tools and watches them via the sandbox's filesystem
// events, emitting file_changed and a reminder when something changes out
// from under the agent between turns.
package filewatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/agentkernel/agent"
	"goa.design/agentkernel/events"
	"goa.design/agentkernel/reminder"
	"goa.design/agentkernel/sandbox"
	"goa.design/agentkernel/store"
)

// debounce bounds how often a watch is torn down and recreated as new
// paths are touched in quick succession.
const debounce = 50 * time.Millisecond

// ChangedPayload is the monitor-channel file_changed event payload.
type ChangedPayload struct {
	Path string `json:"path"`
	Op   string `json:"op"`
}

// FileWatcher manages one watch per agent over the set of paths its tools
// have touched.
type FileWatcher struct {
	sb  sandbox.Sandbox
	bus *events.Bus
	rem *reminder.Engine

	mu     sync.Mutex
	agents map[agent.Ident]*agentWatch
}

type agentWatch struct {
	mu      sync.Mutex
	paths   map[string]struct{}
	cancel  func()
	pending *time.Timer
}

// New constructs a FileWatcher. sb may be nil, in which case TrackTouch is
// a no-op (embedders without a filesystem-backed sandbox skip this
// component entirely).
func New(sb sandbox.Sandbox, bus *events.Bus, rem *reminder.Engine) *FileWatcher {
	return &FileWatcher{sb: sb, bus: bus, rem: rem, agents: map[agent.Ident]*agentWatch{}}
}

func (f *FileWatcher) ensure(id agent.Ident) *agentWatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	aw, ok := f.agents[id]
	if !ok {
		aw = &agentWatch{paths: map[string]struct{}{}}
		f.agents[id] = aw
	}
	return aw
}

// TrackTouch records that a tool call read or wrote path for id, and
// (re)establishes the watch to include it. Call this from the tool
// dispatch layer after a successful fs_read/fs_write-style call.
func (f *FileWatcher) TrackTouch(ctx context.Context, id agent.Ident, path string) {
	if f.sb == nil || path == "" {
		return
	}
	aw := f.ensure(id)
	aw.mu.Lock()
	if _, seen := aw.paths[path]; seen {
		aw.mu.Unlock()
		return
	}
	aw.paths[path] = struct{}{}
	if aw.pending != nil {
		aw.pending.Stop()
	}
	aw.pending = time.AfterFunc(debounce, func() { f.rewatch(ctx, id, aw) })
	aw.mu.Unlock()
}

func (f *FileWatcher) rewatch(ctx context.Context, id agent.Ident, aw *agentWatch) {
	aw.mu.Lock()
	if aw.cancel != nil {
		aw.cancel()
		aw.cancel = nil
	}
	paths := make([]string, 0, len(aw.paths))
	for p := range aw.paths {
		paths = append(paths, p)
	}
	aw.mu.Unlock()
	if len(paths) == 0 {
		return
	}
	cancel, err := f.sb.WatchFiles(ctx, paths, func(ev sandbox.WatchEvent) {
		f.onChange(ctx, id, ev)
	})
	if err != nil {
		return
	}
	aw.mu.Lock()
	aw.cancel = cancel
	aw.mu.Unlock()
}

func (f *FileWatcher) onChange(ctx context.Context, id agent.Ident, ev sandbox.WatchEvent) {
	if f.bus != nil {
		_, _ = f.bus.Emit(ctx, id, store.ChannelMonitor, "file_changed", ChangedPayload{Path: ev.Path, Op: ev.Op})
	}
	if f.rem == nil {
		return
	}
	f.rem.Add(id, reminder.Reminder{
		ID:       reminderID(ev.Path),
		Source:   reminder.SourceFileWatcher,
		Text:     fmt.Sprintf("File %q changed externally (%s) since you last read it; re-read before relying on its previous contents.", ev.Path, ev.Op),
		Priority: reminder.TierGuidance,
	})
}

func reminderID(path string) string {
	return "file_changed:" + path
}

// Tick drains any pending file-change reminders for id, clearing each one
// so it fires exactly once, and returns their text in the order produced.
// Call once per completed AgentLoop step.
func (f *FileWatcher) Tick(id agent.Ident) []string {
	if f.rem == nil {
		return nil
	}
	var texts []string
	for _, r := range f.rem.Due(id, reminder.SourceFileWatcher) {
		texts = append(texts, r.Text)
		f.rem.Remove(id, r.ID)
	}
	return texts
}

// Stop tears down id's watch and forgets its touched-path set, called on
// agent destroy.
func (f *FileWatcher) Stop(id agent.Ident) {
	f.mu.Lock()
	aw, ok := f.agents[id]
	if ok {
		delete(f.agents, id)
	}
	f.mu.Unlock()
	if !ok {
		return
	}
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.pending != nil {
		aw.pending.Stop()
	}
	if aw.cancel != nil {
		aw.cancel()
	}
}
