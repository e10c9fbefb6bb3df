// Package reminder provides the shared system-reminder lifetime/rate-limit
// engine used by TodoManager, Scheduler, and FileWatcher to inject
// system-role messages onto an agent's queue. The package is
// intentionally small and policy-agnostic: it tracks per-agent reminder
// state and enforces simple caps/rate limits; callers own converting a
// Reminder into a queued message.Message and emitting reminder_sent.
package reminder

import (
	"sort"
	"sync"

	"goa.design/agentkernel/agent"
)

// Tier represents the priority tier for a reminder. Lower-valued tiers carry
// higher precedence when enforcing caps.
type Tier int

const (
	// TierSafety reminders are never suppressed by per-agent caps (though
	// MinStepsBetween still applies).
	TierSafety Tier = iota
	// TierGuidance reminders are the first suppressed when budgets are tight
	// (todo nudges, file-change notices, scheduler housekeeping).
	TierGuidance
)

// Source identifies which component produced a reminder, carried as the
// metadata tag that distinguishes reminder messages from user input.
type Source string

const (
	SourceTodo        Source = "todo"
	SourceScheduler    Source = "scheduler"
	SourceFileWatcher Source = "file_watcher"
)

// Reminder describes concrete guidance to inject into an agent's message
// queue. Produced by TodoManager/Scheduler/FileWatcher and evaluated by the
// Engine on a per-agent basis to enforce lifetime and rate limiting.
type Reminder struct {
	// ID is the stable identifier for this reminder type within an agent,
	// used for de-duplication, rate limiting, and telemetry (e.g.
	// "pending_todos", "file_changed:/tmp/x").
	ID string
	// Source identifies the owning component, carried as the queued
	// message's metadata tag.
	Source Source
	// Text is the natural-language guidance to inject.
	Text string
	// Priority controls suppression: TierSafety always takes precedence.
	Priority Tier
	// MaxPerRun caps how many times this reminder may be emitted for one
	// agent's lifetime. Zero means unlimited.
	MaxPerRun int
	// MinStepsBetween enforces a minimum number of loop steps between
	// emissions. Zero means no rate limit.
	MinStepsBetween int
}

// Engine manages per-agent reminder state and enforces lifetime/rate-limit
// policy. Engines are safe for concurrent use; state is tracked per agent
// and advanced by a step counter that follows AgentLoop's own step-based
// scheduling vocabulary.
type Engine struct {
	mu     sync.RWMutex
	agents map[agent.Ident]*agentState
}

type agentState struct {
	reminders map[string]*reminderState
	step      int
}

type reminderState struct {
	reminder Reminder
	emitted  int
	lastStep int
}

// NewEngine constructs an Engine.
func NewEngine() *Engine {
	return &Engine{agents: make(map[agent.Ident]*agentState)}
}

// Add registers or updates a reminder for id. Re-adding a reminder with the
// same ID replaces its configuration while preserving emission counters so
// rate limiting continues to apply.
func (e *Engine) Add(id agent.Ident, r Reminder) {
	if id == "" || r.ID == "" || r.Text == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.ensureLocked(id)
	if rs, ok := st.reminders[r.ID]; ok {
		rs.reminder = r
		return
	}
	st.reminders[r.ID] = &reminderState{reminder: r}
}

// Remove removes a reminder with the given ID from id's state. No-op if
// unknown.
func (e *Engine) Remove(id agent.Ident, reminderID string) {
	if id == "" || reminderID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.agents[id]; ok {
		delete(st.reminders, reminderID)
	}
}

// Tick advances id's step counter. AgentLoop calls this exactly once per
// completed step, before the owning components drain Due — the counter is
// shared across sources, so only the loop may advance it.
func (e *Engine) Tick(id agent.Ident) {
	if id == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensureLocked(id).step++
}

// Due returns the reminders from source (empty means any) that should be
// emitted at id's current step, honoring per-agent caps and
// step-rate-limits, ordered by priority tier (safety first) then ID. Each
// returned reminder is marked emitted, so a second Due in the same step
// does not hand the same reminder to another caller.
func (e *Engine) Due(id agent.Ident, source Source) []Reminder {
	if id == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.agents[id]
	if !ok || len(st.reminders) == 0 {
		return nil
	}
	step := st.step
	out := make([]Reminder, 0, len(st.reminders))
	for _, rs := range st.reminders {
		if source != "" && rs.reminder.Source != source {
			continue
		}
		if !shouldEmit(rs, step) {
			continue
		}
		rs.emitted++
		rs.lastStep = step
		out = append(out, rs.reminder)
	}
	if len(out) == 0 {
		return nil
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Clear removes all reminder state for id, called on agent destroy.
func (e *Engine) Clear(id agent.Ident) {
	if id == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.agents, id)
}

func (e *Engine) ensureLocked(id agent.Ident) *agentState {
	st, ok := e.agents[id]
	if ok {
		return st
	}
	st = &agentState{reminders: map[string]*reminderState{}}
	e.agents[id] = st
	return st
}

func shouldEmit(rs *reminderState, step int) bool {
	r := rs.reminder
	if r.MaxPerRun > 0 && rs.emitted >= r.MaxPerRun && r.Priority != TierSafety {
		return false
	}
	// A never-emitted reminder counts from step 0, so MinStepsBetween also
	// delays the first emission: a step-interval reminder fires at steps
	// n, 2n, ... rather than immediately on registration.
	if r.MinStepsBetween > 0 {
		if delta := step - rs.lastStep; delta < r.MinStepsBetween {
			return false
		}
	}
	return true
}
