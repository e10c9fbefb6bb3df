// Package todo implements TodoManager: a per-agent task list backed by
// Store, mutated via getTodos/setTodos/updateTodo/deleteTodo, each mutation
// persisting the full snapshot and emitting todo_changed, plus a step-based
// reminder ticker that nudges the model about pending work.
package todo

import (
	"context"
	"fmt"
	"time"

	"goa.design/agentkernel/agent"
	"goa.design/agentkernel/events"
	"goa.design/agentkernel/reminder"
	"goa.design/agentkernel/store"
)

// Config configures a Manager.
type Config struct {
	// RemindIntervalSteps is how many AgentLoop steps elapse between
	// todo_reminder emissions while pending items exist. Zero disables the
	// ticker.
	RemindIntervalSteps int
}

// Manager is the per-pool TodoManager; one instance serves every agent.
type Manager struct {
	cfg   Config
	store store.Store
	bus   *events.Bus
	rem   *reminder.Engine
}

// New constructs a Manager.
func New(cfg Config, st store.Store, bus *events.Bus, rem *reminder.Engine) *Manager {
	return &Manager{cfg: cfg, store: st, bus: bus, rem: rem}
}

// ChangedPayload is the monitor-channel todo_changed event payload.
type ChangedPayload struct {
	Todos []store.TodoItem `json:"todos"`
}

// ReminderPayload is the monitor-channel todo_reminder event payload.
type ReminderPayload struct {
	Pending int `json:"pending"`
}

// GetTodos returns id's current todo list.
func (m *Manager) GetTodos(ctx context.Context, id agent.Ident) ([]store.TodoItem, error) {
	return m.store.LoadTodos(ctx, id)
}

// SetTodos replaces id's entire todo list, persists it, and emits
// todo_changed.
func (m *Manager) SetTodos(ctx context.Context, id agent.Ident, todos []store.TodoItem) error {
	now := time.Now()
	for i := range todos {
		if todos[i].CreatedAt.IsZero() {
			todos[i].CreatedAt = now
		}
		todos[i].UpdatedAt = now
	}
	if err := m.store.SaveTodos(ctx, id, todos); err != nil {
		return err
	}
	m.refreshReminder(id, todos)
	m.emitChanged(ctx, id, todos)
	return nil
}

// UpdateTodo applies a partial update (matched by ID) to one item, or
// inserts it if no item with that ID exists yet.
func (m *Manager) UpdateTodo(ctx context.Context, id agent.Ident, partial store.TodoItem) error {
	if partial.ID == "" {
		return fmt.Errorf("todo: update requires an id")
	}
	existing, err := m.store.LoadTodos(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now()
	found := false
	for i := range existing {
		if existing[i].ID == partial.ID {
			if partial.Title != "" {
				existing[i].Title = partial.Title
			}
			if partial.Status != "" {
				existing[i].Status = partial.Status
			}
			existing[i].UpdatedAt = now
			found = true
			break
		}
	}
	if !found {
		if partial.Status == "" {
			partial.Status = store.TodoPending
		}
		partial.CreatedAt = now
		partial.UpdatedAt = now
		existing = append(existing, partial)
	}
	if err := m.store.SaveTodos(ctx, id, existing); err != nil {
		return err
	}
	m.refreshReminder(id, existing)
	m.emitChanged(ctx, id, existing)
	return nil
}

// DeleteTodo removes one item by ID.
func (m *Manager) DeleteTodo(ctx context.Context, id agent.Ident, todoID string) error {
	existing, err := m.store.LoadTodos(ctx, id)
	if err != nil {
		return err
	}
	out := existing[:0:0]
	for _, t := range existing {
		if t.ID != todoID {
			out = append(out, t)
		}
	}
	if err := m.store.SaveTodos(ctx, id, out); err != nil {
		return err
	}
	m.refreshReminder(id, out)
	m.emitChanged(ctx, id, out)
	return nil
}

func (m *Manager) emitChanged(ctx context.Context, id agent.Ident, todos []store.TodoItem) {
	if m.bus == nil {
		return
	}
	_, _ = m.bus.Emit(ctx, id, store.ChannelMonitor, "todo_changed", ChangedPayload{Todos: todos})
}

// refreshReminder registers or clears the pending-todo reminder for id based
// on whether any item is still pending or in progress.
func (m *Manager) refreshReminder(id agent.Ident, todos []store.TodoItem) {
	if m.rem == nil || m.cfg.RemindIntervalSteps <= 0 {
		return
	}
	pending := pendingCount(todos)
	if pending == 0 {
		m.rem.Remove(id, reminderID)
		return
	}
	m.rem.Add(id, reminder.Reminder{
		ID:              reminderID,
		Source:          reminder.SourceTodo,
		Text:            fmt.Sprintf("You have %d pending or in-progress todo item(s). Review and continue them before starting new work.", pending),
		Priority:        reminder.TierGuidance,
		MinStepsBetween: m.cfg.RemindIntervalSteps,
	})
}

func pendingCount(todos []store.TodoItem) int {
	n := 0
	for _, t := range todos {
		if t.Status == store.TodoPending || t.Status == store.TodoInProgress {
			n++
		}
	}
	return n
}

const reminderID = "pending_todos"

// Tick drains any due pending-todos reminder for id, emitting todo_reminder
// and returning the reminder text for AgentLoop to inject as a system
// message. AgentLoop calls this once per completed step, after advancing
// the shared reminder engine.
func (m *Manager) Tick(ctx context.Context, id agent.Ident) []string {
	if m.rem == nil {
		return nil
	}
	var texts []string
	for _, r := range m.rem.Due(id, reminder.SourceTodo) {
		if r.ID != reminderID {
			continue
		}
		todos, err := m.store.LoadTodos(ctx, id)
		if err != nil {
			continue
		}
		if m.bus != nil {
			_, _ = m.bus.Emit(ctx, id, store.ChannelMonitor, "todo_reminder", ReminderPayload{Pending: pendingCount(todos)})
		}
		texts = append(texts, r.Text)
	}
	return texts
}
