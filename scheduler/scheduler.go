// Package scheduler implements Scheduler: step/interval/cron/external
// triggers that inject system messages onto an agent's loop.
// Triggered callbacks always run on the owning agent's
// own goroutine: background timers only enqueue a Fire onto a per-agent
// outbox; AgentLoop drains the outbox and invokes the callback itself.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"goa.design/agentkernel/agent"
	"goa.design/agentkernel/events"
	"goa.design/agentkernel/reminder"
	"goa.design/agentkernel/store"
)

// Kind identifies how a trigger fires.
type Kind string

const (
	KindSteps    Kind = "steps"
	KindInterval Kind = "interval"
	KindCron     Kind = "cron"
	KindExternal Kind = "external"
)

// TriggerFunc runs when a trigger fires, producing the text of a system
// message to inject (empty to inject nothing).
type TriggerFunc func(ctx context.Context) (string, error)

// Fire is one trigger activation, pulled from an agent's outbox by
// AgentLoop.
type Fire struct {
	TriggerID string
	Kind      Kind
	Payload   any
}

// TriggeredPayload is the monitor-channel scheduler_triggered event payload.
type TriggeredPayload struct {
	TriggerID string `json:"trigger_id"`
	Kind      Kind   `json:"kind"`
}

const stepsReminderPrefix = "scheduler:"

// Scheduler manages triggers across every agent in a pool.
type Scheduler struct {
	bus  *events.Bus
	rem  *reminder.Engine
	cron *cron.Cron

	mu     sync.Mutex
	agents map[agent.Ident]*agentSchedule
}

type agentSchedule struct {
	mu       sync.Mutex
	triggers map[string]registered
	tickers  []*time.Ticker
	cronIDs  []cron.EntryID
	outbox   chan Fire
}

type registered struct {
	kind Kind
	cb   TriggerFunc
}

// New constructs a Scheduler and starts its shared cron runner.
func New(bus *events.Bus, rem *reminder.Engine) *Scheduler {
	s := &Scheduler{
		bus:    bus,
		rem:    rem,
		cron:   cron.New(cron.WithSeconds()),
		agents: map[agent.Ident]*agentSchedule{},
	}
	s.cron.Start()
	return s
}

func (s *Scheduler) ensure(id agent.Ident) *agentSchedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.agents[id]
	if !ok {
		as = &agentSchedule{triggers: map[string]registered{}, outbox: make(chan Fire, 32)}
		s.agents[id] = as
	}
	return as
}

func (s *Scheduler) get(id agent.Ident) (*agentSchedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.agents[id]
	return as, ok
}

// Outbox returns the channel AgentLoop should select on for id's
// background-fired (interval, cron, external) triggers.
func (s *Scheduler) Outbox(id agent.Ident) <-chan Fire {
	return s.ensure(id).outbox
}

// EverySteps registers a trigger that fires after every n completed
// AgentLoop steps while at least one step has elapsed, surfaced through
// Tick rather than the outbox so it stays synchronized with the loop's own
// step counter.
func (s *Scheduler) EverySteps(id agent.Ident, n int, triggerID string, cb TriggerFunc) {
	as := s.ensure(id)
	as.mu.Lock()
	as.triggers[triggerID] = registered{kind: KindSteps, cb: cb}
	as.mu.Unlock()
	s.rem.Add(id, reminder.Reminder{
		ID:              stepsReminderPrefix + triggerID,
		Source:          reminder.SourceScheduler,
		Text:            "scheduler step trigger",
		Priority:        reminder.TierGuidance,
		MinStepsBetween: n,
	})
}

// EveryInterval registers a trigger that fires on a wall-clock interval,
// enqueuing onto the outbox for AgentLoop to drain.
func (s *Scheduler) EveryInterval(id agent.Ident, interval time.Duration, triggerID string, cb TriggerFunc) {
	as := s.ensure(id)
	as.mu.Lock()
	as.triggers[triggerID] = registered{kind: KindInterval, cb: cb}
	ticker := time.NewTicker(interval)
	as.tickers = append(as.tickers, ticker)
	as.mu.Unlock()

	go func() {
		for range ticker.C {
			enqueue(as.outbox, Fire{TriggerID: triggerID, Kind: KindInterval})
		}
	}()
}

// Cron registers a trigger on a six-field (with seconds) cron schedule,
// enqueuing onto the outbox for AgentLoop to drain.
func (s *Scheduler) Cron(id agent.Ident, spec string, triggerID string, cb TriggerFunc) error {
	as := s.ensure(id)
	as.mu.Lock()
	as.triggers[triggerID] = registered{kind: KindCron, cb: cb}
	as.mu.Unlock()

	entryID, err := s.cron.AddFunc(spec, func() {
		enqueue(as.outbox, Fire{TriggerID: triggerID, Kind: KindCron})
	})
	if err != nil {
		return fmt.Errorf("scheduler: invalid cron spec %q: %w", spec, err)
	}
	as.mu.Lock()
	as.cronIDs = append(as.cronIDs, entryID)
	as.mu.Unlock()
	return nil
}

// NotifyExternalTrigger enqueues an externally supplied trigger, e.g. a
// webhook or embedder-driven event, to be handled on the agent's own loop.
func (s *Scheduler) NotifyExternalTrigger(id agent.Ident, triggerID string, payload any) {
	as := s.ensure(id)
	enqueue(as.outbox, Fire{TriggerID: triggerID, Kind: KindExternal, Payload: payload})
}

func enqueue(outbox chan Fire, f Fire) {
	select {
	case outbox <- f:
	default:
		// Outbox full: drop the oldest pending fire rather than block the
		// background timer goroutine indefinitely.
		select {
		case <-outbox:
		default:
		}
		select {
		case outbox <- f:
		default:
		}
	}
}

// Tick invokes every step-based trigger due to fire at the current step,
// returning the text of any produced system messages in trigger-id
// order. Call once per completed AgentLoop step, after
// advancing the shared reminder engine.
func (s *Scheduler) Tick(ctx context.Context, id agent.Ident) []string {
	as, ok := s.get(id)
	if !ok {
		return nil
	}
	var texts []string
	for _, r := range s.rem.Due(id, reminder.SourceScheduler) {
		if !strings.HasPrefix(r.ID, stepsReminderPrefix) {
			continue
		}
		triggerID := strings.TrimPrefix(r.ID, stepsReminderPrefix)
		as.mu.Lock()
		t, ok := as.triggers[triggerID]
		as.mu.Unlock()
		if !ok || t.kind != KindSteps {
			continue
		}
		if text := s.invoke(ctx, id, triggerID, t); text != "" {
			texts = append(texts, text)
		}
	}
	return texts
}

// Invoke runs the registered callback for a Fire pulled from Outbox and
// returns the text of the produced system message. AgentLoop calls this
// from its own goroutine after receiving from Outbox, so callbacks never
// run on an arbitrary background thread.
func (s *Scheduler) Invoke(ctx context.Context, id agent.Ident, f Fire) string {
	as, ok := s.get(id)
	if !ok {
		return fallbackText(f)
	}
	as.mu.Lock()
	t, ok := as.triggers[f.TriggerID]
	as.mu.Unlock()
	if !ok {
		return fallbackText(f)
	}
	return s.invoke(ctx, id, f.TriggerID, t)
}

func (s *Scheduler) invoke(ctx context.Context, id agent.Ident, triggerID string, t registered) string {
	var text string
	if t.cb != nil {
		out, err := t.cb(ctx)
		if err == nil {
			text = out
		}
	}
	if s.bus != nil {
		_, _ = s.bus.Emit(ctx, id, store.ChannelMonitor, "scheduler_triggered", TriggeredPayload{TriggerID: triggerID, Kind: t.kind})
	}
	return text
}

func fallbackText(f Fire) string {
	if f.Payload == nil {
		return ""
	}
	return fmt.Sprintf("external trigger %q fired: %v", f.TriggerID, f.Payload)
}

// Stop releases id's background timers and cron entries. Call on agent
// destroy.
func (s *Scheduler) Stop(id agent.Ident) {
	s.mu.Lock()
	as, ok := s.agents[id]
	if ok {
		delete(s.agents, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, tk := range as.tickers {
		tk.Stop()
	}
	for _, eid := range as.cronIDs {
		s.cron.Remove(eid)
	}
}

// StopAll stops the shared cron runner. Call on process shutdown.
func (s *Scheduler) StopAll() {
	s.cron.Stop()
}
