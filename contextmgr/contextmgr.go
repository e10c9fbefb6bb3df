// Package contextmgr implements ContextManager: prompt assembly each turn —
// system prompt plus tool manual, history token-budget compression,
// multimodal retention, and reasoning-transport translation into the
// provider-facing model.Message shape.
package contextmgr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"goa.design/agentkernel/agent"
	"goa.design/agentkernel/events"
	"goa.design/agentkernel/message"
	"goa.design/agentkernel/model"
	"goa.design/agentkernel/store"
	"goa.design/agentkernel/tools"
)

// ReasoningTransport controls how message.ReasoningBlock history is rendered
// into the outgoing provider context. History on disk is unaffected by this
// setting in all three modes.
type ReasoningTransport string

const (
	// ReasoningProvider keeps native reasoning parts (model.ThinkingPart).
	ReasoningProvider ReasoningTransport = "provider"
	// ReasoningText collapses reasoning into <think>...</think> text.
	ReasoningText ReasoningTransport = "text"
	// ReasoningOmit drops reasoning blocks entirely from the outgoing context.
	ReasoningOmit ReasoningTransport = "omit"
)

// MultimodalRetention bounds how many recent multimodal messages keep their
// inline bytes in the outgoing context.
type MultimodalRetention struct {
	// KeepRecent is the number of most recent messages containing a
	// multimodal block whose bytes stay inline. Earlier multimodal blocks
	// become placeholder text referencing a media cache id. Zero defaults
	// to 3.
	KeepRecent int
}

// Config configures a Manager.
type Config struct {
	// MaxTokens is the budget above which history is compressed.
	MaxTokens int
	// CompressToTokens is the target budget after compression. Defaults to
	// MaxTokens/2 when zero.
	CompressToTokens int
	// MultimodalRetention bounds inline multimodal history.
	MultimodalRetention MultimodalRetention
	// ReasoningTransport selects how reasoning blocks are rendered.
	ReasoningTransport ReasoningTransport
}

// CostModel estimates the token cost of a message history. The default is a
// chars/4 heuristic; embedders may supply a provider-accurate model.
type CostModel func(history []message.Message) int

// DefaultCostModel estimates tokens as total content length divided by four,
// a common order-of-magnitude heuristic for English text.
func DefaultCostModel(history []message.Message) int {
	total := 0
	for _, m := range history {
		total += len(m.Text())
		for _, b := range m.Blocks {
			switch v := b.(type) {
			case message.ToolUseBlock:
				total += len(fmt.Sprint(v.Input)) + len(v.Name)
			case message.ToolResultBlock:
				total += len(fmt.Sprint(v.Content))
			case message.ReasoningBlock:
				total += len(v.Text)
			}
		}
	}
	return total / 4
}

// Manager assembles the prompt for one AgentLoop turn.
type Manager struct {
	cfg       Config
	cost      CostModel
	bus       *events.Bus
	store     store.Store

	lastManualHash string
}

// New constructs a Manager. cost may be nil (defaults to DefaultCostModel).
func New(cfg Config, cost CostModel, bus *events.Bus, st store.Store) *Manager {
	if cost == nil {
		cost = DefaultCostModel
	}
	if cfg.CompressToTokens <= 0 && cfg.MaxTokens > 0 {
		cfg.CompressToTokens = cfg.MaxTokens / 2
	}
	if cfg.MultimodalRetention.KeepRecent <= 0 {
		cfg.MultimodalRetention.KeepRecent = 3
	}
	if cfg.ReasoningTransport == "" {
		cfg.ReasoningTransport = ReasoningProvider
	}
	return &Manager{cfg: cfg, cost: cost, bus: bus, store: st}
}

// ToolManualUpdatedPayload is the monitor-channel tool_manual_updated event
// payload, emitted when the assembled manual's hash changes.
type ToolManualUpdatedPayload struct {
	Hash string `json:"hash"`
}

// CompressionPayload is the monitor-channel context_compression event
// payload, emitted once with Phase "start" and once with Phase "end".
type CompressionPayload struct {
	Phase   string  `json:"phase"`
	Ratio   float64 `json:"ratio,omitempty"`
	Summary string  `json:"summary,omitempty"`
}

// BuildSystemPrompt assembles the system prompt text from template plus the
// tool manual (name, description, and each tool's prompt contribution), and
// emits tool_manual_updated when the manual's content hash differs from the
// one built by the previous call on this Manager. The last hash is kept per
// Manager, not per agentID.
func (m *Manager) BuildSystemPrompt(ctx context.Context, agentID agent.Ident, template string, specs []tools.Spec) string {
	manual := renderManual(specs)
	hash := sha256Hex(manual)
	if hash != m.lastManualHash {
		m.lastManualHash = hash
		if m.bus != nil {
			_, _ = m.bus.Emit(ctx, agentID, store.ChannelMonitor, "tool_manual_updated", ToolManualUpdatedPayload{Hash: hash})
		}
	}
	if manual == "" {
		return template
	}
	return template + "\n\n# Tools\n\n" + manual
}

func renderManual(specs []tools.Spec) string {
	sorted := append([]tools.Spec(nil), specs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	out := ""
	for _, s := range sorted {
		out += fmt.Sprintf("## %s\n%s\n", s.Name, s.Description)
		if s.Attributes.Prompt != "" {
			out += s.Attributes.Prompt + "\n"
		}
	}
	return out
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// PrepareHistory compresses history when it exceeds MaxTokens, then applies
// multimodal retention, returning the history to translate into the
// provider request. Both steps operate on a copy; the durable history in
// Store is untouched (ContextManager only shapes the outgoing context).
func (m *Manager) PrepareHistory(ctx context.Context, agentID agent.Ident, history []message.Message) []message.Message {
	out := append([]message.Message(nil), history...)
	out = m.compress(ctx, agentID, out)
	out = m.retainMultimodal(ctx, agentID, out)
	return out
}

// compress summarizes the oldest segment of history down to one synthetic
// system message when the estimated token count exceeds MaxTokens, keeping
// the tail intact.
func (m *Manager) compress(ctx context.Context, agentID agent.Ident, history []message.Message) []message.Message {
	if m.cfg.MaxTokens <= 0 {
		return history
	}
	before := m.cost(history)
	if before <= m.cfg.MaxTokens {
		return history
	}

	// Walk from the tail, keeping messages until adding the next (older) one
	// would exceed CompressToTokens; everything older becomes one summary.
	keepFrom := len(history)
	kept := 0
	for i := len(history) - 1; i >= 0; i-- {
		cost := m.cost(history[i : i+1])
		if kept+cost > m.cfg.CompressToTokens && keepFrom != len(history) {
			break
		}
		kept += cost
		keepFrom = i
	}
	if keepFrom <= 0 {
		return history
	}
	if m.bus != nil {
		_, _ = m.bus.Emit(ctx, agentID, store.ChannelMonitor, "context_compression", CompressionPayload{Phase: "start"})
	}

	summary := summarize(history[:keepFrom])
	compressed := append([]message.Message{{
		Role:   message.RoleSystem,
		Blocks: []message.Block{message.TextBlock{Text: summary}},
		Meta:   map[string]any{"kind": "compression_summary"},
		SentAt: time.Now(),
	}}, history[keepFrom:]...)

	after := m.cost(compressed)
	ratio := 0.0
	if before > 0 {
		ratio = float64(after) / float64(before)
	}
	if m.store != nil {
		now := time.Now()
		_ = m.store.AppendCompressionRecord(ctx, agentID, store.CompressionRecord{
			At: now, DroppedCount: keepFrom, Ratio: ratio, Summary: summary,
		})
		_ = m.store.AppendHistoryWindow(ctx, agentID, store.HistoryWindow{
			From: keepFrom, To: len(history), CreatedAt: now,
		})
	}
	if m.bus != nil {
		_, _ = m.bus.Emit(ctx, agentID, store.ChannelMonitor, "context_compression", CompressionPayload{Phase: "end", Ratio: ratio, Summary: summary})
	}
	return compressed
}

// summarize renders a terse synthetic summary of a dropped history segment.
// A production embedder typically replaces this with a model-backed
// summarizer; the kernel's default keeps compression deterministic and
// dependency-free.
func summarize(dropped []message.Message) string {
	return fmt.Sprintf("[compressed %d earlier messages]", len(dropped))
}

// retainMultimodal keeps inline bytes only for the KeepRecent most recent
// messages containing a multimodal block; earlier ones are evicted to the
// media cache (when Store is configured) and replaced with placeholder text.
func (m *Manager) retainMultimodal(ctx context.Context, agentID agent.Ident, history []message.Message) []message.Message {
	multimodalIdx := []int{}
	for i, msg := range history {
		if hasMultimodal(msg) {
			multimodalIdx = append(multimodalIdx, i)
		}
	}
	keep := m.cfg.MultimodalRetention.KeepRecent
	if len(multimodalIdx) <= keep {
		return history
	}
	evict := map[int]bool{}
	for _, i := range multimodalIdx[:len(multimodalIdx)-keep] {
		evict[i] = true
	}
	out := append([]message.Message(nil), history...)
	for i := range out {
		if !evict[i] {
			continue
		}
		out[i] = m.evictMessage(ctx, agentID, out[i])
	}
	return out
}

func hasMultimodal(msg message.Message) bool {
	for _, b := range msg.Blocks {
		switch b.(type) {
		case message.ImageBlock, message.AudioBlock, message.FileBlock:
			return true
		}
	}
	return false
}

func (m *Manager) evictMessage(ctx context.Context, agentID agent.Ident, msg message.Message) message.Message {
	blocks := make([]message.Block, len(msg.Blocks))
	for i, b := range msg.Blocks {
		blocks[i] = m.evictBlock(ctx, agentID, b)
	}
	msg.Blocks = blocks
	return msg
}

func (m *Manager) evictBlock(ctx context.Context, agentID agent.Ident, b message.Block) message.Block {
	switch v := b.(type) {
	case message.ImageBlock:
		id := m.cacheMedia(ctx, agentID, v.MIMEType, []byte(v.Base64))
		return message.TextBlock{Text: fmt.Sprintf("[image evicted, media_cache_id=%s]", id)}
	case message.AudioBlock:
		id := m.cacheMedia(ctx, agentID, v.MIMEType, []byte(v.Base64))
		return message.TextBlock{Text: fmt.Sprintf("[audio evicted, media_cache_id=%s]", id)}
	case message.FileBlock:
		id := m.cacheMedia(ctx, agentID, v.MIMEType, []byte(v.Base64))
		return message.TextBlock{Text: fmt.Sprintf("[file %q evicted, media_cache_id=%s]", v.Name, id)}
	default:
		return b
	}
}

func (m *Manager) cacheMedia(ctx context.Context, agentID agent.Ident, mimeType string, data []byte) string {
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])
	if m.store != nil {
		_ = m.store.SaveMediaCacheEntry(ctx, agentID, store.MediaCacheEntry{
			ID: id, MIMEType: mimeType, Data: data, CreatedAt: time.Now(),
		})
	}
	return id
}

// ToProviderMessages translates durable message.Message history into the
// model.Message shape a ModelProvider consumes, applying ReasoningTransport.
func (m *Manager) ToProviderMessages(history []message.Message) []*model.Message {
	out := make([]*model.Message, 0, len(history))
	for _, msg := range history {
		role := model.ConversationRoleUser
		switch msg.Role {
		case message.RoleAssistant:
			role = model.ConversationRoleAssistant
		case message.RoleSystem:
			role = model.ConversationRoleSystem
		}
		parts := make([]model.Part, 0, len(msg.Blocks))
		for _, b := range msg.Blocks {
			if p, ok := m.toPart(b); ok {
				parts = append(parts, p)
			}
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, &model.Message{Role: role, Parts: parts, Meta: msg.Meta})
	}
	return out
}

func (m *Manager) toPart(b message.Block) (model.Part, bool) {
	switch v := b.(type) {
	case message.TextBlock:
		return model.TextPart{Text: v.Text}, true
	case message.ReasoningBlock:
		switch m.cfg.ReasoningTransport {
		case ReasoningOmit:
			return nil, false
		case ReasoningText:
			return model.TextPart{Text: "<think>" + v.Text + "</think>"}, true
		default:
			return model.ThinkingPart{Text: v.Text, Signature: v.Signature, Redacted: v.Redacted, Final: true}, true
		}
	case message.ToolUseBlock:
		return model.ToolUsePart{ID: v.ID, Name: v.Name, Input: v.Input}, true
	case message.ToolResultBlock:
		return model.ToolResultPart{ToolUseID: v.ToolUseID, Content: v.Content, IsError: v.IsError}, true
	case message.ImageBlock, message.AudioBlock, message.FileBlock:
		// Multimodal parts are provider-specific; embedders extend the
		// translation for providers that accept them. The kernel's
		// retention policy has already placeholder-ified anything beyond
		// KeepRecent by this point.
		return model.TextPart{Text: "[multimodal content omitted]"}, true
	default:
		return nil, false
	}
}
