package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// MarshalJSON encodes a Message while preserving the concrete Block types
// stored in Blocks via an explicit "kind" discriminator, following the same
// approach the provider-facing model package uses for its Part union.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias struct {
		Role   Role           `json:"role"`
		Blocks []any          `json:"blocks,omitempty"`
		Meta   map[string]any `json:"meta,omitempty"`
		SentAt string         `json:"sent_at,omitempty"`
	}
	a := alias{Role: m.Role, Meta: m.Meta}
	if !m.SentAt.IsZero() {
		a.SentAt = m.SentAt.Format(sentAtLayout)
	}
	if len(m.Blocks) == 0 {
		return json.Marshal(a)
	}
	a.Blocks = make([]any, 0, len(m.Blocks))
	for i, b := range m.Blocks {
		enc, err := encodeBlock(b)
		if err != nil {
			return nil, fmt.Errorf("encode blocks[%d]: %w", i, err)
		}
		a.Blocks = append(a.Blocks, enc)
	}
	return json.Marshal(a)
}

// UnmarshalJSON decodes a Message while materializing concrete Block
// implementations stored in the Blocks slice.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role   Role              `json:"role"`
		Blocks []json.RawMessage `json:"blocks,omitempty"`
		Meta   map[string]any    `json:"meta,omitempty"`
		SentAt string            `json:"sent_at,omitempty"`
	}
	var tmp alias
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	m.Role = tmp.Role
	m.Meta = tmp.Meta
	if tmp.SentAt != "" {
		t, err := time.Parse(sentAtLayout, tmp.SentAt)
		if err != nil {
			return fmt.Errorf("decode sent_at: %w", err)
		}
		m.SentAt = t
	}
	if len(tmp.Blocks) == 0 {
		m.Blocks = nil
		return nil
	}
	m.Blocks = make([]Block, 0, len(tmp.Blocks))
	for i, raw := range tmp.Blocks {
		b, err := decodeBlock(raw)
		if err != nil {
			return fmt.Errorf("decode blocks[%d]: %w", i, err)
		}
		m.Blocks = append(m.Blocks, b)
	}
	return nil
}

const (
	kindText       = "text"
	kindReasoning  = "reasoning"
	kindImage      = "image"
	kindAudio      = "audio"
	kindFile       = "file"
	kindToolUse    = "tool_use"
	kindToolResult = "tool_result"
)

func encodeBlock(b Block) (any, error) {
	switch v := b.(type) {
	case TextBlock:
		return struct {
			Kind string `json:"kind"`
			TextBlock
		}{kindText, v}, nil
	case ReasoningBlock:
		return struct {
			Kind string `json:"kind"`
			ReasoningBlock
		}{kindReasoning, v}, nil
	case ImageBlock:
		return struct {
			Kind string `json:"kind"`
			ImageBlock
		}{kindImage, v}, nil
	case AudioBlock:
		return struct {
			Kind string `json:"kind"`
			AudioBlock
		}{kindAudio, v}, nil
	case FileBlock:
		return struct {
			Kind string `json:"kind"`
			FileBlock
		}{kindFile, v}, nil
	case ToolUseBlock:
		return struct {
			Kind string `json:"kind"`
			ToolUseBlock
		}{kindToolUse, v}, nil
	case ToolResultBlock:
		return struct {
			Kind string `json:"kind"`
			ToolResultBlock
		}{kindToolResult, v}, nil
	default:
		return nil, fmt.Errorf("unknown block type %T", b)
	}
}

func decodeBlock(raw json.RawMessage) (Block, error) {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode kind: %w", err)
	}
	switch head.Kind {
	case kindText:
		var b TextBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case kindReasoning:
		var b ReasoningBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case kindImage:
		var b ImageBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case kindAudio:
		var b AudioBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case kindFile:
		var b FileBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case kindToolUse:
		var b ToolUseBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case kindToolResult:
		var b ToolResultBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown block kind %q", head.Kind)
	}
}

const sentAtLayout = time.RFC3339Nano
