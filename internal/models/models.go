package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Role identifies the author of a conversational message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// ContentBlock is one segment of a structured message body. Blocks that are
// not text keep their original JSON so they round-trip unchanged.
type ContentBlock struct {
	Type string
	Text string
	raw  json.RawMessage
}

// TextBlock builds a text segment.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// UnmarshalJSON keeps the original payload alongside the text field.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var fields struct {
		Type string          `json:"type"`
		Text json.RawMessage `json:"text"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode content block: %w", err)
	}
	b.Type = fields.Type
	b.Text = ""
	if len(fields.Text) > 0 {
		var text string
		if err := json.Unmarshal(fields.Text, &text); err == nil {
			b.Text = text
		}
	}
	b.raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON emits the original payload when one was decoded.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	if len(b.raw) > 0 {
		return b.raw, nil
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}{Type: b.Type, Text: b.Text})
}

// Message is a single conversational message. When Blocks is non-nil the
// message body is the ordered block sequence and Content is ignored.
type Message struct {
	Role    Role
	Content string
	Blocks  []ContentBlock
}

// NewMessage builds a plain-text message.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content}
}

// Len returns the content length in characters. Structured bodies count only
// their text segments.
func (m Message) Len() int {
	if m.Blocks == nil {
		return utf8.RuneCountInString(m.Content)
	}
	total := 0
	for _, block := range m.Blocks {
		total += utf8.RuneCountInString(block.Text)
	}
	return total
}

// Text flattens the message body into plain text.
func (m Message) Text() string {
	if m.Blocks == nil {
		return m.Content
	}
	var buf bytes.Buffer
	for _, block := range m.Blocks {
		if block.Text == "" {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(block.Text)
	}
	return buf.String()
}

type wireMessage struct {
	Role    Role            `json:"role"`
	Content json.RawMessage `json:"content"`
}

// MarshalJSON encodes the message in the OpenAI-style input shape.
func (m Message) MarshalJSON() ([]byte, error) {
	var (
		content []byte
		err     error
	)
	if m.Blocks != nil {
		content, err = json.Marshal(m.Blocks)
	} else {
		content, err = json.Marshal(m.Content)
	}
	if err != nil {
		return nil, fmt.Errorf("encode message content: %w", err)
	}
	return json.Marshal(wireMessage{Role: m.Role, Content: content})
}

// UnmarshalJSON accepts either a string or a block array as content.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	m.Role = wire.Role
	m.Content = ""
	m.Blocks = nil

	trimmed := bytes.TrimSpace(wire.Content)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		return nil
	case trimmed[0] == '[':
		blocks := []ContentBlock{}
		if err := json.Unmarshal(trimmed, &blocks); err != nil {
			return fmt.Errorf("decode message blocks: %w", err)
		}
		m.Blocks = blocks
		return nil
	default:
		if err := json.Unmarshal(trimmed, &m.Content); err != nil {
			return fmt.Errorf("decode message content: %w", err)
		}
		return nil
	}
}
