// Package event unifies the streaming event shapes produced by the agent
// endpoint into a small canonical vocabulary.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Origin records which transport produced a raw event.
type Origin string

const (
	OriginSDK Origin = "sdk"
	OriginSSE Origin = "sse"
)

// Raw event types the normalizer understands.
const (
	TypeOutputTextDelta = "response.output_text.delta"
	TypeOutputItemDone  = "response.output_item.done"
	TypeError           = "response.error"
)

// RawItem is the inner item of an output_item event.
type RawItem struct {
	Type      string
	ID        string
	Name      string
	Arguments string
	CallID    string
	Output    string
	Texts     []string
}

// RawEvent is a transport event after shape adaptation. Fields that were
// missing or of an unexpected type are left empty.
type RawEvent struct {
	Origin  Origin
	Type    string
	ItemID  string
	Delta   string
	Item    *RawItem
	Error   string
	Payload json.RawMessage
}

var errNotObject = errors.New("event payload is not a JSON object")

// Decode adapts a JSON event payload from either transport. Only payloads
// that are not JSON objects are rejected.
func Decode(origin Origin, data []byte) (RawEvent, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return RawEvent{}, fmt.Errorf("decode %s event: %w", origin, err)
	}
	if fields == nil {
		return RawEvent{}, fmt.Errorf("decode %s event: %w", origin, errNotObject)
	}

	ev := RawEvent{
		Origin:  origin,
		Type:    stringField(fields, "type"),
		ItemID:  stringField(fields, "item_id"),
		Delta:   stringField(fields, "delta"),
		Payload: append(json.RawMessage(nil), data...),
	}
	if item, ok := fields["item"].(map[string]any); ok {
		ev.Item = decodeItem(item)
	}
	if ev.Type == TypeError {
		ev.Error = errorText(fields["error"], data)
	}
	return ev, nil
}

func decodeItem(fields map[string]any) *RawItem {
	item := &RawItem{
		Type:      stringField(fields, "type"),
		ID:        stringField(fields, "id"),
		Name:      stringField(fields, "name"),
		Arguments: stringField(fields, "arguments"),
		CallID:    stringField(fields, "call_id"),
		Output:    stringField(fields, "output"),
	}
	if content, ok := fields["content"].([]any); ok {
		for _, part := range content {
			seg, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if text := stringField(seg, "text"); text != "" {
				item.Texts = append(item.Texts, text)
			}
		}
	}
	return item
}

// stringField reads key as text. Scalars are formatted; objects and arrays
// are re-encoded as compact JSON.
func stringField(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

// errorText describes an error field: plain strings as-is, objects by their
// message, and a missing field by the whole payload.
func errorText(value any, payload []byte) string {
	switch v := value.(type) {
	case string:
		if v != "" {
			return v
		}
	case map[string]any:
		if msg := stringField(v, "message"); msg != "" {
			return msg
		}
		encoded, err := json.Marshal(v)
		if err == nil {
			return string(encoded)
		}
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return compact.String()
	}
	return strings.TrimSpace(string(payload))
}
