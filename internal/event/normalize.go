package event

import "strings"

// Normalize maps one raw event to at most one canonical event.
func Normalize(raw RawEvent) (Event, bool) {
	switch raw.Type {
	case TypeOutputTextDelta:
		return TextDelta{ItemID: raw.ItemID, Delta: raw.Delta}, true

	case TypeOutputItemDone:
		item := raw.Item
		if item == nil {
			return nil, false
		}
		// Output item events may carry the id only on the item itself.
		itemID := raw.ItemID
		if itemID == "" {
			itemID = item.ID
		}
		switch item.Type {
		case "message":
			return TextDone{
				ItemID: itemID,
				Text:   strings.TrimSpace(strings.Join(item.Texts, "\n")),
			}, true
		case "function_call":
			return ToolCall{ItemID: itemID, Name: item.Name, Args: item.Arguments}, true
		case "function_call_output":
			return ToolOutput{ItemID: itemID, Name: item.CallID, Output: item.Output}, true
		}
		return nil, false

	case TypeError:
		return TextDone{Text: "❌ " + raw.Error}, true
	}
	return nil, false
}

// Source is a one-pass sequence of raw events.
type Source interface {
	Next() bool
	Current() RawEvent
	Err() error
}

// Normalizer lazily applies Normalize over a Source, skipping raw events
// that have no canonical form.
type Normalizer struct {
	src     Source
	cur     Event
	onEvent func(Event)
}

// NewNormalizer wraps src. onEvent, when set, observes every emitted event.
func NewNormalizer(src Source, onEvent func(Event)) *Normalizer {
	return &Normalizer{src: src, onEvent: onEvent}
}

// Next advances to the next canonical event.
func (n *Normalizer) Next() bool {
	for n.src.Next() {
		if ev, ok := Normalize(n.src.Current()); ok {
			n.cur = ev
			if n.onEvent != nil {
				n.onEvent(ev)
			}
			return true
		}
	}
	n.cur = nil
	return false
}

// Current returns the event produced by the last successful Next.
func (n *Normalizer) Current() Event {
	return n.cur
}

// Err reports the error that ended the underlying source, if any.
func (n *Normalizer) Err() error {
	return n.src.Err()
}
