package event

// Kind names a canonical event variant.
type Kind string

const (
	KindTextDelta  Kind = "text.delta"
	KindTextDone   Kind = "text.done"
	KindToolCall   Kind = "tool.call"
	KindToolOutput Kind = "tool.output"
)

// Event is one of TextDelta, TextDone, ToolCall or ToolOutput. An empty
// ItemID or Name means the field was absent.
type Event interface {
	Kind() Kind
}

// TextDelta is an incremental piece of a text item.
type TextDelta struct {
	ItemID string
	Delta  string
}

// TextDone carries the complete text of an item; it concludes the item.
type TextDone struct {
	ItemID string
	Text   string
}

// ToolCall reports the agent invoking a tool.
type ToolCall struct {
	ItemID string
	Name   string
	Args   string
}

// ToolOutput reports a tool result. Name holds the call id.
type ToolOutput struct {
	ItemID string
	Name   string
	Output string
}

func (TextDelta) Kind() Kind  { return KindTextDelta }
func (TextDone) Kind() Kind   { return KindTextDone }
func (ToolCall) Kind() Kind   { return KindToolCall }
func (ToolOutput) Kind() Kind { return KindToolOutput }
