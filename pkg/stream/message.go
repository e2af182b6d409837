package stream

// Part types of a flattened Message.
const (
	PartText           = "text"
	PartReasoning      = "reasoning"
	PartSource         = "source"
	PartToolInvocation = "tool-invocation"
)

// Message is the flattened final form of a State handed to presentation
// collaborators on completion.
type Message struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Text  string `json:"text"`
	Parts []Part `json:"parts"`
}

// Part is one presentation block of a Message. Type selects which of the
// remaining fields is set.
type Part struct {
	Type           string         `json:"type"`
	Text           string         `json:"text,omitempty"`
	Reasoning      *ReasoningStep `json:"reasoning,omitempty"`
	Source         *Source        `json:"source,omitempty"`
	ToolInvocation *ToolCall      `json:"toolInvocation,omitempty"`
}

// Message flattens s into a Message with the given id. Parts are emitted in
// presentation order: text, then reasoning, then sources, then tool
// invocations. This is a rendering contract, not the arrival order.
func (s State) Message(id string) Message {
	parts := make([]Part, 0, 1+len(s.Reasoning)+len(s.Sources)+len(s.ToolCallOrder))

	if s.Text != "" {
		parts = append(parts, Part{Type: PartText, Text: s.Text})
	}
	for i := range s.Reasoning {
		step := s.Reasoning[i]
		parts = append(parts, Part{Type: PartReasoning, Reasoning: &step})
	}
	for i := range s.Sources {
		src := s.Sources[i]
		parts = append(parts, Part{Type: PartSource, Source: &src})
	}
	for _, id := range s.ToolCallOrder {
		tc, ok := s.ToolCalls[id]
		if !ok {
			continue
		}
		parts = append(parts, Part{Type: PartToolInvocation, ToolInvocation: &tc})
	}

	return Message{
		ID:    id,
		Role:  "assistant",
		Text:  s.Text,
		Parts: parts,
	}
}
