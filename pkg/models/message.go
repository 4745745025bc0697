package models

import "time"

// PartType identifies the kind of content carried by a message part.
type PartType string

const (
	PartTypeText PartType = "text"
	PartTypeTool PartType = "tool"
	PartTypeFile PartType = "file"
)

// Part is one piece of a message: a text fragment, a tool invocation, or a
// file reference. Fields beyond Type are populated depending on the type.
type Part struct {
	ID       string   `json:"id,omitempty"`
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	ToolName string   `json:"tool,omitempty"`
	FilePath string   `json:"path,omitempty"`
}

// MessageRole identifies who produced a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// MessageInfo is the backend's envelope for one message.
type MessageInfo struct {
	ID        string      `json:"id"`
	Role      MessageRole `json:"role"`
	SessionID string      `json:"session_id"`
	CreatedAt time.Time   `json:"created_at"`
}

// Message is one conversation turn: the envelope plus its ordered parts.
type Message struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// Text concatenates the text parts of the message.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			out += p.Text
		}
	}
	return out
}
