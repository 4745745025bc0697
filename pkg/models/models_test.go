package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionTouchIsMonotonic(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s := Session{ID: "ses_001"}
	s.Touch(base)
	assert.Equal(t, base, s.LastActiveAt)

	// A later timestamp advances.
	s.Touch(base.Add(time.Minute))
	assert.Equal(t, base.Add(time.Minute), s.LastActiveAt)

	// An older one does not rewind.
	s.Touch(base)
	assert.Equal(t, base.Add(time.Minute), s.LastActiveAt)
}

func TestMessageText(t *testing.T) {
	m := Message{
		Info: MessageInfo{ID: "msg_001", Role: RoleAssistant},
		Parts: []Part{
			{Type: PartTypeText, Text: "hello "},
			{Type: PartTypeTool, ToolName: "grep"},
			{Type: PartTypeText, Text: "world"},
			{Type: PartTypeFile, FilePath: "/tmp/x"},
		},
	}
	assert.Equal(t, "hello world", m.Text())

	empty := Message{}
	assert.Equal(t, "", empty.Text())
}
