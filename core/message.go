// Package core holds the types shared by every layer of the assistant:
// conversation messages, streamed events, sessions and action requests.
package core

import (
	"strings"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single conversational turn.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// UserMessage creates a user message stamped with the current time.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, CreatedAt: time.Now()}
}

// AssistantMessage creates an assistant message stamped with the current time.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content, CreatedAt: time.Now()}
}

// LastUserMessage returns the trimmed content of the most recent user message
// in history, or "" when there is none.
func LastUserMessage(history []Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			if text := strings.TrimSpace(history[i].Content); text != "" {
				return text
			}
		}
	}
	return ""
}

// Transcript renders messages as "ROLE: content" lines.
func Transcript(messages []Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strings.ToUpper(string(m.Role)))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
