package domain

import (
	"strings"
	"time"
)

// ProvisionalPrefix marks client-generated message ids. Server ids never use it.
const ProvisionalPrefix = "temp-"

// DefaultChatTitle is shown when a chat has no title.
const DefaultChatTitle = "Untitled Chat"

// Chat is the summary of a chat thread.
type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// DisplayTitle returns the title or DefaultChatTitle when empty.
func (c Chat) DisplayTitle() string {
	if strings.TrimSpace(c.Title) == "" {
		return DefaultChatTitle
	}
	return c.Title
}

// Message is a single chat entry.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// IsProvisional reports whether the message was synthesized on the client
// and has not been confirmed by the server.
func (m Message) IsProvisional() bool {
	return strings.HasPrefix(m.ID, ProvisionalPrefix)
}

// SendMessageResult is the payload of the sendMessage mutation. Success may be
// false even when the transport call itself succeeded.
type SendMessageResult struct {
	Success bool     `json:"success"`
	Error   string   `json:"error,omitempty"`
	Message *Message `json:"message,omitempty"`
}
