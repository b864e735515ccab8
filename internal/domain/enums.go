// Package domain defines the core chat models shared by the client and the backend.
package domain

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ChangeKind names the data set a live subscription watches.
type ChangeKind string

const (
	ChangeMessages ChangeKind = "messages"
	ChangeChats    ChangeKind = "chats"
)

// Topic returns the hub topic for a change kind scoped to key
// (a chat id for messages, a user id for chats).
func (k ChangeKind) Topic(key string) string {
	return string(k) + ":" + key
}
