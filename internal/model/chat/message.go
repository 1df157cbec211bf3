package chat

import "time"

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a persisted role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message persists one turn of a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// HistoryEntry is the part of a turn the model needs as context.
type HistoryEntry struct {
	Role    Role
	Content string
}
