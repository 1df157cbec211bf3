package protocol

import "time"

// Conversation is one entry of GET /api/conversations.
type Conversation struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	LastMessage *string   `json:"lastMessage,omitempty"`
}

// Message is one entry of GET /api/conversations/{id}/messages.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// DeleteResponse is returned by DELETE /api/conversations/{id}.
type DeleteResponse struct {
	Success bool `json:"success"`
}
