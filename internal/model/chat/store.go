package chat

import (
	"context"
	"errors"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidRole          = errors.New("invalid role")
)

// Store is the durable boundary for conversations and their turns.
type Store interface {
	// LoadHistory returns the turns of a conversation in creation order. Unknown
	// conversations yield an empty history, not an error.
	LoadHistory(ctx context.Context, conversationID string) ([]HistoryEntry, error)
	// CreateConversation inserts a conversation titled after titleSeed.
	CreateConversation(ctx context.Context, titleSeed string) (Conversation, error)
	// AppendTurn inserts one turn; the conversation must exist. A request naming an
	// unknown conversation therefore fails here with ErrConversationNotFound instead of
	// resuming it as an empty history: every turn references an existing conversation.
	AppendTurn(ctx context.Context, conversationID string, role Role, content string) (Message, error)
	// CompleteTurn persists the assistant reply and bumps updatedAt as one unit. On error
	// neither change is visible.
	CompleteTurn(ctx context.Context, conversationID string, content string) (Message, error)
	// TouchConversation bumps updatedAt to now.
	TouchConversation(ctx context.Context, conversationID string) error
	// DeleteConversation removes the conversation and all of its turns as one operation.
	DeleteConversation(ctx context.Context, conversationID string) error
	// ListConversations orders by updatedAt, newest first.
	ListConversations(ctx context.Context) ([]ConversationSummary, error)
	// ListMessages returns the persisted turns of a conversation in creation order, or
	// ErrConversationNotFound.
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
}
