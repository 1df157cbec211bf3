package chat

import "time"

// TitleLimit bounds the title derived from the first user message.
const TitleLimit = 100

// Conversation groups the turns of one chat thread.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ConversationSummary is a conversation annotated with its most recent turn.
type ConversationSummary struct {
	Conversation
	LastMessage *string `json:"lastMessage,omitempty"`
}

// TitleFromSeed derives a conversation title from the first TitleLimit characters of
// the opening message.
func TitleFromSeed(seed string) string {
	runes := []rune(seed)
	if len(runes) <= TitleLimit {
		return seed
	}
	return string(runes[:TitleLimit])
}
