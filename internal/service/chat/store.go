package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/zhouzirui/buddychat/internal/model/chat"
)

// MemoryStore keeps conversations in process memory, suitable for development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	clock         *chat.Clock
	conversations map[string]chat.Conversation
	messages      map[string][]chat.Message
}

// NewMemoryStore bootstraps an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clock:         chat.NewClock(),
		conversations: make(map[string]chat.Conversation),
		messages:      make(map[string][]chat.Message),
	}
}

var _ chat.Store = (*MemoryStore)(nil)

// LoadHistory returns role/content pairs for the model context.
func (s *MemoryStore) LoadHistory(_ context.Context, conversationID string) ([]chat.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := s.messages[conversationID]
	history := make([]chat.HistoryEntry, 0, len(messages))
	for _, m := range messages {
		history = append(history, chat.HistoryEntry{Role: m.Role, Content: m.Content})
	}
	return history, nil
}

// CreateConversation provisions a conversation titled after the opening message.
func (s *MemoryStore) CreateConversation(_ context.Context, titleSeed string) (chat.Conversation, error) {
	now := s.clock.Now()
	conversation := chat.Conversation{
		ID:        uuid.NewString(),
		Title:     chat.TitleFromSeed(titleSeed),
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.conversations[conversation.ID] = conversation
	s.messages[conversation.ID] = make([]chat.Message, 0, 16)
	s.mu.Unlock()

	return conversation, nil
}

// AppendTurn appends a message to the conversation history.
func (s *MemoryStore) AppendTurn(_ context.Context, conversationID string, role chat.Role, content string) (chat.Message, error) {
	if !role.Valid() {
		return chat.Message{}, fmt.Errorf("%w: %q", chat.ErrInvalidRole, role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return chat.Message{}, chat.ErrConversationNotFound
	}

	message := chat.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.clock.Now(),
	}
	s.messages[conversationID] = append(s.messages[conversationID], message)
	return message, nil
}

// CompleteTurn appends the assistant message and bumps updatedAt under one lock.
func (s *MemoryStore) CompleteTurn(_ context.Context, conversationID string, content string) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversation, ok := s.conversations[conversationID]
	if !ok {
		return chat.Message{}, chat.ErrConversationNotFound
	}

	message := chat.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           chat.RoleAssistant,
		Content:        content,
		CreatedAt:      s.clock.Now(),
	}
	conversation.UpdatedAt = s.clock.Now()

	s.messages[conversationID] = append(s.messages[conversationID], message)
	s.conversations[conversationID] = conversation
	return message, nil
}

// TouchConversation bumps updatedAt.
func (s *MemoryStore) TouchConversation(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversation, ok := s.conversations[conversationID]
	if !ok {
		return chat.ErrConversationNotFound
	}
	conversation.UpdatedAt = s.clock.Now()
	s.conversations[conversationID] = conversation
	return nil
}

// DeleteConversation drops the conversation and its messages under one lock.
func (s *MemoryStore) DeleteConversation(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return chat.ErrConversationNotFound
	}
	delete(s.conversations, conversationID)
	delete(s.messages, conversationID)
	return nil
}

// ListConversations returns conversations newest first, each with its last message.
func (s *MemoryStore) ListConversations(_ context.Context) ([]chat.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]chat.ConversationSummary, 0, len(s.conversations))
	for id, conversation := range s.conversations {
		summary := chat.ConversationSummary{Conversation: conversation}
		if messages := s.messages[id]; len(messages) > 0 {
			last := messages[len(messages)-1].Content
			summary.LastMessage = &last
		}
		list = append(list, summary)
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
	return list, nil
}

// ListMessages returns stored messages for the conversation.
func (s *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, chat.ErrConversationNotFound
	}
	messages := s.messages[conversationID]
	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}
