package ai

import (
	"context"
	"fmt"
	"log"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/buddychat/internal/config"
	"github.com/zhouzirui/buddychat/internal/model/chat"
)

// Service runs the buddy prompt chain over an eino chat model.
type Service struct {
	systemPrompt string
	historyLimit int
	chain        compose.Runnable[map[string]any, *schema.Message]
}

// NewService creates the Ark-backed chain.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, cfg.SystemPrompt, cfg.HistoryLimit)
}

// NewServiceWithModel compiles the chain around an existing chat model.
func NewServiceWithModel(ctx context.Context, chatModel model.BaseChatModel, systemPrompt string, historyLimit int) (*Service, error) {
	if systemPrompt == "" {
		systemPrompt = config.DefaultSystemPrompt
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		systemPrompt: systemPrompt,
		historyLimit: historyLimit,
		chain:        runnable,
	}, nil
}

// StreamReply streams the model output for the conversation so far.
func (s *Service) StreamReply(ctx context.Context, history []chat.HistoryEntry) (*schema.StreamReader[*schema.Message], error) {
	input := map[string]any{
		"system":  s.systemPrompt,
		"history": buildHistoryMessages(trimHistory(history, s.historyLimit)),
	}

	stream, err := s.chain.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}

	log.Printf("[ai] streaming reply, history=%d", len(history))
	return stream, nil
}

func buildHistoryMessages(history []chat.HistoryEntry) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history))
	for _, entry := range history {
		switch entry.Role {
		case chat.RoleUser:
			messages = append(messages, schema.UserMessage(entry.Content))
		case chat.RoleAssistant:
			messages = append(messages, schema.AssistantMessage(entry.Content, nil))
		}
	}
	return messages
}
