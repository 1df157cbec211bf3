package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/cloudwego/eino/schema"
	"github.com/sashabaranov/go-openai"
	"github.com/zhouzirui/buddychat/internal/config"
	"github.com/zhouzirui/buddychat/internal/model/chat"
)

// OpenAIGenerator streams replies from any OpenAI-compatible endpoint.
type OpenAIGenerator struct {
	client       *openai.Client
	model        string
	systemPrompt string
	historyLimit int
}

// NewOpenAIGenerator builds a generator from the OpenAI section of the config.
func NewOpenAIGenerator(cfg config.AIConfig) (*OpenAIGenerator, error) {
	if !cfg.OpenAI.Enabled() {
		return nil, errors.New("OPENAI_API_KEY and OPENAI_MODEL are required for the openai provider")
	}

	clientConfig := openai.DefaultConfig(cfg.OpenAI.APIKey)
	if cfg.OpenAI.BaseURL != "" {
		clientConfig.BaseURL = cfg.OpenAI.BaseURL
	}

	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = config.DefaultSystemPrompt
	}

	return &OpenAIGenerator{
		client:       openai.NewClientWithConfig(clientConfig),
		model:        cfg.OpenAI.Model,
		systemPrompt: systemPrompt,
		historyLimit: cfg.HistoryLimit,
	}, nil
}

// StreamReply opens a streaming completion and forwards content deltas into an eino stream.
func (g *OpenAIGenerator) StreamReply(ctx context.Context, history []chat.HistoryEntry) (*schema.StreamReader[*schema.Message], error) {
	history = trimHistory(history, g.historyLimit)

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: g.systemPrompt})
	for _, entry := range history {
		messages = append(messages, openai.ChatCompletionMessage{Role: string(entry.Role), Content: entry.Content})
	}

	stream, err := g.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream failed: %w", err)
	}

	reader, writer := schema.Pipe[*schema.Message](8)
	go func() {
		defer writer.Close()
		defer func() { _ = stream.Close() }()

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				log.Printf("[ai] openai stream recv failed: %v", err)
				writer.Send(nil, fmt.Errorf("stream recv failed: %w", err))
				return
			}
			if len(response.Choices) == 0 {
				continue
			}
			delta := response.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if closed := writer.Send(schema.AssistantMessage(delta, nil), nil); closed {
				return
			}
		}
	}()

	return reader, nil
}
