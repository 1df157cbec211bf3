package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/buddychat/internal/config"
	"github.com/zhouzirui/buddychat/internal/model/chat"
)

// Generator produces an assistant reply as a stream of text fragments.
type Generator interface {
	// StreamReply generates the next assistant turn. history ends with the user message
	// being answered.
	StreamReply(ctx context.Context, history []chat.HistoryEntry) (*schema.StreamReader[*schema.Message], error)
}

// NewGenerator 按配置选择模型提供方。
func NewGenerator(ctx context.Context, cfg config.AIConfig) (Generator, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIGenerator(cfg)
	case config.ProviderArk, "":
		return NewService(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported AI provider %q", cfg.Provider)
	}
}

// trimHistory keeps the most recent limit entries; limit <= 0 keeps everything.
func trimHistory(history []chat.HistoryEntry, limit int) []chat.HistoryEntry {
	if limit <= 0 || len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}
