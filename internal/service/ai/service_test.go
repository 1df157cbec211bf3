package ai

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/buddychat/internal/config"
	"github.com/zhouzirui/buddychat/internal/model/chat"
)

type fakeChatModel struct {
	chunks []string
	input  []*schema.Message
}

func (m *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.input = input
	return schema.AssistantMessage(strings.Join(m.chunks, ""), nil), nil
}

func (m *fakeChatModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.input = input
	messages := make([]*schema.Message, 0, len(m.chunks))
	for _, c := range m.chunks {
		messages = append(messages, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(messages), nil
}

func drain(t *testing.T, stream *schema.StreamReader[*schema.Message]) string {
	t.Helper()
	defer stream.Close()

	var builder strings.Builder
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return builder.String()
		}
		if err != nil {
			t.Fatalf("Recv err: %v", err)
		}
		builder.WriteString(msg.Content)
	}
}

func TestServiceStreamsReplyWithSystemPrompt(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{"Hel", "lo!"}}
	svc, err := NewServiceWithModel(context.Background(), fake, "", 0)
	if err != nil {
		t.Fatalf("NewServiceWithModel err: %v", err)
	}

	stream, err := svc.StreamReply(context.Background(), []chat.HistoryEntry{
		{Role: chat.RoleUser, Content: "hi"},
	})
	if err != nil {
		t.Fatalf("StreamReply err: %v", err)
	}
	if got := drain(t, stream); got != "Hello!" {
		t.Fatalf("unexpected reply: %q", got)
	}

	if len(fake.input) != 2 {
		t.Fatalf("expected system + user messages, got %d", len(fake.input))
	}
	if fake.input[0].Role != schema.System || fake.input[0].Content != config.DefaultSystemPrompt {
		t.Fatalf("unexpected system message: %+v", fake.input[0])
	}
	if fake.input[1].Role != schema.User || fake.input[1].Content != "hi" {
		t.Fatalf("unexpected user message: %+v", fake.input[1])
	}
}

func TestServiceTrimsHistory(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{"ok"}}
	svc, err := NewServiceWithModel(context.Background(), fake, "be kind", 2)
	if err != nil {
		t.Fatalf("NewServiceWithModel err: %v", err)
	}

	stream, err := svc.StreamReply(context.Background(), []chat.HistoryEntry{
		{Role: chat.RoleUser, Content: "one"},
		{Role: chat.RoleAssistant, Content: "two"},
		{Role: chat.RoleUser, Content: "three"},
	})
	if err != nil {
		t.Fatalf("StreamReply err: %v", err)
	}
	drain(t, stream)

	if len(fake.input) != 3 || fake.input[0].Content != "be kind" {
		t.Fatalf("unexpected input: %+v", fake.input)
	}
	if fake.input[1].Role != schema.Assistant || fake.input[2].Content != "three" {
		t.Fatalf("history not trimmed to the last two turns: %+v", fake.input)
	}
}

func TestNewGeneratorRejectsUnknownProvider(t *testing.T) {
	if _, err := NewGenerator(context.Background(), config.AIConfig{Provider: "llama"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
