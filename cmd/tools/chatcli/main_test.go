package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/buddychat/internal/handler"
	chatModel "github.com/zhouzirui/buddychat/internal/model/chat"
	chatService "github.com/zhouzirui/buddychat/internal/service/chat"
)

type echoGenerator struct{}

func (echoGenerator) StreamReply(ctx context.Context, history []chatModel.HistoryEntry) (*schema.StreamReader[*schema.Message], error) {
	last := history[len(history)-1].Content
	return schema.StreamReaderFromArray([]*schema.Message{
		schema.AssistantMessage("echo: ", nil),
		schema.AssistantMessage(last, nil),
	}), nil
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(viper.New(), strings.NewReader(stdin), &out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestChatCLIRoundTrip(t *testing.T) {
	store := chatService.NewMemoryStore()
	srv := httptest.NewServer(handler.NewRouter(store, echoGenerator{}, nil))
	defer srv.Close()

	out, err := runCLI(t, "", "--url", srv.URL, "--platform", "ios", "send", "hello", "there")
	require.NoError(t, err)
	require.Contains(t, out, "buddy> echo: hello there\n")

	list, err := store.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	id := list[0].ID
	require.Contains(t, out, "[conversation "+id+"]")

	out, err = runCLI(t, "", "--url", srv.URL, "list")
	require.NoError(t, err)
	require.Contains(t, out, id)
	require.Contains(t, out, "hello there")

	out, err = runCLI(t, "second\n/quit\n", "--url", srv.URL, "send", "--conversation", id)
	require.NoError(t, err)
	require.Contains(t, out, "buddy> echo: hello there\n")
	require.Contains(t, out, "buddy> echo: second\n")

	out, err = runCLI(t, "", "--url", srv.URL, "history", id)
	require.NoError(t, err)
	require.Equal(t, 4, strings.Count(out, "\n"))
	require.Contains(t, out, "user: second")

	out, err = runCLI(t, "", "--url", srv.URL, "delete", id)
	require.NoError(t, err)
	require.Contains(t, out, "deleted "+id)

	_, err = runCLI(t, "", "--url", srv.URL, "history", id)
	require.Error(t, err)
}

func TestChatCLIRejectsUnknownPlatform(t *testing.T) {
	_, err := runCLI(t, "", "--platform", "symbian", "list")
	require.Error(t, err)
}

func TestChatCLIReadsURLFromEnv(t *testing.T) {
	store := chatService.NewMemoryStore()
	srv := httptest.NewServer(handler.NewRouter(store, echoGenerator{}, nil))
	defer srv.Close()
	t.Setenv("BUDDY_URL", srv.URL)

	out, err := runCLI(t, "", "list")
	require.NoError(t, err)
	require.Contains(t, out, "no conversations")
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "short", truncate("short", 10))
	require.Equal(t, "abc…", truncate("abcdef", 3))
}
