package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/buddychat/internal/model/chat"
)

func openTestStores(t *testing.T) map[string]*Store {
	t.Helper()
	ctx := context.Background()
	stores := make(map[string]*Store)

	sqlite, err := Open(ctx, "sqlite", "file:"+filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	stores["sqlite"] = sqlite

	if dsn := os.Getenv("BUDDYCHAT_TEST_POSTGRES_DSN"); dsn != "" {
		pg, err := Open(ctx, "postgres", dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = pg.Close() })
		stores["postgres"] = pg
	}
	return stores
}

func TestStoreConversationLifecycle(t *testing.T) {
	for name, store := range openTestStores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			conversation, err := store.CreateConversation(ctx, strings.Repeat("x", 120))
			require.NoError(t, err)
			require.Len(t, conversation.Title, chat.TitleLimit)

			_, err = store.AppendTurn(ctx, conversation.ID, chat.RoleUser, "hi")
			require.NoError(t, err)
			_, err = store.AppendTurn(ctx, conversation.ID, chat.RoleAssistant, "Hello!")
			require.NoError(t, err)
			require.NoError(t, store.TouchConversation(ctx, conversation.ID))

			history, err := store.LoadHistory(ctx, conversation.ID)
			require.NoError(t, err)
			require.Equal(t, []chat.HistoryEntry{
				{Role: chat.RoleUser, Content: "hi"},
				{Role: chat.RoleAssistant, Content: "Hello!"},
			}, history)

			messages, err := store.ListMessages(ctx, conversation.ID)
			require.NoError(t, err)
			require.Len(t, messages, 2)
			require.True(t, messages[1].CreatedAt.After(messages[0].CreatedAt))

			require.NoError(t, store.DeleteConversation(ctx, conversation.ID))
			_, err = store.ListMessages(ctx, conversation.ID)
			require.ErrorIs(t, err, chat.ErrConversationNotFound)
			history, err = store.LoadHistory(ctx, conversation.ID)
			require.NoError(t, err)
			require.Empty(t, history)
		})
	}
}

func TestStoreUnknownConversation(t *testing.T) {
	for name, store := range openTestStores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			history, err := store.LoadHistory(ctx, "missing")
			require.NoError(t, err)
			require.Empty(t, history)

			_, err = store.AppendTurn(ctx, "missing", chat.RoleUser, "hi")
			require.ErrorIs(t, err, chat.ErrConversationNotFound)
			require.ErrorIs(t, store.TouchConversation(ctx, "missing"), chat.ErrConversationNotFound)
			require.ErrorIs(t, store.DeleteConversation(ctx, "missing"), chat.ErrConversationNotFound)

			_, err = store.AppendTurn(ctx, "missing", "system", "hi")
			require.ErrorIs(t, err, chat.ErrInvalidRole)
		})
	}
}

func TestStoreListConversations(t *testing.T) {
	for name, store := range openTestStores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			older, err := store.CreateConversation(ctx, "older")
			require.NoError(t, err)
			newer, err := store.CreateConversation(ctx, "newer")
			require.NoError(t, err)

			_, err = store.AppendTurn(ctx, older.ID, chat.RoleUser, "first")
			require.NoError(t, err)
			_, err = store.AppendTurn(ctx, older.ID, chat.RoleAssistant, "latest")
			require.NoError(t, err)
			require.NoError(t, store.TouchConversation(ctx, older.ID))

			list, err := store.ListConversations(ctx)
			require.NoError(t, err)

			var ids []string
			for _, s := range list {
				ids = append(ids, s.ID)
			}
			olderIdx := indexOf(ids, older.ID)
			newerIdx := indexOf(ids, newer.ID)
			require.True(t, olderIdx >= 0 && newerIdx > olderIdx, "expected touched conversation first: %v", ids)

			require.NotNil(t, list[olderIdx].LastMessage)
			require.Equal(t, "latest", *list[olderIdx].LastMessage)
			require.Nil(t, list[newerIdx].LastMessage)
			require.Equal(t, "older", list[olderIdx].Title)
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn")
	require.Error(t, err)
}

func TestRebind(t *testing.T) {
	require.Equal(t, "a = $1 AND b = $2", dialects["postgres"].rebind("a = ? AND b = ?"))
	require.Equal(t, "a = ?", dialects["sqlite"].rebind("a = ?"))
	require.Equal(t, "file:x.db?_pragma=busy_timeout(1)&_pragma=foreign_keys(1)", sqliteDSN("file:x.db?_pragma=busy_timeout(1)"))
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func TestStoreCompleteTurn(t *testing.T) {
	for name, store := range openTestStores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			conversation, err := store.CreateConversation(ctx, "hi")
			require.NoError(t, err)
			_, err = store.AppendTurn(ctx, conversation.ID, chat.RoleUser, "hi")
			require.NoError(t, err)

			message, err := store.CompleteTurn(ctx, conversation.ID, "Hello!")
			require.NoError(t, err)
			require.Equal(t, chat.RoleAssistant, message.Role)

			list, err := store.ListConversations(ctx)
			require.NoError(t, err)
			var found bool
			for _, summary := range list {
				if summary.ID == conversation.ID {
					found = true
					require.True(t, summary.UpdatedAt.After(summary.CreatedAt))
					require.Equal(t, "Hello!", *summary.LastMessage)
				}
			}
			require.True(t, found)

			_, err = store.CompleteTurn(ctx, "missing", "Hello!")
			require.ErrorIs(t, err, chat.ErrConversationNotFound)
		})
	}
}

func TestStoreCompleteTurnRollsBackWhenTouchFails(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, "sqlite", "file:"+filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	conversation, err := store.CreateConversation(ctx, "hi")
	require.NoError(t, err)
	_, err = store.AppendTurn(ctx, conversation.ID, chat.RoleUser, "hi")
	require.NoError(t, err)

	_, err = store.db.ExecContext(ctx, `CREATE TRIGGER block_touch BEFORE UPDATE OF updated_us ON conversations
		BEGIN SELECT RAISE(ABORT, 'touch blocked'); END`)
	require.NoError(t, err)

	_, err = store.CompleteTurn(ctx, conversation.ID, "Hello!")
	require.Error(t, err)

	messages, err := store.ListMessages(ctx, conversation.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, chat.RoleUser, messages[0].Role)
}
