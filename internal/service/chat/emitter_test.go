package chat

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/buddychat/internal/metrics"
	"github.com/zhouzirui/buddychat/internal/model/chat"
	"github.com/zhouzirui/buddychat/internal/store/sqlstore"
	"github.com/zhouzirui/buddychat/pkg/protocol"
)

type scriptedGenerator struct {
	chunks  []string
	err     error
	history []chat.HistoryEntry
	calls   int
}

func (g *scriptedGenerator) StreamReply(_ context.Context, history []chat.HistoryEntry) (*schema.StreamReader[*schema.Message], error) {
	g.calls++
	g.history = append([]chat.HistoryEntry(nil), history...)

	reader, writer := schema.Pipe[*schema.Message](len(g.chunks) + 1)
	for _, c := range g.chunks {
		writer.Send(schema.AssistantMessage(c, nil), nil)
	}
	if g.err != nil {
		writer.Send(nil, g.err)
	}
	writer.Close()
	return reader, nil
}

type recordingSink struct {
	mu      sync.Mutex
	frames  []protocol.Frame
	err     error
	onWrite func(protocol.Frame)
}

func (s *recordingSink) WriteFrame(frame protocol.Frame) error {
	if s.onWrite != nil {
		s.onWrite(frame)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, frame)
	return nil
}

// flakyStore rejects the completion of a reply the way a transactional store does:
// the error is returned and nothing is written.
type flakyStore struct {
	*MemoryStore
	failComplete bool
}

func (s *flakyStore) CompleteTurn(ctx context.Context, conversationID string, content string) (chat.Message, error) {
	if s.failComplete {
		return chat.Message{}, errors.New("disk full")
	}
	return s.MemoryStore.CompleteTurn(ctx, conversationID, content)
}

func TestEmitNewConversationStreamsAndPersists(t *testing.T) {
	store := NewMemoryStore()
	gen := &scriptedGenerator{chunks: []string{"Hel", "", "lo!"}}
	sink := &recordingSink{}

	emitter := NewEmitter(store, gen, WithMetrics(metrics.NewExporter(metrics.DefaultConfig()), "sse"))
	result := emitter.Emit(context.Background(), protocol.ChatRequest{Message: "hi"}, sink)

	if result.State != StateCompleted || !result.Created || result.Response != "Hello!" {
		t.Fatalf("unexpected result: %+v", result)
	}
	id := result.ConversationID
	want := []protocol.Frame{
		{Chunk: "Hel", ConversationID: id},
		{Chunk: "lo!", ConversationID: id},
		{Done: true, ConversationID: id},
	}
	if len(sink.frames) != len(want) {
		t.Fatalf("unexpected frames: %+v", sink.frames)
	}
	for i := range want {
		if sink.frames[i] != want[i] {
			t.Fatalf("frame %d: expected %+v, got %+v", i, want[i], sink.frames[i])
		}
	}

	messages, _ := store.ListMessages(context.Background(), id)
	if len(messages) != 2 || messages[0].Content != "hi" || messages[1].Content != "Hello!" || messages[1].Role != chat.RoleAssistant {
		t.Fatalf("unexpected persisted messages: %+v", messages)
	}
	list, _ := store.ListConversations(context.Background())
	if len(list) != 1 || list[0].Title != "hi" || !list[0].UpdatedAt.After(list[0].CreatedAt) {
		t.Fatalf("unexpected conversation: %+v", list)
	}
}

func TestEmitExistingConversationPassesHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	conversation, _ := store.CreateConversation(ctx, "first")
	_, _ = store.AppendTurn(ctx, conversation.ID, chat.RoleUser, "first")
	_, _ = store.AppendTurn(ctx, conversation.ID, chat.RoleAssistant, "reply")

	gen := &scriptedGenerator{chunks: []string{"ok"}}
	result := NewEmitter(store, gen).Emit(ctx, protocol.ChatRequest{Message: "second", ConversationID: conversation.ID}, &recordingSink{})

	if result.State != StateCompleted || result.Created {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(gen.history) != 3 || gen.history[1].Content != "reply" || gen.history[2].Content != "second" {
		t.Fatalf("unexpected model history: %+v", gen.history)
	}
	messages, _ := store.ListMessages(ctx, conversation.ID)
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(messages))
	}
}

func TestEmitModelErrorMidStream(t *testing.T) {
	store := NewMemoryStore()
	gen := &scriptedGenerator{chunks: []string{"partial"}, err: errors.New("upstream reset")}
	sink := &recordingSink{}

	result := NewEmitter(store, gen).Emit(context.Background(), protocol.ChatRequest{Message: "hi"}, sink)

	if result.State != StateFailed {
		t.Fatalf("expected failed, got %s", result.State)
	}
	if len(sink.frames) != 2 || sink.frames[0].Chunk != "partial" || sink.frames[1].Error != GenericFailure {
		t.Fatalf("unexpected frames: %+v", sink.frames)
	}
	if sink.frames[1].ConversationID != result.ConversationID {
		t.Fatalf("error frame lost conversation id: %+v", sink.frames[1])
	}
	messages, _ := store.ListMessages(context.Background(), result.ConversationID)
	if len(messages) != 1 || messages[0].Role != chat.RoleUser {
		t.Fatalf("assistant turn must not be persisted: %+v", messages)
	}
}

func TestEmitAssistantPersistenceFailureSkipsDone(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failComplete: true}
	sink := &recordingSink{}
	result := NewEmitter(store, &scriptedGenerator{chunks: []string{"Hello!"}}).
		Emit(context.Background(), protocol.ChatRequest{Message: "hi"}, sink)

	assertFailedWithoutReply(t, store, result, sink)
}

// A failing touch inside a real transactional store must roll back the assistant row.
func TestEmitTouchFailureLeavesNoAssistantTurn(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chat.db")
	store, err := sqlstore.Open(ctx, "sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, `CREATE TRIGGER block_touch BEFORE UPDATE OF updated_us ON conversations
		BEGIN SELECT RAISE(ABORT, 'touch blocked'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	sink := &recordingSink{}
	result := NewEmitter(store, &scriptedGenerator{chunks: []string{"Hello!"}}).
		Emit(ctx, protocol.ChatRequest{Message: "hi"}, sink)

	assertFailedWithoutReply(t, store, result, sink)
	list, _ := store.ListConversations(ctx)
	if len(list) != 1 || !list[0].UpdatedAt.Equal(list[0].CreatedAt) {
		t.Fatalf("conversation must not be touched: %+v", list)
	}
}

func assertFailedWithoutReply(t *testing.T, store chat.Store, result Result, sink *recordingSink) {
	t.Helper()
	if result.State != StateFailed {
		t.Fatalf("expected failed, got %s", result.State)
	}
	last := sink.frames[len(sink.frames)-1]
	if last.Error != GenericFailure {
		t.Fatalf("expected error frame last, got %+v", last)
	}
	for _, f := range sink.frames {
		if f.Done {
			t.Fatal("done must not be written when persistence fails")
		}
	}
	messages, err := store.ListMessages(context.Background(), result.ConversationID)
	if err != nil {
		t.Fatalf("ListMessages err: %v", err)
	}
	if len(messages) != 1 || messages[0].Role != chat.RoleUser {
		t.Fatalf("assistant turn must not be persisted: %+v", messages)
	}
}

func TestEmitUnknownConversationFails(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{"never"}}
	sink := &recordingSink{}

	result := NewEmitter(NewMemoryStore(), gen).Emit(context.Background(), protocol.ChatRequest{Message: "hi", ConversationID: "ghost"}, sink)

	if result.State != StateFailed || gen.calls != 0 {
		t.Fatalf("unexpected result %+v after %d model calls", result, gen.calls)
	}
	if len(sink.frames) != 1 || sink.frames[0].Error != GenericFailure || sink.frames[0].ConversationID != "ghost" {
		t.Fatalf("unexpected frames: %+v", sink.frames)
	}
}

func TestEmitSinkFailureStopsTurn(t *testing.T) {
	store := NewMemoryStore()
	sink := &recordingSink{err: errors.New("broken pipe")}

	result := NewEmitter(store, &scriptedGenerator{chunks: []string{"a", "b"}}).
		Emit(context.Background(), protocol.ChatRequest{Message: "hi"}, sink)

	if result.State != StateFailed {
		t.Fatalf("expected failed, got %s", result.State)
	}
	messages, _ := store.ListMessages(context.Background(), result.ConversationID)
	if len(messages) != 1 {
		t.Fatalf("expected only the user turn, got %+v", messages)
	}
}

type blockingGenerator struct{}

func (blockingGenerator) StreamReply(ctx context.Context, _ []chat.HistoryEntry) (*schema.StreamReader[*schema.Message], error) {
	reader, writer := schema.Pipe[*schema.Message](1)
	go func() {
		defer writer.Close()
		writer.Send(schema.AssistantMessage("first", nil), nil)
		<-ctx.Done()
		writer.Send(nil, ctx.Err())
	}()
	return reader, nil
}

func TestEmitClientDisconnectPersistsNoReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	sink := &recordingSink{onWrite: func(f protocol.Frame) {
		if f.Chunk != "" {
			cancel()
		}
	}}

	result := NewEmitter(store, blockingGenerator{}).Emit(ctx, protocol.ChatRequest{Message: "hi"}, sink)

	if result.State != StateFailed {
		t.Fatalf("expected failed, got %s", result.State)
	}
	messages, _ := store.ListMessages(context.Background(), result.ConversationID)
	if len(messages) != 1 || messages[0].Role != chat.RoleUser {
		t.Fatalf("expected only the user turn, got %+v", messages)
	}
	for _, f := range sink.frames {
		if f.Terminal() {
			t.Fatalf("expected no terminal frame after disconnect, got %+v", f)
		}
	}
}

func TestReplyAccumulatorSkipsEmptyFragments(t *testing.T) {
	var reply replyAccumulator
	for _, fragment := range []string{"", "Hel", "", "lo", "!"} {
		reply.Add(fragment)
	}
	if reply.String() != "Hello!" || reply.Chunks() != 3 {
		t.Fatalf("unexpected reply %q with %d chunks", reply.String(), reply.Chunks())
	}
}

func TestStateString(t *testing.T) {
	if StateCompleted.String() != "completed" || StateFailed.String() != "failed" || State(99).String() != "unknown" {
		t.Fatal("unexpected state names")
	}
}
