package chat

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"time"

	"github.com/zhouzirui/buddychat/internal/metrics"
	"github.com/zhouzirui/buddychat/internal/model/chat"
	"github.com/zhouzirui/buddychat/internal/service/ai"
	"github.com/zhouzirui/buddychat/pkg/protocol"
)

// GenericFailure is the only failure text clients ever see.
const GenericFailure = "Failed to generate response"

// FrameSink writes frames to one client response.
type FrameSink interface {
	WriteFrame(frame protocol.Frame) error
}

// State is the lifecycle position of one streamed turn.
type State int

const (
	StateInit State = iota
	StateHistoryResolved
	StateUserTurnPersisted
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHistoryResolved:
		return "history_resolved"
	case StateUserTurnPersisted:
		return "user_turn_persisted"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result summarizes one Emit call.
type Result struct {
	ConversationID string
	Created        bool
	State          State
	Response       string
}

// Emitter answers one chat request: it resolves the conversation, persists the user
// turn, relays model output as chunk frames and persists the assistant turn before
// writing done.
type Emitter struct {
	store     chat.Store
	generator ai.Generator
	metrics   *metrics.Exporter
	transport string
}

// EmitterOption customizes an Emitter.
type EmitterOption func(*Emitter)

// WithMetrics records turn metrics under the given transport label.
func WithMetrics(exporter *metrics.Exporter, transport string) EmitterOption {
	return func(e *Emitter) {
		e.metrics = exporter
		e.transport = transport
	}
}

// NewEmitter wires an emitter to its store and model.
func NewEmitter(store chat.Store, generator ai.Generator, opts ...EmitterOption) *Emitter {
	e := &Emitter{store: store, generator: generator, transport: "sse"}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type turn struct {
	emitter *Emitter
	sink    FrameSink
	result  Result
}

// Emit drives a single request to Completed or Failed. Exactly one terminal frame is
// written unless the sink itself fails.
func (e *Emitter) Emit(ctx context.Context, req protocol.ChatRequest, sink FrameSink) Result {
	started := time.Now()
	e.metrics.StreamStarted()

	t := &turn{emitter: e, sink: sink, result: Result{ConversationID: req.ConversationID}}
	t.run(ctx, req.Message)

	e.metrics.RecordTurn(e.transport, t.result.State.String(), time.Since(started))
	log.Printf("[stream] conversation=%s state=%s created=%t length=%d",
		t.result.ConversationID, t.result.State, t.result.Created, len(t.result.Response))
	return t.result
}

func (t *turn) run(ctx context.Context, message string) {
	store := t.emitter.store

	// Init -> HistoryResolved
	var history []chat.HistoryEntry
	if t.result.ConversationID == "" {
		conversation, err := store.CreateConversation(ctx, message)
		if err != nil {
			t.fail("create_conversation", err)
			return
		}
		t.result.ConversationID = conversation.ID
		t.result.Created = true
	} else {
		loaded, err := store.LoadHistory(ctx, t.result.ConversationID)
		if err != nil {
			t.fail("load_history", err)
			return
		}
		history = loaded
	}
	t.result.State = StateHistoryResolved

	// HistoryResolved -> UserTurnPersisted
	if _, err := store.AppendTurn(ctx, t.result.ConversationID, chat.RoleUser, message); err != nil {
		t.fail("append_user_turn", err)
		return
	}
	t.result.State = StateUserTurnPersisted

	// UserTurnPersisted -> Streaming
	history = append(history, chat.HistoryEntry{Role: chat.RoleUser, Content: message})
	stream, err := t.emitter.generator.StreamReply(ctx, history)
	if err != nil {
		t.fail("generate", err)
		return
	}
	defer stream.Close()
	t.result.State = StateStreaming

	var reply replyAccumulator
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			if ctx.Err() != nil {
				t.abort("generate", recvErr)
				return
			}
			t.fail("generate", recvErr)
			return
		}
		if chunk == nil || !reply.Add(chunk.Content) {
			continue
		}
		if err := t.sink.WriteFrame(protocol.Frame{Chunk: chunk.Content, ConversationID: t.result.ConversationID}); err != nil {
			t.abort("write_chunk", err)
			return
		}
		t.emitter.metrics.RecordChunk(t.emitter.transport)
	}
	t.result.Response = reply.String()

	if err := ctx.Err(); err != nil {
		t.abort("generate", err)
		return
	}

	// Streaming -> Completed
	if _, err := store.CompleteTurn(ctx, t.result.ConversationID, t.result.Response); err != nil {
		t.fail("complete_turn", err)
		return
	}

	if err := t.sink.WriteFrame(protocol.Frame{Done: true, ConversationID: t.result.ConversationID}); err != nil {
		log.Printf("[stream] failed to write done frame: %v", err)
	}
	t.result.State = StateCompleted
}

// fail logs the cause, writes the generic error frame and ends the turn.
func (t *turn) fail(op string, err error) {
	t.abort(op, err)
	frame := protocol.Frame{Error: GenericFailure, ConversationID: t.result.ConversationID}
	if writeErr := t.sink.WriteFrame(frame); writeErr != nil {
		log.Printf("[stream] failed to write error frame: %v", writeErr)
	}
}

// abort ends the turn without writing anything; used when the client is gone.
func (t *turn) abort(op string, err error) {
	log.Printf("[stream] %s failed for conversation=%s in state=%s: %v", op, t.result.ConversationID, t.result.State, err)
	if isStoreOp(op) {
		t.emitter.metrics.RecordStoreError(op)
	}
	t.result.State = StateFailed
}

func isStoreOp(op string) bool {
	switch op {
	case "create_conversation", "load_history", "append_user_turn", "complete_turn":
		return true
	}
	return false
}

// replyAccumulator concatenates the non-empty fragments of one reply.
type replyAccumulator struct {
	builder strings.Builder
	chunks  int
}

// Add appends text and reports whether it was non-empty.
func (r *replyAccumulator) Add(text string) bool {
	if text == "" {
		return false
	}
	r.builder.WriteString(text)
	r.chunks++
	return true
}

func (r *replyAccumulator) String() string {
	return r.builder.String()
}

// Chunks returns the number of non-empty fragments seen.
func (r *replyAccumulator) Chunks() int {
	return r.chunks
}
