package client

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

var (
	ErrEmptyMessage       = errors.New("message is empty")
	ErrSubmissionInFlight = errors.New("another message is still streaming")
)

// Role values mirror the server's turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is a client-side view of one message.
type Turn struct {
	ID        string
	Role      string
	Content   string
	Streaming bool
	CreatedAt time.Time
}

// UpdateKind describes what changed on a turn.
type UpdateKind int

const (
	UpdateAdded UpdateKind = iota
	UpdateAppended
	UpdateReplaced
	UpdateFinalized
	UpdateConversation
)

// Update is one mutation published to the rendering layer.
type Update struct {
	Kind           UpdateKind
	TurnID         string
	Delta          string
	ConversationID string
}

type turnState struct {
	id        string
	role      string
	content   strings.Builder
	streaming bool
	createdAt time.Time
}

// Accumulator owns the turns of the conversation currently shown.
//
// Mutations are applied by a single stream task at a time; every mutation is also
// published, in order, to the channel returned by Subscribe.
type Accumulator struct {
	mu             sync.Mutex
	turns          []*turnState
	index          map[string]*turnState
	conversationID string
	inFlight       bool
	updates        chan Update
}

// NewAccumulator returns an accumulator seeded with already known turns.
func NewAccumulator(conversationID string, seed ...Turn) *Accumulator {
	a := &Accumulator{
		conversationID: conversationID,
		index:          make(map[string]*turnState, len(seed)+2),
	}
	for _, t := range seed {
		a.addLocked(t.ID, t.Role, t.Content, false, t.CreatedAt)
	}
	return a
}

// Subscribe returns the single-consumer update channel, creating it on first use.
// Updates are sent after the mutation is applied and outside the accumulator lock, so
// the consumer may call Snapshot while draining; publishers block when the buffer is
// full.
func (a *Accumulator) Subscribe(buffer int) <-chan Update {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.updates == nil {
		a.updates = make(chan Update, buffer)
	}
	return a.updates
}

// Close ends the update channel. Call it once no stream task is running.
func (a *Accumulator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.updates != nil {
		close(a.updates)
		a.updates = nil
	}
}

// Begin starts a submission: it appends the user turn and an empty streaming
// assistant turn and returns both identifiers.
func (a *Accumulator) Begin(text string) (userID, assistantID string, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", "", ErrEmptyMessage
	}

	a.mu.Lock()
	if a.inFlight {
		a.mu.Unlock()
		return "", "", ErrSubmissionInFlight
	}
	a.inFlight = true

	now := time.Now().UTC()
	userID = shortuuid.New()
	assistantID = shortuuid.New()
	ups := []Update{
		a.addLocked(userID, RoleUser, text, false, now),
		a.addLocked(assistantID, RoleAssistant, "", true, now),
	}
	ch := a.updates
	a.mu.Unlock()

	publish(ch, ups...)
	return userID, assistantID, nil
}

// End releases the single-flight slot taken by Begin.
func (a *Accumulator) End() {
	a.mu.Lock()
	a.inFlight = false
	a.mu.Unlock()
}

// InFlight reports whether a submission is streaming.
func (a *Accumulator) InFlight() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlight
}

// ApplyChunk appends text to the turn. Chunks are concatenated as-is.
func (a *Accumulator) ApplyChunk(turnID, text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	t, ok := a.index[turnID]
	if !ok || !t.streaming {
		a.mu.Unlock()
		return
	}
	t.content.WriteString(text)
	ch := a.updates
	a.mu.Unlock()

	publish(ch, Update{Kind: UpdateAppended, TurnID: turnID, Delta: text})
}

// ApplyConversationID records the server-assigned conversation id. The first
// assignment wins.
func (a *Accumulator) ApplyConversationID(id string) {
	if id == "" {
		return
	}
	a.mu.Lock()
	if a.conversationID != "" {
		a.mu.Unlock()
		return
	}
	a.conversationID = id
	ch := a.updates
	a.mu.Unlock()

	publish(ch, Update{Kind: UpdateConversation, ConversationID: id})
}

// Finalize clears the streaming flag. Calling it again is a no-op.
func (a *Accumulator) Finalize(turnID string) {
	a.mu.Lock()
	t, ok := a.index[turnID]
	if !ok || !t.streaming {
		a.mu.Unlock()
		return
	}
	t.streaming = false
	ch := a.updates
	a.mu.Unlock()

	publish(ch, Update{Kind: UpdateFinalized, TurnID: turnID})
}

// Fail replaces whatever was streamed so far with message and freezes the turn. A
// turn that is no longer streaming is frozen and left untouched.
func (a *Accumulator) Fail(turnID, message string) {
	a.mu.Lock()
	t, ok := a.index[turnID]
	if !ok || !t.streaming {
		a.mu.Unlock()
		return
	}
	t.content.Reset()
	t.content.WriteString(message)
	t.streaming = false
	ch := a.updates
	a.mu.Unlock()

	publish(ch,
		Update{Kind: UpdateReplaced, TurnID: turnID, Delta: message},
		Update{Kind: UpdateFinalized, TurnID: turnID},
	)
}

// ConversationID returns the current conversation id, empty until assigned.
func (a *Accumulator) ConversationID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conversationID
}

// Snapshot copies the turns in order.
func (a *Accumulator) Snapshot() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Turn, len(a.turns))
	for i, t := range a.turns {
		out[i] = t.view()
	}
	return out
}

// Turn returns a single turn by id.
func (a *Accumulator) Turn(id string) (Turn, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.index[id]
	if !ok {
		return Turn{}, false
	}
	return t.view(), true
}

func (a *Accumulator) addLocked(id, role, content string, streaming bool, createdAt time.Time) Update {
	t := &turnState{id: id, role: role, streaming: streaming, createdAt: createdAt}
	t.content.WriteString(content)
	a.turns = append(a.turns, t)
	a.index[id] = t
	return Update{Kind: UpdateAdded, TurnID: id, Delta: content}
}

func (t *turnState) view() Turn {
	return Turn{
		ID:        t.id,
		Role:      t.role,
		Content:   t.content.String(),
		Streaming: t.streaming,
		CreatedAt: t.createdAt,
	}
}

func publish(ch chan Update, ups ...Update) {
	if ch == nil {
		return
	}
	for _, u := range ups {
		ch <- u
	}
}
