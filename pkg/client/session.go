package client

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/zhouzirui/buddychat/pkg/protocol"
)

// Greeting seeds a conversation that has no history yet.
const Greeting = "Hey there! I'm your buddy. How are you doing today? Feel free to talk to me about anything! 😊"

const failurePrefix = "Sorry, I had trouble responding"

// Session binds one conversation view to a Client.
type Session struct {
	client *Client
	acc    *Accumulator
}

// NewSession starts a fresh conversation seeded with the greeting.
func NewSession(c *Client) *Session {
	return &Session{
		client: c,
		acc:    NewAccumulator("", Turn{ID: "0", Role: RoleAssistant, Content: Greeting}),
	}
}

// ResumeSession loads a persisted conversation. When it has no turns yet, or the
// history cannot be loaded, the greeting is kept and the id is still used.
func ResumeSession(ctx context.Context, c *Client, conversationID string) *Session {
	history, err := c.Messages(ctx, conversationID)
	if err != nil {
		log.Printf("[client] failed to load conversation %s: %v", conversationID, err)
	}
	if len(history) == 0 {
		return &Session{
			client: c,
			acc:    NewAccumulator(conversationID, Turn{ID: "0", Role: RoleAssistant, Content: Greeting}),
		}
	}

	seed := make([]Turn, 0, len(history))
	for _, m := range history {
		seed = append(seed, Turn{ID: m.ID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt})
	}
	return &Session{client: c, acc: NewAccumulator(conversationID, seed...)}
}

// Accumulator exposes the turns of this session.
func (s *Session) Accumulator() *Accumulator {
	return s.acc
}

// Send submits text and blocks until the reply has finished streaming. Transport
// failures and error frames replace the assistant turn with an apology and are
// returned to the caller.
func (s *Session) Send(ctx context.Context, text string) error {
	userID, assistantID, err := s.acc.Begin(text)
	if err != nil {
		return err
	}
	defer s.acc.End()

	userTurn, _ := s.acc.Turn(userID)

	var frameErr error
	terminated := false
	err = s.client.StreamChat(ctx, protocol.ChatRequest{
		Message:        userTurn.Content,
		ConversationID: s.acc.ConversationID(),
	}, func(frame protocol.Frame) {
		if terminated {
			return
		}
		if frame.ConversationID != "" {
			s.acc.ApplyConversationID(frame.ConversationID)
		}
		if frame.Chunk != "" {
			s.acc.ApplyChunk(assistantID, frame.Chunk)
		}
		switch {
		case frame.Error != "":
			terminated = true
			frameErr = errors.New(frame.Error)
			s.acc.Fail(assistantID, fmt.Sprintf("%s: %s", failurePrefix, frame.Error))
		case frame.Done:
			terminated = true
			s.acc.Finalize(assistantID)
		}
	})
	if frameErr != nil {
		return frameErr
	}
	// The reply is frozen once a terminal frame arrived; a later read error cannot
	// change it.
	if terminated {
		if err != nil {
			log.Printf("[client] stream failed after completion: %v", err)
		}
		return nil
	}
	if err != nil {
		log.Printf("[client] error sending message: %v", err)
		s.acc.Fail(assistantID, fmt.Sprintf("%s: %v", failurePrefix, err))
		return err
	}
	return nil
}
