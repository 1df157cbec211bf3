// Package protocol defines the wire format shared by the chat stream server and its clients.
package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// DataPrefix marks a frame line on the event stream.
const DataPrefix = "data: "

// Frame is one unit of the chat event stream.
type Frame struct {
	Chunk          string `json:"chunk,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Done           bool   `json:"done,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Terminal reports whether the frame ends the stream.
func (f Frame) Terminal() bool {
	return f.Done || f.Error != ""
}

// ChatRequest is the body of POST /api/chat/stream.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Encode writes a single frame as `data: <json>` followed by a blank line.
func Encode(w io.Writer, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	buf := make([]byte, 0, len(DataPrefix)+len(data)+2)
	buf = append(buf, DataPrefix...)
	buf = append(buf, data...)
	buf = append(buf, '\n', '\n')
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
