package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/zhouzirui/buddychat/pkg/protocol"
)

// PollingReader mirrors a progress-event transport: the response is appended to a
// shared buffer in the background and the consumer, woken by progress notifications,
// only processes the suffix it has not seen yet.
type PollingReader struct {
	// ReadSize bounds a single background read; defaults to 4 KiB.
	ReadSize int
}

// responseBuffer is the in-progress response text.
type responseBuffer struct {
	mu   sync.Mutex
	text strings.Builder
	err  error
}

func (b *responseBuffer) append(p []byte) {
	b.mu.Lock()
	b.text.Write(p)
	b.mu.Unlock()
}

func (b *responseBuffer) snapshot() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text.String(), b.err
}

func (b *responseBuffer) fail(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

// progressCursor tracks lastProcessedIndex into the accumulated response text.
type progressCursor struct {
	lastProcessedIndex int
}

// Advance returns the part of text that arrived since the previous call.
func (c *progressCursor) Advance(text string) string {
	if len(text) <= c.lastProcessedIndex {
		return ""
	}
	suffix := text[c.lastProcessedIndex:]
	c.lastProcessedIndex = len(text)
	return suffix
}

// Consume implements StreamReader.
func (r *PollingReader) Consume(ctx context.Context, body io.Reader, handle FrameHandler) error {
	size := r.ReadSize
	if size <= 0 {
		size = defaultReadSize
	}

	buffer := &responseBuffer{}
	// Capacity one: notifications coalesce while the consumer is busy.
	progress := make(chan struct{}, 1)

	go func() {
		defer close(progress)
		chunk := make([]byte, size)
		for {
			n, err := body.Read(chunk)
			if n > 0 {
				buffer.append(chunk[:n])
				select {
				case progress <- struct{}{}:
				default:
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				buffer.fail(err)
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	dec := protocol.NewDecoder()
	cursor := &progressCursor{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, open := <-progress:
			text, readErr := buffer.snapshot()
			for _, frame := range dec.Feed(cursor.Advance(text)) {
				handle(frame)
			}
			if open {
				continue
			}
			if readErr != nil {
				return fmt.Errorf("read stream: %w", readErr)
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			for _, frame := range dec.Flush() {
				handle(frame)
			}
			return nil
		}
	}
}
