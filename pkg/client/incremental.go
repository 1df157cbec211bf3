package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/zhouzirui/buddychat/pkg/protocol"
)

const defaultReadSize = 4096

// IncrementalReader awaits the next available byte range of the body and feeds it to
// the framer straight away.
type IncrementalReader struct {
	// ReadSize bounds a single read; defaults to 4 KiB.
	ReadSize int
}

// Consume implements StreamReader.
func (r *IncrementalReader) Consume(ctx context.Context, body io.Reader, handle FrameHandler) error {
	size := r.ReadSize
	if size <= 0 {
		size = defaultReadSize
	}

	dec := protocol.NewDecoder()
	buf := make([]byte, size)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := body.Read(buf)
		if n > 0 {
			for _, frame := range dec.Feed(string(buf[:n])) {
				handle(frame)
			}
		}
		if errors.Is(err, io.EOF) {
			for _, frame := range dec.Flush() {
				handle(frame)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
	}
}
