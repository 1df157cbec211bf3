// Package client consumes the buddychat event stream and keeps the turns of the
// active conversation in sync with it.
package client

import (
	"context"
	"io"

	"github.com/zhouzirui/buddychat/pkg/protocol"
)

// FrameHandler receives frames in wire order.
type FrameHandler func(protocol.Frame)

// StreamReader consumes one streaming response body and hands every decoded frame to
// handle. It returns only after the body reports end-of-response, the context is done,
// or a read fails.
type StreamReader interface {
	Consume(ctx context.Context, body io.Reader, handle FrameHandler) error
}

// Platform identifies the host the client runs on.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
	PlatformDesktop Platform = "desktop"
)

// NewStreamReader picks the transport strategy for a platform. iOS networking only
// exposes the growing response text on progress notifications, so it gets the
// polling reader; every other platform reads the body incrementally.
func NewStreamReader(platform Platform) StreamReader {
	if platform == PlatformIOS {
		return &PollingReader{}
	}
	return &IncrementalReader{}
}
