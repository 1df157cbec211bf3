package utils

import (
	"errors"
	"net/http"

	"github.com/zhouzirui/buddychat/pkg/protocol"
)

// ErrStreamingUnsupported 表示 ResponseWriter 不支持 Flush。
var ErrStreamingUnsupported = errors.New("streaming unsupported")

// SSEWriter 把协议帧写成 Server-Sent Events，每帧写完立即 Flush。
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter 设置 SSE 响应头并返回写入器。
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	SetupSSEHeaders(w)
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteFrame 发送一个 data 帧。
func (s *SSEWriter) WriteFrame(frame protocol.Frame) error {
	if err := protocol.Encode(s.w, frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// SetupSSEHeaders 设置Server-Sent Events响应头
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
