package ws

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	chatService "github.com/zhouzirui/buddychat/internal/service/chat"
	"github.com/zhouzirui/buddychat/pkg/protocol"
)

const writeWait = 10 * time.Second

// TurnEmitter answers one chat request over a frame sink.
type TurnEmitter interface {
	Emit(ctx context.Context, req protocol.ChatRequest, sink chatService.FrameSink) chatService.Result
}

// Handler WebSocket 聊天处理器，帧格式与 SSE 接口一致
type Handler struct {
	emitter  TurnEmitter
	upgrader websocket.Upgrader
}

// New 创建WebSocket处理器
func New(emitter TurnEmitter) *Handler {
	return &Handler{
		emitter: emitter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chat/ws", h.handleWebSocket)
}

type frameSink struct {
	conn *websocket.Conn
}

func (s frameSink) WriteFrame(frame protocol.Frame) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(frame)
}

// handleWebSocket 每条客户端消息是一个 ChatRequest，依次生成回复
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	requests := make(chan protocol.ChatRequest)
	go func() {
		// 读取失败即视为客户端断开，取消正在生成的回复。
		defer cancel()
		defer close(requests)
		for {
			var req protocol.ChatRequest
			if err := conn.ReadJSON(&req); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Printf("[ws] read failed: %v", err)
				}
				return
			}
			select {
			case requests <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	sink := frameSink{conn: conn}
	for req := range requests {
		req.ConversationID = strings.TrimSpace(req.ConversationID)
		if strings.TrimSpace(req.Message) == "" {
			if err := sink.WriteFrame(protocol.Frame{Error: "message is required", ConversationID: req.ConversationID}); err != nil {
				return
			}
			continue
		}
		h.emitter.Emit(ctx, req, sink)
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}
