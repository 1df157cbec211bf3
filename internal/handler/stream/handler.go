package stream

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	chatService "github.com/zhouzirui/buddychat/internal/service/chat"
	"github.com/zhouzirui/buddychat/pkg/protocol"
	"github.com/zhouzirui/buddychat/pkg/utils"
)

// TurnEmitter answers one chat request over a frame sink.
type TurnEmitter interface {
	Emit(ctx context.Context, req protocol.ChatRequest, sink chatService.FrameSink) chatService.Result
}

// Handler manages streaming AI responses via Server-Sent Events
type Handler struct {
	emitter TurnEmitter
}

// New creates a new stream handler
func New(emitter TurnEmitter) *Handler {
	return &Handler{emitter: emitter}
}

// RegisterRoutes 注册流式聊天路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat/stream", h.handleStream)
}

// handleStream 校验请求后把回复以 SSE 帧的形式写回
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	var req protocol.ChatRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	if strings.TrimSpace(req.Message) == "" {
		utils.RespondError(w, http.StatusBadRequest, "message is required")
		return
	}

	sink, err := utils.NewSSEWriter(w)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	result := h.emitter.Emit(r.Context(), req, sink)
	if result.State == chatService.StateFailed {
		log.Printf("[stream] request ended in failure for conversation=%s", result.ConversationID)
	}
}
