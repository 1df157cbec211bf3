package chat

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/buddychat/internal/model/chat"
	"github.com/zhouzirui/buddychat/pkg/protocol"
	"github.com/zhouzirui/buddychat/pkg/utils"
)

// Handler 会话管理的HTTP处理器
type Handler struct {
	store chat.Store
}

// New 创建会话处理器
func New(store chat.Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", h.handleListConversations)
		r.Get("/{conversationID}/messages", h.handleListMessages)
		r.Delete("/{conversationID}", h.handleDeleteConversation)
	})
}

// handleListConversations 按更新时间倒序返回会话列表
func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.store.ListConversations(r.Context())
	if err != nil {
		log.Printf("[conversations] list failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	out := make([]protocol.Conversation, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, protocol.Conversation{
			ID:          s.ID,
			Title:       s.Title,
			CreatedAt:   s.CreatedAt,
			UpdatedAt:   s.UpdatedAt,
			LastMessage: s.LastMessage,
		})
	}
	utils.RespondJSON(w, http.StatusOK, out)
}

// handleListMessages 返回会话内的全部消息
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	messages, err := h.store.ListMessages(r.Context(), conversationID)
	if err != nil {
		h.respondStoreError(w, "list messages", conversationID, err)
		return
	}

	out := make([]protocol.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, protocol.Message{
			ID:        m.ID,
			Role:      string(m.Role),
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	utils.RespondJSON(w, http.StatusOK, out)
}

// handleDeleteConversation 删除会话及其消息
func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	if err := h.store.DeleteConversation(r.Context(), conversationID); err != nil {
		h.respondStoreError(w, "delete", conversationID, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, protocol.DeleteResponse{Success: true})
}

func (h *Handler) respondStoreError(w http.ResponseWriter, op, conversationID string, err error) {
	if errors.Is(err, chat.ErrConversationNotFound) {
		utils.RespondError(w, http.StatusNotFound, "conversation not found")
		return
	}
	log.Printf("[conversations] %s failed for conversation=%s: %v", op, conversationID, err)
	utils.RespondError(w, http.StatusInternalServerError, "failed to "+op+" conversation")
}
