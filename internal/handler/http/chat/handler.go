package chat

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"teleconsult-backend/internal/domain"
	"teleconsult-backend/internal/service/chat"
	"teleconsult-backend/internal/service/signaling"
	apperrors "teleconsult-backend/pkg/errors"
	"teleconsult-backend/pkg/logger"
	"teleconsult-backend/pkg/response"
)

// HistoryReader reads a room's chat log
type HistoryReader interface {
	List(ctx context.Context, roomID string) (*domain.ChatHistory, error)
}

// Broadcaster writes to the chat log and notifies the room
type Broadcaster interface {
	SendChat(ctx context.Context, input *domain.SendChatInput) (*domain.ChatMessage, error)
	DeleteChat(ctx context.Context, roomID, messageID string) (*domain.ChatMessage, error)
}

// Handler handles chat HTTP requests
type Handler struct {
	history HistoryReader
	broker  func() (Broadcaster, error)
}

// NewHandler creates a new chat handler. Writes go through the registered
// signaling broker so that sockets in the room see them.
func NewHandler(history HistoryReader) *Handler {
	return &Handler{
		history: history,
		broker:  currentBroker,
	}
}

// WithBroadcaster replaces the broker lookup, mainly for tests
func (h *Handler) WithBroadcaster(lookup func() (Broadcaster, error)) *Handler {
	h.broker = lookup
	return h
}

func currentBroker() (Broadcaster, error) {
	b, err := signaling.Current()
	if err != nil {
		return nil, err
	}
	return b, nil
}

// RegisterRoutes mounts the chat endpoints on rg
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	chatGroup := rg.Group("/chat")
	{
		chatGroup.POST("/send", h.SendMessage)
		chatGroup.GET("/messages/:roomId", h.GetMessages)
		chatGroup.DELETE("/delete/:roomId/:messageId", h.DeleteMessage)
	}
}

// SendMessage appends a message and pushes new_message to the room
// POST /v1/chat/send
func (h *Handler) SendMessage(c *gin.Context) {
	var req domain.SendChatInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "roomId, sender and message are required")
		return
	}

	broker, ok := h.lookup(c)
	if !ok {
		return
	}

	msg, err := broker.SendChat(c.Request.Context(), &req)
	if err != nil {
		response.AppError(c, mapChatError(err))
		return
	}

	response.Success(c, http.StatusCreated, msg)
}

// GetMessages returns the room's messages in send order
// GET /v1/chat/messages/:roomId
func (h *Handler) GetMessages(c *gin.Context) {
	history, err := h.history.List(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		response.AppError(c, mapChatError(err))
		return
	}

	response.Success(c, http.StatusOK, history)
}

// DeleteMessage removes one message and pushes message_deleted to the room
// DELETE /v1/chat/delete/:roomId/:messageId
func (h *Handler) DeleteMessage(c *gin.Context) {
	roomID := c.Param("roomId")
	messageID := c.Param("messageId")

	broker, ok := h.lookup(c)
	if !ok {
		return
	}

	deleted, err := broker.DeleteChat(c.Request.Context(), roomID, messageID)
	if err != nil {
		response.AppError(c, mapChatError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message":        "Message deleted successfully",
		"messageId":      messageID,
		"deletedMessage": deleted,
	})
}

func (h *Handler) lookup(c *gin.Context) (Broadcaster, bool) {
	broker, err := h.broker()
	if err != nil {
		logger.Error("Signaling broker unavailable for chat request",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		response.AppError(c, apperrors.BrokerUnavailableError(err))
		return nil, false
	}
	return broker, true
}

func mapChatError(err error) error {
	switch {
	case errors.Is(err, chat.ErrRoomNotFound):
		return apperrors.RoomNotFoundError()
	case errors.Is(err, chat.ErrMessageNotFound):
		return apperrors.MessageNotFoundError()
	case errors.Is(err, chat.ErrInvalidMessage):
		return apperrors.ValidationError(err.Error())
	}
	return apperrors.InternalError("Failed to process chat request")
}
