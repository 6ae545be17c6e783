package domain

import (
	"time"
)

// ChatMessage is one entry of a room's ephemeral chat log.
// The owning room is implied by the log it lives in.
type ChatMessage struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Body      string    `json:"message"`
	CreatedAt time.Time `json:"timestamp"`
}

// SendChatInput is the body of a chat send, over HTTP or the chat_send event
type SendChatInput struct {
	RoomID  string `json:"roomId" binding:"required"`
	Sender  string `json:"sender" binding:"required"`
	Message string `json:"message" binding:"required"`
}

// ChatHistory is a room's message log as returned to readers
type ChatHistory struct {
	RoomID   string         `json:"roomId"`
	Messages []*ChatMessage `json:"messages"`
	Cached   bool           `json:"cached"`
}

// MessageDeleted is broadcast to a room after a message is removed
type MessageDeleted struct {
	MessageID string `json:"messageId"`
}
