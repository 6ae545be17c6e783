// Package chat holds the ephemeral per-room chat log.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid"
	"go.uber.org/zap"

	"teleconsult-backend/internal/domain"
	"teleconsult-backend/pkg/constants"
	"teleconsult-backend/pkg/logger"
	"teleconsult-backend/pkg/metrics"
	"teleconsult-backend/pkg/sanitize"
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidMessage  = errors.New("invalid chat message")
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// SnapshotCache is a short-lived key/value mirror of room logs
type SnapshotCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Store keeps every room's messages in memory, in send order. Reads are
// served from the snapshot cache while it is fresh.
type Store struct {
	mu    sync.RWMutex
	rooms map[string][]*domain.ChatMessage

	cache SnapshotCache
	ttl   time.Duration
	clock clock.Clock
}

// NewStore creates a store. cache may be nil, in which case every read hits the log.
func NewStore(cache SnapshotCache, ttl time.Duration, clk clock.Clock) *Store {
	if ttl <= 0 {
		ttl = constants.ChatSnapshotTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		rooms: make(map[string][]*domain.ChatMessage),
		cache: cache,
		ttl:   ttl,
		clock: clk,
	}
}

// Append adds a message to the end of the room's log
func (s *Store) Append(ctx context.Context, input *domain.SendChatInput) (*domain.ChatMessage, error) {
	sender := sanitize.Identifier(input.Sender)
	body := sanitize.ChatText(input.Message)
	if strings.TrimSpace(input.RoomID) == "" || sender == "" || body == "" {
		return nil, fmt.Errorf("%w: roomId, sender and message are required", ErrInvalidMessage)
	}
	if len(body) > constants.MaxMessageLength {
		return nil, fmt.Errorf("%w: message exceeds %d bytes", ErrInvalidMessage, constants.MaxMessageLength)
	}

	now := s.clock.Now()
	msg := &domain.ChatMessage{
		ID:        newMessageID(now),
		Sender:    sender,
		Body:      body,
		CreatedAt: now.UTC(),
	}

	s.mu.Lock()
	s.rooms[input.RoomID] = append(s.rooms[input.RoomID], msg)
	s.mu.Unlock()

	metrics.ChatMessagesTotal.WithLabelValues("append").Inc()
	s.invalidate(ctx, input.RoomID)
	return msg, nil
}

// List returns the room's messages. A room nobody wrote to yields an empty list.
func (s *Store) List(ctx context.Context, roomID string) (*domain.ChatHistory, error) {
	key := snapshotKey(roomID)

	if s.cache != nil {
		data, found, err := s.cache.Get(ctx, key)
		switch {
		case err != nil:
			metrics.ChatSnapshotLookupsTotal.WithLabelValues("error").Inc()
			logger.Warn("Chat snapshot lookup failed",
				zap.String("room_id", roomID),
				zap.Error(err))
		case found:
			var messages []*domain.ChatMessage
			if err := json.Unmarshal(data, &messages); err == nil {
				metrics.ChatSnapshotLookupsTotal.WithLabelValues("hit").Inc()
				return &domain.ChatHistory{RoomID: roomID, Messages: messages, Cached: true}, nil
			}
			logger.Warn("Discarding unreadable chat snapshot", zap.String("room_id", roomID))
		default:
			metrics.ChatSnapshotLookupsTotal.WithLabelValues("miss").Inc()
		}
	}

	messages := s.snapshot(roomID)

	if s.cache != nil {
		data, err := json.Marshal(messages)
		if err != nil {
			return nil, fmt.Errorf("failed to encode chat snapshot: %w", err)
		}
		if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
			logger.Warn("Failed to refresh chat snapshot",
				zap.String("room_id", roomID),
				zap.Error(err))
		}
	}

	return &domain.ChatHistory{RoomID: roomID, Messages: messages, Cached: false}, nil
}

// Delete removes one message by id and returns it
func (s *Store) Delete(ctx context.Context, roomID, messageID string) (*domain.ChatMessage, error) {
	s.mu.Lock()
	messages, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrRoomNotFound
	}

	idx := -1
	for i, m := range messages {
		if m.ID == messageID {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return nil, ErrMessageNotFound
	}

	deleted := messages[idx]
	s.rooms[roomID] = append(messages[:idx:idx], messages[idx+1:]...)
	s.mu.Unlock()

	metrics.ChatMessagesTotal.WithLabelValues("delete").Inc()
	s.invalidate(ctx, roomID)
	return deleted, nil
}

// Len returns the number of messages held for roomID
func (s *Store) Len(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[roomID])
}

func (s *Store) snapshot(roomID string) []*domain.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := make([]*domain.ChatMessage, len(s.rooms[roomID]))
	copy(messages, s.rooms[roomID])
	return messages
}

// invalidate is best-effort; a stale snapshot expires within the TTL anyway
func (s *Store) invalidate(ctx context.Context, roomID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, snapshotKey(roomID)); err != nil {
		logger.Warn("Failed to invalidate chat snapshot",
			zap.String("room_id", roomID),
			zap.Error(err))
	}
}

func snapshotKey(roomID string) string {
	return constants.ChatSnapshotKeyPrefix + roomID
}

// newMessageID is a base36 millisecond timestamp followed by a random suffix
func newMessageID(now time.Time) string {
	prefix := strconv.FormatInt(now.UnixMilli(), 36)
	suffix, err := gonanoid.Generate(idAlphabet, 10)
	if err != nil {
		suffix = strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
	}
	return prefix + suffix
}
