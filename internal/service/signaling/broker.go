// Package signaling dispatches socket events to rooms and drives the call
// lifecycle: status transitions, expiry timers and termination.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"teleconsult-backend/internal/domain"
	"teleconsult-backend/internal/room"
	"teleconsult-backend/internal/timer"
	"teleconsult-backend/pkg/constants"
	"teleconsult-backend/pkg/logger"
	"teleconsult-backend/pkg/metrics"
)

// CallRepository is the slice of the call store the broker needs
type CallRepository interface {
	GetByRoomID(ctx context.Context, roomID string) (*domain.Call, error)
	MarkOngoing(ctx context.Context, roomID string, at time.Time) (bool, error)
	Complete(ctx context.Context, roomID string, endedAt time.Time) (*domain.Call, bool, error)
}

// ChatStore is the ephemeral chat log
type ChatStore interface {
	Append(ctx context.Context, input *domain.SendChatInput) (*domain.ChatMessage, error)
	Delete(ctx context.Context, roomID, messageID string) (*domain.ChatMessage, error)
}

// Broker is the only component that changes room membership, writes call
// status and arms or cancels call timers. Call state and timer changes for
// one room are serialized by a per-room lock.
type Broker struct {
	calls  CallRepository
	chat   ChatStore
	rooms  *room.Registry
	timers *timer.Manager
	clock  clock.Clock
	locks  *roomLocks

	expiryTimeout time.Duration
}

// NewBroker wires a broker. timers should run on the same clock as clk.
func NewBroker(calls CallRepository, chat ChatStore, rooms *room.Registry, timers *timer.Manager, clk clock.Clock) *Broker {
	if clk == nil {
		clk = clock.New()
	}
	if rooms == nil {
		rooms = room.NewRegistry()
	}
	if timers == nil {
		timers = timer.NewManager(clk)
	}
	return &Broker{
		calls:         calls,
		chat:          chat,
		rooms:         rooms,
		timers:        timers,
		clock:         clk,
		locks:         newRoomLocks(),
		expiryTimeout: constants.EventHandlerTimeout,
	}
}

// Stats is a point-in-time view of broker state
type Stats struct {
	Rooms  int `json:"rooms"`
	Timers int `json:"timers"`
}

// Stats reports live room and timer counts
func (b *Broker) Stats() Stats {
	return Stats{Rooms: b.rooms.RoomCount(), Timers: b.timers.Len()}
}

// Rooms exposes the membership registry
func (b *Broker) Rooms() *room.Registry {
	return b.rooms
}

// Timers exposes the timer manager
func (b *Broker) Timers() *timer.Manager {
	return b.timers
}

// Dispatch routes one validated inbound event from p
func (b *Broker) Dispatch(ctx context.Context, p room.Peer, ev domain.InboundEvent) error {
	metrics.SignalingEventsTotal.WithLabelValues(ev.Name()).Inc()

	switch e := ev.(type) {
	case domain.JoinRoom:
		b.JoinRoom(p, e.RoomID)
		return nil
	case domain.SendMessage:
		b.RelayLegacyMessage(e)
		return nil
	case domain.ChatSend:
		_, err := b.SendChat(ctx, &domain.SendChatInput{RoomID: e.RoomID, Sender: e.Sender, Message: e.Message})
		return err
	case domain.JoinVideoCall:
		return b.JoinVideoCall(ctx, p, e)
	case domain.SignalRelay:
		b.Relay(p, e)
		return nil
	case domain.EndCall:
		_, err := b.EndCall(ctx, e.RoomID, domain.EndReasonManualTermination)
		return err
	}

	return &domain.EventError{Event: ev.Name(), Code: domain.EventErrUnknown, Message: "unsupported event"}
}

// JoinRoom adds p to a chat room
func (b *Broker) JoinRoom(p room.Peer, roomID string) {
	if b.rooms.Join(roomID, p) {
		logger.Debug("Peer joined room",
			zap.String("room_id", roomID),
			zap.String("peer_id", p.ID()))
	}
}

// JoinVideoCall adds p to the call room, tells the other members, and
// starts the call if it is still scheduled. Starting the call arms the
// expiry timer for whatever remains of the scheduled window.
func (b *Broker) JoinVideoCall(ctx context.Context, p room.Peer, e domain.JoinVideoCall) error {
	b.rooms.Join(e.RoomID, p)
	logger.Info("Participant joined video call",
		zap.String("room_id", e.RoomID),
		zap.String("user_id", e.UserID),
		zap.String("user_type", e.UserType))

	b.emit(e.RoomID, domain.EventUserJoined, domain.UserJoined{
		UserID:   e.UserID,
		UserType: e.UserType,
		RoomID:   e.RoomID,
	}, p)

	unlock := b.locks.Lock(e.RoomID)
	defer unlock()

	call, err := b.calls.GetByRoomID(ctx, e.RoomID)
	if err != nil {
		if errors.Is(err, domain.ErrCallNotFound) {
			logger.Warn("Video call joined without a call record",
				zap.String("room_id", e.RoomID))
			return nil
		}
		metrics.CallStoreErrorsTotal.WithLabelValues("get").Inc()
		logger.Error("Failed to load call on join",
			zap.String("room_id", e.RoomID),
			zap.Error(err))
		return nil
	}
	if call.Status != domain.CallStatusScheduled {
		return nil
	}

	now := b.clock.Now()
	started, err := b.calls.MarkOngoing(ctx, e.RoomID, now.UTC())
	if err != nil {
		metrics.CallStoreErrorsTotal.WithLabelValues("mark_ongoing").Inc()
		logger.Error("Failed to mark call ongoing",
			zap.String("room_id", e.RoomID),
			zap.Error(err))
		return nil
	}
	if !started {
		return nil
	}
	metrics.CallsStartedTotal.Inc()

	remaining := call.Remaining(now)
	if remaining <= 0 {
		logger.Info("Call started after its scheduled window, no expiry timer",
			zap.String("room_id", e.RoomID),
			zap.Time("ends_at", call.EndsAt()))
		return nil
	}

	if b.timers.Arm(e.RoomID, remaining, b.expire(e.RoomID)) {
		logger.Info("Call expiry timer armed",
			zap.String("room_id", e.RoomID),
			zap.Duration("remaining", remaining))
	}
	return nil
}

func (b *Broker) expire(roomID string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.expiryTimeout)
		defer cancel()

		if _, err := b.terminate(ctx, roomID, domain.EndReasonTimerExpired, false); err != nil {
			logger.Error("Failed to end expired call",
				zap.String("room_id", roomID),
				zap.Error(err))
		}
	}
}

// Relay forwards an offer, answer or ICE candidate to everyone in the room but p
func (b *Broker) Relay(p room.Peer, e domain.SignalRelay) int {
	frame, err := domain.EncodeRawEvent(e.Kind, e.Payload)
	if err != nil {
		logger.Warn("Failed to encode relay",
			zap.String("room_id", e.RoomID),
			zap.String("kind", e.Kind),
			zap.Error(err))
		return 0
	}
	metrics.SignalingRelaysTotal.WithLabelValues(e.Kind).Inc()
	return b.rooms.Broadcast(e.RoomID, frame, p)
}

// RelayLegacyMessage echoes a send_message payload to the whole room as receive_message
func (b *Broker) RelayLegacyMessage(e domain.SendMessage) int {
	frame, err := domain.EncodeRawEvent(domain.EventReceiveMessage, e.Payload)
	if err != nil {
		logger.Warn("Failed to encode legacy message",
			zap.String("room_id", e.RoomID),
			zap.Error(err))
		return 0
	}
	return b.rooms.Broadcast(e.RoomID, frame, nil)
}

// SendChat appends to the room's chat log and broadcasts new_message to every
// member, sender included
func (b *Broker) SendChat(ctx context.Context, input *domain.SendChatInput) (*domain.ChatMessage, error) {
	msg, err := b.chat.Append(ctx, input)
	if err != nil {
		return nil, err
	}
	b.emit(input.RoomID, domain.EventNewMessage, msg, nil)
	return msg, nil
}

// DeleteChat removes one message and broadcasts message_deleted
func (b *Broker) DeleteChat(ctx context.Context, roomID, messageID string) (*domain.ChatMessage, error) {
	msg, err := b.chat.Delete(ctx, roomID, messageID)
	if err != nil {
		return nil, err
	}
	b.emit(roomID, domain.EventMessageDeleted, domain.MessageDeleted{MessageID: messageID}, nil)
	return msg, nil
}

// EndCall terminates the room's call now. Ending an already completed call
// writes nothing and re-sends call_ended with the stored end time.
func (b *Broker) EndCall(ctx context.Context, roomID string, reason domain.EndReason) (*domain.CallEnded, error) {
	return b.terminate(ctx, roomID, reason, true)
}

// terminate is shared by the timer and explicit end requests
func (b *Broker) terminate(ctx context.Context, roomID string, reason domain.EndReason, rebroadcast bool) (*domain.CallEnded, error) {
	unlock := b.locks.Lock(roomID)
	defer unlock()

	now := b.clock.Now().UTC()
	call, transitioned, err := b.calls.Complete(ctx, roomID, now)
	if err != nil {
		if errors.Is(err, domain.ErrCallNotFound) {
			b.timers.Cancel(roomID)
			logger.Warn("End requested for unknown call", zap.String("room_id", roomID))
			return nil, err
		}
		metrics.CallStoreErrorsTotal.WithLabelValues("complete").Inc()
		return nil, fmt.Errorf("failed to complete call: %w", err)
	}

	endedAt := now
	if call.EndedAt != nil {
		endedAt = *call.EndedAt
	}
	ended := &domain.CallEnded{
		RoomID:   roomID,
		EndedAt:  endedAt,
		Duration: call.Duration,
		Reason:   reason,
	}

	if transitioned || rebroadcast {
		b.emit(roomID, domain.EventCallEnded, ended, nil)
	}
	b.timers.Cancel(roomID)

	if transitioned {
		metrics.CallsEndedTotal.WithLabelValues(string(reason)).Inc()
		logger.Info("Call ended",
			zap.String("room_id", roomID),
			zap.String("reason", string(reason)),
			zap.Time("ended_at", endedAt))
	}
	return ended, nil
}

// Disconnect removes p from every room. Calls are left as they are.
func (b *Broker) Disconnect(p room.Peer) {
	left := b.rooms.LeaveAll(p)
	if len(left) > 0 {
		logger.Debug("Peer left rooms",
			zap.String("peer_id", p.ID()),
			zap.Strings("rooms", left))
	}
}

func (b *Broker) emit(roomID, event string, data any, except room.Peer) int {
	frame, err := domain.EncodeEvent(event, data)
	if err != nil {
		logger.Error("Failed to encode outbound event",
			zap.String("room_id", roomID),
			zap.String("event", event),
			zap.Error(err))
		return 0
	}
	return b.rooms.Broadcast(roomID, frame, except)
}

// Shutdown disarms all timers
func (b *Broker) Shutdown() {
	b.timers.Stop()
}
