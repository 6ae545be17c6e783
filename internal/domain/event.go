package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound socket event names
const (
	EventJoinRoom      = "join_room"
	EventSendMessage   = "send_message"
	EventChatSend      = "chat_send"
	EventJoinVideoCall = "join_video_call"
	EventOffer         = "offer"
	EventAnswer        = "answer"
	EventICECandidate  = "ice-candidate"
	EventEndCall       = "end_call"
)

// Outbound socket event names
const (
	EventUserJoined     = "user_joined"
	EventReceiveMessage = "receive_message"
	EventCallEnded      = "call_ended"
	EventNewMessage     = "new_message"
	EventMessageDeleted = "message_deleted"
	EventRejected       = "error"
)

// Rejection codes carried by the error event
const (
	EventErrMalformed     = "malformed_event"
	EventErrUnknown       = "unknown_event"
	EventErrInvalidData   = "invalid_payload"
	EventErrMissingRoom   = "missing_room"
	EventErrMissingField  = "missing_field"
	EventErrCallNotFound  = "call_not_found"
	EventErrHandlerFailed = "handler_failed"
)

// Envelope is the wire frame for every socket event in both directions
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// InboundEvent is a validated client event ready for dispatch
type InboundEvent interface {
	Name() string
	Room() string
}

// JoinRoom subscribes the connection to a chat room
type JoinRoom struct {
	RoomID string
}

func (e JoinRoom) Name() string { return EventJoinRoom }
func (e JoinRoom) Room() string { return e.RoomID }

// SendMessage is the legacy chat relay; the payload is echoed untouched
type SendMessage struct {
	RoomID  string
	Payload json.RawMessage
}

func (e SendMessage) Name() string { return EventSendMessage }
func (e SendMessage) Room() string { return e.RoomID }

// ChatSend appends to the room's chat log and echoes to everyone
type ChatSend struct {
	RoomID  string `json:"roomId"`
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

func (e ChatSend) Name() string { return EventChatSend }
func (e ChatSend) Room() string { return e.RoomID }

// JoinVideoCall joins a call room and may start the call
type JoinVideoCall struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserType string `json:"userType"`
}

func (e JoinVideoCall) Name() string { return EventJoinVideoCall }
func (e JoinVideoCall) Room() string { return e.RoomID }

// SignalRelay carries an offer, answer or ICE candidate to the other peers
type SignalRelay struct {
	Kind    string
	RoomID  string
	Payload json.RawMessage
}

func (e SignalRelay) Name() string { return e.Kind }
func (e SignalRelay) Room() string { return e.RoomID }

// EndCall forces termination of the room's call
type EndCall struct {
	RoomID string `json:"roomId"`
}

func (e EndCall) Name() string { return EventEndCall }
func (e EndCall) Room() string { return e.RoomID }

// EventError describes why an inbound frame was rejected
type EventError struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *EventError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Event)
}

func rejectEvent(event, code, format string, args ...any) *EventError {
	return &EventError{Event: event, Code: code, Message: fmt.Sprintf(format, args...)}
}

// ParseInboundEvent decodes and validates one client frame
func ParseInboundEvent(raw []byte) (InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, rejectEvent("", EventErrMalformed, "frame is not a JSON envelope")
	}
	if env.Event == "" {
		return nil, rejectEvent("", EventErrMalformed, "event name is required")
	}
	if len(bytes.TrimSpace(env.Data)) == 0 {
		return nil, rejectEvent(env.Event, EventErrInvalidData, "data is required")
	}

	switch env.Event {
	case EventJoinRoom:
		roomID, err := parseJoinRoom(env.Data)
		if err != nil {
			return nil, err
		}
		return JoinRoom{RoomID: roomID}, nil

	case EventSendMessage:
		var fields struct {
			Room string `json:"room"`
		}
		if err := json.Unmarshal(env.Data, &fields); err != nil {
			return nil, rejectEvent(env.Event, EventErrInvalidData, "data must be an object")
		}
		if strings.TrimSpace(fields.Room) == "" {
			return nil, rejectEvent(env.Event, EventErrMissingRoom, "room is required")
		}
		return SendMessage{RoomID: fields.Room, Payload: env.Data}, nil

	case EventChatSend:
		var e ChatSend
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, rejectEvent(env.Event, EventErrInvalidData, "data must be an object")
		}
		if strings.TrimSpace(e.RoomID) == "" {
			return nil, rejectEvent(env.Event, EventErrMissingRoom, "roomId is required")
		}
		if e.Sender == "" || e.Message == "" {
			return nil, rejectEvent(env.Event, EventErrMissingField, "sender and message are required")
		}
		return e, nil

	case EventJoinVideoCall:
		var e JoinVideoCall
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, rejectEvent(env.Event, EventErrInvalidData, "data must be an object")
		}
		if strings.TrimSpace(e.RoomID) == "" {
			return nil, rejectEvent(env.Event, EventErrMissingRoom, "roomId is required")
		}
		return e, nil

	case EventOffer, EventAnswer, EventICECandidate:
		var fields struct {
			RoomID string `json:"roomId"`
		}
		if err := json.Unmarshal(env.Data, &fields); err != nil {
			return nil, rejectEvent(env.Event, EventErrInvalidData, "data must be an object")
		}
		if strings.TrimSpace(fields.RoomID) == "" {
			return nil, rejectEvent(env.Event, EventErrMissingRoom, "roomId is required")
		}
		return SignalRelay{Kind: env.Event, RoomID: fields.RoomID, Payload: env.Data}, nil

	case EventEndCall:
		var e EndCall
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, rejectEvent(env.Event, EventErrInvalidData, "data must be an object")
		}
		if strings.TrimSpace(e.RoomID) == "" {
			return nil, rejectEvent(env.Event, EventErrMissingRoom, "roomId is required")
		}
		return e, nil
	}

	return nil, rejectEvent(env.Event, EventErrUnknown, "unsupported event")
}

// join_room accepts either a bare room id string or {"roomId": "..."}
func parseJoinRoom(data json.RawMessage) (string, error) {
	var roomID string
	if err := json.Unmarshal(data, &roomID); err != nil {
		var obj struct {
			RoomID string `json:"roomId"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return "", rejectEvent(EventJoinRoom, EventErrInvalidData, "data must be a room id")
		}
		roomID = obj.RoomID
	}
	if strings.TrimSpace(roomID) == "" {
		return "", rejectEvent(EventJoinRoom, EventErrMissingRoom, "room id is required")
	}
	return roomID, nil
}

// EncodeEvent marshals an outbound frame
func EncodeEvent(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return EncodeRawEvent(event, payload)
}

// EncodeRawEvent wraps an already-encoded payload without re-encoding it
func EncodeRawEvent(event string, payload json.RawMessage) ([]byte, error) {
	frame, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", event, err)
	}
	return frame, nil
}

// UserJoined is broadcast to the other members of a call room
type UserJoined struct {
	UserID   string `json:"userId"`
	UserType string `json:"userType"`
	RoomID   string `json:"roomId"`
}
