package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the machine-readable half of an API error
type ErrorCode string

const (
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"

	ErrCodeCallNotFound    ErrorCode = "CALL_NOT_FOUND"
	ErrCodeRoomNotFound    ErrorCode = "ROOM_NOT_FOUND"
	ErrCodeMessageNotFound ErrorCode = "MESSAGE_NOT_FOUND"

	ErrCodeNotParticipant ErrorCode = "NOT_PARTICIPANT"

	ErrCodeCallExists    ErrorCode = "CALL_EXISTS"
	ErrCodeCallCompleted ErrorCode = "CALL_COMPLETED"

	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase          ErrorCode = "DATABASE_ERROR"
	ErrCodeBrokerUnavailable ErrorCode = "SIGNALING_UNAVAILABLE"
)

var statusByCode = map[ErrorCode]int{
	ErrCodeValidation:        http.StatusBadRequest,
	ErrCodeCallNotFound:      http.StatusNotFound,
	ErrCodeRoomNotFound:      http.StatusNotFound,
	ErrCodeMessageNotFound:   http.StatusNotFound,
	ErrCodeNotParticipant:    http.StatusForbidden,
	ErrCodeCallExists:        http.StatusConflict,
	ErrCodeCallCompleted:     http.StatusConflict,
	ErrCodeInternal:          http.StatusInternalServerError,
	ErrCodeDatabase:          http.StatusInternalServerError,
	ErrCodeBrokerUnavailable: http.StatusServiceUnavailable,
}

// Status returns the HTTP status for code; unknown codes map to 500
func (code ErrorCode) Status() int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// AppError is an error that knows how it is rendered over HTTP
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New builds an AppError whose status follows from code
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: code.Status()}
}

// Wrap is New with a cause kept for errors.Is and logs
func Wrap(code ErrorCode, message string, err error) *AppError {
	appErr := New(code, message)
	appErr.Err = err
	return appErr
}

// WithDetails attaches a JSON-serializable payload rendered next to the message
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func CallNotFoundError() *AppError {
	return New(ErrCodeCallNotFound, "Call not found")
}

func RoomNotFoundError() *AppError {
	return New(ErrCodeRoomNotFound, "Room not found")
}

func MessageNotFoundError() *AppError {
	return New(ErrCodeMessageNotFound, "Message not found")
}

func NotParticipantError() *AppError {
	return New(ErrCodeNotParticipant, "User is not a participant of this call")
}

func CallExistsError() *AppError {
	return New(ErrCodeCallExists, "Call already exists")
}

func CallCompletedError() *AppError {
	return New(ErrCodeCallCompleted, "Call has already ended")
}

func InternalError(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func DatabaseError(err error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", err)
}

// BrokerUnavailableError is returned while no signaling broker is registered
func BrokerUnavailableError(err error) *AppError {
	return Wrap(ErrCodeBrokerUnavailable, "Signaling service is not ready", err)
}

// IsAppError reports whether err wraps an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError unwraps an AppError from err. Any other error becomes an
// INTERNAL_ERROR carrying it as cause and a generic message.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(ErrCodeInternal, "Internal server error", err)
}
