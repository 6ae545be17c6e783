// Package video schedules consultations and answers call queries over HTTP.
// Status changes belong to the signaling broker; this service only creates
// records and forwards manual termination to the broker.
package video

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"teleconsult-backend/internal/domain"
	"teleconsult-backend/internal/service/signaling"
	"teleconsult-backend/pkg/constants"
	apperrors "teleconsult-backend/pkg/errors"
	"teleconsult-backend/pkg/logger"
)

// CallRepository is the part of the call store the service reads and writes
type CallRepository interface {
	Create(ctx context.Context, call *domain.Call) error
	GetByRoomID(ctx context.Context, roomID string) (*domain.Call, error)
	GetUpcoming(ctx context.Context, userID string, from time.Time) ([]*domain.Call, error)
}

// Terminator ends a call and notifies its room
type Terminator interface {
	EndCall(ctx context.Context, roomID string, reason domain.EndReason) (*domain.CallEnded, error)
}

// Service handles video call business logic
type Service struct {
	callRepo CallRepository
	clock    clock.Clock
	broker   func() (Terminator, error)
}

// NewService creates a new video service that ends calls through the
// registered signaling broker
func NewService(callRepo CallRepository, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		callRepo: callRepo,
		clock:    clk,
		broker:   currentBroker,
	}
}

// WithTerminator replaces the broker lookup, mainly for tests
func (s *Service) WithTerminator(lookup func() (Terminator, error)) *Service {
	s.broker = lookup
	return s
}

func currentBroker() (Terminator, error) {
	b, err := signaling.Current()
	if err != nil {
		return nil, err
	}
	return b, nil
}

// JoinCallOutput is returned to a verified participant before they open the socket
type JoinCallOutput struct {
	Call  *domain.Call `json:"callDetails"`
	Token string       `json:"token"`
}

// ScheduleCall creates a new call in the scheduled state
func (s *Service) ScheduleCall(ctx context.Context, input *domain.ScheduleCallInput) (*domain.Call, error) {
	if strings.TrimSpace(input.DoctorID) == "" || strings.TrimSpace(input.PatientID) == "" || input.ScheduledAt.IsZero() {
		return nil, apperrors.ValidationError("Missing required fields")
	}
	if input.Duration <= 0 || input.Duration > constants.MaxCallDurationMinutes {
		return nil, apperrors.ValidationError("Duration must be between 1 and 1440 minutes")
	}
	if input.DoctorID == input.PatientID {
		return nil, apperrors.ValidationError("Doctor and patient must be different users")
	}

	now := s.clock.Now().UTC()
	call := &domain.Call{
		RoomID:      domain.NewRoomID(),
		DoctorID:    input.DoctorID,
		PatientID:   input.PatientID,
		ScheduledAt: input.ScheduledAt.UTC(),
		Duration:    input.Duration,
		Status:      domain.CallStatusScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.callRepo.Create(ctx, call); err != nil {
		if errors.Is(err, domain.ErrCallExists) {
			return nil, apperrors.CallExistsError()
		}
		return nil, apperrors.DatabaseError(err)
	}

	logger.Info("Call scheduled",
		zap.String("room_id", call.RoomID),
		zap.String("doctor_id", call.DoctorID),
		zap.String("patient_id", call.PatientID),
		zap.Time("scheduled_at", call.ScheduledAt),
		zap.Int("duration", call.Duration))

	return call, nil
}

// GetCall returns the call stored for roomID
func (s *Service) GetCall(ctx context.Context, roomID string) (*domain.Call, error) {
	call, err := s.callRepo.GetByRoomID(ctx, roomID)
	if err != nil {
		if errors.Is(err, domain.ErrCallNotFound) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.DatabaseError(err)
	}
	return call, nil
}

// JoinCall verifies that the user belongs to the call. It does not start the
// call; that happens when the participant joins the room over the socket.
func (s *Service) JoinCall(ctx context.Context, input *domain.JoinCallInput) (*JoinCallOutput, error) {
	call, err := s.GetCall(ctx, input.RoomID)
	if err != nil {
		return nil, err
	}
	if !call.IsParticipant(input.UserID) {
		logger.Warn("Join attempt by non-participant",
			zap.String("room_id", input.RoomID),
			zap.String("user_id", input.UserID))
		return nil, apperrors.NotParticipantError()
	}
	if call.Status == domain.CallStatusCompleted {
		return nil, apperrors.CallCompletedError()
	}

	return &JoinCallOutput{Call: call, Token: uuid.New().String()}, nil
}

// EndCall terminates the call now and broadcasts call_ended to its room
func (s *Service) EndCall(ctx context.Context, roomID string) (*domain.CallEnded, error) {
	broker, err := s.broker()
	if err != nil {
		logger.Error("Signaling broker unavailable for end call",
			zap.String("room_id", roomID),
			zap.Error(err))
		return nil, apperrors.BrokerUnavailableError(err)
	}

	ended, err := broker.EndCall(ctx, roomID, domain.EndReasonManualTermination)
	if err != nil {
		if errors.Is(err, domain.ErrCallNotFound) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.DatabaseError(err)
	}
	return ended, nil
}

// GetUpcomingCalls lists the user's scheduled or ongoing calls starting from now
func (s *Service) GetUpcomingCalls(ctx context.Context, userID string) ([]*domain.Call, error) {
	calls, err := s.callRepo.GetUpcoming(ctx, userID, s.clock.Now().UTC())
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return calls, nil
}
