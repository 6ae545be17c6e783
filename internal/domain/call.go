package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"teleconsult-backend/pkg/constants"
)

// CallStatus is the lifecycle state of a scheduled consultation.
// Transitions only move forward: scheduled -> ongoing -> completed.
type CallStatus string

const (
	CallStatusScheduled CallStatus = "scheduled"
	CallStatusOngoing   CallStatus = "ongoing"
	CallStatusCompleted CallStatus = "completed"
)

// EndReason explains why a call was terminated
type EndReason string

const (
	EndReasonTimerExpired      EndReason = "timer_expired"
	EndReasonManualTermination EndReason = "manual_termination"
)

// User types sent with join_video_call
const (
	UserTypeDoctor  = "doctor"
	UserTypePatient = "patient"
)

var (
	// ErrCallNotFound is returned by call repositories when no record matches the room
	ErrCallNotFound = errors.New("call not found")
	// ErrCallExists is returned when a room identifier is already taken
	ErrCallExists = errors.New("call already exists")
)

// Call is the persisted record of a scheduled doctor/patient video call.
// RoomID is its identity; EndedAt is set iff Status is completed.
type Call struct {
	RoomID      string     `json:"roomId"`
	DoctorID    string     `json:"doctorId"`
	PatientID   string     `json:"patientId"`
	ScheduledAt time.Time  `json:"scheduledAt"`
	Duration    int        `json:"duration"` // minutes
	Status      CallStatus `json:"status"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// EndsAt returns the scheduled end of the call
func (c *Call) EndsAt() time.Time {
	return c.ScheduledAt.Add(time.Duration(c.Duration) * time.Minute)
}

// Remaining returns how long the call may still run at now. It is zero or
// negative once the scheduled window has passed.
func (c *Call) Remaining(now time.Time) time.Duration {
	return c.EndsAt().Sub(now)
}

// IsParticipant reports whether userID is the call's doctor or patient
func (c *Call) IsParticipant(userID string) bool {
	return userID != "" && (userID == c.DoctorID || userID == c.PatientID)
}

// NewRoomID generates an unguessable room identifier
func NewRoomID() string {
	return constants.RoomIDPrefix + uuid.New().String()
}

// ScheduleCallInput contains the data needed to schedule a call
type ScheduleCallInput struct {
	DoctorID    string    `json:"doctorId" binding:"required"`
	PatientID   string    `json:"patientId" binding:"required"`
	ScheduledAt time.Time `json:"scheduledAt" binding:"required"`
	Duration    int       `json:"duration" binding:"required"`
}

// JoinCallInput identifies a participant asking to join a call
type JoinCallInput struct {
	RoomID string `json:"roomId" binding:"required"`
	UserID string `json:"userId" binding:"required"`
}

// EndCallInput identifies the call to terminate
type EndCallInput struct {
	RoomID string `json:"roomId" binding:"required"`
}

// CallEnded is the payload broadcast to a room when its call terminates
type CallEnded struct {
	RoomID   string    `json:"roomId"`
	EndedAt  time.Time `json:"endedAt"`
	Duration int       `json:"duration"`
	Reason   EndReason `json:"reason"`
}
