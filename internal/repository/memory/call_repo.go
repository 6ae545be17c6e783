// Package memory provides an in-process call store used when the database is
// unreachable and in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"teleconsult-backend/internal/domain"
)

// CallRepository keeps call records in a map guarded by a mutex. Records are
// copied in and out so callers never share state with the store.
type CallRepository struct {
	mu    sync.RWMutex
	calls map[string]*domain.Call
}

// NewCallRepository creates an empty repository
func NewCallRepository() *CallRepository {
	return &CallRepository{calls: make(map[string]*domain.Call)}
}

// Create inserts a new call record
func (r *CallRepository) Create(_ context.Context, call *domain.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[call.RoomID]; exists {
		return domain.ErrCallExists
	}
	r.calls[call.RoomID] = clone(call)
	return nil
}

// GetByRoomID retrieves a call by its room identifier
func (r *CallRepository) GetByRoomID(_ context.Context, roomID string) (*domain.Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	call, ok := r.calls[roomID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	return clone(call), nil
}

// MarkOngoing moves a scheduled call to ongoing; false when it was not scheduled
func (r *CallRepository) MarkOngoing(_ context.Context, roomID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[roomID]
	if !ok || call.Status != domain.CallStatusScheduled {
		return false, nil
	}
	call.Status = domain.CallStatusOngoing
	call.UpdatedAt = at
	return true, nil
}

// Complete marks the call completed unless it already is
func (r *CallRepository) Complete(_ context.Context, roomID string, endedAt time.Time) (*domain.Call, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[roomID]
	if !ok {
		return nil, false, domain.ErrCallNotFound
	}
	if call.Status == domain.CallStatusCompleted {
		return clone(call), false, nil
	}
	ended := endedAt
	call.Status = domain.CallStatusCompleted
	call.EndedAt = &ended
	call.UpdatedAt = endedAt
	return clone(call), true, nil
}

// GetUpcoming lists a user's scheduled or ongoing calls at or after from
func (r *CallRepository) GetUpcoming(_ context.Context, userID string, from time.Time) ([]*domain.Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	calls := []*domain.Call{}
	for _, call := range r.calls {
		if call.DoctorID != userID && call.PatientID != userID {
			continue
		}
		if call.Status == domain.CallStatusCompleted || call.ScheduledAt.Before(from) {
			continue
		}
		calls = append(calls, clone(call))
	}

	sort.Slice(calls, func(i, j int) bool {
		return calls[i].ScheduledAt.Before(calls[j].ScheduledAt)
	})
	return calls, nil
}

func clone(call *domain.Call) *domain.Call {
	c := *call
	if call.EndedAt != nil {
		ended := *call.EndedAt
		c.EndedAt = &ended
	}
	return &c
}
