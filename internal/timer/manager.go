// Package timer keeps at most one cancellable expiry timer per call room.
package timer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"teleconsult-backend/pkg/logger"
	"teleconsult-backend/pkg/metrics"
)

type entry struct {
	timer *clock.Timer
	due   time.Time
}

// Manager maps room identifiers to armed one-shot timers.
//
// An entry that fires removes itself before running its action, and an entry
// that was cancelled never runs its action, even when its underlying timer
// had already expired and was waiting on the lock.
type Manager struct {
	clock   clock.Clock
	mu      sync.Mutex
	entries map[string]*entry
	stopped bool
}

// NewManager creates a manager driven by clk. Pass clock.New() in production
// and clock.NewMock() in tests.
func NewManager(clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		clock:   clk,
		entries: make(map[string]*entry),
	}
}

// Arm schedules action to run once after delay, unless roomID already has an
// entry. It reports whether a new timer was armed.
func (m *Manager) Arm(roomID string, delay time.Duration, action func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return false
	}
	if _, exists := m.entries[roomID]; exists {
		return false
	}

	e := &entry{due: m.clock.Now().Add(delay)}
	e.timer = m.clock.AfterFunc(delay, func() { m.fire(roomID, e, action) })
	m.entries[roomID] = e
	metrics.CallTimersArmed.Inc()

	logger.Debug("Call timer armed",
		zap.String("room_id", roomID),
		zap.Duration("delay", delay))
	return true
}

func (m *Manager) fire(roomID string, e *entry, action func()) {
	m.mu.Lock()
	current, ok := m.entries[roomID]
	if !ok || current != e {
		// cancelled (or replaced) while this callback was pending
		m.mu.Unlock()
		return
	}
	delete(m.entries, roomID)
	metrics.CallTimersArmed.Dec()
	m.mu.Unlock()

	logger.Debug("Call timer fired", zap.String("room_id", roomID))
	action()
}

// Cancel disarms the room's timer. It is a no-op returning false when none is armed.
func (m *Manager) Cancel(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[roomID]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(m.entries, roomID)
	metrics.CallTimersArmed.Dec()

	logger.Debug("Call timer cancelled", zap.String("room_id", roomID))
	return true
}

// Armed reports whether roomID has a live entry
func (m *Manager) Armed(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[roomID]
	return ok
}

// Deadline returns when the room's timer is due to fire
func (m *Manager) Deadline(roomID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[roomID]
	if !ok {
		return time.Time{}, false
	}
	return e.due, true
}

// Len returns the number of armed entries
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Stop disarms every entry and refuses further Arm calls. Timers are not
// persisted: a call still ongoing at shutdown is not auto-terminated after
// a restart.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for roomID, e := range m.entries {
		e.timer.Stop()
		delete(m.entries, roomID)
		metrics.CallTimersArmed.Dec()
	}
	m.stopped = true
}
