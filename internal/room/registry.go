// Package room tracks which live connections belong to which room.
package room

import (
	"sync"

	"teleconsult-backend/pkg/metrics"
)

// Peer is a live connection that can receive frames
type Peer interface {
	// ID identifies the connection in logs
	ID() string
	// Send queues a frame without blocking; false means it was dropped
	Send(frame []byte) bool
}

// Registry maps room identifiers to their member connections. A room exists
// while it has at least one member.
type Registry struct {
	mu        sync.RWMutex
	rooms     map[string]map[Peer]struct{}
	peerRooms map[Peer]map[string]struct{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		rooms:     make(map[string]map[Peer]struct{}),
		peerRooms: make(map[Peer]map[string]struct{}),
	}
}

// Join adds p to roomID. It reports false when p was already a member.
func (r *Registry) Join(roomID string, p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[Peer]struct{})
		r.rooms[roomID] = members
		metrics.SignalingRoomsActive.Inc()
	}
	if _, exists := members[p]; exists {
		return false
	}
	members[p] = struct{}{}

	joined, ok := r.peerRooms[p]
	if !ok {
		joined = make(map[string]struct{})
		r.peerRooms[p] = joined
	}
	joined[roomID] = struct{}{}
	return true
}

// Leave removes p from roomID and reports whether it was a member
func (r *Registry) Leave(roomID string, p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(roomID, p)
}

func (r *Registry) leaveLocked(roomID string, p Peer) bool {
	members, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, exists := members[p]; !exists {
		return false
	}
	delete(members, p)
	if len(members) == 0 {
		delete(r.rooms, roomID)
		metrics.SignalingRoomsActive.Dec()
	}

	if joined, ok := r.peerRooms[p]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(r.peerRooms, p)
		}
	}
	return true
}

// LeaveAll removes p from every room and returns the rooms it left
func (r *Registry) LeaveAll(p Peer) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := r.peerRooms[p]
	left := make([]string, 0, len(joined))
	for roomID := range joined {
		left = append(left, roomID)
	}
	for _, roomID := range left {
		r.leaveLocked(roomID, p)
	}
	return left
}

// Members returns a snapshot of roomID's connections
func (r *Registry) Members(roomID string) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	out := make([]Peer, 0, len(members))
	for p := range members {
		out = append(out, p)
	}
	return out
}

// IsMember reports whether p belongs to roomID
func (r *Registry) IsMember(roomID string, p Peer) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID][p]
	return ok
}

// Size returns the member count of roomID
func (r *Registry) Size(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// RoomCount returns the number of non-empty rooms
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Broadcast sends frame to every member of roomID except the given peer
// (nil excludes nobody). Sends happen outside the lock. It returns the
// number of members the frame was queued for.
func (r *Registry) Broadcast(roomID string, frame []byte, except Peer) int {
	delivered := 0
	for _, p := range r.Members(roomID) {
		if except != nil && p == except {
			continue
		}
		if p.Send(frame) {
			delivered++
		}
	}
	return delivered
}
