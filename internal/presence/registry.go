// Package presence tracks which users currently hold a live realtime connection.
//
// A user id maps to at most one connection; the most recent bind wins. Every
// change to the mapping is followed by a full online-list snapshot sent to all
// bound connections, so clients can replace their view without merging deltas.
package presence

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// EventOnlineUsers is the realtime event carrying the online snapshot.
const EventOnlineUsers = "getOnlineUsers"

// Conn is a live realtime connection. Send must never block; it reports
// whether the frame was queued.
type Conn interface {
	ID() string
	Send(msg []byte) bool
}

type binding struct {
	conn        Conn
	connectedAt time.Time
}

type Registry struct {
	mu       sync.Mutex
	bindings map[string]binding
}

func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]binding)}
}

// Bind records conn as userID's connection, replacing any earlier one, and
// broadcasts the online list.
func (r *Registry) Bind(userID string, conn Conn) {
	if userID == "" || conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.bindings[userID]; ok && prev.conn.ID() != conn.ID() {
		slog.Debug("Presence binding replaced", "user_id", userID, "old_conn_id", prev.conn.ID(), "conn_id", conn.ID())
	}
	r.bindings[userID] = binding{conn: conn, connectedAt: time.Now()}
	r.broadcastLocked()
}

// Unbind removes userID's binding only if it still belongs to conn. A stale
// connection that was superseded by a newer bind leaves the mapping untouched.
func (r *Registry) Unbind(userID string, conn Conn) bool {
	if userID == "" || conn == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.bindings[userID]
	if !ok || current.conn.ID() != conn.ID() {
		return false
	}
	delete(r.bindings, userID)
	slog.Debug("Presence binding removed", "user_id", userID, "conn_id", conn.ID(), "connected_for", time.Since(current.connectedAt))
	r.broadcastLocked()
	return true
}

func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[userID]
	if !ok {
		return nil, false
	}
	return b.conn, true
}

func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Send delivers msg to userID's connection. An offline user is not an error;
// the frame is dropped and false is returned.
func (r *Registry) Send(userID string, msg []byte) bool {
	conn, ok := r.Lookup(userID)
	if !ok {
		return false
	}
	return conn.Send(msg)
}

// Online returns the sorted ids of every bound user.
func (r *Registry) Online() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineLocked()
}

func (r *Registry) onlineLocked() []string {
	ids := make([]string, 0, len(r.bindings))
	for id := range r.bindings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// broadcastLocked sends the snapshot while r.mu is held so that the list each
// connection sees equals the mapping at that instant. Conn.Send never blocks.
func (r *Registry) broadcastLocked() {
	frame, err := json.Marshal(struct {
		Event string   `json:"event"`
		Data  []string `json:"data"`
	}{Event: EventOnlineUsers, Data: r.onlineLocked()})
	if err != nil {
		slog.Error("Failed to marshal online users", "error", err)
		return
	}
	for _, b := range r.bindings {
		b.conn.Send(frame)
	}
}
