// Package conversation keeps the server-side view of which peer each user is
// currently looking at. The router consults it to mark messages seen on delivery.
package conversation

import "sync"

type Tracker struct {
	mu      sync.RWMutex
	viewing map[string]string
}

func NewTracker() *Tracker {
	return &Tracker{viewing: make(map[string]string)}
}

// Select records that viewer has peer's conversation open. An empty peer clears it.
func (t *Tracker) Select(viewer, peer string) {
	if viewer == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if peer == "" {
		delete(t.viewing, viewer)
		return
	}
	t.viewing[viewer] = peer
}

func (t *Tracker) Viewing(viewer string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peer, ok := t.viewing[viewer]
	return peer, ok
}

func (t *Tracker) IsViewing(viewer, peer string) bool {
	if viewer == "" || peer == "" {
		return false
	}
	current, ok := t.Viewing(viewer)
	return ok && current == peer
}

// Clear forgets viewer's selection, e.g. when their connection goes away.
func (t *Tracker) Clear(viewer string) {
	t.Select(viewer, "")
}
