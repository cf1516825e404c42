// Package calls relays call signaling between two online users. No media
// passes through here; the relay only forwards the handshake and enforces a
// ring timeout on calls nobody answers.
package calls

import (
	"log/slog"
	"sync"
	"time"

	"duochat/internal/apperr"
	"duochat/internal/models"
)

// Presence delivers frames to a user's live connection.
type Presence interface {
	Send(userID string, msg []byte) bool
}

type ring struct {
	roomID  string
	caller  string
	callee  string
	isVideo bool
	timer   *time.Timer
}

// ringKey identifies a ring. Room ids are chosen by callers, so two callers
// may pick the same one.
type ringKey struct {
	roomID string
	caller string
}

func (rg *ring) key() ringKey { return ringKey{roomID: rg.roomID, caller: rg.caller} }

type Relay struct {
	presence    Presence
	ringTimeout time.Duration

	mu    sync.Mutex
	rings map[ringKey]*ring
}

func NewRelay(presence Presence, ringTimeout time.Duration) *Relay {
	return &Relay{
		presence:    presence,
		ringTimeout: ringTimeout,
		rings:       make(map[ringKey]*ring),
	}
}

func validate(from string, req models.CallRequest) error {
	if req.To == "" || req.RoomID == "" {
		return apperr.Validation("to and roomId are required")
	}
	if req.To == from {
		return apperr.Validation("cannot call yourself")
	}
	return nil
}

// Initiate rings req.To. An offline callee is answered at once with
// callRejected{reason: offline} to the caller.
func (r *Relay) Initiate(caller string, req models.CallRequest) error {
	if err := validate(caller, req); err != nil {
		return err
	}

	delivered := r.send(req.To, models.EventIncomingCall, models.CallSignal{
		From:        caller,
		RoomID:      req.RoomID,
		IsVideoCall: req.IsVideoCall,
	})
	if !delivered {
		r.send(caller, models.EventCallRejected, models.CallSignal{
			From:   req.To,
			RoomID: req.RoomID,
			Reason: models.CallReasonOffline,
		})
		return nil
	}

	rg := &ring{roomID: req.RoomID, caller: caller, callee: req.To, isVideo: req.IsVideoCall}
	r.mu.Lock()
	prev := r.rings[rg.key()]
	if prev != nil {
		prev.timer.Stop()
	}
	rg.timer = time.AfterFunc(r.ringTimeout, func() { r.expire(rg) })
	r.rings[rg.key()] = rg
	r.mu.Unlock()

	// Re-ringing the same room for someone else ends the earlier ring.
	if prev != nil && prev.callee != rg.callee {
		r.send(prev.callee, models.EventCallCancelled, models.CallSignal{
			From:   caller,
			RoomID: prev.roomID,
			Reason: models.CallReasonHangup,
		})
	}

	slog.Debug("Call ringing", "room_id", req.RoomID, "caller", caller, "callee", req.To, "video", req.IsVideoCall)
	return nil
}

func (r *Relay) Accept(from string, req models.CallRequest) error {
	if err := validate(from, req); err != nil {
		return err
	}
	r.stopRing(req.RoomID, from, req.To)
	r.send(req.To, models.EventCallAccepted, models.CallSignal{From: from, RoomID: req.RoomID})
	return nil
}

func (r *Relay) Reject(from string, req models.CallRequest) error {
	if err := validate(from, req); err != nil {
		return err
	}
	r.stopRing(req.RoomID, from, req.To)
	r.send(req.To, models.EventCallRejected, models.CallSignal{
		From:   from,
		RoomID: req.RoomID,
		Reason: models.CallReasonRejected,
	})
	return nil
}

func (r *Relay) Joined(from string, req models.CallRequest) error {
	if err := validate(from, req); err != nil {
		return err
	}
	r.send(req.To, models.EventOtherUserJoined, models.CallSignal{From: from, RoomID: req.RoomID})
	return nil
}

func (r *Relay) Left(from string, req models.CallRequest) error {
	if err := validate(from, req); err != nil {
		return err
	}
	r.stopRing(req.RoomID, from, req.To)
	r.send(req.To, models.EventOtherUserLeft, models.CallSignal{From: from, RoomID: req.RoomID})
	return nil
}

// Drop ends every ring userID takes part in, telling the other side why.
func (r *Relay) Drop(userID string) {
	r.mu.Lock()
	var dropped []*ring
	for key, rg := range r.rings {
		if rg.caller == userID || rg.callee == userID {
			rg.timer.Stop()
			delete(r.rings, key)
			dropped = append(dropped, rg)
		}
	}
	r.mu.Unlock()

	for _, rg := range dropped {
		if rg.caller == userID {
			r.send(rg.callee, models.EventCallCancelled, models.CallSignal{
				From:   rg.caller,
				RoomID: rg.roomID,
				Reason: models.CallReasonHangup,
			})
			continue
		}
		r.send(rg.caller, models.EventCallRejected, models.CallSignal{
			From:   rg.callee,
			RoomID: rg.roomID,
			Reason: models.CallReasonOffline,
		})
	}
}

// Ringing reports whether caller's call in roomID is still waiting for an answer.
func (r *Relay) Ringing(roomID, caller string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rings[ringKey{roomID: roomID, caller: caller}]
	return ok
}

func (r *Relay) stopRing(roomID, a, b string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Either side may be the caller.
	for _, key := range []ringKey{{roomID: roomID, caller: a}, {roomID: roomID, caller: b}} {
		rg, ok := r.rings[key]
		if !ok {
			continue
		}
		if (rg.caller == a && rg.callee == b) || (rg.caller == b && rg.callee == a) {
			rg.timer.Stop()
			delete(r.rings, key)
		}
	}
}

func (r *Relay) expire(rg *ring) {
	r.mu.Lock()
	if r.rings[rg.key()] != rg {
		r.mu.Unlock()
		return
	}
	delete(r.rings, rg.key())
	r.mu.Unlock()

	slog.Debug("Call ring timed out", "room_id", rg.roomID, "caller", rg.caller, "callee", rg.callee)
	r.send(rg.caller, models.EventCallRejected, models.CallSignal{
		From:   rg.callee,
		RoomID: rg.roomID,
		Reason: models.CallReasonTimeout,
	})
	r.send(rg.callee, models.EventCallCancelled, models.CallSignal{
		From:   rg.caller,
		RoomID: rg.roomID,
		Reason: models.CallReasonTimeout,
	})
}

func (r *Relay) send(userID, event string, signal models.CallSignal) bool {
	frame, err := models.EncodeEvent(event, signal)
	if err != nil {
		slog.Warn("Failed to marshal call signal", "event", event, "room_id", signal.RoomID, "error", err)
		return false
	}
	return r.presence.Send(userID, frame)
}
