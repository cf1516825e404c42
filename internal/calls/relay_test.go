package calls

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"duochat/internal/apperr"
	"duochat/internal/models"
)

type received struct {
	event  string
	signal models.CallSignal
}

type fakePresence struct {
	mu     sync.Mutex
	online map[string]bool
	inbox  map[string][]received
}

func newFakePresence(online ...string) *fakePresence {
	p := &fakePresence{online: map[string]bool{}, inbox: map[string][]received{}}
	for _, id := range online {
		p.online[id] = true
	}
	return p
}

func (p *fakePresence) Send(userID string, msg []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.online[userID] {
		return false
	}
	var ev models.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		return false
	}
	var sig models.CallSignal
	_ = json.Unmarshal(ev.Data, &sig)
	p.inbox[userID] = append(p.inbox[userID], received{event: ev.Event, signal: sig})
	return true
}

func (p *fakePresence) events(userID string) []received {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]received(nil), p.inbox[userID]...)
}

func TestInitiateToOfflineCalleeRejectsCaller(t *testing.T) {
	p := newFakePresence("alice")
	r := NewRelay(p, time.Minute)

	require.NoError(t, r.Initiate("alice", models.CallRequest{To: "bob", RoomID: "room-1"}))

	got := p.events("alice")
	require.Len(t, got, 1)
	require.Equal(t, models.EventCallRejected, got[0].event)
	require.Equal(t, "bob", got[0].signal.From)
	require.Equal(t, "room-1", got[0].signal.RoomID)
	require.Equal(t, models.CallReasonOffline, got[0].signal.Reason)
	require.False(t, r.Ringing("room-1", "alice"))
}

func TestHandshakeRelaysToNamedPeer(t *testing.T) {
	p := newFakePresence("alice", "bob", "carol")
	r := NewRelay(p, time.Minute)

	require.NoError(t, r.Initiate("alice", models.CallRequest{To: "bob", RoomID: "room-1", IsVideoCall: true}))
	bob := p.events("bob")
	require.Len(t, bob, 1)
	require.Equal(t, models.EventIncomingCall, bob[0].event)
	require.Equal(t, "alice", bob[0].signal.From)
	require.True(t, bob[0].signal.IsVideoCall)
	require.True(t, r.Ringing("room-1", "alice"))

	require.NoError(t, r.Accept("bob", models.CallRequest{To: "alice", RoomID: "room-1"}))
	require.False(t, r.Ringing("room-1", "alice"))

	require.NoError(t, r.Joined("bob", models.CallRequest{To: "alice", RoomID: "room-1"}))
	require.NoError(t, r.Left("alice", models.CallRequest{To: "bob", RoomID: "room-1"}))

	alice := p.events("alice")
	require.Equal(t, []string{models.EventCallAccepted, models.EventOtherUserJoined}, eventNames(alice))
	bob = p.events("bob")
	require.Equal(t, []string{models.EventIncomingCall, models.EventOtherUserLeft}, eventNames(bob))
	require.Empty(t, p.events("carol"))
}

func TestRejectCarriesReason(t *testing.T) {
	p := newFakePresence("alice", "bob")
	r := NewRelay(p, time.Minute)

	require.NoError(t, r.Initiate("alice", models.CallRequest{To: "bob", RoomID: "room-1"}))
	require.NoError(t, r.Reject("bob", models.CallRequest{To: "alice", RoomID: "room-1"}))

	alice := p.events("alice")
	require.Len(t, alice, 1)
	require.Equal(t, models.EventCallRejected, alice[0].event)
	require.Equal(t, models.CallReasonRejected, alice[0].signal.Reason)
	require.False(t, r.Ringing("room-1", "alice"))
}

func TestUnansweredCallTimesOut(t *testing.T) {
	p := newFakePresence("alice", "bob")
	r := NewRelay(p, 20*time.Millisecond)

	require.NoError(t, r.Initiate("alice", models.CallRequest{To: "bob", RoomID: "room-1"}))

	require.Eventually(t, func() bool { return len(p.events("alice")) == 1 }, time.Second, 5*time.Millisecond)
	alice := p.events("alice")
	require.Equal(t, models.EventCallRejected, alice[0].event)
	require.Equal(t, models.CallReasonTimeout, alice[0].signal.Reason)

	require.Eventually(t, func() bool { return len(p.events("bob")) == 2 }, time.Second, 5*time.Millisecond)
	bob := p.events("bob")
	require.Equal(t, models.EventCallCancelled, bob[1].event)
	require.False(t, r.Ringing("room-1", "alice"))
}

func TestAnsweredCallDoesNotTimeOut(t *testing.T) {
	p := newFakePresence("alice", "bob")
	r := NewRelay(p, 20*time.Millisecond)

	require.NoError(t, r.Initiate("alice", models.CallRequest{To: "bob", RoomID: "room-1"}))
	require.NoError(t, r.Accept("bob", models.CallRequest{To: "alice", RoomID: "room-1"}))

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, []string{models.EventCallAccepted}, eventNames(p.events("alice")))
}

func TestDropEndsRingForCounterpart(t *testing.T) {
	p := newFakePresence("alice", "bob")
	r := NewRelay(p, time.Minute)

	require.NoError(t, r.Initiate("alice", models.CallRequest{To: "bob", RoomID: "room-1"}))
	r.Drop("alice")

	bob := p.events("bob")
	require.Equal(t, []string{models.EventIncomingCall, models.EventCallCancelled}, eventNames(bob))
	require.Equal(t, models.CallReasonHangup, bob[1].signal.Reason)

	require.NoError(t, r.Initiate("alice", models.CallRequest{To: "bob", RoomID: "room-2"}))
	r.Drop("bob")
	alice := p.events("alice")
	require.Equal(t, models.EventCallRejected, alice[len(alice)-1].event)
	require.Equal(t, models.CallReasonOffline, alice[len(alice)-1].signal.Reason)
}

func TestSharedRoomIDKeepsRingsApart(t *testing.T) {
	p := newFakePresence("alice", "bob", "carol", "dave")
	r := NewRelay(p, 100*time.Millisecond)

	require.NoError(t, r.Initiate("alice", models.CallRequest{To: "bob", RoomID: "room-1"}))
	require.NoError(t, r.Initiate("carol", models.CallRequest{To: "dave", RoomID: "room-1"}))
	require.True(t, r.Ringing("room-1", "alice"))
	require.True(t, r.Ringing("room-1", "carol"))

	require.NoError(t, r.Accept("dave", models.CallRequest{To: "carol", RoomID: "room-1"}))
	require.True(t, r.Ringing("room-1", "alice"))
	require.False(t, r.Ringing("room-1", "carol"))

	require.Eventually(t, func() bool { return len(p.events("alice")) == 1 }, time.Second, 5*time.Millisecond)
	alice := p.events("alice")
	require.Equal(t, models.EventCallRejected, alice[0].event)
	require.Equal(t, models.CallReasonTimeout, alice[0].signal.Reason)
	require.Equal(t, []string{models.EventCallAccepted}, eventNames(p.events("carol")))
}

func TestReRingingRoomCancelsEarlierCallee(t *testing.T) {
	p := newFakePresence("alice", "bob", "carol")
	r := NewRelay(p, time.Minute)

	require.NoError(t, r.Initiate("alice", models.CallRequest{To: "bob", RoomID: "room-1"}))
	require.NoError(t, r.Initiate("alice", models.CallRequest{To: "carol", RoomID: "room-1"}))

	bob := p.events("bob")
	require.Equal(t, []string{models.EventIncomingCall, models.EventCallCancelled}, eventNames(bob))
	require.Equal(t, models.CallReasonHangup, bob[1].signal.Reason)
	require.Equal(t, []string{models.EventIncomingCall}, eventNames(p.events("carol")))
	require.True(t, r.Ringing("room-1", "alice"))
}

func TestValidation(t *testing.T) {
	r := NewRelay(newFakePresence(), time.Minute)

	err := r.Initiate("alice", models.CallRequest{To: "", RoomID: "x"})
	require.True(t, apperr.Is(err, apperr.CodeValidation))

	err = r.Accept("alice", models.CallRequest{To: "alice", RoomID: "x"})
	require.True(t, apperr.Is(err, apperr.CodeValidation))
}

func eventNames(rs []received) []string {
	names := make([]string, 0, len(rs))
	for _, r := range rs {
		names = append(names, r.event)
	}
	return names
}
