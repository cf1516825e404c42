package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"duochat/internal/apperr"
	"duochat/internal/conversation"
	"duochat/internal/db"
	"duochat/internal/models"
	"duochat/internal/presence"
)

// memStore is an in-memory Store. failOn makes the named operation fail once
// for the given user.
type memStore struct {
	mu       sync.Mutex
	users    map[string]*models.User
	sets     map[string]map[string]bool
	messages []*models.Message
	nextID   int
	failOn   map[string]string
	writes   int
}

func newMemStore(userIDs ...string) *memStore {
	s := &memStore{
		users:  map[string]*models.User{},
		sets:   map[string]map[string]bool{},
		failOn: map[string]string{},
	}
	for _, id := range userIDs {
		s.users[id] = &models.User{ID: id, FullName: "User " + id}
	}
	return s
}

func setKey(userID string, set models.RelationSet) string {
	return userID + "/" + string(set)
}

func (s *memStore) fail(op, userID string) error {
	if s.failOn[op] == userID {
		delete(s.failOn, op)
		return errors.New("store offline")
	}
	return nil
}

func (s *memStore) GetUserByID(_ context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) AddToSet(_ context.Context, userID string, set models.RelationSet, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("AddToSet", userID); err != nil {
		return err
	}
	k := setKey(userID, set)
	if s.sets[k] == nil {
		s.sets[k] = map[string]bool{}
	}
	s.sets[k][value] = true
	s.writes++
	return nil
}

func (s *memStore) RemoveFromSet(_ context.Context, userID string, set models.RelationSet, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("RemoveFromSet", userID); err != nil {
		return err
	}
	delete(s.sets[setKey(userID, set)], value)
	s.writes++
	return nil
}

func (s *memStore) IsInSet(_ context.Context, userID string, set models.RelationSet, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets[setKey(userID, set)][value], nil
}

func (s *memStore) members(userID string, set models.RelationSet) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id := range s.sets[setKey(userID, set)] {
		out = append(out, id)
	}
	return out
}

func (s *memStore) InsertMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("InsertMessage", msg.SenderID); err != nil {
		return err
	}
	s.nextID++
	msg.ID = fmt.Sprintf("m%d", s.nextID)
	cp := *msg
	s.messages = append(s.messages, &cp)
	s.writes++
	return nil
}

func (s *memStore) GetMessageByID(_ context.Context, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			cp := *m
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *memStore) UpdateManySeen(_ context.Context, senderID, receiverID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.messages {
		if m.SenderID == senderID && m.ReceiverID == receiverID && !m.Seen {
			m.Seen = true
			n++
		}
	}
	if n > 0 {
		s.writes++
	}
	return n, nil
}

func (s *memStore) DeleteMessageByID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			s.writes++
			return nil
		}
	}
	return db.ErrNotFound
}

func (s *memStore) FindMessagesForPair(_ context.Context, a, b string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, 0)
	for _, m := range s.messages {
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *memStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// recConn records domain events, ignoring presence snapshots.
type recConn struct {
	id string

	mu     sync.Mutex
	events []models.Event
}

func (c *recConn) ID() string { return c.id }

func (c *recConn) Send(msg []byte) bool {
	var ev models.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		return false
	}
	if ev.Event == presence.EventOnlineUsers {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return true
}

func (c *recConn) named(name string) []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Event
	for _, ev := range c.events {
		if ev.Event == name {
			out = append(out, ev)
		}
	}
	return out
}

func (c *recConn) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

type fixture struct {
	store    *memStore
	registry *presence.Registry
	tracker  *conversation.Tracker
	router   *Router
	conns    map[string]*recConn
}

func newFixture(users ...string) *fixture {
	f := &fixture{
		store:    newMemStore(users...),
		registry: presence.NewRegistry(),
		tracker:  conversation.NewTracker(),
		conns:    map[string]*recConn{},
	}
	f.router = New(f.store, f.registry, f.tracker)
	return f
}

func (f *fixture) connect(userID string) *recConn {
	c := &recConn{id: "conn-" + userID}
	f.conns[userID] = c
	f.registry.Bind(userID, c)
	return c
}

func decode[T any](t *testing.T, ev models.Event) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(ev.Data, &out))
	return out
}

func TestSendMessageDeliversOnlyToReceiver(t *testing.T) {
	ctx := context.Background()
	f := newFixture("alice", "bob", "carol")
	alice := f.connect("alice")
	bob := f.connect("bob")
	carol := f.connect("carol")

	msg, err := f.router.SendMessage(ctx, "alice", "bob", " hi ", "")
	require.NoError(t, err)
	require.Equal(t, "hi", msg.Text)

	got := bob.named(models.EventNewMessage)
	require.Len(t, got, 1)
	delivered := decode[models.Message](t, got[0])
	require.Equal(t, msg.ID, delivered.ID)
	require.Equal(t, "alice", delivered.SenderID)

	require.Zero(t, alice.total())
	require.Zero(t, carol.total())
}

func TestSendMessageToOfflineReceiverPersistsUnseen(t *testing.T) {
	ctx := context.Background()
	f := newFixture("alice", "bob")
	alice := f.connect("alice")

	_, err := f.router.SendMessage(ctx, "alice", "bob", "hi", "")
	require.NoError(t, err)
	require.Zero(t, alice.total())

	bob := f.connect("bob")
	require.Zero(t, bob.total())

	history, err := f.router.Messages(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "hi", history[0].Text)
	require.Empty(t, history[0].Image)
	require.False(t, history[0].Seen)
	require.False(t, history[0].Transferred)
}

func TestMessageToViewerIsSeenOnArrival(t *testing.T) {
	ctx := context.Background()
	f := newFixture("alice", "bob")
	f.connect("alice")
	bob := f.connect("bob")

	_, err := f.router.SendMessage(ctx, "bob", "alice", "earlier", "")
	require.NoError(t, err)

	require.NoError(t, f.router.SelectConversation(ctx, "alice", "bob"))
	require.Len(t, bob.named(models.EventMessagesSeen), 1)

	history, err := f.router.Messages(ctx, "alice", "bob")
	require.NoError(t, err)
	require.True(t, history[0].Seen)

	msg, err := f.router.SendMessage(ctx, "bob", "alice", "new", "")
	require.NoError(t, err)
	require.True(t, msg.Seen)

	stored, err := f.store.GetMessageByID(ctx, msg.ID)
	require.NoError(t, err)
	require.True(t, stored.Seen)

	seen := bob.named(models.EventMessagesSeen)
	require.Len(t, seen, 2)
	require.Equal(t, "alice", decode[models.MessagesSeenPayload](t, seen[1]).ReceiverID)
}

func TestMessageToNonViewerStaysUnseen(t *testing.T) {
	ctx := context.Background()
	f := newFixture("alice", "bob", "carol")
	f.connect("alice")
	bob := f.connect("bob")

	require.NoError(t, f.router.SelectConversation(ctx, "alice", "carol"))
	msg, err := f.router.SendMessage(ctx, "bob", "alice", "hello", "")
	require.NoError(t, err)
	require.False(t, msg.Seen)
	require.Empty(t, bob.named(models.EventMessagesSeen))
}

func TestMarkSeenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture("alice", "bob")
	alice := f.connect("alice")
	f.connect("bob")

	_, err := f.router.SendMessage(ctx, "alice", "bob", "one", "")
	require.NoError(t, err)
	before := f.store.writeCount()

	require.NoError(t, f.router.MarkSeen(ctx, "bob", "alice", "bob"))
	afterFirst := f.store.writeCount()
	require.Equal(t, before+1, afterFirst)

	require.NoError(t, f.router.MarkSeen(ctx, "bob", "alice", "bob"))
	require.Equal(t, afterFirst, f.store.writeCount())

	require.Len(t, alice.named(models.EventMessagesSeen), 2)
}

func TestMarkSeenRequiresReceiver(t *testing.T) {
	f := newFixture("alice", "bob")
	err := f.router.MarkSeen(context.Background(), "mallory", "alice", "bob")
	require.True(t, apperr.Is(err, apperr.CodeForbidden))
}

func TestDeleteMessageByNonParticipantIsForbidden(t *testing.T) {
	ctx := context.Background()
	f := newFixture("alice", "bob", "mallory")
	alice := f.connect("alice")
	bob := f.connect("bob")
	mallory := f.connect("mallory")

	msg, err := f.router.SendMessage(ctx, "alice", "bob", "secret", "")
	require.NoError(t, err)
	beforeWrites := f.store.writeCount()
	beforeAlice, beforeBob := alice.total(), bob.total()

	err = f.router.DeleteMessage(ctx, "mallory", msg.ID)
	require.True(t, apperr.Is(err, apperr.CodeForbidden))

	require.Equal(t, beforeWrites, f.store.writeCount())
	require.Equal(t, beforeAlice, alice.total())
	require.Equal(t, beforeBob, bob.total())
	require.Zero(t, mallory.total())

	_, err = f.store.GetMessageByID(ctx, msg.ID)
	require.NoError(t, err)
}

func TestDeleteMessageByEitherParticipant(t *testing.T) {
	ctx := context.Background()
	f := newFixture("alice", "bob")
	alice := f.connect("alice")
	f.connect("bob")

	msg, err := f.router.SendMessage(ctx, "alice", "bob", "oops", "")
	require.NoError(t, err)

	require.NoError(t, f.router.DeleteMessage(ctx, "bob", msg.ID))
	deleted := alice.named(models.EventMessageDeleted)
	require.Len(t, deleted, 1)
	require.Equal(t, msg.ID, decode[models.MessageDeletedPayload](t, deleted[0]).MessageID)

	err = f.router.DeleteMessage(ctx, "bob", msg.ID)
	require.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestTransferMessageKeepsOriginalSender(t *testing.T) {
	ctx := context.Background()
	f := newFixture("alice", "bob", "carol")
	f.connect("alice")
	f.connect("bob")
	carol := f.connect("carol")

	original, err := f.router.SendMessage(ctx, "alice", "bob", "pass it on", "/media/cat.png")
	require.NoError(t, err)

	copied, err := f.router.TransferMessage(ctx, "bob", original.ID, "carol")
	require.NoError(t, err)
	require.NotEqual(t, original.ID, copied.ID)
	require.Equal(t, "bob", copied.SenderID)
	require.Equal(t, "carol", copied.ReceiverID)
	require.Equal(t, original.Text, copied.Text)
	require.Equal(t, original.Image, copied.Image)
	require.True(t, copied.Transferred)
	require.Equal(t, "alice", copied.TransferredFrom)
	require.NotEqual(t, copied.SenderID, copied.TransferredFrom)

	require.Len(t, carol.named(models.EventNewMessage), 1)

	_, err = f.router.TransferMessage(ctx, "carol", original.ID, "alice")
	require.True(t, apperr.Is(err, apperr.CodeForbidden))

	_, err = f.router.TransferMessage(ctx, "bob", "missing", "carol")
	require.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestTypingRelayedWithoutThrottle(t *testing.T) {
	f := newFixture("alice", "bob")
	bob := f.connect("bob")

	for i := 0; i < 5; i++ {
		require.NoError(t, f.router.Typing("alice", "bob", i%2 == 0))
	}
	got := bob.named(models.EventTyping)
	require.Len(t, got, 5)
	require.Equal(t, models.TypingPayload{SenderID: "alice", IsTyping: true}, decode[models.TypingPayload](t, got[0]))

	require.NoError(t, f.router.Typing("alice", "offline-user", true))
}

func TestBlockThenUnblockLeavesSetsEmpty(t *testing.T) {
	ctx := context.Background()
	f := newFixture("alice", "bob")
	alice := f.connect("alice")
	bob := f.connect("bob")

	var (
		wg                   sync.WaitGroup
		blockErr, unblockErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		blockErr = f.router.Block(ctx, "alice", "bob")
		unblockErr = f.router.Unblock(ctx, "alice", "bob")
	}()
	go func() {
		defer wg.Done()
		// May be refused while the block is in place; either outcome is fine.
		_ = f.router.SendFriendRequest(ctx, "bob", "alice")
	}()
	wg.Wait()
	require.NoError(t, blockErr)
	require.NoError(t, unblockErr)

	require.Empty(t, f.store.members("alice", models.SetBlocked))
	require.Empty(t, f.store.members("bob", models.SetBlockedBy))
	require.Empty(t, f.store.members("bob", models.SetBlocked))
	require.Empty(t, f.store.members("alice", models.SetBlockedBy))

	require.Len(t, bob.named(models.EventUserBlockedUpdate), 1)
	require.Len(t, bob.named(models.EventUserUnblockedUpdate), 1)
	require.Len(t, alice.named(models.EventUserBlockedUpdate), 1)

	blocked := decode[models.BlockPayload](t, bob.named(models.EventUserBlockedUpdate)[0])
	require.Equal(t, models.BlockPayload{BlockerID: "alice", BlockedUserID: "bob"}, blocked)
}

func TestBlockHoldsAndRetryCompletesWhenMirrorWriteFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture("alice", "bob")
	bob := f.connect("bob")
	f.store.failOn["AddToSet"] = "bob"

	err := f.router.Block(ctx, "alice", "bob")
	require.True(t, apperr.Is(err, apperr.CodeStoreUnavailable))
	require.Equal(t, []string{"bob"}, f.store.members("alice", models.SetBlocked))
	require.Empty(t, f.store.members("bob", models.SetBlockedBy))
	require.Zero(t, bob.total())

	_, err = f.router.SendMessage(ctx, "bob", "alice", "still there?", "")
	require.True(t, apperr.Is(err, apperr.CodeForbidden))

	require.NoError(t, f.router.Block(ctx, "alice", "bob"))
	require.Equal(t, []string{"bob"}, f.store.members("alice", models.SetBlocked))
	require.Equal(t, []string{"alice"}, f.store.members("bob", models.SetBlockedBy))
}

func TestConcurrentDuplicateBlocksKeepSetsMirrored(t *testing.T) {
	ctx := context.Background()
	f := newFixture("alice", "bob")
	f.store.failOn["AddToSet"] = "bob"

	var (
		wg   sync.WaitGroup
		errs [2]error
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.router.Block(ctx, "alice", "bob")
		}(i)
	}
	wg.Wait()

	// Exactly one call hits the injected failure; the other completes the pair.
	require.True(t, (errs[0] == nil) != (errs[1] == nil))
	require.Equal(t, []string{"bob"}, f.store.members("alice", models.SetBlocked))
	require.Equal(t, []string{"alice"}, f.store.members("bob", models.SetBlockedBy))
}

func TestBlockedUsersCannotMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture("alice", "bob")
	bob := f.connect("bob")

	require.NoError(t, f.router.Block(ctx, "bob", "alice"))

	_, err := f.router.SendMessage(ctx, "alice", "bob", "hey", "")
	require.True(t, apperr.Is(err, apperr.CodeForbidden))
	require.Empty(t, bob.named(models.EventNewMessage))

	_, err = f.router.SendMessage(ctx, "bob", "alice", "hey", "")
	require.True(t, apperr.Is(err, apperr.CodeForbidden))

	err = f.router.SendFriendRequest(ctx, "alice", "bob")
	require.True(t, apperr.Is(err, apperr.CodeForbidden))
}

func TestFriendRequestAcceptFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture("alice", "bob")
	alice := f.connect("alice")
	bob := f.connect("bob")

	require.NoError(t, f.router.SendFriendRequest(ctx, "alice", "bob"))
	requests := bob.named(models.EventNewFriendRequest)
	require.Len(t, requests, 1)
	ref := decode[models.UserRefPayload](t, requests[0])
	require.Equal(t, "alice", ref.UserID)
	require.NotNil(t, ref.User)
	require.True(t, ref.User.Online)

	require.Equal(t, []string{"bob"}, f.store.members("alice", models.SetOutgoingRequests))
	require.Equal(t, []string{"alice"}, f.store.members("bob", models.SetIncomingRequests))

	require.NoError(t, f.router.AcceptFriendRequest(ctx, "bob", "alice"))
	require.Len(t, alice.named(models.EventFriendRequestAccepted), 1)

	require.Equal(t, []string{"bob"}, f.store.members("alice", models.SetContacts))
	require.Equal(t, []string{"alice"}, f.store.members("bob", models.SetContacts))
	require.Empty(t, f.store.members("alice", models.SetOutgoingRequests))
	require.Empty(t, f.store.members("bob", models.SetIncomingRequests))

	err := f.router.AcceptFriendRequest(ctx, "bob", "alice")
	require.True(t, apperr.Is(err, apperr.CodeNotFound))

	err = f.router.SendFriendRequest(ctx, "alice", "bob")
	require.True(t, apperr.Is(err, apperr.CodeValidation))
}

func TestFriendRequestRejectAndCrossedRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture("alice", "bob")
	alice := f.connect("alice")

	require.NoError(t, f.router.SendFriendRequest(ctx, "alice", "bob"))
	require.NoError(t, f.router.RejectFriendRequest(ctx, "bob", "alice"))
	require.Len(t, alice.named(models.EventFriendRequestRejected), 1)
	require.Empty(t, f.store.members("alice", models.SetOutgoingRequests))
	require.Empty(t, f.store.members("bob", models.SetIncomingRequests))

	require.NoError(t, f.router.SendFriendRequest(ctx, "bob", "alice"))
	require.NoError(t, f.router.SendFriendRequest(ctx, "alice", "bob"))
	require.Equal(t, []string{"bob"}, f.store.members("alice", models.SetContacts))
	require.Empty(t, f.store.members("alice", models.SetIncomingRequests))
}

func TestAddContactIsMutual(t *testing.T) {
	ctx := context.Background()
	f := newFixture("alice", "bob")
	bob := f.connect("bob")

	require.NoError(t, f.router.AddContact(ctx, "alice", "bob"))
	require.Equal(t, []string{"bob"}, f.store.members("alice", models.SetContacts))
	require.Equal(t, []string{"alice"}, f.store.members("bob", models.SetContacts))
	require.Len(t, bob.named(models.EventContactAdded), 1)

	err := f.router.AddContact(ctx, "alice", "bob")
	require.True(t, apperr.Is(err, apperr.CodeValidation))
	require.Len(t, bob.named(models.EventContactAdded), 1)

	err = f.router.AddContact(ctx, "alice", "alice")
	require.True(t, apperr.Is(err, apperr.CodeValidation))
	err = f.router.AddContact(ctx, "alice", "ghost")
	require.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestStoreFailureSurfacesAsUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture("alice", "bob")
	bob := f.connect("bob")
	f.store.failOn["InsertMessage"] = "alice"

	_, err := f.router.SendMessage(ctx, "alice", "bob", "hi", "")
	require.True(t, apperr.Is(err, apperr.CodeStoreUnavailable))
	require.Equal(t, "Storage temporarily unavailable", apperr.PublicMessage(err))
	require.Zero(t, bob.total())
}

func TestValidationErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture("alice", "bob")

	_, err := f.router.SendMessage(ctx, "alice", "bob", "   ", "")
	require.True(t, apperr.Is(err, apperr.CodeValidation))

	_, err = f.router.SendMessage(ctx, "alice", "ghost", "hi", "")
	require.True(t, apperr.Is(err, apperr.CodeNotFound))

	require.True(t, apperr.Is(f.router.Block(ctx, "alice", "alice"), apperr.CodeValidation))
	require.True(t, apperr.Is(f.router.Typing("alice", "", true), apperr.CodeValidation))
}

func TestSafelyRecoversPanics(t *testing.T) {
	err := Safely("boom", func() error { panic("kaboom") })
	require.True(t, apperr.Is(err, apperr.CodeInternal))

	require.NoError(t, Safely("ok", func() error { return nil }))
}
