package handler

import (
	"net/http/httptest"
	"testing"
	"time"

	"duochat/internal/conversation"
	"duochat/internal/presence"
)

func newOriginTestHandler(origins ...string) *WSHandler {
	return NewWSHandler(WSDeps{AllowedOrigins: origins})
}

func TestCheckOriginSchemeAndHostValidation(t *testing.T) {
	h := newOriginTestHandler("https://chat.example.com")

	allowedReq := httptest.NewRequest("GET", "http://localhost/ws", nil)
	allowedReq.Header.Set("Origin", "https://chat.example.com")
	if !h.checkOrigin(allowedReq) {
		t.Fatalf("expected matching https origin to be allowed")
	}

	disallowedReq := httptest.NewRequest("GET", "http://localhost/ws", nil)
	disallowedReq.Header.Set("Origin", "http://chat.example.com")
	if h.checkOrigin(disallowedReq) {
		t.Fatalf("expected http origin to be rejected when https origin is configured")
	}

	missingReq := httptest.NewRequest("GET", "http://localhost/ws", nil)
	if h.checkOrigin(missingReq) {
		t.Fatalf("expected request without Origin to be rejected")
	}
}

func TestCheckOriginRequiresExactMatch(t *testing.T) {
	h := newOriginTestHandler("https://chat.example.com")

	wrongHostReq := httptest.NewRequest("GET", "http://localhost/ws", nil)
	wrongHostReq.Header.Set("Origin", "https://sub.example.com")
	if h.checkOrigin(wrongHostReq) {
		t.Fatalf("expected non-configured host to be rejected")
	}

	bareHostReq := httptest.NewRequest("GET", "http://localhost/ws", nil)
	bareHostReq.Header.Set("Origin", "chat.example.com")
	if h.checkOrigin(bareHostReq) {
		t.Fatalf("expected non-origin bare host value to be rejected")
	}
}

func TestCheckOriginAllowsLoopbackDevelopmentOrigin(t *testing.T) {
	h := newOriginTestHandler("http://localhost:5173")

	req := httptest.NewRequest("GET", "http://localhost/ws", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	if !h.checkOrigin(req) {
		t.Fatalf("expected configured loopback origin to be allowed")
	}
}

func TestPeekEvent(t *testing.T) {
	c := &WSClient{}

	name, data, err := c.peekEvent([]byte(`{"event":"typing","data":{"receiverId":"u2","isTyping":true}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "typing" {
		t.Fatalf("expected typing event, got %q", name)
	}
	if string(data) != `{"receiverId":"u2","isTyping":true}` {
		t.Fatalf("unexpected data %s", data)
	}

	if _, _, err := c.peekEvent([]byte(`{"data":{}}`)); err == nil {
		t.Fatalf("expected missing event name to fail")
	}
	if _, _, err := c.peekEvent([]byte(`not json`)); err == nil {
		t.Fatalf("expected malformed frame to fail")
	}
}

func TestClientSendAfterShutdownIsDropped(t *testing.T) {
	c := &WSClient{ConnID: "c1", send: make(chan []byte, 1)}

	if !c.Send([]byte("a")) {
		t.Fatalf("expected first frame to be queued")
	}
	if c.Send([]byte("b")) {
		t.Fatalf("expected frame to be dropped when buffer is full")
	}

	c.shutdown()
	c.shutdown()
	if c.Send([]byte("c")) {
		t.Fatalf("expected send after shutdown to be dropped")
	}
}

func TestNewConnectionStartsWithoutSelection(t *testing.T) {
	h := NewWSHandler(WSDeps{Presence: presence.NewRegistry(), Tracker: conversation.NewTracker()})
	tab1 := &WSClient{ConnID: "tab1", UserID: "alice", send: make(chan []byte, 8)}
	tab2 := &WSClient{ConnID: "tab2", UserID: "alice", send: make(chan []byte, 8)}

	h.bind(tab1)
	h.tracker.Select("alice", "bob")
	if !h.ownsBinding(tab1) {
		t.Fatalf("expected first tab to own the binding")
	}

	h.bind(tab2)
	if h.tracker.IsViewing("alice", "bob") {
		t.Fatalf("expected new connection not to inherit the previous selection")
	}
	if h.ownsBinding(tab1) || !h.ownsBinding(tab2) {
		t.Fatalf("expected second tab to own the binding")
	}

	if h.presence.Unbind("alice", tab1) {
		t.Fatalf("expected stale unbind to be refused")
	}
	if h.tracker.IsViewing("alice", "bob") {
		t.Fatalf("expected no selection after stale unbind")
	}
}

func TestAllowFrameBudgetResetsEachSecond(t *testing.T) {
	start := time.Now()
	c := &WSClient{lastReset: start}

	for i := 0; i < maxMessagesPerSec; i++ {
		if !c.allowFrame(start) {
			t.Fatalf("expected frame %d to be allowed", i+1)
		}
	}
	if c.allowFrame(start) {
		t.Fatalf("expected frame over the budget to be refused")
	}
	if !c.allowFrame(start.Add(1100 * time.Millisecond)) {
		t.Fatalf("expected budget to reset after a second")
	}
}
