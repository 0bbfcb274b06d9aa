package realtime

import (
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(userID string) *client {
	return &client{
		userID: userID,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

func TestHub_RegisterUnregisterBookkeeping(t *testing.T) {
	h := NewHub(testLogger())

	a := newTestClient("u1")
	b := newTestClient("u1")
	h.register(a)
	h.register(b)
	if got := h.ConnectedUsers(); got != 1 {
		t.Fatalf("two sessions for one user should count once, got %d", got)
	}

	h.unregister(a)
	if got := h.ConnectedUsers(); got != 1 {
		t.Fatalf("user still has a live session, got %d connected users", got)
	}
	h.unregister(b)
	if got := h.ConnectedUsers(); got != 0 {
		t.Fatalf("all sessions closed, got %d connected users", got)
	}
}

func TestHub_UnregisterLeavesSendUsable(t *testing.T) {
	h := NewHub(testLogger())
	c := newTestClient("u1")
	h.register(c)
	h.unregister(c)

	// A sender that snapshotted this session before the unregister may still
	// deliver into the buffer. That must never panic.
	select {
	case c.send <- []byte(`{}`):
	default:
		t.Fatal("send buffer should still accept a frame after unregister")
	}

	select {
	case <-c.done:
	default:
		t.Fatal("unregister should signal the write pump to shut down")
	}

	// Repeated unregister of the same session is a no-op.
	h.unregister(c)
}

func TestHub_SendToUserNoSessions(t *testing.T) {
	h := NewHub(testLogger())
	err := h.sendToUser("nobody", Message{Type: TypeUnreadCount, Payload: map[string]int{"count": 0}})
	if err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
