package notify

import (
	"testing"
	"time"
)

func TestSendReadRoundTrip(t *testing.T) {
	n := New()
	if !n.Send() {
		t.Fatal("Send() = false, want true")
	}
	done := make(chan struct{})
	go func() {
		n.Read()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Read() did not return after Send()")
	}
}

func TestSendCoalesces(t *testing.T) {
	n := New()
	n.Send()
	n.Send()
	n.Send()
	if !n.TryRead() {
		t.Fatal("expected a pending wakeup")
	}
	if n.TryRead() {
		t.Fatal("expected coalesced wakeups to drain in a single read")
	}
}

func TestTryReadEmpty(t *testing.T) {
	n := New()
	if n.TryRead() {
		t.Fatal("TryRead() on empty channel should return false")
	}
}
