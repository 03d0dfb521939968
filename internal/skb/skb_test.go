package skb

import (
	"testing"
	"time"
)

func TestPutGrowsTail(t *testing.T) {
	b := New(16, 4, 32)
	region := b.Put(10)
	if len(region) != 10 {
		t.Fatalf("Put(10) returned %d bytes", len(region))
	}
	if b.Len() != 10 {
		t.Errorf("Len() = %d, want 10", b.Len())
	}
}

func TestPushGrowsHead(t *testing.T) {
	b := New(16, 4, 32)
	b.Put(10)
	hdr := b.Push(8)
	if len(hdr) != 8 {
		t.Fatalf("Push(8) returned %d bytes", len(hdr))
	}
	if b.Len() != 18 {
		t.Errorf("Len() after push = %d, want 18", b.Len())
	}
	if b.HeadRoom() != 8 {
		t.Errorf("HeadRoom() = %d, want 8", b.HeadRoom())
	}
}

func TestPutExceedsCapacityPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on over-capacity Put")
		}
	}()
	b := New(0, 0, 4)
	b.Put(100)
}

func TestReserveSetsTstamp(t *testing.T) {
	b := New(8, 8, 8)
	now := time.Unix(1000, 0)
	b.Reserve(now)
	if !b.Tstamp.Equal(now) {
		t.Errorf("Tstamp = %v, want %v", b.Tstamp, now)
	}
}

func TestResetClearsFlags(t *testing.T) {
	b := New(8, 8, 8)
	b.Put(4)
	b.ZeroPadded = true
	b.HasFragmentOpt = true
	b.Reset()
	if b.Len() != 0 {
		t.Errorf("Len() after Reset = %d, want 0", b.Len())
	}
	if b.ZeroPadded || b.HasFragmentOpt {
		t.Error("Reset should clear ZeroPadded and HasFragmentOpt")
	}
}
