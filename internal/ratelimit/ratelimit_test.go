package ratelimit

import "testing"

func TestCheckAdmitsWithinBurst(t *testing.T) {
	c := New(1000, 1500)
	if err := c.Check(1400); err != nil {
		t.Errorf("Check(1400) with burst 1500 = %v, want nil", err)
	}
}

func TestCheckRejectsOverBurst(t *testing.T) {
	c := New(100, 100)
	if err := c.Check(1000); err == nil {
		t.Error("Check(1000) with burst 100 should be rejected")
	}
}
