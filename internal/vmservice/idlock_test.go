package vmservice

import (
	"testing"
	"time"
)

func TestIdLocksSerializesSameId(t *testing.T) {
	l := newIdLocks()
	unlock := l.lock("vm-1")

	done := make(chan struct{})
	go func() {
		unlock2 := l.lock("vm-1")
		unlock2()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second lock on same id acquired before first was released")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	<-done
}

func TestIdLocksAllowsDifferentIds(t *testing.T) {
	l := newIdLocks()
	unlockA := l.lock("vm-a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := l.lock("vm-b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different id was blocked")
	}
}

func TestIdLocksForgetDropsEntry(t *testing.T) {
	l := newIdLocks()
	m1 := l.get("vm-1")
	l.forget("vm-1")
	m2 := l.get("vm-1")
	if m1 == m2 {
		t.Fatal("expected forget to drop the old lock entry")
	}
}
