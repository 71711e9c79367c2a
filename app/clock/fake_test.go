package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowOnlyMovesOnAdvance(t *testing.T) {
	c := NewFake(epoch)
	if !c.Now().Equal(epoch) {
		t.Errorf("Expected %s, got %s", epoch, c.Now())
	}

	c.Advance(90 * time.Second)
	if want := epoch.Add(90 * time.Second); !c.Now().Equal(want) {
		t.Errorf("Expected %s, got %s", want, c.Now())
	}
}

func TestFakeAfterFiresAtDeadline(t *testing.T) {
	c := NewFake(epoch)
	ch := c.After(time.Minute)

	c.Advance(59 * time.Second)
	select {
	case <-ch:
		t.Fatal("Expected timer not to fire before its deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(epoch.Add(time.Minute)) {
			t.Errorf("Expected fire time %s, got %s", epoch.Add(time.Minute), got)
		}
	default:
		t.Fatal("Expected timer to fire at its deadline")
	}
}

func TestFakeAfterFuncAndStop(t *testing.T) {
	c := NewFake(epoch)
	fired := make(chan string, 2)

	c.AfterFunc(time.Second, func() { fired <- "kept" })
	stopped := c.AfterFunc(time.Second, func() { fired <- "stopped" })

	if c.Pending() != 2 {
		t.Fatalf("Expected 2 pending timers, got %d", c.Pending())
	}
	if !stopped.Stop() {
		t.Error("Expected Stop to report a pending timer")
	}
	if stopped.Stop() {
		t.Error("Expected second Stop to return false")
	}

	c.Advance(time.Second)

	select {
	case got := <-fired:
		if got != "kept" {
			t.Errorf("Expected 'kept', got '%s'", got)
		}
	case <-time.After(time.Second):
		t.Fatal("AfterFunc callback never ran")
	}

	select {
	case got := <-fired:
		t.Errorf("Expected stopped timer to stay silent, got '%s'", got)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestFakeBlockUntil(t *testing.T) {
	c := NewFake(epoch)
	done := make(chan struct{})

	go func() {
		<-c.After(time.Hour)
		close(done)
	}()

	c.BlockUntil(1)
	c.Advance(time.Hour)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected waiter to be released")
	}
	if c.Pending() != 0 {
		t.Errorf("Expected no pending timers, got %d", c.Pending())
	}
}
