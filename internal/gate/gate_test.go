package gate

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAcquireAndRelease(t *testing.T) {
	g := New(1)
	ctx := context.Background()

	slot, err := g.Acquire(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if g.InUse() != 1 {
		t.Fatalf("in use = %d, want 1", g.InUse())
	}

	if _, err := g.Acquire(ctx, 20*time.Millisecond); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("second acquire: got %v, want ErrTimedOut", err)
	}

	slot.Release()
	if g.InUse() != 0 {
		t.Fatalf("in use = %d after release, want 0", g.InUse())
	}

	slot2, err := g.Acquire(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	slot2.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	g := New(1)
	slot, err := g.Acquire(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	slot.Release()
	slot.Release()
	if g.InUse() != 0 {
		t.Fatalf("double release corrupted count: in use = %d", g.InUse())
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	g := New(1)
	held, err := g.Acquire(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, err := g.Acquire(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestWaiterWakesOnRelease(t *testing.T) {
	g := New(1)
	slot, err := g.Acquire(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan *Slot, 1)
	go func() {
		s, err := g.Acquire(context.Background(), 5*time.Second)
		if err != nil {
			t.Errorf("waiter acquire: %v", err)
			return
		}
		acquired <- s
	}()

	time.Sleep(20 * time.Millisecond)
	slot.Release()

	select {
	case s := <-acquired:
		s.Release()
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestCapacityAboveOne(t *testing.T) {
	g := New(2)
	ctx := context.Background()

	a, err := g.Acquire(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	b, err := g.Acquire(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if _, err := g.Acquire(ctx, 20*time.Millisecond); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("third acquire: got %v, want ErrTimedOut", err)
	}
	if g.Capacity() != 2 || g.InUse() != 2 {
		t.Fatalf("capacity=%d in use=%d, want 2/2", g.Capacity(), g.InUse())
	}
	a.Release()
	b.Release()
}

func TestNewClampsCapacity(t *testing.T) {
	if g := New(0); g.Capacity() != 1 {
		t.Fatalf("capacity = %d, want 1", g.Capacity())
	}
}
