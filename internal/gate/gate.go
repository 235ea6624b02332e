package gate

import (
	"context"
	"errors"
	"time"
)

// ErrTimedOut reports that no slot freed up within the caller's wait budget.
var ErrTimedOut = errors.New("gate: acquire timed out")

// Slot is one unit of permitted concurrent backend execution. It must be
// released exactly once; Release on an already-released slot is a no-op.
type Slot struct {
	g        *Gate
	released bool
}

// Release returns the slot to the gate.
func (s *Slot) Release() {
	if s == nil || s.released {
		return
	}
	s.released = true
	<-s.g.slots
}

// Gate is a counting semaphore over the shared GPU. Capacity is the number of
// jobs the backend can hold in memory at once; slots are not persisted, a
// restart starts from zero held.
type Gate struct {
	slots chan struct{}
}

func New(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is free, the timeout elapses, or ctx is
// cancelled. The wait parks on the semaphore channel; there is no polling.
func (g *Gate) Acquire(ctx context.Context, timeout time.Duration) (*Slot, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case g.slots <- struct{}{}:
		return &Slot{g: g}, nil
	case <-timer.C:
		return nil, ErrTimedOut
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InUse returns how many slots are currently held. Observability only.
func (g *Gate) InUse() int {
	return len(g.slots)
}

// Capacity returns the configured slot count.
func (g *Gate) Capacity() int {
	return cap(g.slots)
}
