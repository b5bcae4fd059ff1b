// Package barrier implements the stop-the-world rendezvous used to hold
// every core of a VM while shared paging state changes.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"github.com/hashicorp/go-multierror"
)

// External is the core id used by raisers that are not cores themselves,
// such as the host thread hot-adding memory.
const External = -1

var ErrNotOwner = errors.New("barrier raised by another core")

// Barrier parks every participating core at its next wait point. Only the
// raiser lowers it; raise and lower are serialized by the barrier mutex.
type Barrier struct {
	mu sync.Mutex

	members *bitset.BitSet
	arrived *bitset.BitSet

	active atomic.Bool
	owner  int

	// allIn is closed once every other member has arrived; release is
	// closed when the raiser lowers.
	allIn     chan struct{}
	signalled bool
	release   chan struct{}

	kick func()
}

// New returns a barrier with cores 0..cores-1 participating.
func New(cores int) *Barrier {
	b := &Barrier{
		members: bitset.New(uint(cores)),
		arrived: bitset.New(uint(cores)),
		owner:   External,
	}
	for i := 0; i < cores; i++ {
		b.members.Set(uint(i))
	}
	return b
}

func (b *Barrier) expected() uint {
	n := b.members.Count()
	if b.owner >= 0 && b.members.Test(uint(b.owner)) {
		n--
	}
	return n
}

func (b *Barrier) signalIfComplete() {
	if !b.signalled && b.arrived.Count() >= b.expected() {
		b.signalled = true
		close(b.allIn)
	}
}

// SetKick installs fn to be called each time the barrier goes up. Members
// that block outside Wait, such as halted cores, use it to come back to
// their wait point.
func (b *Barrier) SetKick(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kick = fn
}

// Raise activates the barrier and blocks until every other participating
// core is parked in Wait. A second raiser queues behind the first; if it is
// a participating core it counts as parked while it queues. If ctx ends
// first the barrier is lowered again and ctx's error returned.
func (b *Barrier) Raise(ctx context.Context, self int) error {
	for {
		b.mu.Lock()
		if !b.active.Load() {
			break
		}
		if self >= 0 && self != b.owner && b.members.Test(uint(self)) {
			b.arrived.Set(uint(self))
			b.signalIfComplete()
		}
		release := b.release
		b.mu.Unlock()

		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.owner = self
	b.arrived.ClearAll()
	b.allIn = make(chan struct{})
	b.signalled = false
	b.release = make(chan struct{})
	b.active.Store(true)
	b.signalIfComplete()
	allIn := b.allIn
	kick := b.kick
	b.mu.Unlock()

	if kick != nil {
		kick()
	}

	select {
	case <-allIn:
		return nil
	case <-ctx.Done():
		if err := b.Lower(self); err != nil {
			return multierror.Append(ctx.Err(), err)
		}
		return ctx.Err()
	}
}

// Lower releases every parked core. Lowering an inactive barrier is a
// no-op; lowering someone else's barrier fails with ErrNotOwner.
func (b *Barrier) Lower(self int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.active.Load() {
		return nil
	}
	if self != b.owner {
		return fmt.Errorf("barrier: core %d lowering barrier of %d: %w", self, b.owner, ErrNotOwner)
	}
	b.active.Store(false)
	b.owner = External
	close(b.release)
	return nil
}

// Active reports whether a barrier is raised.
func (b *Barrier) Active() bool {
	return b.active.Load()
}

// Wait parks self until the barrier is lowered. It returns at once if the
// barrier is down, if self raised it, or if self does not participate.
func (b *Barrier) Wait(ctx context.Context, self int) error {
	b.mu.Lock()
	if !b.active.Load() || self == b.owner || self < 0 || !b.members.Test(uint(self)) {
		b.mu.Unlock()
		return nil
	}
	b.arrived.Set(uint(self))
	b.signalIfComplete()
	release := b.release
	b.mu.Unlock()

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Check is the per-exit poll: it waits only if a barrier is raised and
// reports whether it did.
func (b *Barrier) Check(ctx context.Context, self int) (bool, error) {
	if !b.active.Load() {
		return false, nil
	}
	return true, b.Wait(ctx, self)
}

// Leave removes self from the participants, for cores that have stopped
// and will never reach a wait point again.
func (b *Barrier) Leave(self int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.members.Clear(uint(self))
	b.arrived.Clear(uint(self))
	if b.active.Load() {
		b.signalIfComplete()
	}
}

// Join adds self to the participants.
func (b *Barrier) Join(self int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.members.Set(uint(self))
}

// Members returns the number of participating cores.
func (b *Barrier) Members() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.members.Count())
}
