package refslab

import (
	"log/slog"
	"runtime"
	"sync/atomic"
)

// Ref is a handle denoting fractional ownership of one occupied slot.
// It identifies the slot by index and carries a local weight exponent in
// [1, 63]; the handle's weight contribution is 2^exp. A handle with
// exponent 63 is the original allocation handle and the sole owner of
// its slot.
//
// A Ref may be read and released from any goroutine, but a single Ref
// must not be split from two goroutines concurrently: Split mutates the
// handle's own exponent and nothing else. Splitting distinct handles of
// the same slot concurrently is safe.
type Ref[T any] struct {
	pool  *Pool[T]
	index uint32
	exp   uint8
	state uint32 // 0=live, 1=released
}

// Split halves this handle's remaining weight budget and returns a new
// handle for the same slot carrying the other half. While the exponent
// is above 1 this is pure local arithmetic with no shared-memory
// traffic.
//
// At exponent 1 the local budget is spent and the pool's split policy
// applies: MintOnExhaust adds a fresh 2^32 onto the slot counter and
// returns a handle carrying it; RejectOnExhaust fails with
// ErrWeightExhausted and leaves the handle usable.
func (r *Ref[T]) Split() (*Ref[T], error) {
	if r == nil || r.pool == nil {
		return nil, ErrInvalidHandle
	}
	if atomic.LoadUint32(&r.state) != 0 {
		return nil, ErrHandleReleased
	}

	if r.exp > 1 {
		r.exp--
		return r.pool.newRef(r.index, r.exp), nil
	}

	if r.pool.conf.splitPolicy == RejectOnExhaust {
		return nil, ErrWeightExhausted
	}
	r.pool.slots[r.index].weight.Add(mintWeight)
	r.pool.counters.mints.Add(1)
	return r.pool.newRef(r.index, mintWeightExp), nil
}

// Release gives this handle's weight back to the slot. The sole owner
// frees the slot directly without consulting the counter; any other
// handle subtracts its weight atomically, and the handle whose
// subtraction reaches zero destroys the value and frees the slot.
// Exactly one releaser observes the zero crossing, by fetch-subtract
// semantics. Releasing the same handle twice fails with
// ErrHandleReleased.
func (r *Ref[T]) Release() error {
	if r == nil || r.pool == nil {
		return ErrInvalidHandle
	}
	if !atomic.CompareAndSwapUint32(&r.state, 0, 1) {
		return ErrHandleReleased
	}

	p := r.pool
	if p.conf.enableFinalizers {
		runtime.SetFinalizer(r, nil)
	}

	if r.exp == maxWeightExp {
		// Sole owner: no other handle can exist, skip the counter.
		p.freeSlot(r.index)
	} else {
		w := uint64(1) << r.exp
		if rem := p.slots[r.index].weight.Add(^(w - 1)); rem == 0 {
			p.freeSlot(r.index)
		}
	}

	p.counters.releases.Add(1)
	return nil
}

// Value returns the pooled value. A live handle implies nonzero slot
// weight, so the slot cannot have been freed; calling Value on a
// released handle is a bug in the caller and panics.
func (r *Ref[T]) Value() T {
	if r == nil || r.pool == nil || atomic.LoadUint32(&r.state) != 0 {
		panic(ErrUseAfterRelease)
	}
	return r.pool.slots[r.index].value
}

// IsValid reports whether the handle has not been released yet.
func (r *Ref[T]) IsValid() bool {
	return r != nil && r.pool != nil && atomic.LoadUint32(&r.state) == 0
}

// Index returns the slot index this handle refers to (useful for
// debugging).
func (r *Ref[T]) Index() uint32 {
	return r.index
}

// Weight returns the weight contribution currently held by this handle.
func (r *Ref[T]) Weight() uint64 {
	return uint64(1) << r.exp
}

func (r *Ref[T]) finalize() {
	if atomic.LoadUint32(&r.state) == 0 {
		if r.pool != nil && r.pool.logger != nil {
			r.pool.logger.Error("refslab: handle reclaimed by GC without release",
				slog.Int("slot", int(r.index)),
				slog.Int("weight_exp", int(r.exp)))
		}
	}
}
