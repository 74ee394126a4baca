// Package refslab provides a fixed-capacity object pool that hands out
// shared, weighted reference-counted handles to pooled values.
//
// Each occupied slot carries an atomic weight counter. The handle returned
// by Alloc owns the slot's entire weight budget (2^63). Splitting a handle
// halves the local budget between the two handles and touches no shared
// state, so duplicating a reference is plain arithmetic on the handle
// itself. Releasing a handle subtracts its weight from the slot counter;
// the release that drives the counter to zero destroys the value and
// returns the slot to the free list.
//
// Basic usage:
//
//	pool, err := refslab.New[*Session](1024)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer pool.Close()
//
//	ref, err := pool.Alloc(sess)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer ref.Release()
//
//	other, err := ref.Split() // hand `other` to another goroutine
//
// Advanced usage with options:
//
//	pool, err := refslab.New[*Session](1024,
//		refslab.WithReleaseHook(func(s *Session) { s.close() }),
//		refslab.WithSplitPolicy[*Session](refslab.RejectOnExhaust),
//		refslab.WithLogger[*Session](slog.Default()),
//	)
package refslab

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// maxWeightExp is the exponent of the full weight budget handed to the
	// allocation handle. A handle carrying this exponent is the sole owner
	// of its slot and may release without touching the shared counter.
	maxWeightExp = 63

	// maxWeight is the initial counter value of an occupied slot.
	maxWeight = uint64(1) << maxWeightExp

	// mintWeightExp is the exponent minted onto a slot when a handle with
	// no local budget left is split under MintOnExhaust. The counter has
	// 2^63 of headroom above the nominal budget, so roughly 2^31 minted
	// handles can be live per slot before the counter could wrap.
	mintWeightExp = 32

	mintWeight = uint64(1) << mintWeightExp

	allocRetryBackoff = 10 * time.Microsecond
)

// Predefined errors for better error handling
var (
	ErrPoolExhausted    = errors.New("refslab: pool exhausted")
	ErrWeightExhausted  = errors.New("refslab: handle weight exhausted")
	ErrHandleReleased   = errors.New("refslab: handle already released")
	ErrUseAfterRelease  = errors.New("refslab: use after release")
	ErrInvalidHandle    = errors.New("refslab: invalid handle")
	ErrInvalidCapacity  = errors.New("refslab: capacity must be positive")
	ErrCapacityExceeded = errors.New("refslab: capacity must not exceed MaxInt32")
	ErrEmptyBatch       = errors.New("refslab: batch must not be empty")
	ErrAllocTimeout     = errors.New("refslab: allocation timeout exceeded")
)

// Pool is a preallocated, fixed-size slab of slots. Capacity is chosen at
// construction and never grows; a slot returns to the free list only when
// the weight of every handle referencing it has been released. The Pool
// must outlive every handle it issues.
//
// All methods are safe for concurrent use.
type Pool[T any] struct {
	slots []slot[T]
	free  *freeStack

	conf   config[T]
	logger *slog.Logger

	counters poolCounters

	shutdownOnce sync.Once
	shutdownChan chan struct{}
	usageTicker  *time.Ticker
}

// slot is a single storage cell. weight == 0 means empty; an occupied
// slot's counter equals the sum of the weights of all live handles
// referencing it, modulo in-flight subtractions.
type slot[T any] struct {
	weight atomic.Uint64
	value  T
}

// New creates a pool with the given fixed capacity.
func New[T any](capacity int, opts ...Option[T]) (*Pool[T], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if capacity > math.MaxInt32 {
		return nil, ErrCapacityExceeded
	}

	conf := defaultConfig[T]()
	for _, opt := range opts {
		opt(&conf)
	}

	p := &Pool[T]{
		slots:        make([]slot[T], capacity),
		free:         newFreeStack(),
		conf:         conf,
		logger:       conf.logger,
		shutdownChan: make(chan struct{}),
	}

	// Prefill in reverse so the first allocation claims slot 0.
	for i := capacity - 1; i >= 0; i-- {
		p.free.push(uint32(i))
	}

	if conf.usageInterval > 0 {
		p.startUsageLogging()
	}

	return p, nil
}

// Alloc stores value in a free slot and returns the sole-owner handle
// carrying the slot's entire weight budget. It never blocks and never
// evicts; when every slot is live-referenced it fails with
// ErrPoolExhausted.
func (p *Pool[T]) Alloc(value T) (*Ref[T], error) {
	idx, ok := p.free.pop()
	if !ok {
		p.counters.allocFailures.Add(1)
		return nil, ErrPoolExhausted
	}

	s := &p.slots[idx]
	if !s.weight.CompareAndSwap(0, maxWeight) {
		// The free list handed out an index whose slot still carries
		// weight. The refcounting invariant is gone; continuing would
		// corrupt user data.
		panic(fmt.Sprintf("refslab: slot %d claimed with nonzero weight %d", idx, s.weight.Load()))
	}
	s.value = value

	p.counters.allocs.Add(1)
	return p.newRef(idx, maxWeightExp), nil
}

// MustAlloc allocates or panics. Use only when allocation failure is fatal.
func (p *Pool[T]) MustAlloc(value T) *Ref[T] {
	ref, err := p.Alloc(value)
	if err != nil {
		panic(fmt.Sprintf("refslab: critical allocation failure: %v", err))
	}
	return ref
}

// AllocBatch allocates one slot per value. On failure every handle
// allocated so far is released again, so a batch either fully succeeds
// or leaves the pool untouched.
func (p *Pool[T]) AllocBatch(values []T) ([]*Ref[T], error) {
	if len(values) == 0 {
		return nil, ErrEmptyBatch
	}

	refs := make([]*Ref[T], 0, len(values))
	for _, v := range values {
		ref, err := p.Alloc(v)
		if err != nil {
			for _, r := range refs {
				_ = r.Release()
			}
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// AllocWithTimeout retries Alloc until it succeeds or the timeout expires.
// Alloc itself never waits; this is a convenience loop for callers that
// expect other goroutines to release slots shortly.
func (p *Pool[T]) AllocWithTimeout(value T, timeout time.Duration) (*Ref[T], error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ref, err := p.Alloc(value)
		if !errors.Is(err, ErrPoolExhausted) {
			return ref, err
		}
		time.Sleep(allocRetryBackoff)
	}
	return nil, ErrAllocTimeout
}

// ReleaseAll releases every handle in refs. It keeps going after
// individual failures and reports the first error with a count.
func (p *Pool[T]) ReleaseAll(refs []*Ref[T]) error {
	var firstErr error
	failed := 0
	for _, ref := range refs {
		if err := ref.Release(); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return fmt.Errorf("refslab: %d of %d releases failed: %w", failed, len(refs), firstErr)
	}
	return nil
}

// Cap returns the fixed capacity of the pool.
func (p *Pool[T]) Cap() int {
	return len(p.slots)
}

// Free returns the number of slots currently unoccupied.
func (p *Pool[T]) Free() int {
	return len(p.slots) - p.live()
}

// Reset forcibly empties every slot and rebuilds the free list, running
// the release hook for each occupied slot. The caller must guarantee that
// no handle issued before Reset is used afterwards - use with caution.
func (p *Pool[T]) Reset() {
	var zero T
	for i := range p.slots {
		s := &p.slots[i]
		if s.weight.Load() != 0 && p.conf.releaseHook != nil {
			p.conf.releaseHook(s.value)
		}
		s.value = zero
		s.weight.Store(0)
	}

	p.free.clear()
	for i := len(p.slots) - 1; i >= 0; i-- {
		p.free.push(uint32(i))
	}
}

// Close stops the background usage logger, if any. Handles already issued
// remain valid; Close does not release slots.
func (p *Pool[T]) Close() error {
	p.shutdownOnce.Do(func() {
		close(p.shutdownChan)
		if p.usageTicker != nil {
			p.usageTicker.Stop()
		}
	})
	return nil
}

// freeSlot destroys the slot's value and returns the index to the free
// list. Runs exactly once per Occupied lifetime: either from the sole
// owner's release or from the release that drove the counter to zero.
// The slot only becomes allocatable again once pushed, so destruction
// never races a re-claim.
func (p *Pool[T]) freeSlot(idx uint32) {
	s := &p.slots[idx]
	if p.conf.releaseHook != nil {
		p.conf.releaseHook(s.value)
	}
	var zero T
	s.value = zero
	s.weight.Store(0)
	p.free.push(idx)
}

func (p *Pool[T]) newRef(idx uint32, exp uint8) *Ref[T] {
	ref := &Ref[T]{pool: p, index: idx, exp: exp}
	if p.conf.enableFinalizers {
		runtime.SetFinalizer(ref, (*Ref[T]).finalize)
	}
	return ref
}
