package refslab

import (
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// liveWeight sums the weight contributions of every live handle.
func liveWeight(refs []*Ref[int]) uint64 {
	var sum uint64
	for _, r := range refs {
		if r.IsValid() {
			sum += r.Weight()
		}
	}
	return sum
}

// splitBalanced grows refs to n handles by always splitting the handle
// with the largest remaining budget, so no handle runs out of weight.
func splitBalanced(t *testing.T, root *Ref[int], n int) []*Ref[int] {
	t.Helper()
	refs := []*Ref[int]{root}
	for len(refs) < n {
		best := refs[0]
		for _, r := range refs[1:] {
			if r.exp > best.exp {
				best = r
			}
		}
		sib, err := best.Split()
		require.NoError(t, err)
		refs = append(refs, sib)
	}
	return refs
}

func TestSplitHalvesWeight(t *testing.T) {
	pool, err := New[int](8)
	require.NoError(t, err)
	defer pool.Close()

	root, err := pool.Alloc(7)
	require.NoError(t, err)
	counter := &pool.slots[root.Index()].weight

	before := counter.Load()
	sib, err := root.Split()
	require.NoError(t, err)

	assert.Equal(t, uint64(1)<<62, root.Weight())
	assert.Equal(t, uint64(1)<<62, sib.Weight())
	assert.Equal(t, root.Index(), sib.Index())
	assert.Equal(t, 7, sib.Value())
	assert.Equal(t, before, counter.Load(), "split must not touch the shared counter")
}

func TestSplitExponentSequence(t *testing.T) {
	pool, err := New[int](8)
	require.NoError(t, err)
	defer pool.Close()

	var destroyed atomic.Int64
	pool.conf.releaseHook = func(int) { destroyed.Add(1) }

	root, err := pool.Alloc(1)
	require.NoError(t, err)
	counter := &pool.slots[root.Index()].weight

	// Five sequential splits of the original handle: 63 -> 58.
	refs := []*Ref[int]{root}
	for i := 0; i < 5; i++ {
		sib, err := root.Split()
		require.NoError(t, err)
		assert.Equal(t, uint8(62-i), root.exp)
		assert.Equal(t, root.exp, sib.exp)
		refs = append(refs, sib)
	}
	assert.Equal(t, uint8(58), root.exp)
	assert.Equal(t, maxWeight, counter.Load())
	assert.Equal(t, maxWeight, liveWeight(refs))

	// Release all six handles in arbitrary order; the slot empties
	// exactly once, at the final release.
	rand.Shuffle(len(refs), func(i, j int) { refs[i], refs[j] = refs[j], refs[i] })
	for i, ref := range refs {
		require.NoError(t, ref.Release())
		if i < len(refs)-1 {
			assert.Equal(t, int64(0), destroyed.Load(), "slot freed before the final release")
			assert.NotZero(t, counter.Load())
		}
	}
	assert.Equal(t, int64(1), destroyed.Load())
	assert.Zero(t, counter.Load())
	assert.Equal(t, 8, pool.Free())
}

func TestWeightConservation(t *testing.T) {
	pool, err := New[int](8)
	require.NoError(t, err)
	defer pool.Close()

	root, err := pool.Alloc(1)
	require.NoError(t, err)
	counter := &pool.slots[root.Index()].weight

	refs := splitBalanced(t, root, 32)
	rng := rand.New(rand.NewSource(1))

	// Interleave random splits and releases; with no in-flight
	// operations the handle weights must always sum to the counter.
	for step := 0; step < 200; step++ {
		live := make([]*Ref[int], 0, len(refs))
		for _, r := range refs {
			if r.IsValid() {
				live = append(live, r)
			}
		}
		if len(live) < 2 {
			break
		}
		pick := live[rng.Intn(len(live))]
		if rng.Float32() < 0.5 && pick.exp > 1 {
			sib, err := pick.Split()
			require.NoError(t, err)
			refs = append(refs, sib)
		} else {
			require.NoError(t, pick.Release())
		}
		assert.Equal(t, counter.Load(), liveWeight(refs))
	}

	for _, r := range refs {
		if r.IsValid() {
			require.NoError(t, r.Release())
		}
	}
	assert.Zero(t, counter.Load())
}

func TestSplitMintOnExhaust(t *testing.T) {
	var destroyed atomic.Int64
	pool, err := New(8, WithReleaseHook(func(int) { destroyed.Add(1) }))
	require.NoError(t, err)
	defer pool.Close()

	root, err := pool.Alloc(1)
	require.NoError(t, err)
	counter := &pool.slots[root.Index()].weight

	// Drain the root's local budget completely.
	refs := []*Ref[int]{root}
	for root.exp > 1 {
		sib, err := root.Split()
		require.NoError(t, err)
		refs = append(refs, sib)
	}
	require.Equal(t, uint8(1), root.exp)
	require.Equal(t, maxWeight, counter.Load())

	// The next split mints a fresh quantum onto the shared counter.
	minted, err := root.Split()
	require.NoError(t, err)
	refs = append(refs, minted)

	assert.Equal(t, uint8(mintWeightExp), minted.exp)
	assert.Equal(t, uint8(1), root.exp, "minting must not consume the old handle's weight")
	assert.Equal(t, maxWeight+mintWeight, counter.Load())
	assert.Equal(t, counter.Load(), liveWeight(refs))
	assert.Equal(t, uint64(1), pool.Stats().TotalMints)

	rand.Shuffle(len(refs), func(i, j int) { refs[i], refs[j] = refs[j], refs[i] })
	for _, ref := range refs {
		require.NoError(t, ref.Release())
	}
	assert.Equal(t, int64(1), destroyed.Load())
	assert.Zero(t, counter.Load())
}

func TestSplitRejectOnExhaust(t *testing.T) {
	pool, err := New(8, WithSplitPolicy[int](RejectOnExhaust))
	require.NoError(t, err)
	defer pool.Close()

	root, err := pool.Alloc(9)
	require.NoError(t, err)

	refs := []*Ref[int]{root}
	for root.exp > 1 {
		sib, err := root.Split()
		require.NoError(t, err)
		refs = append(refs, sib)
	}

	_, err = root.Split()
	assert.ErrorIs(t, err, ErrWeightExhausted)

	// The rejected handle stays fully usable.
	assert.True(t, root.IsValid())
	assert.Equal(t, 9, root.Value())

	for _, ref := range refs {
		require.NoError(t, ref.Release())
	}
	assert.Equal(t, 8, pool.Free())
}

func TestDoubleRelease(t *testing.T) {
	pool, err := New[int](8)
	require.NoError(t, err)
	defer pool.Close()

	ref, err := pool.Alloc(1)
	require.NoError(t, err)

	require.NoError(t, ref.Release())
	assert.ErrorIs(t, ref.Release(), ErrHandleReleased)

	// The double release must not have freed the slot twice.
	assert.Equal(t, 8, pool.Free())
}

func TestUseAfterRelease(t *testing.T) {
	pool, err := New[int](8)
	require.NoError(t, err)
	defer pool.Close()

	ref, err := pool.Alloc(1)
	require.NoError(t, err)
	require.NoError(t, ref.Release())

	assert.PanicsWithValue(t, ErrUseAfterRelease, func() {
		_ = ref.Value()
	})

	_, err = ref.Split()
	assert.ErrorIs(t, err, ErrHandleReleased)
}

func TestNilHandle(t *testing.T) {
	var ref *Ref[int]

	assert.ErrorIs(t, ref.Release(), ErrInvalidHandle)

	_, err := ref.Split()
	assert.ErrorIs(t, err, ErrInvalidHandle)

	assert.False(t, ref.IsValid())
}
