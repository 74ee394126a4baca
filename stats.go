package refslab

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sugawarayuuta/sonnet"
	"github.com/willf/bitset"
)

// poolCounters are the cumulative counters updated on the allocation and
// release paths. Split is untracked; a split must not perform any
// shared-memory write, a counter included.
type poolCounters struct {
	allocs        atomic.Uint64
	releases      atomic.Uint64
	mints         atomic.Uint64
	allocFailures atomic.Uint64
}

// PoolStats is a point-in-time snapshot of pool usage.
type PoolStats struct {
	Capacity      int     `json:"capacity"`
	Live          int     `json:"live"`
	Free          int     `json:"free"`
	TotalAllocs   uint64  `json:"total_allocs"`
	TotalReleases uint64  `json:"total_releases"`
	TotalMints    uint64  `json:"total_mints"`
	AllocFailures uint64  `json:"alloc_failures"`
	Utilization   float64 `json:"utilization"`
}

// JSON encodes the snapshot for log shipping or debug endpoints.
func (s *PoolStats) JSON() ([]byte, error) {
	return sonnet.Marshal(s)
}

// Stats returns a snapshot of pool usage. Live and Free are derived from
// the slot counters and may lag in-flight operations.
func (p *Pool[T]) Stats() *PoolStats {
	live := p.live()
	return &PoolStats{
		Capacity:      len(p.slots),
		Live:          live,
		Free:          len(p.slots) - live,
		TotalAllocs:   p.counters.allocs.Load(),
		TotalReleases: p.counters.releases.Load(),
		TotalMints:    p.counters.mints.Load(),
		AllocFailures: p.counters.allocFailures.Load(),
		Utilization:   float64(live) / float64(len(p.slots)),
	}
}

// Occupancy returns a bitmap with one set bit per occupied slot. The
// bitmap is a snapshot for monitoring and debugging, not a
// synchronization primitive.
func (p *Pool[T]) Occupancy() *bitset.BitSet {
	b := bitset.New(uint(len(p.slots)))
	for i := range p.slots {
		if p.slots[i].weight.Load() != 0 {
			b.Set(uint(i))
		}
	}
	return b
}

func (p *Pool[T]) live() int {
	return int(p.Occupancy().Count())
}

func (p *Pool[T]) startUsageLogging() {
	logger := p.logger
	if logger == nil {
		logger = slog.Default()
	}
	p.usageTicker = time.NewTicker(p.conf.usageInterval)
	go func() {
		for {
			select {
			case <-p.usageTicker.C:
				st := p.Stats()
				logger.Info("refslab: pool usage",
					slog.Int("live", st.Live),
					slog.Int("free", st.Free),
					slog.Float64("utilization", st.Utilization),
					slog.Uint64("mints", st.TotalMints),
					slog.Uint64("alloc_failures", st.AllocFailures))
			case <-p.shutdownChan:
				return
			}
		}
	}()
}
