package refslab

import (
	"log/slog"
	"time"
)

// SplitPolicy selects the behavior of Ref.Split once a handle's local
// weight budget is exhausted (exponent 1).
type SplitPolicy int32

const (
	// MintOnExhaust atomically adds a fresh weight quantum onto the slot
	// counter and hands it to the new handle. Splits never fail.
	MintOnExhaust SplitPolicy = iota

	// RejectOnExhaust makes Split return ErrWeightExhausted, leaving the
	// caller to fall back to its own sharing strategy.
	RejectOnExhaust
)

type config[T any] struct {
	splitPolicy      SplitPolicy
	releaseHook      func(T)
	enableFinalizers bool
	usageInterval    time.Duration
	logger           *slog.Logger
}

// Option configures a Pool.
type Option[T any] func(*config[T])

func defaultConfig[T any]() config[T] {
	return config[T]{
		splitPolicy: MintOnExhaust,
	}
}

// WithSplitPolicy sets the weight-exhaustion policy for Ref.Split.
func WithSplitPolicy[T any](policy SplitPolicy) Option[T] {
	return func(c *config[T]) {
		c.splitPolicy = policy
	}
}

// WithReleaseHook registers a destructor run exactly once per stored
// value, at the moment its slot is freed.
func WithReleaseHook[T any](hook func(T)) Option[T] {
	return func(c *config[T]) {
		c.releaseHook = hook
	}
}

// WithFinalizers enables garbage collection finalizers that log handles
// reclaimed without a Release call.
func WithFinalizers[T any]() Option[T] {
	return func(c *config[T]) {
		c.enableFinalizers = true
	}
}

// WithLogger sets a structured logger for operational events using the
// standard slog package.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(c *config[T]) {
		c.logger = logger
	}
}

// WithUsageLogging starts a background goroutine that logs pool
// utilization at the given interval until Close is called.
func WithUsageLogging[T any](interval time.Duration) Option[T] {
	return func(c *config[T]) {
		c.usageInterval = interval
	}
}
