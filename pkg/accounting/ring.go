// Package accounting provides the low-level primitives every resource policy
// builds on: atomic counters and a fixed-size ring-indexed moving average.
// It has no clock source of its own; the policies take their timing from the
// time package directly. None of it is policy-specific; both the rate
// policy and the device-time policy rotate a 5-slot window over per-tick
// consumption the same way, so the rotation logic lives here once.
package accounting

import "sync/atomic"

// WindowSize is the moving-average window width used by both the
// command-rate policy (over consumed tokens) and the device-time policy
// (over consumed microseconds). It mirrors the original kernel module's
// fixed 5-slot window (old_commands[5], old_time[5]).
const WindowSize = 5

// RingAverage is a fixed-size ring buffer that keeps a running sum of its
// slots. Rotate replaces the oldest slot with a new sample and returns the
// value it displaced, so callers can fold the displacement into their own
// derived state (e.g. delay-hint deltas) without re-scanning the window.
//
// Not safe for concurrent use; callers serialize access (the rate policy's
// refill timer and the device-time policy's consume path each own their
// slice of VMs single-threaded, per spec §5's ordering guarantees).
type RingAverage struct {
	slots [WindowSize]int64
	index int
	sum   int64
}

// NewRingAverage returns a RingAverage with every slot seeded to fill.
func NewRingAverage(fill int64) *RingAverage {
	r := &RingAverage{}
	for i := range r.slots {
		r.slots[i] = fill
		r.sum += fill
	}
	return r
}

// Rotate advances the ring by one slot, replacing the displaced value with
// sample, and returns (displaced, newSum).
func (r *RingAverage) Rotate(sample int64) (displaced, newSum int64) {
	displaced = r.slots[r.index]
	r.sum += sample - displaced
	r.slots[r.index] = sample
	r.index = (r.index + 1) % WindowSize
	return displaced, r.sum
}

// Sum returns the current window sum without rotating.
func (r *RingAverage) Sum() int64 { return r.sum }

// AtomicCounter wraps an int64 manipulated only through atomic ops, used for
// per-VM balances and accumulators that are read from one goroutine (a
// refill timer or a check loop) while written from another (a worker-report
// consumer). The zero value is ready to use.
type AtomicCounter struct {
	v int64
}

func (c *AtomicCounter) Load() int64        { return atomic.LoadInt64(&c.v) }
func (c *AtomicCounter) Store(n int64)      { atomic.StoreInt64(&c.v, n) }
func (c *AtomicCounter) Add(delta int64) int64 {
	return atomic.AddInt64(&c.v, delta)
}
func (c *AtomicCounter) Swap(n int64) int64 { return atomic.SwapInt64(&c.v, n) }

// LoadAndZero atomically reads the counter and resets it to zero, returning
// the pre-reset value. Used by the rate policy's refill tick to drain
// sample_count into the moving-average window without losing concurrent
// consume() additions (the original's atomic_xchg(&simple_count[i], 0)).
func (c *AtomicCounter) LoadAndZero() int64 { return atomic.SwapInt64(&c.v, 0) }
