package metrics

import "sync/atomic"

// AtomicSubSaturating atomically subtracts delta from *addr, saturating at 0.
// Load-then-store would race; the CAS loop does not.
func AtomicSubSaturating(addr *int64, delta int64) int64 {
	for {
		current := atomic.LoadInt64(addr)
		newVal := current - delta
		if newVal < 0 {
			newVal = 0
		}
		if atomic.CompareAndSwapInt64(addr, current, newVal) {
			return newVal
		}
	}
}

// Gauge is an atomic non-negative level, such as submissions in flight.
type Gauge struct {
	value int64
}

// Inc raises the gauge by 1.
func (g *Gauge) Inc() int64 { return atomic.AddInt64(&g.value, 1) }

// Dec lowers the gauge by 1, never below zero.
func (g *Gauge) Dec() int64 { return AtomicSubSaturating(&g.value, 1) }

// Load returns the current value.
func (g *Gauge) Load() int64 { return atomic.LoadInt64(&g.value) }

// Reset sets the gauge to 0.
func (g *Gauge) Reset() { atomic.StoreInt64(&g.value, 0) }

// UCounter is an unsigned atomic counter.
type UCounter struct {
	value uint64
}

// Inc increments by 1.
func (c *UCounter) Inc() uint64 {
	return atomic.AddUint64(&c.value, 1)
}

// Load returns the current value.
func (c *UCounter) Load() uint64 {
	return atomic.LoadUint64(&c.value)
}

// Reset sets to 0.
func (c *UCounter) Reset() {
	atomic.StoreUint64(&c.value, 0)
}
