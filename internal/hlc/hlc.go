// Package hlc implements the per-partition hybrid logical clock: a 48-bit
// wall-clock timestamp (microseconds, low 16 bits masked) combined with a
// logical tie-break, stamped onto every mutation's cas.
package hlc

import (
	"sync/atomic"
	"time"

	"github.com/cuemby/kepler/internal/emetrics"
)

const clockMask = ^uint64(0) << 16

func masked48(t int64) uint64 {
	return uint64(t) & clockMask
}

// nowFunc is overridable in tests so HLC regression scenarios can be driven deterministically.
var nowFunc = func() int64 { return time.Now().UnixMicro() }

// Clock is a single partition's hybrid logical clock.
type Clock struct {
	maxHLC uint64

	cumulativeDrift           uint64
	cumulativeDriftIncrements uint64
	logicalClockTicks         uint64
	driftAheadExceeded        uint64
	driftBehindExceeded       uint64

	aheadThreshold  uint64
	behindThreshold uint64
}

// New creates a Clock seeded at initHLC with the given drift-exception
// thresholds.
func New(initHLC, aheadThreshold, behindThreshold uint64) *Clock {
	return &Clock{
		maxHLC:          initHLC,
		aheadThreshold:  aheadThreshold,
		behindThreshold: behindThreshold,
	}
}

// NextHLC produces the next monotonic stamp for a local mutation: either
// the current masked wall time, or maxHLC+1 if wall time has not advanced
// past the last stamp.
func (c *Clock) NextHLC() uint64 {
	now := masked48(nowFunc())
	for {
		cur := atomic.LoadUint64(&c.maxHLC)
		if now > cur {
			if atomic.CompareAndSwapUint64(&c.maxHLC, cur, now) {
				return now
			}
			continue
		}
		next := cur + 1
		if atomic.CompareAndSwapUint64(&c.maxHLC, cur, next) {
			atomic.AddUint64(&c.logicalClockTicks, 1)
			emetrics.HLCLogicalTicksTotal.Inc()
			return next
		}
	}
}

// SetMaxHLCAndTrackDrift adopts a peer's HLC value (received via
// setWithMeta) and tracks drift statistics against it.
func (c *Clock) SetMaxHLCAndTrackDrift(peer uint64) {
	now := masked48(nowFunc())
	difference := int64(masked48(peer)) - int64(now)

	abs := difference
	if abs < 0 {
		abs = -abs
	}
	atomic.AddUint64(&c.cumulativeDrift, uint64(abs))
	atomic.AddUint64(&c.cumulativeDriftIncrements, 1)
	emetrics.HLCDriftTotal.Add(float64(abs))

	switch {
	case difference > int64(c.aheadThreshold):
		atomic.AddUint64(&c.driftAheadExceeded, 1)
		emetrics.HLCDriftExceededTotal.WithLabelValues("ahead").Inc()
	case difference < -int64(c.behindThreshold):
		atomic.AddUint64(&c.driftBehindExceeded, 1)
		emetrics.HLCDriftExceededTotal.WithLabelValues("behind").Inc()
	}

	c.setMaxHLC(peer)
}

func (c *Clock) setMaxHLC(v uint64) {
	for {
		cur := atomic.LoadUint64(&c.maxHLC)
		if v <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&c.maxHLC, cur, v) {
			return
		}
	}
}

// MaxHLC returns the clock's current high-water mark.
func (c *Clock) MaxHLC() uint64 { return atomic.LoadUint64(&c.maxHLC) }

// DriftStats returns (cumulativeAbsoluteDrift, sampleCount).
func (c *Clock) DriftStats() (uint64, uint64) {
	return atomic.LoadUint64(&c.cumulativeDrift), atomic.LoadUint64(&c.cumulativeDriftIncrements)
}

// DriftExceptionCounters returns (aheadExceeded, behindExceeded).
func (c *Clock) DriftExceptionCounters() (uint64, uint64) {
	return atomic.LoadUint64(&c.driftAheadExceeded), atomic.LoadUint64(&c.driftBehindExceeded)
}
