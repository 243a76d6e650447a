package worker

import "sync/atomic"

// Slots counts occupied execution slots. Acquire is only called by the
// control goroutine after checking Available, so the count never exceeds
// the limit; Release may be called from any goroutine.
type Slots struct {
	limit    int64
	inFlight atomic.Int64
	peak     atomic.Int64
}

// NewSlots creates a tracker with limit slots
func NewSlots(limit int) *Slots {
	return &Slots{limit: int64(limit)}
}

// Limit returns the configured number of slots
func (s *Slots) Limit() int {
	return int(s.limit)
}

// InFlight returns the number of occupied slots
func (s *Slots) InFlight() int {
	return int(s.inFlight.Load())
}

// Available returns the number of free slots
func (s *Slots) Available() int {
	return int(s.limit - s.inFlight.Load())
}

// Peak returns the highest in-flight count observed
func (s *Slots) Peak() int {
	return int(s.peak.Load())
}

// Acquire occupies a slot and returns the new in-flight count
func (s *Slots) Acquire() int {
	n := s.inFlight.Add(1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return int(n)
}

// Release frees a slot and returns the new in-flight count
func (s *Slots) Release() int {
	return int(s.inFlight.Add(-1))
}
