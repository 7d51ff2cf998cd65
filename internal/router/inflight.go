package router

import (
	"sync/atomic"

	"github.com/thushan/porter/internal/logger"
)

// slot is one endpoint's concurrency counter with its admission ceiling.
// Admission is CAS-based so a burst cannot overshoot the ceiling.
type slot struct {
	n   atomic.Int64
	max int64
}

// acquire admits one request if the counter is below the ceiling. Negative
// counts (a release bug elsewhere) self-heal to zero.
func (s *slot) acquire() bool {
	for {
		cur := s.n.Load()
		if cur < 0 {
			s.n.CompareAndSwap(cur, 0)
			continue
		}
		if cur >= s.max {
			return false
		}
		if s.n.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (s *slot) release() {
	if s.n.Add(-1) < 0 {
		s.n.CompareAndSwap(-1, 0)
	}
}

func (s *slot) current() int64 {
	return s.n.Load()
}

// slotTable holds the per-endpoint counters; topology and ceilings are fixed
// at startup.
type slotTable struct {
	slots  map[string]*slot
	logger *logger.StyledLogger
}

func newSlotTable(limits map[string]int64, log *logger.StyledLogger) *slotTable {
	t := &slotTable{
		slots:  make(map[string]*slot, len(limits)),
		logger: log,
	}
	for id, max := range limits {
		t.slots[id] = &slot{max: max}
	}
	return t
}

// tryAcquire admits a request against the endpoint's ceiling. Pathological
// counts above the ceiling are clamped with a warning; they indicate a
// missed release.
func (t *slotTable) tryAcquire(endpointID string) (release func(), ok bool) {
	s, exists := t.slots[endpointID]
	if !exists {
		return nil, false
	}

	if cur := s.current(); cur > s.max {
		s.n.Store(s.max)
		if t.logger != nil {
			t.logger.WarnWithEndpoint("Clamped runaway concurrency counter", endpointID, "count", cur, "max", s.max)
		}
	}

	if !s.acquire() {
		return nil, false
	}
	return s.release, true
}

func (t *slotTable) inFlight(endpointID string) int64 {
	s, ok := t.slots[endpointID]
	if !ok {
		return 0
	}
	return s.current()
}
