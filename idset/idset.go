// Package idset implements the windowed, modular-arithmetic packet id
// de-duplication set described in spec.md §3.
package idset

// MaxUnconfirmedIds bounds the width of the rolling window an IdSet
// tracks, per spec.md §3/§6.
const MaxUnconfirmedIds = 1024

// Set is a compact representation of "which packet ids within a rolling
// window have been received". It tracks a contiguous compacted prefix
// [0, low) implicitly (every id below low is presumed delivered and
// rolled out of the window) plus the explicit range [low, high) covered
// by a sparse hole-filler set.
//
// All id comparisons are modular over the 32-bit id space so the set
// keeps working correctly as ids wrap from 2^32-1 back to 0.
type Set struct {
	low, high uint32
	sparse    map[uint32]struct{}
}

// New creates a Set whose window starts at start; no ids are yet
// received.
func New(start uint32) *Set {
	return &Set{low: start, high: start, sparse: make(map[uint32]struct{})}
}

// between reports whether x falls in the modular half-open interval
// [lo, hi), i.e. the spec's between(low, high, test) helper. The
// interval's width (hi-lo, computed with wraparound) must stay well
// below 2^31 for this to behave intuitively; callers never construct
// wider intervals than MaxUnconfirmedIds.
func between(lo, hi, x uint32) bool {
	return x-lo < hi-lo
}

// Add records id as received. Duplicates and already-rolled-past ids
// are silently ignored (at-most-once semantics fall out of contains
// being checked by the caller before Add, per spec.md §4.3).
func (s *Set) Add(id uint32) {
	switch {
	case between(s.low, s.high, id):
		s.sparse[id] = struct{}{}
		s.compact()
	case between(s.low, s.low+MaxUnconfirmedIds, id):
		// id lands inside the window but above the current high
		// watermark: extend high to cover it, then try to compact.
		s.sparse[id] = struct{}{}
		s.high = id + 1
		s.compact()
	default:
		// Out of window: id is so far behind low it has already
		// rolled out (already delivered), or so far ahead it can't be
		// legitimately addressed yet. Either way, treat as already
		// received and drop it.
	}
}

// compact advances low past any consecutive run of received ids,
// shrinking the sparse set back down.
func (s *Set) compact() {
	for s.low != s.high {
		if _, ok := s.sparse[s.low]; !ok {
			break
		}
		delete(s.sparse, s.low)
		s.low++
	}
}

// Contains reports whether id has already been received: true inside
// [low, high) iff present in the sparse set, false inside
// [high, low+MaxUnconfirmedIds) (not yet seen), and true everywhere else
// (presumed already delivered and rolled past the window).
func (s *Set) Contains(id uint32) bool {
	switch {
	case between(s.low, s.high, id):
		_, ok := s.sparse[id]
		return ok
	case between(s.high, s.low+MaxUnconfirmedIds, id):
		return false
	default:
		return true
	}
}

// AllReceivedBelow reports whether every id below id has been received
// and delivered: true iff the sparse set is empty and low == high == id.
func (s *Set) AllReceivedBelow(id uint32) bool {
	return len(s.sparse) == 0 && s.low == id && s.high == id
}

// Low exposes the current low watermark, useful for diagnostics and for
// computing the next packet id to assign.
func (s *Set) Low() uint32 { return s.low }
