// Package nodespace implements the NodeSpaceMap: a forward-linked,
// piecewise-constant timeline of node availability spanning
// [cycleStart, cycleStart+window). spec.md §9 directs an index-linked
// arena rather than a self-referential pointer list, so entries here
// are addressed by integer index into a bounded, append-only slice.
package nodespace

import (
	"fmt"
	"time"

	"github.com/khryptorgraphics/clusterbackfill/pkg/clusterstate"
)

// nilIdx is the distinguished terminator marking end-of-list.
const nilIdx = -1

// Entry is one interval of the timeline: nodes in AvailBitmap are
// free for the entirety of [Begin, End).
type Entry struct {
	Begin time.Time
	End   time.Time
	Avail *clusterstate.NodeBitmap
	next  int // index of the next entry, or nilIdx
}

// Map is the NodeSpaceMap: an arena of Entry plus a head index. The
// arena is sized 2*maxBackfillJobCnt+1 per spec.md §3, since each
// AddReservation can add at most two new entries (a leading and a
// trailing split) beyond the one it starts with.
type Map struct {
	arena []Entry
	free  []bool // arena[i] is live iff !free[i]
	head  int

	cycleStart time.Time
	windowEnd  time.Time
}

// New initializes a NodeSpaceMap covering [cycleStart, cycleStart+window)
// as a single interval with the given globally available bitmap, and a
// bounded arena sized for up to maxBackfillJobCnt reservations.
func New(cycleStart time.Time, window time.Duration, avail *clusterstate.NodeBitmap, maxBackfillJobCnt int) *Map {
	if maxBackfillJobCnt < 1 {
		maxBackfillJobCnt = 1
	}
	capacity := 2*maxBackfillJobCnt + 1

	m := &Map{
		arena:      make([]Entry, capacity),
		free:       make([]bool, capacity),
		cycleStart: cycleStart,
		windowEnd:  cycleStart.Add(window),
	}
	for i := range m.free {
		m.free[i] = true
	}

	idx := m.alloc()
	m.arena[idx] = Entry{
		Begin: cycleStart,
		End:   m.windowEnd,
		Avail: avail.Copy(),
		next:  nilIdx,
	}
	m.head = idx
	return m
}

// Len returns the number of live entries (node_space_recs in spec.md).
func (m *Map) Len() int {
	n := 0
	for i := m.head; i != nilIdx; i = m.arena[i].next {
		n++
	}
	return n
}

// Cap returns the arena's total capacity (max_backfill_job_cnt-derived bound).
func (m *Map) Cap() int { return len(m.arena) }

// alloc returns the index of a free arena slot, or nilIdx if the
// arena is exhausted (callers must check before use).
func (m *Map) alloc() int {
	for i, f := range m.free {
		if f {
			m.free[i] = false
			return i
		}
	}
	return nilIdx
}

// Entries returns the live chain in time order, for inspection/testing.
func (m *Map) Entries() []Entry {
	var out []Entry
	for i := m.head; i != nilIdx; i = m.arena[i].next {
		out = append(out, m.arena[i])
	}
	return out
}

// FindAvailAt computes the intersection of Avail bitmaps over every
// entry intersecting [start, end]. A nil result means the window
// falls entirely outside the map (should not happen given the
// invariant that entries span [cycleStart, cycleStart+window)).
func (m *Map) FindAvailAt(start, end time.Time) *clusterstate.NodeBitmap {
	var result *clusterstate.NodeBitmap
	for i := m.head; i != nilIdx; i = m.arena[i].next {
		e := &m.arena[i]
		if e.End.After(start) && !e.Begin.After(end) {
			if result == nil {
				result = e.Avail.Copy()
			} else {
				result = result.And(e.Avail)
			}
		}
	}
	return result
}

// LaterStart scans the chain and returns the smallest End time that is
// strictly after `start` and has a successor entry — the "later_start"
// candidate spec.md 4.D.h computes while scanning for availability. A
// zero time means no such boundary exists before the window ends.
func (m *Map) LaterStart(start time.Time) time.Time {
	for i := m.head; i != nilIdx; i = m.arena[i].next {
		e := &m.arena[i]
		if e.End.After(start) && m.arena[i].next != nilIdx {
			return e.End
		}
	}
	return time.Time{}
}

// TestOverlap reports whether the candidate `use` bitmap would clash
// with any reservation already planted in [start, end): true iff some
// intersecting interval's Avail bitmap does not a superset of `use`.
func (m *Map) TestOverlap(use *clusterstate.NodeBitmap, start, end time.Time) bool {
	for i := m.head; i != nilIdx; i = m.arena[i].next {
		e := &m.arena[i]
		if e.End.After(start) && e.Begin.Before(end) {
			if !e.Avail.Superset(use) {
				return true
			}
		}
	}
	return false
}

// AddReservation records that `used` becomes busy during [start, end),
// splitting entries at the boundaries as needed, clearing `used` from
// every fully-enclosed interval's availability, then compacting at
// most one adjacent duplicate pair (spec.md 4.A: "at most one merge
// per call — bounded work").
func (m *Map) AddReservation(start, end time.Time, used *clusterstate.NodeBitmap) error {
	if start.Before(m.cycleStart) {
		start = m.cycleStart
	}
	if !end.After(start) {
		return fmt.Errorf("nodespace: reservation end %s not after start %s", end, start)
	}

	if err := m.splitAt(start); err != nil {
		return err
	}
	if err := m.splitAt(end); err != nil {
		return err
	}

	for i := m.head; i != nilIdx; i = m.arena[i].next {
		e := &m.arena[i]
		if !e.Begin.Before(start) && !e.End.After(end) {
			e.Avail = e.Avail.AndNot(used)
		}
	}

	m.compactOnce()
	return nil
}

// splitAt ensures an entry boundary exists exactly at t (a no-op if
// t already coincides with cycleStart, windowEnd, or an existing
// boundary). Returns an error only if the arena is exhausted.
func (m *Map) splitAt(t time.Time) error {
	if !t.After(m.cycleStart) || !t.Before(m.windowEnd) {
		return nil // boundary already implied by the map's own bounds
	}
	for i := m.head; i != nilIdx; i = m.arena[i].next {
		e := &m.arena[i]
		if e.Begin.Equal(t) {
			return nil // already a boundary
		}
		if e.Begin.Before(t) && e.End.After(t) {
			newIdx := m.alloc()
			if newIdx == nilIdx {
				return fmt.Errorf("nodespace: arena exhausted splitting at %s", t)
			}
			m.arena[newIdx] = Entry{
				Begin: t,
				End:   e.End,
				Avail: e.Avail.Copy(),
				next:  e.next,
			}
			e.End = t
			e.next = newIdx
			return nil
		}
	}
	return nil
}

// compactOnce merges the first adjacent pair of entries whose Avail
// bitmaps are bit-identical: the second is dropped and the first's End
// extended to cover it. At most one merge happens per call.
func (m *Map) compactOnce() {
	for i := m.head; i != nilIdx; i = m.arena[i].next {
		next := m.arena[i].next
		if next != nilIdx && m.arena[i].Avail.Equal(m.arena[next].Avail) {
			m.arena[i].End = m.arena[next].End
			m.arena[i].next = m.arena[next].next
			m.free[next] = true
			return
		}
	}
}
