package nodespace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/clusterbackfill/pkg/clusterstate"
)

func bitmap(size int, bits ...int) *clusterstate.NodeBitmap {
	b := clusterstate.NewNodeBitmap(size)
	for _, i := range bits {
		b.Set(i)
	}
	return b
}

func TestMapInitSingleInterval(t *testing.T) {
	start := time.Unix(1000, 0)
	m := New(start, time.Hour, bitmap(8, 0, 1, 2, 3, 4, 5, 6, 7), 100)

	entries := m.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, start, entries[0].Begin)
	assert.Equal(t, start.Add(time.Hour), entries[0].End)
	assert.Equal(t, 8, entries[0].Avail.Popcount())
}

// TestAddReservationSplitsAndClears exercises S1-shaped scenario: 8
// nodes, job R runs on nodes 1-4 until t+600.
func TestAddReservationSplitsAndClears(t *testing.T) {
	start := time.Unix(0, 0)
	m := New(start, 24*time.Hour, bitmap(8, 0, 1, 2, 3, 4, 5, 6, 7), 10)

	used := bitmap(8, 1, 2, 3, 4)
	require.NoError(t, m.AddReservation(start, start.Add(600*time.Second), used))

	entries := m.Entries()
	require.Len(t, entries, 2)

	assert.Equal(t, start, entries[0].Begin)
	assert.Equal(t, start.Add(600*time.Second), entries[0].End)
	for _, i := range []int{1, 2, 3, 4} {
		assert.False(t, entries[0].Avail.IsSet(i))
	}
	for _, i := range []int{0, 5, 6, 7} {
		assert.True(t, entries[0].Avail.IsSet(i))
	}

	assert.Equal(t, start.Add(600*time.Second), entries[1].Begin)
	assert.Equal(t, 8, entries[1].Avail.Popcount())
}

func TestAddReservationNoSplitOnExactBoundary(t *testing.T) {
	start := time.Unix(0, 0)
	m := New(start, time.Hour, bitmap(4, 0, 1, 2, 3), 10)

	require.NoError(t, m.AddReservation(start, start.Add(30*time.Minute), bitmap(4, 0)))
	require.NoError(t, m.AddReservation(start.Add(30*time.Minute), start.Add(time.Hour), bitmap(4, 0)))

	// Both reservations clear node 0 everywhere; the two adjacent
	// entries should compact into one since their Avail is now identical.
	entries := m.Entries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Avail.IsSet(0))
}

func TestTestOverlapDetectsCollision(t *testing.T) {
	start := time.Unix(0, 0)
	m := New(start, time.Hour, bitmap(4, 0, 1, 2, 3), 10)
	require.NoError(t, m.AddReservation(start, start.Add(10*time.Minute), bitmap(4, 0, 1)))

	assert.True(t, m.TestOverlap(bitmap(4, 1), start, start.Add(5*time.Minute)))
	assert.False(t, m.TestOverlap(bitmap(4, 2), start, start.Add(5*time.Minute)))
}

func TestFindAvailAtIntersectsOverlappingIntervals(t *testing.T) {
	start := time.Unix(0, 0)
	m := New(start, time.Hour, bitmap(4, 0, 1, 2, 3), 10)
	require.NoError(t, m.AddReservation(start.Add(10*time.Minute), start.Add(20*time.Minute), bitmap(4, 0)))

	avail := m.FindAvailAt(start, start.Add(30*time.Minute))
	assert.False(t, avail.IsSet(0), "node 0 busy during part of the window")
	assert.True(t, avail.IsSet(1))
}

func TestLaterStartFindsNextBoundary(t *testing.T) {
	start := time.Unix(0, 0)
	m := New(start, time.Hour, bitmap(4, 0, 1, 2, 3), 10)
	require.NoError(t, m.AddReservation(start, start.Add(10*time.Minute), bitmap(4, 0)))

	later := m.LaterStart(start)
	assert.Equal(t, start.Add(10*time.Minute), later)
}

func TestWindowBoundInvariant(t *testing.T) {
	start := time.Unix(500, 0)
	window := 2 * time.Hour
	m := New(start, window, bitmap(4, 0, 1, 2, 3), 10)
	require.NoError(t, m.AddReservation(start.Add(10*time.Minute), start.Add(20*time.Minute), bitmap(4, 0)))

	for _, e := range m.Entries() {
		assert.False(t, e.Begin.Before(start))
		assert.False(t, e.End.After(start.Add(window)))
	}
}

func TestArenaExhaustionReturnsError(t *testing.T) {
	start := time.Unix(0, 0)
	m := New(start, time.Hour, bitmap(4, 0, 1, 2, 3), 2) // capacity = 2*2+1 = 5

	require.NoError(t, m.AddReservation(start, start.Add(time.Minute), bitmap(4, 0)))
	require.NoError(t, m.AddReservation(start.Add(2*time.Minute), start.Add(3*time.Minute), bitmap(4, 1)))
	err := m.AddReservation(start.Add(10*time.Minute), start.Add(11*time.Minute), bitmap(4, 2))
	assert.Error(t, err)
}
