package clustercoord

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusReporterReportsFollowerBeforeAcquiring(t *testing.T) {
	l := NewLock(DefaultLockConfig(), "replica-a", nil)
	defer l.Close()

	r := NewStatusReporter(l, nil)
	status := r.GetStatus()

	assert.Equal(t, "follower", status.State)
	assert.Equal(t, "replica-a", status.LeaderID)
	assert.Equal(t, int64(0), status.Term)
	assert.Equal(t, 1, status.ActiveNodes)
}

func TestStatusReporterNoteAcquiredIncrementsTerm(t *testing.T) {
	l := NewLock(DefaultLockConfig(), "replica-a", nil)
	defer l.Close()

	r := NewStatusReporter(l, nil)
	r.NoteAcquired()
	r.NoteAcquired()

	assert.Equal(t, int64(2), r.GetStatus().Term)
}
