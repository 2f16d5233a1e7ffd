package raft_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/linux-fan-dave/raft"
)

// TestSingleServerAddPromoteRemove covers spec.md S6: a new server joins a
// 3-voter cluster as a non-voting standby, catches up, is promoted to voter
// once PromoteServer's catch-up round succeeds, and can then be removed
// again — each step committing a real ConfigChange log entry end to end.
func TestSingleServerAddPromoteRemove(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c := newCluster(t, 3)
	defer c.closeAll()

	leader := electLeader(t, c)

	joinee := c.addNode(4)
	require.NoError(t, leader.AddServer(4, addrFor(4)))
	if s, ok := leader.Configuration().Get(4); !ok || s.Role != raft.RoleStandby {
		t.Fatal("AddServer did not adopt the new server into the in-memory configuration")
	}
	require.Equal(t, raft.StateFollower, joinee.State())

	// PromoteServer is refused with ErrCantChange until AddServer's entry
	// actually commits (leader.change clears only in commitConfigChange), so
	// retry it across clock advances rather than assuming one attempt works.
	promoteDone := make(chan error, 1)
	started := false
	for i := 0; i < 30 && !started; i++ {
		c.advance(200 * time.Millisecond)
		err := leader.PromoteServer(4, func(err error) { promoteDone <- err })
		if err == nil {
			started = true
			break
		}
		if code, _ := raft.CodeOf(err); code != raft.ErrCantChange {
			require.NoError(t, err)
		}
	}
	require.True(t, started, "AddServer's ConfigChange never committed, so PromoteServer never started")

	var promoteErr error
	gotPromote := false
	for i := 0; i < 30 && !gotPromote; i++ {
		c.advance(200 * time.Millisecond)
		select {
		case promoteErr = <-promoteDone:
			gotPromote = true
		default:
		}
	}
	require.True(t, gotPromote, "PromoteServer's catch-up round never completed")
	require.NoError(t, promoteErr)

	s, ok := leader.Configuration().Get(4)
	require.True(t, ok)
	require.Equal(t, raft.RoleVoter, s.Role)

	require.NoError(t, leader.RemoveServer(4))

	removed := false
	for i := 0; i < 20 && !removed; i++ {
		c.advance(200 * time.Millisecond)
		_, ok := leader.Configuration().Get(4)
		removed = !ok
	}
	require.True(t, removed, "RemoveServer's ConfigChange never committed")
}

// TestConfigurationChangeRejectedWhilePending covers the CantChange
// interlock: spec.md §4.5 allows at most one configuration change in flight
// at a time, so a second change attempted before the first commits must be
// rejected rather than queued or silently merged.
func TestConfigurationChangeRejectedWhilePending(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c := newCluster(t, 3)
	defer c.closeAll()

	leader := electLeader(t, c)

	c.addNode(4)
	c.addNode(5)
	require.NoError(t, leader.AddServer(4, addrFor(4)))

	err := leader.AddServer(5, addrFor(5))
	require.Error(t, err)
	code, ok := raft.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, raft.ErrCantChange, code)
}
