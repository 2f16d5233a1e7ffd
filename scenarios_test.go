package raft_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/linux-fan-dave/raft"
	"github.com/linux-fan-dave/raft/memio"
)

// electLeader drives the cluster's clock until some node becomes leader,
// failing the test if none does within the retry budget.
func electLeader(t *testing.T, c *cluster) *raft.Raft {
	t.Helper()
	var leader *raft.Raft
	for i := 0; i < 10 && leader == nil; i++ {
		c.advance(500 * time.Millisecond)
		leader = c.leader()
	}
	require.NotNil(t, leader)
	return leader
}

// applyAndWait submits payload on leader and blocks (via clock advances)
// until its callback fires, returning whatever error it completed with.
func applyAndWait(t *testing.T, c *cluster, leader *raft.Raft, payload []byte) error {
	t.Helper()
	applied := make(chan error, 1)
	require.NoError(t, leader.Apply(payload, func(result interface{}, err error) {
		applied <- err
	}))
	for i := 0; i < 20; i++ {
		c.advance(200 * time.Millisecond)
		select {
		case err := <-applied:
			return err
		default:
		}
	}
	t.Fatal("apply did not complete")
	return nil
}

// TestLeaderFailureElectsNewLeaderAndContinues covers spec.md S3: once the
// original leader stops, the remaining voters elect a new one at a higher
// term and continue committing client entries.
func TestLeaderFailureElectsNewLeaderAndContinues(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c := newCluster(t, 3)
	defer c.closeAll()

	first := electLeader(t, c)
	require.NoError(t, applyAndWait(t, c, first, memio.EncodeSet("a", "1")))

	var firstLeaderID raft.ServerID
	for id, r := range c.nodes {
		if r == first {
			firstLeaderID = id
		}
	}
	c.stopNode(firstLeaderID)

	var newLeader *raft.Raft
	for i := 0; i < 10 && newLeader == nil; i++ {
		c.advance(500 * time.Millisecond)
		newLeader = c.leader()
	}
	require.NotNil(t, newLeader)
	require.NotEqual(t, first, newLeader)

	require.NoError(t, applyAndWait(t, c, newLeader, memio.EncodeSet("b", "2")))

	for id, store := range c.stores {
		ok := false
		var v string
		for i := 0; i < 10 && !ok; i++ {
			c.advance(200 * time.Millisecond)
			v, ok = store.Get("b")
		}
		require.Truef(t, ok, "node %d missing entry committed after failover", id)
		require.Equal(t, "2", v)
	}
}

// TestInstallSnapshotBringsFollowerUpToDate covers spec.md S5: once the
// leader has compacted its log past a joining follower's starting index
// (index 0, here, since the follower is brand new), it must catch that
// follower up via InstallSnapshot instead of AppendEntries, and the
// follower's FSM must reflect the snapshotted state afterward.
func TestInstallSnapshotBringsFollowerUpToDate(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	// A threshold of 1 forces takeSnapshot after every applied entry
	// (configuration and barrier entries included), and SnapshotTrailing 0
	// discards the log entirely, so any
	// later joiner can only be caught up via InstallSnapshot.
	c := newClusterWithThreshold(t, 2, 1)
	defer c.closeAll()

	leader := electLeader(t, c)
	require.NoError(t, applyAndWait(t, c, leader, memio.EncodeSet("k", "v")))

	// Give takeSnapshot's asynchronous completion callback a chance to run
	// and truncate the log before the new member joins.
	c.advance(300 * time.Millisecond)

	third := c.addNode(3)
	require.NoError(t, leader.AddServer(3, addrFor(3)))

	ok := false
	var v string
	for i := 0; i < 30 && !ok; i++ {
		c.advance(300 * time.Millisecond)
		v, ok = c.stores[3].Get("k")
	}
	require.True(t, ok, "new member never caught up via InstallSnapshot")
	require.Equal(t, "v", v)
	require.Equal(t, raft.StateFollower, third.State())
}
