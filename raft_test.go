package raft_test

import (
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/linux-fan-dave/raft"
	"github.com/linux-fan-dave/raft/memio"
)

// cluster is a small test harness wiring N Raft instances together over a
// shared memio.Network, all driven by the same fake clock so elections and
// heartbeats are deterministic.
type cluster struct {
	t                 *testing.T
	clk               *fakeclock.FakeClock
	network           *memio.Network
	nodes             map[raft.ServerID]*raft.Raft
	stores            map[raft.ServerID]*memio.KVStore
	snapshotThreshold uint64 // 0 means DefaultConfig's value
}

func newCluster(t *testing.T, n int) *cluster {
	return newClusterWithThreshold(t, n, 0)
}

// newClusterWithThreshold is like newCluster but overrides SnapshotThreshold
// on every node (including ones added later via addNode), for tests that
// need to force log compaction deterministically rather than waiting for
// the default of 1024 applied entries.
func newClusterWithThreshold(t *testing.T, n int, threshold uint64) *cluster {
	clk := fakeclock.NewFakeClock(time.Unix(0, 0))
	network := memio.NewNetwork()
	c := &cluster{
		t:                 t,
		clk:               clk,
		network:           network,
		nodes:             make(map[raft.ServerID]*raft.Raft),
		stores:            make(map[raft.ServerID]*memio.KVStore),
		snapshotThreshold: threshold,
	}

	var servers []raft.Server
	for i := 1; i <= n; i++ {
		id := raft.ServerID(i)
		servers = append(servers, raft.Server{ID: id, Address: addrFor(id), Role: raft.RoleVoter})
	}
	conf := raft.Configuration{Servers: servers}

	for i := 1; i <= n; i++ {
		id := raft.ServerID(i)
		backend := memio.NewBackend(network, clk)
		store := memio.NewKVStore()
		cfg := c.nodeConfig()

		require.NoError(t, backend.Bootstrap(conf))

		r, err := raft.NewRaft(id, addrFor(id), cfg, backend, store)
		require.NoError(t, err)
		require.NoError(t, r.Start())

		c.nodes[id] = r
		c.stores[id] = store
	}
	return c
}

func (c *cluster) nodeConfig() raft.Config {
	cfg := raft.DefaultConfig()
	cfg.ElectionTimeout = 1000 * time.Millisecond
	cfg.HeartbeatTimeout = 100 * time.Millisecond
	if c.snapshotThreshold != 0 {
		cfg.SnapshotThreshold = c.snapshotThreshold
		cfg.SnapshotTrailing = 0
	}
	return cfg
}

func addrFor(id raft.ServerID) string {
	return "node-" + string(rune('0'+id))
}

// advance ticks the fake clock forward in small steps, giving every node's
// background run loop goroutine a chance to observe each tick.
func (c *cluster) advance(d time.Duration) {
	steps := int(d / (10 * time.Millisecond))
	for i := 0; i < steps; i++ {
		c.clk.Increment(10 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
}

// addNode wires a brand new, un-bootstrapped node into the cluster's shared
// network: it starts as a follower with no configuration at all, the way a
// real server joins before AddServer replicates it a configuration entry.
func (c *cluster) addNode(id raft.ServerID) *raft.Raft {
	backend := memio.NewBackend(c.network, c.clk)
	store := memio.NewKVStore()
	cfg := c.nodeConfig()

	r, err := raft.NewRaft(id, addrFor(id), cfg, backend, store)
	require.NoError(c.t, err)
	require.NoError(c.t, r.Start())

	c.nodes[id] = r
	c.stores[id] = store
	return r
}

// stopNode closes a single node's Raft instance and drops it from the
// cluster's bookkeeping, simulating that server crashing/leaving.
func (c *cluster) stopNode(id raft.ServerID) {
	r, ok := c.nodes[id]
	if !ok {
		return
	}
	done := make(chan struct{})
	r.Close(func() { close(done) })
	<-done
	delete(c.nodes, id)
	delete(c.stores, id)
}

func (c *cluster) leader() *raft.Raft {
	for _, r := range c.nodes {
		if r.State() == raft.StateLeader {
			return r
		}
	}
	return nil
}

func (c *cluster) closeAll() {
	done := make(chan struct{}, len(c.nodes))
	for _, r := range c.nodes {
		r.Close(func() { done <- struct{}{} })
	}
	for range c.nodes {
		<-done
	}
}

func TestClusterElectsALeader(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c := newCluster(t, 3)
	defer c.closeAll()

	var leader *raft.Raft
	for i := 0; i < 10 && leader == nil; i++ {
		c.advance(500 * time.Millisecond)
		leader = c.leader()
	}
	require.NotNil(t, leader)
}

func TestClusterReplicatesAppliedCommand(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c := newCluster(t, 3)
	defer c.closeAll()

	var leader *raft.Raft
	for i := 0; i < 10 && leader == nil; i++ {
		c.advance(500 * time.Millisecond)
		leader = c.leader()
	}
	require.NotNil(t, leader)

	applied := make(chan error, 1)
	err := leader.Apply(memio.EncodeSet("k", "v"), func(result interface{}, err error) {
		applied <- err
	})
	require.NoError(t, err)

	var applyErr error
	gotResult := false
	for i := 0; i < 10 && !gotResult; i++ {
		c.advance(500 * time.Millisecond)
		select {
		case applyErr = <-applied:
			gotResult = true
		default:
		}
	}
	require.True(t, gotResult, "apply did not complete")
	require.NoError(t, applyErr)

	for id, store := range c.stores {
		ok := false
		var v string
		for i := 0; i < 10 && !ok; i++ {
			c.advance(200 * time.Millisecond)
			v, ok = store.Get("k")
		}
		require.Truef(t, ok, "node %d missing replicated key", id)
		require.Equal(t, "v", v)
	}
}
