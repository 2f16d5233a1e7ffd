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

// TestFollowerLogDivergenceTruncatesConflictingEntries covers spec.md S4: a
// follower holding a stale, conflicting entry at an index a new leader wants
// to overwrite must have that entry durably truncated, not merely dropped
// from the in-memory log, or a crash-restart would resurrect it.
func TestFollowerLogDivergenceTruncatesConflictingEntries(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	clk := fakeclock.NewFakeClock(time.Unix(0, 0))
	network := memio.NewNetwork()

	conf := raft.Configuration{Servers: []raft.Server{
		{ID: 1, Address: "node-1", Role: raft.RoleVoter},
		{ID: 2, Address: "node-2", Role: raft.RoleVoter},
		{ID: 3, Address: "node-3", Role: raft.RoleVoter},
	}}

	backend := memio.NewBackend(network, clk)
	require.NoError(t, backend.Bootstrap(conf))

	badPayload := memio.EncodeSet("bad", "stale")
	require.NoError(t, backend.Append([]raft.Entry{
		{Term: 1, Type: raft.EntryCommand, Payload: badPayload},
	}, nil))

	cfg := raft.DefaultConfig()
	store := memio.NewKVStore()
	follower, err := raft.NewRaft(3, "node-3", cfg, backend, store)
	require.NoError(t, err)
	require.NoError(t, follower.Start())
	defer func() {
		done := make(chan struct{})
		follower.Close(func() { close(done) })
		<-done
	}()

	require.Equal(t, raft.Index(2), follower.LastIndex())

	goodPayload := memio.EncodeSet("good", "fresh")
	follower.Recv(raft.Message{
		Type:     raft.MsgAppendEntries,
		ServerID: 1,
		Address:  "node-1",
		AppendEntries: &raft.AppendEntriesRequest{
			Term:         2,
			PrevLogIndex: 1,
			PrevLogTerm:  1,
			Entries: []raft.Entry{
				{Term: 2, Type: raft.EntryCommand, Payload: goodPayload},
			},
			LeaderCommit: 0,
		},
	})

	require.Equal(t, raft.Index(2), follower.LastIndex())

	loaded, err := backend.Load()
	require.NoError(t, err)
	require.Len(t, loaded.Entries, 2, "stale conflicting entry must be durably truncated, not just dropped in memory")
	require.Equal(t, raft.Term(2), loaded.Entries[1].Term)
	require.Equal(t, goodPayload, loaded.Entries[1].Payload)
}
