package raft

// snapshot.go implements log compaction (spec.md §4.6): taking a local
// snapshot once SnapshotThreshold applied-but-uncompacted entries have
// accumulated, and installing one received from a leader that has already
// compacted past a follower's nextIndex.

// maybeTriggerSnapshot checks, after every apply, whether enough entries
// have accumulated since the last snapshot to justify taking a new one.
func (r *Raft) maybeTriggerSnapshot() {
	if r.snapshot.inProgress {
		return
	}
	var since Index
	if r.snapshotMeta != nil {
		since = r.lastApplied - r.snapshotMeta.LastIndex
	} else {
		since = r.lastApplied
	}
	if uint64(since) < r.conf.SnapshotThreshold {
		return
	}
	r.takeSnapshot()
}

// takeSnapshot captures the FSM's state at lastApplied and hands it to the
// I/O backend to persist, per raft.h's raft_io->snapshot_put.
func (r *Raft) takeSnapshot() {
	idx := r.lastApplied
	term, ok := r.log.termAt(idx)
	if !ok {
		return
	}
	bufs, err := r.fsm.Snapshot()
	if err != nil {
		r.logger.Error().Err(err).Msg("fsm snapshot failed")
		return
	}

	confIdx := r.configurationIndex
	if confIdx == 0 || confIdx > idx {
		confIdx = idx
	}
	snap := Snapshot{
		LastIndex:          idx,
		LastTerm:           term,
		Configuration:       r.configuration.Clone(),
		ConfigurationIndex: confIdx,
		Bufs:               bufs,
	}

	r.snapshot.inProgress = true
	if err := r.io.SnapshotPut(r.conf.SnapshotTrailing, snap, func(err error) {
		r.snapshot.inProgress = false
		if err != nil {
			r.logger.Error().Err(err).Msg("snapshot persist failed")
			return
		}
		r.snapshotMeta = &snap
		r.log.snapshot = snapshotBoundary{LastIndex: idx, LastTerm: term}
		trailing := Index(r.conf.SnapshotTrailing)
		if idx > trailing {
			r.log.truncatePrefix(idx - trailing)
		}
		r.tracer.Emit("snapshot.go", 0, "snapshot installed")
	}); err != nil {
		r.snapshot.inProgress = false
		r.logger.Error().Err(err).Msg("snapshot rejected by io backend")
	}
}

// handleInstallSnapshot is the follower-side responder to an InstallSnapshot
// RPC, per spec.md §4.6. It owns sending its own reply, which must be an
// AppendEntriesResult whose LastLogIndex equals the snapshot's last index
// (there is no distinct InstallSnapshotResult wire type), deferred until the
// snapshot is durable.
func (r *Raft) handleInstallSnapshot(from ServerID, fromAddr string, req *InstallSnapshotRequest) {
	reply := func(resp *AppendEntriesResult) {
		r.sendMessage(from, fromAddr, Message{
			Type:                MsgAppendEntriesResult,
			ServerID:            r.id,
			Address:             r.address,
			AppendEntriesResult: resp,
		}, nil)
	}

	resp := &AppendEntriesResult{Term: r.currentTerm}
	if req.Term < r.currentTerm {
		reply(resp)
		return
	}
	if req.Term > r.currentTerm {
		if err := r.setCurrentTerm(req.Term); err != nil {
			r.recordErr(err)
			return
		}
		resp.Term = req.Term
	}
	if r.state != StateFollower {
		r.setState(StateFollower)
	}
	r.follower.currentLeaderID = from
	r.follower.currentLeaderAddress = fromAddr
	r.resetElectionTimer(StateFollower)

	if req.LastIndex <= r.commitIndex {
		// Stale: we've already committed past this snapshot.
		resp.Rejected = 0
		resp.LastLogIndex = r.log.lastIndex()
		reply(resp)
		return
	}

	snap := Snapshot{
		LastIndex:          req.LastIndex,
		LastTerm:           req.LastTerm,
		Configuration:       req.Configuration,
		ConfigurationIndex: req.ConfigurationIndex,
		Bufs:               [][]byte{req.Data},
	}

	r.snapshot.inProgress = true
	if err := r.io.SnapshotPut(r.conf.SnapshotTrailing, snap, func(err error) {
		r.snapshot.inProgress = false
		if err != nil {
			r.logger.Error().Err(err).Msg("install snapshot persist failed")
			resp.Rejected = req.LastIndex
			resp.LastLogIndex = r.log.lastIndex()
			reply(resp)
			return
		}
		r.log.restore(req.LastIndex, req.LastTerm)
		r.snapshotMeta = &snap
		r.configuration = req.Configuration.Clone()
		r.configurationIndex = req.ConfigurationIndex
		r.configurationUncommittedIndex = 0
		r.commitIndex = req.LastIndex
		r.lastApplied = req.LastIndex
		r.lastStored = req.LastIndex
		if err := r.fsm.Restore(snap.flatData()); err != nil {
			r.logger.Error().Err(err).Msg("fsm restore from installed snapshot failed")
		}
		resp.Rejected = 0
		resp.LastLogIndex = r.log.lastIndex()
		reply(resp)
	}); err != nil {
		r.snapshot.inProgress = false
		resp.Rejected = req.LastIndex
		resp.LastLogIndex = r.log.lastIndex()
		reply(resp)
	}
}
