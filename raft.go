package raft

// raft.go is the public entry point driving the single-threaded state
// machine: Tick advances time-based work, Recv dispatches an inbound RPC,
// and Apply/Barrier/Close are the client-facing operations. None of these
// block; every result is delivered through a callback invoked from within
// one of these calls or a later one, per spec.md §5.

// Tick advances time-based work: applying newly-committed entries (checking
// the snapshot threshold after each one applied), checking the election
// timer, sending any replication that is now due, checking for loss of a
// quorum, and checking an in-flight transfer's deadline. It must
// be called regularly (at least as often as HeartbeatTimeout) by the caller
// driving the event loop, typically from the IOBackend's onTick callback.
func (r *Raft) Tick() {
	if r.closing {
		return
	}
	now := r.io.Time()

	r.processLogs()
	r.checkElectionTimeout(now)

	if r.state == StateLeader {
		for id, p := range r.leader.progress {
			s, ok := r.configuration.Get(id)
			if !ok {
				continue
			}
			r.replicateTo(id, s.Address, p, now)
		}
		r.checkStepDownFromQuorumLoss()
		r.checkTransferDeadline(now)
	}
}

// Recv dispatches an inbound RPC message to the appropriate handler. It must
// be called from within the single goroutine driving this instance,
// typically as the IOBackend's onRecv callback.
func (r *Raft) Recv(msg Message) {
	if r.closing {
		return
	}
	switch msg.Type {
	case MsgAppendEntries:
		r.handleAppendEntries(msg.ServerID, msg.Address, msg.AppendEntries)
	case MsgAppendEntriesResult:
		r.handleAppendEntriesResult(msg.ServerID, msg.AppendEntriesResult)
	case MsgRequestVote:
		resp := r.handleRequestVote(msg.ServerID, msg.Address, msg.RequestVote)
		r.sendMessage(msg.ServerID, msg.Address, Message{
			Type:              MsgRequestVoteResult,
			ServerID:          r.id,
			Address:           r.address,
			RequestVoteResult: resp,
		}, nil)
	case MsgRequestVoteResult:
		r.handleRequestVoteResult(msg.ServerID, msg.RequestVoteResult)
	case MsgInstallSnapshot:
		r.handleInstallSnapshot(msg.ServerID, msg.Address, msg.InstallSnapshot)
	case MsgTimeoutNow:
		r.handleTimeoutNow(msg.ServerID, msg.TimeoutNow)
	default:
		r.logger.Warn().Uint8("type", uint8(msg.Type)).Msg("unknown message type")
	}
}

// Apply submits a command for replication. cb is invoked once the entry
// commits and has been applied to the FSM, with the FSM's result (or an
// error if leadership was lost first).
func (r *Raft) Apply(payload []byte, cb func(result interface{}, err error)) error {
	if r.state != StateLeader {
		return ErrNotLeaderErr
	}
	if r.leader.transfer != nil {
		// spec.md §9: apply during an in-progress leadership transfer is
		// refused as NotLeader, not LeadershipLost.
		return ErrNotLeaderErr
	}
	_, err := r.appendLocalEntry(Entry{Type: EntryCommand, Payload: payload}, cb, nil)
	return err
}

// Barrier submits a no-op entry and waits for it to commit, a standard way
// to ensure every previously-submitted Apply has been applied before
// proceeding (it does not itself invoke the FSM).
func (r *Raft) Barrier(cb func(err error)) error {
	if r.state != StateLeader {
		return ErrNotLeaderErr
	}
	_, err := r.appendLocalEntry(Entry{Type: EntryBarrier}, nil, cb)
	return err
}

// Close begins an orderly shutdown: pending requests are failed with
// ErrShutdownErr, and cb fires once the I/O backend confirms it has
// stopped. Close is idempotent.
func (r *Raft) Close(cb func()) {
	if r.closing {
		return
	}
	r.closing = true
	if r.state == StateLeader && r.leader != nil {
		for _, req := range r.leader.requests {
			req.fail(ErrShutdownErr)
		}
		r.leader.requests = nil
		if r.leader.change != nil {
			if r.leader.change.cb != nil {
				r.leader.change.cb(ErrShutdownErr)
			}
			r.leader.change = nil
		}
		if r.leader.transfer != nil {
			if r.leader.transfer.cb != nil {
				r.leader.transfer.cb()
			}
			r.leader.transfer = nil
		}
	}
	r.io.Close(cb)
}
