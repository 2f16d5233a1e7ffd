package raft

// transfer.go implements leadership transfer (spec.md §4.7): the current
// leader picks a caught-up target, asks it to time out immediately via
// TimeoutNow, and refuses new client writes in the meantime so the handoff
// can't be undone by fresh entries racing the transfer.

// TransferLeadership asks this leader to hand off to target. If target is
// zero, the most caught-up voter is chosen automatically. cb fires once the
// transfer completes, fails, or its deadline elapses.
func (r *Raft) TransferLeadership(target ServerID, cb func()) error {
	if r.state != StateLeader {
		return ErrNotLeaderErr
	}
	if r.leader.transfer != nil {
		return newErr(ErrInvalid, "a leadership transfer is already in progress")
	}
	if target == 0 {
		target = r.pickTransferTarget()
	}
	if target == 0 {
		return newErr(ErrInvalid, "no eligible transfer target")
	}
	if _, ok := r.configuration.Get(target); !ok {
		return newErr(ErrBadID, "unknown server %d", target)
	}
	r.leader.transfer = &transferRequest{
		target:   target,
		deadline: r.io.Time() + r.conf.ElectionTimeout.Milliseconds(),
		cb:       cb,
	}
	r.tracer.Emit("transfer.go", 0, "leadership transfer started")
	r.maybeSendTimeoutNow(target)
	return nil
}

// pickTransferTarget picks the voter with the highest matchIndex, the
// natural choice for the least catch-up work before a transfer can succeed.
func (r *Raft) pickTransferTarget() ServerID {
	var best ServerID
	var bestMatch Index
	for _, s := range r.configuration.Servers {
		if s.Role != RoleVoter || s.ID == r.id {
			continue
		}
		p, ok := r.leader.progress[s.ID]
		if !ok {
			continue
		}
		if best == 0 || p.matchIndex > bestMatch {
			best, bestMatch = s.ID, p.matchIndex
		}
	}
	return best
}

// maybeSendTimeoutNow sends TimeoutNow to the transfer target once it has
// fully caught up; called when TransferLeadership begins and after every
// successful AppendEntries result.
func (r *Raft) maybeSendTimeoutNow(target ServerID) {
	if r.leader == nil || r.leader.transfer == nil || r.leader.transfer.target != target {
		return
	}
	p, ok := r.leader.progress[target]
	if !ok || p.matchIndex < r.log.lastIndex() {
		return
	}
	s, ok := r.configuration.Get(target)
	if !ok {
		return
	}
	r.sendMessage(target, s.Address, Message{
		Type:     MsgTimeoutNow,
		ServerID: r.id,
		Address:  r.address,
		TimeoutNow: &TimeoutNowRequest{
			Term:         r.currentTerm,
			LastLogIndex: r.log.lastIndex(),
			LastLogTerm:  r.log.lastTerm(),
		},
	}, nil)
}

// checkTransferDeadline is polled once per Tick while a transfer is in
// flight; an expired transfer is abandoned so client writes resume.
func (r *Raft) checkTransferDeadline(now int64) {
	if r.leader == nil || r.leader.transfer == nil {
		return
	}
	if now < r.leader.transfer.deadline {
		return
	}
	r.logger.Warn().Msg("leadership transfer timed out")
	cb := r.leader.transfer.cb
	r.leader.transfer = nil
	if cb != nil {
		cb()
	}
}

// handleTimeoutNow is the recipient's reaction to a TimeoutNow RPC: start an
// election immediately, bypassing the disruption-suppression rule the
// recipient would otherwise apply to an ordinary RequestVote.
func (r *Raft) handleTimeoutNow(from ServerID, req *TimeoutNowRequest) {
	if req.Term < r.currentTerm {
		return
	}
	if req.Term > r.currentTerm {
		if err := r.setCurrentTerm(req.Term); err != nil {
			r.recordErr(err)
			return
		}
	}
	r.becomeCandidate(true)
}
