package raft

// checkElectionTimeout is invoked once per Tick for followers and
// candidates, per spec.md §4.3 "Follower rule" / "Candidate rule".
func (r *Raft) checkElectionTimeout(now int64) {
	switch r.state {
	case StateFollower:
		timeout := r.follower.randomizedElectionTimeout
		if now-r.electionTimerStart < timeout {
			return
		}
		if !r.isVoter(r.id) {
			return // non-voters never start an election
		}
		r.logger.Info().Msg("election timeout elapsed, becoming candidate")
		r.becomeCandidate(false)
	case StateCandidate:
		timeout := r.candidate.randomizedElectionTimeout
		if now-r.electionTimerStart < timeout {
			return
		}
		r.logger.Info().Msg("election timed out, restarting")
		r.becomeCandidate(false)
	}
}

func (r *Raft) isVoter(id ServerID) bool {
	s, ok := r.configuration.Get(id)
	return ok && s.Role == RoleVoter
}

// becomeCandidate starts a new election: bump term, vote for self, persist,
// reset timer, solicit votes from every other voter. disrupt carries the
// disrupt_leader flag set during a leadership transfer (spec.md §4.7).
func (r *Raft) becomeCandidate(disrupt bool) {
	r.state = StateCandidate
	r.candidate = candidateState{votes: make(map[ServerID]bool)}
	r.resetElectionTimer(StateCandidate)

	if err := r.setCurrentTerm(r.currentTerm + 1); err != nil {
		r.recordErr(err)
		return
	}
	if err := r.persistVote(r.id); err != nil {
		r.recordErr(err)
		return
	}
	r.candidate.votes[r.id] = true

	req := &RequestVoteRequest{
		Term:          r.currentTerm,
		CandidateID:   r.id,
		LastLogIndex:  r.log.lastIndex(),
		LastLogTerm:   r.log.lastTerm(),
		DisruptLeader: disrupt,
	}
	for _, s := range r.configuration.Servers {
		if s.ID == r.id || s.Role != RoleVoter {
			continue
		}
		r.sendMessage(s.ID, s.Address, Message{
			Type:        MsgRequestVote,
			ServerID:    r.id,
			Address:     r.address,
			RequestVote: req,
		}, nil)
	}

	r.tracer.Emit("election.go", 0, "started election")
	r.maybeBecomeLeader()
}

// tallyVote records a vote result received from id (or self) and promotes
// to leader once a quorum is reached. Exposed separately from the RPC
// handler so Start() can self-elect a sole voter without a round trip.
func (r *Raft) tallyVote(id ServerID, granted bool) {
	if r.state != StateCandidate {
		return
	}
	if granted {
		r.candidate.votes[id] = true
	}
	r.maybeBecomeLeader()
}

func (r *Raft) maybeBecomeLeader() {
	if r.state != StateCandidate {
		return
	}
	granted := 0
	for _, s := range r.configuration.Servers {
		if s.Role != RoleVoter {
			continue
		}
		if r.candidate.votes[s.ID] {
			granted++
		}
	}
	if granted >= r.configuration.Quorum() {
		r.logger.Info().Int("votes", granted).Msg("election won")
		r.setState(StateLeader)
		r.onBecomeLeader()
	}
}

// onBecomeLeader dispatches the no-op barrier entry every new leader writes
// before serving client requests, per the teacher's runLeader ("Dispatch a
// no-op log first").
func (r *Raft) onBecomeLeader() {
	r.follower = followerState{}
	_, _ = r.appendLocalEntry(Entry{Type: EntryBarrier}, nil, nil)
}

// handleRequestVote is the vote-responder rule of spec.md §4.3.
func (r *Raft) handleRequestVote(from ServerID, fromAddr string, req *RequestVoteRequest) *RequestVoteResult {
	resp := &RequestVoteResult{Term: r.currentTerm, VoteGranted: false}

	if req.Term < r.currentTerm {
		return resp
	}
	if req.Term > r.currentTerm {
		if err := r.setCurrentTerm(req.Term); err != nil {
			r.recordErr(err)
			return resp
		}
		r.setState(StateFollower)
		resp.Term = req.Term
	}

	if r.votedFor != 0 && r.votedFor != req.CandidateID {
		return resp
	}

	lastIndex, lastTerm := r.log.lastIndex(), r.log.lastTerm()
	upToDate := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)
	if !upToDate {
		return resp
	}

	if !req.DisruptLeader && r.recentLeaderContact() {
		return resp
	}

	if err := r.persistVote(req.CandidateID); err != nil {
		r.recordErr(err)
		return resp
	}
	r.resetElectionTimer(r.state)
	resp.VoteGranted = true
	return resp
}

// recentLeaderContact reports whether this server has heard from a leader
// within the last election_timeout, the disruption-suppression window of
// spec.md §4.3.
func (r *Raft) recentLeaderContact() bool {
	if r.state != StateFollower || r.follower.currentLeaderID == 0 {
		return false
	}
	return r.io.Time()-r.electionTimerStart < r.conf.ElectionTimeout.Milliseconds()
}

// handleRequestVoteResult is the candidate-side reaction to a vote reply,
// per spec.md §4.3 "On RequestVoteResult".
func (r *Raft) handleRequestVoteResult(from ServerID, res *RequestVoteResult) {
	if res.Term > r.currentTerm {
		r.stepDown(res.Term)
		return
	}
	if r.state != StateCandidate {
		return
	}
	r.tallyVote(from, res.VoteGranted)
}
