package raft

// membership_ops.go implements the single-server membership change protocol
// of spec.md §4.5: at most one configuration change in flight at a time, new
// servers join as non-voting RoleStandby, and a promotion to RoleVoter only
// happens after the joinee has caught up within one election_timeout round
// (raft.h's "catch up rounds").

// AddServer appends a new non-voting server to the configuration. It is
// the entry point for every membership change: a server always joins as
// RoleStandby and must be separately promoted once caught up. Pass id 0 to
// have one generated from address via resolveNewServerID, for callers that
// don't maintain their own id allocator.
func (r *Raft) AddServer(id ServerID, address string) error {
	id = r.resolveNewServerID(id, address)
	return r.changeConfiguration(func(c Configuration) (Configuration, error) {
		return c.Add(id, address, RoleStandby)
	}, nil)
}

// AddServerAsync behaves like AddServer but also invokes cb once the change
// commits (or fails), matching the callback-based async contract of spec.md
// §5. Neither variant blocks.
func (r *Raft) AddServerAsync(id ServerID, address string, cb func(error)) error {
	id = r.resolveNewServerID(id, address)
	return r.changeConfiguration(func(c Configuration) (Configuration, error) {
		return c.Add(id, address, RoleStandby)
	}, cb)
}

// resolveNewServerID fills in an id 0 with a digest of address and the
// current time, mirroring raft.h's documented use of raft_digest to
// generate a unique ID for a new server being added.
func (r *Raft) resolveNewServerID(id ServerID, address string) ServerID {
	if id != 0 {
		return id
	}
	seed := Digest(address, 1<<63-1)
	seed ^= uint64(r.io.Time())
	return ServerID(seed | 1)
}

// PromoteServer starts the catch-up rounds that, on success, commit a
// configuration change raising id's role to RoleVoter. Unlike the other
// change operations, promotion does not append a log entry immediately: the
// entry is only appended once a round completes within one election_timeout
// of the leader's current last index.
func (r *Raft) PromoteServer(id ServerID, cb func(error)) error {
	if r.state != StateLeader {
		return ErrNotLeaderErr
	}
	if r.leader.change != nil || r.leader.promotion != nil {
		return newErr(ErrCantChange, "a configuration change is already in progress")
	}
	s, ok := r.configuration.Get(id)
	if !ok {
		return newErr(ErrBadID, "unknown server %d", id)
	}
	if s.Role == RoleVoter {
		return newErr(ErrInvalid, "server %d is already a voter", id)
	}
	r.leader.promotion = &promotionState{
		promoteeID: id,
		roundIndex: r.log.lastIndex(),
		roundStart: r.io.Time(),
	}
	r.leader.change = &changeRequest{cb: cb}
	r.startPromotionRound()
	return nil
}

func (r *Raft) startPromotionRound() {
	p := r.leader.promotion
	p.roundNumber++
	p.roundIndex = r.log.lastIndex()
	p.roundStart = r.io.Time()
	r.tracer.Emit("membership_ops.go", 0, "starting promotion round")
}

// checkPromotionProgress is invoked whenever a follower's matchIndex
// advances. If the promotee has caught up to the round's target index within
// election_timeout of the round's start, the promoting ConfigChange entry is
// appended; if it caught up too late, or the round's deadline passed without
// catching up, a new round begins.
func (r *Raft) checkPromotionProgress(from ServerID) {
	if r.state != StateLeader || r.leader == nil || r.leader.promotion == nil {
		return
	}
	p := r.leader.promotion
	if from != p.promoteeID {
		return
	}
	prog, ok := r.leader.progress[p.promoteeID]
	if !ok {
		return
	}
	if prog.matchIndex >= p.roundIndex {
		if r.io.Time()-p.roundStart > r.conf.ElectionTimeout.Milliseconds() {
			// Caught up, but the round took longer than election_timeout.
			r.startPromotionRound()
			return
		}
		id := p.promoteeID
		r.leader.promotion = nil
		err := r.applyConfigurationChange(func(c Configuration) (Configuration, error) {
			return c.SetRole(id, RoleVoter)
		})
		if err != nil {
			cb := r.leader.change.cb
			r.leader.change = nil
			if cb != nil {
				cb(err)
			}
		}
		return
	}
	if r.io.Time()-p.roundStart >= r.conf.ElectionTimeout.Milliseconds() {
		r.startPromotionRound()
	}
}

// DemoteServer lowers id's role (typically back to RoleStandby), e.g. to
// gracefully remove a voter's vote before removing it outright.
func (r *Raft) DemoteServer(id ServerID, role Role) error {
	return r.changeConfiguration(func(c Configuration) (Configuration, error) {
		return c.SetRole(id, role)
	}, nil)
}

// RemoveServer drops a server from the configuration entirely. Removing the
// current leader is allowed: the leader steps down once the removal commits
// (spec.md §4.5 "leader removing itself").
func (r *Raft) RemoveServer(id ServerID) error {
	return r.changeConfiguration(func(c Configuration) (Configuration, error) {
		return c.Remove(id)
	}, nil)
}

// changeConfiguration is the common body shared by every change operation
// that appends its ConfigChange entry immediately (everything except
// PromoteServer, which must wait for catch-up rounds first).
func (r *Raft) changeConfiguration(mutate func(Configuration) (Configuration, error), cb func(error)) error {
	if r.state != StateLeader {
		return ErrNotLeaderErr
	}
	if r.leader.change != nil || r.leader.promotion != nil {
		return newErr(ErrCantChange, "a configuration change is already in progress")
	}
	r.leader.change = &changeRequest{cb: cb}
	if err := r.applyConfigurationChange(mutate); err != nil {
		r.leader.change = nil
		return err
	}
	return nil
}

// applyConfigurationChange computes the new configuration, encodes it as an
// EntryConfigChange and appends it, adopting it in memory immediately
// (spec.md §4.5: "the leader's in-memory configuration always reflects its
// own latest, possibly uncommitted, change").
func (r *Raft) applyConfigurationChange(mutate func(Configuration) (Configuration, error)) error {
	next, err := mutate(r.configuration.Clone())
	if err != nil {
		return err
	}
	payload, err := next.Encode()
	if err != nil {
		return wrapErr(ErrInvalid, err, "encode configuration")
	}
	idx, err := r.appendLocalEntry(Entry{Type: EntryConfigChange, Payload: payload}, nil, nil)
	if err != nil {
		return err
	}
	r.configuration = next
	r.configurationUncommittedIndex = idx
	return nil
}

// commitConfigChange is invoked from processLogs once a ConfigChange entry
// at idx commits. It resolves the pending change callback and, if the
// leader removed itself, steps down (spec.md §4.5).
func (r *Raft) commitConfigChange(idx Index) {
	r.configurationIndex = idx
	r.configurationUncommittedIndex = 0

	if r.state == StateLeader && r.leader != nil && r.leader.change != nil {
		cb := r.leader.change.cb
		r.leader.change = nil
		if cb != nil {
			cb(nil)
		}
	}

	if r.state != StateLeader {
		return
	}
	r.reconcileLeaderProgress()
	if _, ok := r.configuration.Get(r.id); !ok {
		r.setState(StateFollower)
	}
}

// reconcileLeaderProgress adds progress trackers for newly-joined servers
// and drops trackers for servers that left the configuration.
func (r *Raft) reconcileLeaderProgress() {
	if r.leader == nil {
		return
	}
	lastIdx := r.log.lastIndex()
	live := make(map[ServerID]bool, len(r.configuration.Servers))
	for _, s := range r.configuration.Servers {
		live[s.ID] = true
		if s.ID == r.id {
			continue
		}
		if _, ok := r.leader.progress[s.ID]; !ok {
			r.leader.progress[s.ID] = newProgress(lastIdx)
		}
	}
	for id := range r.leader.progress {
		if !live[id] {
			delete(r.leader.progress, id)
		}
	}
}

// revertUncommittedConfiguration reverts the in-memory configuration to the
// last committed one when an uncommitted ConfigChange entry is truncated
// away (e.g. by a new leader's conflicting AppendEntries), per spec.md §4.5.
func (r *Raft) revertUncommittedConfiguration(truncatedFrom Index) {
	if r.configurationUncommittedIndex == 0 || r.configurationUncommittedIndex < truncatedFrom {
		return
	}
	r.configurationUncommittedIndex = 0
	for idx := truncatedFrom - 1; idx > r.log.snapshot.LastIndex; idx-- {
		e, ok := r.log.get(idx)
		if !ok {
			break
		}
		if e.Type == EntryConfigChange {
			if conf, err := DecodeConfiguration(e.Payload); err == nil {
				r.configuration = conf
			}
			break
		}
	}
	if r.state == StateLeader && r.leader != nil && r.leader.change != nil {
		cb := r.leader.change.cb
		r.leader.change = nil
		if cb != nil {
			cb(ErrLeadershipLostErr)
		}
	}
}
