package raft

// progressMode is the replication regime the leader uses for a given
// follower, per spec.md §4.4 and raft.h's struct raft_progress.
type progressMode int

const (
	progressProbe progressMode = iota
	progressPipeline
	progressSnapshot
)

func (m progressMode) String() string {
	switch m {
	case progressPipeline:
		return "pipeline"
	case progressSnapshot:
		return "snapshot"
	default:
		return "probe"
	}
}

// progress is the leader-side replication bookkeeping for one follower.
type progress struct {
	mode          progressMode
	nextIndex     Index
	matchIndex    Index
	snapshotIndex Index
	lastSendTime  int64
	recentRecv    bool
}

// newProgress initializes replication state for a newly-leading server, per
// spec.md §4.4: nextIndex starts right after the leader's own last entry,
// matchIndex starts at zero.
func newProgress(lastIndex Index) *progress {
	return &progress{
		mode:      progressProbe,
		nextIndex: lastIndex + 1,
	}
}

// replicateTo decides whether, and what, to send to peer right now. It sends
// nothing when there are no new entries for the peer and no heartbeat is due
// yet.
func (r *Raft) replicateTo(id ServerID, addr string, p *progress, now int64) {
	switch p.mode {
	case progressSnapshot:
		return // an InstallSnapshot is already in flight for this peer
	}

	if Index(p.nextIndex) != 0 && p.nextIndex <= r.log.snapshot.LastIndex {
		r.sendInstallSnapshot(id, addr, p)
		return
	}

	var entries []Entry
	maxN := r.conf.MaxAppendEntries
	if p.mode == progressProbe {
		maxN = 1
	}

	start := p.nextIndex
	last := r.log.lastIndex()
	for idx := start; idx <= last && len(entries) < maxN; idx++ {
		e, ok := r.log.get(idx)
		if !ok {
			break
		}
		entries = append(entries, e)
	}

	haveNew := len(entries) > 0
	dueForHeartbeat := now-p.lastSendTime >= r.conf.HeartbeatTimeout.Milliseconds()
	if !haveNew && !dueForHeartbeat {
		return
	}

	prevIndex := p.nextIndex - 1
	prevTerm, ok := r.log.termAt(prevIndex)
	if !ok {
		// We no longer hold prevIndex locally; fall back to snapshot transfer.
		r.sendInstallSnapshot(id, addr, p)
		return
	}

	leaderCommit := r.commitIndex
	if cap := prevIndex + Index(len(entries)); leaderCommit > cap {
		leaderCommit = cap
	}

	req := &AppendEntriesRequest{
		Term:         r.currentTerm,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	}
	r.acquireRange(prevIndex+1, Index(len(entries)))

	p.lastSendTime = now
	if haveNew {
		p.nextIndex = prevIndex + Index(len(entries)) + 1
	}

	r.sendMessage(id, addr, Message{
		Type:          MsgAppendEntries,
		ServerID:      r.id,
		Address:       r.address,
		AppendEntries: req,
	}, func(err error) {
		r.releaseRange(prevIndex+1, Index(len(entries)))
		if err != nil {
			if p.mode == progressPipeline {
				p.mode = progressProbe
			}
		}
	})
}

// acquireRange/releaseRange bump refcounts for a contiguous run of entries
// handed to an outstanding I/O (send) request, per spec.md §4.1.
func (r *Raft) acquireRange(from Index, n Index) {
	for i := Index(0); i < n; i++ {
		idx := from + i
		if e, ok := r.log.get(idx); ok {
			r.log.acquire(e.Term, idx)
		}
	}
}

func (r *Raft) releaseRange(from Index, n Index) {
	for i := Index(0); i < n; i++ {
		idx := from + i
		if e, ok := r.log.get(idx); ok {
			r.log.release(e.Term, idx)
		}
	}
}

func (r *Raft) sendInstallSnapshot(id ServerID, addr string, p *progress) {
	if r.snapshotMeta == nil {
		return
	}
	p.mode = progressSnapshot
	snap := *r.snapshotMeta
	req := &InstallSnapshotRequest{
		Term:               r.currentTerm,
		LastIndex:          snap.LastIndex,
		LastTerm:           snap.LastTerm,
		Configuration:      snap.Configuration,
		ConfigurationIndex: snap.ConfigurationIndex,
		Data:               snap.flatData(),
	}
	r.sendMessage(id, addr, Message{
		Type:            MsgInstallSnapshot,
		ServerID:        r.id,
		Address:         r.address,
		InstallSnapshot: req,
	}, func(err error) {
		if err != nil && p.mode == progressSnapshot {
			// Probe-like retry on next heartbeat (spec.md §9 open question).
			p.mode = progressProbe
		}
	})
}

func (s *Snapshot) flatData() []byte {
	if len(s.Bufs) == 1 {
		return s.Bufs[0]
	}
	var total int
	for _, b := range s.Bufs {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range s.Bufs {
		out = append(out, b...)
	}
	return out
}

// sendMessage is a thin wrapper over IOBackend.Send used throughout
// replication/election/transfer so every call site logs failures the same
// way. Per raft.h's struct raft_message ("ID of sending or destination
// server"), ServerID/Address name the destination on an outbound message; it
// is the transport's job to rewrite them to the sender's identity before
// invoking onRecv on the other end. sendMessage is the single choke point
// that stamps the destination, so call sites don't need to get this right
// themselves.
func (r *Raft) sendMessage(id ServerID, addr string, msg Message, cb func(error)) {
	msg.ServerID = id
	msg.Address = addr
	if err := r.io.Send(msg, func(err error) {
		if err != nil {
			r.logger.Debug().Uint64("to", uint64(id)).Err(err).Msg("send failed")
		}
		if cb != nil {
			cb(err)
		}
	}); err != nil {
		r.logger.Warn().Uint64("to", uint64(id)).Err(err).Msg("send rejected by io backend")
	}
}

// handleAppendEntriesResult processes a reply at the leader, per spec.md
// §4.4 "On AppendEntriesResult at leader".
func (r *Raft) handleAppendEntriesResult(from ServerID, res *AppendEntriesResult) {
	if res.Term > r.currentTerm {
		r.stepDown(res.Term)
		return
	}
	if r.state != StateLeader {
		return
	}
	p, ok := r.leader.progress[from]
	if !ok {
		return
	}
	p.recentRecv = true

	if res.Rejected != 0 {
		next := res.Rejected
		if res.LastLogIndex+1 < next {
			next = res.LastLogIndex + 1
		}
		if next < 1 {
			next = 1
		}
		p.nextIndex = next
		p.mode = progressProbe
		return
	}

	if res.LastLogIndex > p.matchIndex {
		p.matchIndex = res.LastLogIndex
	}
	p.nextIndex = p.matchIndex + 1
	if p.mode != progressPipeline {
		p.mode = progressPipeline
	}

	r.advanceCommitIndex()
	r.checkPromotionProgress(from)
	r.maybeSendTimeoutNow(from)
}

// advanceCommitIndex recomputes the highest index replicated to a quorum of
// voters from the current term, and applies the result, per spec.md §4.4
// "Commit-index advancement".
func (r *Raft) advanceCommitIndex() {
	if r.state != StateLeader {
		return
	}
	last := r.log.lastIndex()
	for n := last; n > r.commitIndex; n-- {
		term, ok := r.log.termAt(n)
		if !ok || term != r.currentTerm {
			continue
		}
		if r.hasQuorumAt(n) {
			r.commitIndex = n
			break
		}
	}
	r.processLogs()
}

// hasQuorumAt reports whether a quorum of voters (including self via
// lastStored) have matchIndex >= n.
func (r *Raft) hasQuorumAt(n Index) bool {
	count := 0
	for _, s := range r.configuration.Servers {
		if s.Role != RoleVoter {
			continue
		}
		if s.ID == r.id {
			if r.lastStored >= n {
				count++
			}
			continue
		}
		if p, ok := r.leader.progress[s.ID]; ok && p.matchIndex >= n {
			count++
		}
	}
	return count >= r.configuration.Quorum()
}

// checkStepDownFromQuorumLoss steps the leader down if fewer than a quorum
// of voters have been heard from within the last election period, per
// spec.md §4.4 "Step-down from lack of quorum". recentRecv is reset after
// each check.
func (r *Raft) checkStepDownFromQuorumLoss() {
	if r.state != StateLeader {
		return
	}
	// A leader has no election timer of its own, so electionTimerStart marks
	// the start of the current check period.
	now := r.io.Time()
	if now-r.electionTimerStart < r.conf.ElectionTimeout.Milliseconds() {
		return
	}
	r.electionTimerStart = now
	count := 1 // self
	for _, s := range r.configuration.Servers {
		if s.Role != RoleVoter || s.ID == r.id {
			continue
		}
		if p, ok := r.leader.progress[s.ID]; ok && p.recentRecv {
			count++
		}
	}
	for _, p := range r.leader.progress {
		p.recentRecv = false
	}
	if count < r.configuration.Quorum() {
		r.logger.Warn().Msg("stepping down: lost contact with quorum of voters")
		r.stepDown(r.currentTerm)
	}
}

// handleAppendEntries is the follower/candidate-side responder of spec.md
// §4.4 "AppendEntries responder". It owns sending its own reply: when the
// batch requires a durable append the reply is deferred until that append's
// completion callback fires, so the core never acknowledges an index before
// it is durable (spec.md §5).
func (r *Raft) handleAppendEntries(from ServerID, fromAddr string, req *AppendEntriesRequest) {
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
		resp.LastLogIndex = r.log.lastIndex()
		resp.Rejected = req.PrevLogIndex
		if resp.Rejected == 0 {
			resp.Rejected = 1
		}
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

	if req.PrevLogIndex > 0 {
		term, ok := r.log.termAt(req.PrevLogIndex)
		if !ok || term != req.PrevLogTerm {
			resp.Rejected = req.PrevLogIndex
			resp.LastLogIndex = r.log.lastIndex()
			reply(resp)
			return
		}
	}

	conflictAt := Index(0)
	for i, e := range req.Entries {
		idx := req.PrevLogIndex + Index(i) + 1
		term, ok := r.log.termAt(idx)
		if !ok || term != e.Term {
			conflictAt = idx
			break
		}
	}

	finish := func() {
		newLast := req.PrevLogIndex + Index(len(req.Entries))
		if newLast > r.log.lastIndex() {
			newLast = r.log.lastIndex()
		}
		if req.LeaderCommit > r.commitIndex {
			idx := req.LeaderCommit
			if newLast < idx {
				idx = newLast
			}
			if idx > r.commitIndex {
				r.commitIndex = idx
			}
		}
		r.processLogs()
		resp.Rejected = 0
		resp.LastLogIndex = r.log.lastIndex()
		reply(resp)
	}

	if conflictAt != 0 {
		r.log.truncateSuffix(conflictAt)
		r.revertUncommittedConfiguration(conflictAt)
		tail := req.Entries[conflictAt-req.PrevLogIndex-1:]
		// The entries being discarded may already have been durably
		// persisted by a prior Append; truncate them on disk too, before
		// accepting the conflicting tail, or a crash-restart would resurrect
		// them via Load (spec.md §4.4 log matching / durability).
		if err := r.io.Truncate(conflictAt, func(err error) {
			if err != nil {
				r.recordErr(wrapErr(ErrIOErr, err, "truncate rejected by io backend"))
				return
			}
			r.appendReceivedBatch(tail, finish)
		}); err != nil {
			r.recordErr(wrapErr(ErrIOErr, err, "truncate rejected by io backend"))
		}
		return
	}
	finish()
}

// appendReceivedBatch durably persists and appends a batch of entries
// received over the wire, rolling back on failure per spec.md §7. done is
// invoked once the append has settled (successfully or not), so callers can
// defer an RPC reply until the batch is durable.
func (r *Raft) appendReceivedBatch(entries []Entry, done func()) {
	indices := r.log.appendBatch(entries)
	if len(indices) == 0 {
		if done != nil {
			done()
		}
		return
	}
	first := indices[0]
	if err := r.io.Append(entries, func(err error) {
		if err != nil {
			r.logger.Error().Err(err).Msg("append failed, rolling back")
			r.log.truncateSuffix(first)
			if done != nil {
				done()
			}
			return
		}
		last := indices[len(indices)-1]
		if last > r.lastStored {
			r.lastStored = last
		}
		if done != nil {
			done()
		}
	}); err != nil {
		r.log.truncateSuffix(first)
		r.recordErr(wrapErr(ErrIOErr, err, "append rejected by io backend"))
		if done != nil {
			done()
		}
	}
}

// appendLocalEntry appends a single leader-originated entry, durably
// persists it, registers any client callback, and kicks off replication.
// Used by Apply, Barrier and membership changes.
func (r *Raft) appendLocalEntry(e Entry, applyCb func(interface{}, error), barrierCb func(error)) (Index, error) {
	if r.state != StateLeader {
		return 0, ErrNotLeaderErr
	}
	e.Term = r.currentTerm
	idx := r.log.append(e)

	if err := r.io.Append([]Entry{e}, func(err error) {
		if err != nil {
			r.logger.Error().Err(err).Msg("local append failed, rolling back")
			r.log.truncateSuffix(idx)
			r.failRequestAt(idx, wrapErr(ErrIOErr, err, "append"))
			return
		}
		if idx > r.lastStored {
			r.lastStored = idx
		}
		r.advanceCommitIndex()
	}); err != nil {
		r.log.truncateSuffix(idx)
		return 0, wrapErr(ErrIOErr, err, "append rejected by io backend")
	}

	if e.Type != EntryConfigChange {
		if applyCb != nil || barrierCb != nil {
			req := &clientRequest{index: idx, term: e.Term, isApply: applyCb != nil, applyCb: applyCb, barrierCb: barrierCb}
			r.leader.requests = append(r.leader.requests, req)
		}
	}

	for id, p := range r.leader.progress {
		s, ok := r.configuration.Get(id)
		if !ok {
			continue
		}
		r.replicateTo(id, s.Address, p, r.io.Time())
	}
	return idx, nil
}

func (r *Raft) failRequestAt(idx Index, err error) {
	for i, req := range r.leader.requests {
		if req.index == idx {
			req.fail(err)
			r.leader.requests = append(r.leader.requests[:i], r.leader.requests[i+1:]...)
			return
		}
	}
}

// processLogs applies every committed-but-unapplied Command entry to the
// FSM in order, resolves Barrier entries (without applying them), and hands
// ConfigChange entries to the membership component, per spec.md §4.4
// "Applying to the FSM proceeds strictly in index order".
func (r *Raft) processLogs() {
	for r.lastApplied < r.commitIndex {
		idx := r.lastApplied + 1
		e, ok := r.log.get(idx)
		if !ok {
			return // not locally available yet (e.g. right after a snapshot install)
		}
		switch e.Type {
		case EntryCommand:
			result, err := r.fsm.Apply(e.Payload)
			r.resolveRequest(idx, result, err)
		case EntryBarrier:
			r.resolveRequest(idx, nil, nil)
		case EntryConfigChange:
			r.commitConfigChange(idx)
		}
		r.lastApplied = idx
		r.maybeTriggerSnapshot()
	}
}

func (r *Raft) resolveRequest(idx Index, result interface{}, err error) {
	if r.state != StateLeader || r.leader == nil {
		return
	}
	for i, req := range r.leader.requests {
		if req.index != idx {
			continue
		}
		if err != nil {
			req.fail(err)
		} else {
			req.succeed(result)
		}
		r.leader.requests = append(r.leader.requests[:i], r.leader.requests[i+1:]...)
		return
	}
}
