package raft

import (
	"github.com/rs/zerolog"
)

// leaderState holds the volatile fields that exist only while this server
// is leader (spec.md §3 "Per-state volatile: Leader").
type leaderState struct {
	progress  map[ServerID]*progress
	requests  []*clientRequest
	change    *changeRequest
	promotion *promotionState
	transfer  *transferRequest
}

// promotionState tracks a promotion-to-voter's catch-up rounds, per spec.md
// §4.5.
type promotionState struct {
	promoteeID  ServerID
	roundNumber int
	roundIndex  Index
	roundStart  int64
}

// candidateState holds the volatile fields that exist only while this
// server is a candidate.
type candidateState struct {
	randomizedElectionTimeout int64
	votes                     map[ServerID]bool
}

// followerState holds the volatile fields that exist only while this server
// is a follower.
type followerState struct {
	randomizedElectionTimeout int64
	currentLeaderID           ServerID
	currentLeaderAddress      string
}

// snapshotState tracks an in-progress local snapshot operation.
type snapshotState struct {
	inProgress bool
}

// Raft drives the consensus state of a single server. It is not safe for
// concurrent use: every method must be called from the single goroutine
// that also invokes the IOBackend's tick/recv callbacks into Tick/Recv.
type Raft struct {
	id      ServerID
	address string
	conf    Config
	logger  zerolog.Logger
	tracer  Tracer

	io  IOBackend
	fsm FSM

	log *entryLog

	// Persistent state (durable before any RPC reply or apply).
	currentTerm Term
	votedFor    ServerID

	// Membership (spec.md §3 "Membership state").
	configuration                  Configuration
	configurationIndex             Index
	configurationUncommittedIndex Index

	// Volatile state (spec.md §3 "Volatile state").
	commitIndex Index
	lastApplied Index
	lastStored  Index
	state       State

	electionTimerStart int64

	follower  followerState
	candidate candidateState
	leader    *leaderState

	snapshotMeta *Snapshot
	snapshot     snapshotState

	closing bool
	closeCb func()

	errmsg string
	lastErr error

	started bool
}

// NewRaft constructs a Raft instance bound to the given identity, I/O
// backend and FSM. It does not start the instance; call Start to load
// persisted state and begin driving the protocol.
func NewRaft(id ServerID, address string, conf Config, io IOBackend, fsm FSM) (*Raft, error) {
	if id == 0 {
		return nil, newErr(ErrBadID, "server id must be non-zero")
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	r := &Raft{
		id:      id,
		address: address,
		conf:    conf,
		logger:  conf.logger(),
		tracer:  conf.tracer(),
		io:      io,
		fsm:     fsm,
		log:     newEntryLog(),
		state:   StateFollower,
	}
	return r, nil
}

// Start loads persisted state from the I/O backend, restores any snapshot,
// and begins the protocol: follower, unless this is the only voter in the
// configuration, in which case it self-elects immediately.
func (r *Raft) Start() error {
	if r.started {
		return newErr(ErrInvalid, "already started")
	}
	if err := r.io.Init(r.id, r.address); err != nil {
		return wrapErr(ErrIOErr, err, "init io backend")
	}
	loaded, err := r.io.Load()
	if err != nil {
		r.state = StateUnavailable
		return wrapErr(ErrCorrupt, err, "load persisted state")
	}
	r.currentTerm = loaded.Term
	r.votedFor = loaded.VotedFor

	if loaded.Snapshot != nil {
		r.installLoadedSnapshot(loaded.Snapshot)
	}
	if len(loaded.Entries) > 0 {
		r.log.offset = loaded.StartIndex - 1
		r.log.appendBatch(loaded.Entries)
		r.adoptConfigurationFromLog()
	}

	r.resetElectionTimer(StateFollower)
	r.started = true

	if r.isSoleVoter() {
		r.becomeCandidate(false)
		r.tallyVote(r.id, true)
	}

	// Start is called last: once it returns, the backend's run loop may
	// invoke Tick/Recv concurrently with the rest of this function, which
	// would otherwise race with the self-election above.
	if err := r.io.Start(r.conf.HeartbeatTimeout, r.Tick, r.Recv); err != nil {
		r.state = StateUnavailable
		return wrapErr(ErrIOErr, err, "start io backend")
	}
	return nil
}

func (r *Raft) installLoadedSnapshot(s *Snapshot) {
	r.log.restore(s.LastIndex, s.LastTerm)
	r.snapshotMeta = s
	r.configuration = s.Configuration.Clone()
	r.configurationIndex = s.ConfigurationIndex
	r.commitIndex = s.LastIndex
	r.lastApplied = s.LastIndex
	r.lastStored = s.LastIndex
	if err := r.fsm.Restore(s.flatData()); err != nil {
		r.logger.Error().Err(err).Msg("failed to restore fsm from loaded snapshot")
	}
}

// adoptConfigurationFromLog scans the loaded log tail for the most recent
// EntryConfigChange and adopts it as the in-memory configuration, matching
// spec.md §3 "the in-memory configuration always mirrors the log entry at
// max(configuration_index, configuration_uncommitted_index)".
func (r *Raft) adoptConfigurationFromLog() {
	for idx := r.log.lastIndex(); idx > r.log.snapshot.LastIndex; idx-- {
		e, ok := r.log.get(idx)
		if !ok || e.Type != EntryConfigChange {
			continue
		}
		conf, err := DecodeConfiguration(e.Payload)
		if err != nil {
			r.logger.Error().Err(err).Msg("failed to decode configuration entry from log")
			return
		}
		r.configuration = conf
		if idx <= r.commitIndex {
			r.configurationIndex = idx
		} else {
			r.configurationUncommittedIndex = idx
			r.configurationIndex = 0
			for j := idx - 1; j > r.log.snapshot.LastIndex; j-- {
				if e2, ok := r.log.get(j); ok && e2.Type == EntryConfigChange {
					r.configurationIndex = j
					break
				}
			}
		}
		return
	}
}

func (r *Raft) isSoleVoter() bool {
	if r.configuration.VoterCount() != 1 {
		return false
	}
	s, ok := r.configuration.Get(r.id)
	return ok && s.Role == RoleVoter
}

// Bootstrap persists conf as the cluster's first configuration and prepares
// this server to start as part of it (spec.md / raft.h raft_bootstrap).
func (r *Raft) Bootstrap(conf Configuration) error {
	if r.started {
		return newErr(ErrCantBootstrap, "already started")
	}
	if err := r.io.Bootstrap(conf); err != nil {
		return wrapErr(ErrCantBootstrap, err, "bootstrap")
	}
	return nil
}

// Recover forces conf as the new last configuration entry, for manual
// disaster recovery (spec.md / raft.h raft_recover).
func (r *Raft) Recover(conf Configuration) error {
	if err := r.io.Recover(conf); err != nil {
		return wrapErr(ErrIOErr, err, "recover")
	}
	return nil
}

// State returns this server's current role.
func (r *Raft) State() State { return r.state }

// Leader returns the id and address of the server this instance currently
// believes is leader. Both are zero/empty if unknown.
func (r *Raft) Leader() (ServerID, string) {
	switch r.state {
	case StateLeader:
		return r.id, r.address
	case StateFollower:
		return r.follower.currentLeaderID, r.follower.currentLeaderAddress
	default:
		return 0, ""
	}
}

// LastIndex returns the index of the last entry appended to the local log.
func (r *Raft) LastIndex() Index { return r.log.lastIndex() }

// LastApplied returns the index of the last entry applied to the local FSM.
func (r *Raft) LastApplied() Index { return r.lastApplied }

// Configuration returns a snapshot of the current cluster membership, which
// may include this server's own latest, possibly uncommitted, change.
func (r *Raft) Configuration() Configuration { return r.configuration.Clone() }

// EntryCount returns how many log entries are currently buffered in memory
// (including any trailing entries kept behind a snapshot), safe to call from
// outside the single core goroutine, e.g. from a metrics exporter.
func (r *Raft) EntryCount() int64 { return r.log.countGauge.get() }

// ErrMsg returns a human-readable description of the most recent internal
// error, mirroring raft_errmsg.
func (r *Raft) ErrMsg() string { return r.errmsg }

func (r *Raft) recordErr(err error) {
	if err == nil {
		return
	}
	r.lastErr = err
	r.errmsg = err.Error()
}

// setCurrentTerm durably persists a new term (clearing any vote) before
// updating the in-memory cache, per spec.md §4.3 "All persistence ... is
// synchronous (durable) before the RPC reply is emitted."
func (r *Raft) setCurrentTerm(t Term) error {
	if err := r.io.SetTerm(t); err != nil {
		return wrapErr(ErrIOErr, err, "persist term")
	}
	r.currentTerm = t
	r.votedFor = 0
	return nil
}

// persistVote durably persists a vote for candidate in the current term.
func (r *Raft) persistVote(candidate ServerID) error {
	if err := r.io.SetVote(candidate); err != nil {
		return wrapErr(ErrIOErr, err, "persist vote")
	}
	r.votedFor = candidate
	return nil
}

// setState transitions to a new role, clearing the outgoing variant's
// resources (a leader's progress trackers and pending requests, a
// candidate's vote tally).
func (r *Raft) setState(s State) {
	if r.state == s {
		return
	}
	switch r.state {
	case StateLeader:
		r.teardownLeader()
	case StateCandidate:
		r.candidate = candidateState{}
	}
	r.state = s
	switch s {
	case StateFollower:
		r.resetElectionTimer(StateFollower)
	case StateCandidate:
		r.resetElectionTimer(StateCandidate)
	case StateLeader:
		r.setupLeader()
	}
}

func (r *Raft) resetElectionTimer(s State) {
	r.electionTimerStart = r.io.Time()
	timeout := r.randomizedTimeout()
	switch s {
	case StateFollower:
		r.follower.randomizedElectionTimeout = timeout
	case StateCandidate:
		r.candidate.randomizedElectionTimeout = timeout
	}
}

func (r *Raft) randomizedTimeout() int64 {
	base := r.conf.ElectionTimeout.Milliseconds()
	return int64(r.io.Random(int(base), int(base*2)))
}

func (r *Raft) setupLeader() {
	ls := &leaderState{
		progress: make(map[ServerID]*progress),
	}
	lastIdx := r.log.lastIndex()
	for _, s := range r.configuration.Servers {
		if s.ID == r.id {
			continue
		}
		ls.progress[s.ID] = newProgress(lastIdx)
	}
	r.leader = ls
	r.follower = followerState{}
}

func (r *Raft) teardownLeader() {
	if r.leader == nil {
		return
	}
	for _, req := range r.leader.requests {
		req.fail(ErrLeadershipLostErr)
	}
	if r.leader.change != nil && r.leader.change.cb != nil {
		r.leader.change.cb(ErrLeadershipLostErr)
	}
	if r.leader.transfer != nil && r.leader.transfer.cb != nil {
		r.leader.transfer.cb()
	}
	r.leader = nil
}

// stepDown adopts a newer term (if any) and transitions to follower,
// clearing the current leader until the next AppendEntries arrives.
func (r *Raft) stepDown(term Term) {
	if term > r.currentTerm {
		if err := r.setCurrentTerm(term); err != nil {
			r.recordErr(err)
		}
	}
	r.setState(StateFollower)
}
