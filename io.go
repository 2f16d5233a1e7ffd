package raft

import "time"

// Snapshot is a point-in-time capture of the FSM plus the log metadata
// needed to resume replication past it.
type Snapshot struct {
	LastIndex          Index
	LastTerm           Term
	Configuration       Configuration
	ConfigurationIndex Index
	Bufs               [][]byte
}

// LoadResult is what IOBackend.Load returns: whatever was durably persisted
// the last time this server ran, before any mutating call is made.
type LoadResult struct {
	Term       Term
	VotedFor   ServerID
	Snapshot   *Snapshot
	StartIndex Index
	Entries    []Entry
}

// IOBackend is the capability object the core uses for all disk and network
// I/O. The core never touches a file descriptor or socket directly; every
// blocking operation is expressed as a call here, completed asynchronously
// via the supplied callback. See spec.md §6 and §5 for the ordering and
// reentrancy guarantees implementations must honor.
type IOBackend interface {
	// Init prepares the backend with this server's own id and address.
	Init(id ServerID, address string) error

	// Load synchronously returns whatever was durably persisted before this
	// call. Invoked exactly once, before any mutating call.
	Load() (LoadResult, error)

	// Start begins invoking onTick every tickInterval and onRecv whenever a
	// message arrives, until Close.
	Start(tickInterval time.Duration, onTick func(), onRecv func(Message)) error

	// Bootstrap synchronously and atomically persists conf as the first log
	// entry, with term 1 and no vote. Returns ErrCantBootstrap if this
	// server already has state.
	Bootstrap(conf Configuration) error

	// Recover forces conf as the new last entry of the log, for manual
	// disaster recovery after a quorum loss.
	Recover(conf Configuration) error

	// SetTerm durably persists the current term, clearing any prior vote.
	SetTerm(term Term) error

	// SetVote durably persists who this server voted for in the current term.
	SetVote(id ServerID) error

	// Append durably persists entries, invoking cb once they are safe to
	// acknowledge. The core will not send a dependent RPC reply before cb
	// fires.
	Append(entries []Entry, cb func(error)) error

	// Truncate asynchronously discards every entry at or after index,
	// invoking cb once the discard is durable. The core will not accept a
	// conflicting entry at an already-persisted index before cb fires.
	Truncate(index Index, cb func(error)) error

	// Send asynchronously delivers msg to its destination, invoking cb on
	// completion (cb may be called with a non-nil error if delivery fails;
	// failed sends are dropped silently by the core per spec.md §7).
	Send(msg Message, cb func(error)) error

	// SnapshotPut asynchronously persists a new snapshot. If trailing is
	// non-zero, only entries older than snapshot.LastIndex-trailing are
	// discarded; if zero, the snapshot fully replaces existing entries.
	SnapshotPut(trailing uint64, snap Snapshot, cb func(error)) error

	// SnapshotGet asynchronously loads the most recently persisted snapshot.
	SnapshotGet(cb func(*Snapshot, error))

	// Time returns a monotonically increasing clock reading, in
	// milliseconds. The core never reads wall-clock time directly.
	Time() int64

	// Random returns a pseudo-random integer in [min, max).
	Random(min, max int) int

	// Close asks the backend to stop invoking onTick/onRecv and to cancel
	// or drain any in-flight requests, then calls cb.
	Close(cb func())
}
