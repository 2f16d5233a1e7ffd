package raft

// MessageType identifies which of the six RPC kinds a Message carries.
type MessageType uint8

const (
	MsgAppendEntries MessageType = iota + 1
	MsgAppendEntriesResult
	MsgRequestVote
	MsgRequestVoteResult
	MsgInstallSnapshot
	MsgTimeoutNow
)

// Message is one wire RPC. Exactly one of the typed payload fields is set,
// selected by Type. The wire encoding itself is the I/O backend's concern
// (spec.md §6); the core only ever works with this structured value.
type Message struct {
	Type      MessageType
	ServerID  ServerID
	Address   string

	AppendEntries       *AppendEntriesRequest
	AppendEntriesResult *AppendEntriesResult
	RequestVote         *RequestVoteRequest
	RequestVoteResult   *RequestVoteResult
	InstallSnapshot     *InstallSnapshotRequest
	TimeoutNow          *TimeoutNowRequest
}

// AppendEntriesRequest is sent by the leader to replicate log entries, and
// doubles as a heartbeat when Entries is empty.
type AppendEntriesRequest struct {
	Term         Term
	PrevLogIndex Index
	PrevLogTerm  Term
	Entries      []Entry
	LeaderCommit Index
}

// AppendEntriesResult is the follower's reply to an AppendEntriesRequest.
type AppendEntriesResult struct {
	Term         Term
	Rejected     Index // non-zero: the PrevLogIndex that was rejected
	LastLogIndex Index // hint: the responder's own last log index
}

// RequestVoteRequest is sent by a candidate soliciting votes.
type RequestVoteRequest struct {
	Term          Term
	CandidateID   ServerID
	LastLogIndex  Index
	LastLogTerm   Term
	DisruptLeader bool
}

// RequestVoteResult is a voter's reply to a RequestVoteRequest.
type RequestVoteResult struct {
	Term         Term
	VoteGranted bool
}

// InstallSnapshotRequest transfers a full FSM snapshot to a follower that
// has fallen too far behind for normal log replication.
type InstallSnapshotRequest struct {
	Term               Term
	LastIndex          Index
	LastTerm           Term
	Configuration      Configuration
	ConfigurationIndex Index
	Data               []byte
}

// TimeoutNowRequest asks its recipient to immediately start an election
// that bypasses the disruption-suppression rule, as part of a leadership
// transfer.
type TimeoutNowRequest struct {
	Term         Term
	LastLogIndex Index
	LastLogTerm  Term
}
