package raft

// clientRequest is a pending Apply or Barrier submitted by the leader,
// waiting for its log entry to commit (and, for commands, apply). Requests
// are kept in a queue ordered by Index so processLogs can resolve them in
// order as the commit index advances — the synchronous analogue of the
// teacher's logFuture, grounded on moogacs-raft's logFuture/commitTuple
// (see DESIGN.md).
type clientRequest struct {
	index   Index
	term    Term
	isApply bool // true: Apply (result delivered); false: Barrier (no result)

	applyCb   func(result interface{}, err error)
	barrierCb func(err error)
}

func (r *clientRequest) fail(err error) {
	if r.isApply && r.applyCb != nil {
		r.applyCb(nil, err)
	} else if !r.isApply && r.barrierCb != nil {
		r.barrierCb(err)
	}
}

func (r *clientRequest) succeed(result interface{}) {
	if r.isApply && r.applyCb != nil {
		r.applyCb(result, nil)
	} else if !r.isApply && r.barrierCb != nil {
		r.barrierCb(nil)
	}
}

// changeRequest is the single pending membership-change callback, mirroring
// raft.h's struct raft_change. At most one is outstanding at a time (spec.md
// §4.5, single-server change).
type changeRequest struct {
	cb func(err error)
}

// transferRequest tracks an in-progress leadership transfer (spec.md §4.7).
type transferRequest struct {
	target   ServerID
	deadline int64
	cb       func()
}
