// Package raft implements the consensus core of a single Raft server: leader
// election, log replication, single-server membership change, snapshotting
// and log compaction, and leadership transfer.
//
// The package follows the Raft dissertation (Ongaro, 2014). It does not
// perform disk or network I/O itself, does not implement a state machine,
// and does not provide a CLI or configuration loader — those are injected as
// capability objects (IOBackend, FSM) so the core stays free of a specific
// transport or storage engine. See Config, IOBackend and FSM.
//
// The core is single-threaded and re-entrant: every exported method must be
// called from the same goroutine that drives Tick and Recv, and none of
// them block. Results of asynchronous operations (Apply, Barrier,
// AddServerAsync, PromoteServer, ...) are delivered through callbacks invoked synchronously from within a
// later Tick or Recv call, never from a background goroutine.
package raft
