package raft

// FSM is the user-supplied, deterministic state machine this server drives
// in lock-step with every other server in the cluster. It is owned
// exclusively by the core; nothing outside the core may touch it while the
// core is running. Apply calls occur serially and in strict log-index
// order, matching raft.h's struct raft_fsm contract.
type FSM interface {
	// Apply applies a single committed EntryCommand payload, returning an
	// application-defined result (or error) that is handed back to the
	// caller of Apply via its callback.
	Apply(payload []byte) (interface{}, error)

	// Snapshot captures the FSM's current state as one or more buffers.
	// Called synchronously from within Tick when a snapshot is triggered;
	// the returned buffers are then handed to IOBackend.SnapshotPut.
	Snapshot() ([][]byte, error)

	// Restore replaces the FSM's entire state from a previously captured
	// snapshot buffer (InstallSnapshot, or a snapshot loaded at startup).
	Restore(data []byte) error
}
