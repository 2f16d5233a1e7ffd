package raft

import (
	"time"

	"github.com/rs/zerolog"
)

// Config holds the tunable knobs of a Raft instance (spec.md §6). It carries
// no CLI or file-loading logic — this package's Non-goals exclude that;
// callers are expected to construct it directly or via a higher layer.
type Config struct {
	// ElectionTimeout is the baseline follower/candidate timeout, randomized
	// between 1x and 2x on every reset. Default 1000ms.
	ElectionTimeout time.Duration

	// HeartbeatTimeout bounds how long a leader can go without sending an
	// AppendEntries to a given follower before sending an empty one.
	// Default 100ms.
	HeartbeatTimeout time.Duration

	// SnapshotThreshold is the number of applied-but-unsnapshotted entries
	// that triggers a new snapshot. Default 1024.
	SnapshotThreshold uint64

	// SnapshotTrailing is the number of entries to retain in the log after a
	// snapshot, so slow followers don't immediately need InstallSnapshot.
	// Default 128.
	SnapshotTrailing uint64

	// MaxAppendEntries bounds how many entries a single pipelined
	// AppendEntries RPC may carry.
	MaxAppendEntries int

	// Logger receives structured diagnostic events. If nil, a disabled
	// logger is used (no output).
	Logger zerolog.Logger

	// Tracer receives fine-grained trace events (election started, snapshot
	// installed, ...). If nil, tracing is disabled.
	Tracer Tracer
}

// DefaultConfig returns the knob defaults specified in spec.md §6.
func DefaultConfig() Config {
	return Config{
		ElectionTimeout:   1000 * time.Millisecond,
		HeartbeatTimeout:  100 * time.Millisecond,
		SnapshotThreshold: 1024,
		SnapshotTrailing:  128,
		MaxAppendEntries:  64,
		Logger:            zerolog.Nop(),
		Tracer:            noopTracer{},
	}
}

// Validate rejects configurations that would make the protocol unsafe or
// meaningless, such as a zero election timeout (spec.md §8 boundary
// behaviors: "election timeout equal to 0 rejected at config time").
func (c Config) Validate() error {
	if c.ElectionTimeout <= 0 {
		return newErr(ErrInvalid, "election timeout must be greater than zero")
	}
	if c.HeartbeatTimeout <= 0 {
		return newErr(ErrInvalid, "heartbeat timeout must be greater than zero")
	}
	if c.HeartbeatTimeout >= c.ElectionTimeout {
		return newErr(ErrInvalid, "heartbeat timeout must be smaller than election timeout")
	}
	if c.MaxAppendEntries <= 0 {
		return newErr(ErrInvalid, "max append entries must be greater than zero")
	}
	return nil
}

func (c Config) logger() zerolog.Logger {
	return c.Logger
}

func (c Config) tracer() Tracer {
	if c.Tracer == nil {
		return noopTracer{}
	}
	return c.Tracer
}
