package raft

// Tracer is an optional diagnostic sink, mirroring raft.h's struct
// raft_tracer. Implementations typically forward to an external tracing
// system; the zero value (nil) disables tracing entirely.
type Tracer interface {
	Emit(file string, line int, message string)
}

// noopTracer discards every event; used when a Raft instance is configured
// without a Tracer.
type noopTracer struct{}

func (noopTracer) Emit(string, int, string) {}
