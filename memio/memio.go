// Package memio is an in-memory IOBackend and FSM, used by this module's
// own test suite to drive a multi-node cluster without touching disk or a
// real network. It is not meant for production use: persistence is a plain
// slice, and a shared Network delivers each message by queueing it for the
// destination Backend's run-loop goroutine.
package memio

import (
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"

	"github.com/linux-fan-dave/raft"
)

// Network is the shared switchboard a set of Backends register with so Send
// can deliver directly to another Backend's run loop, the way a real
// transport would deliver across a socket.
type Network struct {
	mu   sync.RWMutex
	byID map[raft.ServerID]*Backend

	// dropRate, if non-zero in [0,1), randomly fails deliveries, for
	// exercising retry/probe-mode behavior in tests.
	dropRate float64
	rng      *lockedRand
}

// NewNetwork creates an empty switchboard.
func NewNetwork() *Network {
	return &Network{
		byID: make(map[raft.ServerID]*Backend),
		rng:  newLockedRand(1),
	}
}

// SetDropRate configures random delivery failures in [0, 1).
func (n *Network) SetDropRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = rate
}

func (n *Network) register(b *Backend) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.byID[b.id] = b
}

func (n *Network) unregister(id raft.ServerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.byID, id)
}

func (n *Network) deliver(from *Backend, msg raft.Message) error {
	n.mu.RLock()
	dest, ok := n.byID[msg.ServerID]
	drop := n.dropRate > 0 && n.rng.Float64() < n.dropRate
	n.mu.RUnlock()
	if !ok {
		return raft.NewError(raft.ErrNoConnection, "no such server %d", msg.ServerID)
	}
	if drop {
		return raft.NewError(raft.ErrNoConnection, "delivery dropped")
	}
	// The transport rewrites ServerID/Address from "destination" to
	// "sender" before handing the message to the receiving side, per
	// raft.h's struct raft_message convention.
	msg.ServerID = from.id
	msg.Address = from.address
	dest.enqueue(msg)
	return nil
}

// Backend is a single node's in-memory IOBackend. Every exported method
// implements raft.IOBackend.
type Backend struct {
	network *Network
	clock   clock.Clock

	id      raft.ServerID
	address string

	mu         sync.Mutex
	term       raft.Term
	votedFor   raft.ServerID
	entries    []raft.Entry
	startIndex raft.Index // index of entries[0]-1; 0 when entries[0] is index 1
	snapshot   *raft.Snapshot
	hasState   bool

	onTick func()
	onRecv func(raft.Message)

	msgCh   chan raft.Message
	closeCh chan struct{}
	done    chan struct{}

	rng *lockedRand
}

// NewBackend constructs a node bound to network, using clk as its time
// source (pass clock.NewClock() for wall-clock time, or a
// code.cloudfoundry.org/clock/fakeclock.FakeClock in tests that need
// deterministic control over ticks).
func NewBackend(network *Network, clk clock.Clock) *Backend {
	return &Backend{
		network: network,
		clock:   clk,
		rng:     newLockedRand(int64(uuid.New().ID())),
		msgCh:   make(chan raft.Message, 256),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (b *Backend) Init(id raft.ServerID, address string) error {
	b.id = id
	b.address = address
	b.network.register(b)
	return nil
}

func (b *Backend) Load() (raft.LoadResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := make([]raft.Entry, len(b.entries))
	copy(entries, b.entries)
	return raft.LoadResult{
		Term:       b.term,
		VotedFor:   b.votedFor,
		Snapshot:   b.snapshot,
		StartIndex: b.startIndex + 1,
		Entries:    entries,
	}, nil
}

func (b *Backend) Start(tickInterval time.Duration, onTick func(), onRecv func(raft.Message)) error {
	b.onTick = onTick
	b.onRecv = onRecv
	ticker := b.clock.NewTicker(tickInterval)
	go func() {
		defer close(b.done)
		defer ticker.Stop()
		for {
			select {
			case <-b.closeCh:
				return
			case <-ticker.C():
				b.onTick()
			case msg := <-b.msgCh:
				b.onRecv(msg)
			}
		}
	}()
	return nil
}

func (b *Backend) Bootstrap(conf raft.Configuration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hasState {
		return raft.NewError(raft.ErrCantBootstrap, "already has state")
	}
	payload, err := conf.Encode()
	if err != nil {
		return err
	}
	b.entries = []raft.Entry{{Term: 1, Type: raft.EntryConfigChange, Payload: payload}}
	b.term = 1
	b.hasState = true
	return nil
}

func (b *Backend) Recover(conf raft.Configuration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload, err := conf.Encode()
	if err != nil {
		return err
	}
	b.entries = append(b.entries, raft.Entry{Term: b.term, Type: raft.EntryConfigChange, Payload: payload})
	return nil
}

func (b *Backend) SetTerm(term raft.Term) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.term = term
	b.votedFor = 0
	return nil
}

func (b *Backend) SetVote(id raft.ServerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.votedFor = id
	return nil
}

func (b *Backend) Append(entries []raft.Entry, cb func(error)) error {
	b.mu.Lock()
	b.entries = append(b.entries, entries...)
	b.mu.Unlock()
	// A real disk-backed backend would complete cb asynchronously once
	// fsynced; this in-memory reference has nothing to wait on, so it
	// completes inline. Callers must not assume ordering beyond what the
	// IOBackend contract promises.
	if cb != nil {
		cb(nil)
	}
	return nil
}

func (b *Backend) Truncate(index raft.Index, cb func(error)) error {
	b.mu.Lock()
	keep := int(index) - int(b.startIndex) - 1
	if keep < 0 {
		keep = 0
	}
	if keep < len(b.entries) {
		b.entries = b.entries[:keep]
	}
	b.mu.Unlock()
	// Completes inline for the same reason Append does: this backend has
	// nothing to wait on.
	if cb != nil {
		cb(nil)
	}
	return nil
}

func (b *Backend) Send(msg raft.Message, cb func(error)) error {
	err := b.network.deliver(b, msg)
	if cb != nil {
		cb(err)
	}
	return nil
}

func (b *Backend) SnapshotPut(trailing uint64, snap raft.Snapshot, cb func(error)) error {
	b.mu.Lock()
	b.snapshot = &snap
	keep := int(snap.LastIndex) - int(trailing) - int(b.startIndex) - 1
	if keep < 0 {
		keep = 0
	}
	if keep <= len(b.entries) {
		b.entries = b.entries[keep:]
		b.startIndex += raft.Index(keep)
	}
	b.mu.Unlock()
	if cb != nil {
		cb(nil)
	}
	return nil
}

func (b *Backend) SnapshotGet(cb func(*raft.Snapshot, error)) {
	b.mu.Lock()
	s := b.snapshot
	b.mu.Unlock()
	if cb != nil {
		cb(s, nil)
	}
}

func (b *Backend) Time() int64 {
	return b.clock.Now().UnixMilli()
}

func (b *Backend) Random(min, max int) int {
	if max <= min {
		return min
	}
	return min + b.rng.Intn(max-min)
}

func (b *Backend) Close(cb func()) {
	close(b.closeCh)
	go func() {
		<-b.done
		b.network.unregister(b.id)
		if cb != nil {
			cb()
		}
	}()
}

func (b *Backend) enqueue(msg raft.Message) {
	select {
	case b.msgCh <- msg:
	case <-b.closeCh:
	}
}
