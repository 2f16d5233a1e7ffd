package raft

import "sync/atomic"

// snapshotBoundary records the most recent snapshot's coverage, as seen by
// the log: entries at or below LastIndex are not retrievable here anymore.
type snapshotBoundary struct {
	LastIndex Index
	LastTerm  Term
}

// refKey identifies a log entry for refcounting purposes.
type refKey struct {
	term  Term
	index Index
}

// entryRef is one bucket entry in the refcount hash table (raft.h's
// raft_entry_ref): how many live references (log + in-flight I/O) an entry
// still has, and which batch, if any, its payload memory belongs to.
type entryRef struct {
	count uint16
	batch batchID
}

// batchEntries tracks the set of entries backed by a single received batch,
// so the batch's buffer is only released once every member entry has
// dropped to a zero refcount.
type batchEntries struct {
	remaining int
}

// entryLog is the in-memory ring buffer of log entries plus its refcount
// table, as specified in raft.h's struct raft_log. It is never entered
// concurrently; all operations run on the single core goroutine.
type entryLog struct {
	entries []Entry // circular buffer, len(entries) == cap
	front   int     // index of oldest used slot
	back    int     // index one past newest used slot
	count   int     // number of used slots
	offset  Index   // index of entries[front] is offset+1

	refs    map[refKey]*entryRef
	batches map[batchID]*batchEntries
	nextBatch uint64

	snapshot snapshotBoundary

	// countGauge mirrors count atomically so it can be read from outside the
	// single core goroutine (e.g. a metrics exporter) without a lock.
	countGauge entryCountGauge
}

func newEntryLog() *entryLog {
	return &entryLog{
		entries: make([]Entry, 8),
		refs:    make(map[refKey]*entryRef),
		batches: make(map[batchID]*batchEntries),
	}
}

// firstIndex returns the index of the oldest entry retrievable from the log,
// i.e. one past the snapshot boundary.
func (l *entryLog) firstIndex() Index {
	return l.snapshot.LastIndex + 1
}

// lastIndex returns the index of the newest entry in the log, or the
// snapshot's LastIndex if the log holds nothing beyond the snapshot.
func (l *entryLog) lastIndex() Index {
	if l.count == 0 {
		return l.snapshot.LastIndex
	}
	return l.offset + Index(l.count)
}

// lastTerm returns the term of the newest entry, falling back to the
// snapshot's LastTerm when the log is empty.
func (l *entryLog) lastTerm() Term {
	if l.count == 0 {
		return l.snapshot.LastTerm
	}
	e, _ := l.get(l.lastIndex())
	return e.Term
}

// slotFor maps a log index to its ring-buffer slot, assuming it is present.
func (l *entryLog) slotFor(index Index) int {
	off := int(index - l.offset - 1)
	return (l.front + off) % len(l.entries)
}

// get returns the entry at index, or false if it is not present locally
// (beyond lastIndex, already compacted away, or its refcount dropped to zero).
func (l *entryLog) get(index Index) (Entry, bool) {
	if index <= l.snapshot.LastIndex || index <= l.offset || index > l.lastIndex() || l.count == 0 {
		return Entry{}, false
	}
	e := l.entries[l.slotFor(index)]
	if _, live := l.refs[refKey{e.Term, index}]; !live {
		return Entry{}, false
	}
	return e, true
}

// termAt returns the term of the entry at index. If index equals the
// snapshot boundary, the snapshot's LastTerm is returned instead, per
// spec.md 4.1.
func (l *entryLog) termAt(index Index) (Term, bool) {
	if index == 0 {
		return 0, true
	}
	if index == l.snapshot.LastIndex {
		return l.snapshot.LastTerm, true
	}
	e, ok := l.get(index)
	if !ok {
		return 0, false
	}
	return e.Term, true
}

// grow doubles the ring buffer's capacity, copying live slots contiguously.
func (l *entryLog) grow() {
	newCap := len(l.entries) * 2
	if newCap == 0 {
		newCap = 8
	}
	fresh := make([]Entry, newCap)
	for i := 0; i < l.count; i++ {
		fresh[i] = l.entries[(l.front+i)%len(l.entries)]
	}
	l.entries = fresh
	l.front = 0
	l.back = l.count
}

// append adds a single locally-originated entry (no batch) to the log,
// giving it an initial refcount of one.
func (l *entryLog) append(e Entry) Index {
	if l.count == len(l.entries) {
		l.grow()
	}
	if l.count == 0 {
		l.offset = l.lastIndexBeforeAppend()
	}
	l.entries[l.back] = e
	l.back = (l.back + 1) % len(l.entries)
	l.count++
	l.countGauge.set(l.count)
	idx := l.offset + Index(l.count)
	l.refs[refKey{e.Term, idx}] = &entryRef{count: 1}
	return idx
}

// lastIndexBeforeAppend computes the offset to use when the log transitions
// from empty to non-empty: the next append must continue right after
// whatever was last known (either a prior snapshot or a prior tail).
func (l *entryLog) lastIndexBeforeAppend() Index {
	if l.offset == 0 {
		return l.snapshot.LastIndex
	}
	return l.offset
}

// appendBatch adds a contiguous run of entries that arrived together (over
// the wire, or from disk at load time), tagging them with a shared batch id
// so their backing buffer is released as a unit.
func (l *entryLog) appendBatch(entries []Entry) []Index {
	if len(entries) == 0 {
		return nil
	}
	l.nextBatch++
	id := batchID(l.nextBatch)
	l.batches[id] = &batchEntries{remaining: len(entries)}

	indices := make([]Index, len(entries))
	for i, e := range entries {
		e.batch = id
		if l.count == len(l.entries) {
			l.grow()
		}
		if l.count == 0 {
			l.offset = l.lastIndexBeforeAppend()
		}
		l.entries[l.back] = e
		l.back = (l.back + 1) % len(l.entries)
		l.count++
		idx := l.offset + Index(l.count)
		l.refs[refKey{e.Term, idx}] = &entryRef{count: 1, batch: id}
		indices[i] = idx
	}
	l.countGauge.set(l.count)
	return indices
}

// truncateSuffix removes every entry with index >= from, releasing their
// refcounts. Used both to roll back a failed local append and to drop
// conflicting entries before accepting a leader's AppendEntries.
func (l *entryLog) truncateSuffix(from Index) {
	if l.count == 0 || from > l.lastIndex() {
		return
	}
	if from <= l.snapshot.LastIndex {
		from = l.snapshot.LastIndex + 1
	}
	keep := int(from - l.offset - 1)
	if keep < 0 {
		keep = 0
	}
	for i := keep; i < l.count; i++ {
		slot := (l.front + i) % len(l.entries)
		e := l.entries[slot]
		idx := l.offset + Index(i) + 1
		l.release(e.Term, idx)
		l.entries[slot] = Entry{}
	}
	l.count = keep
	l.back = (l.front + keep) % len(l.entries)
	l.countGauge.set(l.count)
}

// truncatePrefix removes every entry with index <= upTo. Used after a
// snapshot is durably installed; if upTo reaches or exceeds lastIndex the log
// becomes empty and its offset is advanced so the next append starts right
// after upTo.
func (l *entryLog) truncatePrefix(upTo Index) {
	if upTo < l.offset {
		return
	}
	if l.count == 0 {
		l.offset = upTo
		return
	}
	drop := int(upTo - l.offset)
	if drop > l.count {
		drop = l.count
	}
	for i := 0; i < drop; i++ {
		slot := (l.front + i) % len(l.entries)
		e := l.entries[slot]
		idx := l.offset + Index(i) + 1
		l.release(e.Term, idx)
		l.entries[slot] = Entry{}
	}
	l.front = (l.front + drop) % len(l.entries)
	l.count -= drop
	l.offset += Index(drop)
	if l.count == 0 && l.offset < upTo {
		l.offset = upTo
	}
	l.countGauge.set(l.count)
}

// acquire increments the refcount of the entry at (term, index); used when a
// log entry is handed to an outstanding I/O request.
func (l *entryLog) acquire(term Term, index Index) {
	if r, ok := l.refs[refKey{term, index}]; ok {
		r.count++
	}
}

// release decrements the refcount of the entry at (term, index). When it
// reaches zero the ref-table entry is dropped and, if the entry belonged to
// a batch, the batch is released once every member has also reached zero.
func (l *entryLog) release(term Term, index Index) {
	key := refKey{term, index}
	r, ok := l.refs[key]
	if !ok {
		return
	}
	r.count--
	if r.count > 0 {
		return
	}
	batch := r.batch
	delete(l.refs, key)
	if batch == 0 {
		return
	}
	if b, ok := l.batches[batch]; ok {
		b.remaining--
		if b.remaining <= 0 {
			delete(l.batches, batch)
		}
	}
}

// restore replaces the log's view entirely with a snapshot boundary,
// discarding any entries at or below the snapshot (used on InstallSnapshot
// and on load-time snapshot restore).
func (l *entryLog) restore(last Index, term Term) {
	for i := 0; i < l.count; i++ {
		slot := (l.front + i) % len(l.entries)
		e := l.entries[slot]
		idx := l.offset + Index(i) + 1
		l.release(e.Term, idx)
	}
	l.front, l.back, l.count = 0, 0, 0
	l.offset = last
	l.snapshot = snapshotBoundary{LastIndex: last, LastTerm: term}
	l.countGauge.set(l.count)
}

// liveRefCount is a test/diagnostic helper reporting the sum of all
// outstanding refcounts, used to verify the refcount invariant (spec.md §8
// property 9: total refs == sum of per-entry refcounts, nothing leaks).
func (l *entryLog) liveRefCount() int {
	total := 0
	for _, r := range l.refs {
		total += int(r.count)
	}
	return total
}

// entryCountGauge is an atomic view of how many entries are currently
// buffered; exposed for metrics/tracing without requiring a lock, since the
// core is single-threaded but an external monitor may read it.
type entryCountGauge struct{ v int64 }

func (g *entryCountGauge) set(n int)  { atomic.StoreInt64(&g.v, int64(n)) }
func (g *entryCountGauge) get() int64 { return atomic.LoadInt64(&g.v) }
