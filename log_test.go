package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryLogAppendAndGet(t *testing.T) {
	l := newEntryLog()
	idx1 := l.append(Entry{Term: 1, Type: EntryCommand, Payload: []byte("a")})
	idx2 := l.append(Entry{Term: 1, Type: EntryCommand, Payload: []byte("b")})

	assert.Equal(t, Index(1), idx1)
	assert.Equal(t, Index(2), idx2)
	assert.Equal(t, Index(2), l.lastIndex())
	assert.Equal(t, Term(1), l.lastTerm())

	e, ok := l.get(1)
	require.True(t, ok)
	assert.Equal(t, []byte("a"), e.Payload)
}

func TestEntryLogGrowPreservesOrder(t *testing.T) {
	l := newEntryLog()
	for i := 0; i < 100; i++ {
		l.append(Entry{Term: 1, Payload: []byte{byte(i)}})
	}
	for i := 1; i <= 100; i++ {
		e, ok := l.get(Index(i))
		require.True(t, ok)
		assert.Equal(t, byte(i-1), e.Payload[0])
	}
}

func TestEntryLogTruncateSuffixReleasesRefs(t *testing.T) {
	l := newEntryLog()
	l.append(Entry{Term: 1})
	l.append(Entry{Term: 1})
	l.append(Entry{Term: 1})
	assert.Equal(t, 3, l.liveRefCount())

	l.truncateSuffix(2)
	assert.Equal(t, Index(1), l.lastIndex())
	assert.Equal(t, 1, l.liveRefCount())

	_, ok := l.get(2)
	assert.False(t, ok)
}

func TestEntryLogTruncatePrefixAfterSnapshot(t *testing.T) {
	l := newEntryLog()
	for i := 0; i < 5; i++ {
		l.append(Entry{Term: 1})
	}
	l.truncatePrefix(3)
	assert.Equal(t, Index(5), l.lastIndex())
	_, ok := l.get(3)
	assert.False(t, ok)
	e, ok := l.get(4)
	assert.True(t, ok)
	_ = e
	assert.Equal(t, 2, l.liveRefCount())
}

func TestEntryLogRestoreReplacesSnapshotBoundary(t *testing.T) {
	l := newEntryLog()
	l.append(Entry{Term: 1})
	l.append(Entry{Term: 2})

	l.restore(10, 3)
	assert.Equal(t, Index(10), l.lastIndex())
	assert.Equal(t, Term(3), l.lastTerm())
	assert.Equal(t, 0, l.liveRefCount())

	idx := l.append(Entry{Term: 3})
	assert.Equal(t, Index(11), idx)
}

func TestEntryLogAcquireReleaseRefcounting(t *testing.T) {
	l := newEntryLog()
	l.append(Entry{Term: 1})
	assert.Equal(t, 1, l.liveRefCount())

	l.acquire(1, 1)
	assert.Equal(t, 2, l.liveRefCount())

	l.release(1, 1)
	assert.Equal(t, 1, l.liveRefCount())

	l.release(1, 1)
	assert.Equal(t, 0, l.liveRefCount())
	_, ok := l.get(1)
	assert.False(t, ok)
}

func TestEntryLogAppendBatchSharesBatchRelease(t *testing.T) {
	l := newEntryLog()
	indices := l.appendBatch([]Entry{{Term: 1}, {Term: 1}, {Term: 1}})
	require.Len(t, indices, 3)
	assert.Equal(t, 1, len(l.batches))
	assert.Equal(t, 3, l.batches[1].remaining)

	l.release(1, indices[0])
	l.release(1, indices[1])
	assert.Equal(t, 1, l.batches[1].remaining)
	l.release(1, indices[2])
	_, exists := l.batches[1]
	assert.False(t, exists)
}

func TestEntryLogTermAtSnapshotBoundary(t *testing.T) {
	l := newEntryLog()
	l.restore(5, 2)
	term, ok := l.termAt(5)
	require.True(t, ok)
	assert.Equal(t, Term(2), term)

	term, ok = l.termAt(0)
	require.True(t, ok)
	assert.Equal(t, Term(0), term)

	_, ok = l.termAt(4)
	assert.False(t, ok)
}
