package raft

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfExtractsCode(t *testing.T) {
	err := newErr(ErrBadID, "server %d is bad", 7)
	code, ok := CodeOf(err)
	assert.True(t, ok)
	assert.Equal(t, ErrBadID, code)
	assert.Contains(t, err.Error(), "7")
}

func TestCodeOfFalseForPlainError(t *testing.T) {
	_, ok := CodeOf(errors.New("boom"))
	assert.False(t, ok)
}

func TestRaftErrorIsComparesCodeOnly(t *testing.T) {
	a := newErr(ErrNotLeader, "not leader on node 3")
	assert.True(t, errors.Is(a, ErrNotLeaderErr))
	assert.False(t, errors.Is(a, ErrShutdownErr))
}

func TestWrapErrPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	wrapped := wrapErr(ErrIOErr, cause, "writing entry")
	assert.ErrorIs(t, wrapped, cause)
}
