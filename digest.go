package raft

import (
	"crypto/sha1"
	"encoding/binary"
)

// Digest computes a stable fingerprint of text reduced modulo n, mirroring
// raft.h's raft_digest: a hash usable to generate a unique ID for a new
// server being added, typically from its address plus the current time.
// There is no ecosystem library for this exact "hash a string down to a
// bounded integer" shape, so it is built directly on the standard library's
// sha1, matching the original's choice of hash function.
func Digest(text string, n uint64) uint64 {
	if n == 0 {
		return 0
	}
	sum := sha1.Sum([]byte(text))
	v := binary.BigEndian.Uint64(sum[len(sum)-8:])
	return v % n
}
