package memio

import (
	"math/rand"
	"sync"
)

// lockedRand wraps math/rand.Rand with a mutex: Backend.Random and
// Network.deliver's drop-rate check may be called from different run-loop
// goroutines, and math/rand.Rand is not safe for concurrent use on its own.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newLockedRand(seed int64) *lockedRand {
	return &lockedRand{rng: rand.New(rand.NewSource(seed))}
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Intn(n)
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Float64()
}
