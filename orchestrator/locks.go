package orchestrator

import (
	"hash/fnv"
	"sync"
)

// stripedLocks serializes all state transitions for one correlation id
// through a single lock while letting different instances proceed fully
// in parallel.
type stripedLocks struct {
	stripes []sync.Mutex
}

func newStripedLocks(n int) *stripedLocks {
	if n <= 0 {
		n = 64
	}
	return &stripedLocks{stripes: make([]sync.Mutex, n)}
}

func (l *stripedLocks) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
