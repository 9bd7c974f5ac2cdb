package reconciler

import "sync"

// keyedMutex serializes work per subscription key. Events for different
// keys proceed in parallel. Entries are never purged; the map is bounded by
// the number of distinct subscriptions the process has seen.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) *sync.Mutex {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m
}
