package agent

import "sync"

// keyedMutex provides per-key mutual exclusion with try-lock
// semantics: a contended key is skipped, not queued. Used to keep at
// most one consolidation in flight per session.
type keyedMutex struct {
	mu     sync.Mutex
	locked map[string]struct{}
}

// TryLock acquires the key if it is free. Returns false when the key
// is already held.
func (k *keyedMutex) TryLock(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locked == nil {
		k.locked = make(map[string]struct{})
	}
	if _, held := k.locked[key]; held {
		return false
	}
	k.locked[key] = struct{}{}
	return true
}

// Unlock releases the key. Releasing an unheld key is a no-op.
func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.locked, key)
}
