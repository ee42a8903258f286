package helpers

import "sync"

// KeyedMutex hands out one mutex per key. Entries are dropped once no
// goroutine holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

func (k *KeyedMutex) acquire(key string) *keyLock {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *KeyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *KeyedMutex) Lock(key string) func() {
	l := k.acquire(key)
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.release(key, l)
	}
}

// TryLock is the non-blocking form of Lock.
func (k *KeyedMutex) TryLock(key string) (func(), bool) {
	l := k.acquire(key)
	if !l.mu.TryLock() {
		k.release(key, l)
		return nil, false
	}
	return func() {
		l.mu.Unlock()
		k.release(key, l)
	}, true
}

// Held reports the number of keys currently tracked.
func (k *KeyedMutex) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
