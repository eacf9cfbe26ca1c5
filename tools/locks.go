package tools

import (
	"context"
	"sync"
)

// KeyedMutex hands out one lock per key, eg. per domain being resolved. Waiting for a lock
// respects the context, and a key is forgotten once no one holds or waits for it.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem     chan struct{}
	waiters int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{
		locks: make(map[string]*keyLock),
	}
}

func (km *KeyedMutex) acquire(key string) *keyLock {
	km.mu.Lock()
	defer km.mu.Unlock()
	kl, ok := km.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		km.locks[key] = kl
	}
	kl.waiters++
	return kl
}

func (km *KeyedMutex) release(key string, kl *keyLock) {
	km.mu.Lock()
	defer km.mu.Unlock()
	kl.waiters--
	if kl.waiters == 0 {
		delete(km.locks, key)
	}
}

// Lock blocks until key is held or ctx is done
func (km *KeyedMutex) Lock(ctx context.Context, key string) error {
	kl := km.acquire(key)
	select {
	case kl.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		km.release(key, kl)
		return ctx.Err()
	}
}

// TryLock takes key only if it is free
func (km *KeyedMutex) TryLock(key string) bool {
	kl := km.acquire(key)
	select {
	case kl.sem <- struct{}{}:
		return true
	default:
		km.release(key, kl)
		return false
	}
}

func (km *KeyedMutex) Unlock(key string) {
	km.mu.Lock()
	kl, ok := km.locks[key]
	km.mu.Unlock()
	if !ok {
		panic("unlock of unlocked key " + key)
	}
	select {
	case <-kl.sem:
	default:
		panic("unlock of unlocked key " + key)
	}
	km.release(key, kl)
}

func (km *KeyedMutex) Locked(key string) bool {
	km.mu.Lock()
	defer km.mu.Unlock()
	kl, ok := km.locks[key]
	return ok && len(kl.sem) > 0
}

// Do runs fn while holding the lock for key
func (km *KeyedMutex) Do(ctx context.Context, key string, fn func()) error {
	if err := km.Lock(ctx, key); err != nil {
		return err
	}
	defer km.Unlock(key)
	fn()
	return nil
}
