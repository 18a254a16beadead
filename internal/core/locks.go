package core

import (
	"context"
	"slices"
	"sync"

	"orderledger/pkg/domain"
)

// KeyedLocker hands out exclusive locks per string key. It serializes
// read-modify-write sequences on stores without native isolation.
type KeyedLocker struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

// NewKeyedLocker returns an empty locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{slots: map[string]*lockSlot{}}
}

// Lock acquires every key in sorted order and returns a release function.
// A cancelled context releases whatever was already taken and returns
// domain.ErrTimeout.
func (l *KeyedLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]string, 0, len(sorted))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
	}
	for _, key := range sorted {
		slot := l.acquireSlot(key)
		select {
		case slot.ch <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			l.dropSlot(key)
			release()
			return nil, domain.ErrTimeout
		}
	}
	return release, nil
}

func (l *KeyedLocker) acquireSlot(key string) *lockSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	return slot
}

func (l *KeyedLocker) dropSlot(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot := l.slots[key]
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *KeyedLocker) unlock(key string) {
	l.mu.Lock()
	slot := l.slots[key]
	l.mu.Unlock()
	<-slot.ch
	l.dropSlot(key)
}

func productLockKey(id string) string { return "product:" + id }
func orderLockKey(id string) string   { return "order:" + id }
