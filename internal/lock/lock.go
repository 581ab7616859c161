// Package lock provides in-process advisory locks keyed by resource.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/policygate/policygate/internal/models"
)

// ErrLocked is models.ErrConcurrencyConflict so callers can test for either
var ErrLocked = models.ErrConcurrencyConflict

// ConflictError names the key and the owner that holds it
type ConflictError struct {
	Key    string
	Holder string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("resource %s is locked by %s", e.Key, e.Holder)
}

func (e *ConflictError) Unwrap() error {
	return ErrLocked
}

// Manager hands out all-or-nothing locks over sets of keys. A set is
// either acquired completely or not at all, so two owners can never
// deadlock on overlapping sets.
type Manager struct {
	mu      sync.Mutex
	held    map[string]string // key -> owner
	changed chan struct{}     // closed and replaced on every release
}

func NewManager() *Manager {
	return &Manager{
		held:    make(map[string]string),
		changed: make(chan struct{}),
	}
}

// Release drops a set of locks; calling it twice is a no-op
type Release func()

// TryAcquire never blocks. On conflict it returns a *ConflictError.
func (m *Manager) TryAcquire(owner string, keys ...string) (Release, error) {
	if owner == "" {
		return nil, errors.New("lock: owner is required")
	}
	keys = normalize(keys)

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tryLocked(owner, keys)
}

func (m *Manager) tryLocked(owner string, keys []string) (Release, error) {
	for _, k := range keys {
		if holder, ok := m.held[k]; ok && holder != owner {
			return nil, &ConflictError{Key: k, Holder: holder}
		}
	}
	var taken []string
	for _, k := range keys {
		if _, ok := m.held[k]; !ok {
			m.held[k] = owner
			taken = append(taken, k)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.release(owner, taken) })
	}, nil
}

// Acquire blocks until every key is free or ctx is done
func (m *Manager) Acquire(ctx context.Context, owner string, keys ...string) (Release, error) {
	if owner == "" {
		return nil, errors.New("lock: owner is required")
	}
	keys = normalize(keys)

	for {
		m.mu.Lock()
		release, err := m.tryLocked(owner, keys)
		wait := m.changed
		m.mu.Unlock()

		if err == nil {
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (m *Manager) release(owner string, keys []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if m.held[k] == owner {
			delete(m.held, k)
		}
	}
	close(m.changed)
	m.changed = make(chan struct{})
}

// Holder reports who holds key
func (m *Manager) Holder(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.held[key]
	return owner, ok
}

// Held is the number of locked keys
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

// normalize sorts and dedups keys
func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type ownerKey struct{}

// WithOwner marks ctx as running on behalf of owner, so nested Acquire
// calls that use OwnerFrom re-enter locks the caller already holds
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFrom is empty outside WithOwner
func OwnerFrom(ctx context.Context) string {
	o, _ := ctx.Value(ownerKey{}).(string)
	return o
}
