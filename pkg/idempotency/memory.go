package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	token   string
	done    bool
	expires time.Time
}

// Memory is a process-local Store for single-worker deployments and tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *Memory) Begin(ctx context.Context, key string, lease time.Duration) (*Claim, State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok {
		if e.done {
			return nil, Done, nil
		}
		if now.Before(e.expires) {
			return &Claim{Key: key, Expires: e.expires}, InProgress, nil
		}
	}

	claim := &Claim{Key: key, Expires: now.Add(lease), token: uuid.NewString()}
	m.entries[key] = memoryEntry{token: claim.token, expires: now.Add(lease)}
	return claim, Acquired, nil
}

func (m *Memory) Complete(ctx context.Context, claim *Claim) error {
	if !claim.owned() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[claim.Key] = memoryEntry{token: claim.token, done: true}
	return nil
}

func (m *Memory) Release(ctx context.Context, claim *Claim) error {
	if !claim.owned() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[claim.Key]; ok && !e.done && e.token == claim.token {
		delete(m.entries, claim.Key)
	}
	return nil
}
