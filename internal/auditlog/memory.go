package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process, thread-safe Ledger. It backs memory-storage
// nodes and tests; entries do not survive a restart.
type Memory struct {
	mu      sync.RWMutex
	entries []*Entry
}

// New creates a Memory ledger holding the canonical genesis entry.
func New() *Memory {
	l := &Memory{}
	l.entries = append(l.entries, &Entry{
		Index:     0,
		Timestamp: time.Now().UTC(),
		Action:    ActionGenesis,
		Actor:     "node",
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash, // well-known constant, not computed
	})
	return l
}

var _ Ledger = (*Memory)(nil)

func (l *Memory) Append(_ context.Context, subject, action, actor string, payload any) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	prev := l.entries[len(l.entries)-1]
	entry := &Entry{
		Index:     len(l.entries),
		Timestamp: time.Now().UTC(),
		Subject:   subject,
		Action:    action,
		Actor:     actor,
		DataHash:  sha256Sum(payloadJSON),
		PrevHash:  prev.Hash,
	}
	entry.Hash = hashEntry(entry)
	l.entries = append(l.entries, entry)
	return entry, nil
}

func (l *Memory) Get(_ context.Context, index int) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.entries) {
		return nil, fmt.Errorf("index %d out of range", index)
	}
	return l.entries[index], nil
}

func (l *Memory) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

func (l *Memory) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i, curr := range l.entries {
		if i == 0 {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			continue
		}
		prev := l.entries[i-1]
		if curr.PrevHash != prev.Hash {
			return fmt.Errorf("hash chain broken at index %d", curr.Index)
		}
		if curr.Hash != hashEntry(curr) {
			return fmt.Errorf("entry %d has invalid hash", curr.Index)
		}
	}
	return nil
}

func (l *Memory) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Hash, nil
}
