package custodian

import (
	"context"
	"fmt"
	"sync"

	"github.com/ruteri/confidential-executor/interfaces"
)

// Store persists session chains. CompareAndSwap is the only write and must be
// atomic with respect to every other writer of the same name, across replicas
// if the store is shared.
type Store interface {
	// Head returns the unredacted head of a chain, or interfaces.ErrSessionNotFound.
	Head(ctx context.Context, name string) (*interfaces.SessionHead, error)

	// CompareAndSwap installs head as the new tip of its chain if the current
	// tip hash equals expected. An empty expected means the chain must not exist.
	// Mismatches are reported as interfaces.ErrVersionConflict.
	CompareAndSwap(ctx context.Context, expected string, head *interfaces.SessionHead) error
}

// MemoryStore keeps chains in process memory, including their full history.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]interfaces.SessionHead
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string][]interfaces.SessionHead)}
}

func (s *MemoryStore) Head(_ context.Context, name string) (*interfaces.SessionHead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[name]
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, name)
	}

	tip := chain[len(chain)-1]
	return &interfaces.SessionHead{Hash: tip.Hash, Document: tip.Document.Clone()}, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, expected string, head *interfaces.SessionHead) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := head.Document.Name
	chain := s.chains[name]

	current := ""
	if len(chain) > 0 {
		current = chain[len(chain)-1].Hash
	}
	if current != expected {
		return fmt.Errorf("%w: %s head is %q, expected %q", interfaces.ErrVersionConflict, name, current, expected)
	}

	s.chains[name] = append(chain, interfaces.SessionHead{Hash: head.Hash, Document: head.Document.Clone()})
	return nil
}

// History returns every accepted version of a chain, oldest first.
func (s *MemoryStore) History(name string) []interfaces.SessionHead {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[name]
	out := make([]interfaces.SessionHead, len(chain))
	for i, h := range chain {
		out[i] = interfaces.SessionHead{Hash: h.Hash, Document: h.Document.Clone()}
	}
	return out
}
