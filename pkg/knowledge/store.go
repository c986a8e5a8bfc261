// Package knowledge is the boundary to the external store of prior research
// artifacts. Executors consult it while doing their work; the pipeline's own
// fingerprint cache is a separate layer that sits in front of execution and
// never reads this store.
package knowledge

import (
	"context"
	"sync"
	"time"
)

// Artifact is a prior research output keyed by the query that produced it.
type Artifact struct {
	Query     string         `json:"query"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store is the prior-artifact interface. ReadPrior returns (nil, nil) when
// no prior exists; absence is not an error.
type Store interface {
	ReadPrior(ctx context.Context, query string) (*Artifact, error)
	WritePrior(ctx context.Context, query string, a *Artifact) error
}

// MemoryStore is the in-process Store used in tests and single-node runs.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*Artifact
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*Artifact)}
}

func (s *MemoryStore) ReadPrior(_ context.Context, query string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.data[query]
	if !ok {
		return nil, nil
	}
	return a, nil
}

func (s *MemoryStore) WritePrior(_ context.Context, query string, a *Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[query] = a
	return nil
}
