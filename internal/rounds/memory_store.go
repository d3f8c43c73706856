package rounds

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory round journal for local runs and tests.
type MemoryStore struct {
	rounds map[string]*Round
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory round store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds: make(map[string]*Round),
	}
}

// copyRound returns a deep copy so callers never share the Players slice.
func copyRound(r *Round) *Round {
	cp := *r
	cp.Players = append([]string(nil), r.Players...)
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, round *Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rounds[round.ID]; ok {
		return ErrDuplicate
	}
	m.rounds[round.ID] = copyRound(round)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rounds[id]
	if !ok {
		return nil, ErrRoundNotFound
	}
	return copyRound(r), nil
}

func (m *MemoryStore) Update(ctx context.Context, round *Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rounds[round.ID]; !ok {
		return ErrRoundNotFound
	}
	m.rounds[round.ID] = copyRound(round)
	return nil
}

func (m *MemoryStore) Pending(ctx context.Context, contract string) (*Round, error) {
	all, err := m.List(ctx, contract, 0)
	if err != nil {
		return nil, err
	}
	for _, r := range all {
		if r.Status == StatusPending {
			return r, nil
		}
	}
	return nil, ErrRoundNotFound
}

// List returns rounds newest first; limit <= 0 means no limit.
func (m *MemoryStore) List(ctx context.Context, contract string, limit int) ([]*Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addr := strings.ToLower(contract)
	var result []*Round
	for _, r := range m.rounds {
		if r.Contract == addr {
			result = append(result, copyRound(r))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
