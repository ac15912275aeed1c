package auth

import (
	"context"
	"sort"
	"strings"
	"sync"

	xerrors "ShadowStream/internal/errors"
)

// MemoryStore provides an in-memory implementation of the Store interface,
// intended for development and testing scenarios.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*memoryAgent
	byKey  map[string]string
	nextID int64
}

type memoryAgent struct {
	agent Agent
	seq   int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*memoryAgent),
		byKey: make(map[string]string),
	}
}

// CreateAgent implements Store.
func (s *MemoryStore) CreateAgent(_ context.Context, agent Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[agent.ID]; exists {
		return xerrors.New(xerrors.CodeConflict, "agent id already exists")
	}
	if _, exists := s.byKey[agent.Key]; exists {
		return xerrors.New(xerrors.CodeConflict, "agent key already exists")
	}
	s.nextID++
	clone := agent
	clone.AllowedVaults = append([]string(nil), agent.AllowedVaults...)
	s.byID[agent.ID] = &memoryAgent{agent: clone, seq: s.nextID}
	s.byKey[agent.Key] = agent.ID
	return nil
}

// AgentByKey implements Store.
func (s *MemoryStore) AgentByKey(_ context.Context, key string) (Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return Agent{}, ErrInvalidKey
	}
	return cloneAgent(s.byID[id].agent), nil
}

// GetAgent implements Store.
func (s *MemoryStore) GetAgent(_ context.Context, id string) (Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.byID[id]
	if !ok {
		return Agent{}, ErrAgentNotFound
	}
	return cloneAgent(entry.agent), nil
}

// ListAgents implements Store.
func (s *MemoryStore) ListAgents(_ context.Context, orgAddress string) ([]Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := make([]*memoryAgent, 0)
	for _, entry := range s.byID {
		if strings.EqualFold(entry.agent.OrgAddress, orgAddress) {
			matches = append(matches, entry)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].agent.CreatedAt.Equal(matches[j].agent.CreatedAt) {
			return matches[i].agent.CreatedAt.After(matches[j].agent.CreatedAt)
		}
		return matches[i].seq > matches[j].seq
	})
	out := make([]Agent, 0, len(matches))
	for _, entry := range matches {
		out = append(out, cloneAgent(entry.agent))
	}
	return out, nil
}

func cloneAgent(a Agent) Agent {
	a.AllowedVaults = append([]string(nil), a.AllowedVaults...)
	return a
}
