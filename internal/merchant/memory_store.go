package merchant

import (
	"context"
	"sort"
	"strings"
	"sync"

	xerrors "ShadowStream/internal/errors"
)

// MemoryStore 是仅用于开发与测试的内存目录。
type MemoryStore struct {
	mu   sync.RWMutex
	apis map[string]memoryAPI
	next int64
}

type memoryAPI struct {
	api API
	seq int64
}

// NewMemoryStore 创建空目录。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{apis: make(map[string]memoryAPI)}
}

// CreateAPI 实现 Store 接口。
func (s *MemoryStore) CreateAPI(_ context.Context, api API) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apis[api.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "merchant api already exists")
	}
	s.next++
	s.apis[api.ID] = memoryAPI{api: api, seq: s.next}
	return nil
}

// GetAPI 实现 Store 接口。
func (s *MemoryStore) GetAPI(_ context.Context, id string) (API, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.apis[id]
	if !ok {
		return API{}, ErrAPINotFound
	}
	return entry.api, nil
}

// ListAPIs 实现 Store 接口。
func (s *MemoryStore) ListAPIs(_ context.Context, filter ListFilter) ([]API, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := make([]memoryAPI, 0, len(s.apis))
	for _, entry := range s.apis {
		if filter.AdminAddress != "" && !strings.EqualFold(entry.api.AdminAddress, filter.AdminAddress) {
			continue
		}
		if len(filter.MerchantIDs) > 0 && !containsID(filter.MerchantIDs, entry.api.MerchantID) {
			continue
		}
		matches = append(matches, entry)
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].api.CreatedAt.Equal(matches[j].api.CreatedAt) {
			return matches[i].api.CreatedAt.After(matches[j].api.CreatedAt)
		}
		return matches[i].seq > matches[j].seq
	})
	out := make([]API, 0, len(matches))
	for _, entry := range matches {
		out = append(out, entry.api)
	}
	return out, nil
}

func containsID(ids []uint64, id uint64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
