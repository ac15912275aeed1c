package activity

import (
	"context"
	"sort"
	"sync"

	xerrors "ShadowStream/internal/errors"
)

// MemoryStore 以内存方式保存活动记录，主要用于开发与测试。
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*Activity
	seq  map[string]int64
	next int64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Activity), seq: make(map[string]int64)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, a *Activity) error {
	if a == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "activity 不能为空")
	}
	if a.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "活动 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[a.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "activity already exists")
	}
	now := Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt
	if a.Status == "" {
		a.Status = StatusPending
	}
	a.VaultAddress = NormalizeAddress(a.VaultAddress)
	clone := *a
	m.rows[a.ID] = &clone
	m.next++
	m.seq[a.ID] = m.next
	return nil
}

// Get 返回活动记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, ErrActivityNotFound
	}
	clone := *row
	return &clone, nil
}

// AttachTxHash 实现 Store 接口。
func (m *MemoryStore) AttachTxHash(_ context.Context, id, txHash string) error {
	return m.transition(id, func(row *Activity) {
		row.TxHash = txHash
	})
}

// MarkSucceeded 记录成功结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id, txHash string) error {
	return m.transition(id, func(row *Activity) {
		row.Status = StatusSuccess
		if txHash != "" {
			row.TxHash = txHash
		}
		row.Error = ""
	})
}

// MarkFailed 标记记录失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id, reason string) error {
	return m.transition(id, func(row *Activity) {
		row.Status = StatusFailed
		row.Error = reason
	})
}

func (m *MemoryStore) transition(id string, apply func(*Activity)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return ErrActivityNotFound
	}
	if row.Status != StatusPending {
		return ErrActivityFinalized.With(xerrors.WithMetadata("status", string(row.Status)))
	}
	apply(row)
	row.UpdatedAt = Now()
	return nil
}

// List 返回符合条件的记录。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Activity, error) {
	opts = opts.Normalize()
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Activity, 0, len(m.rows))
	for _, row := range m.rows {
		if !opts.Matches(row) {
			continue
		}
		clone := *row
		results = append(results, &clone)
	}
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if opts.Order == SortOldestFirst {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.CreatedAt.After(b.CreatedAt)
		}
		if opts.Order == SortOldestFirst {
			return m.seq[a.ID] < m.seq[b.ID]
		}
		return m.seq[a.ID] > m.seq[b.ID]
	})
	if opts.Offset >= len(results) {
		return []*Activity{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}
