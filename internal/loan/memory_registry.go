package loan

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry 以内存方式维护待领取贷款，主要用于测试与单机部署。
type MemoryRegistry struct {
	mu    sync.RWMutex
	loans map[Key]*PendingLoan
}

// NewMemoryRegistry 创建 MemoryRegistry。
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{loans: make(map[Key]*PendingLoan)}
}

// Insert 实现 Registry 接口。
func (m *MemoryRegistry) Insert(_ context.Context, key Key, maturesAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loans[key]; ok {
		return ErrLoanConflict
	}
	m.loans[key] = &PendingLoan{Key: key, MaturesAt: maturesAt}
	return nil
}

// MarkClaimed 标记贷款已领取。
func (m *MemoryRegistry) MarkClaimed(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[key]
	if !ok {
		return ErrLoanNotFound
	}
	loan.Claimed = true
	return nil
}

// Get 返回登记信息的副本。
func (m *MemoryRegistry) Get(_ context.Context, key Key) (*PendingLoan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loan, ok := m.loans[key]
	if !ok {
		return nil, ErrLoanNotFound
	}
	clone := *loan
	return &clone, nil
}

// DueForClaim 返回所有到期且未领取的贷款，按到期时间排序。
func (m *MemoryRegistry) DueForClaim(_ context.Context, now int64) ([]PendingLoan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	due := make([]PendingLoan, 0)
	for _, loan := range m.loans {
		if loan.Due(now) {
			due = append(due, *loan)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].MaturesAt == due[j].MaturesAt {
			return due[i].Key.String() < due[j].Key.String()
		}
		return due[i].MaturesAt < due[j].MaturesAt
	})
	return due, nil
}

// Close 对内存登记表无需操作。
func (m *MemoryRegistry) Close() error {
	return nil
}

var _ Registry = (*MemoryRegistry)(nil)
