package loan

import (
	"context"
)

// Registry 是待领取贷款的唯一事实来源。协调器在放款确认后登记贷款，
// 调度器据此判断何时领取；任何组件都不得绕过它操作共享状态。
type Registry interface {
	// Insert 登记一笔新放款的贷款。重复的 Key 返回 ErrLoanConflict。
	Insert(ctx context.Context, key Key, maturesAt int64) error
	// MarkClaimed 将贷款标记为已领取，只允许 false -> true。
	MarkClaimed(ctx context.Context, key Key) error
	// Get 返回指定贷款的登记信息，不存在时返回 ErrLoanNotFound。
	Get(ctx context.Context, key Key) (*PendingLoan, error)
	// DueForClaim 返回所有到期且未领取的贷款。
	DueForClaim(ctx context.Context, now int64) ([]PendingLoan, error)
	// Close 释放底层资源。
	Close() error
}
