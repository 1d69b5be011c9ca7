package loan

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Reason 标识放款决策被拒绝的原因。
type Reason string

const (
	ReasonAccepted            Reason = ""
	ReasonTokenMismatch       Reason = "token mismatch"
	ReasonUnattractivePricing Reason = "unattractive pricing"
	ReasonLowReputation       Reason = "reputation below threshold"
	ReasonOracleUnavailable   Reason = "reputation oracle unavailable"
)

// Decision 是一次放款评估的结果。拒绝属于正常决策，不是错误。
type Decision struct {
	Accepted bool
	Reason   Reason
	Rating   float64
}

// ReputationSource 定义外部信誉查询能力。
type ReputationSource interface {
	Rating(ctx context.Context, borrower common.Address) (float64, error)
}

// Policy 对贷款意向做放款决策。除了外部信誉查询之外没有任何副作用，
// 可以安全地重复评估。
type Policy struct {
	minRating float64
	oracle    ReputationSource
}

// PolicyOption 定义可选的 Policy 配置。
type PolicyOption func(*Policy)

// WithReputationSource 启用外部信誉查询。
func WithReputationSource(oracle ReputationSource, minRating float64) PolicyOption {
	return func(p *Policy) {
		p.oracle = oracle
		p.minRating = minRating
	}
}

// NewPolicy 创建放款决策器。
func NewPolicy(opts ...PolicyOption) *Policy {
	p := &Policy{}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Evaluate 按固定顺序评估意向，遇到第一条不满足的规则立即拒绝：
//  1. 抵押资产与贷款资产必须是同一 token（当前实现只接受同资产贷款）；
//  2. 抵押金额不得低于贷款金额；
//  3. 若启用信誉查询，借款人评分必须达到阈值。
//
// 信誉服务不可用时拒绝而不是默认通过，避免在服务故障期间给
// 未知对手方放款。
func (p *Policy) Evaluate(ctx context.Context, intent Intent) Decision {
	if intent.CollateralToken != intent.LoanToken {
		return Decision{Reason: ReasonTokenMismatch}
	}

	if intent.CollateralAmount == nil || intent.LoanAmount == nil ||
		intent.CollateralAmount.Cmp(intent.LoanAmount) < 0 {
		return Decision{Reason: ReasonUnattractivePricing}
	}

	if p.oracle != nil {
		rating, err := p.oracle.Rating(ctx, intent.Borrower)
		if err != nil {
			return Decision{Reason: ReasonOracleUnavailable}
		}
		if rating < p.minRating {
			return Decision{Reason: ReasonLowReputation, Rating: rating}
		}
		return Decision{Accepted: true, Rating: rating}
	}

	return Decision{Accepted: true}
}
