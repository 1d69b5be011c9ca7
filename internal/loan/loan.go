package loan

import (
	"fmt"
	"math/big"
	"time"

	xerrors "LoanSolver-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// Key 唯一标识一笔跨链贷款：发布链、放款链与贷款编号。
// LoanID 以十进制字符串保存，合约侧为 uint256。
type Key struct {
	SourceChain uint64 `json:"source_chain"`
	LoanChain   uint64 `json:"loan_chain"`
	LoanID      string `json:"loan_id"`
}

// String 返回 "source/loan/id" 形式的可读标识。
func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%s", k.SourceChain, k.LoanChain, k.LoanID)
}

// LoanIDBig 将贷款编号还原为大整数，供合约调用参数使用。
func (k Key) LoanIDBig() (*big.Int, error) {
	id, ok := new(big.Int).SetString(k.LoanID, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的贷款编号: %q", k.LoanID))
	}
	return id, nil
}

// Intent 描述源链上公告的一笔贷款意向，观测到之后不再变更。
type Intent struct {
	Borrower         common.Address `json:"borrower"`
	CollateralToken  common.Address `json:"collateral_token"`
	CollateralAmount *big.Int       `json:"collateral_amount"`
	CollateralIndex  *big.Int       `json:"collateral_index"`
	LoanToken        common.Address `json:"loan_token"`
	LoanAmount       *big.Int       `json:"loan_amount"`
	LoanIndex        *big.Int       `json:"loan_index"`
	RepaymentAmount  *big.Int       `json:"repayment_amount,omitempty"`
	DurationSeconds  uint64         `json:"duration_seconds"`
	SourceChain      uint64         `json:"source_chain"`
	LoanChain        uint64         `json:"loan_chain"`
	LoanID           *big.Int       `json:"loan_id"`
}

// Key 返回意向对应的贷款标识。
func (i Intent) Key() Key {
	id := "0"
	if i.LoanID != nil {
		id = i.LoanID.String()
	}
	return Key{SourceChain: i.SourceChain, LoanChain: i.LoanChain, LoanID: id}
}

// NativeAsset 判断贷款资产是否为链原生资产（零地址）。
// 原生资产放款时随交易附带 value，不需要先授权额度。
func (i Intent) NativeAsset() bool {
	return i.LoanToken == (common.Address{})
}

// Duration 返回贷款期限。
func (i Intent) Duration() time.Duration {
	return time.Duration(i.DurationSeconds) * time.Second
}

// Validate 检查意向是否具备放款所需的全部字段。
func (i Intent) Validate() error {
	if i.LoanID == nil {
		return xerrors.New(CodeIntentValidation, "意向缺少贷款编号")
	}
	if i.LoanAmount == nil || i.LoanAmount.Sign() <= 0 {
		return xerrors.New(CodeIntentValidation, "贷款金额必须为正数")
	}
	if i.CollateralAmount == nil || i.CollateralAmount.Sign() < 0 {
		return xerrors.New(CodeIntentValidation, "抵押金额不能为负数")
	}
	if i.SourceChain == 0 || i.LoanChain == 0 {
		return xerrors.New(CodeIntentValidation, "意向缺少链标识")
	}
	if i.DurationSeconds == 0 {
		return xerrors.New(CodeIntentValidation, "贷款期限不能为零")
	}
	return nil
}

// PendingLoan 记录一笔已放款、尚未领取的贷款。
// MaturesAt 在放款确认时刻一次性计算，之后不再改变；
// Claimed 只允许从 false 翻转为 true。
type PendingLoan struct {
	Key       Key   `json:"key"`
	MaturesAt int64 `json:"matures_at"`
	Claimed   bool  `json:"claimed"`
}

// Due 判断贷款在给定时刻是否到期且尚未领取。
func (p PendingLoan) Due(now int64) bool {
	return !p.Claimed && p.MaturesAt <= now
}

var (
	// ErrLoanNotFound 表示登记表中不存在指定的贷款。
	ErrLoanNotFound = xerrors.New(xerrors.CodeNotFound, "pending loan not found")
	// ErrLoanConflict 表示同一贷款被重复登记，属于不变量被破坏。
	ErrLoanConflict = xerrors.New(CodeRegistryConflict, "pending loan already registered")
	// ErrSubmissionTimeout 表示交易已广播但在限定时间内未观察到确认。
	ErrSubmissionTimeout = xerrors.New(CodeSubmissionTimeout, "confirmation not observed in time")
	// ErrConfirmationUnknown 表示广播后网络中断，交易状态未知。
	ErrConfirmationUnknown = xerrors.New(CodeConfirmationUnknown, "transaction status unknown")
)

const (
	CodeOracleUnavailable   xerrors.Code = "ORACLE_UNAVAILABLE"
	CodeSubmissionFailure   xerrors.Code = "SUBMISSION_FAILURE"
	CodeSubmissionTimeout   xerrors.Code = "SUBMISSION_TIMEOUT"
	CodeConfirmationUnknown xerrors.Code = "CONFIRMATION_UNKNOWN"
	CodeRegistryConflict    xerrors.Code = "REGISTRY_CONFLICT"
	CodeIntentValidation    xerrors.Code = "INTENT_VALIDATION_FAILED"
	CodeIntentPublish       xerrors.Code = "INTENT_PUBLISH_FAILED"
	CodeClaimFailure        xerrors.Code = "CLAIM_FAILED"
)

func init() {
	xerrors.Register(CodeOracleUnavailable, xerrors.Attributes{
		Message:   "reputation oracle unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeSubmissionFailure, xerrors.Attributes{
		Message:   "transaction submission failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeSubmissionTimeout, xerrors.Attributes{
		Message:   "confirmation not observed in time",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeConfirmationUnknown, xerrors.Attributes{
		Message:   "transaction status unknown",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeRegistryConflict, xerrors.Attributes{
		Message:   "duplicate pending loan",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeIntentValidation, xerrors.Attributes{
		Message:   "intent validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeIntentPublish, xerrors.Attributes{
		Message:   "failed to publish intent",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeClaimFailure, xerrors.Attributes{
		Message:   "loan claim failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}
