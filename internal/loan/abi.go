package loan

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// 贷款合约 ABI，只保留 solver 需要的事件与方法。
const loanContractABIJSON = `[
  {"anonymous":false,"inputs":[
    {"indexed":false,"internalType":"uint256","name":"loanID","type":"uint256"},
    {"indexed":false,"internalType":"uint256","name":"chainId","type":"uint256"},
    {"indexed":false,"internalType":"address","name":"advertiser","type":"address"},
    {"indexed":false,"internalType":"address","name":"tokenCollateralAddress","type":"address"},
    {"indexed":false,"internalType":"uint256","name":"tokenCollateralAmount","type":"uint256"},
    {"indexed":false,"internalType":"uint256","name":"tokenCollateralIndex","type":"uint256"},
    {"indexed":false,"internalType":"address","name":"tokenLoanAddress","type":"address"},
    {"indexed":false,"internalType":"uint256","name":"tokenLoanAmount","type":"uint256"},
    {"indexed":false,"internalType":"uint256","name":"tokenLoanIndex","type":"uint256"},
    {"indexed":false,"internalType":"uint256","name":"tokenLoanRepaymentAmount","type":"uint256"},
    {"indexed":false,"internalType":"uint256","name":"durationOfLoanSeconds","type":"uint256"}],
   "name":"NewLoanAdvertised","type":"event"},
  {"anonymous":false,"inputs":[
    {"indexed":false,"internalType":"uint256","name":"chainId","type":"uint256"},
    {"indexed":false,"internalType":"uint256","name":"loanId","type":"uint256"}],
   "name":"LoanFilled","type":"event"},
  {"anonymous":false,"inputs":[
    {"indexed":false,"internalType":"uint256","name":"chainId","type":"uint256"},
    {"indexed":false,"internalType":"uint256","name":"loanId","type":"uint256"}],
   "name":"LoanClaimed","type":"event"},
  {"anonymous":false,"inputs":[
    {"indexed":false,"internalType":"uint256","name":"chainId","type":"uint256"},
    {"indexed":false,"internalType":"uint256","name":"loanId","type":"uint256"}],
   "name":"LoanOfferRevoked","type":"event"},
  {"inputs":[
    {"internalType":"uint256","name":"chainId","type":"uint256"},
    {"internalType":"uint256","name":"loanId","type":"uint256"},
    {"internalType":"bytes","name":"signature","type":"bytes"},
    {"internalType":"bytes","name":"loanTermsData","type":"bytes"}],
   "name":"fulfillLoan","outputs":[],"stateMutability":"payable","type":"function"},
  {"inputs":[
    {"internalType":"uint256","name":"chainId","type":"uint256"},
    {"internalType":"uint256","name":"loanId","type":"uint256"}],
   "name":"claimLoan","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const erc20ABIJSON = `[
  {"constant":false,"inputs":[
    {"name":"_spender","type":"address"},
    {"name":"_value","type":"uint256"}],
   "name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var (
	loanABI  = mustParseABI(loanContractABIJSON)
	erc20ABI = mustParseABI(erc20ABIJSON)

	newLoanAdvertisedID = loanABI.Events["NewLoanAdvertised"].ID
	loanFilledID        = loanABI.Events["LoanFilled"].ID
	loanClaimedID       = loanABI.Events["LoanClaimed"].ID
	loanOfferRevokedID  = loanABI.Events["LoanOfferRevoked"].ID
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse contract abi: %v", err))
	}
	return parsed
}

// decodeNewLoanAdvertised 将链上日志解码为贷款意向。
// sourceChain 是观测到日志的链；事件里的 chainId 指放款链。
func decodeNewLoanAdvertised(sourceChain uint64, log coretypes.Log) (Intent, error) {
	values, err := loanABI.Unpack("NewLoanAdvertised", log.Data)
	if err != nil {
		return Intent{}, fmt.Errorf("unpack NewLoanAdvertised: %w", err)
	}
	if len(values) != 11 {
		return Intent{}, fmt.Errorf("unpack NewLoanAdvertised: expected 11 fields, got %d", len(values))
	}

	loanID, ok := values[0].(*big.Int)
	if !ok {
		return Intent{}, fmt.Errorf("unpack NewLoanAdvertised: loanID has type %T", values[0])
	}
	loanChain, ok := values[1].(*big.Int)
	if !ok || !loanChain.IsUint64() {
		return Intent{}, fmt.Errorf("unpack NewLoanAdvertised: invalid chainId %v", values[1])
	}
	advertiser, ok := values[2].(common.Address)
	if !ok {
		return Intent{}, fmt.Errorf("unpack NewLoanAdvertised: advertiser has type %T", values[2])
	}
	collateralToken, ok := values[3].(common.Address)
	if !ok {
		return Intent{}, fmt.Errorf("unpack NewLoanAdvertised: collateral token has type %T", values[3])
	}
	loanToken, ok := values[6].(common.Address)
	if !ok {
		return Intent{}, fmt.Errorf("unpack NewLoanAdvertised: loan token has type %T", values[6])
	}

	amounts := make([]*big.Int, 0, 5)
	for _, idx := range []int{4, 5, 7, 8, 9} {
		amount, ok := values[idx].(*big.Int)
		if !ok {
			return Intent{}, fmt.Errorf("unpack NewLoanAdvertised: field %d has type %T", idx, values[idx])
		}
		amounts = append(amounts, amount)
	}
	duration, ok := values[10].(*big.Int)
	if !ok || !duration.IsUint64() {
		return Intent{}, fmt.Errorf("unpack NewLoanAdvertised: invalid duration %v", values[10])
	}

	return Intent{
		Borrower:         advertiser,
		CollateralToken:  collateralToken,
		CollateralAmount: amounts[0],
		CollateralIndex:  amounts[1],
		LoanToken:        loanToken,
		LoanAmount:       amounts[2],
		LoanIndex:        amounts[3],
		RepaymentAmount:  amounts[4],
		DurationSeconds:  duration.Uint64(),
		SourceChain:      sourceChain,
		LoanChain:        loanChain.Uint64(),
		LoanID:           loanID,
	}, nil
}

// decodeLifecycleKey 解码 LoanFilled / LoanClaimed / LoanOfferRevoked 事件，
// 三者的参数布局相同。
func decodeLifecycleKey(sourceChain uint64, event string, log coretypes.Log) (Key, error) {
	values, err := loanABI.Unpack(event, log.Data)
	if err != nil {
		return Key{}, fmt.Errorf("unpack %s: %w", event, err)
	}
	if len(values) != 2 {
		return Key{}, fmt.Errorf("unpack %s: expected 2 fields, got %d", event, len(values))
	}
	loanChain, ok := values[0].(*big.Int)
	if !ok || !loanChain.IsUint64() {
		return Key{}, fmt.Errorf("unpack %s: invalid chainId %v", event, values[0])
	}
	loanID, ok := values[1].(*big.Int)
	if !ok {
		return Key{}, fmt.Errorf("unpack %s: loanId has type %T", event, values[1])
	}
	return Key{SourceChain: sourceChain, LoanChain: loanChain.Uint64(), LoanID: loanID.String()}, nil
}

// fulfillCalldata 构造放款调用数据。合约以 (chainId, loanId) 标识贷款，
// chainId 即公告事件中声明的放款链，放款与领取必须使用同一组键。
func fulfillCalldata(intent Intent) ([]byte, error) {
	return loanABI.Pack("fulfillLoan",
		new(big.Int).SetUint64(intent.LoanChain),
		intent.LoanID,
		[]byte{},
		[]byte{},
	)
}

// claimCalldata 构造领取调用数据，在源链合约上执行，键与放款时一致。
func claimCalldata(key Key) ([]byte, error) {
	loanID, err := key.LoanIDBig()
	if err != nil {
		return nil, err
	}
	return loanABI.Pack("claimLoan", new(big.Int).SetUint64(key.LoanChain), loanID)
}

// approveCalldata 构造 ERC20 授权调用数据。
func approveCalldata(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}
