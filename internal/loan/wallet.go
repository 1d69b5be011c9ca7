package loan

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet 持有放款账户的签名私钥。私钥在进程生命周期内只读，
// 所有链共用同一个账户。
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewWallet 从十六进制私钥构造钱包。
func NewWallet(hexKey string) (*Wallet, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("未提供签名私钥")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, err
	}
	return &Wallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address 返回放款账户地址。
func (w *Wallet) Address() common.Address {
	return w.address
}

// SignTx 使用指定链的签名器对交易签名。
func (w *Wallet) SignTx(tx *coretypes.Transaction, chainID *big.Int) (*coretypes.Transaction, error) {
	if w == nil || w.key == nil {
		return nil, errors.New("钱包未初始化")
	}
	return coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), w.key)
}
