package chain

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const (
	defaultGasLimit            = 2_000_000
	defaultGasPriceGwei        = 60
	defaultConfirmationSeconds = 180
)

// Endpoint is the immutable configuration record for a single chain: where
// to reach it, which loan contract to talk to and which gas policy to apply.
// Every transaction-building call site reads gas parameters from here so
// fund, claim and allowance submissions can never drift apart.
type Endpoint struct {
	ChainID             uint64
	Name                string
	ContractAddress     common.Address
	RPCURL              string
	WSURL               string
	GasPriceGwei        uint64
	GasLimit            uint64
	ConfirmationTimeout time.Duration
}

// GasPrice returns the configured gas price in wei.
func (e Endpoint) GasPrice() *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(e.GasPriceGwei), big.NewInt(1_000_000_000))
}

// Endpoints is the chain endpoint registry, keyed by chain id. Loaded once
// at startup and never mutated afterwards.
type Endpoints struct {
	byID map[uint64]Endpoint
}

// ByID looks up the endpoint for a chain id.
func (e *Endpoints) ByID(chainID uint64) (Endpoint, bool) {
	if e == nil {
		return Endpoint{}, false
	}
	endpoint, ok := e.byID[chainID]
	return endpoint, ok
}

// ChainIDs returns all registered chain ids.
func (e *Endpoints) ChainIDs() []uint64 {
	if e == nil {
		return nil
	}
	ids := make([]uint64, 0, len(e.byID))
	for id := range e.byID {
		ids = append(ids, id)
	}
	return ids
}

// endpointDefinitions models the structure of the chain endpoint YAML file.
type endpointDefinitions struct {
	Chains map[uint64]endpointDefinition `yaml:"chains"`
}

type endpointDefinition struct {
	Name                string `yaml:"name"`
	RPCURL              string `yaml:"rpc_url"`
	WSURL               string `yaml:"ws_url"`
	ContractAddress     string `yaml:"contract_address"`
	GasPriceGwei        uint64 `yaml:"gas_price_gwei"`
	GasLimit            uint64 `yaml:"gas_limit"`
	ConfirmationSeconds int    `yaml:"confirmation_timeout_seconds"`
}

// LoadEndpoints parses the YAML file containing chain endpoint definitions.
func LoadEndpoints(path string) (*Endpoints, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("chain endpoint config path is empty")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chain endpoint config: %w", err)
	}

	var defs endpointDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return nil, fmt.Errorf("parse chain endpoint config: %w", err)
	}
	if len(defs.Chains) == 0 {
		return nil, fmt.Errorf("chain endpoint config %s defines no chains", path)
	}

	endpoints := &Endpoints{byID: make(map[uint64]Endpoint, len(defs.Chains))}
	for chainID, def := range defs.Chains {
		endpoint, err := def.toEndpoint(chainID)
		if err != nil {
			return nil, err
		}
		endpoints.byID[chainID] = endpoint
	}
	return endpoints, nil
}

func (d endpointDefinition) toEndpoint(chainID uint64) (Endpoint, error) {
	if chainID == 0 {
		return Endpoint{}, fmt.Errorf("chain id 0 is not a valid endpoint key")
	}
	if strings.TrimSpace(d.RPCURL) == "" {
		return Endpoint{}, fmt.Errorf("chain %d: rpc_url is required", chainID)
	}
	contract := strings.TrimSpace(d.ContractAddress)
	if !common.IsHexAddress(contract) {
		return Endpoint{}, fmt.Errorf("chain %d: contract_address %q is not a valid address", chainID, d.ContractAddress)
	}

	name := strings.TrimSpace(d.Name)
	if name == "" {
		name = fmt.Sprintf("chain-%d", chainID)
	}
	gasPrice := d.GasPriceGwei
	if gasPrice == 0 {
		gasPrice = defaultGasPriceGwei
	}
	gasLimit := d.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}
	confirmation := d.ConfirmationSeconds
	if confirmation <= 0 {
		confirmation = defaultConfirmationSeconds
	}

	return Endpoint{
		ChainID:             chainID,
		Name:                name,
		ContractAddress:     common.HexToAddress(contract),
		RPCURL:              strings.TrimSpace(d.RPCURL),
		WSURL:               strings.TrimSpace(d.WSURL),
		GasPriceGwei:        gasPrice,
		GasLimit:            gasLimit,
		ConfirmationTimeout: time.Duration(confirmation) * time.Second,
	}, nil
}
