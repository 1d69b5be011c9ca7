package loan

import (
	"bytes"
	"math/big"
	"testing"
)

func unpackCalldata(t *testing.T, method string, data []byte) []interface{} {
	t.Helper()
	def, ok := loanABI.Methods[method]
	if !ok {
		t.Fatalf("method %s missing from abi", method)
	}
	if !bytes.Equal(data[:4], def.ID) {
		t.Fatalf("calldata selector mismatch for %s", method)
	}
	values, err := def.Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack %s calldata: %v", method, err)
	}
	return values
}

func TestFundAndClaimAddressSameLoanKey(t *testing.T) {
	intent := acceptableIntent()
	intent.SourceChain = 111
	intent.LoanChain = 222

	fundData, err := fulfillCalldata(intent)
	if err != nil {
		t.Fatalf("fulfill calldata: %v", err)
	}
	claimData, err := claimCalldata(intent.Key())
	if err != nil {
		t.Fatalf("claim calldata: %v", err)
	}

	fund := unpackCalldata(t, "fulfillLoan", fundData)
	claim := unpackCalldata(t, "claimLoan", claimData)

	fundChain := fund[0].(*big.Int)
	claimChain := claim[0].(*big.Int)
	if fundChain.Cmp(claimChain) != 0 {
		t.Fatalf("fund and claim must use the same contract chainId, got %s and %s",
			fundChain, claimChain)
	}
	if fundChain.Uint64() != intent.LoanChain {
		t.Fatalf("contract chainId must be the advertised loan chain, got %s", fundChain)
	}

	fundLoanID := fund[1].(*big.Int)
	claimLoanID := claim[1].(*big.Int)
	if fundLoanID.Cmp(intent.LoanID) != 0 || claimLoanID.Cmp(intent.LoanID) != 0 {
		t.Fatalf("loan id mismatch: fund %s claim %s", fundLoanID, claimLoanID)
	}
}

func TestFulfillCalldataAttachesEmptyTerms(t *testing.T) {
	data, err := fulfillCalldata(acceptableIntent())
	if err != nil {
		t.Fatalf("fulfill calldata: %v", err)
	}
	values := unpackCalldata(t, "fulfillLoan", data)
	if len(values[2].([]byte)) != 0 || len(values[3].([]byte)) != 0 {
		t.Fatal("signature and terms payloads must be empty")
	}
}
