package loan

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func acceptableIntent() Intent {
	return Intent{
		Borrower:         common.HexToAddress("0x1111111111111111111111111111111111111111"),
		CollateralToken:  common.HexToAddress("0x2222222222222222222222222222222222222222"),
		CollateralAmount: big.NewInt(1500),
		CollateralIndex:  big.NewInt(0),
		LoanToken:        common.HexToAddress("0x2222222222222222222222222222222222222222"),
		LoanAmount:       big.NewInt(1000),
		LoanIndex:        big.NewInt(0),
		RepaymentAmount:  big.NewInt(1100),
		DurationSeconds:  3600,
		SourceChain:      1,
		LoanChain:        2,
		LoanID:           big.NewInt(42),
	}
}

func TestPolicyRejectsTokenMismatch(t *testing.T) {
	intent := acceptableIntent()
	intent.CollateralToken = common.HexToAddress("0x3333333333333333333333333333333333333333")

	decision := NewPolicy().Evaluate(context.Background(), intent)
	if decision.Accepted {
		t.Fatal("mismatched tokens must be rejected")
	}
	if decision.Reason != ReasonTokenMismatch {
		t.Fatalf("unexpected reason: %q", decision.Reason)
	}
}

func TestPolicyRejectsUndercollateralized(t *testing.T) {
	intent := acceptableIntent()
	intent.CollateralAmount = big.NewInt(999)

	decision := NewPolicy().Evaluate(context.Background(), intent)
	if decision.Accepted {
		t.Fatal("collateral below loan amount must be rejected")
	}
	if decision.Reason != ReasonUnattractivePricing {
		t.Fatalf("unexpected reason: %q", decision.Reason)
	}
}

func TestPolicyAcceptsEqualCollateral(t *testing.T) {
	intent := acceptableIntent()
	intent.CollateralAmount = new(big.Int).Set(intent.LoanAmount)

	decision := NewPolicy().Evaluate(context.Background(), intent)
	if !decision.Accepted {
		t.Fatalf("equal collateral should be accepted, got reason %q", decision.Reason)
	}
}

func TestPolicyWithOracle(t *testing.T) {
	ratings := map[string]string{
		common.HexToAddress("0x1111111111111111111111111111111111111111").Hex(): `{"rating": 8.5}`,
		common.HexToAddress("0x4444444444444444444444444444444444444444").Hex(): `{"rating": 2.0}`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for addr, body := range ratings {
			if r.URL.Path == "/rating/"+addr {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(body))
				return
			}
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	oracle, err := NewReputationClient(ReputationConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new reputation client: %v", err)
	}
	policy := NewPolicy(WithReputationSource(oracle, 6.0))

	decision := policy.Evaluate(context.Background(), acceptableIntent())
	if !decision.Accepted {
		t.Fatalf("well-rated borrower should be accepted, got reason %q", decision.Reason)
	}
	if decision.Rating != 8.5 {
		t.Fatalf("unexpected rating: %v", decision.Rating)
	}

	lowRated := acceptableIntent()
	lowRated.Borrower = common.HexToAddress("0x4444444444444444444444444444444444444444")
	decision = policy.Evaluate(context.Background(), lowRated)
	if decision.Accepted {
		t.Fatal("low-rated borrower must be rejected")
	}
	if decision.Reason != ReasonLowReputation {
		t.Fatalf("unexpected reason: %q", decision.Reason)
	}

	unknown := acceptableIntent()
	unknown.Borrower = common.HexToAddress("0x5555555555555555555555555555555555555555")
	decision = policy.Evaluate(context.Background(), unknown)
	if decision.Accepted {
		t.Fatal("oracle error must reject, not default-accept")
	}
	if decision.Reason != ReasonOracleUnavailable {
		t.Fatalf("unexpected reason: %q", decision.Reason)
	}
}

func TestPolicyOracleDownRejects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	oracle, err := NewReputationClient(ReputationConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new reputation client: %v", err)
	}
	policy := NewPolicy(WithReputationSource(oracle, 1.0))

	decision := policy.Evaluate(context.Background(), acceptableIntent())
	if decision.Accepted {
		t.Fatal("oracle outage must reject every intent")
	}
	if decision.Reason != ReasonOracleUnavailable {
		t.Fatalf("unexpected reason: %q", decision.Reason)
	}
}

func TestPolicyMismatchShortCircuitsOracle(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		_, _ = w.Write([]byte(`{"rating": 9.9}`))
	}))
	defer server.Close()

	oracle, err := NewReputationClient(ReputationConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new reputation client: %v", err)
	}
	policy := NewPolicy(WithReputationSource(oracle, 1.0))

	intent := acceptableIntent()
	intent.LoanToken = common.HexToAddress("0x6666666666666666666666666666666666666666")
	if decision := policy.Evaluate(context.Background(), intent); decision.Accepted {
		t.Fatal("mismatched tokens must be rejected")
	}
	if called {
		t.Fatal("oracle must not be queried for locally rejected intents")
	}
}
