package loan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestMemoryRegistryLifecycle(t *testing.T) {
	registry := NewMemoryRegistry()
	ctx := context.Background()
	key := Key{SourceChain: 1, LoanChain: 2, LoanID: "42"}

	if _, err := registry.Get(ctx, key); !errors.Is(err, ErrLoanNotFound) {
		t.Fatalf("expected ErrLoanNotFound, got %v", err)
	}

	if err := registry.Insert(ctx, key, 1000); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := registry.Insert(ctx, key, 2000); !errors.Is(err, ErrLoanConflict) {
		t.Fatalf("expected ErrLoanConflict on duplicate insert, got %v", err)
	}

	pending, err := registry.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if pending.MaturesAt != 1000 || pending.Claimed {
		t.Fatalf("unexpected pending loan: %+v", pending)
	}

	due, err := registry.DueForClaim(ctx, 999)
	if err != nil {
		t.Fatalf("due before maturity: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("loan should not be due before maturity, got %d", len(due))
	}

	due, err = registry.DueForClaim(ctx, 1000)
	if err != nil {
		t.Fatalf("due at maturity: %v", err)
	}
	if len(due) != 1 || due[0].Key != key {
		t.Fatalf("unexpected due list: %+v", due)
	}

	if err := registry.MarkClaimed(ctx, key); err != nil {
		t.Fatalf("mark claimed: %v", err)
	}
	due, err = registry.DueForClaim(ctx, 5000)
	if err != nil {
		t.Fatalf("due after claim: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("claimed loan must never be due again, got %d", len(due))
	}

	pending, err = registry.Get(ctx, key)
	if err != nil {
		t.Fatalf("get after claim: %v", err)
	}
	if !pending.Claimed {
		t.Fatal("claimed flag should stay set")
	}
}

func TestMemoryRegistryMarkClaimedUnknownLoan(t *testing.T) {
	registry := NewMemoryRegistry()
	err := registry.MarkClaimed(context.Background(), Key{SourceChain: 1, LoanChain: 1, LoanID: "7"})
	if !errors.Is(err, ErrLoanNotFound) {
		t.Fatalf("expected ErrLoanNotFound, got %v", err)
	}
}

func TestMemoryRegistryDueForClaimSorted(t *testing.T) {
	registry := NewMemoryRegistry()
	ctx := context.Background()

	for i, maturesAt := range []int64{300, 100, 200} {
		key := Key{SourceChain: 1, LoanChain: 1, LoanID: fmt.Sprintf("%d", i)}
		if err := registry.Insert(ctx, key, maturesAt); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	due, err := registry.DueForClaim(ctx, 400)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 3 {
		t.Fatalf("expected 3 due loans, got %d", len(due))
	}
	for i := 1; i < len(due); i++ {
		if due[i-1].MaturesAt > due[i].MaturesAt {
			t.Fatalf("due list not sorted by maturity: %+v", due)
		}
	}
}

func TestMemoryRegistryConcurrentInserts(t *testing.T) {
	registry := NewMemoryRegistry()
	ctx := context.Background()
	key := Key{SourceChain: 1, LoanChain: 2, LoanID: "99"}

	const workers = 16
	var wg sync.WaitGroup
	conflicts := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := registry.Insert(ctx, key, 100); err != nil {
				conflicts <- err
			}
		}()
	}
	wg.Wait()
	close(conflicts)

	count := 0
	for err := range conflicts {
		if !errors.Is(err, ErrLoanConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
		count++
	}
	if count != workers-1 {
		t.Fatalf("exactly one insert should win, got %d conflicts", count)
	}
}
