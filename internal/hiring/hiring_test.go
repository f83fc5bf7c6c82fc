package hiring

import (
	"context"
	"sync"
	"testing"

	"github.com/animus-labs/requestor-go/internal/domain"
)

func TestLedgerRememberIsIdempotent(t *testing.T) {
	ledger := NewLedger()
	ledger.Remember("provider-a")
	ledger.Remember("provider-a")
	if !ledger.Contains("provider-a") {
		t.Fatalf("expected provider-a to be remembered")
	}
	if ledger.Len() != 1 {
		t.Fatalf("Len()=%d, want 1", ledger.Len())
	}
	if ledger.Contains("provider-b") {
		t.Fatalf("unexpected provider-b")
	}
}

func TestLedgerKeepsIDsOpaque(t *testing.T) {
	ledger := NewLedger()
	ledger.Remember("p1 ")
	if ledger.Contains("p1") {
		t.Fatalf("%q and %q are distinct providers", "p1 ", "p1")
	}
	if !ledger.Contains("p1 ") {
		t.Fatalf("expected %q to be remembered verbatim", "p1 ")
	}

	strategy := NewProviderOnce(NewLedger())
	strategy.Remember("  ")
	if got := strategy.ScoreOffer(context.Background(), domain.Offer{ProviderID: "  "}); got != domain.ScoreRejected {
		t.Fatalf("whitespace id after remember=%q, want rejected", got)
	}
	if got := strategy.ScoreOffer(context.Background(), domain.Offer{ProviderID: "p1"}); got != domain.ScoreTrusted {
		t.Fatalf("unrelated id=%q, want trusted", got)
	}
}

func TestLedgerConcurrentAccess(t *testing.T) {
	ledger := NewLedger()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ledger.Remember("provider-a")
		}()
		go func() {
			defer wg.Done()
			_ = ledger.Contains("provider-a")
		}()
	}
	wg.Wait()
	if ledger.Len() != 1 {
		t.Fatalf("Len()=%d, want 1", ledger.Len())
	}
}

func TestProviderOnceScoresWithoutSideEffects(t *testing.T) {
	strategy := NewProviderOnce(nil)
	offer := domain.Offer{ProviderID: "provider-a"}

	for i := 0; i < 3; i++ {
		if got := strategy.ScoreOffer(context.Background(), offer); got != domain.ScoreTrusted {
			t.Fatalf("score #%d=%q, want trusted", i, got)
		}
	}
	if strategy.Ledger().Len() != 0 {
		t.Fatalf("scoring must not mutate the ledger")
	}
}

func TestProviderOnceRejectsAfterAcceptance(t *testing.T) {
	strategy := NewProviderOnce(NewLedger())
	ctx := context.Background()
	first := domain.Offer{ProviderID: "provider-a", Price: 0.1}
	second := domain.Offer{ProviderID: "provider-a", Price: 0.05}

	if got := strategy.ScoreOffer(ctx, first); got != domain.ScoreTrusted {
		t.Fatalf("first offer=%q, want trusted", got)
	}
	if got := strategy.ScoreOffer(ctx, second); got != domain.ScoreTrusted {
		t.Fatalf("second offer before acceptance=%q, want trusted", got)
	}

	strategy.Remember(first.ProviderID)

	third := domain.Offer{ProviderID: "provider-a"}
	if got := strategy.ScoreOffer(ctx, third); got != domain.ScoreRejected {
		t.Fatalf("third offer=%q, want rejected", got)
	}
	other := domain.Offer{ProviderID: "provider-b"}
	if got := strategy.ScoreOffer(ctx, other); got != domain.ScoreTrusted {
		t.Fatalf("other provider=%q, want trusted", got)
	}
}

func TestPriceCeiling(t *testing.T) {
	inner := NewProviderOnce(nil)
	strategy := PriceCeiling{Max: 0.5, Inner: inner}
	ctx := context.Background()

	if got := strategy.ScoreOffer(ctx, domain.Offer{ProviderID: "a", Price: 0.6}); got != domain.ScoreRejected {
		t.Fatalf("expensive offer=%q, want rejected", got)
	}
	if got := strategy.ScoreOffer(ctx, domain.Offer{ProviderID: "a", Price: 0.4}); got != domain.ScoreTrusted {
		t.Fatalf("cheap offer=%q, want trusted", got)
	}

	strategy.Remember("a")
	if !inner.Ledger().Contains("a") {
		t.Fatalf("expected Remember to reach inner strategy")
	}
	if got := strategy.ScoreOffer(ctx, domain.Offer{ProviderID: "a", Price: 0.1}); got != domain.ScoreRejected {
		t.Fatalf("hired provider=%q, want rejected", got)
	}
}

func TestPriceCeilingWithoutInner(t *testing.T) {
	strategy := PriceCeiling{}
	if got := strategy.ScoreOffer(context.Background(), domain.Offer{ProviderID: "a", Price: 100}); got != domain.ScoreNeutral {
		t.Fatalf("score=%q, want neutral", got)
	}
}
