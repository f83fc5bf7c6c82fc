package hiring

import (
	"context"

	"github.com/animus-labs/requestor-go/internal/domain"
)

// Strategy scores marketplace offers and learns about accepted providers.
// ScoreOffer runs inside the marketplace negotiation path and must not block.
type Strategy interface {
	ScoreOffer(ctx context.Context, offer domain.Offer) domain.Score
	Remember(id domain.ProviderID)
}

// ProviderOnce hires every provider at most once per run.
type ProviderOnce struct {
	ledger *Ledger
}

func NewProviderOnce(ledger *Ledger) *ProviderOnce {
	if ledger == nil {
		ledger = NewLedger()
	}
	return &ProviderOnce{ledger: ledger}
}

func (s *ProviderOnce) ScoreOffer(_ context.Context, offer domain.Offer) domain.Score {
	if s.ledger.Contains(offer.ProviderID) {
		return domain.ScoreRejected
	}
	return domain.ScoreTrusted
}

func (s *ProviderOnce) Remember(id domain.ProviderID) {
	s.ledger.Remember(id)
}

// Ledger exposes the backing ledger for status reporting.
func (s *ProviderOnce) Ledger() *Ledger {
	return s.ledger
}

// PriceCeiling rejects offers priced above Max and delegates everything else.
// A non-positive Max disables the ceiling.
type PriceCeiling struct {
	Max   float64
	Inner Strategy
}

func (s PriceCeiling) ScoreOffer(ctx context.Context, offer domain.Offer) domain.Score {
	if s.Max > 0 && offer.Price > s.Max {
		return domain.ScoreRejected
	}
	if s.Inner == nil {
		return domain.ScoreNeutral
	}
	return s.Inner.ScoreOffer(ctx, offer)
}

func (s PriceCeiling) Remember(id domain.ProviderID) {
	if s.Inner != nil {
		s.Inner.Remember(id)
	}
}
