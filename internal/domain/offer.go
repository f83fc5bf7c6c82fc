package domain

import "strings"

// ProviderID identifies a marketplace participant. Values are opaque and
// supplied by the marketplace.
type ProviderID string

func (p ProviderID) String() string {
	return string(p)
}

// Offer is a provider's proposal to host the workload. Offers live for a
// single negotiation round.
type Offer struct {
	ProviderID   ProviderID
	ProviderName string
	Price        float64
	Runtime      string
	Capabilities []string
	Properties   map[string]string
}

// HasCapability reports whether the offer advertises the given capability.
func (o Offer) HasCapability(capability string) bool {
	capability = strings.TrimSpace(capability)
	for _, c := range o.Capabilities {
		if strings.EqualFold(strings.TrimSpace(c), capability) {
			return true
		}
	}
	return false
}

// Score is the verdict a selection strategy gives an offer.
type Score string

const (
	ScoreTrusted  Score = "trusted"
	ScoreNeutral  Score = "neutral"
	ScoreRejected Score = "rejected"
)

// Acceptable reports whether an offer with this score may be accepted.
func (s Score) Acceptable() bool {
	return s == ScoreTrusted || s == ScoreNeutral
}

// Rank orders acceptable scores; higher is preferred.
func (s Score) Rank() int {
	switch s {
	case ScoreTrusted:
		return 2
	case ScoreNeutral:
		return 1
	default:
		return 0
	}
}
