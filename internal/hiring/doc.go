// Package hiring implements the provider selection policy.
//
// A Ledger remembers which providers have been hired during the current run.
// Strategies score offers against it:
//   - ProviderOnce trusts a provider until it has been hired once, then rejects it.
//   - PriceCeiling rejects offers above a price limit and defers to another strategy.
//
// Scoring never mutates the ledger. The supervisor calls Remember when an
// offer has actually been accepted, so a provider whose negotiation fails
// stays eligible. History lives only in memory.
package hiring
