package hiring

import (
	"sync"

	"github.com/animus-labs/requestor-go/internal/domain"
)

// Ledger is the set of providers hired in this run.
type Ledger struct {
	mu    sync.RWMutex
	hired map[domain.ProviderID]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{hired: make(map[domain.ProviderID]struct{})}
}

// Remember records a hired provider. Repeated calls are no-ops. Provider
// ids are opaque and stored exactly as given.
func (l *Ledger) Remember(id domain.ProviderID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hired == nil {
		l.hired = make(map[domain.ProviderID]struct{})
	}
	l.hired[id] = struct{}{}
}

func (l *Ledger) Contains(id domain.ProviderID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.hired[id]
	return ok
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.hired)
}
