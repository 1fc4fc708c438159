package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/congo-pay/payment_engine/internal/outbox"
)

// SeedBalance is a test helper that overwrites the committed balance of an
// account held by the in-memory store.
func SeedBalance(s *InMemoryStore, id int64, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok := s.accounts[id]; ok {
		acc.Balance = amount
		s.accounts[id] = acc
	}
}

// Events returns a snapshot of committed outbox rows in commit order.
func (s *InMemoryStore) Events() []outbox.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outbox.Record, len(s.events))
	copy(out, s.events)
	return out
}

// Transactions returns a snapshot of committed transactions in commit order.
func (s *InMemoryStore) Transactions() []Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transaction, 0, len(s.txnOrder))
	for _, id := range s.txnOrder {
		out = append(out, s.txns[id])
	}
	return out
}

// TotalBalance sums every committed account balance.
func (s *InMemoryStore) TotalBalance() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, acc := range s.accounts {
		total = total.Add(acc.Balance)
	}
	return total
}
