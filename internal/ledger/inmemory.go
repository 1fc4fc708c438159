package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/payment_engine/internal/outbox"
)

// InMemoryStore is a concurrency-safe Store useful for unit tests and local
// development. It mirrors the Postgres semantics the services rely on:
// exclusive account locks with a bounded wait, unique numbers and external
// ids, skip-locked outbox claims, and all-or-nothing commits.
type InMemoryStore struct {
	mu sync.Mutex

	nextID    int64
	accounts  map[int64]Account
	byNumber  map[string]int64
	txns      map[uuid.UUID]Transaction
	txnOrder  []uuid.UUID
	events    []outbox.Record
	eventIdx  map[uuid.UUID]int
	rowLocks  map[int64]chan struct{}
	claimed   map[uuid.UUID]struct{}
	numbers   map[string]struct{}
	externals map[uuid.UUID]struct{}

	now func() time.Time
}

var (
	_ Store = (*InMemoryStore)(nil)
	_ Tx    = (*memTx)(nil)
)

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		accounts:  make(map[int64]Account),
		byNumber:  make(map[string]int64),
		txns:      make(map[uuid.UUID]Transaction),
		eventIdx:  make(map[uuid.UUID]int),
		rowLocks:  make(map[int64]chan struct{}),
		claimed:   make(map[uuid.UUID]struct{}),
		numbers:   make(map[string]struct{}),
		externals: make(map[uuid.UUID]struct{}),
		now:       func() time.Time { return Timestamp(time.Now()) },
	}
}

// WithinTx runs fn in one unit of work. Staged writes become visible on
// commit; row locks are released on commit or rollback.
func (s *InMemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.run(ctx, func(ctx context.Context, tx *memTx) error { return fn(ctx, tx) })
}

// RunOutbox runs fn in one unit of work for the dispatcher.
func (s *InMemoryStore) RunOutbox(ctx context.Context, fn func(ctx context.Context, tx outbox.Tx) error) error {
	return s.run(ctx, func(ctx context.Context, tx *memTx) error { return fn(ctx, tx) })
}

func (s *InMemoryStore) run(ctx context.Context, fn func(ctx context.Context, tx *memTx) error) error {
	tx := &memTx{
		s:         s,
		active:    true,
		held:      make(map[int64]struct{}),
		created:   make(map[int64]Account),
		balances:  make(map[int64]decimal.Decimal),
		processed: make(map[uuid.UUID]time.Time),
	}
	committed := false
	defer func() {
		tx.active = false
		if !committed {
			tx.rollback()
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	committed = true
	return nil
}

// GetAccount reads committed account state without locking it.
func (s *InMemoryStore) GetAccount(_ context.Context, id int64) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("account %d %w", id, ErrNotFound)
	}
	return acc, nil
}

// FindAccountByNumber reads an account by its business number.
func (s *InMemoryStore) FindAccountByNumber(_ context.Context, number string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byNumber[number]
	if !ok {
		return Account{}, fmt.Errorf("account %s %w", number, ErrNotFound)
	}
	return s.accounts[id], nil
}

// FindTransactionByExternalID returns the committed transaction for an idempotency key.
func (s *InMemoryStore) FindTransactionByExternalID(_ context.Context, externalID uuid.UUID) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.txns[externalID]
	if !ok {
		return Transaction{}, fmt.Errorf("transaction %s %w", externalID, ErrNotFound)
	}
	return txn, nil
}

// rowLock returns the semaphore guarding an account row. Callers hold s.mu.
func (s *InMemoryStore) rowLock(id int64) chan struct{} {
	ch, ok := s.rowLocks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.rowLocks[id] = ch
	}
	return ch
}

type memTx struct {
	s      *InMemoryStore
	active bool

	held      map[int64]struct{}
	created   map[int64]Account
	balances  map[int64]decimal.Decimal
	txns      []Transaction
	events    []outbox.Record
	claims    []uuid.UUID
	processed map[uuid.UUID]time.Time
	numbers   []string
	externals []uuid.UUID
}

func (t *memTx) Active() bool { return t.active }

func (t *memTx) InsertAccount(_ context.Context, number, currency string) (Account, error) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byNumber[number]; taken {
		return Account{}, ErrNumberTaken
	}
	if _, reserved := s.numbers[number]; reserved {
		return Account{}, ErrNumberTaken
	}
	s.nextID++
	acc := Account{
		ID:        s.nextID,
		Number:    number,
		Currency:  currency,
		Balance:   decimal.Zero,
		CreatedAt: s.now(),
	}
	s.numbers[number] = struct{}{}
	t.numbers = append(t.numbers, number)
	t.created[acc.ID] = acc
	return acc, nil
}

func (t *memTx) LockAccount(ctx context.Context, id int64, wait time.Duration) (Account, error) {
	if acc, ok := t.created[id]; ok {
		return t.view(acc), nil
	}
	if _, ok := t.held[id]; ok {
		return t.current(id)
	}
	if wait <= 0 {
		wait = DefaultLockTimeout
	}

	t.s.mu.Lock()
	if _, ok := t.s.accounts[id]; !ok {
		t.s.mu.Unlock()
		return Account{}, fmt.Errorf("account %d %w", id, ErrNotFound)
	}
	sem := t.s.rowLock(id)
	t.s.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case sem <- struct{}{}:
	case <-timer.C:
		return Account{}, fmt.Errorf("%w: account %d not granted within %s", ErrLockTimeout, id, wait)
	case <-ctx.Done():
		return Account{}, ctx.Err()
	}
	t.held[id] = struct{}{}
	return t.current(id)
}

func (t *memTx) current(id int64) (Account, error) {
	t.s.mu.Lock()
	acc, ok := t.s.accounts[id]
	t.s.mu.Unlock()
	if !ok {
		return Account{}, fmt.Errorf("account %d %w", id, ErrNotFound)
	}
	return t.view(acc), nil
}

// view overlays staged writes on acc.
func (t *memTx) view(acc Account) Account {
	if bal, ok := t.balances[acc.ID]; ok {
		acc.Balance = bal
	}
	return acc
}

func (t *memTx) UpdateBalance(_ context.Context, id int64, balance decimal.Decimal) error {
	_, held := t.held[id]
	_, created := t.created[id]
	if !held && !created {
		return fmt.Errorf("%w: account %d is not locked by this unit of work", ErrInternal, id)
	}
	if balance.IsNegative() {
		return fmt.Errorf("%w: balance would become negative", ErrInsufficientFunds)
	}
	t.balances[id] = balance
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, txn Transaction) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.txns[txn.ExternalID]; exists {
		return ErrDuplicateExternalID
	}
	if _, reserved := s.externals[txn.ExternalID]; reserved {
		return ErrDuplicateExternalID
	}
	s.externals[txn.ExternalID] = struct{}{}
	t.externals = append(t.externals, txn.ExternalID)
	t.txns = append(t.txns, txn)
	return nil
}

func (t *memTx) InsertEvent(_ context.Context, rec outbox.Record) error {
	rec.Payload = append([]byte(nil), rec.Payload...)
	t.events = append(t.events, rec)
	return nil
}

func (t *memTx) ClaimPending(_ context.Context, limit int) ([]outbox.Record, error) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []outbox.Record
	for _, rec := range s.events {
		if rec.Status != outbox.StatusPending {
			continue
		}
		if _, taken := s.claimed[rec.ID]; taken {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		s.claimed[out[i].ID] = struct{}{}
		t.claims = append(t.claims, out[i].ID)
		out[i].Payload = append([]byte(nil), out[i].Payload...)
	}
	return out, nil
}

func (t *memTx) MarkProcessed(_ context.Context, id uuid.UUID, at time.Time) error {
	for _, claimed := range t.claims {
		if claimed == id {
			t.processed[id] = at
			return nil
		}
	}
	return fmt.Errorf("%w: %s", outbox.ErrNotClaimed, id)
}

func (t *memTx) commit() {
	s := t.s
	s.mu.Lock()
	for id, acc := range t.created {
		s.accounts[id] = acc
		s.byNumber[acc.Number] = id
	}
	for id, bal := range t.balances {
		acc := s.accounts[id]
		acc.Balance = bal
		s.accounts[id] = acc
	}
	for _, txn := range t.txns {
		s.txns[txn.ExternalID] = txn
		s.txnOrder = append(s.txnOrder, txn.ExternalID)
	}
	for _, rec := range t.events {
		s.eventIdx[rec.ID] = len(s.events)
		s.events = append(s.events, rec)
	}
	for id, at := range t.processed {
		at := at
		rec := &s.events[s.eventIdx[id]]
		rec.Status = outbox.StatusProcessed
		rec.ProcessedAt = &at
	}
	s.mu.Unlock()
	t.release()
}

func (t *memTx) rollback() {
	t.release()
}

func (t *memTx) release() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range t.numbers {
		delete(s.numbers, n)
	}
	for _, id := range t.externals {
		delete(s.externals, id)
	}
	for _, id := range t.claims {
		delete(s.claimed, id)
	}
	for id := range t.held {
		<-s.rowLocks[id]
	}
	t.numbers, t.externals, t.claims = nil, nil, nil
	t.held = map[int64]struct{}{}
}
