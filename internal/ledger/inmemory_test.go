package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/payment_engine/internal/outbox"
)

func openAccount(t *testing.T, s *InMemoryStore, number string) Account {
	t.Helper()
	var acc Account
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		acc, err = tx.InsertAccount(ctx, number, "RUB")
		return err
	})
	if err != nil {
		t.Fatalf("insert account %s: %v", number, err)
	}
	return acc
}

func TestInMemoryStore_RollbackDiscardsWrites(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	acc := openAccount(t, s, "00000000000000000001")
	SeedBalance(s, acc.ID, decimal.RequireFromString("10.00"))

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockAccount(ctx, acc.ID, time.Second); err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, acc.ID, decimal.RequireFromString("99.00")); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, Transaction{ID: uuid.New(), ExternalID: uuid.New(), ReceiverID: acc.ID}); err != nil {
			return err
		}
		if err := tx.InsertEvent(ctx, outbox.Record{ID: uuid.New(), Status: outbox.StatusPending}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, err := s.GetAccount(ctx, acc.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !got.Balance.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("expected balance 10.00 after rollback, got %s", got.Balance)
	}
	if n := len(s.Transactions()); n != 0 {
		t.Fatalf("expected no transactions, got %d", n)
	}
	if n := len(s.Events()); n != 0 {
		t.Fatalf("expected no events, got %d", n)
	}
}

func TestInMemoryStore_DuplicateNumber(t *testing.T) {
	s := NewInMemoryStore()
	openAccount(t, s, "12345678901234567890")

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := tx.InsertAccount(ctx, "12345678901234567890", "RUB")
		return err
	})
	if !errors.Is(err, ErrNumberTaken) {
		t.Fatalf("expected ErrNumberTaken, got %v", err)
	}
	if KindOf(err) != KindConflict {
		t.Fatalf("expected conflict kind, got %s", KindOf(err))
	}
}

func TestInMemoryStore_LockTimeout(t *testing.T) {
	s := NewInMemoryStore()
	acc := openAccount(t, s, "00000000000000000002")

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
			if _, err := tx.LockAccount(ctx, acc.ID, time.Second); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	start := time.Now()
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := tx.LockAccount(ctx, acc.ID, 50*time.Millisecond)
		return err
	})
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("lock wait returned early after %s", elapsed)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("holder tx: %v", err)
	}

	// lock is free again once the holder commits
	err = s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := tx.LockAccount(ctx, acc.ID, 50*time.Millisecond)
		return err
	})
	if err != nil {
		t.Fatalf("expected lock after release, got %v", err)
	}
}

func TestInMemoryStore_LockMissingAccount(t *testing.T) {
	s := NewInMemoryStore()
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := tx.LockAccount(ctx, 42, time.Second)
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInMemoryStore_UpdateRequiresLock(t *testing.T) {
	s := NewInMemoryStore()
	acc := openAccount(t, s, "00000000000000000003")

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.UpdateBalance(ctx, acc.ID, decimal.RequireFromString("1.00"))
	})
	if KindOf(err) != KindInternal {
		t.Fatalf("expected internal error for unlocked update, got %v", err)
	}

	err = s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockAccount(ctx, acc.ID, time.Second); err != nil {
			return err
		}
		return tx.UpdateBalance(ctx, acc.ID, decimal.RequireFromString("-0.01"))
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds for negative balance, got %v", err)
	}
}

func TestInMemoryStore_DuplicateExternalID(t *testing.T) {
	s := NewInMemoryStore()
	acc := openAccount(t, s, "00000000000000000004")
	ext := uuid.New()

	insert := func() error {
		return s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
			return tx.InsertTransaction(ctx, Transaction{ID: uuid.New(), ExternalID: ext, ReceiverID: acc.ID, Status: StatusSuccess})
		})
	}
	if err := insert(); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := insert(); !errors.Is(err, ErrDuplicateExternalID) {
		t.Fatalf("expected ErrDuplicateExternalID, got %v", err)
	}

	txn, err := s.FindTransactionByExternalID(context.Background(), ext)
	if err != nil {
		t.Fatalf("find transaction: %v", err)
	}
	if txn.ExternalID != ext {
		t.Fatalf("unexpected transaction %+v", txn)
	}
}

func TestInMemoryStore_ClaimSkipsLockedRows(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		for i := 0; i < 3; i++ {
			rec := outbox.Record{ID: uuid.New(), Status: outbox.StatusPending, CreatedAt: base.Add(time.Duration(2-i) * time.Second)}
			if err := tx.InsertEvent(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed events: %v", err)
	}

	claimedFirst := make(chan []outbox.Record, 1)
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.RunOutbox(ctx, func(ctx context.Context, tx outbox.Tx) error {
			recs, err := tx.ClaimPending(ctx, 2)
			claimedFirst <- recs
			if err != nil {
				return err
			}
			<-release
			return nil
		})
	}()
	first := <-claimedFirst
	if len(first) != 2 {
		t.Fatalf("expected 2 claimed rows, got %d", len(first))
	}
	if !first[0].CreatedAt.Before(first[1].CreatedAt) {
		t.Fatalf("claims not in creation order")
	}

	err = s.RunOutbox(ctx, func(ctx context.Context, tx outbox.Tx) error {
		recs, err := tx.ClaimPending(ctx, 10)
		if err != nil {
			return err
		}
		if len(recs) != 1 {
			t.Errorf("expected 1 unclaimed row, got %d", len(recs))
			return nil
		}
		for _, r := range first {
			if r.ID == recs[0].ID {
				t.Errorf("row %s claimed twice", r.ID)
			}
		}
		if err := tx.MarkProcessed(ctx, first[0].ID, time.Now()); !errors.Is(err, outbox.ErrNotClaimed) {
			t.Errorf("expected ErrNotClaimed, got %v", err)
		}
		return tx.MarkProcessed(ctx, recs[0].ID, time.Now())
	})
	if err != nil {
		t.Fatalf("second claimer: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first claimer: %v", err)
	}

	pending := 0
	for _, rec := range s.Events() {
		if rec.Status == outbox.StatusPending {
			pending++
		}
	}
	if pending != 2 {
		t.Fatalf("expected 2 rows still pending, got %d", pending)
	}
}

func TestKindOf(t *testing.T) {
	cases := map[error]Kind{
		nil:                    "",
		ErrNotFound:            KindNotFound,
		ErrInvalidArgument:     KindInvalidArgument,
		ErrInsufficientFunds:   KindInsufficientFunds,
		ErrLockTimeout:         KindLockTimeout,
		ErrDuplicateExternalID: KindConflict,
		errors.New("other"):    KindInternal,
	}
	for err, want := range cases {
		if got := KindOf(err); got != want {
			t.Errorf("KindOf(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestTimestampMatchesStoragePrecision(t *testing.T) {
	moscow := time.FixedZone("MSK", 3*60*60)
	in := time.Date(2026, 10, 16, 3, 54, 28, 763208417, moscow)

	got := Timestamp(in)
	want := time.Date(2026, 10, 16, 0, 54, 28, 763208000, time.UTC)
	if !got.Equal(want) || got.Location() != time.UTC {
		t.Fatalf("Timestamp(%s) = %s, want %s", in, got, want)
	}
	if again := Timestamp(got); !again.Equal(got) {
		t.Fatalf("Timestamp is not idempotent: %s then %s", got, again)
	}
}
