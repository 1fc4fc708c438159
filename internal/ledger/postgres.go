package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/payment_engine/internal/outbox"
)

const (
	pgLockNotAvailable = "55P03"
	pgUniqueViolation  = "23505"
	pgCheckViolation   = "23514"

	constraintAccountNumber = "accounts_number_key"
	constraintExternalID    = "transactions_external_id_key"
	constraintBalanceNonNeg = "accounts_balance_check"
	accountColumns          = `id, number, currency, balance::text, created_at`
	transactionColumns      = `id, external_id, sender_account_id, receiver_account_id, amount::text, currency, occurred_at, status, error_message`
	outboxColumns           = `id, aggregate_type, aggregate_id, event_type, payload, status, created_at, processed_at`
)

// PostgresStore persists the ledger and its outbox in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*pgTx)(nil)
)

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithinTx runs fn inside a single database transaction.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.run(ctx, func(ctx context.Context, tx *pgTx) error { return fn(ctx, tx) })
}

// RunOutbox runs fn inside a single database transaction.
func (s *PostgresStore) RunOutbox(ctx context.Context, fn func(ctx context.Context, tx outbox.Tx) error) error {
	return s.run(ctx, func(ctx context.Context, tx *pgTx) error { return fn(ctx, tx) })
}

func (s *PostgresStore) run(ctx context.Context, fn func(ctx context.Context, tx *pgTx) error) error {
	dbTx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", ErrInternal, err)
	}
	defer dbTx.Rollback(ctx) // nolint:errcheck

	tx := &pgTx{
		tx:      dbTx,
		active:  true,
		locked:  make(map[int64]struct{}),
		claimed: make(map[uuid.UUID]struct{}),
	}
	err = fn(ctx, tx)
	tx.active = false
	if err != nil {
		return err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return translateError(err)
	}
	return nil
}

// GetAccount reads an account without locking it.
func (s *PostgresStore) GetAccount(ctx context.Context, id int64) (Account, error) {
	return scanAccount(s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id), fmt.Sprintf("account %d", id))
}

// FindAccountByNumber reads an account by its business number.
func (s *PostgresStore) FindAccountByNumber(ctx context.Context, number string) (Account, error) {
	return scanAccount(s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE number = $1`, number), fmt.Sprintf("account %s", number))
}

// FindTransactionByExternalID returns the transaction recorded for an idempotency key.
func (s *PostgresStore) FindTransactionByExternalID(ctx context.Context, externalID uuid.UUID) (Transaction, error) {
	return findTransaction(ctx, s.db, externalID)
}

type pgTx struct {
	tx      pgx.Tx
	active  bool
	locked  map[int64]struct{}
	claimed map[uuid.UUID]struct{}
}

func (t *pgTx) Active() bool { return t.active }

func (t *pgTx) InsertAccount(ctx context.Context, number, currency string) (Account, error) {
	acc := Account{Number: number, Currency: currency, Balance: decimal.Zero}
	err := t.tx.QueryRow(ctx,
		`INSERT INTO accounts (number, currency, balance) VALUES ($1, $2, 0) RETURNING id, created_at`,
		number, currency,
	).Scan(&acc.ID, &acc.CreatedAt)
	if err != nil {
		return Account{}, translateError(err)
	}
	acc.CreatedAt = Timestamp(acc.CreatedAt)
	t.locked[acc.ID] = struct{}{}
	return acc, nil
}

func (t *pgTx) LockAccount(ctx context.Context, id int64, wait time.Duration) (Account, error) {
	if wait <= 0 {
		wait = DefaultLockTimeout
	}
	if _, err := t.tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, fmt.Sprintf("%dms", wait.Milliseconds())); err != nil {
		return Account{}, translateError(err)
	}
	acc, err := scanAccount(t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id), fmt.Sprintf("account %d", id))
	if err != nil {
		return Account{}, err
	}
	t.locked[id] = struct{}{}
	return acc, nil
}

func (t *pgTx) UpdateBalance(ctx context.Context, id int64, balance decimal.Decimal) error {
	if _, ok := t.locked[id]; !ok {
		return fmt.Errorf("%w: account %d is not locked by this unit of work", ErrInternal, id)
	}
	tag, err := t.tx.Exec(ctx, `UPDATE accounts SET balance = $2::numeric WHERE id = $1`, id, balance.StringFixed(2))
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %d %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn Transaction) error {
	_, err := t.tx.Exec(ctx, `
        INSERT INTO transactions (id, external_id, sender_account_id, receiver_account_id, amount, currency, occurred_at, status, error_message)
        VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9)`,
		txn.ID, txn.ExternalID, txn.SenderID, txn.ReceiverID, txn.Amount.StringFixed(2),
		txn.Currency, txn.Timestamp, string(txn.Status), txn.ErrorMessage,
	)
	return translateError(err)
}

func (t *pgTx) InsertEvent(ctx context.Context, rec outbox.Record) error {
	_, err := t.tx.Exec(ctx, `
        INSERT INTO outbox_events (id, aggregate_type, aggregate_id, event_type, payload, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.AggregateType, rec.AggregateID, string(rec.EventType), rec.Payload, string(rec.Status), rec.CreatedAt,
	)
	return translateError(err)
}

func (t *pgTx) ClaimPending(ctx context.Context, limit int) ([]outbox.Record, error) {
	rows, err := t.tx.Query(ctx, `
        SELECT `+outboxColumns+`
        FROM outbox_events
        WHERE status = 'PENDING'
        ORDER BY created_at ASC
        LIMIT $1
        FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	var records []outbox.Record
	for rows.Next() {
		var (
			rec       outbox.Record
			eventType string
			status    string
		)
		if err := rows.Scan(&rec.ID, &rec.AggregateType, &rec.AggregateID, &eventType, &rec.Payload, &status, &rec.CreatedAt, &rec.ProcessedAt); err != nil {
			return nil, err
		}
		rec.EventType = outbox.EventType(eventType)
		rec.Status = outbox.Status(status)
		t.claimed[rec.ID] = struct{}{}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (t *pgTx) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, ok := t.claimed[id]; !ok {
		return fmt.Errorf("%w: %s", outbox.ErrNotClaimed, id)
	}
	_, err := t.tx.Exec(ctx,
		`UPDATE outbox_events SET status = 'PROCESSED', processed_at = $2 WHERE id = $1 AND status = 'PENDING'`,
		id, at,
	)
	return translateError(err)
}

func scanAccount(row pgx.Row, what string) (Account, error) {
	var (
		acc     Account
		balance string
	)
	if err := row.Scan(&acc.ID, &acc.Number, &acc.Currency, &balance, &acc.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("%s %w", what, ErrNotFound)
		}
		return Account{}, translateError(err)
	}
	d, err := decimal.NewFromString(balance)
	if err != nil {
		return Account{}, fmt.Errorf("%w: parse balance of %s: %v", ErrInternal, what, err)
	}
	acc.Balance = d
	acc.CreatedAt = Timestamp(acc.CreatedAt)
	return acc, nil
}

func findTransaction(ctx context.Context, q querier, externalID uuid.UUID) (Transaction, error) {
	var (
		txn    Transaction
		amount string
		status string
	)
	err := q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE external_id = $1`, externalID).
		Scan(&txn.ID, &txn.ExternalID, &txn.SenderID, &txn.ReceiverID, &amount, &txn.Currency, &txn.Timestamp, &status, &txn.ErrorMessage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, fmt.Errorf("transaction %s %w", externalID, ErrNotFound)
		}
		return Transaction{}, translateError(err)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: parse amount of transaction %s: %v", ErrInternal, externalID, err)
	}
	txn.Amount = d
	txn.Timestamp = Timestamp(txn.Timestamp)
	txn.Status = TransactionStatus(status)
	return txn, nil
}

// translateError maps the Postgres conditions the ledger depends on to its
// sentinel errors. Anything else is returned unchanged.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgLockNotAvailable:
		return fmt.Errorf("%w: %s", ErrLockTimeout, pgErr.Message)
	case pgUniqueViolation:
		switch pgErr.ConstraintName {
		case constraintAccountNumber:
			return ErrNumberTaken
		case constraintExternalID:
			return ErrDuplicateExternalID
		}
	case pgCheckViolation:
		if pgErr.ConstraintName == constraintBalanceNonNeg {
			return fmt.Errorf("%w: balance would become negative", ErrInsufficientFunds)
		}
	}
	return err
}
