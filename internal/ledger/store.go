package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/payment_engine/internal/outbox"
)

// DefaultLockTimeout bounds how long a unit of work waits for an account row lock.
const DefaultLockTimeout = 3 * time.Second

// Store is the durable home of accounts, transactions and the outbox.
type Store interface {
	outbox.Runner

	// WithinTx runs fn in one unit of work. A nil return commits, anything
	// else rolls back every write made through tx.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetAccount(ctx context.Context, id int64) (Account, error)
	FindAccountByNumber(ctx context.Context, number string) (Account, error)
	FindTransactionByExternalID(ctx context.Context, externalID uuid.UUID) (Transaction, error)
}

// Tx is an open unit of work. It is only valid inside the WithinTx callback.
type Tx interface {
	outbox.Tx

	// InsertAccount stores a zero-balance account. A number collision returns
	// ErrNumberTaken before the unit of work continues.
	InsertAccount(ctx context.Context, number, currency string) (Account, error)
	// LockAccount takes an exclusive lock on the account, waiting at most wait.
	// It returns ErrNotFound or ErrLockTimeout.
	LockAccount(ctx context.Context, id int64, wait time.Duration) (Account, error)
	// UpdateBalance overwrites the balance of an account locked by this unit of work.
	UpdateBalance(ctx context.Context, id int64, balance decimal.Decimal) error
	// InsertTransaction appends tx. A reused external id returns ErrDuplicateExternalID.
	InsertTransaction(ctx context.Context, txn Transaction) error
}
