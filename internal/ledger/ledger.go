package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when an account or transaction does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument covers bad amounts, self-transfers and currency mismatches.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInsufficientFunds occurs when the source account lacks balance to cover a debit.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrLockTimeout means an account row lock was not granted within the allowed wait.
	ErrLockTimeout = errors.New("lock wait timeout")
	// ErrConflict reports a unique constraint violation.
	ErrConflict = errors.New("conflict")
	// ErrInternal wraps failures the caller cannot act on.
	ErrInternal = errors.New("internal error")

	// ErrNumberTaken is the unique-number collision on account insert.
	ErrNumberTaken = fmt.Errorf("%w: account number already taken", ErrConflict)
	// ErrDuplicateExternalID is the unique idempotency-key collision on transaction insert.
	ErrDuplicateExternalID = fmt.Errorf("%w: transaction external id already recorded", ErrConflict)
)

// Kind is the stable, caller-facing error category.
type Kind string

const (
	KindNotFound          Kind = "NOT_FOUND"
	KindInvalidArgument   Kind = "INVALID_ARGUMENT"
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	KindLockTimeout       Kind = "LOCK_TIMEOUT"
	KindConflict          Kind = "CONFLICT"
	KindInternal          Kind = "INTERNAL"
)

// KindOf classifies err. Unrecognised errors are internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrLockTimeout):
		return KindLockTimeout
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindInternal
	}
}

// TransactionStatus is the outcome recorded on a ledger movement.
type TransactionStatus string

const (
	StatusSuccess TransactionStatus = "SUCCESS"
	// StatusFailed and StatusPending are reserved; the engine only writes SUCCESS.
	StatusFailed  TransactionStatus = "FAILED"
	StatusPending TransactionStatus = "PENDING"
)

// Account is a balance holder. Balance is only mutated under an exclusive row lock.
type Account struct {
	ID        int64
	Number    string
	Currency  string
	Balance   decimal.Decimal
	CreatedAt time.Time
}

// Transaction is an immutable ledger movement. SenderID is nil for deposits.
type Transaction struct {
	ID           uuid.UUID
	ExternalID   uuid.UUID
	SenderID     *int64
	ReceiverID   int64
	Amount       decimal.Decimal
	Currency     string
	Timestamp    time.Time
	Status       TransactionStatus
	ErrorMessage *string
}

// Timestamp returns t in UTC at the microsecond precision TIMESTAMPTZ keeps,
// so a value read back from the store equals the one that was written.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
