package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/payment_engine/internal/ledger"
	"github.com/congo-pay/payment_engine/internal/money"
	"github.com/congo-pay/payment_engine/internal/outbox"
)

// Request describes one money movement between two accounts. ExternalID is
// the client's idempotency key.
type Request struct {
	ExternalID    uuid.UUID
	FromAccountID int64
	ToAccountID   int64
	Amount        decimal.Decimal
}

// Result is the recorded transaction. Replayed is set when the transaction
// was already recorded by an earlier request with the same external id.
type Result struct {
	Transaction ledger.Transaction
	Replayed    bool
}

// Engine executes transfers with ordered locking and idempotent replay.
type Engine struct {
	store       ledger.Store
	writer      *outbox.Writer
	lockTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewEngine builds a transfer engine. A non-positive lockTimeout falls back
// to ledger.DefaultLockTimeout.
func NewEngine(store ledger.Store, writer *outbox.Writer, lockTimeout time.Duration, logger *slog.Logger) *Engine {
	if lockTimeout <= 0 {
		lockTimeout = ledger.DefaultLockTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:       store,
		writer:      writer,
		lockTimeout: lockTimeout,
		logger:      logger.With("component", "transfer_engine"),
		now:         func() time.Time { return ledger.Timestamp(time.Now()) },
	}
}

// PerformTransfer moves req.Amount from the sender to the receiver.
//
// A request whose external id is already recorded returns that transaction
// without taking locks or enqueueing events. Otherwise both accounts are
// locked lowest id first, validated against the locked rows, updated,
// recorded and announced with TRANSFER_COMPLETED in a single unit of work.
// Any error leaves no trace.
func (e *Engine) PerformTransfer(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}
	logger := e.logger.With(
		slog.String("external_id", req.ExternalID.String()),
		slog.Int64("from_account_id", req.FromAccountID),
		slog.Int64("to_account_id", req.ToAccountID),
	)

	if existing, err := e.store.FindTransactionByExternalID(ctx, req.ExternalID); err == nil {
		logger.Warn("duplicate transfer request, returning recorded transaction",
			slog.String("transaction_id", existing.ID.String()))
		return Result{Transaction: existing, Replayed: true}, nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return Result{}, err
	}

	if req.FromAccountID == req.ToAccountID {
		return Result{}, fmt.Errorf("%w: self-transfer is not allowed", ledger.ErrInvalidArgument)
	}

	var txn ledger.Transaction
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		sender, receiver, err := e.lockPair(ctx, tx, req.FromAccountID, req.ToAccountID)
		if err != nil {
			return err
		}

		if sender.Currency != receiver.Currency {
			return fmt.Errorf("%w: cross-currency transfers are not supported (%s -> %s)",
				ledger.ErrInvalidArgument, sender.Currency, receiver.Currency)
		}
		if sender.Balance.LessThan(req.Amount) {
			logger.Warn("insufficient funds",
				slog.String("balance", money.Format(sender.Balance)),
				slog.String("required", money.Format(req.Amount)))
			return fmt.Errorf("account %d: %w", sender.ID, ledger.ErrInsufficientFunds)
		}

		sender.Balance = sender.Balance.Sub(req.Amount)
		receiver.Balance = receiver.Balance.Add(req.Amount)
		if err := tx.UpdateBalance(ctx, sender.ID, sender.Balance); err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, receiver.ID, receiver.Balance); err != nil {
			return err
		}

		senderID := sender.ID
		txn = ledger.Transaction{
			ID:         uuid.New(),
			ExternalID: req.ExternalID,
			SenderID:   &senderID,
			ReceiverID: receiver.ID,
			Amount:     req.Amount,
			Currency:   sender.Currency,
			Timestamp:  e.now(),
			Status:     ledger.StatusSuccess,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}

		_, err = e.writer.Enqueue(ctx, tx, outbox.TransferCompleted{
			TransactionID:     txn.ID,
			SenderAccountID:   sender.ID,
			ReceiverAccountID: receiver.ID,
			Amount:            money.NewAmount(txn.Amount),
			Currency:          txn.Currency,
		})
		return err
	})
	if errors.Is(err, ledger.ErrDuplicateExternalID) {
		return e.replayAfterRace(ctx, req.ExternalID, logger)
	}
	if err != nil {
		return Result{}, err
	}

	logger.Info("transfer completed", slog.String("transaction_id", txn.ID.String()))
	return Result{Transaction: txn}, nil
}

// lockPair locks both accounts in ascending id order and returns them as
// (sender, receiver).
func (e *Engine) lockPair(ctx context.Context, tx ledger.Tx, fromID, toID int64) (ledger.Account, ledger.Account, error) {
	lo, hi := fromID, toID
	if hi < lo {
		lo, hi = hi, lo
	}
	first, err := tx.LockAccount(ctx, lo, e.lockTimeout)
	if err != nil {
		return ledger.Account{}, ledger.Account{}, err
	}
	second, err := tx.LockAccount(ctx, hi, e.lockTimeout)
	if err != nil {
		return ledger.Account{}, ledger.Account{}, err
	}
	if first.ID == fromID {
		return first, second, nil
	}
	return second, first, nil
}

// replayAfterRace resolves a lost race on the external id: another request
// recorded the same transfer between our lookup and our insert.
func (e *Engine) replayAfterRace(ctx context.Context, externalID uuid.UUID, logger *slog.Logger) (Result, error) {
	existing, err := e.store.FindTransactionByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: transfer %s is being processed concurrently", ledger.ErrConflict, externalID)
		}
		return Result{}, err
	}
	logger.Warn("concurrent duplicate transfer, returning recorded transaction",
		slog.String("transaction_id", existing.ID.String()))
	return Result{Transaction: existing, Replayed: true}, nil
}

func validate(req Request) error {
	if req.ExternalID == uuid.Nil {
		return fmt.Errorf("%w: externalId is required", ledger.ErrInvalidArgument)
	}
	if req.FromAccountID <= 0 || req.ToAccountID <= 0 {
		return fmt.Errorf("%w: account ids must be positive", ledger.ErrInvalidArgument)
	}
	if err := money.ValidatePositive(req.Amount); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrInvalidArgument, err)
	}
	return nil
}
