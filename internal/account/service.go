package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/payment_engine/internal/ledger"
	"github.com/congo-pay/payment_engine/internal/money"
	"github.com/congo-pay/payment_engine/internal/outbox"
)

const maxCreateAttempts = 3

// Service opens accounts and credits deposits.
type Service struct {
	store       ledger.Store
	writer      *outbox.Writer
	numbers     NumberGenerator
	lockTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithNumberGenerator replaces the random account number source.
func WithNumberGenerator(g NumberGenerator) Option {
	return func(s *Service) { s.numbers = g }
}

// WithLockTimeout sets how long a deposit waits for the account lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService builds an account service. Without WithNumberGenerator a
// crypto-seeded RandomNumbers is used.
func NewService(store ledger.Store, writer *outbox.Writer, opts ...Option) (*Service, error) {
	s := &Service{
		store:       store,
		writer:      writer,
		lockTimeout: ledger.DefaultLockTimeout,
		logger:      slog.Default(),
		now:         func() time.Time { return ledger.Timestamp(time.Now()) },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.numbers == nil {
		g, err := NewRandomNumbers()
		if err != nil {
			return nil, err
		}
		s.numbers = g
	}
	s.logger = s.logger.With("component", "account_service")
	return s, nil
}

// CreateAccount opens a zero-balance account in currency under a freshly
// generated number and enqueues ACCOUNT_CREATED with it.
func (s *Service) CreateAccount(ctx context.Context, currency string) (ledger.Account, error) {
	currency, err := normalizeCurrency(currency)
	if err != nil {
		return ledger.Account{}, err
	}

	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		acc, err := s.tryCreate(ctx, currency)
		if err == nil {
			s.logger.Info("account created",
				slog.Int64("account_id", acc.ID),
				slog.String("number", acc.Number),
				slog.String("currency", acc.Currency),
			)
			return acc, nil
		}
		if !errors.Is(err, ledger.ErrNumberTaken) {
			return ledger.Account{}, err
		}
		s.logger.Warn("account number collision, retrying", slog.Int("attempt", attempt))
	}
	return ledger.Account{}, fmt.Errorf("%w: no unique account number after %d attempts", ledger.ErrInternal, maxCreateAttempts)
}

func (s *Service) tryCreate(ctx context.Context, currency string) (ledger.Account, error) {
	var acc ledger.Account
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		acc, err = tx.InsertAccount(ctx, s.numbers.Next(), currency)
		if err != nil {
			return err
		}
		_, err = s.writer.Enqueue(ctx, tx, outbox.AccountCreated{
			AccountID: acc.ID,
			Number:    acc.Number,
			Currency:  acc.Currency,
			CreatedAt: s.now(),
		})
		return err
	})
	return acc, err
}

// Deposit credits amount to an account under its exclusive lock, records a
// sender-less transaction and enqueues BALANCE_DEPOSITED, all in one unit of work.
func (s *Service) Deposit(ctx context.Context, accountID int64, amount decimal.Decimal) (ledger.Account, error) {
	if err := money.ValidatePositive(amount); err != nil {
		return ledger.Account{}, fmt.Errorf("%w: %v", ledger.ErrInvalidArgument, err)
	}

	var acc ledger.Account
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		acc, err = tx.LockAccount(ctx, accountID, s.lockTimeout)
		if err != nil {
			return err
		}
		acc.Balance = acc.Balance.Add(amount)
		if err := tx.UpdateBalance(ctx, acc.ID, acc.Balance); err != nil {
			return err
		}

		txn := ledger.Transaction{
			ID:         uuid.New(),
			ExternalID: uuid.New(),
			ReceiverID: acc.ID,
			Amount:     amount,
			Currency:   acc.Currency,
			Timestamp:  s.now(),
			Status:     ledger.StatusSuccess,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		_, err = s.writer.Enqueue(ctx, tx, outbox.BalanceDeposited{
			AccountID:     acc.ID,
			Amount:        money.NewAmount(amount),
			Currency:      acc.Currency,
			TransactionID: txn.ID,
		})
		return err
	})
	if err != nil {
		return ledger.Account{}, err
	}

	s.logger.Info("balance topped up",
		slog.Int64("account_id", acc.ID),
		slog.String("amount", money.Format(amount)),
	)
	return acc, nil
}

// GetAccount reads an account without locking.
func (s *Service) GetAccount(ctx context.Context, id int64) (ledger.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// GetAccountByNumber reads an account by its business number.
func (s *Service) GetAccountByNumber(ctx context.Context, number string) (ledger.Account, error) {
	if len(number) != NumberLength {
		return ledger.Account{}, fmt.Errorf("%w: account number must have %d digits", ledger.ErrInvalidArgument, NumberLength)
	}
	return s.store.FindAccountByNumber(ctx, number)
}

func normalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", fmt.Errorf("%w: currency must be a 3-letter code", ledger.ErrInvalidArgument)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: currency must be a 3-letter code", ledger.ErrInvalidArgument)
		}
	}
	return code, nil
}
