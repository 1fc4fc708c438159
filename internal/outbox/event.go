package outbox

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/payment_engine/internal/money"
)

// EventType is the discriminant carried with every outbox row and published
// as message metadata.
type EventType string

const (
	EventAccountCreated    EventType = "ACCOUNT_CREATED"
	EventBalanceDeposited  EventType = "BALANCE_DEPOSITED"
	EventTransferCompleted EventType = "TRANSFER_COMPLETED"
)

const (
	AggregateAccount     = "ACCOUNT"
	AggregateTransaction = "TRANSACTION"
)

// Event is the closed set of domain events. Only the payload types declared
// in this file implement it.
type Event interface {
	Type() EventType
	AggregateType() string
	// AggregateID is the partition key downstream.
	AggregateID() string
	event()
}

// AccountCreated is emitted once per opened account.
type AccountCreated struct {
	AccountID int64     `json:"accountId"`
	Number    string    `json:"number"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"createdAt"`
}

func (AccountCreated) Type() EventType { return EventAccountCreated }
func (AccountCreated) AggregateType() string { return AggregateAccount }
func (e AccountCreated) AggregateID() string { return strconv.FormatInt(e.AccountID, 10) }
func (AccountCreated) event() {}

// BalanceDeposited is emitted for every committed top-up.
type BalanceDeposited struct {
	AccountID     int64        `json:"accountId"`
	Amount        money.Amount `json:"amount"`
	Currency      string       `json:"currency"`
	TransactionID uuid.UUID    `json:"transactionId"`
}

func (BalanceDeposited) Type() EventType { return EventBalanceDeposited }
func (BalanceDeposited) AggregateType() string { return AggregateAccount }
func (e BalanceDeposited) AggregateID() string { return strconv.FormatInt(e.AccountID, 10) }
func (BalanceDeposited) event() {}

// TransferCompleted is emitted for every committed transfer.
type TransferCompleted struct {
	TransactionID     uuid.UUID    `json:"transactionId"`
	SenderAccountID   int64        `json:"senderAccountId"`
	ReceiverAccountID int64        `json:"receiverAccountId"`
	Amount            money.Amount `json:"amount"`
	Currency          string       `json:"currency"`
}

func (TransferCompleted) Type() EventType { return EventTransferCompleted }
func (TransferCompleted) AggregateType() string { return AggregateTransaction }
func (e TransferCompleted) AggregateID() string { return e.TransactionID.String() }
func (TransferCompleted) event() {}

// Decode turns a stored record back into its typed event.
func Decode(rec Record) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch rec.EventType {
	case EventAccountCreated:
		var e AccountCreated
		err = json.Unmarshal(rec.Payload, &e)
		ev = e
	case EventBalanceDeposited:
		var e BalanceDeposited
		err = json.Unmarshal(rec.Payload, &e)
		ev = e
	case EventTransferCompleted:
		var e TransferCompleted
		err = json.Unmarshal(rec.Payload, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, rec.EventType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", rec.EventType, err)
	}
	return ev, nil
}
