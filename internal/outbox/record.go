package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an outbox row. PENDING -> PROCESSED is the
// only transition.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusProcessed Status = "PROCESSED"
)

var (
	// ErrNoUnitOfWork is raised when Enqueue is called without an open unit of work.
	ErrNoUnitOfWork = errors.New("outbox: enqueue requires an open unit of work")
	// ErrNotClaimed is returned when marking a row this unit of work never claimed.
	ErrNotClaimed = errors.New("outbox: event is not claimed by this unit of work")
	// ErrUnknownEventType is returned when decoding a record with an unrecognised type.
	ErrUnknownEventType = errors.New("outbox: unknown event type")
)

// Record is one persisted outbox row.
type Record struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   string
	EventType     EventType
	Payload       []byte
	Status        Status
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}

// Tx is the slice of a ledger unit of work the outbox needs. Implementations
// are provided by the ledger stores.
type Tx interface {
	// Active reports whether the unit of work is still open.
	Active() bool
	InsertEvent(ctx context.Context, rec Record) error
	// ClaimPending locks up to limit PENDING rows, oldest first, skipping rows
	// already claimed by another unit of work.
	ClaimPending(ctx context.Context, limit int) ([]Record, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Runner opens a unit of work for the dispatcher. fn's error rolls it back.
type Runner interface {
	RunOutbox(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
