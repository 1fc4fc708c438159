package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Writer appends events to the outbox inside a caller's unit of work.
type Writer struct {
	now func() time.Time
}

// NewWriter builds an outbox writer.
func NewWriter() *Writer {
	return &Writer{now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue serializes event and inserts it as a PENDING row through tx.
//
// tx must be an open unit of work owned by the caller. A missing or finished
// unit of work is a programming error and panics with ErrNoUnitOfWork; the
// writer never opens a transaction of its own.
func (w *Writer) Enqueue(ctx context.Context, tx Tx, event Event) (Record, error) {
	if tx == nil || !tx.Active() {
		panic(ErrNoUnitOfWork)
	}
	if event == nil {
		return Record{}, errors.New("outbox: event is required")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s event: %w", event.Type(), err)
	}

	rec := Record{
		ID:            uuid.New(),
		AggregateType: event.AggregateType(),
		AggregateID:   event.AggregateID(),
		EventType:     event.Type(),
		Payload:       payload,
		Status:        StatusPending,
		CreatedAt:     w.now(),
	}
	if err := tx.InsertEvent(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("insert outbox event: %w", err)
	}
	return rec, nil
}
