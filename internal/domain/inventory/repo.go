package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type MedicationRepository interface {
	Create(ctx context.Context, m *Medication) error
	GetByID(ctx context.Context, id uuid.UUID) (*Medication, error)
	// GetForUpdate loads the medication and locks its row until the
	// surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Medication, error)
	// Update writes m if its stored version still equals m.Version, then
	// advances m.Version. A stale version yields ErrVersionConflict.
	Update(ctx context.Context, m *Medication) error
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Medication, int, error)
	Summarize(ctx context.Context, filter ListFilter) (*InventorySummary, error)
	ListLowStock(ctx context.Context) ([]*Medication, error)
	ListActiveIDs(ctx context.Context) ([]uuid.UUID, error)
}

type BatchRepository interface {
	Create(ctx context.Context, b *Batch) error
	Update(ctx context.Context, b *Batch) error
	// ListByMedication returns batches ordered by expiry date, then insertion.
	ListByMedication(ctx context.Context, medicationID uuid.UUID) ([]*Batch, error)
	// ListExpiringBefore returns batches of active medications holding stock
	// that expire at or before cutoff, ordered by expiry date.
	ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]*BatchAlert, error)
}

type AdjustmentRepository interface {
	Create(ctx context.Context, a *StockAdjustment) error
	// ListByMedication returns ledger entries newest first.
	ListByMedication(ctx context.Context, medicationID uuid.UUID, limit, offset int) ([]*StockAdjustment, int, error)
	SumByMedication(ctx context.Context, medicationID uuid.UUID) (int, error)
}

// TxRunner runs fn inside one storage transaction, committing only when fn
// returns nil.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
