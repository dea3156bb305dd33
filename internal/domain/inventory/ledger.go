package inventory

import (
	"time"

	"github.com/google/uuid"
)

// posting is the outcome of applying one adjustment to a loaded medication:
// the ledger record to append and the batches whose quantity or receipt
// state changed.
type posting struct {
	record  *StockAdjustment
	touched []*Batch
}

// postAdjustment applies in to m and its batches in memory. On error nothing
// has been modified.
func postAdjustment(m *Medication, batches []*Batch, in AdjustmentInput, now time.Time) (*posting, error) {
	sign, err := in.Type.Sign()
	if err != nil {
		return nil, err
	}
	if !m.IsActive {
		return nil, conflict(ErrInactive, "cannot adjust stock of %s", m.Name)
	}

	delta := sign * in.Quantity
	balance := m.CurrentStock + delta
	if balance < 0 {
		return nil, conflict(ErrInsufficientStock, "requested %d, on hand %d", in.Quantity, m.CurrentStock)
	}

	var touched []*Batch
	if in.BatchNumber != nil {
		b := findBatch(batches, *in.BatchNumber)
		if b == nil {
			return nil, &NotFoundError{Resource: "batch", ID: *in.BatchNumber}
		}
		if err := postToBatch(b, in, sign, now); err != nil {
			return nil, err
		}
		touched = append(touched, b)
	} else if sign < 0 {
		touched = drawFEFO(m, batches, in.Quantity)
	}

	m.CurrentStock = balance
	m.LastUpdatedBy = in.PerformedBy

	return &posting{
		record: &StockAdjustment{
			ID:             uuid.New(),
			MedicationID:   m.ID,
			AdjustmentType: in.Type,
			Quantity:       in.Quantity,
			Delta:          delta,
			BalanceAfter:   balance,
			BatchNumber:    in.BatchNumber,
			Reason:         in.Reason,
			PerformedBy:    in.PerformedBy,
			Notes:          in.Notes,
			CreatedAt:      now,
		},
		touched: touched,
	}, nil
}

// postToBatch checks every precondition before mutating b.
func postToBatch(b *Batch, in AdjustmentInput, sign int, now time.Time) error {
	if sign > 0 {
		if b.Received() {
			b.Quantity += in.Quantity
			return nil
		}
		if in.Type != AdjustmentReceived {
			return conflict(ErrBatchNotReceived, "batch %s must be received before a %s", b.BatchNumber, in.Type)
		}
		if in.Quantity != b.Quantity {
			return invalid("quantity", "receipt of batch %s must post its full quantity %d", b.BatchNumber, b.Quantity)
		}
		received := now
		b.ReceivedAt = &received
		return nil
	}

	if !b.Received() {
		return conflict(ErrBatchNotReceived, "batch %s has no stock on hand", b.BatchNumber)
	}
	if b.Quantity < in.Quantity {
		return conflict(ErrInsufficientStock, "batch %s holds %d, requested %d", b.BatchNumber, b.Quantity, in.Quantity)
	}
	b.Quantity -= in.Quantity
	return nil
}

// drawFEFO removes up to qty from received batches, first expiry first out.
// Whatever the batches cannot cover comes from untracked stock.
func drawFEFO(m *Medication, batches []*Batch, qty int) []*Batch {
	open := make([]*Batch, 0, len(batches))
	for _, b := range batches {
		if b.Received() && b.Quantity > 0 {
			open = append(open, b)
		}
	}
	sortBatches(open)

	var touched []*Batch
	remaining := qty
	for _, b := range open {
		if remaining == 0 {
			break
		}
		take := b.Quantity
		if take > remaining {
			take = remaining
		}
		b.Quantity -= take
		remaining -= take
		touched = append(touched, b)
	}
	return touched
}

func findBatch(batches []*Batch, number string) *Batch {
	for _, b := range batches {
		if b.BatchNumber == number {
			return b
		}
	}
	return nil
}

// reconcile compares stock against the ledger and batch totals.
func reconcile(m *Medication, batches []*Batch, ledgerTotal int) *Reconciliation {
	r := &Reconciliation{
		MedicationID: m.ID,
		CurrentStock: m.CurrentStock,
		LedgerTotal:  ledgerTotal,
	}
	for _, b := range batches {
		if b.Received() {
			r.ReceivedBatches += b.Quantity
		} else {
			r.PendingBatches += b.Quantity
		}
	}
	r.Untracked = m.CurrentStock - r.ReceivedBatches
	r.Consistent = ledgerTotal == m.CurrentStock && r.Untracked >= 0
	return r
}
