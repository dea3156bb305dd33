package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/pharmacy/internal/platform/db"
)

const (
	defaultMaxAttempts = 3
	defaultRetryBase   = 25 * time.Millisecond
	openingBalance     = "opening balance"
)

type Service struct {
	medications MedicationRepository
	batches     BatchRepository
	adjustments AdjustmentRepository
	tx          TxRunner
	now         func() time.Time
	maxAttempts int
	retryBase   time.Duration
	onPosted    func(clinic string, a *StockAdjustment)
}

func NewService(meds MedicationRepository, batches BatchRepository, adjs AdjustmentRepository, tx TxRunner) *Service {
	return &Service{
		medications: meds,
		batches:     batches,
		adjustments: adjs,
		tx:          tx,
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
		retryBase:   defaultRetryBase,
	}
}

// SetClock replaces the source of the current time.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// SetRetryPolicy sets how many times a conflicting or transient write is
// attempted and the initial backoff between attempts.
func (s *Service) SetRetryPolicy(attempts int, base time.Duration) {
	if attempts < 1 {
		attempts = 1
	}
	s.maxAttempts = attempts
	s.retryBase = base
}

// OnPosted registers fn to be called after each ledger entry commits.
func (s *Service) OnPosted(fn func(clinic string, a *StockAdjustment)) {
	s.onPosted = fn
}

func (s *Service) posted(ctx context.Context, a *StockAdjustment) {
	if s.onPosted != nil && a != nil {
		s.onPosted(db.TenantFromContext(ctx), a)
	}
}

// write runs fn in a transaction, retrying from scratch on version conflicts
// and transient storage failures with exponential backoff.
func (s *Service) write(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := s.retryBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return &TransientError{Err: ctx.Err()}
			case <-time.After(delay):
			}
		}
		err = s.tx.InTx(ctx, fn)
		if err != nil && !retryable(err) && db.IsRetryable(err) {
			// begin and commit failures reach here unclassified
			err = &TransientError{Err: err}
		}
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

// loadForWrite locks the medication and loads its batches.
func (s *Service) loadForWrite(ctx context.Context, id uuid.UUID) (*Medication, []*Batch, error) {
	m, err := s.medications.GetForUpdate(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	batches, err := s.batches.ListByMedication(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return m, batches, nil
}

// -- Catalog --

func (s *Service) CreateMedication(ctx context.Context, in MedicationInput, performedBy string) (*Medication, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if performedBy == "" {
		return nil, invalid("performed_by", "is required")
	}

	var (
		created *Medication
		entry   *StockAdjustment
	)
	err := s.write(ctx, func(ctx context.Context) error {
		now := s.now()
		m := &Medication{
			ClinicID:              db.TenantFromContext(ctx),
			Name:                  in.Name,
			GenericName:           in.GenericName,
			BrandName:             in.BrandName,
			Manufacturer:          in.Manufacturer,
			Category:              in.Category,
			Form:                  in.Form,
			Strength:              in.Strength,
			Unit:                  in.Unit,
			SKU:                   in.SKU,
			Barcode:               in.Barcode,
			StorageLocation:       in.StorageLocation,
			RequiresPrescription:  in.RequiresPrescription,
			IsControlled:          in.IsControlled,
			RequiresRefrigeration: in.RequiresRefrigeration,
			ReorderLevel:          in.ReorderLevel,
			ReorderQuantity:       in.ReorderQuantity,
			CostPrice:             in.CostPrice,
			SellingPrice:          in.SellingPrice,
			Currency:              in.Currency,
			IsActive:              true,
			CreatedBy:             performedBy,
			LastUpdatedBy:         performedBy,
		}

		var opening *posting
		if in.OpeningStock > 0 {
			m.ID = uuid.New()
			reason := openingBalance
			p, err := postAdjustment(m, nil, AdjustmentInput{
				Type:        AdjustmentReceived,
				Quantity:    in.OpeningStock,
				Reason:      &reason,
				PerformedBy: performedBy,
			}, now)
			if err != nil {
				return err
			}
			opening = p
		}
		applyProjection(m, ProjectAlerts(m, nil, now), now)

		if err := s.medications.Create(ctx, m); err != nil {
			return err
		}
		if opening != nil {
			opening.record.MedicationID = m.ID
			if err := s.adjustments.Create(ctx, opening.record); err != nil {
				return err
			}
			entry = opening.record
		}
		created = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.posted(ctx, entry)
	return created, nil
}

// GetMedication returns the medication aggregate with its batches and alert
// flags projected at the current time.
func (s *Service) GetMedication(ctx context.Context, id uuid.UUID) (*Medication, error) {
	m, err := s.medications.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	batches, err := s.batches.ListByMedication(ctx, id)
	if err != nil {
		return nil, err
	}
	sortBatches(batches)
	now := s.now()
	applyProjection(m, ProjectAlerts(m, batches, now), now)
	m.Batches = batches
	return m, nil
}

func (s *Service) ListMedications(ctx context.Context, f ListFilter, limit, offset int) ([]*Medication, int, *InventorySummary, error) {
	items, total, err := s.medications.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, nil, err
	}
	summary, err := s.medications.Summarize(ctx, f)
	if err != nil {
		return nil, 0, nil, err
	}
	return items, total, summary, nil
}

func (s *Service) UpdateMedication(ctx context.Context, id uuid.UUID, patch MedicationPatch, performedBy string) (*Medication, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	var updated *Medication
	err := s.write(ctx, func(ctx context.Context) error {
		m, batches, err := s.loadForWrite(ctx, id)
		if err != nil {
			return err
		}
		patch.apply(m)
		m.LastUpdatedBy = performedBy
		now := s.now()
		applyProjection(m, ProjectAlerts(m, batches, now), now)
		if err := s.medications.Update(ctx, m); err != nil {
			return err
		}
		m.Batches = batches
		updated = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeactivateMedication retires a catalog entry. Its history is kept.
func (s *Service) DeactivateMedication(ctx context.Context, id uuid.UUID, performedBy string) (*Medication, error) {
	inactive := false
	return s.UpdateMedication(ctx, id, MedicationPatch{IsActive: &inactive}, performedBy)
}

// -- Batches --

// AddBatch records a batch against the medication without changing stock.
// The receipt is posted separately with a received adjustment naming the
// batch.
func (s *Service) AddBatch(ctx context.Context, medicationID uuid.UUID, in BatchInput, performedBy string) (*Medication, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	var result *Medication
	err := s.write(ctx, func(ctx context.Context) error {
		m, batches, err := s.loadForWrite(ctx, medicationID)
		if err != nil {
			return err
		}
		batches, err = s.insertBatch(ctx, m, batches, in)
		if err != nil {
			return err
		}
		m.LastUpdatedBy = performedBy
		if err := s.persist(ctx, m, batches, nil, s.now()); err != nil {
			return err
		}
		result = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReceiveBatch adds a batch and posts its full quantity to the ledger in one
// transaction. Past expiry dates are rejected unless allowPastExpiry is set.
func (s *Service) ReceiveBatch(ctx context.Context, medicationID uuid.UUID, in BatchInput, allowPastExpiry bool, adj AdjustmentInput) (*Medication, *StockAdjustment, error) {
	if err := in.Validate(); err != nil {
		return nil, nil, err
	}
	if !allowPastExpiry && !in.ExpiryDate.After(s.now()) {
		return nil, nil, invalid("expiry_date", "batch %s is already expired", in.BatchNumber)
	}
	adj.Type = AdjustmentReceived
	adj.Quantity = in.Quantity
	adj.BatchNumber = &in.BatchNumber
	if err := adj.Validate(); err != nil {
		return nil, nil, err
	}

	var (
		result *Medication
		record *StockAdjustment
	)
	err := s.write(ctx, func(ctx context.Context) error {
		m, batches, err := s.loadForWrite(ctx, medicationID)
		if err != nil {
			return err
		}
		batches, err = s.insertBatch(ctx, m, batches, in)
		if err != nil {
			return err
		}
		now := s.now()
		p, err := postAdjustment(m, batches, adj, now)
		if err != nil {
			return err
		}
		if err := s.persist(ctx, m, batches, p, now); err != nil {
			return err
		}
		result, record = m, p.record
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.posted(ctx, record)
	return result, record, nil
}

func (s *Service) insertBatch(ctx context.Context, m *Medication, batches []*Batch, in BatchInput) ([]*Batch, error) {
	if !m.IsActive {
		return nil, conflict(ErrInactive, "cannot add batch to %s", m.Name)
	}
	if findBatch(batches, in.BatchNumber) != nil {
		return nil, conflict(ErrDuplicateBatch, "batch %s", in.BatchNumber)
	}
	b := &Batch{
		MedicationID: m.ID,
		BatchNumber:  in.BatchNumber,
		Quantity:     in.Quantity,
		ExpiryDate:   in.ExpiryDate,
		Supplier:     in.Supplier,
		Cost:         in.Cost,
	}
	if err := s.batches.Create(ctx, b); err != nil {
		return nil, err
	}
	return append(batches, b), nil
}

// ListBatches returns a snapshot of the medication's batches ordered by
// expiry date, ties in insertion order.
func (s *Service) ListBatches(ctx context.Context, medicationID uuid.UUID) ([]*Batch, error) {
	if _, err := s.medications.GetByID(ctx, medicationID); err != nil {
		return nil, err
	}
	batches, err := s.batches.ListByMedication(ctx, medicationID)
	if err != nil {
		return nil, err
	}
	sortBatches(batches)
	return batches, nil
}

// -- Ledger --

// AdjustStock posts one stock movement. The new balance, the refreshed alert
// flags, any batch changes and the ledger record are written together or not
// at all.
func (s *Service) AdjustStock(ctx context.Context, medicationID uuid.UUID, in AdjustmentInput) (*Medication, *StockAdjustment, error) {
	if err := in.Validate(); err != nil {
		return nil, nil, err
	}
	var (
		result *Medication
		record *StockAdjustment
	)
	err := s.write(ctx, func(ctx context.Context) error {
		m, batches, err := s.loadForWrite(ctx, medicationID)
		if err != nil {
			return err
		}
		now := s.now()
		p, err := postAdjustment(m, batches, in, now)
		if err != nil {
			return err
		}
		if err := s.persist(ctx, m, batches, p, now); err != nil {
			return err
		}
		result, record = m, p.record
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.posted(ctx, record)
	return result, record, nil
}

// persist re-projects alerts and writes the medication, touched batches and
// the ledger record of p, if any.
func (s *Service) persist(ctx context.Context, m *Medication, batches []*Batch, p *posting, now time.Time) error {
	applyProjection(m, ProjectAlerts(m, batches, now), now)
	if err := s.medications.Update(ctx, m); err != nil {
		return err
	}
	if p != nil {
		for _, b := range p.touched {
			if err := s.batches.Update(ctx, b); err != nil {
				return err
			}
		}
		if err := s.adjustments.Create(ctx, p.record); err != nil {
			return err
		}
	}
	sortBatches(batches)
	m.Batches = batches
	return nil
}

func (s *Service) ListAdjustments(ctx context.Context, medicationID uuid.UUID, limit, offset int) ([]*StockAdjustment, int, error) {
	if _, err := s.medications.GetByID(ctx, medicationID); err != nil {
		return nil, 0, err
	}
	return s.adjustments.ListByMedication(ctx, medicationID, limit, offset)
}

func (s *Service) Reconcile(ctx context.Context, medicationID uuid.UUID) (*Reconciliation, error) {
	var r *Reconciliation
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		m, err := s.medications.GetByID(ctx, medicationID)
		if err != nil {
			return err
		}
		batches, err := s.batches.ListByMedication(ctx, medicationID)
		if err != nil {
			return err
		}
		total, err := s.adjustments.SumByMedication(ctx, medicationID)
		if err != nil {
			return err
		}
		r = reconcile(m, batches, total)
		return nil
	})
	return r, err
}

// -- Alerts --

// RefreshAlerts re-projects and persists the alert flags of one medication.
// It reports whether any flag changed.
func (s *Service) RefreshAlerts(ctx context.Context, id uuid.UUID) (bool, error) {
	var changed bool
	err := s.write(ctx, func(ctx context.Context) error {
		m, batches, err := s.loadForWrite(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()
		changed = applyProjection(m, ProjectAlerts(m, batches, now), now)
		if !changed {
			return nil
		}
		return s.medications.Update(ctx, m)
	})
	return changed, err
}

// SweepAlerts refreshes every active medication of the current clinic. Time
// alone moves batches from expiring to expired, so this runs periodically.
// A medication that fails to refresh is counted and skipped; the failures
// are returned joined alongside the partial result.
func (s *Service) SweepAlerts(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	ids, err := s.medications.ListActiveIDs(ctx)
	if err != nil {
		return res, err
	}
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, &TransientError{Err: err})
			break
		}
		changed, err := s.RefreshAlerts(ctx, id)
		if err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("medication %s: %w", id, err))
			continue
		}
		res.Evaluated++
		if changed {
			res.Changed++
		}
	}
	return res, errors.Join(errs...)
}

// AlertSummary lists low-stock medications and batches expiring within the
// warning window or already expired.
func (s *Service) AlertSummary(ctx context.Context) (*AlertSummary, error) {
	now := s.now()
	low, err := s.medications.ListLowStock(ctx)
	if err != nil {
		return nil, err
	}
	batches, err := s.batches.ListExpiringBefore(ctx, now.Add(ExpiryWarningWindow))
	if err != nil {
		return nil, err
	}

	sum := &AlertSummary{
		LowStock:     low,
		ExpiringSoon: []*BatchAlert{},
		Expired:      []*BatchAlert{},
		EvaluatedAt:  now,
	}
	if sum.LowStock == nil {
		sum.LowStock = []*Medication{}
	}
	for _, b := range batches {
		b.DaysUntilExpiry = DaysUntil(b.ExpiryDate, now)
		if b.ExpiryDate.After(now) {
			sum.ExpiringSoon = append(sum.ExpiringSoon, b)
		} else {
			sum.Expired = append(sum.Expired, b)
		}
	}
	sum.Counts = AlertCounts{
		LowStock:     len(sum.LowStock),
		ExpiringSoon: len(sum.ExpiringSoon),
		Expired:      len(sum.Expired),
	}
	sum.Counts.Total = sum.Counts.LowStock + sum.Counts.ExpiringSoon + sum.Counts.Expired
	return sum, nil
}
