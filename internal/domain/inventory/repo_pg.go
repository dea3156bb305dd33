package inventory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/pharmacy/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// storageErr translates driver errors into the package's error types.
func storageErr(err error, resource, id string) error {
	switch {
	case err == nil:
		return nil
	case db.IsNoRows(err):
		return &NotFoundError{Resource: resource, ID: id}
	case db.IsUniqueViolation(err):
		if resource == "batch" {
			return conflict(ErrDuplicateBatch, "batch %s", id)
		}
		return conflict(nil, "%s %s violates a unique constraint", resource, id)
	case db.IsRetryable(err):
		return &TransientError{Err: err}
	default:
		return fmt.Errorf("%s %s: %w", resource, id, err)
	}
}

// =========== Medication Repository ===========

type medicationRepoPG struct{ pool *pgxpool.Pool }

func NewMedicationRepoPG(pool *pgxpool.Pool) MedicationRepository {
	return &medicationRepoPG{pool: pool}
}

func (r *medicationRepoPG) conn(ctx context.Context) queryable {
	return connFor(ctx, r.pool)
}

const medCols = `id, clinic_id, name, generic_name, brand_name, manufacturer,
	category, form, strength, unit, sku, barcode, storage_location,
	requires_prescription, is_controlled, requires_refrigeration,
	current_stock, reorder_level, reorder_quantity, cost_price, selling_price, currency,
	is_active, has_low_stock, has_expiring_soon, has_expired, alerts_evaluated_at,
	version, created_by, last_updated_by, created_at, updated_at`

func (r *medicationRepoPG) scanMed(row pgx.Row) (*Medication, error) {
	var m Medication
	err := row.Scan(&m.ID, &m.ClinicID, &m.Name, &m.GenericName, &m.BrandName, &m.Manufacturer,
		&m.Category, &m.Form, &m.Strength, &m.Unit, &m.SKU, &m.Barcode, &m.StorageLocation,
		&m.RequiresPrescription, &m.IsControlled, &m.RequiresRefrigeration,
		&m.CurrentStock, &m.ReorderLevel, &m.ReorderQuantity, &m.CostPrice, &m.SellingPrice, &m.Currency,
		&m.IsActive, &m.HasLowStock, &m.HasExpiringSoon, &m.HasExpired, &m.AlertsEvaluatedAt,
		&m.Version, &m.CreatedBy, &m.LastUpdatedBy, &m.CreatedAt, &m.UpdatedAt)
	return &m, err
}

func (r *medicationRepoPG) Create(ctx context.Context, m *Medication) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.Version = 1
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO medication (id, clinic_id, name, generic_name, brand_name, manufacturer,
			category, form, strength, unit, sku, barcode, storage_location,
			requires_prescription, is_controlled, requires_refrigeration,
			current_stock, reorder_level, reorder_quantity, cost_price, selling_price, currency,
			is_active, has_low_stock, has_expiring_soon, has_expired, alerts_evaluated_at,
			version, created_by, last_updated_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30)
		RETURNING created_at, updated_at`,
		m.ID, m.ClinicID, m.Name, m.GenericName, m.BrandName, m.Manufacturer,
		m.Category, m.Form, m.Strength, m.Unit, m.SKU, m.Barcode, m.StorageLocation,
		m.RequiresPrescription, m.IsControlled, m.RequiresRefrigeration,
		m.CurrentStock, m.ReorderLevel, m.ReorderQuantity, m.CostPrice, m.SellingPrice, m.Currency,
		m.IsActive, m.HasLowStock, m.HasExpiringSoon, m.HasExpired, m.AlertsEvaluatedAt,
		m.Version, m.CreatedBy, m.LastUpdatedBy,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	return storageErr(err, "medication", m.Name)
}

func (r *medicationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Medication, error) {
	m, err := r.scanMed(r.conn(ctx).QueryRow(ctx, `SELECT `+medCols+` FROM medication WHERE id = $1`, id))
	if err != nil {
		return nil, storageErr(err, "medication", id.String())
	}
	return m, nil
}

func (r *medicationRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Medication, error) {
	m, err := r.scanMed(r.conn(ctx).QueryRow(ctx, `SELECT `+medCols+` FROM medication WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, storageErr(err, "medication", id.String())
	}
	return m, nil
}

func (r *medicationRepoPG) Update(ctx context.Context, m *Medication) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE medication SET name=$3, generic_name=$4, brand_name=$5, manufacturer=$6,
			category=$7, form=$8, strength=$9, unit=$10, sku=$11, barcode=$12, storage_location=$13,
			requires_prescription=$14, is_controlled=$15, requires_refrigeration=$16,
			current_stock=$17, reorder_level=$18, reorder_quantity=$19,
			cost_price=$20, selling_price=$21, currency=$22, is_active=$23,
			has_low_stock=$24, has_expiring_soon=$25, has_expired=$26, alerts_evaluated_at=$27,
			last_updated_by=$28, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`,
		m.ID, m.Version, m.Name, m.GenericName, m.BrandName, m.Manufacturer,
		m.Category, m.Form, m.Strength, m.Unit, m.SKU, m.Barcode, m.StorageLocation,
		m.RequiresPrescription, m.IsControlled, m.RequiresRefrigeration,
		m.CurrentStock, m.ReorderLevel, m.ReorderQuantity,
		m.CostPrice, m.SellingPrice, m.Currency, m.IsActive,
		m.HasLowStock, m.HasExpiringSoon, m.HasExpired, m.AlertsEvaluatedAt,
		m.LastUpdatedBy,
	).Scan(&m.Version, &m.UpdatedAt)
	if db.IsNoRows(err) {
		return conflict(ErrVersionConflict, "medication %s version %d", m.ID, m.Version)
	}
	return storageErr(err, "medication", m.ID.String())
}

// listWhere builds the WHERE clause shared by List and Summarize.
func listWhere(f ListFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	active := true
	if f.IsActive != nil {
		active = *f.IsActive
	}
	add("is_active = $%d", active)
	if f.Category != nil {
		add("category = $%d", string(*f.Category))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		add("(name ILIKE $%[1]d OR generic_name ILIKE $%[1]d OR brand_name ILIKE $%[1]d OR sku ILIKE $%[1]d)",
			"%"+escapeLike(s)+"%")
	}
	if f.LowStock != nil {
		add("has_low_stock = $%d", *f.LowStock)
	}
	if f.ExpiringSoon != nil {
		add("has_expiring_soon = $%d", *f.ExpiringSoon)
	}
	if f.Expired != nil {
		add("has_expired = $%d", *f.Expired)
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *medicationRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Medication, int, error) {
	where, args := listWhere(f)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM medication`+where, args...).Scan(&total); err != nil {
		return nil, 0, storageErr(err, "medication", "list")
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT `+medCols+` FROM medication%s ORDER BY name, id LIMIT $%d OFFSET $%d`, where, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, storageErr(err, "medication", "list")
	}
	defer rows.Close()
	var items []*Medication
	for rows.Next() {
		m, err := r.scanMed(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}

func (r *medicationRepoPG) Summarize(ctx context.Context, f ListFilter) (*InventorySummary, error) {
	where, args := listWhere(f)
	var s InventorySummary
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE has_low_stock),
			COUNT(*) FILTER (WHERE has_expiring_soon),
			COUNT(*) FILTER (WHERE has_expired),
			COALESCE(SUM(current_stock * cost_price), 0)
		FROM medication`+where, args...,
	).Scan(&s.Total, &s.LowStock, &s.ExpiringSoon, &s.Expired, &s.TotalValue)
	if err != nil {
		return nil, storageErr(err, "medication", "summary")
	}
	return &s, nil
}

func (r *medicationRepoPG) ListLowStock(ctx context.Context) ([]*Medication, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+medCols+` FROM medication
		WHERE is_active AND current_stock <= reorder_level
		ORDER BY current_stock, name`)
	if err != nil {
		return nil, storageErr(err, "medication", "low stock")
	}
	defer rows.Close()
	var items []*Medication
	for rows.Next() {
		m, err := r.scanMed(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (r *medicationRepoPG) ListActiveIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id FROM medication WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, storageErr(err, "medication", "ids")
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =========== Batch Repository ===========

type batchRepoPG struct{ pool *pgxpool.Pool }

func NewBatchRepoPG(pool *pgxpool.Pool) BatchRepository {
	return &batchRepoPG{pool: pool}
}

func (r *batchRepoPG) conn(ctx context.Context) queryable {
	return connFor(ctx, r.pool)
}

const batchCols = `id, seq, medication_id, batch_number, quantity, expiry_date,
	supplier, cost, received_at, created_at, updated_at`

func (r *batchRepoPG) scanBatch(row pgx.Row) (*Batch, error) {
	var b Batch
	err := row.Scan(&b.ID, &b.Seq, &b.MedicationID, &b.BatchNumber, &b.Quantity, &b.ExpiryDate,
		&b.Supplier, &b.Cost, &b.ReceivedAt, &b.CreatedAt, &b.UpdatedAt)
	return &b, err
}

func (r *batchRepoPG) Create(ctx context.Context, b *Batch) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO medication_batch (id, medication_id, batch_number, quantity, expiry_date,
			supplier, cost, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING seq, created_at, updated_at`,
		b.ID, b.MedicationID, b.BatchNumber, b.Quantity, b.ExpiryDate,
		b.Supplier, b.Cost, b.ReceivedAt,
	).Scan(&b.Seq, &b.CreatedAt, &b.UpdatedAt)
	return storageErr(err, "batch", b.BatchNumber)
}

func (r *batchRepoPG) Update(ctx context.Context, b *Batch) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE medication_batch SET quantity=$2, received_at=$3, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		b.ID, b.Quantity, b.ReceivedAt,
	).Scan(&b.UpdatedAt)
	return storageErr(err, "batch", b.BatchNumber)
}

func (r *batchRepoPG) ListByMedication(ctx context.Context, medicationID uuid.UUID) ([]*Batch, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+batchCols+` FROM medication_batch
		WHERE medication_id = $1 ORDER BY expiry_date, seq`, medicationID)
	if err != nil {
		return nil, storageErr(err, "batch", medicationID.String())
	}
	defer rows.Close()
	var items []*Batch
	for rows.Next() {
		b, err := r.scanBatch(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

func (r *batchRepoPG) ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]*BatchAlert, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT m.id, m.name, b.batch_number, b.quantity, b.expiry_date
		FROM medication_batch b
		JOIN medication m ON m.id = b.medication_id
		WHERE m.is_active AND b.quantity > 0 AND b.expiry_date <= $1
		ORDER BY b.expiry_date, b.seq`, cutoff)
	if err != nil {
		return nil, storageErr(err, "batch", "expiring")
	}
	defer rows.Close()
	var items []*BatchAlert
	for rows.Next() {
		var a BatchAlert
		if err := rows.Scan(&a.MedicationID, &a.MedicationName, &a.BatchNumber, &a.Quantity, &a.ExpiryDate); err != nil {
			return nil, err
		}
		items = append(items, &a)
	}
	return items, rows.Err()
}

// =========== Stock Adjustment Repository ===========

type adjustmentRepoPG struct{ pool *pgxpool.Pool }

func NewAdjustmentRepoPG(pool *pgxpool.Pool) AdjustmentRepository {
	return &adjustmentRepoPG{pool: pool}
}

func (r *adjustmentRepoPG) conn(ctx context.Context) queryable {
	return connFor(ctx, r.pool)
}

const adjCols = `id, medication_id, adjustment_type, quantity, delta, balance_after,
	batch_number, reason, performed_by, notes, created_at`

func (r *adjustmentRepoPG) Create(ctx context.Context, a *StockAdjustment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO stock_adjustment (`+adjCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, a.MedicationID, a.AdjustmentType, a.Quantity, a.Delta, a.BalanceAfter,
		a.BatchNumber, a.Reason, a.PerformedBy, a.Notes, a.CreatedAt)
	return storageErr(err, "stock adjustment", a.ID.String())
}

func (r *adjustmentRepoPG) ListByMedication(ctx context.Context, medicationID uuid.UUID, limit, offset int) ([]*StockAdjustment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM stock_adjustment WHERE medication_id = $1`, medicationID).Scan(&total); err != nil {
		return nil, 0, storageErr(err, "stock adjustment", medicationID.String())
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+adjCols+` FROM stock_adjustment
		WHERE medication_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, medicationID, limit, offset)
	if err != nil {
		return nil, 0, storageErr(err, "stock adjustment", medicationID.String())
	}
	defer rows.Close()
	var items []*StockAdjustment
	for rows.Next() {
		var a StockAdjustment
		if err := rows.Scan(&a.ID, &a.MedicationID, &a.AdjustmentType, &a.Quantity, &a.Delta, &a.BalanceAfter,
			&a.BatchNumber, &a.Reason, &a.PerformedBy, &a.Notes, &a.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &a)
	}
	return items, total, rows.Err()
}

func (r *adjustmentRepoPG) SumByMedication(ctx context.Context, medicationID uuid.UUID) (int, error) {
	var sum int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM stock_adjustment WHERE medication_id = $1`, medicationID,
	).Scan(&sum)
	return sum, storageErr(err, "stock adjustment", medicationID.String())
}
