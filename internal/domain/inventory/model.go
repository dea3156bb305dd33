package inventory

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Category string

const (
	CategoryAntibiotic       Category = "antibiotic"
	CategoryAnalgesic        Category = "analgesic"
	CategoryAntihistamine    Category = "antihistamine"
	CategoryAntiviral        Category = "antiviral"
	CategoryCardiovascular   Category = "cardiovascular"
	CategoryDiabetes         Category = "diabetes"
	CategoryGastrointestinal Category = "gastrointestinal"
	CategoryRespiratory      Category = "respiratory"
	CategoryDermatological   Category = "dermatological"
	CategoryNeurological     Category = "neurological"
	CategoryOther            Category = "other"
)

var validCategories = map[Category]bool{
	CategoryAntibiotic: true, CategoryAnalgesic: true, CategoryAntihistamine: true,
	CategoryAntiviral: true, CategoryCardiovascular: true, CategoryDiabetes: true,
	CategoryGastrointestinal: true, CategoryRespiratory: true, CategoryDermatological: true,
	CategoryNeurological: true, CategoryOther: true,
}

func (c Category) Valid() bool { return validCategories[c] }

type Form string

const (
	FormTablet      Form = "tablet"
	FormCapsule     Form = "capsule"
	FormSyrup       Form = "syrup"
	FormInjection   Form = "injection"
	FormCream       Form = "cream"
	FormOintment    Form = "ointment"
	FormDrops       Form = "drops"
	FormInhaler     Form = "inhaler"
	FormSuppository Form = "suppository"
	FormPatch       Form = "patch"
	FormOther       Form = "other"
)

var validForms = map[Form]bool{
	FormTablet: true, FormCapsule: true, FormSyrup: true, FormInjection: true,
	FormCream: true, FormOintment: true, FormDrops: true, FormInhaler: true,
	FormSuppository: true, FormPatch: true, FormOther: true,
}

func (f Form) Valid() bool { return validForms[f] }

// AdjustmentType classifies a stock ledger entry.
type AdjustmentType string

const (
	AdjustmentReceived         AdjustmentType = "received"
	AdjustmentReturned         AdjustmentType = "returned"
	AdjustmentAdjustedIncrease AdjustmentType = "adjusted_increase"
	AdjustmentDispensed        AdjustmentType = "dispensed"
	AdjustmentExpired          AdjustmentType = "expired"
	AdjustmentDamaged          AdjustmentType = "damaged"
	AdjustmentAdjustedDecrease AdjustmentType = "adjusted_decrease"
)

// AdjustmentTypes lists every ledger entry type.
var AdjustmentTypes = []AdjustmentType{
	AdjustmentReceived, AdjustmentReturned, AdjustmentAdjustedIncrease,
	AdjustmentDispensed, AdjustmentExpired, AdjustmentDamaged, AdjustmentAdjustedDecrease,
}

// Sign returns +1 for types that add stock and -1 for types that remove it.
func (t AdjustmentType) Sign() (int, error) {
	switch t {
	case AdjustmentReceived, AdjustmentReturned, AdjustmentAdjustedIncrease:
		return 1, nil
	case AdjustmentDispensed, AdjustmentExpired, AdjustmentDamaged, AdjustmentAdjustedDecrease:
		return -1, nil
	default:
		return 0, invalid("adjustment_type", "unknown adjustment type %q", string(t))
	}
}

// Medication maps to the medication table. Batches is populated only on
// aggregate reads.
type Medication struct {
	ID                    uuid.UUID        `db:"id" json:"id"`
	ClinicID              string           `db:"clinic_id" json:"clinic_id"`
	Name                  string           `db:"name" json:"name"`
	GenericName           *string          `db:"generic_name" json:"generic_name,omitempty"`
	BrandName             *string          `db:"brand_name" json:"brand_name,omitempty"`
	Manufacturer          *string          `db:"manufacturer" json:"manufacturer,omitempty"`
	Category              Category         `db:"category" json:"category"`
	Form                  Form             `db:"form" json:"form"`
	Strength              string           `db:"strength" json:"strength"`
	Unit                  string           `db:"unit" json:"unit"`
	SKU                   *string          `db:"sku" json:"sku,omitempty"`
	Barcode               *string          `db:"barcode" json:"barcode,omitempty"`
	StorageLocation       *string          `db:"storage_location" json:"storage_location,omitempty"`
	RequiresPrescription  bool             `db:"requires_prescription" json:"requires_prescription"`
	IsControlled          bool             `db:"is_controlled" json:"is_controlled"`
	RequiresRefrigeration bool             `db:"requires_refrigeration" json:"requires_refrigeration"`
	CurrentStock          int              `db:"current_stock" json:"current_stock"`
	ReorderLevel          int              `db:"reorder_level" json:"reorder_level"`
	ReorderQuantity       int              `db:"reorder_quantity" json:"reorder_quantity"`
	CostPrice             *decimal.Decimal `db:"cost_price" json:"cost_price,omitempty"`
	SellingPrice          decimal.Decimal  `db:"selling_price" json:"selling_price"`
	Currency              string           `db:"currency" json:"currency"`
	IsActive              bool             `db:"is_active" json:"is_active"`
	HasLowStock           bool             `db:"has_low_stock" json:"has_low_stock"`
	HasExpiringSoon       bool             `db:"has_expiring_soon" json:"has_expiring_soon"`
	HasExpired            bool             `db:"has_expired" json:"has_expired"`
	AlertsEvaluatedAt     *time.Time       `db:"alerts_evaluated_at" json:"alerts_evaluated_at,omitempty"`
	Version               int              `db:"version" json:"version"`
	CreatedBy             string           `db:"created_by" json:"created_by"`
	LastUpdatedBy         string           `db:"last_updated_by" json:"last_updated_by"`
	CreatedAt             time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time        `db:"updated_at" json:"updated_at"`
	Batches               []*Batch         `db:"-" json:"batches,omitempty"`
}

// StockValue is current stock priced at cost. Zero when no cost is recorded.
func (m *Medication) StockValue() decimal.Decimal {
	if m.CostPrice == nil {
		return decimal.Zero
	}
	return m.CostPrice.Mul(decimal.NewFromInt(int64(m.CurrentStock)))
}

// Batch maps to the medication_batch table.
type Batch struct {
	ID           uuid.UUID        `db:"id" json:"id"`
	Seq          int64            `db:"seq" json:"-"`
	MedicationID uuid.UUID        `db:"medication_id" json:"medication_id"`
	BatchNumber  string           `db:"batch_number" json:"batch_number"`
	Quantity     int              `db:"quantity" json:"quantity"`
	ExpiryDate   time.Time        `db:"expiry_date" json:"expiry_date"`
	Supplier     *string          `db:"supplier" json:"supplier,omitempty"`
	Cost         *decimal.Decimal `db:"cost" json:"cost,omitempty"`
	ReceivedAt   *time.Time       `db:"received_at" json:"received_at,omitempty"`
	CreatedAt    time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time        `db:"updated_at" json:"updated_at"`
}

// Received reports whether the batch's receipt has been posted to the ledger.
func (b *Batch) Received() bool { return b.ReceivedAt != nil }

// StockAdjustment maps to the stock_adjustment table. Rows are never updated.
type StockAdjustment struct {
	ID             uuid.UUID      `db:"id" json:"id"`
	MedicationID   uuid.UUID      `db:"medication_id" json:"medication_id"`
	AdjustmentType AdjustmentType `db:"adjustment_type" json:"adjustment_type"`
	Quantity       int            `db:"quantity" json:"quantity"`
	Delta          int            `db:"delta" json:"delta"`
	BalanceAfter   int            `db:"balance_after" json:"balance_after"`
	BatchNumber    *string        `db:"batch_number" json:"batch_number,omitempty"`
	Reason         *string        `db:"reason" json:"reason,omitempty"`
	PerformedBy    string         `db:"performed_by" json:"performed_by"`
	Notes          *string        `db:"notes" json:"notes,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// MedicationInput carries the fields of a new catalog entry.
type MedicationInput struct {
	Name                  string           `json:"name"`
	GenericName           *string          `json:"generic_name,omitempty"`
	BrandName             *string          `json:"brand_name,omitempty"`
	Manufacturer          *string          `json:"manufacturer,omitempty"`
	Category              Category         `json:"category"`
	Form                  Form             `json:"form"`
	Strength              string           `json:"strength"`
	Unit                  string           `json:"unit"`
	SKU                   *string          `json:"sku,omitempty"`
	Barcode               *string          `json:"barcode,omitempty"`
	StorageLocation       *string          `json:"storage_location,omitempty"`
	RequiresPrescription  bool             `json:"requires_prescription"`
	IsControlled          bool             `json:"is_controlled"`
	RequiresRefrigeration bool             `json:"requires_refrigeration"`
	ReorderLevel          int              `json:"reorder_level"`
	ReorderQuantity       int              `json:"reorder_quantity"`
	CostPrice             *decimal.Decimal `json:"cost_price,omitempty"`
	SellingPrice          decimal.Decimal  `json:"selling_price"`
	Currency              string           `json:"currency,omitempty"`
	OpeningStock          int              `json:"opening_stock"`
}

func (in *MedicationInput) Validate() error {
	in.Name = strings.TrimSpace(in.Name)
	in.Strength = strings.TrimSpace(in.Strength)
	in.Unit = strings.TrimSpace(in.Unit)
	switch {
	case in.Name == "":
		return invalid("name", "is required")
	case !in.Category.Valid():
		return invalid("category", "invalid category %q", string(in.Category))
	case !in.Form.Valid():
		return invalid("form", "invalid form %q", string(in.Form))
	case in.Strength == "":
		return invalid("strength", "is required")
	case in.Unit == "":
		return invalid("unit", "is required")
	case in.ReorderLevel < 0:
		return invalid("reorder_level", "must not be negative")
	case in.ReorderQuantity < 0:
		return invalid("reorder_quantity", "must not be negative")
	case in.OpeningStock < 0:
		return invalid("opening_stock", "must not be negative")
	case in.SellingPrice.IsNegative():
		return invalid("selling_price", "must not be negative")
	case in.CostPrice != nil && in.CostPrice.IsNegative():
		return invalid("cost_price", "must not be negative")
	}
	if in.Currency == "" {
		in.Currency = "USD"
	}
	if len(in.Currency) != 3 {
		return invalid("currency", "must be a 3-letter code")
	}
	in.Currency = strings.ToUpper(in.Currency)
	return nil
}

// MedicationPatch holds optional changes to a catalog entry. Stock is only
// ever changed through the ledger.
type MedicationPatch struct {
	Name                  *string          `json:"name,omitempty"`
	GenericName           *string          `json:"generic_name,omitempty"`
	BrandName             *string          `json:"brand_name,omitempty"`
	Manufacturer          *string          `json:"manufacturer,omitempty"`
	Category              *Category        `json:"category,omitempty"`
	Form                  *Form            `json:"form,omitempty"`
	Strength              *string          `json:"strength,omitempty"`
	Unit                  *string          `json:"unit,omitempty"`
	SKU                   *string          `json:"sku,omitempty"`
	Barcode               *string          `json:"barcode,omitempty"`
	StorageLocation       *string          `json:"storage_location,omitempty"`
	RequiresPrescription  *bool            `json:"requires_prescription,omitempty"`
	IsControlled          *bool            `json:"is_controlled,omitempty"`
	RequiresRefrigeration *bool            `json:"requires_refrigeration,omitempty"`
	ReorderLevel          *int             `json:"reorder_level,omitempty"`
	ReorderQuantity       *int             `json:"reorder_quantity,omitempty"`
	CostPrice             *decimal.Decimal `json:"cost_price,omitempty"`
	SellingPrice          *decimal.Decimal `json:"selling_price,omitempty"`
	IsActive              *bool            `json:"is_active,omitempty"`
}

func (p *MedicationPatch) Validate() error {
	switch {
	case p.Name != nil && strings.TrimSpace(*p.Name) == "":
		return invalid("name", "must not be empty")
	case p.Category != nil && !p.Category.Valid():
		return invalid("category", "invalid category %q", string(*p.Category))
	case p.Form != nil && !p.Form.Valid():
		return invalid("form", "invalid form %q", string(*p.Form))
	case p.Strength != nil && strings.TrimSpace(*p.Strength) == "":
		return invalid("strength", "must not be empty")
	case p.Unit != nil && strings.TrimSpace(*p.Unit) == "":
		return invalid("unit", "must not be empty")
	case p.ReorderLevel != nil && *p.ReorderLevel < 0:
		return invalid("reorder_level", "must not be negative")
	case p.ReorderQuantity != nil && *p.ReorderQuantity < 0:
		return invalid("reorder_quantity", "must not be negative")
	case p.CostPrice != nil && p.CostPrice.IsNegative():
		return invalid("cost_price", "must not be negative")
	case p.SellingPrice != nil && p.SellingPrice.IsNegative():
		return invalid("selling_price", "must not be negative")
	}
	return nil
}

func (p *MedicationPatch) apply(m *Medication) {
	if p.Name != nil {
		m.Name = strings.TrimSpace(*p.Name)
	}
	if p.GenericName != nil {
		m.GenericName = p.GenericName
	}
	if p.BrandName != nil {
		m.BrandName = p.BrandName
	}
	if p.Manufacturer != nil {
		m.Manufacturer = p.Manufacturer
	}
	if p.Category != nil {
		m.Category = *p.Category
	}
	if p.Form != nil {
		m.Form = *p.Form
	}
	if p.Strength != nil {
		m.Strength = strings.TrimSpace(*p.Strength)
	}
	if p.Unit != nil {
		m.Unit = strings.TrimSpace(*p.Unit)
	}
	if p.SKU != nil {
		m.SKU = p.SKU
	}
	if p.Barcode != nil {
		m.Barcode = p.Barcode
	}
	if p.StorageLocation != nil {
		m.StorageLocation = p.StorageLocation
	}
	if p.RequiresPrescription != nil {
		m.RequiresPrescription = *p.RequiresPrescription
	}
	if p.IsControlled != nil {
		m.IsControlled = *p.IsControlled
	}
	if p.RequiresRefrigeration != nil {
		m.RequiresRefrigeration = *p.RequiresRefrigeration
	}
	if p.ReorderLevel != nil {
		m.ReorderLevel = *p.ReorderLevel
	}
	if p.ReorderQuantity != nil {
		m.ReorderQuantity = *p.ReorderQuantity
	}
	if p.CostPrice != nil {
		m.CostPrice = p.CostPrice
	}
	if p.SellingPrice != nil {
		m.SellingPrice = *p.SellingPrice
	}
	if p.IsActive != nil {
		m.IsActive = *p.IsActive
	}
}

// BatchInput describes a batch receipt.
type BatchInput struct {
	BatchNumber string
	Quantity    int
	ExpiryDate  time.Time
	Supplier    *string
	Cost        *decimal.Decimal
}

func (in *BatchInput) Validate() error {
	in.BatchNumber = strings.TrimSpace(in.BatchNumber)
	switch {
	case in.BatchNumber == "":
		return invalid("batch_number", "is required")
	case in.Quantity <= 0:
		return invalid("quantity", "must be greater than zero")
	case in.ExpiryDate.IsZero():
		return invalid("expiry_date", "is required")
	case in.Cost != nil && in.Cost.IsNegative():
		return invalid("cost", "must not be negative")
	}
	return nil
}

// AdjustmentInput describes one stock movement.
type AdjustmentInput struct {
	Type        AdjustmentType
	Quantity    int
	BatchNumber *string
	Reason      *string
	PerformedBy string
	Notes       *string
}

func (in *AdjustmentInput) Validate() error {
	if _, err := in.Type.Sign(); err != nil {
		return err
	}
	if in.Quantity <= 0 {
		return invalid("quantity", "must be greater than zero")
	}
	if strings.TrimSpace(in.PerformedBy) == "" {
		return invalid("performed_by", "is required")
	}
	if in.BatchNumber != nil && strings.TrimSpace(*in.BatchNumber) == "" {
		in.BatchNumber = nil
	}
	return nil
}

// ListFilter narrows a medication listing. A nil IsActive means active only.
type ListFilter struct {
	Category     *Category
	Search       string
	LowStock     *bool
	ExpiringSoon *bool
	Expired      *bool
	IsActive     *bool
}

// InventorySummary aggregates a filtered listing.
type InventorySummary struct {
	Total        int             `json:"total"`
	LowStock     int             `json:"low_stock"`
	ExpiringSoon int             `json:"expiring_soon"`
	Expired      int             `json:"expired"`
	TotalValue   decimal.Decimal `json:"total_value"`
}

// Reconciliation compares the ledger against stock and batch totals.
type Reconciliation struct {
	MedicationID    uuid.UUID `json:"medication_id"`
	CurrentStock    int       `json:"current_stock"`
	LedgerTotal     int       `json:"ledger_total"`
	ReceivedBatches int       `json:"received_batch_total"`
	PendingBatches  int       `json:"pending_batch_total"`
	Untracked       int       `json:"untracked"`
	Consistent      bool      `json:"consistent"`
}

// BatchAlert is a batch flagged by the alert projection, with its owner.
type BatchAlert struct {
	MedicationID    uuid.UUID `json:"medication_id"`
	MedicationName  string    `json:"medication_name"`
	BatchNumber     string    `json:"batch_number"`
	Quantity        int       `json:"quantity"`
	ExpiryDate      time.Time `json:"expiry_date"`
	DaysUntilExpiry int       `json:"days_until_expiry"`
}

// AlertSummary lists everything currently needing attention in a clinic.
type AlertSummary struct {
	LowStock     []*Medication `json:"low_stock"`
	ExpiringSoon []*BatchAlert `json:"expiring_soon"`
	Expired      []*BatchAlert `json:"expired"`
	Counts       AlertCounts   `json:"summary"`
	EvaluatedAt  time.Time     `json:"evaluated_at"`
}

type AlertCounts struct {
	LowStock     int `json:"low_stock"`
	ExpiringSoon int `json:"expiring_soon"`
	Expired      int `json:"expired"`
	Total        int `json:"total"`
}

// SweepResult reports a bulk alert refresh.
type SweepResult struct {
	Evaluated int `json:"evaluated"`
	Changed   int `json:"changed"`
	Failed    int `json:"failed"`
}
