package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/clinic/pharmacy/internal/domain/inventory"
)

// Catalog is a medication catalog file:
//
//	medications:
//	  - name: Amoxicillin
//	    category: antibiotic
//	    form: capsule
//	    strength: 500mg
//	    unit: capsule
//	    selling_price: "0.45"
//	    batches:
//	      - batch_number: AMX-2407
//	        quantity: 200
//	        expiry: 2026-07-31
type Catalog struct {
	Medications []Entry `yaml:"medications"`
}

type Entry struct {
	Name                  string       `yaml:"name"`
	GenericName           string       `yaml:"generic_name"`
	BrandName             string       `yaml:"brand_name"`
	Manufacturer          string       `yaml:"manufacturer"`
	Category              string       `yaml:"category"`
	Form                  string       `yaml:"form"`
	Strength              string       `yaml:"strength"`
	Unit                  string       `yaml:"unit"`
	SKU                   string       `yaml:"sku"`
	Barcode               string       `yaml:"barcode"`
	StorageLocation       string       `yaml:"storage_location"`
	RequiresPrescription  bool         `yaml:"requires_prescription"`
	IsControlled          bool         `yaml:"is_controlled"`
	RequiresRefrigeration bool         `yaml:"requires_refrigeration"`
	ReorderLevel          int          `yaml:"reorder_level"`
	ReorderQuantity       int          `yaml:"reorder_quantity"`
	CostPrice             string       `yaml:"cost_price"`
	SellingPrice          string       `yaml:"selling_price"`
	Currency              string       `yaml:"currency"`
	OpeningStock          int          `yaml:"opening_stock"`
	Batches               []BatchEntry `yaml:"batches"`
}

type BatchEntry struct {
	BatchNumber string `yaml:"batch_number"`
	Quantity    int    `yaml:"quantity"`
	Expiry      string `yaml:"expiry"`
	Supplier    string `yaml:"supplier"`
	Cost        string `yaml:"cost"`
}

// Parse decodes a catalog. Unknown keys are rejected.
func Parse(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var cat Catalog
	if err := dec.Decode(&cat); err != nil {
		if errors.Is(err, io.EOF) {
			return &cat, nil
		}
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return &cat, nil
}

// ParseFile reads and decodes the catalog at path.
func ParseFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func parseMoney(field, s string) (*decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%s: invalid amount %q", field, s)
	}
	return &d, nil
}

// Input converts the entry into a create request.
func (e Entry) Input() (inventory.MedicationInput, error) {
	in := inventory.MedicationInput{
		Name:                  e.Name,
		GenericName:           optional(e.GenericName),
		BrandName:             optional(e.BrandName),
		Manufacturer:          optional(e.Manufacturer),
		Category:              inventory.Category(strings.ToLower(e.Category)),
		Form:                  inventory.Form(strings.ToLower(e.Form)),
		Strength:              e.Strength,
		Unit:                  e.Unit,
		SKU:                   optional(e.SKU),
		Barcode:               optional(e.Barcode),
		StorageLocation:       optional(e.StorageLocation),
		RequiresPrescription:  e.RequiresPrescription,
		IsControlled:          e.IsControlled,
		RequiresRefrigeration: e.RequiresRefrigeration,
		ReorderLevel:          e.ReorderLevel,
		ReorderQuantity:       e.ReorderQuantity,
		Currency:              e.Currency,
		OpeningStock:          e.OpeningStock,
	}
	cost, err := parseMoney("cost_price", e.CostPrice)
	if err != nil {
		return in, err
	}
	in.CostPrice = cost
	price, err := parseMoney("selling_price", e.SellingPrice)
	if err != nil {
		return in, err
	}
	if price != nil {
		in.SellingPrice = *price
	}
	return in, nil
}

// Input converts the batch entry into a receipt request.
func (b BatchEntry) Input() (inventory.BatchInput, error) {
	in := inventory.BatchInput{
		BatchNumber: b.BatchNumber,
		Quantity:    b.Quantity,
		Supplier:    optional(b.Supplier),
	}
	if b.Expiry != "" {
		t, err := time.Parse("2006-01-02", b.Expiry)
		if err != nil {
			return in, fmt.Errorf("expiry: want YYYY-MM-DD, got %q", b.Expiry)
		}
		in.ExpiryDate = t
	}
	cost, err := parseMoney("cost", b.Cost)
	if err != nil {
		return in, err
	}
	in.Cost = cost
	return in, nil
}

// Catalogue is the part of the inventory service the loader drives.
type Catalogue interface {
	ListMedications(ctx context.Context, f inventory.ListFilter, limit, offset int) ([]*inventory.Medication, int, *inventory.InventorySummary, error)
	CreateMedication(ctx context.Context, in inventory.MedicationInput, performedBy string) (*inventory.Medication, error)
	ReceiveBatch(ctx context.Context, medicationID uuid.UUID, in inventory.BatchInput, allowPastExpiry bool, adj inventory.AdjustmentInput) (*inventory.Medication, *inventory.StockAdjustment, error)
}

// Result counts what a load did.
type Result struct {
	Created  int `json:"created"`
	Skipped  int `json:"skipped"`
	Batches  int `json:"batches"`
	Failures int `json:"failures"`
}

// Load creates every catalog entry that has no medication of the same name
// yet and receives its batches. Failing entries are logged and counted; the
// rest of the catalog still loads.
func Load(ctx context.Context, svc Catalogue, cat *Catalog, performedBy string, logger zerolog.Logger) (Result, error) {
	var res Result
	reason := "catalog seed"
	for i, e := range cat.Medications {
		log := logger.With().Int("entry", i).Str("medication", e.Name).Logger()
		if err := ctx.Err(); err != nil {
			return res, err
		}

		exists, err := hasMedication(ctx, svc, e.Name)
		if err != nil {
			return res, fmt.Errorf("look up %s: %w", e.Name, err)
		}
		if exists {
			res.Skipped++
			log.Debug().Msg("medication already present, skipping")
			continue
		}

		in, err := e.Input()
		if err != nil {
			res.Failures++
			log.Warn().Err(err).Msg("invalid catalog entry")
			continue
		}
		m, err := svc.CreateMedication(ctx, in, performedBy)
		if err != nil {
			res.Failures++
			log.Warn().Err(err).Msg("failed to create medication")
			continue
		}
		res.Created++

		for _, be := range e.Batches {
			bin, err := be.Input()
			if err == nil {
				_, _, err = svc.ReceiveBatch(ctx, m.ID, bin, false, inventory.AdjustmentInput{
					PerformedBy: performedBy,
					Reason:      &reason,
				})
			}
			if err != nil {
				res.Failures++
				log.Warn().Err(err).Str("batch", be.BatchNumber).Msg("failed to receive batch")
				continue
			}
			res.Batches++
		}
	}
	logger.Info().
		Int("created", res.Created).
		Int("skipped", res.Skipped).
		Int("batches", res.Batches).
		Int("failures", res.Failures).
		Msg("catalog seed complete")
	return res, nil
}

func hasMedication(ctx context.Context, svc Catalogue, name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, nil
	}
	items, _, _, err := svc.ListMedications(ctx, inventory.ListFilter{Search: name}, 100, 0)
	if err != nil {
		return false, err
	}
	for _, m := range items {
		if strings.EqualFold(m.Name, name) {
			return true, nil
		}
	}
	return false, nil
}
