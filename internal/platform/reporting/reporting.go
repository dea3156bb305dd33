package reporting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/clinic/pharmacy/internal/platform/auth"
	"github.com/clinic/pharmacy/internal/platform/db"
)

// Parameter is an integer query parameter bound positionally into a measure's
// SQL, in declaration order.
type Parameter struct {
	Name    string `json:"name"`
	Default int    `json:"default"`
	Min     int    `json:"min"`
	Max     int    `json:"max"`
}

// MeasureDefinition defines a reporting measure with its SQL query.
type MeasureDefinition struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	SQL         string      `json:"-"`
	Parameters  []Parameter `json:"parameters"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string                   `json:"measure_id"`
	MeasureName string                   `json:"measure_name"`
	Clinic      string                   `json:"clinic"`
	GeneratedAt time.Time                `json:"generated_at"`
	Results     []map[string]interface{} `json:"results"`
	Parameters  map[string]string        `json:"parameters,omitempty"`
}

var windowDays = Parameter{Name: "days", Default: 30, Min: 1, Max: 366}

// PredefinedMeasures is the list of available inventory measures. Every query
// runs against the requesting clinic's schema.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "stock-by-category",
		Name:        "Stock by Category",
		Description: "Active medications, units on hand and stock value at cost, per category",
		SQL: `SELECT category, COUNT(*) AS medications,
				COALESCE(SUM(current_stock), 0) AS units,
				COALESCE(SUM(current_stock * cost_price), 0)::text AS stock_value
			FROM medication WHERE is_active
			GROUP BY category ORDER BY category`,
	},
	{
		ID:          "low-stock",
		Name:        "Low Stock",
		Description: "Active medications at or below their reorder level, with the suggested reorder quantity",
		SQL: `SELECT id::text AS medication_id, name, current_stock, reorder_level, reorder_quantity
			FROM medication
			WHERE is_active AND current_stock <= reorder_level
			ORDER BY current_stock, name`,
	},
	{
		ID:          "expiring-batches",
		Name:        "Expiring Batches",
		Description: "Batches holding stock that expire within the given number of days, including expired ones",
		SQL: `SELECT m.name AS medication, b.batch_number, b.quantity, b.expiry_date,
				b.received_at IS NOT NULL AS received
			FROM medication_batch b JOIN medication m ON m.id = b.medication_id
			WHERE m.is_active AND b.quantity > 0 AND b.expiry_date <= NOW() + make_interval(days => $1)
			ORDER BY b.expiry_date, b.seq`,
		Parameters: []Parameter{windowDays},
	},
	{
		ID:          "adjustments-by-type",
		Name:        "Adjustments by Type",
		Description: "Ledger entries and units moved per adjustment type over the given number of days",
		SQL: `SELECT adjustment_type, COUNT(*) AS entries, SUM(quantity) AS units, SUM(delta) AS net
			FROM stock_adjustment
			WHERE created_at >= NOW() - make_interval(days => $1)
			GROUP BY adjustment_type ORDER BY adjustment_type`,
		Parameters: []Parameter{windowDays},
	},
	{
		ID:          "ledger-drift",
		Name:        "Ledger Drift",
		Description: "Medications whose current stock differs from the sum of their ledger entries",
		SQL: `SELECT m.id::text AS medication_id, m.name, m.current_stock,
				COALESCE(SUM(a.delta), 0) AS ledger_total
			FROM medication m LEFT JOIN stock_adjustment a ON a.medication_id = m.id
			GROUP BY m.id, m.name, m.current_stock
			HAVING m.current_stock <> COALESCE(SUM(a.delta), 0)
			ORDER BY m.name`,
	},
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	pool *pgxpool.Pool
}

// NewHandler creates a new reporting handler.
func NewHandler(pool *pgxpool.Pool) *Handler {
	return &Handler{pool: pool}
}

// RegisterRoutes registers the reporting API routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	reportGroup := api.Group("/reports", auth.RequireRole(auth.RoleAdmin, auth.RolePharmacist))
	reportGroup.GET("/measures", h.ListMeasures)
	reportGroup.GET("/measures/:id/evaluate", h.EvaluateMeasure)
}

// ListMeasures returns all available measure definitions.
func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

// EvaluateMeasure executes a measure's SQL and returns the results.
func (h *Handler) EvaluateMeasure(c echo.Context) error {
	measure := FindMeasure(c.Param("id"))
	if measure == nil {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}

	args, params, err := BindParameters(measure, c.QueryParam)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	results, err := h.executeSQL(ctx, measure.SQL, args...)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "measure evaluation failed").SetInternal(err)
	}

	return c.JSON(http.StatusOK, MeasureReport{
		MeasureID:   measure.ID,
		MeasureName: measure.Name,
		Clinic:      db.TenantFromContext(ctx),
		GeneratedAt: time.Now().UTC(),
		Results:     results,
		Parameters:  params,
	})
}

// BindParameters reads the measure's parameters through lookup, applying
// defaults and bounds. It returns the positional SQL arguments and the
// effective values for the report.
func BindParameters(m *MeasureDefinition, lookup func(string) string) ([]interface{}, map[string]string, error) {
	if len(m.Parameters) == 0 {
		return nil, nil, nil
	}
	args := make([]interface{}, 0, len(m.Parameters))
	params := make(map[string]string, len(m.Parameters))
	for _, p := range m.Parameters {
		v := p.Default
		if raw := lookup(p.Name); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("%s must be an integer, got %q", p.Name, raw)
			}
			v = n
		}
		if v < p.Min || v > p.Max {
			return nil, nil, fmt.Errorf("%s must be between %d and %d, got %d", p.Name, p.Min, p.Max, v)
		}
		args = append(args, v)
		params[p.Name] = strconv.Itoa(v)
	}
	return args, params, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// conn prefers the tenant-bound connection so the clinic's search_path applies.
func (h *Handler) conn(ctx context.Context) (querier, error) {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx, nil
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c, nil
	}
	if h.pool == nil {
		return nil, errors.New("no database connection")
	}
	return h.pool, nil
}

// executeSQL runs a SQL query and returns results as a slice of maps.
func (h *Handler) executeSQL(ctx context.Context, sql string, args ...interface{}) ([]map[string]interface{}, error) {
	q, err := h.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	results := []map[string]interface{}{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(fieldDescs))
		for i, fd := range fieldDescs {
			row[fd.Name] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}
