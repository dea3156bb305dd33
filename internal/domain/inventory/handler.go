package inventory

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/clinic/pharmacy/internal/platform/auth"
	"github.com/clinic/pharmacy/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – every clinical role
	readGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RolePharmacist, auth.RolePhysician, auth.RoleNurse))
	readGroup.GET("/medications", h.ListMedications)
	readGroup.GET("/medications/alerts", h.GetAlerts)
	readGroup.GET("/medications/:id", h.GetMedication)
	readGroup.GET("/medications/:id/batches", h.ListBatches)
	readGroup.GET("/medications/:id/adjustments", h.ListAdjustments)
	readGroup.GET("/medications/:id/reconciliation", h.GetReconciliation)

	// Write endpoints – admin, pharmacist
	writeGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RolePharmacist))
	writeGroup.POST("/medications", h.CreateMedication)
	writeGroup.PATCH("/medications/:id", h.UpdateMedication)
	writeGroup.DELETE("/medications/:id", h.DeactivateMedication)
	writeGroup.POST("/medications/:id/batches", h.AddBatch)
	writeGroup.POST("/medications/:id/batches/receive", h.ReceiveBatch)
	writeGroup.POST("/medications/:id/adjustments", h.AdjustStock)
	writeGroup.POST("/medications/alerts/refresh", h.RefreshAlerts)
}

// -- Request bodies --

type batchRequest struct {
	BatchNumber string           `json:"batch_number"`
	Quantity    int              `json:"quantity"`
	ExpiryDate  string           `json:"expiry_date"`
	Supplier    *string          `json:"supplier,omitempty"`
	Cost        *decimal.Decimal `json:"cost,omitempty"`
}

func (r batchRequest) toInput() (BatchInput, error) {
	in := BatchInput{
		BatchNumber: r.BatchNumber,
		Quantity:    r.Quantity,
		Supplier:    r.Supplier,
		Cost:        r.Cost,
	}
	if r.ExpiryDate != "" {
		t, err := parseDate(r.ExpiryDate)
		if err != nil {
			return in, invalid("expiry_date", "must be YYYY-MM-DD or RFC 3339, got %q", r.ExpiryDate)
		}
		in.ExpiryDate = t
	}
	return in, nil
}

type receiveRequest struct {
	batchRequest
	AllowPastExpiry bool    `json:"allow_past_expiry"`
	Reason          *string `json:"reason,omitempty"`
	Notes           *string `json:"notes,omitempty"`
}

type adjustmentRequest struct {
	AdjustmentType AdjustmentType `json:"adjustment_type"`
	Quantity       int            `json:"quantity"`
	BatchNumber    *string        `json:"batch_number,omitempty"`
	Reason         *string        `json:"reason,omitempty"`
	Notes          *string        `json:"notes,omitempty"`
}

type adjustmentResponse struct {
	Medication *Medication      `json:"medication"`
	Adjustment *StockAdjustment `json:"adjustment"`
}

type medicationList struct {
	*pagination.Response
	Summary *InventorySummary `json:"summary"`
}

// -- Medication Handlers --

func (h *Handler) CreateMedication(c echo.Context) error {
	var in MedicationInput
	if err := decodeJSON(c, &in); err != nil {
		return err
	}
	m, err := h.svc.CreateMedication(c.Request().Context(), in, operator(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) GetMedication(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	m, err := h.svc.GetMedication(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) ListMedications(c echo.Context) error {
	pg, err := pagination.Parse(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	f, err := parseFilter(c)
	if err != nil {
		return err
	}
	items, total, summary, err := h.svc.ListMedications(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Medication{}
	}
	return c.JSON(http.StatusOK, medicationList{
		Response: pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c, pg),
		Summary:  summary,
	})
}

func (h *Handler) UpdateMedication(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var patch MedicationPatch
	if err := decodeJSON(c, &patch); err != nil {
		return err
	}
	m, err := h.svc.UpdateMedication(c.Request().Context(), id, patch, operator(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) DeactivateMedication(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	m, err := h.svc.DeactivateMedication(c.Request().Context(), id, operator(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

// -- Batch Handlers --

func (h *Handler) ListBatches(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	batches, err := h.svc.ListBatches(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if batches == nil {
		batches = []*Batch{}
	}
	return c.JSON(http.StatusOK, batches)
}

func (h *Handler) AddBatch(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req batchRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	in, err := req.toInput()
	if err != nil {
		return httpError(err)
	}
	m, err := h.svc.AddBatch(c.Request().Context(), id, in, operator(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) ReceiveBatch(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req receiveRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	in, err := req.toInput()
	if err != nil {
		return httpError(err)
	}
	m, adj, err := h.svc.ReceiveBatch(c.Request().Context(), id, in, req.AllowPastExpiry, AdjustmentInput{
		Reason:      req.Reason,
		Notes:       req.Notes,
		PerformedBy: operator(c),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, adjustmentResponse{Medication: m, Adjustment: adj})
}

// -- Ledger Handlers --

func (h *Handler) AdjustStock(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req adjustmentRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	m, adj, err := h.svc.AdjustStock(c.Request().Context(), id, AdjustmentInput{
		Type:        req.AdjustmentType,
		Quantity:    req.Quantity,
		BatchNumber: req.BatchNumber,
		Reason:      req.Reason,
		Notes:       req.Notes,
		PerformedBy: operator(c),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, adjustmentResponse{Medication: m, Adjustment: adj})
}

func (h *Handler) ListAdjustments(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	pg, err := pagination.Parse(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	items, total, err := h.svc.ListAdjustments(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*StockAdjustment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c, pg))
}

func (h *Handler) GetReconciliation(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.Reconcile(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

// -- Alert Handlers --

func (h *Handler) GetAlerts(c echo.Context) error {
	sum, err := h.svc.AlertSummary(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *Handler) RefreshAlerts(c echo.Context) error {
	res, err := h.svc.SweepAlerts(c.Request().Context())
	if err != nil && res.Evaluated == 0 {
		return httpError(err)
	}
	// partial sweeps report the failures through res.Failed
	return c.JSON(http.StatusOK, res)
}

// -- Helpers --

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func operator(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

// decodeJSON reads the request body into v, rejecting unknown fields.
func decodeJSON(c echo.Context, v interface{}) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return echo.NewHTTPError(http.StatusBadRequest, "request body is required")
		}
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	return nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func parseFilter(c echo.Context) (ListFilter, error) {
	var f ListFilter
	if v := c.QueryParam("category"); v != "" {
		cat := Category(strings.ToLower(v))
		if !cat.Valid() {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid category: "+v)
		}
		f.Category = &cat
	}
	f.Search = strings.TrimSpace(c.QueryParam("search"))

	for _, q := range []struct {
		name string
		dst  **bool
	}{
		{"low_stock", &f.LowStock},
		{"expiring_soon", &f.ExpiringSoon},
		{"expired", &f.Expired},
		{"is_active", &f.IsActive},
	} {
		raw := c.QueryParam(q.name)
		if raw == "" {
			continue
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, q.name+" must be a boolean, got "+strconv.Quote(raw))
		}
		*q.dst = &b
	}
	return f, nil
}

// httpError maps inventory errors onto HTTP status codes.
func httpError(err error) error {
	var (
		nf *NotFoundError
		ve *ValidationError
		ce *ConflictError
		te *TransientError
	)
	switch {
	case errors.As(err, &nf):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &ce):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &te):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage temporarily unavailable, retry the request")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}
