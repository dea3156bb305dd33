package inventory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

// -- In-memory store --

// memStore backs the mock repositories. Every read and write copies, so the
// service never shares memory with stored state.
type memStore struct {
	mu      sync.Mutex
	meds    map[uuid.UUID]*Medication
	batches map[uuid.UUID][]*Batch
	adjs    map[uuid.UUID][]*StockAdjustment
	seq     int64

	// updateErrs are returned, in order, by the next medication updates.
	updateErrs []error
	updates    int
}

func newMemStore() *memStore {
	return &memStore{
		meds:    make(map[uuid.UUID]*Medication),
		batches: make(map[uuid.UUID][]*Batch),
		adjs:    make(map[uuid.UUID][]*StockAdjustment),
	}
}

func copyMed(m *Medication) *Medication {
	cp := *m
	cp.Batches = nil
	return &cp
}

func copyBatch(b *Batch) *Batch {
	cp := *b
	return &cp
}

func copyAdj(a *StockAdjustment) *StockAdjustment {
	cp := *a
	return &cp
}

type memSnapshot struct {
	meds    map[uuid.UUID]*Medication
	batches map[uuid.UUID][]*Batch
	adjs    map[uuid.UUID][]*StockAdjustment
	seq     int64
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := memSnapshot{
		meds:    make(map[uuid.UUID]*Medication, len(s.meds)),
		batches: make(map[uuid.UUID][]*Batch, len(s.batches)),
		adjs:    make(map[uuid.UUID][]*StockAdjustment, len(s.adjs)),
		seq:     s.seq,
	}
	for id, m := range s.meds {
		snap.meds[id] = copyMed(m)
	}
	for id, bs := range s.batches {
		for _, b := range bs {
			snap.batches[id] = append(snap.batches[id], copyBatch(b))
		}
	}
	for id, as := range s.adjs {
		for _, a := range as {
			snap.adjs[id] = append(snap.adjs[id], copyAdj(a))
		}
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meds, s.batches, s.adjs, s.seq = snap.meds, snap.batches, snap.adjs, snap.seq
}

// -- Mock Repositories --

type mockMedRepo struct{ s *memStore }

func (r *mockMedRepo) Create(_ context.Context, m *Medication) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.Version = 1
	m.CreatedAt = time.Now()
	m.UpdatedAt = m.CreatedAt
	r.s.meds[m.ID] = copyMed(m)
	return nil
}

func (r *mockMedRepo) GetByID(_ context.Context, id uuid.UUID) (*Medication, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.meds[id]
	if !ok {
		return nil, &NotFoundError{Resource: "medication", ID: id.String()}
	}
	return copyMed(m), nil
}

func (r *mockMedRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Medication, error) {
	return r.GetByID(ctx, id)
}

func (r *mockMedRepo) Update(_ context.Context, m *Medication) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.updates++
	if len(r.s.updateErrs) > 0 {
		err := r.s.updateErrs[0]
		r.s.updateErrs = r.s.updateErrs[1:]
		if err != nil {
			return err
		}
	}
	cur, ok := r.s.meds[m.ID]
	if !ok {
		return &NotFoundError{Resource: "medication", ID: m.ID.String()}
	}
	if cur.Version != m.Version {
		return conflict(ErrVersionConflict, "medication %s version %d", m.ID, m.Version)
	}
	m.Version++
	m.UpdatedAt = time.Now()
	r.s.meds[m.ID] = copyMed(m)
	return nil
}

func (r *mockMedRepo) matches(m *Medication, f ListFilter) bool {
	active := true
	if f.IsActive != nil {
		active = *f.IsActive
	}
	if m.IsActive != active {
		return false
	}
	if f.Category != nil && m.Category != *f.Category {
		return false
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(m.Name), strings.ToLower(f.Search)) {
		return false
	}
	if f.LowStock != nil && m.HasLowStock != *f.LowStock {
		return false
	}
	if f.ExpiringSoon != nil && m.HasExpiringSoon != *f.ExpiringSoon {
		return false
	}
	if f.Expired != nil && m.HasExpired != *f.Expired {
		return false
	}
	return true
}

func (r *mockMedRepo) filtered(f ListFilter) []*Medication {
	var out []*Medication
	for _, m := range r.s.meds {
		if r.matches(m, f) {
			out = append(out, copyMed(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *mockMedRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Medication, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := r.filtered(f)
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *mockMedRepo) Summarize(_ context.Context, f ListFilter) (*InventorySummary, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sum := &InventorySummary{TotalValue: decimal.Zero}
	for _, m := range r.filtered(f) {
		sum.Total++
		if m.HasLowStock {
			sum.LowStock++
		}
		if m.HasExpiringSoon {
			sum.ExpiringSoon++
		}
		if m.HasExpired {
			sum.Expired++
		}
		sum.TotalValue = sum.TotalValue.Add(m.StockValue())
	}
	return sum, nil
}

func (r *mockMedRepo) ListLowStock(_ context.Context) ([]*Medication, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*Medication
	for _, m := range r.s.meds {
		if m.IsActive && m.CurrentStock <= m.ReorderLevel {
			out = append(out, copyMed(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CurrentStock != out[j].CurrentStock {
			return out[i].CurrentStock < out[j].CurrentStock
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (r *mockMedRepo) ListActiveIDs(_ context.Context) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var ids []uuid.UUID
	for id, m := range r.s.meds {
		if m.IsActive {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type mockBatchRepo struct{ s *memStore }

func (r *mockBatchRepo) Create(_ context.Context, b *Batch) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.batches[b.MedicationID] {
		if existing.BatchNumber == b.BatchNumber {
			return conflict(ErrDuplicateBatch, "batch %s", b.BatchNumber)
		}
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	r.s.seq++
	b.Seq = r.s.seq
	b.CreatedAt = time.Now()
	b.UpdatedAt = b.CreatedAt
	r.s.batches[b.MedicationID] = append(r.s.batches[b.MedicationID], copyBatch(b))
	return nil
}

func (r *mockBatchRepo) Update(_ context.Context, b *Batch) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i, existing := range r.s.batches[b.MedicationID] {
		if existing.ID == b.ID {
			r.s.batches[b.MedicationID][i] = copyBatch(b)
			return nil
		}
	}
	return &NotFoundError{Resource: "batch", ID: b.BatchNumber}
}

func (r *mockBatchRepo) ListByMedication(_ context.Context, medicationID uuid.UUID) ([]*Batch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*Batch
	for _, b := range r.s.batches[medicationID] {
		out = append(out, copyBatch(b))
	}
	sortBatches(out)
	return out, nil
}

func (r *mockBatchRepo) ListExpiringBefore(_ context.Context, cutoff time.Time) ([]*BatchAlert, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []*Batch
	for medID, bs := range r.s.batches {
		if m, ok := r.s.meds[medID]; !ok || !m.IsActive {
			continue
		}
		for _, b := range bs {
			if b.Quantity > 0 && !b.ExpiryDate.After(cutoff) {
				all = append(all, b)
			}
		}
	}
	sortBatches(all)
	out := make([]*BatchAlert, 0, len(all))
	for _, b := range all {
		out = append(out, &BatchAlert{
			MedicationID:   b.MedicationID,
			MedicationName: r.s.meds[b.MedicationID].Name,
			BatchNumber:    b.BatchNumber,
			Quantity:       b.Quantity,
			ExpiryDate:     b.ExpiryDate,
		})
	}
	return out, nil
}

type mockAdjRepo struct{ s *memStore }

func (r *mockAdjRepo) Create(_ context.Context, a *StockAdjustment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	r.s.adjs[a.MedicationID] = append(r.s.adjs[a.MedicationID], copyAdj(a))
	return nil
}

func (r *mockAdjRepo) ListByMedication(_ context.Context, medicationID uuid.UUID, limit, offset int) ([]*StockAdjustment, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := r.s.adjs[medicationID]
	var newest []*StockAdjustment
	for i := len(all) - 1; i >= 0; i-- {
		newest = append(newest, copyAdj(all[i]))
	}
	total := len(newest)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return newest[offset:end], total, nil
}

func (r *mockAdjRepo) SumByMedication(_ context.Context, medicationID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sum := 0
	for _, a := range r.s.adjs[medicationID] {
		sum += a.Delta
	}
	return sum, nil
}

// mockTx serializes transactions and rolls the store back when fn fails.
type mockTx struct {
	mu    sync.Mutex
	s     *memStore
	calls int
	// commitErrs fail the next commits in order, after fn succeeded.
	commitErrs []error
}

func (tx *mockTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.calls++
	snap := tx.s.snapshot()
	if err := fn(ctx); err != nil {
		tx.s.restore(snap)
		return err
	}
	if len(tx.commitErrs) > 0 {
		err := tx.commitErrs[0]
		tx.commitErrs = tx.commitErrs[1:]
		if err != nil {
			tx.s.restore(snap)
			return err
		}
	}
	return nil
}

// -- Helpers --

var testNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc   *Service
	store *memStore
	tx    *mockTx
	clock *testClock
}

func newTestEnv() *testEnv {
	store := newMemStore()
	tx := &mockTx{s: store}
	clock := &testClock{now: testNow}
	svc := NewService(&mockMedRepo{s: store}, &mockBatchRepo{s: store}, &mockAdjRepo{s: store}, tx)
	svc.SetClock(clock.Now)
	svc.SetRetryPolicy(3, time.Millisecond)
	return &testEnv{svc: svc, store: store, tx: tx, clock: clock}
}

func newTestService() *Service {
	return newTestEnv().svc
}

func amoxicillin() MedicationInput {
	return MedicationInput{
		Name:         "Amoxicillin",
		Category:     CategoryAntibiotic,
		Form:         FormCapsule,
		Strength:     "500mg",
		Unit:         "capsule",
		ReorderLevel: 50,
		SellingPrice: decimal.RequireFromString("0.45"),
	}
}

func (e *testEnv) createMed(t *testing.T, opening, reorder int) *Medication {
	t.Helper()
	in := amoxicillin()
	in.OpeningStock = opening
	in.ReorderLevel = reorder
	m, err := e.svc.CreateMedication(context.Background(), in, "pharm-1")
	if err != nil {
		t.Fatalf("CreateMedication: %v", err)
	}
	return m
}

func (e *testEnv) receive(t *testing.T, medID uuid.UUID, number string, qty int, expiry time.Time) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.svc.AddBatch(ctx, medID, BatchInput{BatchNumber: number, Quantity: qty, ExpiryDate: expiry}, "pharm-1"); err != nil {
		t.Fatalf("AddBatch %s: %v", number, err)
	}
	if _, _, err := e.svc.AdjustStock(ctx, medID, AdjustmentInput{
		Type: AdjustmentReceived, Quantity: qty, BatchNumber: &number, PerformedBy: "pharm-1",
	}); err != nil {
		t.Fatalf("receive %s: %v", number, err)
	}
}

func adjust(typ AdjustmentType, qty int) AdjustmentInput {
	return AdjustmentInput{Type: typ, Quantity: qty, PerformedBy: "pharm-1"}
}

func strPtr(s string) *string { return &s }

func ledgerCount(e *testEnv, id uuid.UUID) int {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	return len(e.store.adjs[id])
}

// -- Catalog --

func TestService_CreateMedication(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 0, 10)

	if m.ID == uuid.Nil {
		t.Fatal("expected ID to be set")
	}
	if m.CurrentStock != 0 || !m.IsActive || m.Currency != "USD" {
		t.Errorf("unexpected medication: stock=%d active=%v currency=%s", m.CurrentStock, m.IsActive, m.Currency)
	}
	if !m.HasLowStock {
		t.Error("expected zero stock at reorder level 10 to be low")
	}
	if m.CreatedBy != "pharm-1" || m.AlertsEvaluatedAt == nil {
		t.Errorf("expected creator and evaluation time, got %q %v", m.CreatedBy, m.AlertsEvaluatedAt)
	}
	if ledgerCount(e, m.ID) != 0 {
		t.Error("expected no ledger entries without opening stock")
	}
}

func TestService_CreateMedication_OpeningStock(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 100, 50)

	if m.CurrentStock != 100 || m.HasLowStock {
		t.Errorf("expected stock 100 and not low, got %d low=%v", m.CurrentStock, m.HasLowStock)
	}
	entries, total, err := e.svc.ListAdjustments(context.Background(), m.ID, 10, 0)
	if err != nil {
		t.Fatalf("ListAdjustments: %v", err)
	}
	if total != 1 || entries[0].AdjustmentType != AdjustmentReceived || entries[0].Delta != 100 {
		t.Fatalf("expected one received entry of 100, got %d entries", total)
	}
	if entries[0].Reason == nil || *entries[0].Reason != openingBalance {
		t.Error("expected opening balance reason")
	}
	if entries[0].MedicationID != m.ID {
		t.Error("opening entry not linked to medication")
	}
}

func TestService_CreateMedication_Validation(t *testing.T) {
	svc := newTestService()
	tests := []struct {
		name  string
		mod   func(*MedicationInput)
		field string
	}{
		{"missing name", func(in *MedicationInput) { in.Name = "  " }, "name"},
		{"bad category", func(in *MedicationInput) { in.Category = "vitamins" }, "category"},
		{"bad form", func(in *MedicationInput) { in.Form = "powder" }, "form"},
		{"missing strength", func(in *MedicationInput) { in.Strength = "" }, "strength"},
		{"negative reorder", func(in *MedicationInput) { in.ReorderLevel = -1 }, "reorder_level"},
		{"negative opening", func(in *MedicationInput) { in.OpeningStock = -5 }, "opening_stock"},
		{"negative price", func(in *MedicationInput) { in.SellingPrice = decimal.NewFromInt(-1) }, "selling_price"},
		{"bad currency", func(in *MedicationInput) { in.Currency = "EURO" }, "currency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := amoxicillin()
			tt.mod(&in)
			_, err := svc.CreateMedication(context.Background(), in, "pharm-1")
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, ve.Field)
			}
		})
	}
}

func TestService_CreateMedication_RequiresOperator(t *testing.T) {
	svc := newTestService()
	_, err := svc.CreateMedication(context.Background(), amoxicillin(), "")
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "performed_by" {
		t.Fatalf("expected performed_by ValidationError, got %v", err)
	}
}

func TestService_GetMedication_NotFound(t *testing.T) {
	svc := newTestService()
	_, err := svc.GetMedication(context.Background(), uuid.New())
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestService_GetMedication_ProjectsAtReadTime(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 0, 0)
	ctx := context.Background()
	if _, err := e.svc.AddBatch(ctx, m.ID, BatchInput{BatchNumber: "B1", Quantity: 5, ExpiryDate: testNow.AddDate(0, 0, 40)}, "pharm-1"); err != nil {
		t.Fatalf("AddBatch: %v", err)
	}

	got, err := e.svc.GetMedication(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMedication: %v", err)
	}
	if got.HasExpiringSoon {
		t.Error("batch 40 days out should not be expiring soon")
	}
	if len(got.Batches) != 1 {
		t.Fatalf("expected batches on aggregate, got %d", len(got.Batches))
	}

	e.clock.Advance(15 * 24 * time.Hour)
	got, _ = e.svc.GetMedication(ctx, m.ID)
	if !got.HasExpiringSoon {
		t.Error("expected expiring soon once within 30 days")
	}
}

func TestService_ListMedications(t *testing.T) {
	e := newTestEnv()
	ctx := context.Background()
	cost := decimal.RequireFromString("0.20")

	for i, name := range []string{"Ibuprofen", "Amoxicillin", "Cetirizine"} {
		in := amoxicillin()
		in.Name = name
		in.CostPrice = &cost
		in.OpeningStock = (i + 1) * 40
		if _, err := e.svc.CreateMedication(ctx, in, "pharm-1"); err != nil {
			t.Fatalf("CreateMedication: %v", err)
		}
	}

	items, total, sum, err := e.svc.ListMedications(ctx, ListFilter{}, 2, 0)
	if err != nil {
		t.Fatalf("ListMedications: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Fatalf("expected 2 of 3, got %d of %d", len(items), total)
	}
	if items[0].Name != "Amoxicillin" {
		t.Errorf("expected name order, got %s first", items[0].Name)
	}
	if sum.Total != 3 || sum.LowStock != 1 {
		t.Errorf("expected 3 total with 1 low, got %+v", sum)
	}
	// (40 + 80 + 120) * 0.20
	if !sum.TotalValue.Equal(decimal.NewFromInt(48)) {
		t.Errorf("expected total value 48, got %s", sum.TotalValue)
	}

	low := true
	items, total, _, _ = e.svc.ListMedications(ctx, ListFilter{LowStock: &low}, 10, 0)
	if total != 1 || items[0].Name != "Ibuprofen" {
		t.Errorf("expected only Ibuprofen to be low, got %d", total)
	}
}

func TestService_UpdateMedication(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 30, 10)
	ctx := context.Background()

	level := 40
	name := "Amoxicillin 500"
	got, err := e.svc.UpdateMedication(ctx, m.ID, MedicationPatch{ReorderLevel: &level, Name: &name}, "pharm-2")
	if err != nil {
		t.Fatalf("UpdateMedication: %v", err)
	}
	if !got.HasLowStock {
		t.Error("raising reorder level above stock should flag low stock")
	}
	if got.Name != name || got.LastUpdatedBy != "pharm-2" {
		t.Errorf("patch not applied: %s %s", got.Name, got.LastUpdatedBy)
	}
	if got.CurrentStock != 30 {
		t.Errorf("update must not touch stock, got %d", got.CurrentStock)
	}
	if got.Version != m.Version+1 {
		t.Errorf("expected version %d, got %d", m.Version+1, got.Version)
	}
}

func TestService_DeactivateMedication(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 0, 10)
	ctx := context.Background()

	got, err := e.svc.DeactivateMedication(ctx, m.ID, "pharm-1")
	if err != nil {
		t.Fatalf("DeactivateMedication: %v", err)
	}
	if got.IsActive || got.HasLowStock || got.HasExpiringSoon || got.HasExpired {
		t.Errorf("inactive medication must report no alerts: %+v", got)
	}

	_, _, err = e.svc.AdjustStock(ctx, m.ID, adjust(AdjustmentReceived, 5))
	if !errors.Is(err, ErrInactive) {
		t.Errorf("expected ErrInactive on adjust, got %v", err)
	}
	_, err = e.svc.AddBatch(ctx, m.ID, BatchInput{BatchNumber: "B1", Quantity: 1, ExpiryDate: testNow.AddDate(1, 0, 0)}, "pharm-1")
	var ce *ConflictError
	if !errors.As(err, &ce) || !errors.Is(err, ErrInactive) {
		t.Errorf("expected inactive ConflictError on AddBatch, got %v", err)
	}

	_, total, _, _ := e.svc.ListMedications(ctx, ListFilter{}, 10, 0)
	if total != 0 {
		t.Errorf("inactive medication should be excluded by default, got %d", total)
	}

	active := true
	got, err = e.svc.UpdateMedication(ctx, m.ID, MedicationPatch{IsActive: &active}, "pharm-1")
	if err != nil || !got.IsActive || !got.HasLowStock {
		t.Errorf("expected reactivation to restore alerts, got %+v err=%v", got, err)
	}
}

// -- Batch Store --

func TestService_AddBatch(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 10, 0)
	ctx := context.Background()

	got, err := e.svc.AddBatch(ctx, m.ID, BatchInput{
		BatchNumber: " B1 ",
		Quantity:    100,
		ExpiryDate:  testNow.AddDate(0, 2, 0),
		Supplier:    strPtr("MedSupply"),
	}, "pharm-1")
	if err != nil {
		t.Fatalf("AddBatch: %v", err)
	}
	if got.CurrentStock != 10 {
		t.Errorf("AddBatch must not change stock, got %d", got.CurrentStock)
	}
	if ledgerCount(e, m.ID) != 1 {
		t.Errorf("AddBatch must not write the ledger, got %d entries", ledgerCount(e, m.ID))
	}
	if len(got.Batches) != 1 || got.Batches[0].BatchNumber != "B1" || got.Batches[0].Received() {
		t.Fatalf("expected one pending batch B1, got %+v", got.Batches)
	}
}

func TestService_AddBatch_Duplicate(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 0, 0)
	ctx := context.Background()
	expiry := testNow.AddDate(0, 6, 0)

	if _, err := e.svc.AddBatch(ctx, m.ID, BatchInput{BatchNumber: "B1", Quantity: 10, ExpiryDate: expiry}, "pharm-1"); err != nil {
		t.Fatalf("AddBatch: %v", err)
	}
	before, _ := e.svc.ListBatches(ctx, m.ID)

	for _, qty := range []int{10, 99} {
		_, err := e.svc.AddBatch(ctx, m.ID, BatchInput{BatchNumber: "B1", Quantity: qty, ExpiryDate: expiry.AddDate(0, 1, 0)}, "pharm-1")
		var ce *ConflictError
		if !errors.As(err, &ce) || !errors.Is(err, ErrDuplicateBatch) {
			t.Fatalf("expected duplicate ConflictError, got %v", err)
		}
	}

	after, _ := e.svc.ListBatches(ctx, m.ID)
	if len(after) != len(before) || after[0].Quantity != before[0].Quantity || !after[0].ExpiryDate.Equal(before[0].ExpiryDate) {
		t.Errorf("batch list changed after duplicate: before=%+v after=%+v", before, after)
	}
}

func TestService_AddBatch_SameNumberOtherMedication(t *testing.T) {
	e := newTestEnv()
	a := e.createMed(t, 0, 0)
	b := e.createMed(t, 0, 0)
	ctx := context.Background()
	in := BatchInput{BatchNumber: "B1", Quantity: 10, ExpiryDate: testNow.AddDate(1, 0, 0)}

	if _, err := e.svc.AddBatch(ctx, a.ID, in, "pharm-1"); err != nil {
		t.Fatalf("AddBatch a: %v", err)
	}
	if _, err := e.svc.AddBatch(ctx, b.ID, in, "pharm-1"); err != nil {
		t.Errorf("batch numbers are scoped per medication, got %v", err)
	}
}

func TestService_AddBatch_Validation(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 0, 0)
	tests := []struct {
		name string
		in   BatchInput
	}{
		{"missing number", BatchInput{Quantity: 1, ExpiryDate: testNow}},
		{"zero quantity", BatchInput{BatchNumber: "B1", ExpiryDate: testNow}},
		{"missing expiry", BatchInput{BatchNumber: "B1", Quantity: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.AddBatch(context.Background(), m.ID, tt.in, "pharm-1")
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestService_AddBatch_NotFound(t *testing.T) {
	svc := newTestService()
	_, err := svc.AddBatch(context.Background(), uuid.New(), BatchInput{BatchNumber: "B1", Quantity: 1, ExpiryDate: testNow}, "pharm-1")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestService_ListBatches_Order(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 0, 0)
	ctx := context.Background()
	add := func(number string, expiry time.Time) {
		if _, err := e.svc.AddBatch(ctx, m.ID, BatchInput{BatchNumber: number, Quantity: 1, ExpiryDate: expiry}, "pharm-1"); err != nil {
			t.Fatalf("AddBatch %s: %v", number, err)
		}
	}
	june := testNow.AddDate(0, 3, 0)
	add("LATE", testNow.AddDate(1, 0, 0))
	add("JUNE-A", june)
	add("EARLY", testNow.AddDate(0, 1, 0))
	add("JUNE-B", june)

	batches, err := e.svc.ListBatches(ctx, m.ID)
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	var got []string
	for _, b := range batches {
		got = append(got, b.BatchNumber)
	}
	if strings.Join(got, ",") != "EARLY,JUNE-A,JUNE-B,LATE" {
		t.Errorf("unexpected order: %v", got)
	}

	batches[0].Quantity = 999
	again, _ := e.svc.ListBatches(ctx, m.ID)
	if again[0].Quantity != 1 {
		t.Error("ListBatches must return a snapshot")
	}
}

func TestService_ListBatches_NotFound(t *testing.T) {
	svc := newTestService()
	_, err := svc.ListBatches(context.Background(), uuid.New())
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestService_ReceiveBatch(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 0, 20)
	ctx := context.Background()

	got, adj, err := e.svc.ReceiveBatch(ctx, m.ID, BatchInput{
		BatchNumber: "B7", Quantity: 60, ExpiryDate: testNow.AddDate(0, 6, 0),
	}, false, AdjustmentInput{PerformedBy: "pharm-1", Reason: strPtr("delivery")})
	if err != nil {
		t.Fatalf("ReceiveBatch: %v", err)
	}
	if got.CurrentStock != 60 || got.HasLowStock {
		t.Errorf("expected stock 60 not low, got %d", got.CurrentStock)
	}
	if adj.AdjustmentType != AdjustmentReceived || adj.BatchNumber == nil || *adj.BatchNumber != "B7" {
		t.Errorf("unexpected adjustment: %+v", adj)
	}
	if !got.Batches[0].Received() {
		t.Error("expected batch to be marked received")
	}

	r, err := e.svc.Reconcile(ctx, m.ID)
	if err != nil || !r.Consistent || r.ReceivedBatches != 60 || r.Untracked != 0 {
		t.Errorf("unexpected reconciliation %+v err=%v", r, err)
	}
}

func TestService_ReceiveBatch_PastExpiry(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 0, 0)
	ctx := context.Background()
	in := BatchInput{BatchNumber: "OLD", Quantity: 5, ExpiryDate: testNow.AddDate(0, 0, -1)}

	_, _, err := e.svc.ReceiveBatch(ctx, m.ID, in, false, AdjustmentInput{PerformedBy: "pharm-1"})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "expiry_date" {
		t.Fatalf("expected expiry_date ValidationError, got %v", err)
	}

	got, _, err := e.svc.ReceiveBatch(ctx, m.ID, in, true, AdjustmentInput{PerformedBy: "pharm-1"})
	if err != nil {
		t.Fatalf("ReceiveBatch with override: %v", err)
	}
	if !got.HasExpired {
		t.Error("expected expired flag for past-dated batch")
	}
}

func TestService_ReceiveBatch_DuplicateRollsBack(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 0, 0)
	ctx := context.Background()
	in := BatchInput{BatchNumber: "B1", Quantity: 10, ExpiryDate: testNow.AddDate(1, 0, 0)}

	if _, _, err := e.svc.ReceiveBatch(ctx, m.ID, in, false, AdjustmentInput{PerformedBy: "pharm-1"}); err != nil {
		t.Fatalf("ReceiveBatch: %v", err)
	}
	_, _, err := e.svc.ReceiveBatch(ctx, m.ID, in, false, AdjustmentInput{PerformedBy: "pharm-1"})
	if !errors.Is(err, ErrDuplicateBatch) {
		t.Fatalf("expected ErrDuplicateBatch, got %v", err)
	}
	got, _ := e.svc.GetMedication(ctx, m.ID)
	if got.CurrentStock != 10 || ledgerCount(e, m.ID) != 1 {
		t.Errorf("failed receipt changed state: stock=%d entries=%d", got.CurrentStock, ledgerCount(e, m.ID))
	}
}

// -- Stock Ledger --

func TestService_AdjustStock_RunningTotal(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 0, 0)
	ctx := context.Background()

	steps := []struct {
		typ AdjustmentType
		qty int
	}{
		{AdjustmentReceived, 50},
		{AdjustmentDispensed, 20},
		{AdjustmentReturned, 3},
		{AdjustmentDamaged, 4},
		{AdjustmentAdjustedIncrease, 10},
		{AdjustmentExpired, 9},
		{AdjustmentAdjustedDecrease, 25},
		{AdjustmentDispensed, 5},
	}
	want := 0
	for i, s := range steps {
		sign, _ := s.typ.Sign()
		got, adj, err := e.svc.AdjustStock(ctx, m.ID, adjust(s.typ, s.qty))
		if err != nil {
			t.Fatalf("step %d (%s %d): %v", i, s.typ, s.qty, err)
		}
		want += sign * s.qty
		if got.CurrentStock != want {
			t.Fatalf("step %d: expected stock %d, got %d", i, want, got.CurrentStock)
		}
		if got.CurrentStock < 0 {
			t.Fatalf("step %d: negative stock %d", i, got.CurrentStock)
		}
		if adj.Delta != sign*s.qty || adj.BalanceAfter != want || adj.Quantity != s.qty {
			t.Errorf("step %d: unexpected record %+v", i, adj)
		}
	}

	sum, _ := (&mockAdjRepo{s: e.store}).SumByMedication(ctx, m.ID)
	if sum != want {
		t.Errorf("ledger sum %d differs from stock %d", sum, want)
	}
}

func TestService_AdjustStock_Overdraw(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 30, 0)
	ctx := context.Background()

	for _, typ := range []AdjustmentType{AdjustmentDispensed, AdjustmentExpired, AdjustmentDamaged, AdjustmentAdjustedDecrease} {
		_, _, err := e.svc.AdjustStock(ctx, m.ID, adjust(typ, 31))
		var ce *ConflictError
		if !errors.As(err, &ce) || !errors.Is(err, ErrInsufficientStock) {
			t.Fatalf("%s: expected insufficient stock ConflictError, got %v", typ, err)
		}
	}

	got, _ := e.svc.GetMedication(ctx, m.ID)
	if got.CurrentStock != 30 {
		t.Errorf("overdraw changed stock to %d", got.CurrentStock)
	}
	if ledgerCount(e, m.ID) != 1 {
		t.Errorf("overdraw appended to ledger: %d entries", ledgerCount(e, m.ID))
	}
}

func TestService_AdjustStock_ExactDrainToZero(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 30, 0)
	got, _, err := e.svc.AdjustStock(context.Background(), m.ID, adjust(AdjustmentDispensed, 30))
	if err != nil {
		t.Fatalf("AdjustStock: %v", err)
	}
	if got.CurrentStock != 0 || !got.HasLowStock {
		t.Errorf("expected zero stock flagged low at level 0, got %d low=%v", got.CurrentStock, got.HasLowStock)
	}
}

func TestService_AdjustStock_Validation(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 10, 0)
	tests := []struct {
		name  string
		in    AdjustmentInput
		field string
	}{
		{"unknown type", AdjustmentInput{Type: "stolen", Quantity: 1, PerformedBy: "p"}, "adjustment_type"},
		{"zero quantity", AdjustmentInput{Type: AdjustmentDispensed, PerformedBy: "p"}, "quantity"},
		{"negative quantity", AdjustmentInput{Type: AdjustmentDispensed, Quantity: -3, PerformedBy: "p"}, "quantity"},
		{"no operator", AdjustmentInput{Type: AdjustmentDispensed, Quantity: 1}, "performed_by"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := e.svc.AdjustStock(context.Background(), m.ID, tt.in)
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("expected %s ValidationError, got %v", tt.field, err)
			}
		})
	}
}

func TestService_AdjustStock_NotFound(t *testing.T) {
	svc := newTestService()
	_, _, err := svc.AdjustStock(context.Background(), uuid.New(), adjust(AdjustmentReceived, 1))
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestService_AdjustStock_UnknownBatch(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 10, 0)
	in := adjust(AdjustmentDispensed, 1)
	in.BatchNumber = strPtr("NOPE")
	_, _, err := e.svc.AdjustStock(context.Background(), m.ID, in)
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Resource != "batch" {
		t.Fatalf("expected batch NotFoundError, got %v", err)
	}
}

func TestService_AdjustStock_BatchReceipt(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 0, 0)
	ctx := context.Background()
	if _, err := e.svc.AddBatch(ctx, m.ID, BatchInput{BatchNumber: "B1", Quantity: 100, ExpiryDate: testNow.AddDate(0, 0, 60)}, "pharm-1"); err != nil {
		t.Fatalf("AddBatch: %v", err)
	}

	partial := adjust(AdjustmentReceived, 40)
	partial.BatchNumber = strPtr("B1")
	_, _, err := e.svc.AdjustStock(ctx, m.ID, partial)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected partial receipt to be rejected, got %v", err)
	}

	returned := adjust(AdjustmentReturned, 100)
	returned.BatchNumber = strPtr("B1")
	_, _, err = e.svc.AdjustStock(ctx, m.ID, returned)
	if !errors.Is(err, ErrBatchNotReceived) {
		t.Fatalf("expected ErrBatchNotReceived for return into pending batch, got %v", err)
	}

	draw := adjust(AdjustmentDispensed, 1)
	draw.BatchNumber = strPtr("B1")
	_, _, err = e.svc.AdjustStock(ctx, m.ID, draw)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError drawing from pending batch, got %v", err)
	}
}

func TestService_AdjustStock_BatchDecrease(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 0, 0)
	ctx := context.Background()
	e.receive(t, m.ID, "B1", 20, testNow.AddDate(0, 3, 0))
	e.receive(t, m.ID, "B2", 20, testNow.AddDate(0, 6, 0))

	in := adjust(AdjustmentDamaged, 25)
	in.BatchNumber = strPtr("B2")
	_, _, err := e.svc.AdjustStock(ctx, m.ID, in)
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected batch-level insufficient stock, got %v", err)
	}

	in.Quantity = 5
	got, _, err := e.svc.AdjustStock(ctx, m.ID, in)
	if err != nil {
		t.Fatalf("AdjustStock: %v", err)
	}
	if got.CurrentStock != 35 {
		t.Errorf("expected stock 35, got %d", got.CurrentStock)
	}
	if got.Batches[0].Quantity != 20 || got.Batches[1].Quantity != 15 {
		t.Errorf("expected only B2 to shrink, got %d/%d", got.Batches[0].Quantity, got.Batches[1].Quantity)
	}

	returned := adjust(AdjustmentReturned, 2)
	returned.BatchNumber = strPtr("B2")
	got, _, _ = e.svc.AdjustStock(ctx, m.ID, returned)
	if got.Batches[1].Quantity != 17 || got.CurrentStock != 37 {
		t.Errorf("expected return into B2, got batch=%d stock=%d", got.Batches[1].Quantity, got.CurrentStock)
	}
}

func TestService_AdjustStock_FEFO(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 10, 0)
	ctx := context.Background()
	e.receive(t, m.ID, "LATE", 30, testNow.AddDate(0, 9, 0))
	e.receive(t, m.ID, "SOON", 20, testNow.AddDate(0, 2, 0))
	if _, err := e.svc.AddBatch(ctx, m.ID, BatchInput{BatchNumber: "PENDING", Quantity: 50, ExpiryDate: testNow.AddDate(0, 1, 0)}, "pharm-1"); err != nil {
		t.Fatalf("AddBatch: %v", err)
	}

	got, _, err := e.svc.AdjustStock(ctx, m.ID, adjust(AdjustmentDispensed, 25))
	if err != nil {
		t.Fatalf("AdjustStock: %v", err)
	}
	qty := map[string]int{}
	for _, b := range got.Batches {
		qty[b.BatchNumber] = b.Quantity
	}
	if qty["SOON"] != 0 || qty["LATE"] != 25 || qty["PENDING"] != 50 {
		t.Errorf("unexpected FEFO draw: %v", qty)
	}

	// LATE holds 25 and 10 are untracked; the remainder of 30 comes from untracked.
	got, _, err = e.svc.AdjustStock(ctx, m.ID, adjust(AdjustmentDispensed, 30))
	if err != nil {
		t.Fatalf("AdjustStock: %v", err)
	}
	if got.CurrentStock != 5 {
		t.Errorf("expected stock 5, got %d", got.CurrentStock)
	}
	r, _ := e.svc.Reconcile(ctx, m.ID)
	if !r.Consistent || r.ReceivedBatches != 0 || r.Untracked != 5 || r.PendingBatches != 50 {
		t.Errorf("unexpected reconciliation: %+v", r)
	}
}

func TestService_ListAdjustments_NewestFirst(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 10, 0)
	ctx := context.Background()
	e.svc.AdjustStock(ctx, m.ID, adjust(AdjustmentDispensed, 1))
	e.svc.AdjustStock(ctx, m.ID, adjust(AdjustmentDispensed, 2))

	items, total, err := e.svc.ListAdjustments(ctx, m.ID, 2, 0)
	if err != nil {
		t.Fatalf("ListAdjustments: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Fatalf("expected 2 of 3, got %d of %d", len(items), total)
	}
	if items[0].Quantity != 2 || items[1].Quantity != 1 {
		t.Errorf("expected newest first, got %d then %d", items[0].Quantity, items[1].Quantity)
	}
}

// -- Optimistic locking --

func TestService_AdjustStock_RetriesVersionConflict(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 10, 0)
	e.store.updateErrs = []error{
		conflict(ErrVersionConflict, "stale"),
		conflict(ErrVersionConflict, "stale"),
	}
	callsBefore := e.tx.calls

	got, _, err := e.svc.AdjustStock(context.Background(), m.ID, adjust(AdjustmentDispensed, 4))
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if got.CurrentStock != 6 {
		t.Errorf("expected stock 6, got %d", got.CurrentStock)
	}
	if e.tx.calls-callsBefore != 3 {
		t.Errorf("expected 3 attempts, got %d", e.tx.calls-callsBefore)
	}
	if ledgerCount(e, m.ID) != 2 {
		t.Errorf("failed attempts must not append to the ledger, got %d entries", ledgerCount(e, m.ID))
	}
}

func TestService_AdjustStock_VersionConflictExhausted(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 10, 0)
	stale := conflict(ErrVersionConflict, "stale")
	e.store.updateErrs = []error{stale, stale, stale}

	_, _, err := e.svc.AdjustStock(context.Background(), m.ID, adjust(AdjustmentDispensed, 4))
	var ce *ConflictError
	if !errors.As(err, &ce) || !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version ConflictError, got %v", err)
	}
	got, _ := e.svc.GetMedication(context.Background(), m.ID)
	if got.CurrentStock != 10 {
		t.Errorf("exhausted retries changed stock to %d", got.CurrentStock)
	}
}

func TestService_AdjustStock_TransientExhausted(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 10, 0)
	down := &TransientError{Err: fmt.Errorf("connection reset")}
	e.store.updateErrs = []error{down, down, down}

	_, _, err := e.svc.AdjustStock(context.Background(), m.ID, adjust(AdjustmentDispensed, 1))
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientError, got %v", err)
	}
	if ledgerCount(e, m.ID) != 1 {
		t.Errorf("transient failure appended to ledger")
	}
}

func TestService_AdjustStock_RetriesCommitSerializationFailure(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 10, 0)
	e.tx.commitErrs = []error{
		fmt.Errorf("commit transaction: %w", &pgconn.PgError{Code: "40001", Message: "could not serialize access"}),
	}
	callsBefore := e.tx.calls

	got, _, err := e.svc.AdjustStock(context.Background(), m.ID, adjust(AdjustmentDispensed, 4))
	if err != nil {
		t.Fatalf("expected success after a failed commit, got %v", err)
	}
	if got.CurrentStock != 6 {
		t.Errorf("expected stock 6, got %d", got.CurrentStock)
	}
	if e.tx.calls-callsBefore != 2 {
		t.Errorf("expected 2 attempts, got %d", e.tx.calls-callsBefore)
	}
	if ledgerCount(e, m.ID) != 2 {
		t.Errorf("a rolled back commit must not leave a ledger entry, got %d entries", ledgerCount(e, m.ID))
	}
}

func TestService_AdjustStock_CommitFailuresExhausted(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 10, 0)
	deadlock := fmt.Errorf("commit transaction: %w", &pgconn.PgError{Code: "40P01"})
	e.tx.commitErrs = []error{deadlock, deadlock, deadlock}

	_, _, err := e.svc.AdjustStock(context.Background(), m.ID, adjust(AdjustmentDispensed, 1))
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientError, got %v", err)
	}
	if got := httpError(err).(*echo.HTTPError).Code; got != http.StatusServiceUnavailable {
		t.Errorf("expected 503 for exhausted commit retries, got %d", got)
	}
	got, _ := e.svc.GetMedication(context.Background(), m.ID)
	if got.CurrentStock != 10 {
		t.Errorf("failed commits changed stock to %d", got.CurrentStock)
	}
}

func TestService_AdjustStock_CommitFailureNotRetryable(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 10, 0)
	e.tx.commitErrs = []error{fmt.Errorf("commit transaction: %w", &pgconn.PgError{Code: "23505"})}
	callsBefore := e.tx.calls

	_, _, err := e.svc.AdjustStock(context.Background(), m.ID, adjust(AdjustmentDispensed, 1))
	var te *TransientError
	if err == nil || errors.As(err, &te) {
		t.Fatalf("expected a plain commit error, got %v", err)
	}
	if e.tx.calls-callsBefore != 1 {
		t.Errorf("non-retryable commit failure retried, got %d attempts", e.tx.calls-callsBefore)
	}
}

func TestService_AdjustStock_BusinessConflictNotRetried(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 1, 0)
	callsBefore := e.tx.calls
	e.svc.AdjustStock(context.Background(), m.ID, adjust(AdjustmentDispensed, 2))
	if e.tx.calls-callsBefore != 1 {
		t.Errorf("insufficient stock must not be retried, got %d attempts", e.tx.calls-callsBefore)
	}
}

func TestService_Write_ContextCancelled(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 10, 0)
	e.svc.SetRetryPolicy(3, time.Hour)
	e.store.updateErrs = []error{conflict(ErrVersionConflict, "stale")}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, _, err := e.svc.AdjustStock(ctx, m.ID, adjust(AdjustmentDispensed, 1))
	var te *TransientError
	if !errors.As(err, &te) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled TransientError, got %v", err)
	}
}

func TestService_AdjustStock_Concurrent(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 100, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 30)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			typ := AdjustmentDispensed
			if i%3 == 0 {
				typ = AdjustmentReturned
			}
			if _, _, err := e.svc.AdjustStock(ctx, m.ID, adjust(typ, 5)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent adjust: %v", err)
	}

	// 10 returns and 20 dispenses of 5 each.
	got, _ := e.svc.GetMedication(ctx, m.ID)
	if got.CurrentStock != 50 {
		t.Errorf("expected stock 50, got %d", got.CurrentStock)
	}
	r, _ := e.svc.Reconcile(ctx, m.ID)
	if !r.Consistent || r.LedgerTotal != 50 {
		t.Errorf("ledger diverged from stock: %+v", r)
	}
}

// -- Alerts --

func TestService_RefreshAndSweepAlerts(t *testing.T) {
	e := newTestEnv()
	ctx := context.Background()
	m := e.createMed(t, 0, 0)
	other := e.createMed(t, 100, 10)
	if _, err := e.svc.AddBatch(ctx, m.ID, BatchInput{BatchNumber: "B1", Quantity: 5, ExpiryDate: testNow.AddDate(0, 0, 10)}, "pharm-1"); err != nil {
		t.Fatalf("AddBatch: %v", err)
	}

	e.clock.Advance(11 * 24 * time.Hour)
	res, err := e.svc.SweepAlerts(ctx)
	if err != nil {
		t.Fatalf("SweepAlerts: %v", err)
	}
	if res.Evaluated != 2 || res.Changed != 1 {
		t.Errorf("expected 2 evaluated 1 changed, got %+v", res)
	}

	e.store.mu.Lock()
	stored := copyMed(e.store.meds[m.ID])
	untouched := copyMed(e.store.meds[other.ID])
	e.store.mu.Unlock()
	if !stored.HasExpired || stored.HasExpiringSoon {
		t.Errorf("expected persisted expired flag, got expired=%v expiring=%v", stored.HasExpired, stored.HasExpiringSoon)
	}
	if untouched.Version != other.Version {
		t.Error("unchanged medication should not be rewritten")
	}

	changed, err := e.svc.RefreshAlerts(ctx, m.ID)
	if err != nil || changed {
		t.Errorf("second refresh should be a no-op, changed=%v err=%v", changed, err)
	}
}

func TestService_SweepAlerts_ContinuesPastFailures(t *testing.T) {
	e := newTestEnv()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		m := e.createMed(t, 0, 0)
		if _, err := e.svc.AddBatch(ctx, m.ID, BatchInput{BatchNumber: fmt.Sprintf("B%d", i), Quantity: 5, ExpiryDate: testNow.AddDate(0, 0, 10)}, "pharm-1"); err != nil {
			t.Fatalf("AddBatch: %v", err)
		}
	}

	e.clock.Advance(11 * 24 * time.Hour)
	e.store.updateErrs = []error{errors.New("disk full")}
	res, err := e.svc.SweepAlerts(ctx)
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected the refresh failure to be reported, got %v", err)
	}
	if res.Evaluated != 2 || res.Failed != 1 || res.Changed != 2 {
		t.Errorf("expected 2 evaluated 1 failed 2 changed, got %+v", res)
	}

	e.store.mu.Lock()
	expired := 0
	for _, m := range e.store.meds {
		if m.HasExpired {
			expired++
		}
	}
	e.store.mu.Unlock()
	if expired != 2 {
		t.Errorf("expected 2 medications flagged expired, got %d", expired)
	}
}

func TestService_AlertSummary(t *testing.T) {
	e := newTestEnv()
	ctx := context.Background()
	low := e.createMed(t, 5, 10)
	stocked := e.createMed(t, 100, 10)
	e.receive(t, stocked.ID, "SOON", 10, testNow.AddDate(0, 0, 7))
	e.receive(t, stocked.ID, "FAR", 10, testNow.AddDate(0, 6, 0))
	if _, _, err := e.svc.ReceiveBatch(ctx, stocked.ID, BatchInput{BatchNumber: "GONE", Quantity: 3, ExpiryDate: testNow.AddDate(0, 0, -2)}, true, AdjustmentInput{PerformedBy: "pharm-1"}); err != nil {
		t.Fatalf("ReceiveBatch: %v", err)
	}

	sum, err := e.svc.AlertSummary(ctx)
	if err != nil {
		t.Fatalf("AlertSummary: %v", err)
	}
	if len(sum.LowStock) != 1 || sum.LowStock[0].ID != low.ID {
		t.Errorf("expected one low-stock medication, got %d", len(sum.LowStock))
	}
	if len(sum.ExpiringSoon) != 1 || sum.ExpiringSoon[0].BatchNumber != "SOON" || sum.ExpiringSoon[0].DaysUntilExpiry != 7 {
		t.Errorf("unexpected expiring list: %+v", sum.ExpiringSoon)
	}
	if len(sum.Expired) != 1 || sum.Expired[0].BatchNumber != "GONE" || sum.Expired[0].DaysUntilExpiry != -2 {
		t.Errorf("unexpected expired list: %+v", sum.Expired)
	}
	if sum.Counts.Total != 3 {
		t.Errorf("expected 3 alerts in total, got %+v", sum.Counts)
	}
}

// -- Scenarios --

func TestScenario_DispenseBelowReorderLevel(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 100, 50)
	if m.HasLowStock {
		t.Fatal("100 units at reorder level 50 should not be low")
	}

	got, _, err := e.svc.AdjustStock(context.Background(), m.ID, adjust(AdjustmentDispensed, 60))
	if err != nil {
		t.Fatalf("AdjustStock: %v", err)
	}
	if got.CurrentStock != 40 {
		t.Errorf("expected stock 40, got %d", got.CurrentStock)
	}
	if !got.HasLowStock {
		t.Error("expected low stock after dispensing to 40")
	}
}

func TestScenario_BatchExpiresWithClock(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 0, 0)
	ctx := context.Background()
	expiry := testNow.AddDate(0, 0, 10)

	got, err := e.svc.AddBatch(ctx, m.ID, BatchInput{BatchNumber: "B1", Quantity: 5, ExpiryDate: expiry}, "pharm-1")
	if err != nil {
		t.Fatalf("AddBatch: %v", err)
	}
	if !got.HasExpiringSoon || got.HasExpired {
		t.Fatalf("expected expiring soon and not expired, got expiring=%v expired=%v", got.HasExpiringSoon, got.HasExpired)
	}

	e.clock.Advance(expiry.Add(24 * time.Hour).Sub(testNow))
	got, err = e.svc.GetMedication(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMedication: %v", err)
	}
	if !got.HasExpired || got.HasExpiringSoon {
		t.Errorf("expected expired and not expiring, got expiring=%v expired=%v", got.HasExpiringSoon, got.HasExpired)
	}
}

func TestScenario_ReceiveNamedBatch(t *testing.T) {
	e := newTestEnv()
	m := e.createMed(t, 12, 0)
	ctx := context.Background()

	if _, err := e.svc.AddBatch(ctx, m.ID, BatchInput{BatchNumber: "B1", Quantity: 100, ExpiryDate: testNow.AddDate(0, 0, 60)}, "pharm-1"); err != nil {
		t.Fatalf("AddBatch: %v", err)
	}
	entriesBefore := ledgerCount(e, m.ID)

	in := adjust(AdjustmentReceived, 100)
	in.BatchNumber = strPtr("B1")
	got, adj, err := e.svc.AdjustStock(ctx, m.ID, in)
	if err != nil {
		t.Fatalf("AdjustStock: %v", err)
	}
	if got.CurrentStock != 112 {
		t.Errorf("expected stock to rise by exactly 100 to 112, got %d", got.CurrentStock)
	}
	if ledgerCount(e, m.ID) != entriesBefore+1 {
		t.Errorf("expected one new ledger entry, got %d", ledgerCount(e, m.ID)-entriesBefore)
	}
	if adj.AdjustmentType != AdjustmentReceived {
		t.Errorf("expected received entry, got %s", adj.AdjustmentType)
	}
	if got.Batches[0].Quantity != 100 || !got.Batches[0].Received() {
		t.Errorf("expected B1 received with 100 units, got %+v", got.Batches[0])
	}
}

func TestOnPosted_CalledOncePerCommittedEntry(t *testing.T) {
	e := newTestEnv()
	var posted []AdjustmentType
	e.svc.OnPosted(func(clinic string, a *StockAdjustment) {
		posted = append(posted, a.AdjustmentType)
	})
	ctx := context.Background()

	m := e.createMed(t, 10, 0)
	if _, _, err := e.svc.AdjustStock(ctx, m.ID, adjust(AdjustmentDispensed, 4)); err != nil {
		t.Fatalf("AdjustStock: %v", err)
	}
	if _, _, err := e.svc.AdjustStock(ctx, m.ID, adjust(AdjustmentDispensed, 100)); err == nil {
		t.Fatal("expected overdraw to fail")
	}

	want := []AdjustmentType{AdjustmentReceived, AdjustmentDispensed}
	if len(posted) != len(want) {
		t.Fatalf("posted %v, want %v", posted, want)
	}
	for i := range want {
		if posted[i] != want[i] {
			t.Errorf("posted[%d] = %s, want %s", i, posted[i], want[i])
		}
	}
}
