package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// -- In-memory store --

// memStore backs every billing repository with maps and enforces the same
// uniqueness rules as the SQL schema.
type memStore struct {
	mu sync.Mutex

	accounts map[int64]*Account
	items    map[int64]*Item
	nextAcct int64
	nextItem int64

	patients      map[int64]*PatientInfo
	admissions    map[int64]*AdmissionSummary
	appointments  map[int64]*AppointmentSource
	prescriptions map[int64]*PrescriptionSource
	labOrders     map[int64]*LabOrderSource
	roomAssigns   map[int64]*RoomAssignmentSource
	coverages     map[int64][]*Coverage
	rates         map[string]decimal.Decimal
	coverageErr   error
	advanceErr    map[int64]error
	// racer is committed just before the next insert, which then conflicts.
	racer *Item
}

func newMemStore() *memStore {
	return &memStore{
		accounts:      make(map[int64]*Account),
		items:         make(map[int64]*Item),
		patients:      make(map[int64]*PatientInfo),
		admissions:    make(map[int64]*AdmissionSummary),
		appointments:  make(map[int64]*AppointmentSource),
		prescriptions: make(map[int64]*PrescriptionSource),
		labOrders:     make(map[int64]*LabOrderSource),
		roomAssigns:   make(map[int64]*RoomAssignmentSource),
		coverages:     make(map[int64][]*Coverage),
		rates:         make(map[string]decimal.Decimal),
		advanceErr:    make(map[int64]error),
	}
}

func sameScope(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Transactor

// memTx mirrors a Postgres transaction closely enough that a failed query
// poisons every later statement in it.
type memTx struct{ aborted bool }

type memTxKey struct{}

var errTxAborted = errors.New("current transaction is aborted, commands ignored until end of transaction block")

func (m *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}
	return fn(context.WithValue(ctx, memTxKey{}, &memTx{}))
}

// fail marks the transaction bound to ctx as aborted and returns err.
func fail(ctx context.Context, err error) error {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		tx.aborted = true
	}
	return err
}

func aborted(ctx context.Context) bool {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	return ok && tx.aborted
}

// AccountRepository

func (m *memStore) FindOpen(_ context.Context, patientID int64, admissionID *int64) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, a := range m.accounts {
		if a.PatientID == patientID && sameScope(a.AdmissionID, admissionID) && a.Status == StatusOpen {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	cp := *m.accounts[ids[0]]
	return &cp, nil
}

func (m *memStore) InsertOpen(_ context.Context, patientID int64, admissionID, createdBy *int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.PatientID == patientID && sameScope(a.AdmissionID, admissionID) && a.Status == StatusOpen {
			return 0, nil
		}
	}
	m.nextAcct++
	m.accounts[m.nextAcct] = &Account{
		BillingID:   m.nextAcct,
		PatientID:   patientID,
		AdmissionID: admissionID,
		Status:      StatusOpen,
		CreatedAt:   time.Now(),
		CreatedBy:   createdBy,
	}
	return m.nextAcct, nil
}

func (m *memStore) GetByID(_ context.Context, billingID int64) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[billingID]
	if !ok {
		return nil, fmt.Errorf("billing account %d: %w", billingID, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) LockByID(ctx context.Context, billingID int64) (*Account, error) {
	return m.GetByID(ctx, billingID)
}

func (m *memStore) UpdateStatus(_ context.Context, billingID int64, status AccountStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[billingID]
	if !ok {
		return 0, nil
	}
	if status == StatusOpen {
		for _, o := range m.accounts {
			if o.BillingID != billingID && o.PatientID == a.PatientID && sameScope(o.AdmissionID, a.AdmissionID) && o.Status == StatusOpen {
				return 0, ErrOpenAccountExists
			}
		}
	}
	a.Status = status
	return 1, nil
}

func (m *memStore) Delete(_ context.Context, billingID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[billingID]; !ok {
		return fmt.Errorf("billing account %d: %w", billingID, ErrNotFound)
	}
	delete(m.accounts, billingID)
	for id, it := range m.items {
		if it.BillingID == billingID {
			delete(m.items, id)
		}
	}
	return nil
}

func (m *memStore) List(ctx context.Context, f AccountFilter, limit, offset int) ([]*AccountSummary, int, error) {
	m.mu.Lock()
	var out []*AccountSummary
	for _, a := range m.accounts {
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		var items []*Item
		for _, it := range m.items {
			if it.BillingID == a.BillingID {
				items = append(items, it)
			}
		}
		if len(items) == 0 {
			continue
		}
		info := PatientInfo{PatientID: a.PatientID}
		if p, ok := m.patients[a.PatientID]; ok {
			info = *p
		}
		out = append(out, &AccountSummary{Account: *a, PatientName: info.DisplayName(), Totals: Summarize(items)})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].BillingID > out[j].BillingID })
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *memStore) PatientInfo(_ context.Context, patientID int64) (*PatientInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[patientID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) AdmissionSummary(_ context.Context, admissionID int64) (*AdmissionSummary, error) {
	a, ok := m.admissions[admissionID]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

// ItemRepository

func (m *memStore) FindBySource(_ context.Context, billingID int64, ref SourceRef) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.sortedItems() {
		if it.BillingID == billingID && it.Source() == ref {
			return it, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) FindAnyBySource(_ context.Context, ref SourceRef) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.sortedItems() {
		if ref.Kind != SourceManual && it.Source() == ref {
			return it, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) Insert(ctx context.Context, it *Item) (bool, error) {
	if aborted(ctx) {
		return false, errTxAborted
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.racer != nil {
		m.nextItem++
		m.racer.ItemID = m.nextItem
		m.items[m.nextItem] = m.racer
		m.racer = nil
		return false, nil
	}
	ref := it.Source()
	for _, o := range m.items {
		if ref.Kind == SourceManual {
			break
		}
		if o.BillingID == it.BillingID && o.Source() == ref {
			return false, nil
		}
		if ref.Kind == SourceLabOrder && o.LabOrderID != nil && *o.LabOrderID == ref.ID {
			return false, nil
		}
	}
	m.nextItem++
	it.ItemID = m.nextItem
	it.CreatedAt = time.Now()
	cp := *it
	m.items[it.ItemID] = &cp
	return true, nil
}

func (m *memStore) sortedItems() []*Item {
	out := make([]*Item, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

func (m *memStore) ListByAccount(_ context.Context, billingID int64) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Item
	for _, it := range m.sortedItems() {
		if it.BillingID == billingID {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) LabOrderIDs(_ context.Context, billingID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for _, it := range m.sortedItems() {
		if it.BillingID == billingID && it.LabOrderID != nil {
			out = append(out, *it.LabOrderID)
		}
	}
	return out, nil
}

func (m *memStore) itemCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// SourceRepository

func (m *memStore) Appointment(_ context.Context, id int64) (*AppointmentSource, error) {
	a, ok := m.appointments[id]
	if !ok {
		return nil, fmt.Errorf("appointment %d: %w", id, ErrNotFound)
	}
	return a, nil
}

func (m *memStore) Prescription(_ context.Context, id int64) (*PrescriptionSource, error) {
	p, ok := m.prescriptions[id]
	if !ok {
		return nil, fmt.Errorf("prescription %d: %w", id, ErrNotFound)
	}
	return p, nil
}

func (m *memStore) LabOrder(_ context.Context, id int64) (*LabOrderSource, error) {
	l, ok := m.labOrders[id]
	if !ok {
		return nil, fmt.Errorf("lab order %d: %w", id, ErrNotFound)
	}
	return l, nil
}

func (m *memStore) RoomAssignment(_ context.Context, id int64) (*RoomAssignmentSource, error) {
	r, ok := m.roomAssigns[id]
	if !ok {
		return nil, fmt.Errorf("room assignment %d: %w", id, ErrNotFound)
	}
	return r, nil
}

func (m *memStore) LabOrderDetails(_ context.Context, ids []int64) (map[int64]LabOrderDetail, error) {
	out := make(map[int64]LabOrderDetail)
	for _, id := range ids {
		if l, ok := m.labOrders[id]; ok {
			out[id] = LabOrderDetail{LabOrderID: id, TestName: l.TestName, Status: l.Status}
		}
	}
	return out, nil
}

func (m *memStore) AdvanceLabOrder(_ context.Context, id int64, from, to string) (bool, error) {
	if err := m.advanceErr[id]; err != nil {
		return false, err
	}
	l, ok := m.labOrders[id]
	if !ok || l.Status != from {
		return false, nil
	}
	l.Status = to
	return true, nil
}

// CoverageRepository

func (m *memStore) ListCoverage(ctx context.Context, patientID int64) ([]*Coverage, error) {
	if m.coverageErr != nil {
		return nil, fail(ctx, m.coverageErr)
	}
	return m.coverages[patientID], nil
}

func (m *memStore) ConfiguredRate(_ context.Context, provider string, _ time.Time) (decimal.Decimal, bool, error) {
	pct, ok := m.rates[provider]
	return pct, ok, nil
}

// -- Fixtures --

var errStoreDown = errors.New("connection refused")

var testToday = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

func int64Ptr(v int64) *int64 { return &v }

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func newTestService() (*Service, *memStore) {
	store := newMemStore()
	svc := NewService(store, store, store, store, store, FullCapabilities())
	svc.SetClock(func() time.Time { return testToday })
	return svc, store
}

// withActiveCoverage gives a patient an active coverage with provider.
func (m *memStore) withActiveCoverage(patientID int64, provider string) {
	m.coverages[patientID] = append(m.coverages[patientID], &Coverage{
		Provider:  provider,
		Status:    strPtr("Active"),
		StartDate: timePtr(testToday.AddDate(-1, 0, 0)),
		EndDate:   timePtr(testToday.AddDate(1, 0, 0)),
	})
}

func nullDec(s string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: dec(s), Valid: true}
}
