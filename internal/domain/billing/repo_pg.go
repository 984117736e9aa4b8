package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/platform/db"
)

const openStatuses = `('open', 'pending', 'unpaid')`

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// =========== Account Repository ===========

type accountRepoPG struct {
	pool *pgxpool.Pool
	caps Capabilities
}

func NewAccountRepoPG(pool *pgxpool.Pool, caps Capabilities) AccountRepository {
	return &accountRepoPG{pool: pool, caps: caps}
}

func (r *accountRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *accountRepoPG) cols() string {
	status := "'Open'"
	if r.caps.AccountStatus {
		status = "a.status"
	}
	createdBy := "NULL::bigint"
	if r.caps.AccountCreatedBy {
		createdBy = "a.created_by"
	}
	return "a.billing_id, a.patient_id, a.admission_id, " + status + ", a.created_at, " + createdBy
}

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	var status string
	if err := row.Scan(&a.BillingID, &a.PatientID, &a.AdmissionID, &status, &a.CreatedAt, &a.CreatedBy); err != nil {
		return nil, err
	}
	a.Status = normalizeStatus(status)
	return &a, nil
}

func (r *accountRepoPG) FindOpen(ctx context.Context, patientID int64, admissionID *int64) (*Account, error) {
	q := `SELECT ` + r.cols() + ` FROM billing_accounts a
		WHERE a.patient_id = $1 AND a.admission_id IS NOT DISTINCT FROM $2::bigint`
	if r.caps.AccountStatus {
		q += ` AND lower(a.status) IN ` + openStatuses
	}
	q += ` ORDER BY a.billing_id LIMIT 1`
	a, err := scanAccount(r.conn(ctx).QueryRow(ctx, q, patientID, admissionID))
	if err != nil {
		return nil, notFound(err, "open billing account")
	}
	return a, nil
}

func (r *accountRepoPG) InsertOpen(ctx context.Context, patientID int64, admissionID, createdBy *int64) (int64, error) {
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("billing_accounts")
	cols := []string{"patient_id", "admission_id"}
	vals := []interface{}{patientID, admissionID}
	if r.caps.AccountStatus {
		cols = append(cols, "status")
		vals = append(vals, string(StatusOpen))
	}
	if r.caps.AccountCreatedBy {
		cols = append(cols, "created_by")
		vals = append(vals, createdBy)
	}
	ib.Cols(cols...).Values(vals...)
	ib.SQL("ON CONFLICT DO NOTHING RETURNING billing_id")
	sql, args := ib.Build()

	var id int64
	err := r.conn(ctx).QueryRow(ctx, sql, args...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (r *accountRepoPG) GetByID(ctx context.Context, billingID int64) (*Account, error) {
	a, err := scanAccount(r.conn(ctx).QueryRow(ctx,
		`SELECT `+r.cols()+` FROM billing_accounts a WHERE a.billing_id = $1`, billingID))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("billing account %d", billingID))
	}
	return a, nil
}

func (r *accountRepoPG) LockByID(ctx context.Context, billingID int64) (*Account, error) {
	a, err := scanAccount(r.conn(ctx).QueryRow(ctx,
		`SELECT `+r.cols()+` FROM billing_accounts a WHERE a.billing_id = $1 FOR UPDATE`, billingID))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("billing account %d", billingID))
	}
	return a, nil
}

func (r *accountRepoPG) UpdateStatus(ctx context.Context, billingID int64, status AccountStatus) (int64, error) {
	if !r.caps.AccountStatus {
		return 0, fmt.Errorf("billing_accounts.status: %w", ErrSchemaUnsupported)
	}
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE billing_accounts SET status = $2 WHERE billing_id = $1`, billingID, string(status))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return 0, ErrOpenAccountExists
		}
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *accountRepoPG) Delete(ctx context.Context, billingID int64) error {
	// Older schemas lack ON DELETE CASCADE on billing_items.
	if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM billing_items WHERE billing_id = $1`, billingID); err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM billing_accounts WHERE billing_id = $1`, billingID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("billing account %d: %w", billingID, ErrNotFound)
	}
	return nil
}

func (r *accountRepoPG) discountExpr() string {
	switch {
	case r.caps.ItemDiscountAmount:
		return "i.insurance_discount_amount"
	case r.caps.ItemDiscountPercentage:
		return "ROUND(i.total_price * i.insurance_discount_percentage / 100, 2)"
	}
	return "0"
}

func (r *accountRepoPG) applyFilter(sb *sqlbuilder.SelectBuilder, f AccountFilter) {
	if f.PatientID != nil {
		sb.Where(sb.Equal("a.patient_id", *f.PatientID))
	}
	if f.Status != nil {
		switch {
		case !r.caps.AccountStatus && *f.Status != StatusOpen:
			sb.Where("FALSE")
		case !r.caps.AccountStatus:
		case *f.Status == StatusOpen:
			sb.Where("lower(a.status) IN " + openStatuses)
		default:
			sb.Where(sb.Equal("lower(a.status)", "paid"))
		}
	}
	if f.From != nil {
		sb.Where(sb.GreaterEqualThan("a.created_at", *f.From))
	}
	if f.To != nil {
		sb.Where(sb.LessThan("a.created_at", *f.To))
	}
}

// List returns accounts that carry at least one item, newest first.
func (r *accountRepoPG) List(ctx context.Context, f AccountFilter, limit, offset int) ([]*AccountSummary, int, error) {
	cb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	cb.Select("COUNT(*)").From("billing_accounts a")
	cb.Where("EXISTS (SELECT 1 FROM billing_items i WHERE i.billing_id = a.billing_id)")
	r.applyFilter(cb, f)
	countSQL, countArgs := cb.Build()

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	names := "NULL::text, NULL::text"
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	if r.caps.PatientNames {
		names = "p.first_name, p.last_name"
	}
	sb.Select(
		r.cols(),
		names,
		"COUNT(i.item_id)",
		"COALESCE(SUM(i.total_price), 0)",
		"COALESCE(SUM("+r.discountExpr()+"), 0)",
	).From("billing_accounts a")
	sb.Join("billing_items i", "i.billing_id = a.billing_id")
	groupBy := []string{"a.billing_id"}
	if r.caps.PatientNames {
		sb.JoinWithOption(sqlbuilder.LeftJoin, "patients p", "p.patient_id = a.patient_id")
		groupBy = append(groupBy, "p.first_name", "p.last_name")
	}
	r.applyFilter(sb, f)
	sb.GroupBy(groupBy...)
	sb.OrderBy("a.created_at DESC", "a.billing_id DESC")
	sb.Limit(limit).Offset(offset)
	sql, args := sb.Build()

	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*AccountSummary
	for rows.Next() {
		var s AccountSummary
		var status string
		info := PatientInfo{}
		if err := rows.Scan(&s.BillingID, &s.PatientID, &s.AdmissionID, &status, &s.CreatedAt, &s.CreatedBy,
			&info.FirstName, &info.LastName,
			&s.ItemCount, &s.GrossTotal, &s.InsuranceDiscountTotal); err != nil {
			return nil, 0, err
		}
		s.Status = normalizeStatus(status)
		info.PatientID = s.PatientID
		s.PatientName = info.DisplayName()
		s.NetTotal = s.GrossTotal.Sub(s.InsuranceDiscountTotal)
		s.TotalAmount = s.NetTotal
		out = append(out, &s)
	}
	return out, total, rows.Err()
}

func (r *accountRepoPG) PatientInfo(ctx context.Context, patientID int64) (*PatientInfo, error) {
	names := "NULL::text, NULL::text"
	if r.caps.PatientNames {
		names = "p.first_name, p.last_name"
	}
	ptype := "NULL::text"
	if r.caps.PatientType {
		ptype = "p.patient_type"
	}
	admitted := "FALSE"
	if r.caps.Admissions {
		admitted = `EXISTS (SELECT 1 FROM admissions ad
			WHERE ad.patient_id = p.patient_id AND ad.discharge_date IS NULL)`
	}
	var p PatientInfo
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT p.patient_id, `+names+`, `+ptype+`, `+admitted+` FROM patients p WHERE p.patient_id = $1`,
		patientID).Scan(&p.PatientID, &p.FirstName, &p.LastName, &p.PatientType, &p.HasActiveAdmission)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("patient %d", patientID))
	}
	return &p, nil
}

func (r *accountRepoPG) AdmissionSummary(ctx context.Context, admissionID int64) (*AdmissionSummary, error) {
	if !r.caps.Admissions {
		return nil, fmt.Errorf("admissions: %w", ErrSchemaUnsupported)
	}
	doctor, join := "NULL::text", ""
	if r.caps.AdmittingDoctor {
		doctor = "NULLIF(TRIM(CONCAT_WS(' ', s.first_name, s.last_name)), '')"
		join = " LEFT JOIN staff s ON s.staff_id = ad.admitting_doctor_id"
	}
	var a AdmissionSummary
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT ad.admission_id, ad.admission_date, ad.admission_type, ad.diagnosis, `+doctor+`, ad.discharge_date
		FROM admissions ad`+join+` WHERE ad.admission_id = $1`, admissionID).
		Scan(&a.AdmissionID, &a.AdmissionDate, &a.AdmissionType, &a.Diagnosis, &a.AdmittingDoctor, &a.DischargeDate)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("admission %d", admissionID))
	}
	return &a, nil
}

// =========== Item Repository ===========

type itemRepoPG struct {
	pool *pgxpool.Pool
	caps Capabilities
}

func NewItemRepoPG(pool *pgxpool.Pool, caps Capabilities) ItemRepository {
	return &itemRepoPG{pool: pool, caps: caps}
}

func (r *itemRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *itemRepoPG) cols() string {
	pct := "0::numeric"
	if r.caps.ItemDiscountPercentage {
		pct = "i.insurance_discount_percentage"
	}
	amount := "NULL::numeric"
	if r.caps.ItemDiscountAmount {
		amount = "i.insurance_discount_amount"
	}
	createdBy := "NULL::bigint"
	if r.caps.ItemCreatedBy {
		createdBy = "i.created_by"
	}
	return `i.item_id, i.billing_id, i.patient_id, i.description, i.quantity, i.unit_price, i.total_price, ` +
		pct + `, ` + amount + `, i.final_amount,
		i.appointment_id, i.prescription_id, i.lab_order_id, i.room_assignment_id, i.created_at, ` + createdBy
}

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	var amount, final decimal.NullDecimal
	err := row.Scan(&it.ItemID, &it.BillingID, &it.PatientID, &it.Description, &it.Quantity,
		&it.UnitPrice, &it.LineTotal, &it.DiscountPercentage, &amount, &final,
		&it.AppointmentID, &it.PrescriptionID, &it.LabOrderID, &it.RoomAssignmentID,
		&it.CreatedAt, &it.CreatedBy)
	if err != nil {
		return nil, err
	}
	it.deriveAmounts(amount, final)
	return &it, nil
}

func (r *itemRepoPG) FindBySource(ctx context.Context, billingID int64, ref SourceRef) (*Item, error) {
	col := ref.Kind.Column()
	if col == "" {
		return nil, fmt.Errorf("manual items have no source: %w", ErrNotFound)
	}
	it, err := scanItem(r.conn(ctx).QueryRow(ctx,
		`SELECT `+r.cols()+` FROM billing_items i
		WHERE i.billing_id = $1 AND i.`+col+` = $2 ORDER BY i.item_id LIMIT 1`, billingID, ref.ID))
	if err != nil {
		return nil, notFound(err, ref.String())
	}
	return it, nil
}

func (r *itemRepoPG) FindAnyBySource(ctx context.Context, ref SourceRef) (*Item, error) {
	col := ref.Kind.Column()
	if col == "" {
		return nil, fmt.Errorf("manual items have no source: %w", ErrNotFound)
	}
	it, err := scanItem(r.conn(ctx).QueryRow(ctx,
		`SELECT `+r.cols()+` FROM billing_items i WHERE i.`+col+` = $1 ORDER BY i.item_id LIMIT 1`, ref.ID))
	if err != nil {
		return nil, notFound(err, ref.String())
	}
	return it, nil
}

func (r *itemRepoPG) Insert(ctx context.Context, it *Item) (bool, error) {
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("billing_items")
	cols := []string{"billing_id", "patient_id", "description", "quantity", "unit_price", "total_price", "final_amount"}
	vals := []interface{}{it.BillingID, it.PatientID, it.Description, it.Quantity, it.UnitPrice, it.LineTotal, it.FinalAmount}
	if r.caps.ItemDiscountPercentage {
		cols = append(cols, "insurance_discount_percentage")
		vals = append(vals, it.DiscountPercentage)
	}
	if r.caps.ItemDiscountAmount {
		cols = append(cols, "insurance_discount_amount")
		vals = append(vals, it.DiscountAmount)
	}
	if ref := it.Source(); ref.Kind != SourceManual {
		cols = append(cols, ref.Kind.Column())
		vals = append(vals, ref.ID)
	}
	if r.caps.ItemCreatedBy {
		cols = append(cols, "created_by")
		vals = append(vals, it.CreatedBy)
	}
	ib.Cols(cols...).Values(vals...)
	ib.SQL("ON CONFLICT DO NOTHING RETURNING item_id, created_at")
	sql, args := ib.Build()

	err := r.conn(ctx).QueryRow(ctx, sql, args...).Scan(&it.ItemID, &it.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *itemRepoPG) ListByAccount(ctx context.Context, billingID int64) ([]*Item, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+r.cols()+` FROM billing_items i WHERE i.billing_id = $1 ORDER BY i.item_id`, billingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *itemRepoPG) LabOrderIDs(ctx context.Context, billingID int64) ([]int64, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT DISTINCT lab_order_id FROM billing_items
		WHERE billing_id = $1 AND lab_order_id IS NOT NULL ORDER BY lab_order_id`, billingID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// =========== Source Repository ===========

type sourceRepoPG struct {
	pool *pgxpool.Pool
	caps Capabilities
}

func NewSourceRepoPG(pool *pgxpool.Pool, caps Capabilities) SourceRepository {
	return &sourceRepoPG{pool: pool, caps: caps}
}

func (r *sourceRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *sourceRepoPG) Appointment(ctx context.Context, id int64) (*AppointmentSource, error) {
	var a AppointmentSource
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT appointment_id, patient_id, COALESCE(appointment_type, ''), scheduled_at
		FROM appointments WHERE appointment_id = $1`, id).
		Scan(&a.AppointmentID, &a.PatientID, &a.AppointmentType, &a.ScheduledAt)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("appointment %d", id))
	}
	return &a, nil
}

func (r *sourceRepoPG) Prescription(ctx context.Context, id int64) (*PrescriptionSource, error) {
	var p PrescriptionSource
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT prescription_id, patient_id, admission_id, medication_name, dosage, COALESCE(quantity, 1)
		FROM prescriptions WHERE prescription_id = $1`, id).
		Scan(&p.PrescriptionID, &p.PatientID, &p.AdmissionID, &p.MedicationName, &p.Dosage, &p.Quantity)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("prescription %d", id))
	}
	return &p, nil
}

func (r *sourceRepoPG) LabOrder(ctx context.Context, id int64) (*LabOrderSource, error) {
	if !r.caps.LabOrders {
		return nil, fmt.Errorf("lab_orders: %w", ErrSchemaUnsupported)
	}
	var l LabOrderSource
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT o.lab_order_id, o.patient_id, o.admission_id, COALESCE(t.test_name, 'Lab test'), o.status, t.price
		FROM lab_orders o LEFT JOIN lab_tests t ON t.lab_test_id = o.lab_test_id
		WHERE o.lab_order_id = $1`, id).
		Scan(&l.LabOrderID, &l.PatientID, &l.AdmissionID, &l.TestName, &l.Status, &l.Price)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("lab order %d", id))
	}
	return &l, nil
}

func (r *sourceRepoPG) RoomAssignment(ctx context.Context, id int64) (*RoomAssignmentSource, error) {
	var ra RoomAssignmentSource
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT ra.room_assignment_id, ra.admission_id, ad.patient_id,
			COALESCE(rm.room_number, ''), COALESCE(rt.name, ''),
			ra.start_date, ra.end_date, ra.daily_rate, rt.base_rate
		FROM room_assignments ra
		LEFT JOIN admissions ad ON ad.admission_id = ra.admission_id
		LEFT JOIN rooms rm ON rm.room_id = ra.room_id
		LEFT JOIN room_types rt ON rt.room_type_id = rm.room_type_id
		WHERE ra.room_assignment_id = $1`, id).
		Scan(&ra.RoomAssignmentID, &ra.AdmissionID, &ra.PatientID, &ra.RoomNumber, &ra.RoomType,
			&ra.StartDate, &ra.EndDate, &ra.DailyRate, &ra.BaseRate)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("room assignment %d", id))
	}
	return &ra, nil
}

func (r *sourceRepoPG) LabOrderDetails(ctx context.Context, ids []int64) (map[int64]LabOrderDetail, error) {
	out := make(map[int64]LabOrderDetail, len(ids))
	if len(ids) == 0 || !r.caps.LabOrders {
		return out, nil
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT o.lab_order_id, COALESCE(t.test_name, ''), o.status
		FROM lab_orders o LEFT JOIN lab_tests t ON t.lab_test_id = o.lab_test_id
		WHERE o.lab_order_id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var d LabOrderDetail
		if err := rows.Scan(&d.LabOrderID, &d.TestName, &d.Status); err != nil {
			return nil, err
		}
		out[d.LabOrderID] = d
	}
	return out, rows.Err()
}

func (r *sourceRepoPG) AdvanceLabOrder(ctx context.Context, id int64, from, to string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE lab_orders SET status = $3 WHERE lab_order_id = $1 AND lower(status) = lower($2)`, id, from, to)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// =========== Coverage Repository ===========

type coverageRepoPG struct {
	pool *pgxpool.Pool
	caps Capabilities
}

func NewCoverageRepoPG(pool *pgxpool.Pool, caps Capabilities) CoverageRepository {
	return &coverageRepoPG{pool: pool, caps: caps}
}

func (r *coverageRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *coverageRepoPG) ListCoverage(ctx context.Context, patientID int64) ([]*Coverage, error) {
	status := "NULL::text"
	if r.caps.CoverageStatus {
		status = "status"
	}
	start, end := "NULL::date", "NULL::date"
	if s, e := r.caps.CoverageWindow.Columns(); s != "" {
		start, end = s, e
	}
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("provider_name", status, start, end).From("patient_insurance")
	sb.Where(sb.Equal("patient_id", patientID))
	if r.caps.CoverageOrderBy != "" {
		sb.OrderBy(r.caps.CoverageOrderBy + " DESC NULLS LAST")
	}
	sql, args := sb.Build()

	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Coverage
	for rows.Next() {
		var c Coverage
		if err := rows.Scan(&c.Provider, &c.Status, &c.StartDate, &c.EndDate); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (r *coverageRepoPG) ConfiguredRate(ctx context.Context, provider string, day time.Time) (decimal.Decimal, bool, error) {
	var pct decimal.Decimal
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT discount_percentage FROM insurance_discount_rates
		WHERE lower(provider_name) = lower($1) AND is_active
			AND effective_date <= $2 AND (expiry_date IS NULL OR expiry_date >= $2)
		ORDER BY effective_date DESC LIMIT 1`, provider, day).Scan(&pct)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return pct, true, nil
}
