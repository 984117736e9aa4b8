package clinical

import (
	"context"
	"errors"
	"fmt"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/hms/internal/platform/db"
)

func notFound(err error, what string, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return err
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct {
	pool *pgxpool.Pool
}

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const apptCols = `appointment_id, patient_id, doctor_id, appointment_type, scheduled_at, status, notes, created_at, created_by`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status string
	if err := row.Scan(&a.AppointmentID, &a.PatientID, &a.DoctorID, &a.AppointmentType,
		&a.ScheduledAt, &status, &a.Notes, &a.CreatedAt, &a.CreatedBy); err != nil {
		return nil, err
	}
	a.Status = AppointmentStatus(status)
	if st, ok := ParseAppointmentStatus(status); ok {
		a.Status = st
	}
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (patient_id, doctor_id, appointment_type, scheduled_at, status, notes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING appointment_id, created_at`,
		a.PatientID, a.DoctorID, a.AppointmentType, a.ScheduledAt, string(a.Status), a.Notes, a.CreatedBy,
	).Scan(&a.AppointmentID, &a.CreatedAt)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id int64) (*Appointment, error) {
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+apptCols+` FROM appointments WHERE appointment_id = $1`, id))
	if err != nil {
		return nil, notFound(err, "appointment", id)
	}
	return a, nil
}

func (r *appointmentRepoPG) UpdateStatus(ctx context.Context, id int64, status AppointmentStatus) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE appointments SET status = $2 WHERE appointment_id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("appointment %d: %w", id, ErrNotFound)
	}
	return nil
}

func applyAppointmentFilter(sb *sqlbuilder.SelectBuilder, f AppointmentFilter) {
	if f.PatientID != nil {
		sb.Where(sb.Equal("patient_id", *f.PatientID))
	}
	if f.DoctorID != nil {
		sb.Where(sb.Equal("doctor_id", *f.DoctorID))
	}
	if f.Status != nil {
		sb.Where(sb.Equal("lower(status)", string(*f.Status)))
	}
	if f.From != nil {
		sb.Where(sb.GreaterEqualThan("scheduled_at", *f.From))
	}
	if f.To != nil {
		sb.Where(sb.LessThan("scheduled_at", *f.To))
	}
}

func (r *appointmentRepoPG) List(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	cb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	cb.Select("COUNT(*)").From("appointments")
	applyAppointmentFilter(cb, f)
	countSQL, countArgs := cb.Build()

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(apptCols).From("appointments")
	applyAppointmentFilter(sb, f)
	sb.OrderBy("scheduled_at DESC", "appointment_id DESC")
	sb.Limit(limit).Offset(offset)
	sql, args := sb.Build()

	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// =========== Prescription Repository ===========

type prescriptionRepoPG struct {
	pool *pgxpool.Pool
}

func NewPrescriptionRepoPG(pool *pgxpool.Pool) PrescriptionRepository {
	return &prescriptionRepoPG{pool: pool}
}

func (r *prescriptionRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *prescriptionRepoPG) GetByID(ctx context.Context, id int64) (*Prescription, error) {
	var p Prescription
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT prescription_id, patient_id, admission_id, medication_name, dosage, quantity,
			lower(status), dispensed_at, dispensed_by
		FROM prescriptions WHERE prescription_id = $1`, id,
	).Scan(&p.PrescriptionID, &p.PatientID, &p.AdmissionID, &p.MedicationName, &p.Dosage, &p.Quantity,
		&p.Status, &p.DispensedAt, &p.DispensedBy)
	if err != nil {
		return nil, notFound(err, "prescription", id)
	}
	return &p, nil
}

func (r *prescriptionRepoPG) MarkDispensed(ctx context.Context, id int64, at time.Time, by *int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE prescriptions SET status = $2, dispensed_at = $3, dispensed_by = $4
		WHERE prescription_id = $1`, id, PrescriptionDispensed, at, by)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("prescription %d: %w", id, ErrNotFound)
	}
	return nil
}

// =========== Lab Order Repository ===========

type labOrderRepoPG struct {
	pool *pgxpool.Pool
}

func NewLabOrderRepoPG(pool *pgxpool.Pool) LabOrderRepository {
	return &labOrderRepoPG{pool: pool}
}

func (r *labOrderRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *labOrderRepoPG) GetByID(ctx context.Context, id int64) (*LabOrder, error) {
	var l LabOrder
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT lo.lab_order_id, lo.patient_id, lo.admission_id, lo.lab_test_id, COALESCE(lt.test_name, ''),
			lower(lo.status), lo.ordered_at, lo.completed_at
		FROM lab_orders lo
		LEFT JOIN lab_tests lt ON lt.lab_test_id = lo.lab_test_id
		WHERE lo.lab_order_id = $1`, id,
	).Scan(&l.LabOrderID, &l.PatientID, &l.AdmissionID, &l.LabTestID, &l.TestName,
		&l.Status, &l.OrderedAt, &l.CompletedAt)
	if err != nil {
		return nil, notFound(err, "lab order", id)
	}
	return &l, nil
}

func (r *labOrderRepoPG) MarkCompleted(ctx context.Context, id int64, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE lab_orders SET status = $2, completed_at = $3 WHERE lab_order_id = $1`,
		id, LabCompleted, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lab order %d: %w", id, ErrNotFound)
	}
	return nil
}

// =========== Inpatient Repository ===========

type inpatientRepoPG struct {
	pool *pgxpool.Pool
}

func NewInpatientRepoPG(pool *pgxpool.Pool) InpatientRepository {
	return &inpatientRepoPG{pool: pool}
}

func (r *inpatientRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *inpatientRepoPG) GetAdmission(ctx context.Context, id int64) (*Admission, error) {
	var a Admission
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT admission_id, patient_id, status, discharge_date
		FROM admissions WHERE admission_id = $1`, id,
	).Scan(&a.AdmissionID, &a.PatientID, &a.Status, &a.DischargeDate)
	if err != nil {
		return nil, notFound(err, "admission", id)
	}
	return &a, nil
}

func (r *inpatientRepoPG) GetRoom(ctx context.Context, id int64) (*Room, error) {
	var rm Room
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT r.room_id, r.room_number, COALESCE(rt.name, ''), rt.base_rate
		FROM rooms r
		LEFT JOIN room_types rt ON rt.room_type_id = r.room_type_id
		WHERE r.room_id = $1`, id,
	).Scan(&rm.RoomID, &rm.RoomNumber, &rm.RoomType, &rm.BaseRate)
	if err != nil {
		return nil, notFound(err, "room", id)
	}
	return &rm, nil
}

func (r *inpatientRepoPG) CreateAssignment(ctx context.Context, ra *RoomAssignment) error {
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("room_assignments")
	ib.Cols("admission_id", "room_id", "start_date", "end_date", "daily_rate")
	ib.Values(ra.AdmissionID, ra.RoomID, ra.StartDate, ra.EndDate, ra.DailyRate)
	ib.SQL("RETURNING room_assignment_id")
	sql, args := ib.Build()
	return r.conn(ctx).QueryRow(ctx, sql, args...).Scan(&ra.RoomAssignmentID)
}
