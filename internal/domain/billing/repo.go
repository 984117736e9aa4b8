package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type AccountRepository interface {
	// FindOpen returns the open account for the exact (patient, admission)
	// scope. A nil admissionID matches only outpatient accounts.
	FindOpen(ctx context.Context, patientID int64, admissionID *int64) (*Account, error)
	// InsertOpen creates an open account and returns its id, or 0 when a
	// concurrent writer created the scope's account first.
	InsertOpen(ctx context.Context, patientID int64, admissionID, createdBy *int64) (int64, error)
	GetByID(ctx context.Context, billingID int64) (*Account, error)
	// LockByID reads the account holding a row lock until the transaction ends.
	LockByID(ctx context.Context, billingID int64) (*Account, error)
	UpdateStatus(ctx context.Context, billingID int64, status AccountStatus) (int64, error)
	Delete(ctx context.Context, billingID int64) error
	List(ctx context.Context, f AccountFilter, limit, offset int) ([]*AccountSummary, int, error)
	PatientInfo(ctx context.Context, patientID int64) (*PatientInfo, error)
	AdmissionSummary(ctx context.Context, admissionID int64) (*AdmissionSummary, error)
}

type ItemRepository interface {
	FindBySource(ctx context.Context, billingID int64, ref SourceRef) (*Item, error)
	// FindAnyBySource returns the earliest item for ref on any account.
	FindAnyBySource(ctx context.Context, ref SourceRef) (*Item, error)
	// Insert reports false when a unique index already holds the source.
	Insert(ctx context.Context, it *Item) (bool, error)
	ListByAccount(ctx context.Context, billingID int64) ([]*Item, error)
	LabOrderIDs(ctx context.Context, billingID int64) ([]int64, error)
}

type SourceRepository interface {
	Appointment(ctx context.Context, id int64) (*AppointmentSource, error)
	Prescription(ctx context.Context, id int64) (*PrescriptionSource, error)
	LabOrder(ctx context.Context, id int64) (*LabOrderSource, error)
	RoomAssignment(ctx context.Context, id int64) (*RoomAssignmentSource, error)
	LabOrderDetails(ctx context.Context, ids []int64) (map[int64]LabOrderDetail, error)
	// AdvanceLabOrder moves a lab order from one status to another and reports
	// whether it was in the from status.
	AdvanceLabOrder(ctx context.Context, id int64, from, to string) (bool, error)
}

type CoverageRepository interface {
	// ListCoverage returns a patient's coverages, most recent first.
	ListCoverage(ctx context.Context, patientID int64) ([]*Coverage, error)
	ConfiguredRate(ctx context.Context, provider string, day time.Time) (decimal.Decimal, bool, error)
}

// Transactor runs fn inside a transaction carried by the context.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}
