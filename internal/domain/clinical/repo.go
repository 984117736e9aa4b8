package clinical

import (
	"context"
	"time"
)

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id int64) (*Appointment, error)
	UpdateStatus(ctx context.Context, id int64, status AppointmentStatus) error
	List(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error)
}

type PrescriptionRepository interface {
	GetByID(ctx context.Context, id int64) (*Prescription, error)
	MarkDispensed(ctx context.Context, id int64, at time.Time, by *int64) error
}

type LabOrderRepository interface {
	GetByID(ctx context.Context, id int64) (*LabOrder, error)
	MarkCompleted(ctx context.Context, id int64, at time.Time) error
}

type InpatientRepository interface {
	GetAdmission(ctx context.Context, id int64) (*Admission, error)
	GetRoom(ctx context.Context, id int64) (*Room, error)
	CreateAssignment(ctx context.Context, ra *RoomAssignment) error
}
