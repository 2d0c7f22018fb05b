package appointment

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusRequested Status = "requested"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// IsActive reports whether the status occupies a participant's calendar
// and therefore takes part in overlap checks.
func (s Status) IsActive() bool {
	return s == StatusRequested || s == StatusConfirmed
}

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ParticipantKind selects which side of an appointment an overlap query
// runs against.
type ParticipantKind string

const (
	ParticipantDoctor  ParticipantKind = "doctor"
	ParticipantPatient ParticipantKind = "patient"
)

// Appointment is a booked slot between one doctor and one patient over
// the half-open interval [StartAt, EndAt).
type Appointment struct {
	ID        uuid.UUID
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	StartAt   time.Time
	EndAt     time.Time
	Status    Status
	Reason    string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Overlaps applies the half-open interval rule: two ranges intersect
// when each starts before the other ends. Back-to-back slots do not
// overlap.
func (a *Appointment) Overlaps(start, end time.Time) bool {
	return a.StartAt.Before(end) && a.EndAt.After(start)
}
