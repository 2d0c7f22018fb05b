package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("appointment not found")
	ErrVersionConflict = errors.New("appointment was modified concurrently")
)

// Store is the durable interval store the service runs against. The
// conflict check and the following write are serialized by the
// participant locker, so Store implementations only have to make each
// individual call atomic.
type Store interface {
	Create(ctx context.Context, appt *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]Appointment, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]Appointment, error)
	ListAll(ctx context.Context) ([]Appointment, error)

	// FindActiveOverlapping returns every requested or confirmed
	// appointment for the participant whose [start_at, end_at)
	// intersects [start, end).
	FindActiveOverlapping(ctx context.Context, kind ParticipantKind, participantID uuid.UUID, start, end time.Time) ([]Appointment, error)

	// UpdateChecked persists appt's mutable fields if and only if the
	// stored row still carries expectedVersion, bumping the version by
	// one. Returns ErrVersionConflict when another writer got there
	// first and ErrNotFound when the row is gone.
	UpdateChecked(ctx context.Context, appt *Appointment, expectedVersion int64) (*Appointment, error)

	// Delete is a hard remove that bypasses the lifecycle.
	Delete(ctx context.Context, id uuid.UUID) error

	// DeleteTerminalBefore purges completed and cancelled appointments
	// that ended before cutoff. Used by the retention worker.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
