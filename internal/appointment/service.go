package appointment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/sesame-health/hospital-scheduling/internal/config"
	redisclient "github.com/sesame-health/hospital-scheduling/internal/redis"
)

var (
	ErrInvalidInput  = errors.New("invalid booking input")
	ErrSlotConflict  = errors.New("time slot overlaps an existing appointment")
	ErrTerminalState = errors.New("appointment is completed or cancelled")
	ErrLockBusy      = errors.New("participant calendar is busy, please retry")
)

type Service struct {
	store  Store
	locker redisclient.Locker
	cfg    config.Config
}

func NewService(store Store, locker redisclient.Locker, cfg config.Config) *Service {
	return &Service{
		store:  store,
		locker: locker,
		cfg:    cfg,
	}
}

// Book reserves [start, end) for a doctor and a patient. The conflict
// check and the insert run inside the participant locks, so two
// concurrent bookings sharing a doctor or a patient cannot both pass
// the check and both commit.
func (s *Service) Book(ctx context.Context, doctorID, patientID uuid.UUID, start, end time.Time, reason string) (*Appointment, error) {
	if err := validateTimeRange(start, end); err != nil {
		return nil, err
	}

	var created *Appointment

	err := s.locker.WithParticipantLocks(ctx, []uuid.UUID{doctorID, patientID}, func(lockCtx context.Context) error {
		conflict, hit, err := HasConflict(lockCtx, s.store, doctorID, patientID, start, end, uuid.Nil)
		if err != nil {
			return fmt.Errorf("conflict check: %w", err)
		}
		if conflict {
			return fmt.Errorf("%w: appointment %s", ErrSlotConflict, hit.ID)
		}

		appt := &Appointment{
			ID:        uuid.New(),
			DoctorID:  doctorID,
			PatientID: patientID,
			StartAt:   start.UTC(),
			EndAt:     end.UTC(),
			Status:    StatusRequested,
			Reason:    reason,
		}
		if err := s.store.Create(lockCtx, appt); err != nil {
			return fmt.Errorf("create appointment: %w", err)
		}

		created = appt
		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrLockBusy
		}
		return nil, err
	}

	return created, nil
}

// UpdateStatus moves an appointment along the lifecycle. The write is
// version-checked; on ErrVersionConflict the caller re-reads and
// retries, the service never overwrites blindly.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, newStatus Status) (*Appointment, error) {
	appt, err := s.loadWithRetry(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := ValidateTransition(appt.Status, newStatus); err != nil {
		return nil, err
	}

	appt.Status = newStatus
	updated, err := s.store.UpdateChecked(ctx, appt, appt.Version)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("update status: %w", err)
	}

	return updated, nil
}

// Reschedule moves an appointment to a new time range. A moved slot
// must be re-confirmed, so status always resets to requested.
// Completed and cancelled appointments are immutable.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, newStart, newEnd time.Time) (*Appointment, error) {
	if err := validateTimeRange(newStart, newEnd); err != nil {
		return nil, err
	}

	appt, err := s.loadWithRetry(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: status is %s", ErrTerminalState, appt.Status)
	}

	var updated *Appointment

	err = s.locker.WithParticipantLocks(ctx, []uuid.UUID{appt.DoctorID, appt.PatientID}, func(lockCtx context.Context) error {
		conflict, hit, err := HasConflict(lockCtx, s.store, appt.DoctorID, appt.PatientID, newStart, newEnd, appt.ID)
		if err != nil {
			return fmt.Errorf("conflict check: %w", err)
		}
		if conflict {
			return fmt.Errorf("%w: appointment %s", ErrSlotConflict, hit.ID)
		}

		appt.StartAt = newStart.UTC()
		appt.EndAt = newEnd.UTC()
		appt.Status = StatusRequested

		updated, err = s.store.UpdateChecked(lockCtx, appt, appt.Version)
		if err != nil {
			if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrNotFound) {
				return err
			}
			return fmt.Errorf("reschedule appointment: %w", err)
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrLockBusy
		}
		return nil, err
	}

	return updated, nil
}

// Delete is the administrative hard remove. It bypasses the lifecycle
// entirely, terminal or not.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("delete appointment: %w", err)
	}
	return nil
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.loadWithRetry(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]Appointment, error) {
	var result []Appointment
	err := s.readRetry(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.store.ListByPatient(ctx, patientID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list by patient: %w", err)
	}
	return result, nil
}

func (s *Service) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]Appointment, error) {
	var result []Appointment
	err := s.readRetry(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.store.ListByDoctor(ctx, doctorID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list by doctor: %w", err)
	}
	return result, nil
}

func (s *Service) ListAll(ctx context.Context) ([]Appointment, error) {
	var result []Appointment
	err := s.readRetry(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.store.ListAll(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list all: %w", err)
	}
	return result, nil
}

// PurgeTerminal hard-deletes completed and cancelled appointments that
// ended before the retention cutoff. Called by the retention worker.
func (s *Service) PurgeTerminal(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.cfg.RetentionPeriod)
	purged, err := s.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge terminal appointments: %w", err)
	}
	return purged, nil
}

func (s *Service) loadWithRetry(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var appt *Appointment
	err := s.readRetry(ctx, func(ctx context.Context) error {
		var err error
		appt, err = s.store.GetByID(ctx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	return appt, nil
}

// readRetry re-issues read-only store calls a bounded number of times
// on transient failure. Writes never go through here: a retried write
// whose first attempt actually landed would double-book.
func (s *Service) readRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil || errors.Is(err, ErrNotFound) {
			return err
		}
		if attempt >= s.cfg.ReadRetryAttempts || ctx.Err() != nil {
			return err
		}
		log.Printf("transient read error (attempt %d): %v", attempt+1, err)
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
}

func validateTimeRange(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return fmt.Errorf("%w: start and end must be provided", ErrInvalidInput)
	}
	if !end.After(start) {
		return fmt.Errorf("%w: end must be after start", ErrInvalidInput)
	}
	if start.Before(time.Now()) {
		return fmt.Errorf("%w: start must be in the future", ErrInvalidInput)
	}
	return nil
}
