package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgQuerier is the slice of pgxpool.Pool the store needs. Narrowed to
// an interface so tests can substitute a pgxmock pool.
type PgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgStore struct {
	pool PgQuerier
}

func NewPgStore(pool PgQuerier) *PgStore {
	return &PgStore{pool: pool}
}

const appointmentColumns = `id, doctor_id, patient_id, start_at, end_at, status, reason, version, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.PatientID,
		&a.StartAt,
		&a.EndAt,
		&a.Status,
		&a.Reason,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PgStore) Create(ctx context.Context, appt *Appointment) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, doctor_id, patient_id, start_at, end_at, status, reason, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, now(), now())
		RETURNING `+appointmentColumns+`
	`, appt.ID, appt.DoctorID, appt.PatientID, appt.StartAt, appt.EndAt, appt.Status, appt.Reason)

	created, err := scanAppointment(row)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	*appt = *created
	return nil
}

func (s *PgStore) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (s *PgStore) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]Appointment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY start_at
	`, patientID)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (s *PgStore) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]Appointment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
		ORDER BY start_at
	`, doctorID)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (s *PgStore) ListAll(ctx context.Context) ([]Appointment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		ORDER BY start_at
	`)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

// FindActiveOverlapping uses the half-open predicate: a row conflicts
// when it starts before the candidate ends and ends after the
// candidate starts.
func (s *PgStore) FindActiveOverlapping(ctx context.Context, kind ParticipantKind, participantID uuid.UUID, start, end time.Time) ([]Appointment, error) {
	column := "doctor_id"
	if kind == ParticipantPatient {
		column = "patient_id"
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE `+column+` = $1
		  AND status IN ('requested', 'confirmed')
		  AND start_at < $3
		  AND end_at > $2
	`, participantID, start, end)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (s *PgStore) UpdateChecked(ctx context.Context, appt *Appointment, expectedVersion int64) (*Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE appointments
		SET start_at = $3,
		    end_at = $4,
		    status = $5,
		    reason = $6,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND version = $2
		RETURNING `+appointmentColumns+`
	`, appt.ID, expectedVersion, appt.StartAt, appt.EndAt, appt.Status, appt.Reason)

	updated, err := scanAppointment(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// No row matched id+version. Distinguish a stale version from a
	// deleted appointment.
	var exists bool
	checkErr := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)
	`, appt.ID).Scan(&exists)
	if checkErr != nil {
		return nil, checkErr
	}
	if exists {
		return nil, ErrVersionConflict
	}
	return nil, ErrNotFound
}

func (s *PgStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM appointments
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM appointments
		WHERE status IN ('completed', 'cancelled')
		  AND end_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge terminal appointments: %w", err)
	}
	return tag.RowsAffected(), nil
}
