package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a mutex-guarded Store used by tests and by the
// simulator's local mode. Semantics mirror PgStore, including the
// version check on UpdateChecked.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[uuid.UUID]Appointment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[uuid.UUID]Appointment)}
}

func (s *MemoryStore) Create(_ context.Context, appt *Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	appt.Version = 0
	appt.CreatedAt = now
	appt.UpdatedAt = now
	s.items[appt.ID] = *appt
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *MemoryStore) ListByPatient(_ context.Context, patientID uuid.UUID) ([]Appointment, error) {
	return s.list(func(a Appointment) bool { return a.PatientID == patientID }), nil
}

func (s *MemoryStore) ListByDoctor(_ context.Context, doctorID uuid.UUID) ([]Appointment, error) {
	return s.list(func(a Appointment) bool { return a.DoctorID == doctorID }), nil
}

func (s *MemoryStore) ListAll(_ context.Context) ([]Appointment, error) {
	return s.list(func(Appointment) bool { return true }), nil
}

func (s *MemoryStore) FindActiveOverlapping(_ context.Context, kind ParticipantKind, participantID uuid.UUID, start, end time.Time) ([]Appointment, error) {
	return s.list(func(a Appointment) bool {
		if !a.Status.IsActive() || !a.Overlaps(start, end) {
			return false
		}
		if kind == ParticipantPatient {
			return a.PatientID == participantID
		}
		return a.DoctorID == participantID
	}), nil
}

func (s *MemoryStore) UpdateChecked(_ context.Context, appt *Appointment, expectedVersion int64) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[appt.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	current.StartAt = appt.StartAt
	current.EndAt = appt.EndAt
	current.Status = appt.Status
	current.Reason = appt.Reason
	current.Version++
	current.UpdatedAt = time.Now().UTC()
	s.items[appt.ID] = current

	return &current, nil
}

func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for id, a := range s.items {
		if a.Status.IsTerminal() && a.EndAt.Before(cutoff) {
			delete(s.items, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) list(keep func(Appointment) bool) []Appointment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Appointment
	for _, a := range s.items {
		if keep(a) {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartAt.Before(result[j].StartAt)
	})
	return result
}
