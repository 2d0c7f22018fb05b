package appointment

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sesame-health/hospital-scheduling/internal/config"
)

// localLocker serializes critical sections in-process the same way the
// Redis locker does across processes: one mutex per participant id,
// acquired in sorted order.
type localLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func newLocalLocker() *localLocker {
	return &localLocker{locks: make(map[uuid.UUID]*sync.Mutex)}
}

func (l *localLocker) WithParticipantLocks(ctx context.Context, participantIDs []uuid.UUID, fn func(ctx context.Context) error) error {
	ids := make([]uuid.UUID, 0, len(participantIDs))
	seen := make(map[uuid.UUID]struct{})
	for _, id := range participantIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	l.mu.Lock()
	muxes := make([]*sync.Mutex, 0, len(ids))
	for _, id := range ids {
		m, ok := l.locks[id]
		if !ok {
			m = &sync.Mutex{}
			l.locks[id] = m
		}
		muxes = append(muxes, m)
	}
	l.mu.Unlock()

	for _, m := range muxes {
		m.Lock()
	}
	defer func() {
		for i := len(muxes) - 1; i >= 0; i-- {
			muxes[i].Unlock()
		}
	}()

	return fn(ctx)
}

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	svc := NewService(store, newLocalLocker(), config.Config{})
	return svc, store
}

func futureSlot(hoursFromNow int, dur time.Duration) (time.Time, time.Time) {
	start := time.Now().UTC().Add(time.Duration(hoursFromNow) * time.Hour).Truncate(time.Minute)
	return start, start.Add(dur)
}

func TestBookValidatesTimeRange(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	doctorID, patientID := uuid.New(), uuid.New()

	start, end := futureSlot(10, time.Hour)

	_, err := svc.Book(ctx, doctorID, patientID, end, start, "")
	assert.ErrorIs(t, err, ErrInvalidInput, "inverted range")

	_, err = svc.Book(ctx, doctorID, patientID, start, start, "")
	assert.ErrorIs(t, err, ErrInvalidInput, "empty range")

	past := time.Now().UTC().Add(-2 * time.Hour)
	_, err = svc.Book(ctx, doctorID, patientID, past, past.Add(time.Hour), "")
	assert.ErrorIs(t, err, ErrInvalidInput, "start in the past")

	_, err = svc.Book(ctx, doctorID, patientID, time.Time{}, time.Time{}, "")
	assert.ErrorIs(t, err, ErrInvalidInput, "zero times")
}

func TestBookCreatesRequestedAppointment(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	doctorID, patientID := uuid.New(), uuid.New()
	start, end := futureSlot(10, time.Hour)

	appt, err := svc.Book(ctx, doctorID, patientID, start, end, "checkup")
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, appt.ID)
	assert.Equal(t, StatusRequested, appt.Status)
	assert.Equal(t, int64(0), appt.Version)
	assert.Equal(t, "checkup", appt.Reason)

	fetched, err := svc.GetByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appt.ID, fetched.ID)
}

func TestBookHalfOpenBoundary(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	doctorID := uuid.New()

	start, end := futureSlot(10, time.Hour)

	_, err := svc.Book(ctx, doctorID, uuid.New(), start, end, "")
	require.NoError(t, err)

	// Back-to-back slot: ends exactly where the next begins, no
	// conflict under half-open semantics.
	_, err = svc.Book(ctx, doctorID, uuid.New(), end, end.Add(time.Hour), "")
	assert.NoError(t, err)

	// Overlapping by half an hour conflicts.
	_, err = svc.Book(ctx, doctorID, uuid.New(), start.Add(30*time.Minute), end.Add(30*time.Minute), "")
	assert.ErrorIs(t, err, ErrSlotConflict)
}

func TestBookPatientSideConflict(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	patientID := uuid.New()
	start, end := futureSlot(10, time.Hour)

	_, err := svc.Book(ctx, uuid.New(), patientID, start, end, "")
	require.NoError(t, err)

	// Different doctor, same patient, overlapping range.
	_, err = svc.Book(ctx, uuid.New(), patientID, start.Add(15*time.Minute), end, "")
	assert.ErrorIs(t, err, ErrSlotConflict)
}

func TestBookIgnoresInactiveAppointments(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	doctorID := uuid.New()
	start, end := futureSlot(10, time.Hour)

	appt, err := svc.Book(ctx, doctorID, uuid.New(), start, end, "")
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, appt.ID, StatusCancelled)
	require.NoError(t, err)

	// A cancelled appointment frees its slot.
	_, err = svc.Book(ctx, doctorID, uuid.New(), start, end, "")
	assert.NoError(t, err)
}

func TestUpdateStatusEnforcesTransitions(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	start, end := futureSlot(10, time.Hour)

	appt, err := svc.Book(ctx, uuid.New(), uuid.New(), start, end, "")
	require.NoError(t, err)

	// Requested cannot jump straight to completed.
	_, err = svc.UpdateStatus(ctx, appt.ID, StatusCompleted)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	confirmed, err := svc.UpdateStatus(ctx, appt.ID, StatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)
	assert.Equal(t, int64(1), confirmed.Version)

	completed, err := svc.UpdateStatus(ctx, appt.ID, StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)

	// Completed is terminal.
	_, err = svc.UpdateStatus(ctx, appt.ID, StatusCancelled)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateStatusNotFound(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.UpdateStatus(context.Background(), uuid.New(), StatusConfirmed)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRescheduleResetsToRequested(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	start, end := futureSlot(10, time.Hour)

	appt, err := svc.Book(ctx, uuid.New(), uuid.New(), start, end, "")
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, appt.ID, StatusConfirmed)
	require.NoError(t, err)

	newStart, newEnd := futureSlot(20, time.Hour)
	moved, err := svc.Reschedule(ctx, appt.ID, newStart, newEnd)
	require.NoError(t, err)

	// A moved slot must be re-confirmed.
	assert.Equal(t, StatusRequested, moved.Status)
	assert.True(t, moved.StartAt.Equal(newStart))
	assert.True(t, moved.EndAt.Equal(newEnd))
	assert.Equal(t, int64(2), moved.Version)
}

func TestRescheduleExcludesSelfFromConflictCheck(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	start, end := futureSlot(10, time.Hour)

	appt, err := svc.Book(ctx, uuid.New(), uuid.New(), start, end, "")
	require.NoError(t, err)

	// Shift by 30 minutes: the new range overlaps only the
	// appointment being moved, which must not count.
	moved, err := svc.Reschedule(ctx, appt.ID, start.Add(30*time.Minute), end.Add(30*time.Minute))
	require.NoError(t, err)
	assert.True(t, moved.StartAt.Equal(start.Add(30*time.Minute)))
}

func TestRescheduleConflictsWithOtherAppointment(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	doctorID := uuid.New()

	start1, end1 := futureSlot(10, time.Hour)
	start2, end2 := futureSlot(14, time.Hour)

	_, err := svc.Book(ctx, doctorID, uuid.New(), start1, end1, "")
	require.NoError(t, err)

	second, err := svc.Book(ctx, doctorID, uuid.New(), start2, end2, "")
	require.NoError(t, err)

	_, err = svc.Reschedule(ctx, second.ID, start1.Add(30*time.Minute), end1.Add(30*time.Minute))
	assert.ErrorIs(t, err, ErrSlotConflict)
}

func TestRescheduleTerminalFails(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	start, end := futureSlot(10, time.Hour)

	appt, err := svc.Book(ctx, uuid.New(), uuid.New(), start, end, "")
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, appt.ID, StatusCancelled)
	require.NoError(t, err)

	newStart, newEnd := futureSlot(20, time.Hour)
	_, err = svc.Reschedule(ctx, appt.ID, newStart, newEnd)
	assert.ErrorIs(t, err, ErrTerminalState)
}

func TestRescheduleValidatesTimeRange(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	start, end := futureSlot(10, time.Hour)

	appt, err := svc.Book(ctx, uuid.New(), uuid.New(), start, end, "")
	require.NoError(t, err)

	_, err = svc.Reschedule(ctx, appt.ID, end, start)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDeleteBypassesLifecycle(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	start, end := futureSlot(10, time.Hour)

	appt, err := svc.Book(ctx, uuid.New(), uuid.New(), start, end, "")
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, appt.ID, StatusConfirmed)
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, appt.ID, StatusCompleted)
	require.NoError(t, err)

	// Terminal, yet deletable: the hard remove has no lifecycle.
	require.NoError(t, svc.Delete(ctx, appt.ID))

	_, err = svc.GetByID(ctx, appt.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, svc.Delete(ctx, appt.ID), ErrNotFound)
}

func TestListQueries(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	doctorID, patientID := uuid.New(), uuid.New()

	start1, end1 := futureSlot(10, time.Hour)
	start2, end2 := futureSlot(14, time.Hour)

	_, err := svc.Book(ctx, doctorID, patientID, start1, end1, "")
	require.NoError(t, err)
	_, err = svc.Book(ctx, doctorID, uuid.New(), start2, end2, "")
	require.NoError(t, err)
	_, err = svc.Book(ctx, uuid.New(), uuid.New(), start1, end1, "")
	require.NoError(t, err)

	byDoctor, err := svc.ListByDoctor(ctx, doctorID)
	require.NoError(t, err)
	assert.Len(t, byDoctor, 2)

	byPatient, err := svc.ListByPatient(ctx, patientID)
	require.NoError(t, err)
	assert.Len(t, byPatient, 1)

	all, err := svc.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestConcurrentBookingRace(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	doctorID := uuid.New()
	start, _ := futureSlot(10, time.Hour)

	const attempts = 16

	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			// Every range overlaps every other, same doctor.
			s := start.Add(time.Duration(offset) * time.Minute)
			_, err := svc.Book(ctx, doctorID, uuid.New(), s, s.Add(time.Hour), "")
			results <- err
		}(i)
	}

	wg.Wait()
	close(results)

	var successes, conflicts int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case assert.ErrorIs(t, err, ErrSlotConflict):
			conflicts++
		}
	}

	assert.Equal(t, 1, successes, "exactly one booking must win")
	assert.Equal(t, attempts-1, conflicts)

	assertNoActiveOverlap(t, svc, doctorID)
}

func TestConcurrentStatusUpdateRace(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	start, end := futureSlot(10, time.Hour)

	appt, err := svc.Book(ctx, uuid.New(), uuid.New(), start, end, "")
	require.NoError(t, err)

	// Two writers, both against version 0: the store-level CAS lets
	// exactly one through.
	confirm := *appt
	confirm.Status = StatusConfirmed
	cancel := *appt
	cancel.Status = StatusCancelled

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, upd := range []Appointment{confirm, cancel} {
		wg.Add(1)
		go func(upd Appointment) {
			defer wg.Done()
			_, err := store.UpdateChecked(ctx, &upd, 0)
			results <- err
		}(upd)
	}
	wg.Wait()
	close(results)

	var successes, stale int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case assert.ErrorIs(t, err, ErrVersionConflict):
			stale++
		}
	}

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, stale)

	final, err := store.GetByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), final.Version)
}

func TestPurgeTerminal(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, newLocalLocker(), config.Config{RetentionPeriod: 24 * time.Hour})
	ctx := context.Background()
	now := time.Now().UTC()

	old := Appointment{
		ID:        uuid.New(),
		DoctorID:  uuid.New(),
		PatientID: uuid.New(),
		StartAt:   now.Add(-72 * time.Hour),
		EndAt:     now.Add(-71 * time.Hour),
		Status:    StatusCompleted,
	}
	require.NoError(t, store.Create(ctx, &old))

	// Old but still active: retention must not touch it.
	activeOld := old
	activeOld.ID = uuid.New()
	activeOld.Status = StatusRequested
	require.NoError(t, store.Create(ctx, &activeOld))

	recent := old
	recent.ID = uuid.New()
	recent.StartAt = now.Add(-2 * time.Hour)
	recent.EndAt = now.Add(-1 * time.Hour)
	recent.Status = StatusCancelled
	require.NoError(t, store.Create(ctx, &recent))

	purged, err := svc.PurgeTerminal(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = store.GetByID(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetByID(ctx, activeOld.ID)
	assert.NoError(t, err)
	_, err = store.GetByID(ctx, recent.ID)
	assert.NoError(t, err)
}

// assertNoActiveOverlap checks the core invariant: no two active
// appointments for the same doctor may intersect.
func assertNoActiveOverlap(t *testing.T, svc *Service, doctorID uuid.UUID) {
	t.Helper()

	appts, err := svc.ListByDoctor(context.Background(), doctorID)
	require.NoError(t, err)

	for i := range appts {
		for j := i + 1; j < len(appts); j++ {
			a, b := appts[i], appts[j]
			if !a.Status.IsActive() || !b.Status.IsActive() {
				continue
			}
			assert.False(t, a.Overlaps(b.StartAt, b.EndAt),
				"active appointments %s and %s overlap", a.ID, b.ID)
		}
	}
}
