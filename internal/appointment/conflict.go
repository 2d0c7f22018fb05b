package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HasConflict checks the doctor's and the patient's calendars for an
// active appointment overlapping [start, end). excludeID lets a
// reschedule ignore the appointment being moved; pass uuid.Nil for a
// fresh booking. The caller must hold the participant locks for the
// whole check-then-write window, otherwise the answer can go stale
// before the write lands.
func HasConflict(ctx context.Context, store Store, doctorID, patientID uuid.UUID, start, end time.Time, excludeID uuid.UUID) (bool, *Appointment, error) {
	doctorSide, err := store.FindActiveOverlapping(ctx, ParticipantDoctor, doctorID, start, end)
	if err != nil {
		return false, nil, fmt.Errorf("doctor overlap query: %w", err)
	}
	if hit := firstOther(doctorSide, excludeID); hit != nil {
		return true, hit, nil
	}

	patientSide, err := store.FindActiveOverlapping(ctx, ParticipantPatient, patientID, start, end)
	if err != nil {
		return false, nil, fmt.Errorf("patient overlap query: %w", err)
	}
	if hit := firstOther(patientSide, excludeID); hit != nil {
		return true, hit, nil
	}

	return false, nil, nil
}

func firstOther(appts []Appointment, excludeID uuid.UUID) *Appointment {
	for i := range appts {
		if appts[i].ID != excludeID {
			return &appts[i]
		}
	}
	return nil
}
