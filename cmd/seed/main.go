package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sesame-health/hospital-scheduling/internal/appointment"
	"github.com/sesame-health/hospital-scheduling/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	if err := seedAppointments(context.Background(), pool, 50, 400, 2000); err != nil {
		log.Fatalf("seed appointments: %v", err)
	}

	log.Println("seed complete")
}

// seedAppointments scatters non-overlapping half-hour slots across a
// pool of fake doctor and patient ids. Doctor and patient profiles
// live in their own services, so only the opaque ids matter here.
func seedAppointments(ctx context.Context, pool *pgxpool.Pool, doctorCount, patientCount, count int) error {
	log.Printf("seeding %d appointments across %d doctors and %d patients", count, doctorCount, patientCount)

	doctors := make([]uuid.UUID, doctorCount)
	for i := range doctors {
		doctors[i] = uuid.New()
	}
	patients := make([]uuid.UUID, patientCount)
	for i := range patients {
		patients[i] = uuid.New()
	}

	reasons := []string{
		"Annual physical",
		"Follow-up consultation",
		"Lab results review",
		"Vaccination",
		"Specialist referral",
		"Chronic condition check",
	}

	statuses := []appointment.Status{
		appointment.StatusRequested,
		appointment.StatusConfirmed,
		appointment.StatusCompleted,
		appointment.StatusCancelled,
	}

	// One rolling cursor per doctor keeps seeded slots conflict-free
	// without running the overlap query for every row.
	dayStart := time.Now().UTC().Truncate(time.Hour).Add(24 * time.Hour)
	cursors := make(map[uuid.UUID]time.Time, doctorCount)

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			doctorID := doctors[gofakeit.Number(0, len(doctors)-1)]
			patientID := patients[gofakeit.Number(0, len(patients)-1)]
			status := statuses[gofakeit.Number(0, len(statuses)-1)]
			reason := reasons[gofakeit.Number(0, len(reasons)-1)]

			start, ok := cursors[doctorID]
			if !ok {
				start = dayStart.Add(time.Duration(gofakeit.Number(0, 8)) * time.Hour)
			}
			slotEnd := start.Add(30 * time.Minute)
			cursors[doctorID] = slotEnd.Add(time.Duration(gofakeit.Number(0, 3)) * 30 * time.Minute)

			_, err := tx.Exec(ctx, `
				INSERT INTO appointments (id, doctor_id, patient_id, start_at, end_at, status, reason, version, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, 0, now(), now())
			`, uuid.New(), doctorID, patientID, start, slotEnd, status, reason)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("appointments seeded: %d/%d", end, count)
	}

	log.Println("appointments seeded")
	return nil
}
