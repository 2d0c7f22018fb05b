package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (Locker, *miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisParticipantLocker(client, 5*time.Second), mr, client
}

func TestWithParticipantLocksRunsCallback(t *testing.T) {
	locker, mr, _ := newTestLocker(t)
	doctorID, patientID := uuid.New(), uuid.New()

	ran := false
	err := locker.WithParticipantLocks(context.Background(), []uuid.UUID{doctorID, patientID}, func(ctx context.Context) error {
		ran = true
		// Both keys held while the callback runs.
		assert.True(t, mr.Exists("lock:participant:"+doctorID.String()))
		assert.True(t, mr.Exists("lock:participant:"+patientID.String()))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// Released afterwards.
	assert.False(t, mr.Exists("lock:participant:"+doctorID.String()))
	assert.False(t, mr.Exists("lock:participant:"+patientID.String()))
}

func TestWithParticipantLocksContention(t *testing.T) {
	locker, _, _ := newTestLocker(t)
	doctorID := uuid.New()

	err := locker.WithParticipantLocks(context.Background(), []uuid.UUID{doctorID}, func(ctx context.Context) error {
		// Second caller sharing the doctor must bounce while the
		// first is inside.
		inner := locker.WithParticipantLocks(context.Background(), []uuid.UUID{doctorID, uuid.New()}, func(ctx context.Context) error {
			t.Fatal("contended callback must not run")
			return nil
		})
		assert.ErrorIs(t, inner, ErrLockNotAcquired)
		return nil
	})
	require.NoError(t, err)
}

func TestWithParticipantLocksReleasesOnPartialFailure(t *testing.T) {
	locker, mr, client := newTestLocker(t)
	doctorID, patientID := uuid.New(), uuid.New()

	keys := lockKeys([]uuid.UUID{doctorID, patientID})

	// Pre-hold the key acquired second so the first acquired one must
	// be rolled back.
	require.NoError(t, client.Set(context.Background(), keys[1], "other-holder", time.Minute).Err())

	err := locker.WithParticipantLocks(context.Background(), []uuid.UUID{doctorID, patientID}, func(ctx context.Context) error {
		t.Fatal("callback must not run without both locks")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	// The first key was released, the foreign holder untouched.
	assert.False(t, mr.Exists(keys[0]))
	val, getErr := client.Get(context.Background(), keys[1]).Result()
	require.NoError(t, getErr)
	assert.Equal(t, "other-holder", val)
}

func TestWithParticipantLocksDedupes(t *testing.T) {
	locker, mr, _ := newTestLocker(t)
	id := uuid.New()

	// Doctor booking themselves an appointment is degenerate but must
	// not self-deadlock.
	err := locker.WithParticipantLocks(context.Background(), []uuid.UUID{id, id}, func(ctx context.Context) error {
		assert.True(t, mr.Exists("lock:participant:"+id.String()))
		return nil
	})
	require.NoError(t, err)
}

func TestLockKeysSortedAndDeduped(t *testing.T) {
	a, b := uuid.New(), uuid.New()

	keys := lockKeys([]uuid.UUID{b, a, b})
	require.Len(t, keys, 2)
	assert.Less(t, keys[0], keys[1])
}
