package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/ordersaga-go/saga"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client)
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	t.Run("saves and loads an instance", func(t *testing.T) {
		s := newTestRedisStore(t)
		instance := saga.NewInstance("ORD-1", map[string]string{"customerId": "C-9"}, now)

		require.NoError(t, s.Save(ctx, instance))

		loaded, err := s.Load(ctx, "ORD-1")
		require.NoError(t, err)
		assert.Equal(t, instance.ID, loaded.ID)
		assert.Equal(t, saga.StatusCreated, loaded.Status)
		assert.Equal(t, "C-9", loaded.Params["customerId"])
		assert.Equal(t, int64(1), loaded.Version)
	})

	t.Run("returns ErrNotFound for unknown ids", func(t *testing.T) {
		s := newTestRedisStore(t)

		_, err := s.Load(ctx, "NOPE")
		assert.ErrorIs(t, err, saga.ErrNotFound)
	})

	t.Run("enforces the version check atomically", func(t *testing.T) {
		s := newTestRedisStore(t)
		instance := saga.NewInstance("ORD-1", nil, now)
		require.NoError(t, s.Save(ctx, instance))

		// A second initial save loses.
		assert.ErrorIs(t, s.Save(ctx, saga.NewInstance("ORD-1", nil, now)), saga.ErrVersionConflict)

		running, err := saga.Apply(instance, saga.Started{At: now})
		require.NoError(t, err)
		require.NoError(t, s.Save(ctx, running))

		// Re-committing the same version loses.
		assert.ErrorIs(t, s.Save(ctx, running), saga.ErrVersionConflict)
	})

	t.Run("LoadActive skips terminal instances", func(t *testing.T) {
		s := newTestRedisStore(t)

		require.NoError(t, s.Save(ctx, saga.NewInstance("ORD-1", nil, now)))

		instance := saga.NewInstance("ORD-2", nil, now)
		require.NoError(t, s.Save(ctx, instance))
		for _, ev := range []saga.Event{
			saga.Started{At: now},
			saga.StepFailed{Step: saga.StepPayment, Reason: "declined", At: now},
			saga.UnwindFinished{At: now},
		} {
			next, err := saga.Apply(instance, ev)
			require.NoError(t, err)
			require.NoError(t, s.Save(ctx, next))
			instance = next
		}
		require.Equal(t, saga.StatusCompensated, instance.Status)

		active, err := s.LoadActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "ORD-1", active[0].ID)
	})

	t.Run("CountByStatus groups instances", func(t *testing.T) {
		s := newTestRedisStore(t)
		require.NoError(t, s.Save(ctx, saga.NewInstance("ORD-1", nil, now)))
		require.NoError(t, s.Save(ctx, saga.NewInstance("ORD-2", nil, now)))

		counts, err := s.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), counts[saga.StatusCreated])
	})
}
