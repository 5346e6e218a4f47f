package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/ordersaga-go/saga"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	t.Run("saves and loads an instance", func(t *testing.T) {
		s := NewMemoryStore()
		instance := saga.NewInstance("ORD-1", map[string]string{"customerId": "C-9"}, now)

		require.NoError(t, s.Save(ctx, instance))

		loaded, err := s.Load(ctx, "ORD-1")
		require.NoError(t, err)
		assert.Equal(t, instance, loaded)
	})

	t.Run("returns ErrNotFound for unknown ids", func(t *testing.T) {
		s := NewMemoryStore()

		_, err := s.Load(ctx, "NOPE")
		assert.ErrorIs(t, err, saga.ErrNotFound)
	})

	t.Run("rejects a duplicate initial save", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.Save(ctx, saga.NewInstance("ORD-1", nil, now)))

		err := s.Save(ctx, saga.NewInstance("ORD-1", nil, now))
		assert.ErrorIs(t, err, saga.ErrVersionConflict)
	})

	t.Run("rejects saves that skip or repeat a version", func(t *testing.T) {
		s := NewMemoryStore()
		instance := saga.NewInstance("ORD-1", nil, now)
		require.NoError(t, s.Save(ctx, instance))

		running, err := saga.Apply(instance, saga.Started{At: now})
		require.NoError(t, err)
		require.NoError(t, s.Save(ctx, running))

		// Re-saving the same version loses.
		assert.ErrorIs(t, s.Save(ctx, running), saga.ErrVersionConflict)

		// Skipping ahead loses too.
		skipped := *running
		skipped.Version = 9
		assert.ErrorIs(t, s.Save(ctx, &skipped), saga.ErrVersionConflict)
	})

	t.Run("loaded copies do not alias stored state", func(t *testing.T) {
		s := NewMemoryStore()
		instance := saga.NewInstance("ORD-1", map[string]string{"k": "v"}, now)
		require.NoError(t, s.Save(ctx, instance))

		loaded, err := s.Load(ctx, "ORD-1")
		require.NoError(t, err)
		loaded.Params["k"] = "mutated"
		loaded.CompletedSteps = append(loaded.CompletedSteps, saga.StepPayment)

		fresh, err := s.Load(ctx, "ORD-1")
		require.NoError(t, err)
		assert.Equal(t, "v", fresh.Params["k"])
		assert.Empty(t, fresh.CompletedSteps)
	})

	t.Run("LoadActive returns only non-terminal instances", func(t *testing.T) {
		s := NewMemoryStore()

		require.NoError(t, s.Save(ctx, saga.NewInstance("ORD-1", nil, now)))

		done := saga.NewInstance("ORD-2", nil, now)
		require.NoError(t, s.Save(ctx, done))
		for _, ev := range []saga.Event{
			saga.Started{At: now},
			saga.StepSucceeded{Step: saga.StepPayment, At: now},
			saga.StepSucceeded{Step: saga.StepInventory, At: now},
			saga.StepSucceeded{Step: saga.StepShipping, At: now},
		} {
			next, err := saga.Apply(done, ev)
			require.NoError(t, err)
			require.NoError(t, s.Save(ctx, next))
			done = next
		}

		active, err := s.LoadActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "ORD-1", active[0].ID)
	})

	t.Run("CountByStatus groups instances", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.Save(ctx, saga.NewInstance("ORD-1", nil, now)))
		require.NoError(t, s.Save(ctx, saga.NewInstance("ORD-2", nil, now)))

		counts, err := s.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), counts[saga.StatusCreated])
	})
}
