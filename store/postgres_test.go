package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/ordersaga-go/saga"
)

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	t.Run("initial save inserts the row", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("INSERT INTO saga_instances").
			WithArgs("ORD-1", string(saga.StatusCreated), int64(1), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		s := NewPostgresStore(db)
		require.NoError(t, s.Save(ctx, saga.NewInstance("ORD-1", nil, now)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("initial save of an existing id conflicts", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("INSERT INTO saga_instances").
			WillReturnResult(sqlmock.NewResult(0, 0))

		s := NewPostgresStore(db)
		err = s.Save(ctx, saga.NewInstance("ORD-1", nil, now))
		assert.ErrorIs(t, err, saga.ErrVersionConflict)
	})

	t.Run("later saves update under a version guard", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		instance := saga.NewInstance("ORD-1", nil, now)
		running, err := saga.Apply(instance, saga.Started{At: now})
		require.NoError(t, err)

		mock.ExpectExec("UPDATE saga_instances").
			WithArgs("ORD-1", string(saga.StatusRunning), int64(2), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		s := NewPostgresStore(db)
		require.NoError(t, s.Save(ctx, running))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("a stale update conflicts", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		instance := saga.NewInstance("ORD-1", nil, now)
		running, err := saga.Apply(instance, saga.Started{At: now})
		require.NoError(t, err)

		mock.ExpectExec("UPDATE saga_instances").
			WillReturnResult(sqlmock.NewResult(0, 0))

		s := NewPostgresStore(db)
		assert.ErrorIs(t, s.Save(ctx, running), saga.ErrVersionConflict)
	})

	t.Run("load decodes the stored record", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		instance := saga.NewInstance("ORD-1", map[string]string{"customerId": "C-9"}, now)
		data, err := json.Marshal(instance)
		require.NoError(t, err)

		mock.ExpectQuery("SELECT data FROM saga_instances").
			WithArgs("ORD-1").
			WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(data))

		s := NewPostgresStore(db)
		loaded, err := s.Load(ctx, "ORD-1")
		require.NoError(t, err)
		assert.Equal(t, "ORD-1", loaded.ID)
		assert.Equal(t, "C-9", loaded.Params["customerId"])
	})

	t.Run("load of a missing id returns ErrNotFound", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT data FROM saga_instances").
			WillReturnRows(sqlmock.NewRows([]string{"data"}))

		s := NewPostgresStore(db)
		_, err = s.Load(ctx, "NOPE")
		assert.ErrorIs(t, err, saga.ErrNotFound)
	})

	t.Run("LoadActive filters terminal statuses in the query", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		instance := saga.NewInstance("ORD-1", nil, now)
		data, err := json.Marshal(instance)
		require.NoError(t, err)

		mock.ExpectQuery("SELECT data FROM saga_instances").
			WithArgs(string(saga.StatusCompleted), string(saga.StatusFailed), string(saga.StatusCompensated)).
			WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(data))

		s := NewPostgresStore(db)
		active, err := s.LoadActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "ORD-1", active[0].ID)
	})

	t.Run("CountByStatus scans grouped rows", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT status, COUNT").
			WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
				AddRow(string(saga.StatusRunning), 3).
				AddRow(string(saga.StatusCompleted), 7))

		s := NewPostgresStore(db)
		counts, err := s.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), counts[saga.StatusRunning])
		assert.Equal(t, int64(7), counts[saga.StatusCompleted])
	})
}
