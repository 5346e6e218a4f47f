package saga

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates no record exists for the transaction id.
	ErrNotFound = errors.New("saga: instance not found")

	// ErrVersionConflict indicates another writer committed the version
	// this save was based on. The loser must reload and re-decide.
	ErrVersionConflict = errors.New("saga: instance version conflict")
)

// Store persists transaction instances. Implementations must make Save
// atomic per id: a save carrying version N commits only if the stored
// version is N-1 (or the id is absent and N is 1), returning
// ErrVersionConflict otherwise. This is what makes racing writers for the
// same instance resolve first-committer-wins.
type Store interface {
	// Save persists the instance at its current version.
	Save(ctx context.Context, instance *Instance) error

	// Load returns the instance for id, or ErrNotFound.
	Load(ctx context.Context, id string) (*Instance, error)

	// LoadActive returns every non-terminal instance, for startup recovery.
	LoadActive(ctx context.Context) ([]*Instance, error)

	// CountByStatus returns the number of instances per status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)

	// Close releases backend resources.
	Close() error
}
