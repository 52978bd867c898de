package core

import (
	"fmt"
	"log/slog"

	"kusd/core/state"
	"kusd/native/allocator"
	"kusd/storage"
)

// migrations maps a schema version to the step upgrading it by one.
var migrations = map[uint32]func(*state.Manager) error{
	1: allocator.MigrateNonces,
}

// Migrate upgrades the ledger in db to state.StateVersion. All steps commit in
// one batch. It returns the version found on disk; an empty ledger is left
// untouched.
func Migrate(db storage.Database, logger *slog.Logger) (uint32, error) {
	if logger == nil {
		logger = slog.Default()
	}
	journal := state.NewJournal(db)
	mgr := state.NewManager(journal)
	from, ok, err := mgr.StateVersion()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	if from > state.StateVersion {
		return from, fmt.Errorf("%w: on-disk=%d is newer than %d", state.ErrStateVersionMismatch, from, state.StateVersion)
	}
	for v := from; v < state.StateVersion; v++ {
		step, ok := migrations[v]
		if !ok {
			journal.Discard()
			return from, fmt.Errorf("migrate: no step from version %d", v)
		}
		if err := step(mgr); err != nil {
			journal.Discard()
			return from, fmt.Errorf("migrate: v%d -> v%d: %w", v, v+1, err)
		}
		logger.Info("state migrated", "from", v, "to", v+1)
	}
	if err := mgr.SetStateVersion(state.StateVersion); err != nil {
		journal.Discard()
		return from, err
	}
	if err := journal.Commit(); err != nil {
		return from, fmt.Errorf("migrate: commit: %w", err)
	}
	return from, nil
}
