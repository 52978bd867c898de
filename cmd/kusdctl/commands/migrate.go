package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"kusd/core"
	"kusd/core/state"
	"kusd/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Upgrade on-disk ledger state to the current schema version",
	Long: `Apply registered schema migrations to the ledger database. The node must
be stopped; kusdd refuses to start on an outdated schema.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("data-dir", "./kusd-data", "Node data directory")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	path := filepath.Join(dataDir, "state")
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no ledger at %s: %w", path, err)
	}
	db, err := storage.NewLevelDB(path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
	from, err := core.Migrate(db, logger)
	if err != nil {
		return err
	}
	if from == state.StateVersion {
		fmt.Fprintf(cmd.OutOrStdout(), "state already at version %d\n", from)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "migrated state from version %d to %d\n", from, state.StateVersion)
	return nil
}
