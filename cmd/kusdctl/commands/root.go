package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const keystorePassEnv = "KUSD_KEYSTORE_PASS"

var rootCmd = &cobra.Command{
	Use:   "kusdctl",
	Short: "Operator tooling for the KUSD ledger",
	Long: `kusdctl manages operator keys, signs allocator rebalance commands for the
AI ingress, inspects a running node and migrates on-disk state.`,
	SilenceUsage: true,
}

// Execute runs the command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
