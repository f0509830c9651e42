package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/mtlsvault/storage"
	"github.com/jmcleod/mtlsvault/storage/sqlite"
)

var (
	configPath string
	actorID    int64
)

var rootCmd = &cobra.Command{
	Use:   "mtlsvault",
	Short: "mtlsvault is a private certificate authority for mutual TLS",
	Long: `A private certificate authority that issues client and server certificates
for mutual TLS and keeps them, with their export bundles, in an encrypted store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if hint := errorHint(err); hint != "" {
			fmt.Fprintln(os.Stderr, hint)
		}
		os.Exit(1)
	}
}

func errorHint(err error) string {
	var me *sqlite.MigrationError
	switch {
	case errors.Is(err, storage.ErrNotSetup):
		return "No certificate authority exists yet; run `mtlsvault setup` first."
	case errors.Is(err, sqlite.ErrSecretRequired):
		return "Set storage.secret, storage.secret_file or MTLSVAULT_STORAGE_SECRET."
	case errors.Is(err, sqlite.ErrWrongKey):
		return "The configured store secret does not open this database."
	case errors.As(err, &me):
		return "The credential store was left unchanged; fix the cause and retry."
	default:
		return ""
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML configuration file")
	rootCmd.PersistentFlags().Int64Var(&actorID, "actor", 1, "User ID recorded as the admin performing CLI operations")
}
