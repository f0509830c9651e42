package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/mtlsvault/audit"
	"github.com/jmcleod/mtlsvault/storage/sqlite"
)

var migrateCheck bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Encrypt a plaintext SQLite credential store with SQLCipher",
	Long: `Opens the configured SQLite store with encryption required. A plaintext
database is cloned into an encrypted copy, verified and swapped into place;
on failure the original file is left untouched. Use --check to only report
whether the file is encrypted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Storage.Driver != "sqlite" {
			return fmt.Errorf("migrate applies to the sqlite driver only, configured driver is %q", cfg.Storage.Driver)
		}
		out := cmd.OutOrStdout()

		if migrateCheck {
			enc, err := sqlite.IsEncrypted(cfg.Storage.Path)
			if err != nil {
				return err
			}
			if enc {
				fmt.Fprintf(out, "%s is encrypted\n", cfg.Storage.Path)
			} else {
				fmt.Fprintf(out, "%s is not encrypted\n", cfg.Storage.Path)
			}
			return nil
		}

		store, err := sqlite.Open(cmd.Context(), cfg.Storage.Path,
			sqlite.WithSecret(cfg.StoreSecret()),
			sqlite.WithRequireEncryption(true),
			sqlite.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		defer store.Close()

		if !store.Migrated() {
			fmt.Fprintf(out, "%s is already encrypted\n", store.Path())
			return nil
		}

		journal, err := audit.OpenJournal(cfg.Audit.Path, audit.WithMaxEntries(cfg.Audit.MaxEntries))
		if err != nil {
			return fmt.Errorf("failed to open audit journal: %w", err)
		}
		defer journal.Close()
		rec := audit.Multi{audit.NewLogger(logger), journal}
		if err := rec.Record(cmd.Context(), audit.Entry{Event: audit.EventStoreMigrated, Detail: store.Path()}); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s migrated to SQLCipher\n", store.Path())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&migrateCheck, "check", false, "Only report whether the store is encrypted")
}
