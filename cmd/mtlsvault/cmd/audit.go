package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/mtlsvault/audit"
)

var (
	auditEvent       string
	auditCertificate int64
	auditLimit       int
	auditJSON        bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit journal tools",
	Long: `Commands for inspecting the audit journal. The journal file is locked while
the server runs; use GET /api/audit there instead.`,
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		journal, err := audit.OpenJournal(cfg.Audit.Path)
		if err != nil {
			return err
		}
		defer journal.Close()

		entries, err := journal.List(cmd.Context(), audit.Filter{
			Event:         audit.Event(auditEvent),
			CertificateID: auditCertificate,
			Limit:         auditLimit,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if auditJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tEVENT\tACTOR\tCERTIFICATE\tCA\tDETAIL")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.CreatedAt.UTC().Format(time.RFC3339), e.Event,
				optionalID(e.ActorID), optionalID(e.CertificateID), optionalID(e.CAID), e.Detail)
		}
		return tw.Flush()
	},
}

func optionalID(id int64) string {
	if id == 0 {
		return "-"
	}
	return fmt.Sprint(id)
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)
	auditListCmd.Flags().StringVar(&auditEvent, "event", "", "Only show entries of this event type")
	auditListCmd.Flags().Int64Var(&auditCertificate, "certificate", 0, "Only show entries for this certificate ID")
	auditListCmd.Flags().IntVarP(&auditLimit, "limit", "n", 50, "Maximum number of entries (0 for all)")
	auditListCmd.Flags().BoolVar(&auditJSON, "json", false, "Print JSON instead of a table")
}
