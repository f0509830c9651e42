package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/mtlsvault/certs"
	"github.com/jmcleod/mtlsvault/storage"
)

var (
	issueOwner  int64
	issueYears  int
	issueType   string
	issueOut    string
)

var issueCmd = &cobra.Command{
	Use:   "issue <name>",
	Short: "Issue a client or server certificate under the current CA",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		typ, err := storage.ParseCertificateType(issueType)
		if err != nil {
			return err
		}
		leaf, err := a.svc.IssueCertificate(cmd.Context(), a.operator(), certs.IssueRequest{
			Name:          args[0],
			ValidityYears: issueYears,
			OwnerUserID:   issueOwner,
			Type:          typ,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Issued %s certificate %q (id %d, owner %d)\n", leaf.Type, leaf.Name, leaf.ID, leaf.OwnerUserID)
		fmt.Fprintf(out, "  Valid until: %s\n", time.UnixMilli(leaf.ValidUntil).UTC().Format(time.RFC3339))
		if issueOut != "" {
			if err := os.WriteFile(issueOut, leaf.ExportBundle, 0o600); err != nil {
				return fmt.Errorf("failed to write bundle: %w", err)
			}
			fmt.Fprintf(out, "  Bundle written to %s\n", issueOut)
			fmt.Fprintf(out, "  Bundle password: %s\n", leaf.ExportPassword)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(issueCmd)
	issueCmd.Flags().Int64Var(&issueOwner, "owner", 0, "Owning user ID (defaults to --actor)")
	issueCmd.Flags().IntVar(&issueYears, "years", 0, "Validity in years (defaults to certificates.default_validity_years)")
	issueCmd.Flags().StringVar(&issueType, "type", "client", "Certificate type: client, or server (the name becomes a DNS SAN)")
	issueCmd.Flags().StringVarP(&issueOut, "out", "o", "", "Write the PKCS#12 bundle to this file and print its password")
}
