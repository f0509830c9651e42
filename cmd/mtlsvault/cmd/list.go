package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/mtlsvault/storage"
)

var (
	listOwner int64
	listJSON  bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List issued certificates",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		leaves, err := a.svc.ListCertificates(cmd.Context(), a.operator())
		if err != nil {
			return err
		}
		if listOwner != 0 {
			leaves = filterOwner(leaves, listOwner)
		}

		out := cmd.OutOrStdout()
		if listJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(leaves)
		}

		now := time.Now()
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tTYPE\tOWNER\tCA\tVALID UNTIL\tSTATUS")
		for _, l := range leaves {
			status := "valid"
			if l.Expired(now) {
				status = "expired"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\t%s\n",
				l.ID, l.Name, l.Type, l.OwnerUserID, l.CAID,
				time.UnixMilli(l.ValidUntil).UTC().Format(time.DateOnly), status)
		}
		return tw.Flush()
	},
}

func filterOwner(leaves []storage.LeafCertificate, owner int64) []storage.LeafCertificate {
	out := leaves[:0]
	for _, l := range leaves {
		if l.OwnerUserID == owner {
			out = append(out, l)
		}
	}
	return out
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().Int64Var(&listOwner, "owner", 0, "Only show certificates owned by this user ID")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Print JSON instead of a table")
}
