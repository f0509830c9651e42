package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/mtlsvault/certs"
)

var (
	setupCAName     string
	setupYears      int
	setupAdminName  string
	setupAdminEmail string
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the root certificate authority and the first admin user",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		name := setupCAName
		if name == "" {
			name = a.cfg.CA.Name
		}
		years := setupYears
		if years == 0 {
			years = a.cfg.CA.ValidityYears
		}

		res, err := a.svc.Setup(cmd.Context(), certs.SetupRequest{
			CAName:        name,
			ValidityYears: years,
			AdminName:     setupAdminName,
			AdminEmail:    setupAdminEmail,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Certificate authority %q created (id %d)\n", name, res.CA.ID)
		fmt.Fprintf(out, "  Valid until: %s\n", time.UnixMilli(res.CA.ValidUntil).UTC().Format(time.RFC3339))
		fmt.Fprintf(out, "  Admin user:  %d\n", res.AdminUserID)
		if a.cfg.CA.CertPath != "" {
			fmt.Fprintf(out, "  CA certificate written to %s\n", a.cfg.CA.CertPath)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(setupCmd)
	setupCmd.Flags().StringVar(&setupCAName, "ca-name", "", "CA common name (overrides ca.name)")
	setupCmd.Flags().IntVar(&setupYears, "years", 0, "CA validity in years (overrides ca.validity_years)")
	setupCmd.Flags().StringVar(&setupAdminName, "admin-name", "", "Name of the first admin user")
	setupCmd.Flags().StringVar(&setupAdminEmail, "admin-email", "", "Email of the first admin user")
	setupCmd.MarkFlagRequired("admin-name")
}
