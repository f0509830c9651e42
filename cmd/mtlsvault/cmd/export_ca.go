package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/mtlsvault/certs"
)

var exportCAOut string

var exportCACmd = &cobra.Command{
	Use:   "export-ca",
	Short: "Print or save the current CA certificate as PEM",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := certs.WithIdentity(cmd.Context(), a.operator())
		pemBytes, err := a.svc.CAPublicPEM(ctx)
		if err != nil {
			return err
		}
		if exportCAOut == "" {
			_, err = cmd.OutOrStdout().Write(pemBytes)
			return err
		}
		if err := os.WriteFile(exportCAOut, pemBytes, 0o644); err != nil {
			return fmt.Errorf("failed to write CA certificate: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "CA certificate written to %s\n", exportCAOut)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCACmd)
	exportCACmd.Flags().StringVarP(&exportCAOut, "out", "o", "", "Write to this file instead of stdout")
}
