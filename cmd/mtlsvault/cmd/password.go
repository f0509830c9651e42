package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var passwordCmd = &cobra.Command{
	Use:   "password <certificate-id>",
	Short: "Reveal the export bundle password of a certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		password, err := a.svc.ExportPassword(cmd.Context(), a.operator(), id)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), password)
		return nil
	},
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func init() {
	rootCmd.AddCommand(passwordCmd)
}
