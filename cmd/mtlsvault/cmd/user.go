package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/mtlsvault/storage"
)

var (
	userEmail string
	userAdmin bool
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage the users certificates are issued to",
}

var userAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		role := storage.RoleUser
		if userAdmin {
			role = storage.RoleAdmin
		}
		id, err := a.svc.AddUser(cmd.Context(), a.operator(), storage.User{Name: args[0], Email: userEmail, Role: role})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "User %q added (id %d, role %s)\n", args[0], id, role)
		return nil
	},
}

var userRemoveCmd = &cobra.Command{
	Use:   "remove <user-id>",
	Short: "Remove a user and every certificate they own",
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

		if err := a.svc.RemoveUser(cmd.Context(), a.operator(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "User %d removed\n", id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userAddCmd, userRemoveCmd)
	userAddCmd.Flags().StringVar(&userEmail, "email", "", "Email address")
	userAddCmd.Flags().BoolVar(&userAdmin, "admin", false, "Grant the admin role")
}
