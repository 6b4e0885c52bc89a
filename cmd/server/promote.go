package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iliyamo/auth-broker/internal/model"
)

func promoteCmd() *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:   "promote <email>",
		Short: "Set the role of an existing user",
		Long:  "Set the role of an existing user.  Used to bootstrap the first admin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), "auth-broker-cli")
			if err != nil {
				return err
			}
			defer a.close()
			a.withService(nil)

			u, err := a.svc.SetRole(cmd.Context(), args[0], model.Role(role))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (id %d) is now %s\n", u.Email, u.ID, u.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(model.RoleAdmin), "Role to assign (user or admin)")
	return cmd
}
