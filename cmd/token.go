// File: cmd/token.go
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/agentxen/internal/surface"
)

// newTokenCmd creates the `token` command, which mints a token for an
// external chat surface when surface.auth_secret is set.
func newTokenCmd() *cobra.Command {
	var subject string
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Prints a chat surface token signed with surface.auth_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Surface.AuthSecret == "" {
				return errors.New("surface.auth_secret is not set; surfaces connect without a token")
			}
			token, err := surface.IssueToken([]byte(cfg.Surface.AuthSecret), subject, cfg.Surface.TokenTTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&subject, "subject", "surface", "Name recorded in the token")
	return tokenCmd
}
