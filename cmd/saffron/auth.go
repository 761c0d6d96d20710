package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Veraticus/saffron/internal/cli"
	"github.com/Veraticus/saffron/internal/common"
	"github.com/Veraticus/saffron/internal/config"
	"github.com/Veraticus/saffron/internal/gmail"
)

func authCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize external services",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "gmail",
		Short: "Authorize read-only access to the receipt mailbox",
		Long: `Run the Google OAuth flow and store a token for receipt search.

Requires gmail.client_id and gmail.client_secret in the config file, or
GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET in the environment.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.LoadGmail(viper.GetViper())
			if !cfg.Enabled() {
				return fmt.Errorf("%w: gmail client ID and secret", common.ErrMissingConfig)
			}
			if _, err := gmail.Authenticate(cmd.Context(), cfg); err != nil {
				return err
			}
			cmd.Println(cli.FormatSuccess("Gmail authorized; token saved to " + cfg.TokenFile))
			return nil
		},
	})
	return cmd
}
