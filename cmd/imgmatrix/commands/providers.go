package commands

import (
	"context"

	"github.com/spf13/cobra"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Show providers in dispatch order with their health",
	Long: `Show the providers that have an API key configured, in the order the
router tries them. Health is tracked per process; a fresh process reports
every provider as available.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runWithApp(cmd, 0, func(_ context.Context, a *app) error {
			descs := a.router.Descriptors()
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), descs)
			}
			renderProviders(cmd.OutOrStdout(), descs)
			return nil
		})
	},
}
