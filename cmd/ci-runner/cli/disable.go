package cli

import (
	"strings"

	"github.com/davarch/ci-runner/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var disableCmd = &cobra.Command{
	Use:       "disable <integration>",
	Short:     "Disable an integration (" + strings.Join(config.Integrations, ", ") + ") in the config file",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: config.Integrations,
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggle(args[0], false)
	},
}

func init() {
	rootCmd.AddCommand(disableCmd)
}
