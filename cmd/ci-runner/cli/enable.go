package cli

import (
	"fmt"
	"strings"

	"github.com/davarch/ci-runner/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var enableCmd = &cobra.Command{
	Use:       "enable <integration>",
	Short:     "Enable an integration (" + strings.Join(config.Integrations, ", ") + ") in the config file",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: config.Integrations,
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggle(args[0], true)
	},
}

// toggle flips an integration and saves the config only when it changed.
func toggle(name string, on bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	changed, err := cfg.SetEnabled(name, on)
	if err != nil {
		return err
	}
	state := "disabled"
	if on {
		state = "enabled"
	}
	if !changed {
		fmt.Printf("no change (%s already %s)\n", name, state)
		return nil
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}

	fmt.Printf("%s: %s\n", state, name)
	return nil
}

func init() {
	rootCmd.AddCommand(enableCmd)
}
