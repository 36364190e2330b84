package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/davarch/ci-runner/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with default settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfgPath); err == nil && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}

		cfg := config.Default()
		cfg.Runner.Pipeline = "ci.yaml"
		if err := config.Save(cfgPath, cfg); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", cfgPath)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}
