// Package cli implements the o1relay command line.
package cli

import (
	"fmt"
	"os"

	"github.com/router-for-me/o1relay/internal/config"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	appCfg := &config.AppConfig{}

	root := &cobra.Command{
		Use:           "o1relay",
		Short:         "Metered relay in front of a reasoning model",
		Long:          "o1relay authenticates per-user tokens, enforces usage caps and a daily request ceiling, and accounts every model call.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&appCfg.ConfigPath, "config", "", "Path to config.yaml (default $O1RELAY_CONFIG or ./config.yaml)")

	root.AddCommand(
		newServeCmd(appCfg),
		newMigrateCmd(appCfg),
		newUserCmd(appCfg),
		newAdminCmd(),
	)

	root.Version = Version
	root.SetVersionTemplate(fmt.Sprintf("o1relay %s\n", Version))

	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		os.Exit(1)
	}
}
