// Package cli implements the intake command line.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/marromugi/gch4-sub003/internal/config"
	"github.com/marromugi/gch4-sub003/internal/logging"
)

var (
	cfgFile  string
	logLevel string

	// loaded at init time
	paths config.Paths
	log   *logging.Logger
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intake",
		Short: "Intake: conversational data collection",
		Long: "Intake runs agent-driven interviews that collect structured facts for applications,\n" +
			"interview feedback, review policies and forms.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			paths, err = config.ResolvePaths()
			if err != nil {
				return err
			}
			if cfgFile != "" {
				paths.Config = cfgFile
			}

			// Logging settings come from the file when it parses; a broken
			// file is reported by the command that needs it.
			style, level := "pretty", "info"
			if cfg, err := config.Load(paths.Config); err == nil {
				style, level = cfg.Logging.ConsoleStyle, cfg.Logging.Level
			}
			if logLevel != "" {
				level = logLevel
			}
			log = logging.NewWithFormat(style, level)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.intake/config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, fatal, silent)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newGatewayCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newSessionCmd())
	cmd.AddCommand(newPolicyCmd())
	cmd.AddCommand(newSchemaCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
