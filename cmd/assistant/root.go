package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-assistant/config"
	"github.com/becomeliminal/nim-assistant/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "assistant",
		Short:         "Conversational assistant with memory, knowledge and tools",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env is optional
			_ = godotenv.Load()

			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			level := cfg.Log.Level
			if opts.logLevel != "" {
				level = opts.logLevel
			}
			logger := logging.New(level, os.Stderr)
			logging.SetDefault(logger)
			cmd.SetContext(logging.With(cmd.Context(), logger))

			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCmd(opts),
		newIngestCmd(opts),
		newSweepCmd(opts),
		newChatCmd(opts),
	)
	return cmd
}
