package main

import (
	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-assistant/logging"
	"github.com/becomeliminal/nim-assistant/server"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := root.cfg
			if addr != "" {
				cfg.Server.Address = addr
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			go a.memory.RunSweeper(ctx, cfg.Memory.SweepInterval)

			srv, err := server.New(server.Config{
				Engine:          a.engine,
				Sessions:        a.sessions,
				Ingestor:        a.ingestor,
				Metrics:         a.metrics,
				AllowedOrigins:  cfg.Server.AllowedOrigins,
				ShutdownTimeout: cfg.Server.ShutdownTimeout,
			})
			if err != nil {
				return err
			}

			logging.Component(ctx, "app").Info("starting assistant",
				"oracle", cfg.Oracle.Provider,
				"embedder", cfg.Embedder.Provider,
				"sessions", cfg.Session.Backend,
			)
			return srv.Run(ctx, cfg.Server.Address)
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "listen address (overrides server.address)")
	return cmd
}
