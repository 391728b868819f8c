package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent"
	"github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/config"
	"github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/server"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the assistant over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := agent.NewFactory(*cfg, logger).Build(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					logger.Error().Err(err).Msg("closing runtime")
				}
			}()

			watchPolicy(rt.Orchestrator, logger)

			srv := server.New(cfg.Server, rt.Orchestrator, rt.Limiter, prometheus.DefaultGatherer, logger)
			return srv.Run(ctx)
		},
	}
}

// watchPolicy applies max_retries and turn_budget edits without a restart.
func watchPolicy(orch *agent.Orchestrator, logger zerolog.Logger) {
	if viper.ConfigFileUsed() == "" {
		logger.Debug().Msg("no config file in use, live reload disabled")
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := config.Decode(viper.GetViper())
		if err != nil {
			logger.Error().Err(err).Str("file", e.Name).Msg("config reload failed, keeping current policy")
			return
		}
		policy := agent.PolicyFromConfig(next.Agent, logger)
		orch.SetPolicy(policy)
		logger.Info().
			Str("file", e.Name).
			Int("max_retries", policy.MaxRetries).
			Dur("turn_budget", policy.TurnBudget).
			Msg("agent policy reloaded")
	})
	viper.WatchConfig()
}
