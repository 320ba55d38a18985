package main

import (
	"context"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/agentdesk/config"
	"github.com/mohammad-safakhou/agentdesk/internal/events"
	"github.com/mohammad-safakhou/agentdesk/internal/knowledge"
	"github.com/mohammad-safakhou/agentdesk/internal/runtime"
	srv "github.com/mohammad-safakhou/agentdesk/internal/server"
)

func serveCMD() *cobra.Command {
	var serveAddr string
	var cfgPath string
	var seedPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if serveAddr != "" {
				cfg.Server.Address = serveAddr
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			telemetry, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{ServiceVersion: version})
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = telemetry.Shutdown(shutdownCtx)
			}()

			b, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			if seedPath != "" {
				if err := seedFromFile(ctx, b, seedPath); err != nil {
					return err
				}
			}

			var notifier events.Notifier = events.Discard
			if cfg.Knowledge.EventsEnabled {
				notifier = events.NewPublisher(b.Redis, cfg.Knowledge.EventsStream, nil, events.WithMaxLenApprox(cfg.Knowledge.EventsMaxLen))
			}

			engine := knowledge.NewEngine(b.Records, log.New(log.Writer(), "[KNOWLEDGE] ", log.LstdFlags))
			log.Printf("knowledge driver=%s cache=%t events=%t", cfg.Knowledge.Driver, cfg.Knowledge.CacheEnabled, cfg.Knowledge.EventsEnabled)
			return srv.Run(ctx, cfg, srv.Deps{
				Engine:   engine,
				Notifier: notifier,
				Metrics:  telemetry.MetricsHandler(),
			})
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")
	serve.Flags().StringVar(&seedPath, "seed", "", "YAML file of system articles to load before serving")
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return serve
}
