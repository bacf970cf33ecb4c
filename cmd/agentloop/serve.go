package main

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentloop/internal/config"
	"github.com/fyrsmithlabs/agentloop/internal/events"
	"github.com/fyrsmithlabs/agentloop/internal/http"
	"github.com/fyrsmithlabs/agentloop/internal/logging"
	"github.com/fyrsmithlabs/agentloop/internal/runs"
)

func newServeCmd() *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run control API",
		Long: `Start the HTTP control API: submit runs, answer HITL gates and follow
run events over WebSocket or SSE.

Examples:
  # Serve with the configured host and port
  agentloop serve

  # Forget finished runs after ten minutes
  agentloop serve --retention 10m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("retention") {
				if retention <= 0 {
					return fmt.Errorf("--retention must be positive, got %s", retention)
				}
				cfg.Server.Retention = config.Duration(retention)
			}
			logger, err := initLogger(cfg, false)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", time.Hour, "how long finished runs stay queryable (overrides server.retention)")
	return cmd
}

// serve blocks until ctx is cancelled or the listener fails, then drains
// in-flight runs within the configured shutdown timeout.
func serve(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	logger.Info(ctx, "starting agentloop",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()),
		zap.Duration("retention", cfg.Server.Retention.Duration()))

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	outbound, closeSinks, err := outboundSinks(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	bus := events.NewBus(outbound, logger.Underlying().Named("events"))
	mgr := runs.NewManager(bus, runs.Options{
		HITL:      deps.defaultHITL(),
		Retention: cfg.Server.Retention.Duration(),
	}, logger.Named("runs"))

	coord, err := deps.newCoordinator(ctx, mgr)
	if err != nil {
		return err
	}
	mgr.Bind(coord)

	srv, err := http.NewServer(mgr, bus, deps.registry, logger.Underlying().Named("http"), &http.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info(ctx, "server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/metrics"))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("run shutdown: %w", err))
	}
	logger.Info(context.Background(), "server shutdown complete")
	return errors.Join(errs...)
}

// outboundSinks builds the sinks every event is forwarded to after the
// in-process bus: NATS and per-run transcripts, each only when configured.
func outboundSinks(cfg *config.Config, logger *logging.Logger) (events.Sink, func(), error) {
	var (
		sinks   events.Multi
		closers []func() error
	)
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}

	if cfg.Events.NATSURL != "" {
		ns, err := events.ConnectNATS(cfg.Events.NATSURL, cfg.Events.NATSSubject, logger.Underlying().Named("nats"))
		if err != nil {
			return nil, closeAll, err
		}
		sinks = append(sinks, ns)
		closers = append(closers, ns.Close)
		logger.Info(context.Background(), "publishing events to nats",
			zap.String("url", cfg.Events.NATSURL),
			zap.String("subject", cfg.Events.NATSSubject))
	}

	if cfg.Events.TranscriptDir != "" {
		dir, err := config.ExpandHome(cfg.Events.TranscriptDir)
		if err != nil {
			closeAll()
			return nil, closeAll, err
		}
		ts, err := events.NewTranscriptSink(dir)
		if err != nil {
			closeAll()
			return nil, closeAll, fmt.Errorf("transcript sink: %w", err)
		}
		sinks = append(sinks, ts)
		logger.Info(context.Background(), "writing run transcripts", zap.String("dir", dir))
	}

	if len(sinks) == 0 {
		return nil, closeAll, nil
	}
	return sinks, closeAll, nil
}
