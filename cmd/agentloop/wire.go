package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/fyrsmithlabs/agentloop/internal/config"
	"github.com/fyrsmithlabs/agentloop/internal/coordinator"
	"github.com/fyrsmithlabs/agentloop/internal/embeddings"
	"github.com/fyrsmithlabs/agentloop/internal/events"
	"github.com/fyrsmithlabs/agentloop/internal/llm"
	"github.com/fyrsmithlabs/agentloop/internal/logging"
	"github.com/fyrsmithlabs/agentloop/internal/memory"
	"github.com/fyrsmithlabs/agentloop/internal/secrets"
	"github.com/fyrsmithlabs/agentloop/internal/stages"
	"github.com/fyrsmithlabs/agentloop/internal/telemetry"
	"github.com/fyrsmithlabs/agentloop/internal/tools"
	"github.com/fyrsmithlabs/agentloop/internal/vectorstore"
)

// loadConfig reads and validates configuration from --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// initLogger builds the structured logger. Terminal commands pass quiet so
// only errors interleave with their output.
func initLogger(cfg *config.Config, quiet bool) (*logging.Logger, error) {
	lcfg := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(cfg.Observability.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	lcfg.Level = level
	if cfg.Observability.LogFormat != "" {
		lcfg.Format = cfg.Observability.LogFormat
	}
	if quiet {
		lcfg.Level = zapcore.ErrorLevel
		lcfg.Format = "console"
		lcfg.Caller = false
	}
	return logging.NewLogger(lcfg, nil)
}

// initTelemetry installs OTEL providers. Export failures degrade rather than
// stop the process.
func initTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	tcfg := telemetry.NewDefaultConfig()
	tcfg.Enabled = cfg.Observability.EnableTelemetry
	tcfg.Endpoint = cfg.Observability.OTLPEndpoint
	tcfg.Protocol = cfg.Observability.OTLPProtocol
	tcfg.Insecure = cfg.Observability.OTLPInsecure
	tcfg.ServiceName = cfg.Observability.ServiceName
	tcfg.ServiceVersion = version
	tcfg.SamplingRate = cfg.Observability.SamplingRate
	return telemetry.New(ctx, tcfg)
}

// dependencies holds the long-lived infrastructure shared by every command.
type dependencies struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	embedder  embeddings.Provider
	store     vectorstore.Store
	sessions  memory.SessionStore
	gateway   *memory.Gateway
	registry  *tools.Registry
	mcp       []*tools.MCPConnection
}

// initDependencies opens the memory tiers and builds the tool registry. On
// failure everything opened so far is closed.
func initDependencies(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*dependencies, error) {
	d := &dependencies{cfg: cfg, logger: logger}
	if err := d.open(ctx); err != nil {
		d.Close()
		return nil, err
	}
	logger.Info(ctx, "dependencies initialized",
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("session_backend", cfg.Memory.SessionBackend),
		zap.Int("tools", d.registry.Count()))
	return d, nil
}

func (d *dependencies) open(ctx context.Context) error {
	cfg := d.cfg
	z := d.logger.Underlying()

	var err error
	d.telemetry, err = initTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	d.embedder, err = embeddings.NewProvider(cfg.Embeddings, cfg.VectorStore.VectorSize, z.Named("embeddings"))
	if err != nil {
		return fmt.Errorf("embeddings: %w", err)
	}
	d.logger.Info(ctx, "embedding provider ready",
		zap.String("provider", cfg.Embeddings.Provider),
		zap.Int("dimension", d.embedder.Dimension()))

	d.store, err = vectorstore.NewStore(ctx, cfg.VectorStore, d.embedder, z.Named("vectorstore"))
	if err != nil {
		return fmt.Errorf("vector store: %w", err)
	}

	d.sessions, err = memory.NewSessionStore(cfg.Memory)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}

	mcfg := memory.Config{
		EpisodicCollection: cfg.Memory.EpisodicCollection,
		DocumentCollection: cfg.Memory.DocumentCollection,
		Validity: memory.Validity{
			MinConfidence: cfg.Memory.MinConfidence,
			TTL: map[memory.Source]time.Duration{
				memory.SourceDocuments: cfg.Memory.TTLDocuments.Duration(),
				memory.SourceExternal:  cfg.Memory.TTLExternal.Duration(),
			},
			DefaultTTL:  cfg.Memory.TTLDefault.Duration(),
			FreshWindow: cfg.Memory.FreshWindow.Duration(),
		},
	}
	if cfg.Memory.RedactSecrets {
		scrubber, err := secrets.New(nil)
		if err != nil {
			return fmt.Errorf("secret scrubber: %w", err)
		}
		mcfg.Redactor = scrubber
	}
	d.gateway, err = memory.NewGateway(d.sessions, d.store, d.embedder, mcfg, z.Named("memory"))
	if err != nil {
		return fmt.Errorf("memory gateway: %w", err)
	}

	d.registry = tools.NewRegistry(z.Named("tools"))
	if err := tools.RegisterBuiltins(d.registry, d.gateway); err != nil {
		return fmt.Errorf("builtin tools: %w", err)
	}
	d.importMCP(ctx)
	return nil
}

// importMCP connects every configured MCP server. A server that fails to
// start is logged and left out of the catalog.
func (d *dependencies) importMCP(ctx context.Context) {
	for _, s := range d.cfg.Tools.MCPServers {
		conn, err := tools.ImportMCP(ctx, d.registry, s.Name, tools.CommandTransport(ctx, s.Command, s.Args...))
		if err != nil {
			d.logger.Warn(ctx, "mcp server unavailable",
				zap.String("server", s.Name),
				zap.String("command", s.Command),
				zap.Error(err))
			continue
		}
		d.mcp = append(d.mcp, conn)
		d.logger.Info(ctx, "mcp server connected",
			zap.String("server", conn.Name()),
			zap.Strings("tools", conn.Tools()))
	}
}

// newCoordinator builds the model-backed stages and a coordinator that
// publishes to sink.
func (d *dependencies) newCoordinator(ctx context.Context, sink events.Sink) (*coordinator.Coordinator, error) {
	z := d.logger.Underlying()
	model, err := llm.New(ctx, d.cfg.LLM, z.Named("llm"))
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}

	perceiver := stages.NewPerceiver(model, z.Named("perception"))
	decider := stages.NewDecider(model, d.registry, z.Named("decision"))
	executor := stages.NewExecutor(d.registry, stages.ExecutorConfig{
		Timeout: d.cfg.Coordinator.StepTimeout.Duration(),
	}, z.Named("executor"))

	return coordinator.New(perceiver, decider, executor, d.gateway, sink, coordinator.Config{
		MaxSteps:   d.cfg.Coordinator.MaxSteps,
		MaxReplans: d.cfg.Coordinator.MaxReplans,
		TopK:       d.cfg.Coordinator.TopK,
		Tools:      d.registry,
	}, d.logger.Named("coordinator"))
}

// defaultHITL is the gate configuration for runs that do not supply one.
func (d *dependencies) defaultHITL() blackboard.HITLConfig {
	return blackboard.HITLConfig{
		PlanApproval: d.cfg.Coordinator.PlanApproval,
		StepApproval: d.cfg.Coordinator.StepApproval,
	}
}

// Close releases everything initDependencies opened, in reverse order.
func (d *dependencies) Close() {
	var errs []error
	for _, c := range d.mcp {
		errs = append(errs, c.Close())
	}
	if d.sessions != nil {
		errs = append(errs, d.sessions.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	if d.embedder != nil {
		errs = append(errs, d.embedder.Close())
	}
	if d.telemetry != nil {
		errs = append(errs, d.telemetry.Shutdown(context.Background()))
	}
	if err := errors.Join(errs...); err != nil && d.logger != nil {
		d.logger.Warn(context.Background(), "cleanup incomplete", zap.Error(err))
	}
	if d.logger != nil {
		_ = d.logger.Sync() // Best-effort sync
	}
}
