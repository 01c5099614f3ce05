package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/skiffcloud/skiff/pkg/blueprint"
	"github.com/skiffcloud/skiff/pkg/bus"
	"github.com/skiffcloud/skiff/pkg/config"
	"github.com/skiffcloud/skiff/pkg/engine"
	"github.com/skiffcloud/skiff/pkg/provider"
	"github.com/skiffcloud/skiff/pkg/telemetry"
	"github.com/skiffcloud/skiff/pkg/tracker"
)

// app bundles everything a command needs: configuration, the bus, the
// engine components, and the status bridge.
type app struct {
	cfg    *config.Config
	logger *telemetry.Logger
	creds  *provider.Credentials

	bus      *bus.Bus
	bps      *blueprint.Store
	trk      *tracker.Store
	deps     engine.Deps
	listener *engine.Listener
	scanner  *engine.Scanner
	bridge   *engine.Bridge

	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	cancel context.CancelFunc
}

// newApp loads configuration and wires the full engine. The listener pool
// is started immediately: CLI commands publish onto the in-process bus and
// the pool executes them, exactly as the long-running serve mode does.
func newApp(ctx context.Context) (*app, context.Context, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}
	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing metrics: %w", err)
	}
	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing,
		cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing tracer: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating data directory: %w", err)
	}

	bps, err := blueprint.NewStore(cfg.DataDir, logger)
	if err != nil {
		return nil, nil, err
	}
	trk, err := tracker.NewStore(tracker.Config{Path: filepath.Join(cfg.DataDir, "registry.db")})
	if err != nil {
		return nil, nil, err
	}
	if err := trk.Init(ctx); err != nil {
		return nil, nil, err
	}

	creds, err := resolveCredentials(cfg)
	if err != nil && !errors.Is(err, provider.ErrNoCredentials) {
		return nil, nil, err
	}
	prov, err := newProvider(cfg, creds)
	if err != nil {
		return nil, nil, err
	}

	b := bus.New()
	deps := engine.Deps{
		Blueprints: bps,
		Tracker:    trk,
		Provider:   prov,
		Bus:        b,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracer,
	}

	retry := engine.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
	}
	deployer := engine.NewDeployer(deps, retry, filepath.Join(cfg.DataDir, "keys"))
	deleter := engine.NewDeleter(deps, retry)
	power := engine.NewPower(deps)
	scanner := engine.NewScanner(deps, cfg.DataDir)
	listener := engine.NewListener(deps, deployer, deleter, power, scanner,
		engine.WithWorkers(cfg.Listener.Workers))
	bridge := engine.NewBridge(b, logger)

	runCtx, cancel := context.WithCancel(ctx)
	listener.Start(runCtx)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		creds:    creds,
		bus:      b,
		bps:      bps,
		trk:      trk,
		deps:     deps,
		listener: listener,
		scanner:  scanner,
		bridge:   bridge,
		metrics:  metrics,
		tracer:   tracer,
		cancel:   cancel,
	}
	return a, runCtx, nil
}

// close drains in-flight work before releasing the stores.
func (a *app) close() {
	a.cancel()
	a.listener.Stop()
	a.bus.Close()
	a.bridge.Close()
	_ = a.trk.Close()
	_ = a.tracer.Shutdown(context.Background())
}

// newProvider constructs the configured driver. The resolved credentials
// travel with the call so a real driver never reaches for ambient state.
// The fake runs without any and a nil creds is accepted for it.
func newProvider(cfg *config.Config, creds *provider.Credentials) (provider.API, error) {
	switch cfg.Provider.Driver {
	case "fake":
		return provider.NewFake(cfg.Provider.Region), nil
	default:
		return nil, fmt.Errorf("unknown provider driver %q", cfg.Provider.Driver)
	}
}

// resolveCredentials builds the credential chain for the configured profile.
func resolveCredentials(cfg *config.Config) (*provider.Credentials, error) {
	chain := &provider.Chain{Sources: []provider.CredentialSource{
		provider.EnvSource{},
		provider.FileSource{Path: cfg.Provider.CredentialsFile, Profile: cfg.Provider.Profile},
	}}
	return chain.Retrieve()
}
