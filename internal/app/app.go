// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initRegistry  — model table (fatal on failure)
//  2. initUpstream  — credential capability + per-region Vertex AI clients
//  3. initServices  — metrics registry, async request logger
//  4. initGateway   — proxy + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/arclight-dev/vertexgw/internal/config"
	"github.com/arclight-dev/vertexgw/internal/logger"
	"github.com/arclight-dev/vertexgw/internal/metrics"
	"github.com/arclight-dev/vertexgw/internal/proxy"
	"github.com/arclight-dev/vertexgw/internal/registry"
	"github.com/arclight-dev/vertexgw/internal/upstream"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	reg       *registry.Registry
	invoker   *upstream.Client
	reqLogger *logger.Logger
	prom      *metrics.Registry

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"registry", a.initRegistry},
		{"upstream", a.initUpstream},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("project", a.cfg.Project),
		slog.String("location", a.cfg.Location),
		slog.Int("models", a.reg.Len()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources. Safe to call multiple times.
func (a *App) Close() {
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
}

// initRegistry builds the model table. Failure here is the sole condition
// that prevents the process from serving any request.
func (a *App) initRegistry(_ context.Context) error {
	reg, err := registry.New(a.cfg.Location, a.cfg.ModelOverrides)
	if err != nil {
		return err
	}
	a.reg = reg

	a.log.Info("model registry loaded",
		slog.Int("models", reg.Len()),
		slog.Any("regions", reg.Regions()),
	)
	return nil
}

// initUpstream wires the credential capability and builds one Vertex AI
// client per registry region.
func (a *App) initUpstream(ctx context.Context) error {
	var opts []upstream.Option

	switch {
	case a.cfg.AccessToken != "":
		// Pre-fetched token: bypasses ADC entirely.
		opts = append(opts, upstream.WithTokenSource(upstream.StaticTokenSource(a.cfg.AccessToken)))
		a.log.Info("credentials: static access token")

	case a.cfg.CredentialsFile != "":
		// The SDK reads this env var; config only validated the path.
		if err := os.Setenv("GOOGLE_APPLICATION_CREDENTIALS", a.cfg.CredentialsFile); err != nil {
			return fmt.Errorf("set credentials path: %w", err)
		}
		a.log.Info("credentials: service account file",
			slog.String("path", a.cfg.CredentialsFile))

	default:
		a.log.Info("credentials: application default")
	}

	inv, err := upstream.New(ctx, a.cfg.Project, a.reg.Regions(), opts...)
	if err != nil {
		return err
	}
	a.invoker = inv
	return nil
}

// initServices creates the metrics registry and the async request logger.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return err
	}
	a.reqLogger = reqLogger

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	gw := proxy.NewGateway(a.baseCtx, a.reg, a.invoker, proxy.GatewayOptions{
		Logger:                a.log,
		Metrics:               a.prom,
		RequestLogger:         a.reqLogger,
		UpstreamTimeout:       a.cfg.UpstreamTimeout,
		MaxConcurrentUpstream: a.cfg.MaxConcurrentUpstream,
		Version:               a.version,
	})

	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}
	a.gw = gw

	return nil
}
