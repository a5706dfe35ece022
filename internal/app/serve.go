package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bnema/zerowrap"

	"dcrp/internal/adapters/in/http/mgmt"
	"dcrp/internal/adapters/out/caddy"
	"dcrp/internal/adapters/out/docker"
	"dcrp/internal/adapters/out/eventbus"
	"dcrp/internal/adapters/out/sshtunnel"
	"dcrp/internal/adapters/out/telemetry"
	"dcrp/internal/boundaries/out"
	"dcrp/internal/domain"
	"dcrp/internal/usecase/config"
	"dcrp/internal/usecase/discovery"
	"dcrp/internal/usecase/health"
	"dcrp/internal/usecase/reconcile"
	"dcrp/internal/usecase/routes"
	"dcrp/pkg/backoff"
)

// localPingInterval is how often a local host's engine is probed to keep
// its connection state current.
const localPingInterval = 30 * time.Second

// RunServe starts the controller: discovery agents per host, the route
// store and reconciler, and the management API.
func RunServe(ctx context.Context, configPath, version string) error {
	v, err := initConfig(configPath)
	if err != nil {
		return err
	}

	configSvc := config.NewService(v, nil)
	if err := configSvc.Load(ctx); err != nil {
		return err
	}
	cfg := configSvc.Get()

	log, cleanup, err := initLogger(cfg)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	ctx = zerowrap.WithCtx(ctx, log)
	log.Info().
		Str(zerowrap.FieldLayer, "app").
		Str("version", version).
		Msg("starting controller")

	shutdownTelemetry, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Interval: cfg.Telemetry.Interval.String(),
	}, "dcrp", version)
	if err != nil {
		return log.WrapErr(err, "failed to initialize telemetry")
	}
	defer shutdownTelemetry(context.Background())

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return log.WrapErr(err, "failed to create metrics")
	}

	// Everything below hangs off runCtx; cancelling it begins shutdown.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	bus := eventbus.NewInMemory(256, log)
	bus.SetMetrics(metrics)
	configSvc.SetPublisher(bus)

	store := routes.NewStore(log)
	store.SetMetrics(metrics)
	routeSvc := routes.NewService(store)

	registry := NewHostRegistry(log)

	if err := bus.Subscribe(routes.NewIntentHandler(runCtx, store)); err != nil {
		return log.WrapErr(err, "failed to subscribe intent handler")
	}
	if err := bus.Subscribe(NewHostStateHandler(runCtx, registry)); err != nil {
		return log.WrapErr(err, "failed to subscribe host state handler")
	}
	if err := bus.Subscribe(NewReloadHandler(runCtx, configSvc, routeSvc)); err != nil {
		return log.WrapErr(err, "failed to subscribe reload handler")
	}

	if err := bus.Start(); err != nil {
		return log.WrapErr(err, "failed to start event bus")
	}
	defer bus.Stop()

	proxy := caddy.NewClient(caddy.Config{
		AdminURL: cfg.Proxy.AdminURL,
		Server:   cfg.Proxy.Server,
		Timeout:  cfg.Proxy.Timeout.String(),
		Retries:  cfg.Proxy.Retries,
	}, log)

	reconciler := reconcile.New(reconcile.Config{
		Debounce:      cfg.Discovery.Debounce,
		Concurrency:   cfg.Discovery.Concurrency,
		DriftInterval: cfg.Discovery.DriftInterval,
	}, store, proxy)
	reconciler.SetMetrics(metrics)
	go reconciler.Run(runCtx)

	for _, host := range configSvc.Hosts() {
		if err := startHostWorker(runCtx, host, cfg, registry, bus, store, log); err != nil {
			// A bad host degrades, it does not stop the controller.
			log.Error().Err(err).Str(zerowrap.FieldHost, host.ID).Msg("host worker failed to start")
		}
	}

	staticRoutes, err := configSvc.StaticRoutes(runCtx)
	if err != nil {
		return err
	}
	if err := routeSvc.LoadStatic(runCtx, staticRoutes); err != nil {
		return err
	}

	if err := configSvc.Watch(runCtx); err != nil {
		return err
	}

	healthSvc := health.NewService(registry)
	handler := mgmt.NewHandler(routeSvc, healthSvc, proxy, log)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	return runServer(runCtx, cfg, mux, log)
}

// runServer serves the management API until a shutdown signal arrives.
func runServer(ctx context.Context, cfg config.Config, mux *http.ServeMux, log zerowrap.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().
		Str(zerowrap.FieldLayer, "app").
		Int("port", cfg.Server.Port).
		Msg("management API server listening")

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().
				Str(zerowrap.FieldLayer, "app").
				Err(err).
				Msg("management API server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
		log.Info().Str(zerowrap.FieldLayer, "app").Msg("context cancelled, shutting down")
	case sig := <-quit:
		log.Info().
			Str(zerowrap.FieldLayer, "app").
			Str("signal", sig.String()).
			Msg("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("management API server shutdown error")
	}

	log.Info().Str(zerowrap.FieldLayer, "app").Msg("shutdown complete")
	return nil
}

// startHostWorker brings up the transport, engine, and discovery agent for
// one host under a dedicated sub-context and registers it.
func startHostWorker(ctx context.Context, host domain.Host, cfg config.Config, registry *HostRegistry, bus out.EventBus, store *routes.Store, log zerowrap.Logger) error {
	hostCtx, cancel := context.WithCancel(ctx)

	policy := backoff.New(cfg.Discovery.BackoffBase, cfg.Discovery.BackoffCap)
	publishState := func(state domain.ConnectionState) {
		if err := bus.Publish(domain.EventHostState, domain.HostStatePayload{HostID: host.ID, State: state}); err != nil {
			log.Warn().Err(err).Str(zerowrap.FieldHost, host.ID).Msg("failed to publish host state")
		}
	}

	var (
		engine   *docker.Engine
		tunnel   *sshtunnel.Tunnel
		upstream string
		err      error
	)

	switch host.Kind {
	case domain.HostKindLocal:
		upstream = "localhost"
		engine, err = docker.NewLocalEngine(host.ID, log)
		if err != nil {
			cancel()
			return err
		}
		go pingLoop(hostCtx, engine, publishState)

	case domain.HostKindSSH:
		upstream = host.Address
		tunnel = sshtunnel.NewTunnel(sshtunnel.Config{
			HostID:  host.ID,
			Address: host.Address,
			Port:    host.Port,
			User:    host.User,
			KeyPath: host.KeyPath,
			Backoff: policy,
		}, log)
		tunnel.OnStateChange(publishState)
		go tunnel.Run(hostCtx)

		engine, err = docker.NewTunneledEngine(host.ID, "", tunnel.DialContext, log)
		if err != nil {
			cancel()
			return err
		}

	default:
		cancel()
		return fmt.Errorf("%w: host %q has unknown kind %q", domain.ErrInvalidConfig, host.ID, host.Kind)
	}

	agent := discovery.NewAgent(discovery.Config{
		HostID:       host.ID,
		UpstreamHost: upstream,
		Backoff:      policy,
	}, engine, bus, store)
	go agent.Run(hostCtx)

	go func() {
		<-hostCtx.Done()
		_ = engine.Close()
		if tunnel != nil {
			_ = tunnel.Close()
		}
	}()

	if err := registry.Register(host, cancel); err != nil {
		cancel()
		return err
	}
	return nil
}

// pingLoop keeps a local host's connection state current. SSH hosts get
// their state from the tunnel instead.
func pingLoop(ctx context.Context, engine *docker.Engine, publish func(domain.ConnectionState)) {
	probe := func() {
		if err := engine.Ping(ctx); err != nil {
			publish(domain.ConnectionDegraded)
			return
		}
		publish(domain.ConnectionConnected)
	}
	probe()

	ticker := time.NewTicker(localPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

// ReloadHandler reloads static routes when the configuration changes.
type ReloadHandler struct {
	ctx      context.Context
	configs  *config.Service
	routeSvc *routes.Service
}

// NewReloadHandler creates the config reload bus handler.
func NewReloadHandler(ctx context.Context, configs *config.Service, routeSvc *routes.Service) *ReloadHandler {
	return &ReloadHandler{ctx: ctx, configs: configs, routeSvc: routeSvc}
}

// CanHandle reports whether this handler processes the event type.
func (h *ReloadHandler) CanHandle(eventType domain.EventType) bool {
	return eventType == domain.EventConfigReload
}

// Handle re-reads the static routes file and replaces the static set.
func (h *ReloadHandler) Handle(event domain.Event) error {
	intents, err := h.configs.StaticRoutes(h.ctx)
	if err != nil {
		return err
	}
	return h.routeSvc.LoadStatic(h.ctx, intents)
}
