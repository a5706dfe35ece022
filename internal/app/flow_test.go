package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bnema/zerowrap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcrp/internal/adapters/out/eventbus"
	"dcrp/internal/boundaries/out"
	"dcrp/internal/domain"
	"dcrp/internal/usecase/discovery"
	"dcrp/internal/usecase/reconcile"
	"dcrp/internal/usecase/routes"
)

type memoryProxy struct {
	mu      sync.Mutex
	applied map[string]string
}

var _ out.ProxyAdmin = (*memoryProxy)(nil)

func newMemoryProxy() *memoryProxy {
	return &memoryProxy{applied: make(map[string]string)}
}

func (p *memoryProxy) Render(intent domain.RouteIntent) string {
	return fmt.Sprintf("%s|%s", intent.Host, intent.Upstream)
}

func (p *memoryProxy) UpsertRoute(ctx context.Context, intent domain.RouteIntent) (out.AppliedRoute, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	checksum := p.Render(intent)
	p.applied[intent.RouteID] = checksum
	return out.AppliedRoute{RouteID: intent.RouteID, Checksum: checksum, Fragment: json.RawMessage(`{}`)}, nil
}

func (p *memoryProxy) DeleteRoute(ctx context.Context, routeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.applied, routeID)
	return nil
}

func (p *memoryProxy) ListRoutes(ctx context.Context) ([]out.AppliedRoute, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]out.AppliedRoute, 0, len(p.applied))
	for id, checksum := range p.applied {
		result = append(result, out.AppliedRoute{RouteID: id, Checksum: checksum})
	}
	return result, nil
}

func (p *memoryProxy) Config(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (p *memoryProxy) routeIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.applied))
	for id := range p.applied {
		ids = append(ids, id)
	}
	return ids
}

type listEngine struct {
	mu         sync.Mutex
	containers []domain.Container
}

var _ out.ContainerEngine = (*listEngine)(nil)

func (e *listEngine) set(containers []domain.Container) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.containers = containers
}

func (e *listEngine) Events(ctx context.Context) (<-chan out.ContainerEvent, <-chan error) {
	return make(chan out.ContainerEvent), make(chan error)
}

func (e *listEngine) ListContainers(ctx context.Context) ([]domain.Container, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.containers, nil
}

func (e *listEngine) InspectContainer(ctx context.Context, containerID string) (domain.Container, error) {
	return domain.Container{}, domain.ErrContainerGone
}

func (e *listEngine) Ping(ctx context.Context) error { return nil }
func (e *listEngine) Close() error                   { return nil }

// The container-to-route pipeline: discovery resync publishes intents on
// the bus, the intent handler folds them into the store, and a reconcile
// pass materializes them on the proxy.
func TestContainerToProxyFlow(t *testing.T) {
	log := zerowrap.Default()
	ctx := zerowrap.WithCtx(context.Background(), log)

	store := routes.NewStore(log)
	bus := eventbus.NewInMemory(64, log)
	require.NoError(t, bus.Subscribe(routes.NewIntentHandler(ctx, store)))
	require.NoError(t, bus.Start())
	t.Cleanup(func() { _ = bus.Stop() })

	proxy := newMemoryProxy()
	reconciler := reconcile.New(reconcile.Config{}, store, proxy)

	engine := &listEngine{}
	engine.set([]domain.Container{{
		ID:   "abc123def456",
		Name: "web",
		Labels: map[string]string{
			domain.LabelEnable: "true",
			domain.LabelHost:   "app.example.com",
			domain.LabelPort:   "3000",
		},
	}})

	agent := discovery.NewAgent(discovery.Config{HostID: "srv1", UpstreamHost: "srv1.lan"}, engine, bus, store)

	// Container running: the route surfaces on the proxy.
	require.NoError(t, agent.Resync(ctx))
	require.Eventually(t, func() bool {
		return len(store.Desired()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	reconciler.Pass(ctx)
	ids := proxy.routeIDs()
	require.Len(t, ids, 1)
	assert.Equal(t, "monitor_srv1_web_abc123def456_3000", ids[0])

	info, err := store.Get(ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.RouteStateApplied, info.Status.State)
	assert.Equal(t, "app.example.com", info.Intent.Host)
	assert.Equal(t, "srv1.lan:3000", info.Intent.Upstream)

	// Container gone: the next resync orphans the route and the next pass
	// removes it from the proxy.
	engine.set(nil)
	require.NoError(t, agent.Resync(ctx))
	require.Eventually(t, func() bool {
		return len(store.Desired()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	reconciler.Pass(ctx)
	assert.Empty(t, proxy.routeIDs())
}

// Manual routes coexist with container routes and survive resyncs that do
// not concern their host claim.
func TestManualRouteSurvivesResync(t *testing.T) {
	log := zerowrap.Default()
	ctx := zerowrap.WithCtx(context.Background(), log)

	store := routes.NewStore(log)
	routeSvc := routes.NewService(store)
	bus := eventbus.NewInMemory(64, log)
	require.NoError(t, bus.Subscribe(routes.NewIntentHandler(ctx, store)))
	require.NoError(t, bus.Start())
	t.Cleanup(func() { _ = bus.Stop() })

	proxy := newMemoryProxy()
	reconciler := reconcile.New(reconcile.Config{}, store, proxy)

	routeID, err := routeSvc.CreateManualRoute(ctx, "manual.example.com", "10.0.0.9:8080", false, false)
	require.NoError(t, err)

	engine := &listEngine{}
	agent := discovery.NewAgent(discovery.Config{HostID: "srv1", UpstreamHost: "srv1.lan"}, engine, bus, store)
	require.NoError(t, agent.Resync(ctx))

	reconciler.Pass(ctx)
	assert.Equal(t, []string{routeID}, proxy.routeIDs())
}
