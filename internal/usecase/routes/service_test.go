package routes

import (
	"testing"

	"github.com/bnema/zerowrap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcrp/internal/domain"
)

func TestService_CreateManualRoute(t *testing.T) {
	store := NewStore(zerowrap.Default())
	svc := NewService(store)
	ctx := testContext()

	routeID, err := svc.CreateManualRoute(ctx, "app.example.com", "10.0.0.5:3000", true, false)
	require.NoError(t, err)
	assert.Equal(t, "route_app_example_com", routeID)

	info, err := svc.GetRoute(ctx, routeID)
	require.NoError(t, err)
	assert.True(t, info.Intent.ForceSSL)
	assert.Equal(t, domain.OriginManual, info.Intent.Origin)
}

func TestService_CreateManualRouteConflictsWithMonitor(t *testing.T) {
	store := NewStore(zerowrap.Default())
	svc := NewService(store)
	ctx := testContext()

	monitor := monitorIntent(t, "app.example.com", "node1:8080", "node1", 100)
	require.NoError(t, store.Upsert(ctx, monitor))

	_, err := svc.CreateManualRoute(ctx, "app.example.com", "10.0.0.5:3000", false, false)
	assert.ErrorIs(t, err, domain.ErrRouteConflict)
}

func TestService_CreateManualRouteRejectsInvalidInput(t *testing.T) {
	svc := NewService(NewStore(zerowrap.Default()))
	ctx := testContext()

	_, err := svc.CreateManualRoute(ctx, "", "10.0.0.5:3000", false, false)
	assert.ErrorIs(t, err, domain.ErrInvalidRoute)

	_, err = svc.CreateManualRoute(ctx, "https://app.example.com", "10.0.0.5:3000", false, false)
	assert.ErrorIs(t, err, domain.ErrInvalidRoute)
}

func TestService_UpdateRoute(t *testing.T) {
	store := NewStore(zerowrap.Default())
	svc := NewService(store)
	ctx := testContext()

	routeID, err := svc.CreateManualRoute(ctx, "app.example.com", "10.0.0.5:3000", false, false)
	require.NoError(t, err)

	ssl := true
	require.NoError(t, svc.UpdateRoute(ctx, routeID, nil, &ssl, nil))

	info, err := svc.GetRoute(ctx, routeID)
	require.NoError(t, err)
	assert.True(t, info.Intent.ForceSSL)
	assert.Equal(t, "10.0.0.5:3000", info.Intent.Upstream)
}

func TestService_LoadStaticReplacesSet(t *testing.T) {
	store := NewStore(zerowrap.Default())
	svc := NewService(store)
	ctx := testContext()

	first := []domain.RouteIntent{
		staticIntent(t, "a.example.com", "10.0.0.5:3000", 0),
		staticIntent(t, "b.example.com", "10.0.0.6:3000", 0),
	}
	require.NoError(t, svc.LoadStatic(ctx, first))
	assert.Len(t, store.Desired(), 2)

	// Reload without b: the stale static route is removed.
	second := []domain.RouteIntent{
		staticIntent(t, "a.example.com", "10.0.0.7:3000", 0),
	}
	require.NoError(t, svc.LoadStatic(ctx, second))

	desired := store.Desired()
	require.Len(t, desired, 1)
	assert.Equal(t, "a.example.com", desired[0].Host)
	assert.Equal(t, "10.0.0.7:3000", desired[0].Upstream)
}
