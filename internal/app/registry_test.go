package app

import (
	"context"
	"testing"

	"github.com/bnema/zerowrap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcrp/internal/domain"
)

func localHost(id string) domain.Host {
	return domain.Host{ID: id, Kind: domain.HostKindLocal, State: domain.ConnectionDisconnected}
}

func TestHostRegistry_RegisterAndList(t *testing.T) {
	ctx := context.Background()
	reg := NewHostRegistry(zerowrap.Default())

	require.NoError(t, reg.Register(localHost("srv2"), nil))
	require.NoError(t, reg.Register(localHost("srv1"), nil))
	require.Error(t, reg.Register(localHost("srv1"), nil))

	hosts := reg.Hosts(ctx)
	require.Len(t, hosts, 2)
	assert.Equal(t, "srv1", hosts[0].ID)
	assert.Equal(t, "srv2", hosts[1].ID)
}

func TestHostRegistry_SetState(t *testing.T) {
	ctx := context.Background()
	reg := NewHostRegistry(zerowrap.Default())
	require.NoError(t, reg.Register(localHost("srv1"), nil))

	reg.SetState(ctx, "srv1", domain.ConnectionConnected)
	hosts := reg.Hosts(ctx)
	require.Len(t, hosts, 1)
	assert.Equal(t, domain.ConnectionConnected, hosts[0].State)
	assert.False(t, hosts[0].LastSeen.IsZero())

	// Unknown hosts are ignored, not created.
	reg.SetState(ctx, "ghost", domain.ConnectionConnected)
	assert.Len(t, reg.Hosts(ctx), 1)
}

func TestHostRegistry_RemoveHost(t *testing.T) {
	ctx := context.Background()
	reg := NewHostRegistry(zerowrap.Default())

	cancelled := false
	require.NoError(t, reg.Register(localHost("srv1"), func() { cancelled = true }))

	require.NoError(t, reg.RemoveHost(ctx, "srv1"))
	assert.True(t, cancelled)
	assert.Empty(t, reg.Hosts(ctx))

	err := reg.RemoveHost(ctx, "srv1")
	assert.ErrorIs(t, err, domain.ErrHostNotFound)
}

func TestHostStateHandler(t *testing.T) {
	ctx := context.Background()
	reg := NewHostRegistry(zerowrap.Default())
	require.NoError(t, reg.Register(localHost("srv1"), nil))

	handler := NewHostStateHandler(ctx, reg)
	assert.True(t, handler.CanHandle(domain.EventHostState))
	assert.False(t, handler.CanHandle(domain.EventRouteIntent))

	err := handler.Handle(domain.Event{
		Type: domain.EventHostState,
		Data: domain.HostStatePayload{HostID: "srv1", State: domain.ConnectionDegraded},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionDegraded, reg.Hosts(ctx)[0].State)

	assert.Error(t, handler.Handle(domain.Event{Type: domain.EventHostState, Data: "bogus"}))
}
