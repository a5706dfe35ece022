package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcrp/internal/boundaries/in"
	"dcrp/internal/domain"
)

type fakeHosts struct {
	hosts []domain.Host
}

func (f *fakeHosts) Hosts(ctx context.Context) []domain.Host { return f.hosts }
func (f *fakeHosts) SetState(ctx context.Context, hostID string, state domain.ConnectionState) {
}
func (f *fakeHosts) RemoveHost(ctx context.Context, hostID string) error { return nil }

func host(id string, state domain.ConnectionState) domain.Host {
	return domain.Host{ID: id, Kind: domain.HostKindLocal, State: state}
}

func TestService_Report(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name  string
		hosts []domain.Host
		want  in.HealthStatus
	}{
		{
			name:  "all connected",
			hosts: []domain.Host{host("local", domain.ConnectionConnected), host("srv1", domain.ConnectionConnected)},
			want:  in.HealthHealthy,
		},
		{
			name:  "one host down",
			hosts: []domain.Host{host("local", domain.ConnectionConnected), host("srv1", domain.ConnectionDisconnected)},
			want:  in.HealthDegraded,
		},
		{
			name:  "degraded host counts as down",
			hosts: []domain.Host{host("local", domain.ConnectionConnected), host("srv1", domain.ConnectionDegraded)},
			want:  in.HealthDegraded,
		},
		{
			name:  "no host connected",
			hosts: []domain.Host{host("local", domain.ConnectionDisconnected), host("srv1", domain.ConnectionDisconnected)},
			want:  in.HealthOffline,
		},
		{
			name: "no hosts configured",
			want: in.HealthOffline,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := NewService(&fakeHosts{hosts: tc.hosts})
			report := svc.Report(ctx)
			assert.Equal(t, tc.want, report.Status)
			assert.Len(t, report.Hosts, len(tc.hosts))
		})
	}
}

func TestService_ReportOrdersHosts(t *testing.T) {
	svc := NewService(&fakeHosts{hosts: []domain.Host{
		host("zeta", domain.ConnectionConnected),
		host("alpha", domain.ConnectionConnected),
	}})

	report := svc.Report(context.Background())
	require.Len(t, report.Hosts, 2)
	assert.Equal(t, "alpha", report.Hosts[0].HostID)
	assert.Equal(t, "zeta", report.Hosts[1].HostID)
}
