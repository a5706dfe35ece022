// Package health aggregates per-host connection states into a single
// controller health verdict.
package health

import (
	"context"
	"sort"

	"dcrp/internal/boundaries/in"
	"dcrp/internal/domain"
)

// Service implements in.HealthService over the host registry.
type Service struct {
	hosts in.HostService
}

var _ in.HealthService = (*Service)(nil)

// NewService creates the health service.
func NewService(hosts in.HostService) *Service {
	return &Service{hosts: hosts}
}

// Report snapshots all host states and folds them into an aggregate:
// every host connected is healthy, none connected is offline, anything in
// between is degraded. No hosts configured counts as offline.
func (s *Service) Report(ctx context.Context) in.HealthReport {
	hosts := s.hosts.Hosts(ctx)

	statuses := make([]domain.HostStatus, 0, len(hosts))
	connected := 0
	for _, h := range hosts {
		statuses = append(statuses, domain.HostStatus{HostID: h.ID, State: h.State})
		if h.State == domain.ConnectionConnected {
			connected++
		}
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].HostID < statuses[j].HostID })

	status := in.HealthDegraded
	switch {
	case len(statuses) == 0 || connected == 0:
		status = in.HealthOffline
	case connected == len(statuses):
		status = in.HealthHealthy
	}

	return in.HealthReport{Status: status, Hosts: statuses}
}
