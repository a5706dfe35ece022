package domain

import "time"

// HostKind identifies how the Docker API of a host is reached.
type HostKind string

const (
	HostKindLocal HostKind = "local"
	HostKindSSH   HostKind = "ssh"
)

// ConnectionState represents the connection lifecycle of a host.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDegraded     ConnectionState = "degraded"
)

// Host is a configured Docker host. Hosts are created at configuration load
// or by an explicit admin action and removed only by an explicit removal;
// a host never silently vanishes.
type Host struct {
	ID       string
	Kind     HostKind
	Address  string
	User     string
	KeyPath  string
	Port     int
	State    ConnectionState
	LastSeen time.Time
}

// HostStatus is the externally visible connection state of a host.
type HostStatus struct {
	HostID string          `json:"host_id"`
	State  ConnectionState `json:"connection_state"`
}
