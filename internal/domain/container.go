package domain

// Container is the ephemeral view of a running container on a host. It is
// never persisted; it exists only as the origin of route intents while the
// container runs.
type Container struct {
	ID     string
	Name   string
	HostID string
	Labels map[string]string
	// Ports maps an exposed container port to its published host port,
	// when the container publishes one.
	Ports map[int]int
}
