// Package sshtunnel maintains one persistent SSH connection per remote
// Docker host and exposes a dialer so the Docker client reaches the remote
// engine socket through it. Each tunnel runs an explicit state machine:
// Disconnected -> Connecting -> Connected, back to Disconnected on error,
// and terminally Degraded on authentication failure or too many consecutive
// failures.
package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bnema/zerowrap"
	"golang.org/x/crypto/ssh"

	"dcrp/internal/domain"
	"dcrp/pkg/backoff"
)

const defaultKeepaliveInterval = 30 * time.Second

// Config holds the connection settings for one remote host.
type Config struct {
	HostID      string
	Address     string
	Port        int
	User        string
	KeyPath     string
	Timeout     time.Duration
	Keepalive   time.Duration
	Backoff     backoff.Policy
	MaxFailures int // consecutive failures before the host is marked degraded
}

// dialFunc establishes the SSH connection; injectable for tests.
type dialFunc func(ctx context.Context, cfg Config) (*ssh.Client, error)

// Tunnel is the SSH transport for one host. All Docker API calls to the
// host multiplex over its single connection.
type Tunnel struct {
	cfg    Config
	dial   dialFunc
	log    zerowrap.Logger
	notify func(domain.ConnectionState)

	mu       sync.RWMutex
	client   *ssh.Client
	state    domain.ConnectionState
	failures int
}

// NewTunnel creates a tunnel for the given host. It does not connect; call
// Run to drive the connection lifecycle.
func NewTunnel(cfg Config, log zerowrap.Logger) *Tunnel {
	if cfg.Port <= 0 {
		cfg.Port = 22
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = defaultKeepaliveInterval
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 10
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = backoff.New(time.Second, time.Minute)
	}

	return &Tunnel{
		cfg:   cfg,
		dial:  sshDial,
		log:   log,
		state: domain.ConnectionDisconnected,
	}
}

// OnStateChange registers the callback invoked on every connection state
// transition. Must be set before Run.
func (t *Tunnel) OnStateChange(fn func(domain.ConnectionState)) {
	t.notify = fn
}

// State returns the current connection state.
func (t *Tunnel) State() domain.ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// DialContext opens a connection to addr on the remote host through the
// tunnel. It fails when the tunnel is not connected.
func (t *Tunnel) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	t.mu.RLock()
	client := t.client
	state := t.state
	t.mu.RUnlock()

	if client == nil {
		return nil, fmt.Errorf("%w: host %s is %s", domain.ErrHostDegraded, t.cfg.HostID, state)
	}
	return client.DialContext(ctx, network, addr)
}

// Run drives the connection state machine until ctx is cancelled or the
// host degrades terminally. It never returns a process-fatal error.
func (t *Tunnel) Run(ctx context.Context) {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "adapter",
		zerowrap.FieldAdapter: "sshtunnel",
		zerowrap.FieldHost:    t.cfg.HostID,
	})
	log := zerowrap.FromCtx(ctx)

	for {
		if ctx.Err() != nil {
			t.setState(domain.ConnectionDisconnected)
			return
		}

		// A degraded host keeps retrying quietly; the state only clears
		// on a successful connect.
		if t.State() != domain.ConnectionDegraded {
			t.setState(domain.ConnectionConnecting)
		}
		client, err := t.dial(ctx, t.cfg)
		if err != nil {
			if isAuthError(err) {
				// Wrong credentials never fix themselves; stop retrying
				// this host and leave the rest of the fleet alone.
				log.Error().Err(err).Msg("ssh authentication failed, host degraded until configuration changes")
				t.setState(domain.ConnectionDegraded)
				return
			}

			t.mu.Lock()
			t.failures++
			failures := t.failures
			t.mu.Unlock()

			if failures >= t.cfg.MaxFailures {
				log.Error().Err(err).Int("consecutive_failures", failures).
					Msg("ssh connect failure threshold reached, host degraded")
				t.setState(domain.ConnectionDegraded)
			} else {
				t.setState(domain.ConnectionDisconnected)
			}

			delay := t.cfg.Backoff.Delay(failures - 1)
			log.Warn().Err(err).Dur("retry_in", delay).Int("attempt", failures).Msg("ssh connect failed")

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		t.mu.Lock()
		t.client = client
		t.failures = 0
		t.mu.Unlock()
		t.setState(domain.ConnectionConnected)
		log.Info().Str("address", t.cfg.Address).Msg("ssh tunnel established")

		err = t.keepalive(ctx, client)
		t.mu.Lock()
		t.client = nil
		t.mu.Unlock()
		_ = client.Close()

		if ctx.Err() != nil {
			t.setState(domain.ConnectionDisconnected)
			return
		}
		log.Warn().Err(err).Msg("ssh tunnel lost, reconnecting")
		t.setState(domain.ConnectionDisconnected)
	}
}

// keepalive probes the connection until it breaks or ctx is cancelled.
func (t *Tunnel) keepalive(ctx context.Context, client *ssh.Client) error {
	ticker := time.NewTicker(t.cfg.Keepalive)
	defer ticker.Stop()

	done := make(chan error, 1)
	go func() { done <- client.Wait() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			return fmt.Errorf("ssh connection closed: %w", err)
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				return fmt.Errorf("keepalive failed: %w", err)
			}
		}
	}
}

// Close tears down the current connection, if any.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}

func (t *Tunnel) setState(state domain.ConnectionState) {
	t.mu.Lock()
	changed := t.state != state
	t.state = state
	notify := t.notify
	t.mu.Unlock()

	if changed && notify != nil {
		notify(state)
	}
}

// sshDial establishes the SSH connection with public key auth.
func sshDial(ctx context.Context, cfg Config) (*ssh.Client, error) {
	keyData, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", cfg.KeyPath, err)
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // #nosec G106 -- hosts come from operator config
		Timeout:         cfg.Timeout,
	}

	addr := net.JoinHostPort(cfg.Address, fmt.Sprintf("%d", cfg.Port))

	var client *ssh.Client
	var dialErr error
	dialDone := make(chan struct{})
	go func() {
		defer close(dialDone)
		client, dialErr = ssh.Dial("tcp", addr, config)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dial %s: %w", addr, ctx.Err())
	case <-dialDone:
		if dialErr != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, dialErr)
		}
	}
	return client, nil
}

// isAuthError reports whether the dial failure is an authentication
// rejection rather than a transient connectivity problem.
func isAuthError(err error) bool {
	if errors.Is(err, domain.ErrAuthFailed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied")
}
