package vpn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/tunneldl/api/internal/events"
	"github.com/tunneldl/api/models"
)

// SettingsSource provides the saved VPN identity used for reconnects
type SettingsSource interface {
	Load() (*models.ConfigRecord, error)
}

type Options struct {
	PollInterval    time.Duration
	ConnectAttempts int
	ConnectInterval time.Duration
	HealthTimeout   time.Duration // bound on the external IP probe
}

func (o *Options) withDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = 30
	}
	if o.ConnectInterval <= 0 {
		o.ConnectInterval = time.Second
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 5 * time.Second
	}
}

// Manager supervises the VPN client. Every call that talks to the daemon runs
// under mu, so connects, exit-node switches and health polls never interleave.
// Readers get an immutable snapshot via Status without taking the lock.
type Manager struct {
	client    Client
	settings  SettingsSource
	publisher events.Publisher
	opts      Options

	mu         sync.Mutex
	exitNodeID string // exit node we want active; guarded by mu

	state atomic.Pointer[models.VPNState]
}

func NewManager(client Client, settings SettingsSource, publisher events.Publisher, opts Options) *Manager {
	opts.withDefaults()
	m := &Manager{
		client:    client,
		settings:  settings,
		publisher: publisher,
		opts:      opts,
	}
	m.state.Store(&models.VPNState{
		Status:             models.VPNUninitialized,
		AvailableExitNodes: []models.ExitNode{},
		CheckedAt:          time.Now(),
	})
	return m
}

// Status returns the latest snapshot without blocking
func (m *Manager) Status() models.VPNState {
	return *m.state.Load()
}

func (m *Manager) IsConnected() bool {
	return m.state.Load().Status == models.VPNConnected
}

// Connect brings the tunnel up with the given identity and waits until the
// daemon reports it running, bounded by ConnectAttempts * ConnectInterval.
func (m *Manager) Connect(ctx context.Context, controlServerURL, authKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.connectLocked(ctx, UpOptions{
		ControlServerURL: controlServerURL,
		AuthKey:          authKey,
		ExitNodeID:       m.exitNodeID,
	})
}

// Reconnect re-establishes the tunnel from the saved settings
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	opts, err := m.savedOptions()
	if err != nil {
		return err
	}
	m.exitNodeID = opts.ExitNodeID
	return m.connectLocked(ctx, opts)
}

// ListExitNodes queries the daemon for peers that offer exit routing
func (m *Manager) ListExitNodes(ctx context.Context) ([]models.ExitNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.client.Status(ctx)
	if err != nil {
		return nil, newError(KindUnreachable, err)
	}
	nodes := st.ExitNodes()

	next := m.Status()
	next.AvailableExitNodes = nodes
	m.setState(next)
	return nodes, nil
}

// SelectExitNode routes traffic through the given peer. If the peer is unknown
// or offline the call fails and the previous exit node stays active.
func (m *Manager) SelectExitNode(ctx context.Context, id string) (*models.ExitNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.client.Status(ctx)
	if err != nil {
		return nil, newError(KindUnreachable, err)
	}
	if !st.Running() {
		return nil, newError(KindUnreachable, fmt.Errorf("tunnel is %s", st.BackendState))
	}

	peer := st.FindPeer(id)
	if peer == nil || !peer.ExitNodeOption {
		return nil, newError(KindExitNodeUnavailable, fmt.Errorf("exit node %q not found", id))
	}
	if !peer.Online {
		return nil, newError(KindExitNodeUnavailable, fmt.Errorf("exit node %s is offline", peer.Name()))
	}

	prev := m.Status()
	connecting := prev
	connecting.Status = models.VPNConnecting
	connecting.Error, connecting.ErrorKind = "", ""
	m.setState(connecting)

	if err := m.client.SetExitNode(ctx, peer.ID()); err != nil {
		m.setState(prev)
		var vpnErr *Error
		if errors.As(err, &vpnErr) {
			return nil, vpnErr
		}
		return nil, newError(KindExitNodeUnavailable, err)
	}
	m.exitNodeID = peer.ID()
	log.Printf("[VPN] Exit node set to %s (%s)", peer.Name(), peer.ID())

	if st, err = m.client.Status(ctx); err != nil {
		m.failLocked(newError(KindUnreachable, err))
	} else {
		m.applyLocked(ctx, st)
	}

	node := peer.ExitNodeInfo()
	return &node, nil
}

// Disconnect takes the tunnel down
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.client.Down(ctx); err != nil {
		return err
	}
	m.setState(models.VPNState{
		Status:             models.VPNUninitialized,
		AvailableExitNodes: []models.ExitNode{},
	})
	log.Println("[VPN] Disconnected")
	return nil
}

// Run polls tunnel health until ctx is cancelled
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	log.Printf("[VPN] Health monitor started (every %s)", m.opts.PollInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll runs one health check. A tunnel that stopped running is reconnected
// from the saved settings unless the last failure was a rejected auth key.
func (m *Manager) Poll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.Status()
	if cur.Status == models.VPNUninitialized || cur.Status == models.VPNConnecting {
		return
	}

	st, err := m.client.Status(ctx)
	if err == nil && st.Running() {
		m.applyLocked(ctx, st)
		return
	}

	if cur.Status != models.VPNError {
		if err == nil {
			err = fmt.Errorf("tunnel is %s", st.BackendState)
		}
		m.failLocked(newError(KindUnreachable, err))
	}
	if cur.ErrorKind == string(KindAuthKeyInvalid) {
		return
	}

	opts, err := m.savedOptions()
	if err != nil {
		return
	}
	log.Println("[VPN] Tunnel down, reconnecting from saved settings")
	if err := m.connectLocked(ctx, opts); err != nil {
		log.Printf("[VPN] Reconnect failed: %v", err)
	}
}

func (m *Manager) connectLocked(ctx context.Context, opts UpOptions) error {
	if opts.ControlServerURL == "" || opts.AuthKey == "" {
		return ErrNotConfigured
	}

	prev := m.Status()
	m.setState(models.VPNState{
		Status:             models.VPNConnecting,
		ExitNodeID:         prev.ExitNodeID,
		AvailableExitNodes: prev.AvailableExitNodes,
	})
	log.Printf("[VPN] Connecting to %s", opts.ControlServerURL)

	// Up and the readiness polls share one budget.
	budget := time.Duration(m.opts.ConnectAttempts) * m.opts.ConnectInterval
	connectCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	if err := m.client.Up(connectCtx, opts); err != nil {
		return m.failLocked(err)
	}

	st, err := m.waitRunning(connectCtx)
	if err != nil {
		return m.failLocked(err)
	}

	m.applyLocked(ctx, st)
	log.Printf("[VPN] Connected (%s)", m.Status().Status)
	return nil
}

// waitRunning polls the daemon until it reports Running or attempts run out
func (m *Manager) waitRunning(ctx context.Context) (*Status, error) {
	var last *Status
	backoff := retry.WithMaxRetries(uint64(m.opts.ConnectAttempts-1), retry.NewConstant(m.opts.ConnectInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		st, err := m.client.Status(ctx)
		if err != nil {
			return retry.RetryableError(err)
		}
		last = st
		if !st.Running() {
			return retry.RetryableError(fmt.Errorf("tunnel is %s", st.BackendState))
		}
		return nil
	})
	if err != nil {
		if last != nil && last.BackendState == BackendNeedsLogin {
			return nil, newError(KindAuthKeyInvalid, err)
		}
		return nil, newError(KindUnreachable, err)
	}
	return last, nil
}

// applyLocked derives the public state from a daemon status
func (m *Manager) applyLocked(ctx context.Context, st *Status) {
	next := models.VPNState{
		Status:             models.VPNConnected,
		AvailableExitNodes: st.ExitNodes(),
	}

	if !st.Running() {
		m.failLocked(newError(KindUnreachable, fmt.Errorf("tunnel is %s", st.BackendState)))
		return
	}

	active := st.ActiveExitNode()
	switch {
	case active != nil:
		next.ExitNodeID = active.ID()
		next.ExitNodeOnline = active.Online
		if !active.Online {
			next.Status = models.VPNDegraded
			next.Error = ErrExitNodeUnavailable.Message
			next.ErrorKind = string(KindExitNodeUnavailable)
		}
	case m.exitNodeID != "":
		next.ExitNodeID = m.exitNodeID
		if peer := st.FindPeer(m.exitNodeID); peer != nil {
			next.ExitNodeOnline = peer.Online
		}
		next.Status = models.VPNDegraded
		next.Error = ErrExitNodeUnavailable.Message
		next.ErrorKind = string(KindExitNodeUnavailable)
	}

	if next.Status == models.VPNConnected {
		probeCtx, cancel := context.WithTimeout(ctx, m.opts.HealthTimeout)
		ip, err := m.client.ExternalIP(probeCtx)
		cancel()
		if err != nil {
			next.Status = models.VPNDegraded
			next.Error = "external IP is not resolving through the tunnel"
			next.ErrorKind = string(KindUnreachable)
		} else {
			next.ExternalIP = ip
		}
	}

	m.setState(next)
}

func (m *Manager) failLocked(err error) error {
	var vpnErr *Error
	if !errors.As(err, &vpnErr) {
		vpnErr = newError(KindUnreachable, err)
	}

	prev := m.Status()
	m.setState(models.VPNState{
		Status:             models.VPNError,
		ExitNodeID:         prev.ExitNodeID,
		AvailableExitNodes: prev.AvailableExitNodes,
		Error:              vpnErr.Error(),
		ErrorKind:          string(vpnErr.Kind),
	})
	log.Printf("[VPN] Error: %v", vpnErr)
	return vpnErr
}

func (m *Manager) savedOptions() (UpOptions, error) {
	if m.settings == nil {
		return UpOptions{}, ErrNotConfigured
	}
	rec, err := m.settings.Load()
	if err != nil {
		return UpOptions{}, err
	}
	if rec == nil || rec.VPN.ControlServerURL == "" || rec.VPN.AuthKey == "" {
		return UpOptions{}, ErrNotConfigured
	}
	return UpOptions{
		ControlServerURL: rec.VPN.ControlServerURL,
		AuthKey:          rec.VPN.AuthKey,
		ExitNodeID:       rec.VPN.ExitNodeID,
	}, nil
}

// setState swaps in a new snapshot and announces it when something visible changed
func (m *Manager) setState(next models.VPNState) {
	next.CheckedAt = time.Now()
	if next.AvailableExitNodes == nil {
		next.AvailableExitNodes = []models.ExitNode{}
	}
	prev := m.state.Swap(&next)
	if m.publisher != nil && !sameState(prev, &next) {
		m.publisher.Publish(events.Event{Type: events.TypeVPNStatus, Data: next})
	}
}

func sameState(a, b *models.VPNState) bool {
	if a.Status != b.Status || a.ExitNodeID != b.ExitNodeID || a.ExitNodeOnline != b.ExitNodeOnline ||
		a.ExternalIP != b.ExternalIP || a.Error != b.Error || len(a.AvailableExitNodes) != len(b.AvailableExitNodes) {
		return false
	}
	for i := range a.AvailableExitNodes {
		if a.AvailableExitNodes[i] != b.AvailableExitNodes[i] {
			return false
		}
	}
	return true
}
