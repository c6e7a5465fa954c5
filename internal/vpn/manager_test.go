package vpn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunneldl/api/internal/events"
	"github.com/tunneldl/api/models"
)

type fakeClient struct {
	mu         sync.Mutex
	upErr      error
	statusErr  error
	status     *Status
	ip         string
	ipErr      error
	setErr     error
	upCalls    []UpOptions
	downCalled bool
}

func (f *fakeClient) Up(ctx context.Context, opts UpOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upCalls = append(f.upCalls, opts)
	if f.upErr != nil {
		return f.upErr
	}
	f.status.BackendState = BackendRunning
	if opts.ExitNodeID != "" {
		f.activate(opts.ExitNodeID)
	}
	return nil
}

func (f *fakeClient) Status(ctx context.Context) (*Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	cp := *f.status
	cp.Peers = append([]Peer(nil), f.status.Peers...)
	return &cp, nil
}

func (f *fakeClient) SetExitNode(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.activate(id)
	return nil
}

func (f *fakeClient) Down(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downCalled = true
	f.status.BackendState = BackendStopped
	return nil
}

func (f *fakeClient) ExternalIP(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ip, f.ipErr
}

func (f *fakeClient) activate(id string) {
	for i := range f.status.Peers {
		f.status.Peers[i].ExitNode = f.status.Peers[i].Matches(id)
	}
}

func (f *fakeClient) setOnline(host string, online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.status.Peers {
		if f.status.Peers[i].HostName == host {
			f.status.Peers[i].Online = online
		}
	}
}

func (f *fakeClient) setBackend(state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.BackendState = state
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		ip: "203.0.113.9",
		status: &Status{
			BackendState: BackendStopped,
			Peers: []Peer{
				{HostName: "amsterdam", DNSName: "amsterdam.tail.net.", IPs: []string{"100.64.0.2"}, Online: true, ExitNodeOption: true},
				{HostName: "tokyo", DNSName: "tokyo.tail.net.", IPs: []string{"100.64.0.3"}, Online: false, ExitNodeOption: true},
				{HostName: "laptop", IPs: []string{"100.64.0.4"}, Online: true},
			},
		},
	}
}

type staticSettings struct {
	rec *models.ConfigRecord
}

func (s staticSettings) Load() (*models.ConfigRecord, error) {
	return s.rec, nil
}

func fastOptions() Options {
	return Options{
		PollInterval:    10 * time.Millisecond,
		ConnectAttempts: 3,
		ConnectInterval: 5 * time.Millisecond,
		HealthTimeout:   time.Second,
	}
}

func newTestManager(client Client, settings SettingsSource) (*Manager, *events.Broadcaster) {
	b := events.NewBroadcaster(64)
	return NewManager(client, settings, b, fastOptions()), b
}

func TestManager_InitialState(t *testing.T) {
	m, _ := newTestManager(newFakeClient(), nil)
	st := m.Status()
	assert.Equal(t, models.VPNUninitialized, st.Status)
	assert.False(t, m.IsConnected())
	assert.NotNil(t, st.AvailableExitNodes)
}

func TestManager_ConnectSuccess(t *testing.T) {
	client := newFakeClient()
	m, b := newTestManager(client, nil)
	sub := b.Subscribe()

	require.NoError(t, m.Connect(context.Background(), "https://hs.example.com", "tskey-ok"))

	st := m.Status()
	assert.Equal(t, models.VPNConnected, st.Status)
	assert.Equal(t, "203.0.113.9", st.ExternalIP)
	assert.Len(t, st.AvailableExitNodes, 2)
	assert.True(t, m.IsConnected())

	var statuses []models.VPNStatus
	for len(sub.Events()) > 0 {
		e := <-sub.Events()
		require.Equal(t, events.TypeVPNStatus, e.Type)
		statuses = append(statuses, e.Data.(models.VPNState).Status)
	}
	assert.Equal(t, []models.VPNStatus{models.VPNConnecting, models.VPNConnected}, statuses)
}

func TestManager_ConnectInvalidAuthKey(t *testing.T) {
	client := newFakeClient()
	client.upErr = newError(classifyOutput("backend error: invalid key: unable to validate API key"), errors.New("invalid key"))
	m, _ := newTestManager(client, nil)

	err := m.Connect(context.Background(), "https://hs.example.com", "tskey-bad")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthKeyInvalid)

	st := m.Status()
	assert.Equal(t, models.VPNError, st.Status)
	assert.Equal(t, string(KindAuthKeyInvalid), st.ErrorKind)
}

func TestManager_ConnectNeverRunningIsUnreachable(t *testing.T) {
	client := &stuckClient{fakeClient: newFakeClient(), state: "Starting"}
	m, _ := newTestManager(client, nil)

	err := m.Connect(context.Background(), "https://hs.example.com", "tskey")
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, models.VPNError, m.Status().Status)
}

func TestManager_ConnectNeedsLoginIsAuthFailure(t *testing.T) {
	client := &stuckClient{fakeClient: newFakeClient(), state: BackendNeedsLogin}
	m, _ := newTestManager(client, nil)

	err := m.Connect(context.Background(), "https://hs.example.com", "tskey")
	assert.ErrorIs(t, err, ErrAuthKeyInvalid)
}

// stuckClient accepts `up` but never reaches Running
type stuckClient struct {
	*fakeClient
	state string
}

func (s *stuckClient) Up(ctx context.Context, opts UpOptions) error {
	return nil
}

func (s *stuckClient) Status(ctx context.Context) (*Status, error) {
	return &Status{BackendState: s.state}, nil
}

// slowUpClient spends most of the connect budget inside `up`
type slowUpClient struct {
	stuckClient
	delay time.Duration
}

func (s *slowUpClient) Up(ctx context.Context, opts UpOptions) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestManager_ConnectSharesOneDeadline(t *testing.T) {
	client := &slowUpClient{stuckClient: stuckClient{fakeClient: newFakeClient(), state: "Starting"}, delay: 400 * time.Millisecond}
	opts := fastOptions()
	opts.ConnectAttempts = 10
	opts.ConnectInterval = 50 * time.Millisecond
	m := NewManager(client, nil, nil, opts)

	start := time.Now()
	err := m.Connect(context.Background(), "https://hs.example.com", "tskey")
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Less(t, elapsed, 750*time.Millisecond, "polling after a slow up must not get a fresh budget")
}

func TestManager_SelectExitNode(t *testing.T) {
	client := newFakeClient()
	m, _ := newTestManager(client, nil)
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, "https://hs.example.com", "tskey"))

	node, err := m.SelectExitNode(ctx, "amsterdam")
	require.NoError(t, err)
	assert.Equal(t, "100.64.0.2", node.ID)

	st := m.Status()
	assert.Equal(t, models.VPNConnected, st.Status)
	assert.Equal(t, "100.64.0.2", st.ExitNodeID)
	assert.True(t, st.ExitNodeOnline)
}

func TestManager_SelectOfflineExitNodeKeepsPrevious(t *testing.T) {
	client := newFakeClient()
	m, _ := newTestManager(client, nil)
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, "https://hs.example.com", "tskey"))
	_, err := m.SelectExitNode(ctx, "100.64.0.2")
	require.NoError(t, err)

	_, err = m.SelectExitNode(ctx, "tokyo")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExitNodeUnavailable)

	st := m.Status()
	assert.Equal(t, models.VPNConnected, st.Status)
	assert.Equal(t, "100.64.0.2", st.ExitNodeID)

	_, err = m.SelectExitNode(ctx, "laptop")
	assert.ErrorIs(t, err, ErrExitNodeUnavailable, "peers that do not offer exit routing are rejected")
}

func TestManager_PollDegradesWhenExitNodeGoesOffline(t *testing.T) {
	client := newFakeClient()
	m, _ := newTestManager(client, nil)
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, "https://hs.example.com", "tskey"))
	_, err := m.SelectExitNode(ctx, "amsterdam")
	require.NoError(t, err)

	client.setOnline("amsterdam", false)
	m.Poll(ctx)
	st := m.Status()
	assert.Equal(t, models.VPNDegraded, st.Status)
	assert.Equal(t, string(KindExitNodeUnavailable), st.ErrorKind)
	assert.False(t, m.IsConnected())

	client.setOnline("amsterdam", true)
	m.Poll(ctx)
	assert.Equal(t, models.VPNConnected, m.Status().Status)
}

func TestManager_PollDegradesWhenExternalIPFails(t *testing.T) {
	client := newFakeClient()
	m, _ := newTestManager(client, nil)
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, "https://hs.example.com", "tskey"))

	client.mu.Lock()
	client.ipErr = errors.New("socks connect failed")
	client.mu.Unlock()

	m.Poll(ctx)
	assert.Equal(t, models.VPNDegraded, m.Status().Status)
}

func TestManager_PollReconnectsFromSavedSettings(t *testing.T) {
	client := newFakeClient()
	settings := staticSettings{rec: &models.ConfigRecord{
		SetupComplete: true,
		VPN:           models.VPNSettings{ControlServerURL: "https://hs.example.com", AuthKey: "tskey", ExitNodeID: "100.64.0.2"},
	}}
	m, _ := newTestManager(client, settings)
	ctx := context.Background()
	require.NoError(t, m.Reconnect(ctx))
	assert.Equal(t, "100.64.0.2", m.Status().ExitNodeID)

	client.setBackend(BackendStopped)
	m.Poll(ctx)

	assert.Equal(t, models.VPNConnected, m.Status().Status)
	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.upCalls, 2)
	assert.Equal(t, "100.64.0.2", client.upCalls[1].ExitNodeID)
}

func TestManager_PollSkipsWhenUninitialized(t *testing.T) {
	client := newFakeClient()
	m, _ := newTestManager(client, nil)
	m.Poll(context.Background())
	assert.Equal(t, models.VPNUninitialized, m.Status().Status)
}

func TestManager_ReconnectWithoutSettings(t *testing.T) {
	m, _ := newTestManager(newFakeClient(), staticSettings{})
	assert.ErrorIs(t, m.Reconnect(context.Background()), ErrNotConfigured)
}

func TestManager_Disconnect(t *testing.T) {
	client := newFakeClient()
	m, _ := newTestManager(client, nil)
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, "https://hs.example.com", "tskey"))

	require.NoError(t, m.Disconnect(ctx))
	assert.Equal(t, models.VPNUninitialized, m.Status().Status)
	assert.True(t, client.downCalled)
}

func TestManager_StatusDoesNotBlockDuringConnect(t *testing.T) {
	client := &slowClient{fakeClient: newFakeClient(), release: make(chan struct{})}
	opts := fastOptions()
	opts.ConnectInterval = time.Second
	m := NewManager(client, nil, nil, opts)

	done := make(chan error, 1)
	go func() {
		done <- m.Connect(context.Background(), "https://hs.example.com", "tskey")
	}()

	require.Eventually(t, func() bool {
		return m.Status().Status == models.VPNConnecting
	}, time.Second, time.Millisecond)

	close(client.release)
	require.NoError(t, <-done)
	assert.Equal(t, models.VPNConnected, m.Status().Status)
}

type slowClient struct {
	*fakeClient
	release chan struct{}
}

func (s *slowClient) Up(ctx context.Context, opts UpOptions) error {
	<-s.release
	return s.fakeClient.Up(ctx, opts)
}

func TestManager_RunStopsOnCancel(t *testing.T) {
	m, _ := newTestManager(newFakeClient(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
