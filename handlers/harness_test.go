package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tunneldl/api/config"
	"github.com/tunneldl/api/database"
	"github.com/tunneldl/api/handlers"
	"github.com/tunneldl/api/internal/downloads"
	"github.com/tunneldl/api/internal/events"
	"github.com/tunneldl/api/internal/session"
	"github.com/tunneldl/api/internal/setup"
	"github.com/tunneldl/api/internal/share"
	"github.com/tunneldl/api/internal/store"
	"github.com/tunneldl/api/internal/vpn"
	"github.com/tunneldl/api/models"
	"github.com/tunneldl/api/routes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testUser     = "admin"
	testPassword = "secret-pass"
	testControl  = "https://headscale.example.com"
	testKey      = "tskey-auth-good"
)

type fakeVPN struct {
	mu         sync.Mutex
	state      models.VPNState
	nodes      []models.ExitNode
	connectErr error
	reconnects int
}

func newFakeVPN() *fakeVPN {
	return &fakeVPN{
		state: models.VPNState{Status: models.VPNUninitialized},
		nodes: []models.ExitNode{
			{ID: "100.64.0.2", Name: "amsterdam", Online: true},
			{ID: "100.64.0.3", Name: "tokyo", Online: false},
		},
	}
}

func (f *fakeVPN) Status() models.VPNState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeVPN) Connect(ctx context.Context, controlServerURL, authKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		f.state = models.VPNState{Status: models.VPNError, Error: f.connectErr.Error()}
		return f.connectErr
	}
	f.state.Status = models.VPNConnected
	f.state.AvailableExitNodes = f.nodes
	return nil
}

func (f *fakeVPN) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	f.reconnects++
	f.mu.Unlock()
	return f.Connect(ctx, "", "")
}

func (f *fakeVPN) ListExitNodes(ctx context.Context) ([]models.ExitNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes, nil
}

func (f *fakeVPN) SelectExitNode(ctx context.Context, id string) (*models.ExitNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.nodes {
		if n.ID == id && n.Online {
			f.state.ExitNodeID = id
			node := n
			return &node, nil
		}
	}
	return nil, vpn.ErrExitNodeUnavailable
}

func (f *fakeVPN) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = models.VPNState{Status: models.VPNUninitialized}
	return nil
}

func (f *fakeVPN) setStatus(status models.VPNStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Status = status
}

// fakeDownloads keeps jobs in a map and applies the manager's status rules
type fakeDownloads struct {
	mu        sync.Mutex
	items     map[uuid.UUID]models.Download
	vpn       *fakeVPN
	submitErr error
}

func (f *fakeDownloads) Submit(ctx context.Context, url string, opts downloads.SubmitOptions) (*models.Download, error) {
	if f.vpn.Status().Status != models.VPNConnected {
		return nil, downloads.ErrVPNNotConnected
	}
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	d := models.Download{ID: uuid.New(), URL: url, RequestedFormat: opts.Format, CategoryID: opts.CategoryID, Status: models.DownloadQueued, CreatedAt: time.Now()}
	f.put(d)
	return &d, nil
}

func (f *fakeDownloads) put(d models.Download) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[d.ID] = d
}

func (f *fakeDownloads) Cancel(id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.items[id]
	switch {
	case !ok:
		return downloads.ErrNotFound
	case d.Status == models.DownloadCancelled:
		return nil
	case d.Status.IsTerminal():
		return downloads.ErrNotCancellable
	}
	d.Status = models.DownloadCancelled
	f.items[id] = d
	return nil
}

func (f *fakeDownloads) List() []models.Download {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Download, 0, len(f.items))
	for _, d := range f.items {
		out = append(out, d)
	}
	return out
}

func (f *fakeDownloads) Get(id uuid.UUID) (models.Download, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.items[id]
	if !ok {
		return models.Download{}, downloads.ErrNotFound
	}
	return d, nil
}

func (f *fakeDownloads) Retry(ctx context.Context, id uuid.UUID) (*models.Download, error) {
	d, err := f.Get(id)
	if err != nil {
		return nil, err
	}
	if d.Status != models.DownloadFailed && d.Status != models.DownloadCancelled {
		return nil, downloads.ErrNotRetryable
	}
	return f.Submit(ctx, d.URL, downloads.SubmitOptions{Format: d.RequestedFormat})
}

func (f *fakeDownloads) Delete(ctx context.Context, id uuid.UUID) error {
	d, err := f.Get(id)
	if err != nil {
		return err
	}
	if !d.Status.IsTerminal() {
		return downloads.ErrStillActive
	}
	f.mu.Lock()
	delete(f.items, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeDownloads) SetCategory(ctx context.Context, id uuid.UUID, categoryID *uuid.UUID) (models.Download, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.items[id]
	if !ok {
		return models.Download{}, downloads.ErrNotFound
	}
	d.CategoryID = categoryID
	f.items[id] = d
	return d, nil
}

func (f *fakeDownloads) Formats(ctx context.Context, url string) (*models.MediaInfo, error) {
	if f.vpn.Status().Status != models.VPNConnected {
		return nil, downloads.ErrVPNNotConnected
	}
	return &models.MediaInfo{Title: "clip", Formats: []models.FormatInfo{{FormatID: "22", Quality: "720p", HasVideo: true, HasAudio: true}}}, nil
}

func (f *fakeDownloads) Running() int { return 0 }

type testServer struct {
	router    *gin.Engine
	api       *handlers.API
	vpn       *fakeVPN
	downloads *fakeDownloads
	records   *store.RecordStore
	sessions  *session.Manager
	events    *events.Broadcaster
	dir       string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()

	records, err := store.Open(dir)
	require.NoError(t, err)
	db, err := database.Open(sqlite.Open(filepath.Join(dir, "test.db")), logger.Silent)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { database.Close(db) })

	v := newFakeVPN()
	dl := &fakeDownloads{items: make(map[uuid.UUID]models.Download), vpn: v}
	sessions := session.NewManager(records, time.Hour)
	b := events.NewBroadcaster(16)
	shares := share.NewService(store.NewShares(db), dl, "share-secret", func() string {
		if rec, _ := records.Load(); rec != nil {
			return rec.PublicURL
		}
		return ""
	})

	api := &handlers.API{
		Records:      records,
		Sessions:     sessions,
		Wizard:       setup.NewWizard(v, sessions, records, "localhost:1055", ""),
		VPN:          v,
		Downloads:    dl,
		Categories:   store.NewCategories(db),
		Shares:       shares,
		Events:       b,
		PingInterval: 50 * time.Millisecond,
		StartedAt:    time.Now(),
	}
	router := routes.Setup(&config.Config{Env: "test"}, api, routes.Deps{
		Sessions: sessions,
		Setup:    records,
		Shares:   shares,
	})

	return &testServer{
		router:    router,
		api:       api,
		vpn:       v,
		downloads: dl,
		records:   records,
		sessions:  sessions,
		events:    b,
		dir:       dir,
	}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// completeSetup runs the wizard through the API and returns the session token
func (s *testServer) completeSetup(t *testing.T) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/setup/complete", "", gin.H{
		"username":           testUser,
		"password":           testPassword,
		"control_server_url": testControl,
		"auth_key":           testKey,
		"exit_node_id":       "100.64.0.2",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var token session.Token
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &token))
	require.NotEmpty(t, token.Token)
	return token.Token
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}
