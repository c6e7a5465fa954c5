package setup

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/tunneldl/api/internal/session"
	"github.com/tunneldl/api/models"
)

var (
	ErrAlreadyComplete  = errors.New("setup has already been completed")
	ErrNotConnected     = errors.New("connect the VPN before finishing setup")
	ErrExitNodeRequired = errors.New("choose an exit node before finishing setup")
	ErrMissingVPNFields = errors.New("control server URL and auth key are required")
)

type Step int

const (
	StepCredentials Step = iota + 1
	StepConnect
	StepExitNode
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepCredentials:
		return "credentials"
	case StepConnect:
		return "connect"
	case StepExitNode:
		return "exit_node"
	case StepDone:
		return "done"
	}
	return "unknown"
}

// VPN is the part of the connection manager the wizard drives
type VPN interface {
	Connect(ctx context.Context, controlServerURL, authKey string) error
	ListExitNodes(ctx context.Context) ([]models.ExitNode, error)
	SelectExitNode(ctx context.Context, id string) (*models.ExitNode, error)
	Status() models.VPNState
}

// Sessions issues the first token once the record is committed
type Sessions interface {
	CompleteSetup(username, password string, commit func(models.Credentials) error) (*session.Token, error)
}

type Records interface {
	Load() (*models.ConfigRecord, error)
	Update(fn func(rec *models.ConfigRecord) error) (*models.ConfigRecord, error)
}

// draft holds wizard progress. It lives only in memory, so an abandoned
// wizard leaves nothing on disk.
type draft struct {
	username         string
	password         string
	controlServerURL string
	authKey          string
	exitNodeID       string
}

// Wizard walks a fresh install through credentials, VPN connect and exit
// node selection, then commits the whole config record in one write.
type Wizard struct {
	vpn           VPN
	sessions      Sessions
	records       Records
	proxyEndpoint string
	publicURL     string

	mu    sync.Mutex
	draft draft
}

func NewWizard(vpn VPN, sessions Sessions, records Records, proxyEndpoint, publicURL string) *Wizard {
	return &Wizard{
		vpn:           vpn,
		sessions:      sessions,
		records:       records,
		proxyEndpoint: proxyEndpoint,
		publicURL:     publicURL,
	}
}

// StatusResponse is what the UI polls before deciding which screen to show
type StatusResponse struct {
	Complete bool   `json:"complete"`
	Step     string `json:"step"`
}

func (w *Wizard) Status() StatusResponse {
	if w.isComplete() {
		return StatusResponse{Complete: true, Step: StepDone.String()}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return StatusResponse{Complete: false, Step: w.currentStepLocked().String()}
}

// SetCredentials validates and stores the login draft (step 1)
func (w *Wizard) SetCredentials(username, password string) error {
	if w.isComplete() {
		return ErrAlreadyComplete
	}
	username = strings.TrimSpace(username)
	if err := session.ValidateCredentials(username, password); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.draft.username = username
	w.draft.password = password
	return nil
}

// Connect brings the VPN up with the supplied identity and returns the
// exit nodes the user can pick from (step 2).
func (w *Wizard) Connect(ctx context.Context, controlServerURL, authKey string) ([]models.ExitNode, error) {
	if w.isComplete() {
		return nil, ErrAlreadyComplete
	}
	controlServerURL = strings.TrimRight(strings.TrimSpace(controlServerURL), "/")
	authKey = strings.TrimSpace(authKey)
	if controlServerURL == "" || authKey == "" {
		return nil, ErrMissingVPNFields
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isComplete() {
		return nil, ErrAlreadyComplete
	}

	if err := w.vpn.Connect(ctx, controlServerURL, authKey); err != nil {
		log.Printf("[Setup] VPN connect failed: %v", err)
		return nil, err
	}
	w.draft.controlServerURL = controlServerURL
	w.draft.authKey = authKey
	w.draft.exitNodeID = ""

	return w.vpn.ListExitNodes(ctx)
}

// ExitNodes re-lists candidates while on step 3
func (w *Wizard) ExitNodes(ctx context.Context) ([]models.ExitNode, error) {
	if w.isComplete() {
		return nil, ErrAlreadyComplete
	}
	if !w.connected() {
		return nil, ErrNotConnected
	}
	return w.vpn.ListExitNodes(ctx)
}

// SelectExitNode activates an exit node (step 3)
func (w *Wizard) SelectExitNode(ctx context.Context, id string) (*models.ExitNode, error) {
	if w.isComplete() {
		return nil, ErrAlreadyComplete
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isComplete() {
		return nil, ErrAlreadyComplete
	}

	if w.draft.controlServerURL == "" || !w.connected() {
		return nil, ErrNotConnected
	}
	node, err := w.vpn.SelectExitNode(ctx, id)
	if err != nil {
		return nil, err
	}
	w.draft.exitNodeID = node.ID
	return node, nil
}

// CompleteRequest carries the final step. VPN fields are optional when the
// connect step already ran; the exit node is optional when one was selected.
type CompleteRequest struct {
	Username         string
	Password         string
	ControlServerURL string
	AuthKey          string
	ExitNodeID       string
}

// Complete persists the config record with setup_complete=true and issues
// the first session token. Nothing is written unless every step succeeds.
func (w *Wizard) Complete(ctx context.Context, req CompleteRequest) (*session.Token, error) {
	if w.isComplete() {
		return nil, ErrAlreadyComplete
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	// Another request may have finished setup while this one waited.
	if w.isComplete() {
		return nil, ErrAlreadyComplete
	}

	username, password := strings.TrimSpace(req.Username), req.Password
	if username == "" && password == "" {
		username, password = w.draft.username, w.draft.password
	}
	if err := session.ValidateCredentials(username, password); err != nil {
		return nil, err
	}

	if req.ControlServerURL != "" && req.AuthKey != "" && req.ControlServerURL != w.draft.controlServerURL {
		url := strings.TrimRight(strings.TrimSpace(req.ControlServerURL), "/")
		if err := w.vpn.Connect(ctx, url, strings.TrimSpace(req.AuthKey)); err != nil {
			return nil, err
		}
		w.draft.controlServerURL = url
		w.draft.authKey = strings.TrimSpace(req.AuthKey)
		w.draft.exitNodeID = ""
	}
	if w.draft.controlServerURL == "" || !w.connected() {
		return nil, ErrNotConnected
	}

	if req.ExitNodeID != "" && req.ExitNodeID != w.draft.exitNodeID {
		node, err := w.vpn.SelectExitNode(ctx, req.ExitNodeID)
		if err != nil {
			return nil, err
		}
		w.draft.exitNodeID = node.ID
	}
	if w.draft.exitNodeID == "" {
		return nil, ErrExitNodeRequired
	}

	d := w.draft
	token, err := w.sessions.CompleteSetup(username, password, func(creds models.Credentials) error {
		_, err := w.records.Update(func(rec *models.ConfigRecord) error {
			if rec.SetupComplete {
				return ErrAlreadyComplete
			}
			*rec = models.ConfigRecord{
				SetupComplete: true,
				Credentials:   creds,
				VPN: models.VPNSettings{
					ControlServerURL: d.controlServerURL,
					AuthKey:          d.authKey,
					ExitNodeID:       d.exitNodeID,
				},
				ProxyEndpoint: w.proxyEndpoint,
				PublicURL:     w.publicURL,
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	w.draft = draft{}
	log.Printf("[Setup] Setup completed for %s", username)
	return token, nil
}

func (w *Wizard) isComplete() bool {
	rec, err := w.records.Load()
	if err != nil {
		log.Printf("[Setup] Failed to read config record: %v", err)
		return false
	}
	return rec != nil && rec.SetupComplete
}

func (w *Wizard) connected() bool {
	switch w.vpn.Status().Status {
	case models.VPNConnected, models.VPNDegraded:
		return true
	}
	return false
}

func (w *Wizard) currentStepLocked() Step {
	switch {
	case w.draft.username == "":
		return StepCredentials
	case w.draft.controlServerURL == "" || !w.connected():
		return StepConnect
	default:
		return StepExitNode
	}
}
