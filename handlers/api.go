package handlers

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tunneldl/api/internal/downloads"
	"github.com/tunneldl/api/internal/events"
	"github.com/tunneldl/api/internal/session"
	"github.com/tunneldl/api/internal/setup"
	"github.com/tunneldl/api/internal/share"
	"github.com/tunneldl/api/models"
)

type Records interface {
	Load() (*models.ConfigRecord, error)
	Update(fn func(rec *models.ConfigRecord) error) (*models.ConfigRecord, error)
}

type Sessions interface {
	Login(username, password string) (*session.Token, error)
	Revoke(token string)
	ChangeCredentials(principal *session.Principal, currentPassword, newUsername, newPassword string, commit func(models.Credentials) error) error
}

type Wizard interface {
	Status() setup.StatusResponse
	SetCredentials(username, password string) error
	Connect(ctx context.Context, controlServerURL, authKey string) ([]models.ExitNode, error)
	ExitNodes(ctx context.Context) ([]models.ExitNode, error)
	SelectExitNode(ctx context.Context, id string) (*models.ExitNode, error)
	Complete(ctx context.Context, req setup.CompleteRequest) (*session.Token, error)
}

type VPN interface {
	Status() models.VPNState
	Connect(ctx context.Context, controlServerURL, authKey string) error
	Reconnect(ctx context.Context) error
	ListExitNodes(ctx context.Context) ([]models.ExitNode, error)
	SelectExitNode(ctx context.Context, id string) (*models.ExitNode, error)
	Disconnect(ctx context.Context) error
}

type Downloads interface {
	Submit(ctx context.Context, url string, opts downloads.SubmitOptions) (*models.Download, error)
	Cancel(id uuid.UUID) error
	List() []models.Download
	Get(id uuid.UUID) (models.Download, error)
	Retry(ctx context.Context, id uuid.UUID) (*models.Download, error)
	Delete(ctx context.Context, id uuid.UUID) error
	SetCategory(ctx context.Context, id uuid.UUID, categoryID *uuid.UUID) (models.Download, error)
	Formats(ctx context.Context, url string) (*models.MediaInfo, error)
	Running() int
}

type Categories interface {
	List(ctx context.Context) ([]models.Category, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Category, error)
	Create(ctx context.Context, name string) (*models.Category, error)
	Rename(ctx context.Context, id uuid.UUID, name string) (*models.Category, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type Shares interface {
	Create(ctx context.Context, downloadID uuid.UUID, opts share.CreateOptions) (*models.ShareLink, error)
	Get(ctx context.Context, id uuid.UUID) (*models.ShareLink, error)
	List(ctx context.Context, downloadID uuid.UUID) ([]models.ShareLink, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Resolve(ctx context.Context, token string) (*models.ShareLink, models.Download, error)
	Verify(ctx context.Context, token, password string) (string, time.Time, error)
	URL(link *models.ShareLink) string
	QRCode(link *models.ShareLink) ([]byte, error)
}

type EventSource interface {
	Subscribe() *events.Subscriber
	Unsubscribe(s *events.Subscriber)
	Count() int
}

// RealtimeTokens issues Centrifugo connection tokens
type RealtimeTokens interface {
	GenerateClientToken(subject string) (string, time.Time, error)
}

// API holds everything the HTTP handlers need
type API struct {
	Records    Records
	Sessions   Sessions
	Wizard     Wizard
	VPN        VPN
	Downloads  Downloads
	Categories Categories
	Shares     Shares
	Events     EventSource
	Realtime   RealtimeTokens // nil when Centrifugo is not configured

	// PingInterval spaces SSE keep-alives
	PingInterval time.Duration
	StartedAt    time.Time
}
