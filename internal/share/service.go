package share

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"github.com/tunneldl/api/internal/store"
	"github.com/tunneldl/api/models"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound         = errors.New("share link not found")
	ErrExpired          = errors.New("share link has expired")
	ErrNotShareable     = errors.New("only completed downloads can be shared")
	ErrPasswordRequired = errors.New("this link is password protected, verify the password first")
	ErrWrongPassword    = errors.New("wrong password")
	ErrInvalidAccess    = errors.New("access token invalid or expired, verify the password again")
	ErrInvalidExpiry    = errors.New("expiry must be positive")
)

const (
	DefaultAccessTTL = time.Hour
	accessAudience   = "share"
	qrSize           = 256
)

// bcryptCost is lowered by tests
var bcryptCost = bcrypt.DefaultCost

// Links is the share link repository
type Links interface {
	Create(ctx context.Context, link *models.ShareLink) error
	Get(ctx context.Context, id uuid.UUID) (*models.ShareLink, error)
	GetByToken(ctx context.Context, token string) (*models.ShareLink, error)
	ListForDownload(ctx context.Context, downloadID uuid.UUID) ([]models.ShareLink, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Downloads looks up the shared job
type Downloads interface {
	Get(id uuid.UUID) (models.Download, error)
}

type CreateOptions struct {
	Password  string
	ExpiresIn time.Duration // zero never expires
}

// Service issues and resolves public links to completed downloads
type Service struct {
	links     Links
	downloads Downloads
	secret    []byte
	publicURL func() string
	accessTTL time.Duration
	now       func() time.Time
}

// NewService signs access tokens with secret, or with a random per-process
// key when secret is empty. publicURL is consulted on every call so settings
// changes apply immediately.
func NewService(links Links, downloads Downloads, secret string, publicURL func() string) *Service {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		rand.Read(key)
	}
	if publicURL == nil {
		publicURL = func() string { return "" }
	}
	return &Service{
		links:     links,
		downloads: downloads,
		secret:    key,
		publicURL: publicURL,
		accessTTL: DefaultAccessTTL,
		now:       time.Now,
	}
}

func (s *Service) Create(ctx context.Context, downloadID uuid.UUID, opts CreateOptions) (*models.ShareLink, error) {
	d, err := s.downloads.Get(downloadID)
	if err != nil {
		return nil, err
	}
	if d.Status != models.DownloadCompleted {
		return nil, ErrNotShareable
	}
	if opts.ExpiresIn < 0 {
		return nil, ErrInvalidExpiry
	}

	link := &models.ShareLink{DownloadID: downloadID}
	if opts.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(opts.Password), bcryptCost)
		if err != nil {
			return nil, fmt.Errorf("hash share password: %w", err)
		}
		link.PasswordHash = string(hash)
	}
	if opts.ExpiresIn > 0 {
		expires := s.now().Add(opts.ExpiresIn)
		link.ExpiresAt = &expires
	}

	if err := s.links.Create(ctx, link); err != nil {
		return nil, fmt.Errorf("create share link: %w", err)
	}
	return link, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.ShareLink, error) {
	link, err := s.links.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return link, err
}

func (s *Service) List(ctx context.Context, downloadID uuid.UUID) ([]models.ShareLink, error) {
	return s.links.ListForDownload(ctx, downloadID)
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	err := s.links.Delete(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// Resolve finds a live link and the download behind it
func (s *Service) Resolve(ctx context.Context, token string) (*models.ShareLink, models.Download, error) {
	link, err := s.links.GetByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.Download{}, ErrNotFound
	}
	if err != nil {
		return nil, models.Download{}, err
	}
	if link.IsExpired(s.now()) {
		return nil, models.Download{}, ErrExpired
	}
	d, err := s.downloads.Get(link.DownloadID)
	if err != nil || d.Status != models.DownloadCompleted {
		return nil, models.Download{}, ErrNotFound
	}
	return link, d, nil
}

// Verify checks a link password and returns a short-lived access token
func (s *Service) Verify(ctx context.Context, token, password string) (string, time.Time, error) {
	link, _, err := s.Resolve(ctx, token)
	if err != nil {
		return "", time.Time{}, err
	}
	if link.HasPassword() && bcrypt.CompareHashAndPassword([]byte(link.PasswordHash), []byte(password)) != nil {
		return "", time.Time{}, ErrWrongPassword
	}

	now := s.now()
	expires := now.Add(s.accessTTL)
	if link.ExpiresAt != nil && link.ExpiresAt.Before(expires) {
		expires = *link.ExpiresAt
	}
	claims := jwt.RegisteredClaims{
		Subject:   link.ID.String(),
		Audience:  jwt.ClaimStrings{accessAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expires, nil
}

// Authorize resolves a link for streaming. Password-protected links need an
// access token from Verify.
func (s *Service) Authorize(ctx context.Context, token, access string) (*models.ShareLink, models.Download, error) {
	link, d, err := s.Resolve(ctx, token)
	if err != nil {
		return nil, models.Download{}, err
	}
	if !link.HasPassword() {
		return link, d, nil
	}
	if access == "" {
		return nil, models.Download{}, ErrPasswordRequired
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(access, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(accessAudience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || claims.Subject != link.ID.String() {
		return nil, models.Download{}, ErrInvalidAccess
	}
	return link, d, nil
}

// URL is the public address of a link, relative when no public URL is set
func (s *Service) URL(link *models.ShareLink) string {
	return strings.TrimRight(s.publicURL(), "/") + "/s/" + link.Token
}

// QRCode renders the link URL as a PNG
func (s *Service) QRCode(link *models.ShareLink) ([]byte, error) {
	png, err := qrcode.Encode(s.URL(link), qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}
	return png, nil
}
