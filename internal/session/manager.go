package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/tunneldl/api/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrSetupIncomplete    = errors.New("setup has not been completed")
)

const DefaultTTL = 7 * 24 * time.Hour

// CredentialSource returns the stored config record holding the login
type CredentialSource interface {
	Load() (*models.ConfigRecord, error)
}

// Token is an opaque bearer credential handed to the UI
type Token struct {
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Principal is what a validated token resolves to
type Principal struct {
	Username  string
	Token     string
	ExpiresAt time.Time
}

type session struct {
	username  string
	issuedAt  time.Time
	expiresAt time.Time
}

// Manager issues and validates session tokens. Tokens live only in memory,
// so every restart signs everyone out.
type Manager struct {
	creds CredentialSource
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	sessions map[string]session
}

func NewManager(creds CredentialSource, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		creds:    creds,
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]session),
	}
}

// Login checks the stored credentials and issues a token
func (m *Manager) Login(username, password string) (*Token, error) {
	rec, err := m.creds.Load()
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if rec == nil || !rec.SetupComplete {
		return nil, ErrSetupIncomplete
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(rec.Credentials.Username)) == 1
	// Always run bcrypt so a wrong username costs the same as a wrong password.
	passOK := CheckPassword(password, rec.Credentials.PasswordHash)
	if !userOK || !passOK {
		log.Println("[Auth] Failed login attempt")
		return nil, ErrInvalidCredentials
	}

	return m.Issue(rec.Credentials.Username)
}

// Issue creates a new session for username
func (m *Manager) Issue(username string) (*Token, error) {
	value, err := generateToken()
	if err != nil {
		return nil, err
	}
	now := m.now()
	s := session{username: username, issuedAt: now, expiresAt: now.Add(m.ttl)}

	m.mu.Lock()
	m.sessions[value] = s
	m.pruneLocked(now)
	m.mu.Unlock()

	return &Token{Token: value, IssuedAt: s.issuedAt, ExpiresAt: s.expiresAt}, nil
}

// Validate resolves a token, evicting it if expired
func (m *Manager) Validate(token string) (*Principal, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[token]
	if !ok {
		return nil, ErrInvalidToken
	}
	if !m.now().Before(s.expiresAt) {
		delete(m.sessions, token)
		return nil, ErrInvalidToken
	}
	return &Principal{Username: s.username, Token: token, ExpiresAt: s.expiresAt}, nil
}

// Revoke ends a single session
func (m *Manager) Revoke(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
}

// RevokeAllExcept signs out every other session
func (m *Manager) RevokeAllExcept(keep string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for token := range m.sessions {
		if token != keep {
			delete(m.sessions, token)
		}
	}
}

// CompleteSetup is the only path that creates the first login. It hashes the
// password, lets commit persist the credentials, and only then issues a token.
func (m *Manager) CompleteSetup(username, password string, commit func(models.Credentials) error) (*Token, error) {
	username = strings.TrimSpace(username)
	if err := ValidateCredentials(username, password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	if err := commit(models.Credentials{Username: username, PasswordHash: hash}); err != nil {
		return nil, err
	}
	return m.Issue(username)
}

// ChangeCredentials replaces the login after re-checking the current password.
// Other sessions are revoked; the caller's token stays valid.
func (m *Manager) ChangeCredentials(principal *Principal, currentPassword, newUsername, newPassword string, commit func(models.Credentials) error) error {
	rec, err := m.creds.Load()
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	if rec == nil || !rec.SetupComplete {
		return ErrSetupIncomplete
	}
	if !CheckPassword(currentPassword, rec.Credentials.PasswordHash) {
		return ErrInvalidCredentials
	}

	newUsername = strings.TrimSpace(newUsername)
	if newUsername == "" {
		newUsername = rec.Credentials.Username
	}
	if newPassword == "" {
		newPassword = currentPassword
	}
	if err := ValidateCredentials(newUsername, newPassword); err != nil {
		return err
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := commit(models.Credentials{Username: newUsername, PasswordHash: hash}); err != nil {
		return err
	}

	m.mu.Lock()
	for token := range m.sessions {
		if principal == nil || token != principal.Token {
			delete(m.sessions, token)
		}
	}
	if principal != nil {
		if s, ok := m.sessions[principal.Token]; ok {
			s.username = newUsername
			m.sessions[principal.Token] = s
		}
	}
	m.mu.Unlock()

	log.Println("[Auth] Credentials changed, other sessions revoked")
	return nil
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) pruneLocked(now time.Time) {
	for token, s := range m.sessions {
		if !now.Before(s.expiresAt) {
			delete(m.sessions, token)
		}
	}
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
