package models

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ShareLink exposes one completed download to anyone holding the token
type ShareLink struct {
	ID           uuid.UUID  `gorm:"type:uuid;primary_key" json:"id"`
	DownloadID   uuid.UUID  `gorm:"type:uuid;not null;index" json:"download_id"`
	Token        string     `gorm:"uniqueIndex;not null" json:"token"`
	PasswordHash string     `json:"-"`
	ExpiresAt    *time.Time `gorm:"index" json:"expires_at"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (s *ShareLink) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Token == "" {
		s.Token = generateShareToken()
	}
	return nil
}

func generateShareToken() string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func (s *ShareLink) HasPassword() bool {
	return s.PasswordHash != ""
}

func (s *ShareLink) IsExpired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

type ShareLinkResponse struct {
	ID          uuid.UUID  `json:"id"`
	DownloadID  uuid.UUID  `json:"download_id"`
	Token       string     `json:"token"`
	URL         string     `json:"url"`
	HasPassword bool       `json:"has_password"`
	ExpiresAt   *time.Time `json:"expires_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (s *ShareLink) ToResponse(url string) ShareLinkResponse {
	return ShareLinkResponse{
		ID:          s.ID,
		DownloadID:  s.DownloadID,
		Token:       s.Token,
		URL:         url,
		HasPassword: s.HasPassword(),
		ExpiresAt:   s.ExpiresAt,
		CreatedAt:   s.CreatedAt,
	}
}
