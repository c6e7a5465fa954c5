package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type DownloadStatus string

const (
	DownloadQueued    DownloadStatus = "queued"
	DownloadRunning   DownloadStatus = "running"
	DownloadCompleted DownloadStatus = "completed"
	DownloadFailed    DownloadStatus = "failed"
	DownloadCancelled DownloadStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible
func (s DownloadStatus) IsTerminal() bool {
	switch s {
	case DownloadCompleted, DownloadFailed, DownloadCancelled:
		return true
	}
	return false
}

// Download is one request to fetch a URL through the tunnel
type Download struct {
	ID              uuid.UUID      `gorm:"type:uuid;primary_key" json:"id"`
	URL             string         `gorm:"not null" json:"url"`
	RequestedFormat string         `json:"requested_format,omitempty"`
	Status          DownloadStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	ProgressPercent float64        `json:"progress_percent"`
	Speed           string         `json:"speed,omitempty"`
	ETA             string         `json:"eta,omitempty"`
	Title           string         `json:"title,omitempty"`
	OutputPath      string         `json:"-"` // Absolute path on disk, never exposed
	Filename        string         `json:"filename,omitempty"`
	Filesize        int64          `json:"filesize,omitempty"`
	ErrorMessage    string         `gorm:"type:text" json:"error_message,omitempty"`
	CategoryID      *uuid.UUID     `gorm:"type:uuid;index" json:"category_id"`
	CreatedAt       time.Time      `gorm:"index" json:"created_at"`
	StartedAt       *time.Time     `json:"started_at"`
	FinishedAt      *time.Time     `json:"finished_at"`
}

func (d *Download) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// FormatInfo is one selectable format reported by the downloader
type FormatInfo struct {
	FormatID   string  `json:"format_id"`
	Ext        string  `json:"ext"`
	Quality    string  `json:"quality"` // e.g. "1080p60", "128kbps"
	Resolution string  `json:"resolution,omitempty"`
	Filesize   int64   `json:"filesize,omitempty"`
	VCodec     string  `json:"vcodec,omitempty"`
	ACodec     string  `json:"acodec,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
	HasVideo   bool    `json:"has_video"`
	HasAudio   bool    `json:"has_audio"`
}

// MediaInfo is the result of probing a URL without downloading it
type MediaInfo struct {
	Title     string       `json:"title"`
	Duration  float64      `json:"duration,omitempty"`
	Thumbnail string       `json:"thumbnail,omitempty"`
	Formats   []FormatInfo `json:"formats"`
}
