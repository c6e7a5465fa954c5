package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/tunneldl/api/models"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("record not found")

const interruptedMessage = "interrupted by restart"

// History is the durable log of download jobs
type History struct {
	db        *gorm.DB
	retries   uint64
	baseDelay time.Duration
}

func NewHistory(db *gorm.DB) *History {
	return &History{db: db, retries: 4, baseDelay: 100 * time.Millisecond}
}

// Append upserts the job row, retrying transient failures with exponential backoff
func (h *History) Append(ctx context.Context, d *models.Download) error {
	backoff := retry.WithMaxRetries(h.retries, retry.NewExponential(h.baseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := h.db.WithContext(ctx).Save(d).Error; err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: append download %s: %v", ErrStoreUnavailable, d.ID, err)
	}
	return nil
}

// List returns every job, most recent first
func (h *History) List(ctx context.Context) ([]models.Download, error) {
	var downloads []models.Download
	if err := h.db.WithContext(ctx).Order("created_at DESC").Find(&downloads).Error; err != nil {
		return nil, err
	}
	return downloads, nil
}

func (h *History) Get(ctx context.Context, id uuid.UUID) (*models.Download, error) {
	var d models.Download
	err := h.db.WithContext(ctx).First(&d, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Delete removes a job together with its share links
func (h *History) Delete(ctx context.Context, id uuid.UUID) error {
	return h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("download_id = ?", id).Delete(&models.ShareLink{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&models.Download{}).Error
	})
}

func (h *History) SetCategory(ctx context.Context, id uuid.UUID, categoryID *uuid.UUID) error {
	return h.db.WithContext(ctx).Model(&models.Download{}).
		Where("id = ?", id).
		Update("category_id", categoryID).Error
}

// MarkInterrupted fails jobs that were queued or running when the process last stopped
func (h *History) MarkInterrupted(ctx context.Context) (int64, error) {
	now := time.Now()
	result := h.db.WithContext(ctx).Model(&models.Download{}).
		Where("status IN ?", []models.DownloadStatus{models.DownloadQueued, models.DownloadRunning}).
		Updates(map[string]interface{}{
			"status":        models.DownloadFailed,
			"error_message": interruptedMessage,
			"finished_at":   now,
		})
	return result.RowsAffected, result.Error
}
