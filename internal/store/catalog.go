package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tunneldl/api/models"
	"gorm.io/gorm"
)

var (
	ErrDuplicateName = errors.New("a category with that name already exists")
	ErrInvalidName   = errors.New("category name is required")
)

// Categories stores the user's download categories
type Categories struct {
	db *gorm.DB
}

func NewCategories(db *gorm.DB) *Categories {
	return &Categories{db: db}
}

func (c *Categories) List(ctx context.Context) ([]models.Category, error) {
	var categories []models.Category
	if err := c.db.WithContext(ctx).Order("name ASC").Find(&categories).Error; err != nil {
		return nil, err
	}
	return categories, nil
}

func (c *Categories) Get(ctx context.Context, id uuid.UUID) (*models.Category, error) {
	var category models.Category
	err := c.db.WithContext(ctx).First(&category, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &category, nil
}

func (c *Categories) Create(ctx context.Context, name string) (*models.Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	category := models.Category{Name: name}
	if err := c.db.WithContext(ctx).Create(&category).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateName
		}
		return nil, err
	}
	return &category, nil
}

func (c *Categories) Rename(ctx context.Context, id uuid.UUID, name string) (*models.Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	category, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.db.WithContext(ctx).Model(category).Update("name", name).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateName
		}
		return nil, err
	}
	category.Name = name
	return category, nil
}

// Delete removes the category and detaches any downloads filed under it
func (c *Categories) Delete(ctx context.Context, id uuid.UUID) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Download{}).Where("category_id = ?", id).
			Update("category_id", nil).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", id).Delete(&models.Category{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Shares stores share links for completed downloads
type Shares struct {
	db *gorm.DB
}

func NewShares(db *gorm.DB) *Shares {
	return &Shares{db: db}
}

func (s *Shares) Create(ctx context.Context, link *models.ShareLink) error {
	return s.db.WithContext(ctx).Create(link).Error
}

func (s *Shares) Get(ctx context.Context, id uuid.UUID) (*models.ShareLink, error) {
	var link models.ShareLink
	err := s.db.WithContext(ctx).First(&link, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

func (s *Shares) GetByToken(ctx context.Context, token string) (*models.ShareLink, error) {
	var link models.ShareLink
	err := s.db.WithContext(ctx).First(&link, "token = ?", token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

func (s *Shares) ListForDownload(ctx context.Context, downloadID uuid.UUID) ([]models.ShareLink, error) {
	var links []models.ShareLink
	err := s.db.WithContext(ctx).
		Where("download_id = ?", downloadID).
		Order("created_at DESC").
		Find(&links).Error
	return links, err
}

func (s *Shares) Delete(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.ShareLink{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpired removes links whose expiry is before now
func (s *Shares) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", now).
		Delete(&models.ShareLink{})
	return result.RowsAffected, result.Error
}
