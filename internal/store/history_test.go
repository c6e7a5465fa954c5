package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunneldl/api/database"
	"github.com/tunneldl/api/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), logger.Silent)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { database.Close(db) })
	return db
}

func TestHistory_AppendUpserts(t *testing.T) {
	ctx := context.Background()
	h := NewHistory(newTestDB(t))

	d := &models.Download{
		ID:        uuid.New(),
		URL:       "https://example.com/watch?v=1",
		Status:    models.DownloadQueued,
		CreatedAt: time.Now(),
	}
	require.NoError(t, h.Append(ctx, d))

	done := *d
	done.Status = models.DownloadCompleted
	done.ProgressPercent = 100
	done.Filename = "video.mp4"
	require.NoError(t, h.Append(ctx, &done))

	got, err := h.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DownloadCompleted, got.Status)
	assert.Equal(t, float64(100), got.ProgressPercent)
	assert.Equal(t, "video.mp4", got.Filename)

	all, err := h.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestHistory_ListMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	h := NewHistory(newTestDB(t))

	base := time.Now().Add(-time.Hour)
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		d := &models.Download{
			ID:        uuid.New(),
			URL:       "https://example.com",
			Status:    models.DownloadCompleted,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		ids = append(ids, d.ID)
		require.NoError(t, h.Append(ctx, d))
	}

	all, err := h.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)
	assert.Equal(t, ids[0], all[2].ID)
}

func TestHistory_AppendFailsWhenUnavailable(t *testing.T) {
	db := newTestDB(t)
	h := NewHistory(db)
	h.baseDelay = time.Millisecond
	h.retries = 1

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	err = h.Append(context.Background(), &models.Download{ID: uuid.New(), URL: "u", Status: models.DownloadQueued})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestHistory_MarkInterrupted(t *testing.T) {
	ctx := context.Background()
	h := NewHistory(newTestDB(t))

	running := &models.Download{ID: uuid.New(), URL: "a", Status: models.DownloadRunning, CreatedAt: time.Now()}
	queued := &models.Download{ID: uuid.New(), URL: "b", Status: models.DownloadQueued, CreatedAt: time.Now()}
	done := &models.Download{ID: uuid.New(), URL: "c", Status: models.DownloadCompleted, CreatedAt: time.Now()}
	for _, d := range []*models.Download{running, queued, done} {
		require.NoError(t, h.Append(ctx, d))
	}

	n, err := h.MarkInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := h.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DownloadFailed, got.Status)
	assert.Equal(t, interruptedMessage, got.ErrorMessage)
	assert.NotNil(t, got.FinishedAt)

	got, err = h.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DownloadCompleted, got.Status)
}

func TestHistory_DeleteCascadesShares(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	h := NewHistory(db)
	shares := NewShares(db)

	d := &models.Download{ID: uuid.New(), URL: "a", Status: models.DownloadCompleted, CreatedAt: time.Now()}
	require.NoError(t, h.Append(ctx, d))
	link := &models.ShareLink{DownloadID: d.ID}
	require.NoError(t, shares.Create(ctx, link))

	require.NoError(t, h.Delete(ctx, d.ID))

	_, err := h.Get(ctx, d.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = shares.Get(ctx, link.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCategories_CRUD(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	categories := NewCategories(db)
	h := NewHistory(db)

	music, err := categories.Create(ctx, "  Music ")
	require.NoError(t, err)
	assert.Equal(t, "Music", music.Name)

	_, err = categories.Create(ctx, "Music")
	assert.ErrorIs(t, err, ErrDuplicateName)

	_, err = categories.Create(ctx, "   ")
	assert.ErrorIs(t, err, ErrInvalidName)

	renamed, err := categories.Rename(ctx, music.ID, "Podcasts")
	require.NoError(t, err)
	assert.Equal(t, "Podcasts", renamed.Name)

	d := &models.Download{ID: uuid.New(), URL: "a", Status: models.DownloadCompleted, CategoryID: &music.ID, CreatedAt: time.Now()}
	require.NoError(t, h.Append(ctx, d))

	require.NoError(t, categories.Delete(ctx, music.ID))
	assert.ErrorIs(t, categories.Delete(ctx, music.ID), ErrNotFound)

	got, err := h.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CategoryID)
}

func TestShares_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	shares := NewShares(newTestDB(t))

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	expired := &models.ShareLink{DownloadID: uuid.New(), ExpiresAt: &past}
	live := &models.ShareLink{DownloadID: uuid.New(), ExpiresAt: &future}
	forever := &models.ShareLink{DownloadID: uuid.New()}
	for _, l := range []*models.ShareLink{expired, live, forever} {
		require.NoError(t, shares.Create(ctx, l))
	}

	n, err := shares.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = shares.GetByToken(ctx, expired.Token)
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := shares.GetByToken(ctx, live.Token)
	require.NoError(t, err)
	assert.Equal(t, live.ID, got.ID)
}
