package handlers

import (
	"errors"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tunneldl/api/internal/downloads"
	"github.com/tunneldl/api/models"
)

// GetFormats probes a URL through the tunnel
func (a *API) GetFormats(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		badRequest(c, "url query parameter is required")
		return
	}

	info, err := a.Downloads.Formats(c.Request.Context(), url)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

type CreateDownloadRequest struct {
	URL        string     `json:"url" binding:"required"`
	Format     string     `json:"format"`
	CategoryID *uuid.UUID `json:"category_id"`
}

// CreateDownload queues a download and returns at once
func (a *API) CreateDownload(c *gin.Context) {
	var req CreateDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "url is required")
		return
	}

	if req.CategoryID != nil {
		if _, err := a.Categories.Get(c.Request.Context(), *req.CategoryID); err != nil {
			respondError(c, err)
			return
		}
	}

	d, err := a.Downloads.Submit(c.Request.Context(), req.URL, downloads.SubmitOptions{
		Format:     req.Format,
		CategoryID: req.CategoryID,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, d)
}

// ListDownloads returns every job, most recent first
func (a *API) ListDownloads(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"downloads": a.Downloads.List(),
		"running":   a.Downloads.Running(),
	})
}

func (a *API) GetDownload(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	d, err := a.Downloads.Get(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// DeleteDownload cancels a job, or with ?purge=true removes a finished one
func (a *API) DeleteDownload(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if c.Query("purge") == "true" {
		if err := a.Downloads.Delete(c.Request.Context(), id); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Download deleted"})
		return
	}

	if err := a.Downloads.Cancel(id); err != nil {
		respondError(c, err)
		return
	}
	d, err := a.Downloads.Get(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (a *API) RetryDownload(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	d, err := a.Downloads.Retry(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

type UpdateDownloadRequest struct {
	CategoryID *uuid.UUID `json:"category_id"`
}

// UpdateDownload files a job under a category, or clears it with null
func (a *API) UpdateDownload(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req UpdateDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if req.CategoryID != nil {
		if _, err := a.Categories.Get(c.Request.Context(), *req.CategoryID); err != nil {
			respondError(c, err)
			return
		}
	}

	d, err := a.Downloads.SetCategory(c.Request.Context(), id, req.CategoryID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// StreamDownload serves the finished file with byte-range support for the player
func (a *API) StreamDownload(c *gin.Context) {
	if d, ok := a.completedDownload(c); ok {
		c.File(d.OutputPath)
	}
}

// DownloadFile serves the finished file as an attachment
func (a *API) DownloadFile(c *gin.Context) {
	if d, ok := a.completedDownload(c); ok {
		c.FileAttachment(d.OutputPath, d.Filename)
	}
}

func (a *API) completedDownload(c *gin.Context) (models.Download, bool) {
	id, ok := parseID(c)
	if !ok {
		return models.Download{}, false
	}
	d, err := a.Downloads.Get(id)
	if err != nil {
		respondError(c, err)
		return models.Download{}, false
	}
	return d, serveable(c, d)
}

// serveable writes an error unless the download's file is ready on disk
func serveable(c *gin.Context, d models.Download) bool {
	if d.Status != models.DownloadCompleted || d.OutputPath == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "Download has not completed yet", "code": "not_ready"})
		return false
	}
	if _, err := os.Stat(d.OutputPath); errors.Is(err, os.ErrNotExist) {
		c.JSON(http.StatusGone, gin.H{"error": "File is no longer on disk, retry the download", "code": "file_missing"})
		return false
	}
	return true
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "Invalid ID")
		return uuid.Nil, false
	}
	return id, true
}
