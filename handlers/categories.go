package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type CategoryRequest struct {
	Name string `json:"name" binding:"required"`
}

func (a *API) ListCategories(c *gin.Context) {
	categories, err := a.Categories.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"categories": categories})
}

func (a *API) CreateCategory(c *gin.Context) {
	var req CategoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "name is required")
		return
	}

	category, err := a.Categories.Create(c.Request.Context(), req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, category)
}

func (a *API) UpdateCategory(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req CategoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "name is required")
		return
	}

	category, err := a.Categories.Rename(c.Request.Context(), id, req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, category)
}

// DeleteCategory removes a category; its downloads become uncategorised
func (a *API) DeleteCategory(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := a.Categories.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	for _, d := range a.Downloads.List() {
		if d.CategoryID != nil && *d.CategoryID == id {
			a.Downloads.SetCategory(c.Request.Context(), d.ID, nil)
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "Category deleted"})
}
