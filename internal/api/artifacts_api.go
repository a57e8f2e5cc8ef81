package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gnosis-kg/gnosis/pkg/artifacts"
	"github.com/gnosis-kg/gnosis/pkg/models"
)

// ArtifactStore is the artifact persistence surface. *artifacts.Store
// satisfies it.
type ArtifactStore interface {
	Create(ctx context.Context, in artifacts.CreateInput) (*models.Artifact, error)
	Get(ctx context.Context, id string) (*models.ArtifactRead, error)
	List(ctx context.Context, f artifacts.Filter) ([]*models.Artifact, error)
	Delete(ctx context.Context, id string) error
}

// ArtifactsAPI handles artifact CRUD.
type ArtifactsAPI struct {
	store ArtifactStore
}

// RegisterRoutes registers the artifact routes on the v1 group.
func (api *ArtifactsAPI) RegisterRoutes(router *gin.RouterGroup) {
	artifactRoutes := router.Group("/artifacts")
	{
		artifactRoutes.POST("", api.createArtifact)
		artifactRoutes.GET("", api.listArtifacts)
		artifactRoutes.GET("/:id", api.getArtifact)
		artifactRoutes.DELETE("/:id", api.deleteArtifact)
	}
}

// CreateArtifactRequest is the body of POST /artifacts.
type CreateArtifactRequest struct {
	ID         string          `json:"id"`
	Type       string          `json:"type" binding:"required"`
	Owner      string          `json:"owner"`
	Params     models.JSONMap  `json:"params"`
	Payload    json.RawMessage `json:"payload" binding:"required"`
	TTLSeconds int64           `json:"ttl_seconds"`
}

func (api *ArtifactsAPI) createArtifact(c *gin.Context) {
	var req CreateArtifactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	artifact, err := api.store.Create(c.Request.Context(), artifacts.CreateInput{
		ID:      req.ID,
		Type:    req.Type,
		Owner:   req.Owner,
		Params:  req.Params,
		Payload: req.Payload,
		TTL:     time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, artifact)
}

func (api *ArtifactsAPI) getArtifact(c *gin.Context) {
	read, err := api.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, read)
}

func (api *ArtifactsAPI) listArtifacts(c *gin.Context) {
	f := artifacts.Filter{
		Type:  c.Query("type"),
		Owner: c.Query("owner"),
	}
	if stale := c.Query("stale"); stale != "" {
		v, err := strconv.ParseBool(stale)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "stale must be true or false"})
			return
		}
		f.Stale = &v
	}

	list, err := api.store.List(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": list, "count": len(list)})
}

func (api *ArtifactsAPI) deleteArtifact(c *gin.Context) {
	if err := api.store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": c.Param("id")})
}
