package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gnosis-kg/gnosis/pkg/ingest"
	"github.com/gnosis-kg/gnosis/pkg/models"
	"github.com/gnosis-kg/gnosis/pkg/providers"
	"github.com/gnosis-kg/gnosis/pkg/storage"
)

const (
	defaultSearchLimit   = 10
	defaultMinSimilarity = 0.7
)

// GraphAPI handles concept/source/path search and the ontology surface.
type GraphAPI struct {
	graph    GraphReader
	sources  SourceSearcher
	embedder providers.Embedder
	objects  storage.ObjectStore
	vocab    *models.Vocabulary
}

// RegisterRoutes registers the search and ontology routes on the v1 group.
func (api *GraphAPI) RegisterRoutes(router *gin.RouterGroup) {
	search := router.Group("/search")
	{
		search.POST("/concepts", api.searchConcepts)
		search.POST("/sources", api.searchSources)
		search.POST("/path", api.searchPath)
	}

	router.GET("/ontologies", api.listOntologies)
	router.DELETE("/ontologies/:name", api.deleteOntology)
	router.POST("/ontologies/:name/export", api.exportOntology)
	router.GET("/ontologies/:name/backups", api.listBackups)
	router.GET("/stats", api.graphStats)
	router.GET("/vocabulary", api.vocabulary)
}

// ConceptSearchRequest is the body of POST /search/concepts. The query is
// embedded server side; MinSimilarity defaults to 0.7 when absent.
type ConceptSearchRequest struct {
	Ontology      string   `json:"ontology" binding:"required"`
	Query         string   `json:"query" binding:"required"`
	Limit         int      `json:"limit"`
	Offset        int      `json:"offset"`
	MinSimilarity *float64 `json:"min_similarity"`
}

func (api *GraphAPI) searchConcepts(c *gin.Context) {
	var req ConceptSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	minSim := defaultMinSimilarity
	if req.MinSimilarity != nil {
		minSim = *req.MinSimilarity
	}

	embedding, err := api.embedQuery(c.Request.Context(), req.Query)
	if err != nil {
		respondError(c, err)
		return
	}

	hits, err := api.graph.SearchConcepts(c.Request.Context(), req.Ontology, embedding, limit+req.Offset)
	if err != nil {
		respondError(c, err)
		return
	}

	results := make([]models.ConceptSearchResult, 0, limit)
	for _, hit := range hits {
		if hit.Similarity < minSim {
			continue
		}
		results = append(results, hit)
	}
	if req.Offset > 0 {
		if req.Offset >= len(results) {
			results = results[:0]
		} else {
			results = results[req.Offset:]
		}
	}
	if len(results) > limit {
		results = results[:limit]
	}

	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

// SourceSearchRequest is the body of POST /search/sources. Ontology is
// optional; empty searches every ontology.
type SourceSearchRequest struct {
	Ontology string `json:"ontology"`
	Query    string `json:"query" binding:"required"`
	Limit    int    `json:"limit"`
}

func (api *GraphAPI) searchSources(c *gin.Context) {
	var req SourceSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	embedding, err := api.embedQuery(c.Request.Context(), req.Query)
	if err != nil {
		respondError(c, err)
		return
	}

	results, err := api.sources.SearchSources(c.Request.Context(), embedding, req.Ontology, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

// PathSearchRequest is the body of POST /search/path. Endpoints are concept
// ids, or query strings resolved to their nearest concept.
type PathSearchRequest struct {
	Ontology  string   `json:"ontology" binding:"required"`
	FromID    string   `json:"from_id"`
	ToID      string   `json:"to_id"`
	FromQuery string   `json:"from_query"`
	ToQuery   string   `json:"to_query"`
	MaxHops   int      `json:"max_hops"`
	RelTypes  []string `json:"rel_types"`
}

func (api *GraphAPI) searchPath(c *gin.Context) {
	var req PathSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	fromID, err := api.resolveEndpoint(c.Request.Context(), req.Ontology, req.FromID, req.FromQuery)
	if err != nil {
		respondError(c, err)
		return
	}
	toID, err := api.resolveEndpoint(c.Request.Context(), req.Ontology, req.ToID, req.ToQuery)
	if err != nil {
		respondError(c, err)
		return
	}

	paths, err := api.graph.PathSearch(c.Request.Context(), req.Ontology, fromID, toID, req.MaxHops, req.RelTypes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paths": paths, "count": len(paths)})
}

// resolveEndpoint returns the explicit id, or the nearest concept to the
// query when only a query was given.
func (api *GraphAPI) resolveEndpoint(ctx context.Context, ontology, id, query string) (string, error) {
	if id != "" {
		return id, nil
	}
	if query == "" {
		return "", fmt.Errorf("%w: path endpoint needs an id or a query", models.ErrValidation)
	}

	embedding, err := api.embedQuery(ctx, query)
	if err != nil {
		return "", err
	}
	hits, err := api.graph.SearchConcepts(ctx, ontology, embedding, 1)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "", fmt.Errorf("%w: no concept matches %q", models.ErrNotFound, query)
	}
	return hits[0].ConceptID, nil
}

func (api *GraphAPI) listOntologies(c *gin.Context) {
	infos, err := api.graph.Ontologies(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ontologies": infos, "count": len(infos)})
}

func (api *GraphAPI) deleteOntology(c *gin.Context) {
	result, err := api.graph.DeleteOntology(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ontology": c.Param("name"), "deleted": result})
}

// exportOntology writes a restorable JSON backup of the ontology to the
// object store and returns its key. The export is synchronous; restores run
// as jobs because they call the embedder, exports do not.
func (api *GraphAPI) exportOntology(c *gin.Context) {
	name := c.Param("name")
	if api.objects == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "object storage is not configured"})
		return
	}

	dump, err := api.graph.DumpOntology(c.Request.Context(), name)
	if err != nil {
		respondError(c, err)
		return
	}
	if dump.Empty() {
		respondError(c, fmt.Errorf("%w: ontology %q has no data", models.ErrNotFound, name))
		return
	}

	export := ingest.NewExport(name, dump, time.Now())
	data, err := json.Marshal(export)
	if err != nil {
		respondError(c, err)
		return
	}
	key := storage.BackupKey(name, time.Now())
	if err := api.objects.Put(c.Request.Context(), key, data, "application/json"); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"ontology":      name,
		"key":           key,
		"sources":       len(dump.Sources),
		"concepts":      len(dump.Concepts),
		"instances":     len(dump.Instances),
		"relationships": len(dump.Relationships),
	})
}

// listBackups lists the stored export keys for an ontology, oldest first.
// The keys feed restore submissions as input_key.
func (api *GraphAPI) listBackups(c *gin.Context) {
	if api.objects == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "object storage is not configured"})
		return
	}
	keys, err := api.objects.List(c.Request.Context(), storage.BackupPrefix(c.Param("name")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backups": keys, "count": len(keys)})
}

func (api *GraphAPI) graphStats(c *gin.Context) {
	stats, err := api.graph.Stats(c.Request.Context(), c.Query("ontology"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (api *GraphAPI) vocabulary(c *gin.Context) {
	types := api.vocab.Types()
	c.JSON(http.StatusOK, gin.H{"types": types, "count": len(types)})
}

func (api *GraphAPI) embedQuery(ctx context.Context, query string) (models.Vector, error) {
	vecs, err := api.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedder returned no vector for query")
	}
	return models.Vector(vecs[0]), nil
}
