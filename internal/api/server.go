// Package api is the HTTP control surface: job submission and lifecycle,
// progress streaming, graph search and the artifact CRUD. Handlers translate
// between HTTP and the domain packages; no business rule lives here.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gnosis-kg/gnosis/pkg/config"
	"github.com/gnosis-kg/gnosis/pkg/graph"
	"github.com/gnosis-kg/gnosis/pkg/jobs"
	"github.com/gnosis-kg/gnosis/pkg/models"
	"github.com/gnosis-kg/gnosis/pkg/observability"
	"github.com/gnosis-kg/gnosis/pkg/providers"
	"github.com/gnosis-kg/gnosis/pkg/storage"
)

// JobReader is the job store surface the read endpoints need.
type JobReader interface {
	Load(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, f jobs.Filter) ([]*models.Job, error)
	CountByState(ctx context.Context) (map[models.JobState]int64, error)
}

// GraphReader is the graph facade surface the search and ontology endpoints
// need. *graph.Store satisfies it.
type GraphReader interface {
	SearchConcepts(ctx context.Context, ontology string, embedding models.Vector, limit int) ([]models.ConceptSearchResult, error)
	PathSearch(ctx context.Context, ontology, fromID, toID string, maxDepth int, relTypes []string) ([]models.Path, error)
	Ontologies(ctx context.Context) ([]graph.OntologyInfo, error)
	Stats(ctx context.Context, ontology string) (*models.GraphStats, error)
	DeleteOntology(ctx context.Context, ontology string) (*graph.DeleteResult, error)
	DumpOntology(ctx context.Context, ontology string) (*graph.OntologyDump, error)
}

// SourceSearcher is the source-embedding search surface. *embeddings.Repo
// satisfies it.
type SourceSearcher interface {
	SearchSources(ctx context.Context, embedding models.Vector, ontology string, limit int) ([]models.SourceSearchResult, error)
}

// PoolInfo exposes the worker pool to the stats endpoint. *jobs.Queue
// satisfies it.
type PoolInfo interface {
	Instance() string
	Running() []string
}

// HealthCheck pings one dependency. A nil error means healthy.
type HealthCheck func(ctx context.Context) error

// Deps bundles everything the handlers call. Nil optional members disable
// the endpoints they back.
type Deps struct {
	Intake     *jobs.Intake
	Jobs       JobReader
	Broker     *jobs.Broker
	Pool       PoolInfo
	Graph      GraphReader
	Sources    SourceSearcher
	Embedder   providers.Embedder
	Artifacts  ArtifactStore
	Objects    storage.ObjectStore
	Vocabulary *models.Vocabulary
	Metrics    observability.MetricsClient
	Health     map[string]HealthCheck
}

// Server is the HTTP control plane.
type Server struct {
	router *gin.Engine
	server *http.Server
	cfg    config.APIConfig
	deps   Deps
	logger observability.Logger
}

// NewServer builds the router and wires every endpoint group.
func NewServer(deps Deps, cfg config.APIConfig, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if deps.Vocabulary == nil {
		deps.Vocabulary = models.NewVocabulary(models.DefaultVocabulary())
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewNoopMetricsClient()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(RequestID())
	router.Use(RequestLogger(logger))
	router.Use(Metrics(deps.Metrics))
	router.Use(Recovery(logger))
	if cfg.EnableCORS {
		router.Use(CORS(cfg.CORSAllowed))
	}
	if cfg.MaxUploadBytes > 0 {
		router.MaxMultipartMemory = cfg.MaxUploadBytes
	}

	s := &Server{
		router: router,
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		server: &http.Server{
			Addr:         cfg.ListenAddress,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthz)

	v1 := s.router.Group("/api/v1")
	if s.cfg.BearerToken != "" {
		v1.Use(BearerAuth(s.cfg.BearerToken))
	}

	jobsAPI := &JobsAPI{
		intake:    s.deps.Intake,
		store:     s.deps.Jobs,
		broker:    s.deps.Broker,
		pool:      s.deps.Pool,
		objects:   s.deps.Objects,
		metrics:   s.deps.Metrics,
		maxUpload: s.cfg.MaxUploadBytes,
		logger:    s.logger,
	}
	jobsAPI.RegisterRoutes(v1)

	graphAPI := &GraphAPI{
		graph:    s.deps.Graph,
		sources:  s.deps.Sources,
		embedder: s.deps.Embedder,
		objects:  s.deps.Objects,
		vocab:    s.deps.Vocabulary,
	}
	graphAPI.RegisterRoutes(v1)

	artifactsAPI := &ArtifactsAPI{store: s.deps.Artifacts}
	artifactsAPI.RegisterRoutes(v1)
}

// Router exposes the handler for tests and embedding into other servers.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("API listening", map[string]interface{}{"address": s.cfg.ListenAddress})
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// healthz is the liveness endpoint: it pings every registered dependency and
// reports per-component status plus overall degradation.
func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	components := make(map[string]string, len(s.deps.Health))
	healthy := true
	for name, check := range s.deps.Health {
		if err := check(ctx); err != nil {
			components[name] = "unhealthy: " + err.Error()
			healthy = false
		} else {
			components[name] = "healthy"
		}
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":     overall,
		"components": components,
	})
}
