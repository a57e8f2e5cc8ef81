package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gnosis-kg/gnosis/pkg/artifacts"
	"github.com/gnosis-kg/gnosis/pkg/graph"
	"github.com/gnosis-kg/gnosis/pkg/jobs"
	"github.com/gnosis-kg/gnosis/pkg/models"
	"github.com/gnosis-kg/gnosis/pkg/observability"
)

// analysisTopConcepts caps the evidence ranking in a summary artifact.
const analysisTopConcepts = 10

// SummaryGraph is the read-only slice of the graph store the analysis
// worker needs.
type SummaryGraph interface {
	Stats(ctx context.Context, ontology string) (*models.GraphStats, error)
	TopConceptsByEvidence(ctx context.Context, ontology string, limit int) ([]graph.ConceptEvidence, error)
	RelationshipTypeCounts(ctx context.Context, ontology string) (map[string]int64, error)
}

// Artifacts persists worker outputs as epoch-stamped artifacts.
type Artifacts interface {
	Create(ctx context.Context, in artifacts.CreateInput) (*models.Artifact, error)
}

// OntologySummary is the payload of an "ontology-summary" artifact.
type OntologySummary struct {
	Ontology          string                 `json:"ontology"`
	GeneratedAt       time.Time              `json:"generated_at"`
	Stats             models.GraphStats      `json:"stats"`
	TopConcepts       []graph.ConceptEvidence `json:"top_concepts"`
	RelationshipTypes map[string]int64       `json:"relationship_types"`
}

// AnalysisWorker walks one ontology and stores a summary artifact
// describing its current shape.
type AnalysisWorker struct {
	graph     SummaryGraph
	artifacts Artifacts
	logger    observability.Logger
}

func NewAnalysisWorker(g SummaryGraph, store Artifacts, logger observability.Logger) *AnalysisWorker {
	return &AnalysisWorker{graph: g, artifacts: store, logger: logger}
}

func (w *AnalysisWorker) Kind() models.JobKind { return models.JobKindAnalysis }

func (w *AnalysisWorker) Run(ctx context.Context, job *models.Job, progress *jobs.Reporter) (models.JSONMap, error) {
	if job.Ontology == "" {
		return nil, models.NewJobError(models.ErrKindValidation, "analysis job has no ontology")
	}

	progress.Emit(ctx, "analyzing", 0, 3, "collecting graph statistics", nil)
	stats, err := w.graph.Stats(ctx, job.Ontology)
	if err != nil {
		return nil, fmt.Errorf("failed to collect stats for %s: %w", job.Ontology, err)
	}

	progress.Emit(ctx, "analyzing", 1, 3, "ranking concepts by evidence", nil)
	top, err := w.graph.TopConceptsByEvidence(ctx, job.Ontology, analysisTopConcepts)
	if err != nil {
		return nil, fmt.Errorf("failed to rank concepts for %s: %w", job.Ontology, err)
	}

	progress.Emit(ctx, "analyzing", 2, 3, "counting relationship types", nil)
	relTypes, err := w.graph.RelationshipTypeCounts(ctx, job.Ontology)
	if err != nil {
		return nil, fmt.Errorf("failed to count relationship types for %s: %w", job.Ontology, err)
	}

	summary := OntologySummary{
		Ontology:          job.Ontology,
		GeneratedAt:       time.Now().UTC(),
		Stats:             *stats,
		TopConcepts:       top,
		RelationshipTypes: relTypes,
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("failed to encode summary: %w", err)
	}

	artifact, err := w.artifacts.Create(ctx, artifacts.CreateInput{
		Type:    "ontology-summary",
		Owner:   job.ID,
		Params:  models.JSONMap{"ontology": job.Ontology},
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store summary artifact: %w", err)
	}

	progress.Emit(ctx, "analyzing", 3, 3, "summary stored", nil)
	w.logger.Info("Ontology analyzed", map[string]interface{}{
		"job_id":      job.ID,
		"ontology":    job.Ontology,
		"artifact_id": artifact.ID,
		"concepts":    stats.Concepts,
	})

	return models.JSONMap{
		"status":      "completed",
		"artifact_id": artifact.ID,
		"ontology":    job.Ontology,
		"graph_epoch": artifact.GraphEpoch,
	}, nil
}
