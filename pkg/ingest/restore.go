package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/gnosis-kg/gnosis/pkg/jobs"
	"github.com/gnosis-kg/gnosis/pkg/models"
	"github.com/gnosis-kg/gnosis/pkg/observability"
	"github.com/gnosis-kg/gnosis/pkg/providers"
	"github.com/gnosis-kg/gnosis/pkg/resilience"
	"github.com/gnosis-kg/gnosis/pkg/storage"
)

// Export is the backup document format the restore worker replays. Concepts
// carry their embeddings explicitly because the canonical concept encoding
// omits them; concepts without one are re-embedded during restore.
type Export struct {
	Ontology      string                 `json:"ontology"`
	ExportedAt    *time.Time             `json:"exported_at,omitempty"`
	Sources       []*models.Source       `json:"sources"`
	Concepts      []*ExportConcept       `json:"concepts"`
	Instances     []*models.Instance     `json:"instances"`
	Relationships []*models.Relationship `json:"relationships"`
}

// ExportConcept is a concept with its embedding made explicit.
type ExportConcept struct {
	models.Concept
	Embedding models.Vector `json:"embedding,omitempty"`
}

// RestoreGraph is the facade surface a restore replays into. Every method is
// an idempotent merge, so replaying the same export twice is safe.
type RestoreGraph interface {
	CreateSource(ctx context.Context, src *models.Source) error
	CreateConcept(ctx context.Context, c *models.Concept) error
	AppendEvidence(ctx context.Context, inst *models.Instance) (bool, error)
	MergeRelationship(ctx context.Context, rel *models.Relationship) (bool, error)
	BumpEpoch(ctx context.Context) (int64, error)
}

const restoreEmitEvery = 25

// RestoreWorker replays a JSON export from the object store into the graph.
// Entities land in the job's target ontology regardless of the ontology they
// were exported from, and the graph epoch is bumped once when the replay
// ends.
type RestoreWorker struct {
	graph    RestoreGraph
	objects  storage.ObjectStore
	embedder providers.Embedder
	vocab    *models.Vocabulary
	logger   observability.Logger
}

// NewRestoreWorker wires the restore job kind.
func NewRestoreWorker(g RestoreGraph, objects storage.ObjectStore, embedder providers.Embedder,
	vocab *models.Vocabulary, logger observability.Logger) *RestoreWorker {
	if vocab == nil {
		vocab = models.NewVocabulary(models.DefaultVocabulary())
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &RestoreWorker{
		graph:    g,
		objects:  objects,
		embedder: embedder,
		vocab:    vocab,
		logger:   logger,
	}
}

// Kind implements jobs.Worker.
func (w *RestoreWorker) Kind() models.JobKind { return models.JobKindRestore }

// restoreTally counts what the replay wrote.
type restoreTally struct {
	sources       int64
	concepts      int64
	instances     int64
	relationships int64
	violations    int64
	epoch         int64
}

func (t *restoreTally) written() int64 {
	return t.sources + t.concepts + t.instances + t.relationships
}

func (t *restoreTally) toMap(status, ontology string) models.JSONMap {
	return models.JSONMap{
		"status":                 status,
		"ontology":               ontology,
		"sources_restored":       t.sources,
		"concepts_restored":      t.concepts,
		"instances_restored":     t.instances,
		"relationships_restored": t.relationships,
		"vocabulary_violations":  t.violations,
		"graph_epoch":            t.epoch,
	}
}

// Run implements jobs.Worker.
func (w *RestoreWorker) Run(ctx context.Context, job *models.Job, progress *jobs.Reporter) (models.JSONMap, error) {
	if job.InputKey == "" {
		return nil, models.NewJobError(models.ErrKindValidation, "restore job has no backup object key")
	}

	data, err := w.objects.Get(ctx, job.InputKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load backup %s: %w", job.InputKey, err)
	}
	var export Export
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, models.NewJobError(models.ErrKindValidation, "backup is not a valid export").WithDetail(err.Error())
	}

	tally := &restoreTally{}
	runErr := w.replay(ctx, job, &export, tally, progress)

	// The epoch bump must land even when the run context is already dead:
	// committed entities have changed the graph either way.
	if tally.written() > 0 {
		bumpCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		epoch, bumpErr := w.graph.BumpEpoch(bumpCtx)
		if bumpErr != nil {
			w.logger.Error("Failed to bump epoch after restore", map[string]interface{}{
				"job_id": job.ID,
				"error":  bumpErr.Error(),
			})
			if runErr == nil {
				runErr = bumpErr
			}
		} else {
			tally.epoch = epoch
		}
	}

	if runErr != nil {
		return tally.toMap("partial", job.Ontology), classify(runErr)
	}

	w.logger.Info("Restore finished", map[string]interface{}{
		"job_id":        job.ID,
		"ontology":      job.Ontology,
		"sources":       tally.sources,
		"concepts":      tally.concepts,
		"instances":     tally.instances,
		"relationships": tally.relationships,
	})
	return tally.toMap("completed", job.Ontology), nil
}

func (w *RestoreWorker) replay(ctx context.Context, job *models.Job, export *Export,
	tally *restoreTally, progress *jobs.Reporter) error {
	ontology := job.Ontology
	total := len(export.Sources) + len(export.Concepts) + len(export.Instances) + len(export.Relationships)
	done := 0

	emit := func(message string, force bool) {
		if force || done%restoreEmitEvery == 0 {
			progress.Emit(ctx, "restoring", done, total, message, nil)
		}
	}
	emit("replaying backup", true)

	for _, src := range export.Sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		src.Ontology = ontology
		if err := w.graph.CreateSource(ctx, src); err != nil {
			return err
		}
		tally.sources++
		done++
		emit("restoring sources", false)
	}

	for _, ec := range export.Concepts {
		if err := ctx.Err(); err != nil {
			return err
		}
		concept := ec.Concept
		concept.Ontology = ontology
		concept.Embedding = ec.Embedding
		if len(concept.Embedding) == 0 {
			vector, err := w.embedText(ctx, concept.EmbeddingText())
			if err != nil {
				return err
			}
			concept.Embedding = vector
			concept.EmbeddingModel = w.embedder.ModelName()
		}
		if err := w.graph.CreateConcept(ctx, &concept); err != nil {
			return err
		}
		tally.concepts++
		done++
		emit("restoring concepts", false)
	}

	for _, inst := range export.Instances {
		if err := ctx.Err(); err != nil {
			return err
		}
		if inst.ID == "" {
			inst.ID = uuid.NewString()
		}
		if _, err := w.graph.AppendEvidence(ctx, inst); err != nil {
			return err
		}
		tally.instances++
		done++
		emit("restoring evidence", false)
	}

	for _, rel := range export.Relationships {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel.Ontology = ontology
		rel.Type = normalizeRelType(rel.Type)
		if !w.vocab.Allows(rel.Type) {
			tally.violations++
			done++
			continue
		}
		if rel.ID == "" {
			rel.ID = uuid.NewString()
		}
		rel.Confidence = clamp01(rel.Confidence)
		if len(rel.Provenance) == 0 {
			rel.Provenance = pq.StringArray{}
		}
		if _, err := w.graph.MergeRelationship(ctx, rel); err != nil {
			return err
		}
		tally.relationships++
		done++
		emit("restoring relationships", false)
	}

	emit("replay finished", true)
	return nil
}

// embedText embeds one text with the provider retry policy.
func (w *RestoreWorker) embedText(ctx context.Context, text string) (models.Vector, error) {
	vectors, err := resilience.RetryWithResult(ctx, providerRetryPolicy(), func() ([][]float32, error) {
		return w.embedder.Embed(ctx, []string{text})
	})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one text", len(vectors))
	}
	return models.Vector(vectors[0]), nil
}
