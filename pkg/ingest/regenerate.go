package ingest

import (
	"context"

	"github.com/gnosis-kg/gnosis/pkg/embeddings"
	"github.com/gnosis-kg/gnosis/pkg/jobs"
	"github.com/gnosis-kg/gnosis/pkg/models"
	"github.com/gnosis-kg/gnosis/pkg/observability"
)

// RegenerateWorker drives an embedding sweep as a queued job. The sweep
// itself lives in pkg/embeddings; this adapter maps job parameters to a
// selector and sweep progress to job progress.
type RegenerateWorker struct {
	worker *embeddings.Worker
	logger observability.Logger
}

func NewRegenerateWorker(worker *embeddings.Worker, logger observability.Logger) *RegenerateWorker {
	return &RegenerateWorker{worker: worker, logger: logger}
}

func (w *RegenerateWorker) Kind() models.JobKind { return models.JobKindRegenerateEmbeddings }

func (w *RegenerateWorker) Run(ctx context.Context, job *models.Job, progress *jobs.Reporter) (models.JSONMap, error) {
	sel := selectorFor(job)

	result, err := w.worker.Regenerate(ctx, sel, func(done, total int64, message string) {
		progress.Emit(ctx, "regenerating", int(done), int(total), message, nil)
	})
	if err != nil {
		// A sweep that died mid-source still reports what it finished.
		if result != nil {
			return regenerateResultMap("partial", result), classify(err)
		}
		return nil, classify(err)
	}

	w.logger.Info("Embedding sweep finished", map[string]interface{}{
		"job_id":  job.ID,
		"scanned": result.SourcesScanned,
		"updated": result.SourcesUpdated,
		"skipped": result.SourcesSkipped,
	})
	return regenerateResultMap("completed", result), nil
}

// selectorFor picks the narrowest scope the job names: a single source,
// one ontology, or the whole store.
func selectorFor(job *models.Job) embeddings.Selector {
	if sourceID := stringParam(job.Params, "source_id"); sourceID != "" {
		return embeddings.Selector{SourceID: sourceID}
	}
	if job.Ontology != "" {
		return embeddings.Selector{Ontology: job.Ontology}
	}
	return embeddings.Selector{All: true}
}

func regenerateResultMap(status string, result *embeddings.RegenerateResult) models.JSONMap {
	return models.JSONMap{
		"status":          status,
		"sources_scanned": result.SourcesScanned,
		"sources_updated": result.SourcesUpdated,
		"sources_skipped": result.SourcesSkipped,
		"chunks_embedded": result.ChunksEmbedded,
	}
}
