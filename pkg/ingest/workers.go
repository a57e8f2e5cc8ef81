package ingest

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/gnosis-kg/gnosis/pkg/chunking"
	"github.com/gnosis-kg/gnosis/pkg/config"
	"github.com/gnosis-kg/gnosis/pkg/jobs"
	"github.com/gnosis-kg/gnosis/pkg/models"
	"github.com/gnosis-kg/gnosis/pkg/observability"
	"github.com/gnosis-kg/gnosis/pkg/providers"
	"github.com/gnosis-kg/gnosis/pkg/resilience"
	"github.com/gnosis-kg/gnosis/pkg/storage"
)

// WorkerDeps bundles what the document workers share.
type WorkerDeps struct {
	Engine    *Engine
	Objects   storage.ObjectStore
	Vision    providers.Vision
	Ingestion config.IngestionConfig
	Estimator config.EstimatorConfig
	Logger    observability.Logger
}

// DocumentWorker runs the text, file and image ingestion kinds. The three
// differ only in how the input text is resolved; the chunked upsert run is
// shared. Failed runs return the partial result alongside the error so the
// queue keeps committed work visible.
type DocumentWorker struct {
	kind models.JobKind
	deps WorkerDeps
}

// NewTextWorker handles direct text submissions.
func NewTextWorker(deps WorkerDeps) *DocumentWorker {
	return newDocumentWorker(models.JobKindIngestText, deps)
}

// NewFileWorker handles uploaded documents.
func NewFileWorker(deps WorkerDeps) *DocumentWorker {
	return newDocumentWorker(models.JobKindIngestFile, deps)
}

// NewImageWorker handles image uploads: the vision provider turns the image
// into a description, which then runs through the normal text pipeline.
func NewImageWorker(deps WorkerDeps) *DocumentWorker {
	return newDocumentWorker(models.JobKindIngestImage, deps)
}

func newDocumentWorker(kind models.JobKind, deps WorkerDeps) *DocumentWorker {
	if deps.Logger == nil {
		deps.Logger = observability.NewNoopLogger()
	}
	return &DocumentWorker{kind: kind, deps: deps}
}

// Kind implements jobs.Worker.
func (w *DocumentWorker) Kind() models.JobKind { return w.kind }

// Run implements jobs.Worker.
func (w *DocumentWorker) Run(ctx context.Context, job *models.Job, progress *jobs.Reporter) (models.JSONMap, error) {
	text, err := w.resolveText(ctx, job, progress)
	if err != nil {
		return nil, classify(err)
	}

	report, runErr := w.deps.Engine.Run(ctx, Input{
		JobID:        job.ID,
		Ontology:     job.Ontology,
		DocumentName: documentName(job),
		Text:         text,
		Mode:         job.Mode,
		ChunkConfig:  w.chunkConfig(job),
		ObjectKey:    job.InputKey,
	}, progress)

	if w.kind == models.JobKindIngestImage {
		// The vision interface reports no usage; approximate from the
		// description it produced.
		visionTokens := approxTokens(text)
		report.TokensOut += visionTokens
		report.Stats.ExtractionTokens += visionTokens
	}

	status := "completed"
	if runErr != nil {
		status = "partial"
	}
	result := models.IngestResult{
		Status:          status,
		Ontology:        job.Ontology,
		Filename:        documentName(job),
		ChunksProcessed: report.Stats.ChunksProcessed,
		Stats:           report.Stats,
		Cost:            costActual(w.deps.Estimator, job, report),
	}
	if runErr != nil {
		return result.ToMap(), classify(runErr)
	}
	return result.ToMap(), nil
}

// resolveText produces the document text for the job's kind: the stored text
// parameter, the uploaded object, or a vision description of an image.
func (w *DocumentWorker) resolveText(ctx context.Context, job *models.Job, progress *jobs.Reporter) (string, error) {
	if w.kind == models.JobKindIngestImage {
		return w.describeImage(ctx, job, progress)
	}

	if text := stringParam(job.Params, "text"); strings.TrimSpace(text) != "" {
		return text, nil
	}
	if job.InputKey != "" && w.deps.Objects != nil {
		data, err := w.deps.Objects.Get(ctx, job.InputKey)
		if err != nil {
			return "", fmt.Errorf("failed to load input %s: %w", job.InputKey, err)
		}
		return string(data), nil
	}
	return "", models.NewJobError(models.ErrKindValidation, "job has no input text")
}

func (w *DocumentWorker) describeImage(ctx context.Context, job *models.Job, progress *jobs.Reporter) (string, error) {
	if w.deps.Objects == nil || w.deps.Vision == nil {
		return "", models.NewJobError(models.ErrKindValidation, "image ingestion is not configured")
	}
	if job.InputKey == "" {
		return "", models.NewJobError(models.ErrKindValidation, "image job has no input object")
	}

	progress.Emit(ctx, "describing", 0, 0, "describing image", nil)
	image, err := w.deps.Objects.Get(ctx, job.InputKey)
	if err != nil {
		return "", fmt.Errorf("failed to load image %s: %w", job.InputKey, err)
	}

	description, err := resilience.RetryWithResult(ctx, providerRetryPolicy(), func() (string, error) {
		return w.deps.Vision.Describe(ctx, image, mediaTypeFor(job))
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(description) == "" {
		return "", models.NewJobError(models.ErrKindProviderInvalidRequest, "vision provider returned an empty description")
	}

	w.deps.Logger.Info("Image described", map[string]interface{}{
		"job_id": job.ID,
		"key":    job.InputKey,
		"bytes":  len(image),
		"words":  len(strings.Fields(description)),
	})
	return description, nil
}

// chunkConfig starts from the configured defaults and applies the per-job
// target recorded on the chunk plan at intake.
func (w *DocumentWorker) chunkConfig(job *models.Job) chunking.Config {
	cfg := chunking.Config{
		TargetWords:  w.deps.Ingestion.TargetWords,
		MinWords:     w.deps.Ingestion.MinWords,
		MaxWords:     w.deps.Ingestion.MaxWords,
		OverlapWords: w.deps.Ingestion.OverlapWords,
		SearchWindow: w.deps.Ingestion.SearchWindow,
	}
	if cfg.TargetWords <= 0 {
		cfg = chunking.DefaultConfig()
	}
	if plan := job.ChunkPlan; plan != nil && plan.TargetWords > 0 && plan.TargetWords != cfg.TargetWords {
		cfg = cfg.WithTarget(plan.TargetWords)
	}
	return cfg
}

func documentName(job *models.Job) string {
	if job.Filename != "" {
		return job.Filename
	}
	switch job.Kind {
	case models.JobKindIngestFile:
		return "uploaded_document"
	case models.JobKindIngestImage:
		if job.InputKey != "" {
			return path.Base(job.InputKey)
		}
		return "image_input"
	default:
		return "text_input"
	}
}

// mediaTypeFor resolves the image media type: an explicit parameter wins,
// otherwise the object key's extension decides.
func mediaTypeFor(job *models.Job) string {
	if mt := stringParam(job.Params, "media_type"); mt != "" {
		return mt
	}
	switch strings.ToLower(strings.TrimPrefix(path.Ext(job.InputKey), ".")) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "bmp":
		return "image/bmp"
	default:
		return "image/png"
	}
}

// costActual prices the run's measured token usage with the same rates the
// pre-approval estimate used. Model names carry over from the estimate.
func costActual(cfg config.EstimatorConfig, job *models.Job, report *Report) *models.CostEstimate {
	extractionUSD := float64(report.TokensIn+report.TokensOut) / 1e6 * cfg.ExtractionUSDPer1M
	embeddingUSD := float64(report.Stats.EmbeddingTokens) / 1e6 * cfg.EmbeddingUSDPer1M
	total := extractionUSD + embeddingUSD

	cost := &models.CostEstimate{
		EstimatedChunks: report.ChunkCount,
		TokensIn:        report.TokensIn,
		TokensOut:       report.TokensOut,
		EmbeddingTokens: report.Stats.EmbeddingTokens,
		ExtractionUSD:   extractionUSD,
		EmbeddingUSD:    embeddingUSD,
		TotalUSD:        total,
		Formatted:       fmt.Sprintf("$%.2f", total),
	}
	if est := job.CostEstimate; est != nil {
		cost.ExtractionModel = est.ExtractionModel
		cost.EmbeddingModel = est.EmbeddingModel
	}
	return cost
}

// classify wraps provider failures in the structured error kinds the API
// exposes. Context errors pass through unwrapped so the queue can tell
// cancellation from failure.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case models.IsProviderUnavailable(err):
		return models.NewJobError(models.ErrKindProviderUnavailable, "provider unavailable").WithDetail(err.Error())
	case models.IsProviderInvalidRequest(err):
		return models.NewJobError(models.ErrKindProviderInvalidRequest, "provider rejected the request").WithDetail(err.Error())
	}
	return err
}

func stringParam(params models.JSONMap, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func providerRetryPolicy() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.RetryIf = models.IsProviderUnavailable
	return cfg
}
