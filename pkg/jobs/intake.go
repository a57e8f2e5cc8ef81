package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gnosis-kg/gnosis/pkg/config"
	"github.com/gnosis-kg/gnosis/pkg/models"
	"github.com/gnosis-kg/gnosis/pkg/observability"
)

// IntakeStore is the store surface used at submission time.
type IntakeStore interface {
	Insert(ctx context.Context, job *models.Job) error
	Load(ctx context.Context, id string) (*models.Job, error)
	FindByDedupKey(ctx context.Context, key, ontology string) (*models.Job, error)
	UpdateStateAtomically(ctx context.Context, id string, from, to models.JobState, patch *Patch) (*models.Job, error)
	MarkCancelRequested(ctx context.Context, id string) error
}

// Intake validates submissions, prices them and decides the initial state:
// awaiting_approval with a deadline, or approved when auto-approval applies.
// It never blocks the submitter on worker availability.
type Intake struct {
	store           IntakeStore
	estimator       *Estimator
	pool            CancelSignaler
	broker          *Broker
	cfg             config.JobsConfig
	ingestion       config.IngestionConfig
	extractionModel string
	embeddingModel  string
	logger          observability.Logger
}

// NewIntake creates the submission service. pool and broker may be nil in
// tools that only submit.
func NewIntake(store IntakeStore, estimator *Estimator, pool CancelSignaler, broker *Broker,
	cfg config.JobsConfig, ingestion config.IngestionConfig,
	extractionModel, embeddingModel string, logger observability.Logger) *Intake {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Intake{
		store:           store,
		estimator:       estimator,
		pool:            pool,
		broker:          broker,
		cfg:             cfg,
		ingestion:       ingestion,
		extractionModel: extractionModel,
		embeddingModel:  embeddingModel,
		logger:          logger,
	}
}

// Submission is an ingestion request as received from the API layer. Text
// carries the input for text-bearing kinds (also used for dedup and the
// estimate); file and image inputs additionally live in the object store
// under InputKey.
type Submission struct {
	Kind        models.JobKind
	Owner       string
	Ontology    string
	Text        string
	Filename    string
	InputKey    string
	Mode        models.ProcessingMode
	TargetWords int
	Force       bool
	AutoApprove bool
	RequestID   string
	Params      models.JSONMap
	Deadline    *time.Time
}

// DedupKey computes the submission fingerprint: sha256 over the canonical
// text, a NUL separator and the ontology name. Canonicalization trims outer
// whitespace and normalizes line endings so a re-pasted document still hits.
func DedupKey(text, ontology string) string {
	canonical := strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	h := sha256.New()
	h.Write([]byte(canonical))
	h.Write([]byte{0})
	h.Write([]byte(ontology))
	return hex.EncodeToString(h.Sum(nil))
}

var validKinds = map[models.JobKind]bool{
	models.JobKindIngestText:           true,
	models.JobKindIngestFile:           true,
	models.JobKindIngestImage:          true,
	models.JobKindRestore:              true,
	models.JobKindRegenerateEmbeddings: true,
	models.JobKindAnalysis:             true,
}

// Submit validates and persists a submission. When a prior non-failed job
// holds the same dedup key and Force is off, it returns that job with
// duplicate=true and creates nothing.
func (i *Intake) Submit(ctx context.Context, sub Submission) (job *models.Job, duplicate bool, err error) {
	if sub.Ontology == "" && sub.Kind != models.JobKindRegenerateEmbeddings {
		return nil, false, fmt.Errorf("%w: ontology is required", models.ErrValidation)
	}
	if !validKinds[sub.Kind] {
		return nil, false, fmt.Errorf("%w: unknown job kind %q", models.ErrValidation, sub.Kind)
	}
	if sub.Mode == "" {
		sub.Mode = models.ProcessingSerial
	}
	if sub.Mode != models.ProcessingSerial && sub.Mode != models.ProcessingParallel {
		return nil, false, fmt.Errorf("%w: unknown processing mode %q", models.ErrValidation, sub.Mode)
	}
	switch sub.Kind {
	case models.JobKindIngestText, models.JobKindIngestFile:
		if strings.TrimSpace(sub.Text) == "" {
			return nil, false, fmt.Errorf("%w: text is required", models.ErrValidation)
		}
	case models.JobKindIngestImage, models.JobKindRestore:
		if sub.InputKey == "" {
			return nil, false, fmt.Errorf("%w: input object key is required", models.ErrValidation)
		}
	}

	target := sub.TargetWords
	if target == 0 {
		target = i.ingestion.TargetWords
	}
	if target < 500 || target > 2000 {
		return nil, false, fmt.Errorf("%w: target_words %d outside 500..2000", models.ErrValidation, target)
	}

	var dedupKey string
	if sub.Text != "" {
		dedupKey = DedupKey(sub.Text, sub.Ontology)
		if !sub.Force {
			prior, err := i.store.FindByDedupKey(ctx, dedupKey, sub.Ontology)
			if err != nil && !errors.Is(err, models.ErrNotFound) {
				return nil, false, err
			}
			if prior != nil && blocksResubmission(prior.State) {
				i.logger.Info("Duplicate submission", map[string]interface{}{
					"job_id":   prior.ID,
					"ontology": sub.Ontology,
				})
				return prior, true, nil
			}
		}
	}

	now := time.Now()
	j := &models.Job{
		ID:        uuid.NewString(),
		Kind:      sub.Kind,
		Owner:     sub.Owner,
		Ontology:  sub.Ontology,
		Mode:      sub.Mode,
		DedupKey:  dedupKey,
		Filename:  sub.Filename,
		InputKey:  sub.InputKey,
		RequestID: sub.RequestID,
		Deadline:  sub.Deadline,
		Params:    paramsWithText(sub.Params, sub.Text),
	}

	words := len(strings.Fields(sub.Text))
	if words > 0 {
		j.CostEstimate = i.estimator.EstimateWords(words, target, i.extractionModel, i.embeddingModel)
		j.ChunkPlan = &models.ChunkPlan{
			ChunkCount:   PlanChunks(words, target, i.ingestion.OverlapWords),
			TargetWords:  target,
			MinWords:     i.ingestion.MinWords,
			MaxWords:     i.ingestion.MaxWords,
			OverlapWords: i.ingestion.OverlapWords,
			Strategy:     "ingestion",
		}
	}

	if i.autoApprove(sub, j.CostEstimate) {
		j.State = models.JobStateApproved
		approvedBy := "auto"
		j.ApprovedAt = &now
		j.ApprovedBy = &approvedBy
	} else {
		j.State = models.JobStateAwaitingApproval
		deadline := now.Add(i.cfg.ApprovalTTL)
		j.ApprovalDeadline = &deadline
	}

	if err := i.store.Insert(ctx, j); err != nil {
		return nil, false, err
	}
	i.logger.Info("Job submitted", map[string]interface{}{
		"job_id":   j.ID,
		"kind":     string(j.Kind),
		"ontology": j.Ontology,
		"state":    string(j.State),
	})
	return j, false, nil
}

// autoApprove applies when the submitter asked for it or when a real estimate
// lands at or under the configured threshold. Inputs without an estimate
// (images, restores) always need explicit approval or the flag.
func (i *Intake) autoApprove(sub Submission, est *models.CostEstimate) bool {
	if sub.AutoApprove {
		return true
	}
	return est != nil && i.cfg.AutoApproveBelow > 0 && est.TotalUSD <= i.cfg.AutoApproveBelow
}

// blocksResubmission reports whether a prior job with the same dedup key
// blocks a new submission. Failed, cancelled and expired attempts do not.
func blocksResubmission(state models.JobState) bool {
	switch state {
	case models.JobStateFailed, models.JobStateCancelled, models.JobStateExpired:
		return false
	}
	return true
}

// Approve moves a pending or awaiting_approval job to approved. Lapsed
// approval windows are expired on the spot rather than waiting for the sweep.
func (i *Intake) Approve(ctx context.Context, id, principal string) (*models.Job, error) {
	job, err := i.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if job.ApprovalExpired(now) {
		completed := time.Now()
		jobErr := models.NewJobError(models.ErrKindExpired, "approval window lapsed")
		if _, err := i.store.UpdateStateAtomically(ctx, id,
			models.JobStateAwaitingApproval, models.JobStateExpired,
			&Patch{Error: jobErr, CompletedAt: &completed, ClearApprovalDeadline: true}); err == nil && i.broker != nil {
			i.broker.Done(id, models.JobStateExpired, nil, jobErr)
		}
		return nil, fmt.Errorf("%w: approval window for job %s lapsed", models.ErrStateConflict, id)
	}
	if !job.CanApprove() {
		return nil, fmt.Errorf("%w: job %s is %s", models.ErrStateConflict, id, job.State)
	}

	if principal == "" {
		principal = "api"
	}
	approved, err := i.store.UpdateStateAtomically(ctx, id, job.State, models.JobStateApproved, &Patch{
		ApprovedAt:            &now,
		ApprovedBy:            &principal,
		ClearApprovalDeadline: true,
	})
	if err != nil {
		return nil, err
	}
	i.logger.Info("Job approved", map[string]interface{}{
		"job_id":      id,
		"approved_by": principal,
	})
	return approved, nil
}

// Cancel ends a non-terminal job. Jobs not yet running are cancelled
// directly; a processing job gets the durable cancel flag plus a local signal
// and winds down cooperatively.
func (i *Intake) Cancel(ctx context.Context, id string) (*models.Job, error) {
	job, err := i.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.IsTerminal() {
		return nil, fmt.Errorf("%w: job %s already %s", models.ErrStateConflict, id, job.State)
	}

	if job.State == models.JobStateProcessing {
		return i.requestCancel(ctx, id)
	}

	completed := time.Now()
	jobErr := models.NewJobError(models.ErrKindCancelled, "cancelled before execution")
	cancelled, err := i.store.UpdateStateAtomically(ctx, id, job.State, models.JobStateCancelled, &Patch{
		Error:                 jobErr,
		CompletedAt:           &completed,
		ClearApprovalDeadline: true,
	})
	if err != nil {
		if errors.Is(err, models.ErrStateConflict) {
			// The dispatcher started it under us; fall back to the flag.
			return i.requestCancel(ctx, id)
		}
		return nil, err
	}
	if i.broker != nil {
		i.broker.Done(id, models.JobStateCancelled, nil, jobErr)
	}
	i.logger.Info("Job cancelled", map[string]interface{}{"job_id": id})
	return cancelled, nil
}

func (i *Intake) requestCancel(ctx context.Context, id string) (*models.Job, error) {
	if err := i.store.MarkCancelRequested(ctx, id); err != nil {
		return nil, err
	}
	if i.pool != nil {
		i.pool.Signal(id)
	}
	i.logger.Info("Cancel requested", map[string]interface{}{"job_id": id})
	return i.store.Load(ctx, id)
}

func paramsWithText(params models.JSONMap, text string) models.JSONMap {
	if text == "" {
		return params
	}
	merged := make(models.JSONMap, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	if _, ok := merged["text"]; !ok {
		merged["text"] = text
	}
	return merged
}
