package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gnosis-kg/gnosis/pkg/artifacts"
	"github.com/gnosis-kg/gnosis/pkg/graph"
	"github.com/gnosis-kg/gnosis/pkg/jobs"
	"github.com/gnosis-kg/gnosis/pkg/models"
)

// fakeJobStore is an in-memory job store with the same CAS semantics as the
// SQL one. It backs intake, broker and the read endpoints in these tests.
type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job

	failList error
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*models.Job)}
}

func (f *fakeJobStore) add(job *models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *job
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	if cp.Version == 0 {
		cp.Version = 1
	}
	f.jobs[cp.ID] = &cp
}

// snapshot returns a copy for assertions.
func (f *fakeJobStore) snapshot(id string) models.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}
	}
	return *job
}

func (f *fakeJobStore) Insert(ctx context.Context, job *models.Job) error {
	f.add(job)
	return nil
}

func (f *fakeJobStore) Load(ctx context.Context, id string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", models.ErrNotFound, id)
	}
	cp := *job
	return &cp, nil
}

func (f *fakeJobStore) FindByDedupKey(ctx context.Context, key, ontology string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var newest *models.Job
	for _, j := range f.jobs {
		if j.DedupKey == key && j.Ontology == ontology {
			if newest == nil || j.CreatedAt.After(newest.CreatedAt) {
				newest = j
			}
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("%w: no job with dedup key", models.ErrNotFound)
	}
	cp := *newest
	return &cp, nil
}

func (f *fakeJobStore) UpdateStateAtomically(ctx context.Context, id string, from, to models.JobState, patch *jobs.Patch) (*models.Job, error) {
	if !models.ValidTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	job, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", models.ErrNotFound, id)
	}
	if job.State != from {
		return nil, fmt.Errorf("%w: job %s is %s, expected %s", models.ErrStateConflict, id, job.State, from)
	}

	job.State = to
	job.UpdatedAt = time.Now()
	job.Version++
	if patch != nil {
		if patch.Progress != nil {
			job.Progress = patch.Progress
			now := time.Now()
			job.ProgressAt = &now
		}
		if patch.Result != nil {
			job.Result = patch.Result
		}
		if patch.Error != nil {
			job.Error = patch.Error
		}
		if patch.WorkerID != nil {
			job.WorkerID = patch.WorkerID
		} else if patch.ClearWorker {
			job.WorkerID = nil
		}
		if patch.ChunkPlan != nil {
			job.ChunkPlan = patch.ChunkPlan
		}
		if patch.CostEstimate != nil {
			job.CostEstimate = patch.CostEstimate
		}
		if patch.ApprovedAt != nil {
			job.ApprovedAt = patch.ApprovedAt
		}
		if patch.ApprovedBy != nil {
			job.ApprovedBy = patch.ApprovedBy
		}
		if patch.ClearApprovalDeadline {
			job.ApprovalDeadline = nil
		}
		if patch.StartedAt != nil {
			job.StartedAt = patch.StartedAt
		}
		if patch.CompletedAt != nil {
			job.CompletedAt = patch.CompletedAt
		}
		if patch.RetryCount != nil {
			job.RetryCount = *patch.RetryCount
		}
	}
	cp := *job
	return &cp, nil
}

func (f *fakeJobStore) MarkCancelRequested(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return fmt.Errorf("%w: job %s", models.ErrNotFound, id)
	}
	if job.State != models.JobStateQueued && job.State != models.JobStateProcessing {
		return fmt.Errorf("%w: job %s not cancellable", models.ErrStateConflict, id)
	}
	job.CancelRequested = true
	job.UpdatedAt = time.Now()
	return nil
}

func (f *fakeJobStore) UpdateProgress(ctx context.Context, id string, progress *models.JobProgress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.State != models.JobStateProcessing {
		return nil
	}
	job.Progress = progress
	now := time.Now()
	job.ProgressAt = &now
	return nil
}

func (f *fakeJobStore) List(ctx context.Context, filter jobs.Filter) ([]*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failList != nil {
		return nil, f.failList
	}

	states := make(map[models.JobState]bool, len(filter.States))
	for _, st := range filter.States {
		states[st] = true
	}

	var out []*models.Job
	for _, j := range f.jobs {
		if len(states) > 0 && !states[j.State] {
			continue
		}
		if filter.Kind != "" && j.Kind != filter.Kind {
			continue
		}
		if filter.Ontology != "" && j.Ontology != filter.Ontology {
			continue
		}
		if filter.Owner != "" && j.Owner != filter.Owner {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeJobStore) CountByState(ctx context.Context) (map[models.JobState]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[models.JobState]int64)
	for _, j := range f.jobs {
		counts[j.State]++
	}
	return counts, nil
}

// fakePool stands in for the worker pool on the stats endpoint and records
// cancel signals from intake.
type fakePool struct {
	mu       sync.Mutex
	instance string
	running  []string
	signals  []string
}

func (p *fakePool) Instance() string { return p.instance }

func (p *fakePool) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.running...)
}

func (p *fakePool) Signal(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, jobID)
	return true
}

// fakeGraph serves canned search results and records the arguments handlers
// pass down.
type fakeGraph struct {
	mu sync.Mutex

	concepts   []models.ConceptSearchResult
	paths      []models.Path
	ontologies []graph.OntologyInfo
	stats      *models.GraphStats
	deleted    *graph.DeleteResult
	dump       *graph.OntologyDump
	err        error

	lastOntology  string
	lastEmbedding models.Vector
	lastLimit     int
	lastFromID    string
	lastToID      string
	lastMaxDepth  int
	lastRelTypes  []string
	deletedName   string
}

func (g *fakeGraph) SearchConcepts(ctx context.Context, ontology string, embedding models.Vector, limit int) ([]models.ConceptSearchResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.lastOntology = ontology
	g.lastEmbedding = embedding
	g.lastLimit = limit
	if limit < len(g.concepts) {
		return g.concepts[:limit], nil
	}
	return g.concepts, nil
}

func (g *fakeGraph) PathSearch(ctx context.Context, ontology, fromID, toID string, maxDepth int, relTypes []string) ([]models.Path, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.lastOntology = ontology
	g.lastFromID = fromID
	g.lastToID = toID
	g.lastMaxDepth = maxDepth
	g.lastRelTypes = relTypes
	return g.paths, nil
}

func (g *fakeGraph) Ontologies(ctx context.Context) ([]graph.OntologyInfo, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.ontologies, nil
}

func (g *fakeGraph) Stats(ctx context.Context, ontology string) (*models.GraphStats, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.lastOntology = ontology
	return g.stats, nil
}

func (g *fakeGraph) DeleteOntology(ctx context.Context, ontology string) (*graph.DeleteResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.deletedName = ontology
	return g.deleted, nil
}

func (g *fakeGraph) DumpOntology(ctx context.Context, ontology string) (*graph.OntologyDump, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.lastOntology = ontology
	if g.dump == nil {
		return &graph.OntologyDump{}, nil
	}
	return g.dump, nil
}

// fakeSources serves canned source-chunk hits.
type fakeSources struct {
	mu sync.Mutex

	results []models.SourceSearchResult
	err     error

	lastOntology string
	lastLimit    int
}

func (s *fakeSources) SearchSources(ctx context.Context, embedding models.Vector, ontology string, limit int) ([]models.SourceSearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.lastOntology = ontology
	s.lastLimit = limit
	return s.results, nil
}

// fakeArtifacts is an in-memory artifact store.
type fakeArtifacts struct {
	mu    sync.Mutex
	seq   int
	rows  map[string]*models.Artifact
	data  map[string]json.RawMessage
	stale map[string]bool

	failCreate error
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{
		rows:  make(map[string]*models.Artifact),
		data:  make(map[string]json.RawMessage),
		stale: make(map[string]bool),
	}
}

func (f *fakeArtifacts) Create(ctx context.Context, in artifacts.CreateInput) (*models.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return nil, f.failCreate
	}
	if in.Type == "" {
		return nil, fmt.Errorf("%w: artifact type is required", models.ErrValidation)
	}
	id := in.ID
	if id == "" {
		f.seq++
		id = fmt.Sprintf("artifact-%d", f.seq)
	}
	a := &models.Artifact{
		ID:         id,
		Type:       in.Type,
		Owner:      in.Owner,
		Params:     in.Params,
		GraphEpoch: 1,
		CreatedAt:  time.Now(),
	}
	if in.TTL > 0 {
		exp := a.CreatedAt.Add(in.TTL)
		a.ExpiresAt = &exp
	}
	f.rows[id] = a
	f.data[id] = append(json.RawMessage(nil), in.Payload...)
	cp := *a
	return &cp, nil
}

func (f *fakeArtifacts) Get(ctx context.Context, id string) (*models.ArtifactRead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: artifact %s", models.ErrNotFound, id)
	}
	cp := *a
	return &models.ArtifactRead{
		Artifact: &cp,
		Payload:  f.data[id],
		IsStale:  f.stale[id],
	}, nil
}

func (f *fakeArtifacts) List(ctx context.Context, filter artifacts.Filter) ([]*models.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Artifact
	for id, a := range f.rows {
		if filter.Type != "" && a.Type != filter.Type {
			continue
		}
		if filter.Owner != "" && a.Owner != filter.Owner {
			continue
		}
		if filter.Stale != nil && f.stale[id] != *filter.Stale {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (f *fakeArtifacts) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[id]; !ok {
		return fmt.Errorf("%w: artifact %s", models.ErrNotFound, id)
	}
	delete(f.rows, id)
	delete(f.data, id)
	delete(f.stale, id)
	return nil
}

// fakeEmbedder returns one fixed vector per input text.
type fakeEmbedder struct {
	mu    sync.Mutex
	vec   []float32
	err   error
	texts []string
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vec: []float32{0.1, 0.2, 0.3, 0.4}}
}

func (e *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	e.texts = append(e.texts, texts...)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = append([]float32(nil), e.vec...)
	}
	return out, nil
}

func (e *fakeEmbedder) Dimensions() int { return len(e.vec) }

func (e *fakeEmbedder) ModelName() string { return "fake-embed" }
