package api

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gnosis-kg/gnosis/pkg/jobs"
	"github.com/gnosis-kg/gnosis/pkg/models"
	"github.com/gnosis-kg/gnosis/pkg/observability"
	"github.com/gnosis-kg/gnosis/pkg/storage"
)

// streamHeartbeat keeps idle SSE connections alive through proxies.
const streamHeartbeat = 15 * time.Second

// JobsAPI handles submission, lifecycle and progress endpoints.
type JobsAPI struct {
	intake    *jobs.Intake
	store     JobReader
	broker    *jobs.Broker
	pool      PoolInfo
	objects   storage.ObjectStore
	metrics   observability.MetricsClient
	maxUpload int64
	logger    observability.Logger
}

// RegisterRoutes registers the job routes on the v1 group.
func (api *JobsAPI) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/ingest", api.submitText)
	router.POST("/ingest/file", api.submitFile)
	router.POST("/ingest/image", api.submitImage)

	jobRoutes := router.Group("/jobs")
	{
		jobRoutes.POST("", api.submitJob)
		jobRoutes.GET("", api.listJobs)
		jobRoutes.GET("/stats", api.jobStats)
		jobRoutes.GET("/:id", api.getJob)
		jobRoutes.GET("/:id/stream", api.streamJob)
		jobRoutes.POST("/:id/approve", api.approveJob)
		jobRoutes.DELETE("/:id", api.cancelJob)
	}
}

// IngestTextRequest is the body of POST /ingest.
type IngestTextRequest struct {
	Ontology    string `json:"ontology" binding:"required"`
	Text        string `json:"text" binding:"required"`
	Filename    string `json:"filename"`
	Mode        string `json:"mode"`
	TargetWords int    `json:"target_words"`
	Force       bool   `json:"force"`
	AutoApprove bool   `json:"auto_approve"`
	Owner       string `json:"owner"`
}

// SubmitJobRequest is the body of POST /jobs, the generic submission used by
// the maintenance kinds and by clients referencing already-uploaded objects.
type SubmitJobRequest struct {
	Kind        string         `json:"kind" binding:"required"`
	Ontology    string         `json:"ontology"`
	Text        string         `json:"text"`
	Filename    string         `json:"filename"`
	InputKey    string         `json:"input_key"`
	Mode        string         `json:"mode"`
	TargetWords int            `json:"target_words"`
	Force       bool           `json:"force"`
	AutoApprove bool           `json:"auto_approve"`
	Owner       string         `json:"owner"`
	Params      models.JSONMap `json:"params"`
}

func (api *JobsAPI) submitText(c *gin.Context) {
	var req IngestTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	api.submit(c, jobs.Submission{
		Kind:        models.JobKindIngestText,
		Owner:       req.Owner,
		Ontology:    req.Ontology,
		Text:        req.Text,
		Filename:    req.Filename,
		Mode:        models.ProcessingMode(req.Mode),
		TargetWords: req.TargetWords,
		Force:       req.Force,
		AutoApprove: req.AutoApprove,
		RequestID:   c.GetString("request_id"),
	})
}

func (api *JobsAPI) submitFile(c *gin.Context) {
	form, file, err := api.readUpload(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if form.Ontology == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ontology is required"})
		return
	}

	// The original upload is kept for audit and re-ingestion; the worker
	// itself runs off the text captured at submission.
	key := storage.SourceKey(form.Ontology, file.name)
	if api.objects != nil {
		if err := api.objects.Put(c.Request.Context(), key, file.data, file.contentType); err != nil {
			respondError(c, err)
			return
		}
	}

	api.submit(c, jobs.Submission{
		Kind:        models.JobKindIngestFile,
		Owner:       form.Owner,
		Ontology:    form.Ontology,
		Text:        string(file.data),
		Filename:    file.name,
		InputKey:    key,
		Mode:        models.ProcessingMode(form.Mode),
		TargetWords: form.TargetWords,
		Force:       form.Force,
		AutoApprove: form.AutoApprove,
		RequestID:   c.GetString("request_id"),
	})
}

func (api *JobsAPI) submitImage(c *gin.Context) {
	form, file, err := api.readUpload(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if form.Ontology == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ontology is required"})
		return
	}
	if api.objects == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image ingestion is not configured"})
		return
	}

	// Content addressing: re-uploading the same image lands on the same key.
	sum := sha256.Sum256(file.data)
	ext := strings.TrimPrefix(path.Ext(file.name), ".")
	if ext == "" {
		ext = "png"
	}
	key := storage.ImageKey(hex.EncodeToString(sum[:]), ext)
	if err := api.objects.Put(c.Request.Context(), key, file.data, file.contentType); err != nil {
		respondError(c, err)
		return
	}

	var params models.JSONMap
	if file.contentType != "" {
		params = models.JSONMap{"media_type": file.contentType}
	}
	api.submit(c, jobs.Submission{
		Kind:        models.JobKindIngestImage,
		Owner:       form.Owner,
		Ontology:    form.Ontology,
		Filename:    file.name,
		InputKey:    key,
		Mode:        models.ProcessingMode(form.Mode),
		TargetWords: form.TargetWords,
		Force:       form.Force,
		AutoApprove: form.AutoApprove,
		RequestID:   c.GetString("request_id"),
		Params:      params,
	})
}

func (api *JobsAPI) submitJob(c *gin.Context) {
	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	api.submit(c, jobs.Submission{
		Kind:        models.JobKind(req.Kind),
		Owner:       req.Owner,
		Ontology:    req.Ontology,
		Text:        req.Text,
		Filename:    req.Filename,
		InputKey:    req.InputKey,
		Mode:        models.ProcessingMode(req.Mode),
		TargetWords: req.TargetWords,
		Force:       req.Force,
		AutoApprove: req.AutoApprove,
		RequestID:   c.GetString("request_id"),
		Params:      req.Params,
	})
}

// submit runs intake and renders the shared submission response. Duplicates
// come back 409 with the prior job so clients can pick up its result.
func (api *JobsAPI) submit(c *gin.Context, sub jobs.Submission) {
	job, duplicate, err := api.intake.Submit(c.Request.Context(), sub)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusAccepted
	if duplicate {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"job": job, "duplicate": duplicate})
}

func (api *JobsAPI) listJobs(c *gin.Context) {
	f := jobs.Filter{
		Kind:     models.JobKind(c.Query("kind")),
		Ontology: c.Query("ontology"),
		Owner:    c.Query("owner"),
		Limit:    intQuery(c, "limit"),
		Offset:   intQuery(c, "offset"),
	}
	if states := c.Query("state"); states != "" {
		for _, s := range strings.Split(states, ",") {
			f.States = append(f.States, models.JobState(strings.TrimSpace(s)))
		}
	}

	list, err := api.store.List(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": list, "count": len(list)})
}

func (api *JobsAPI) getJob(c *gin.Context) {
	job, err := api.store.Load(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (api *JobsAPI) approveJob(c *gin.Context) {
	var body struct {
		ApprovedBy string `json:"approved_by"`
	}
	// The body is optional; approval defaults to the "api" principal.
	_ = c.ShouldBindJSON(&body)

	job, err := api.intake.Approve(c.Request.Context(), c.Param("id"), body.ApprovedBy)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (api *JobsAPI) cancelJob(c *gin.Context) {
	job, err := api.intake.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (api *JobsAPI) jobStats(c *gin.Context) {
	counts, err := api.store.CountByState(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{"states": counts}
	if api.pool != nil {
		running := api.pool.Running()
		resp["pool"] = gin.H{
			"instance": api.pool.Instance(),
			"running":  running,
			"active":   len(running),
		}
	}
	if m, ok := api.metrics.(*observability.InMemoryMetrics); ok {
		resp["counters"] = m.Counters()
	}
	c.JSON(http.StatusOK, resp)
}

// streamJob is the SSE progress stream: progress events as they happen, one
// done event, then close. Late subscribers to a terminal job get the done
// event straight from the stored row.
func (api *JobsAPI) streamJob(c *gin.Context) {
	jobID := c.Param("id")
	events, cancel, err := api.broker.Subscribe(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, err)
		return
	}
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{"timestamp": time.Now().Unix()})
			c.Writer.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent(ev.Type, ev)
			c.Writer.Flush()
			if ev.Type == jobs.EventDone {
				return
			}
		}
	}
}

type uploadForm struct {
	Ontology    string
	Mode        string
	TargetWords int
	Force       bool
	AutoApprove bool
	Owner       string
}

type uploadFile struct {
	name        string
	data        []byte
	contentType string
}

// readUpload parses the shared multipart submission form. The body is capped
// before any parsing so an oversized upload cannot be buffered.
func (api *JobsAPI) readUpload(c *gin.Context) (uploadForm, uploadFile, error) {
	if api.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, api.maxUpload)
	}

	header, err := c.FormFile("file")
	if err != nil {
		return uploadForm{}, uploadFile{}, err
	}
	f, err := header.Open()
	if err != nil {
		return uploadForm{}, uploadFile{}, err
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return uploadForm{}, uploadFile{}, err
	}

	form := uploadForm{
		Ontology:    c.PostForm("ontology"),
		Mode:        c.PostForm("mode"),
		Owner:       c.PostForm("owner"),
		Force:       boolForm(c, "force"),
		AutoApprove: boolForm(c, "auto_approve"),
	}
	if tw := c.PostForm("target_words"); tw != "" {
		form.TargetWords, _ = strconv.Atoi(tw)
	}
	file := uploadFile{
		name:        path.Base(header.Filename),
		data:        data,
		contentType: header.Header.Get("Content-Type"),
	}
	return form, file, nil
}

func boolForm(c *gin.Context, key string) bool {
	v, _ := strconv.ParseBool(c.PostForm(key))
	return v
}

func intQuery(c *gin.Context, key string) int {
	v, _ := strconv.Atoi(c.Query(key))
	return v
}
