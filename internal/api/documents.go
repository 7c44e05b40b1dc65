package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"document-pipeline/internal/models"
	"document-pipeline/internal/queue"
	"document-pipeline/internal/store"
	"document-pipeline/internal/telemetry"
)

type acceptedResponse struct {
	JobID      string `json:"job_id"`
	DocumentID string `json:"document_id"`
	TaskID     string `json:"task_id"`
	Message    string `json:"message"`
	StatusURL  string `json:"status_url"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, "upload") {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file size exceeds %d bytes", s.cfg.MaxFileSize))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !s.cfg.AllowsExtension(ext) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("file type %q not supported", ext))
		return
	}
	body, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxFileSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload")
		return
	}
	if int64(len(body)) > s.cfg.MaxFileSize {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file size exceeds %d bytes", s.cfg.MaxFileSize))
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "file is empty")
		return
	}

	sum := sha256.Sum256(body)
	docID := uuid.New().String()
	mimeType := contentType(header.Header.Get("Content-Type"), ext)
	ref, err := s.blobs.Put(r.Context(), docID+ext, body, mimeType)
	if err != nil {
		s.logger.Error().Err(err).Str("document_id", docID).Msg("store upload")
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	telemetry.DocumentsUploaded.Inc()

	s.submit(w, r, models.DocumentMetadata{
		DocumentID:  docID,
		FileRef:     ref,
		FileName:    header.Filename,
		FileSize:    int64(len(body)),
		ContentHash: hex.EncodeToString(sum[:]),
		MIMEType:    mimeType,
	})
}

type submitRequest struct {
	FileRef     string `json:"file_ref"`
	FileName    string `json:"file_name"`
	MIMEType    string `json:"mime_type"`
	FileSize    int64  `json:"file_size"`
	ContentHash string `json:"content_hash"`
}

// handleSubmitJob starts a job for a blob that is already stored.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, "jobs") {
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.FileRef == "" {
		writeError(w, http.StatusBadRequest, "file_ref is required")
		return
	}
	if req.FileName == "" {
		req.FileName = filepath.Base(req.FileRef)
	}
	ext := strings.ToLower(filepath.Ext(req.FileName))
	if !s.cfg.AllowsExtension(ext) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("file type %q not supported", ext))
		return
	}
	s.submit(w, r, models.DocumentMetadata{
		DocumentID:  uuid.New().String(),
		FileRef:     req.FileRef,
		FileName:    req.FileName,
		FileSize:    req.FileSize,
		ContentHash: req.ContentHash,
		MIMEType:    contentType(req.MIMEType, ext),
	})
}

// submit records the metadata with its task handle and then enqueues the job.
// The handle is written first so a lost enqueue is visible to recovery scans.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, doc models.DocumentMetadata) {
	now := s.now().UTC()
	doc.JobID = uuid.New().String()
	doc.TaskID = uuid.New().String()
	doc.Tenant = tenantFromRequest(r)
	doc.Status = models.DocumentProcessing
	doc.Stage = models.StageReceived
	doc.UploadedAt = now
	doc.UpdatedAt = now

	log := s.logger.With().Str("document_id", doc.DocumentID).Str("job_id", doc.JobID).Logger()
	if err := s.store.PutDocument(r.Context(), doc); err != nil {
		log.Error().Err(err).Msg("store document metadata")
		writeError(w, http.StatusServiceUnavailable, "failed to record document")
		return
	}
	if _, err := s.queue.Enqueue(r.Context(), queue.TaskProcessDocument, doc.Descriptor(), queue.EnqueueOptions{TaskID: doc.TaskID}); err != nil {
		log.Error().Err(err).Str("task_id", doc.TaskID).Msg("enqueue failed, recovery will resubmit")
	} else {
		telemetry.EnqueueCounter.WithLabelValues(queue.TaskProcessDocument).Inc()
		log.Info().Str("task_id", doc.TaskID).Str("file_name", doc.FileName).Int64("file_size", doc.FileSize).Msg("document accepted")
	}

	writeJSON(w, http.StatusAccepted, acceptedResponse{
		JobID:      doc.JobID,
		DocumentID: doc.DocumentID,
		TaskID:     doc.TaskID,
		Message:    "document accepted for processing",
		StatusURL:  fmt.Sprintf("%s/documents/%s/status", apiPrefix, doc.DocumentID),
	})
}

func contentType(declared, ext string) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

type pipelineView struct {
	Stage       models.Stage `json:"stage"`
	StartedAt   time.Time    `json:"started_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Error       *string      `json:"error,omitempty"`
	Executions  int          `json:"executions"`
}

type statusResponse struct {
	DocumentID    string        `json:"document_id"`
	JobID         string        `json:"job_id,omitempty"`
	Status        string        `json:"status"`
	FileName      string        `json:"file_name,omitempty"`
	UploadedAt    *time.Time    `json:"uploaded_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	TaskID        string        `json:"task_id,omitempty"`
	TaskStatus    queue.Status  `json:"task_status,omitempty"`
	AutoRecovered bool          `json:"auto_recovered"`
	Pipeline      *pipelineView `json:"pipeline_state"`
	Error         *string       `json:"error"`
}

// handleStatus never fails on a store outage: it answers with status unknown.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := s.store.GetDocument(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("document_id", id).Msg("status lookup failed")
		msg := err.Error()
		writeJSON(w, http.StatusOK, statusResponse{DocumentID: id, Status: models.DocumentUnknown, Error: &msg})
		return
	}

	resp := statusResponse{
		DocumentID:    doc.DocumentID,
		JobID:         doc.JobID,
		FileName:      doc.FileName,
		UploadedAt:    &doc.UploadedAt,
		CompletedAt:   doc.CompletedAt,
		TaskID:        doc.TaskID,
		AutoRecovered: doc.AutoRecovered,
		Error:         doc.Error,
	}
	if doc.TaskID != "" {
		ts, err := s.queue.Status(r.Context(), doc.TaskID)
		if err != nil {
			s.logger.Warn().Err(err).Str("task_id", doc.TaskID).Msg("task status lookup failed")
		}
		resp.TaskStatus = ts
	}
	var stage models.Stage
	state, err := s.store.GetPipelineState(r.Context(), doc.JobID)
	if err == nil {
		stage = state.Stage
		resp.Pipeline = &pipelineView{
			Stage:       state.Stage,
			StartedAt:   state.StartedAt,
			UpdatedAt:   state.UpdatedAt,
			CompletedAt: state.CompletedAt,
			Error:       state.Error,
			Executions:  state.Executions,
		}
		if resp.Error == nil && state.Stage == models.StageFailed {
			resp.Error = state.Error
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn().Err(err).Str("job_id", doc.JobID).Msg("pipeline state lookup failed")
	}
	resp.Status = externalStatus(stage, doc.Status, resp.TaskStatus)
	writeJSON(w, http.StatusOK, resp)
}

// externalStatus maps the pipeline stage, the document record and the queue's
// task status onto processing, completed or failed. A terminal pipeline stage
// wins over the document record, which wins over the task status. The task
// status only decides for jobs whose pipeline has not started.
func externalStatus(stage models.Stage, docStatus string, task queue.Status) string {
	switch stage {
	case models.StageCompleted:
		return models.DocumentCompleted
	case models.StageFailed:
		return models.DocumentFailed
	}
	switch docStatus {
	case models.DocumentCompleted, models.DocumentFailed:
		return docStatus
	}
	if stage != "" {
		return models.DocumentProcessing
	}
	switch task {
	case queue.StatusSuccess:
		return models.DocumentCompleted
	case queue.StatusFailure, queue.StatusRevoked:
		return models.DocumentFailed
	default:
		return models.DocumentProcessing
	}
}

// completedState loads the pipeline state of a document, writing the error
// response itself when the job has not completed.
func (s *Server) completedState(ctx context.Context, w http.ResponseWriter, documentID string) (models.PipelineState, bool) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		s.writeStoreError(w, err, "document not found")
		return models.PipelineState{}, false
	}
	state, err := s.store.GetPipelineState(ctx, doc.JobID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusConflict, "processing not started")
		return state, false
	}
	if err != nil {
		s.writeStoreError(w, err, "")
		return state, false
	}
	if state.Stage != models.StageCompleted {
		writeError(w, http.StatusConflict, fmt.Sprintf("processing not completed, current stage: %s", state.Stage))
		return state, false
	}
	return state, true
}

// handleResult returns the payload of the last stage that ran.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, ok := s.completedState(r.Context(), w, id)
	if !ok {
		return
	}
	var final models.StageName
	for _, name := range models.StageOrder {
		if res, ok := state.Result(name); ok && res.Status == models.StatusCompleted {
			final = name
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document_id":  id,
		"job_id":       state.JobID,
		"stage":        final,
		"completed_at": state.CompletedAt,
		"result":       rawOrEmpty(state.Results[final].Payload),
	})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	state, ok := s.completedState(r.Context(), w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	res, found := state.Result(models.StageSchema)
	if !found || res.Status != models.StatusCompleted || len(res.Payload) == 0 {
		writeError(w, http.StatusNotFound, "schema not available")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Payload)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := s.audit.ForDocument(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Str("document_id", id).Msg("read audit trail")
		writeError(w, http.StatusInternalServerError, "failed to read audit trail")
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"document_id": id, "events": events})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ids, err := s.store.DocumentIDs(ctx)
	if err != nil {
		s.writeStoreError(w, err, "")
		return
	}
	counts := map[string]int{}
	for _, id := range ids {
		doc, err := s.store.GetDocument(ctx, id)
		if err != nil {
			continue
		}
		counts[doc.Status]++
	}
	hooks, err := s.store.ListWebhooks(ctx, false)
	if err != nil {
		s.writeStoreError(w, err, "")
		return
	}
	depth, err := s.queue.ReadyDepth(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("queue depth")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_documents":      len(ids),
		"completed_documents":  counts[models.DocumentCompleted],
		"failed_documents":     counts[models.DocumentFailed],
		"processing_documents": counts[models.DocumentProcessing],
		"registered_webhooks":  len(hooks),
		"queue_depth":          depth,
	})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, notFound string) {
	switch {
	case errors.Is(err, store.ErrNotFound) && notFound != "":
		writeError(w, http.StatusNotFound, notFound)
	case errors.Is(err, store.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "state store unavailable")
	default:
		s.logger.Error().Err(err).Msg("store error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func rawOrEmpty(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage(`{}`)
	}
	return b
}

func stageNames() []string {
	out := make([]string, 0, len(models.StageOrder))
	for _, name := range models.StageOrder {
		out = append(out, string(name))
	}
	return out
}
