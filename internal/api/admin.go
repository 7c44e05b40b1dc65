package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"document-pipeline/internal/queue"
	"document-pipeline/internal/recovery"
	"document-pipeline/internal/store"
)

// handleStuck lists documents whose task is still pending after older_than
// (default STUCK_THRESHOLD).
func (s *Server) handleStuck(w http.ResponseWriter, r *http.Request) {
	threshold := s.cfg.StuckThreshold
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "older_than must be a duration such as 10m")
			return
		}
		threshold = d
	}
	stuck, err := s.monitor.ListStuck(r.Context(), threshold)
	if err != nil {
		s.writeStoreError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threshold": threshold.String(),
		"documents": stuck,
		"total":     len(stuck),
	})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	taskID, err := s.monitor.Requeue(r.Context(), id)
	switch {
	case errors.Is(err, recovery.ErrJobFinished):
		writeError(w, http.StatusConflict, "job already completed")
		return
	case err != nil:
		s.writeStoreError(w, err, "document not found")
		return
	}
	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn().Err(err).Str("document_id", id).Msg("reload requeued document")
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"document_id": id,
		"job_id":      doc.JobID,
		"task_id":     taskID,
		"message":     "document requeued",
	})
}

// handleDLQ returns the dead-lettered tasks with their last error.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	ids, err := s.queue.DLQPeek(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("read dlq")
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	items := make([]queue.Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.queue.Get(r.Context(), id)
		if err != nil {
			// Bookkeeping expired with the result TTL; the id is all that is left.
			task = queue.Task{ID: id, Status: queue.StatusFailure}
		}
		items = append(items, task)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}
