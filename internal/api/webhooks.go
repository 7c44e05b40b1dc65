package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"document-pipeline/internal/models"
)

type webhookRequest struct {
	Name   *string   `json:"name"`
	URL    *string   `json:"url"`
	Events *[]string `json:"events"`
	Active *bool     `json:"active"`
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.URL == nil {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	hook := models.WebhookRegistration{
		ID:        uuid.New().String(),
		URL:       *req.URL,
		Events:    []string{models.EventDocumentProcessed},
		Active:    true,
		CreatedAt: s.now().UTC(),
	}
	if err := applyWebhook(&hook, req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.RegisterWebhook(r.Context(), hook); err != nil {
		s.writeStoreError(w, err, "")
		return
	}
	s.logger.Info().Str("webhook_id", hook.ID).Str("url", hook.URL).Strs("events", hook.Events).Msg("webhook registered")
	writeJSON(w, http.StatusCreated, hook)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.store.ListWebhooks(r.Context(), false)
	if err != nil {
		s.writeStoreError(w, err, "")
		return
	}
	if hooks == nil {
		hooks = []models.WebhookRegistration{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": hooks, "total": len(hooks)})
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	hook, err := s.store.GetWebhook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err, "webhook not found")
		return
	}
	writeJSON(w, http.StatusOK, hook)
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	var invalid error
	hook, err := s.store.UpdateWebhook(r.Context(), chi.URLParam(r, "id"), func(cur *models.WebhookRegistration) error {
		invalid = applyWebhook(cur, req)
		return invalid
	})
	if invalid != nil {
		writeError(w, http.StatusBadRequest, invalid.Error())
		return
	}
	if err != nil {
		s.writeStoreError(w, err, "webhook not found")
		return
	}
	writeJSON(w, http.StatusOK, hook)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteWebhook(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "webhook not found")
		return
	}
	s.logger.Info().Str("webhook_id", id).Msg("webhook deleted")
	writeJSON(w, http.StatusOK, map[string]string{"message": "webhook deleted"})
}

// applyWebhook copies the set fields of req onto hook and validates the result.
func applyWebhook(hook *models.WebhookRegistration, req webhookRequest) error {
	if req.Name != nil {
		hook.Name = *req.Name
	}
	if req.URL != nil {
		hook.URL = *req.URL
	}
	if req.Events != nil {
		hook.Events = *req.Events
	}
	if req.Active != nil {
		hook.Active = *req.Active
	}

	u, err := url.ParseRequestURI(hook.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("url must be an absolute http(s) URL")
	}
	if len(hook.Events) == 0 {
		return errors.New("at least one event is required")
	}
	for _, e := range hook.Events {
		if e != models.EventDocumentProcessed && e != models.EventDocumentFailed {
			return fmt.Errorf("unknown event %q", e)
		}
	}
	return nil
}
