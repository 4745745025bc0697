package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/agentpool/internal/client"
	"github.com/thebtf/agentpool/internal/orchestrator"
	"github.com/thebtf/agentpool/internal/pool"
	"github.com/thebtf/agentpool/internal/server/sse"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Error().Err(err).Msg("Response encoding failed")
		}
	}
}

func respondError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, orchestrator.ErrNoProject),
		errors.Is(err, orchestrator.ErrNoActiveSession):
		status = http.StatusConflict
	case errors.Is(err, client.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pool.ErrNoAvailablePorts):
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     s.version,
		"uptime":      time.Since(s.startTime).Round(time.Second).String(),
		"poolSize":    len(s.orch.PoolStatus()),
		"project":     s.orch.CurrentProject(),
		"subscribers": s.events.SubscriberCount(),
	})
}

func (s *Service) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"processes": s.orch.PoolStatus(),
		"max":       s.config.MaxPool,
	})
}

func (s *Service) handleProjectSwitch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Directory string `json:"directory"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Directory == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "directory is required"})
		return
	}

	state, err := s.orch.SwitchProject(r.Context(), body.Directory)
	if err != nil {
		respondError(w, err)
		return
	}

	s.events.Publish(sse.Event{Type: sse.EventProjectSwitched, Directory: state.Directory})
	respondJSON(w, http.StatusOK, state)
}

func (s *Service) handleProjectClose(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Directory string `json:"directory"`
	}
	// An empty body means the current project.
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := s.orch.CloseProject(r.Context(), body.Directory); err != nil {
		respondError(w, err)
		return
	}

	s.events.Publish(sse.Event{Type: sse.EventProjectClosed, Directory: body.Directory})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text      string `json:"text"`
		SessionID string `json:"sessionId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Text == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}

	reply, err := s.orch.Chat(r.Context(), body.Text, body.SessionID)
	if err != nil {
		respondError(w, err)
		return
	}

	s.events.Publish(sse.Event{
		Type:      sse.EventChatCompleted,
		Directory: s.orch.CurrentProject(),
		SessionID: reply.Info.SessionID,
	})
	respondJSON(w, http.StatusOK, reply)
}

func (s *Service) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.orch.ListSessions(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	active, _ := s.orch.ActiveSession(r.Context())
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions":        sessions,
		"activeSessionId": active,
	})
}

func (s *Service) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	created, err := s.orch.CreateSession(r.Context(), body.Title)
	if err != nil {
		respondError(w, err)
		return
	}

	s.events.Publish(sse.Event{
		Type:      sse.EventSessionCreated,
		Directory: s.orch.CurrentProject(),
		SessionID: created.ID,
	})
	respondJSON(w, http.StatusCreated, created)
}

func (s *Service) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.orch.DeleteSession(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}

	s.events.Publish(sse.Event{
		Type:      sse.EventSessionDeleted,
		Directory: s.orch.CurrentProject(),
		SessionID: id,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleSwitchSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.orch.SwitchSession(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}

	s.events.Publish(sse.Event{
		Type:      sse.EventSessionSwitched,
		Directory: s.orch.CurrentProject(),
		SessionID: id,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleGetMessages serves both /sessions/{id}/messages and /messages; the
// latter has no id and resolves to the active session.
func (s *Service) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	useCache := r.URL.Query().Get("cache") != "false"

	messages, err := s.orch.GetMessages(r.Context(), id, useCache)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"messages": messages})
}
