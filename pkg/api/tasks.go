package api

import (
	"net/http"

	"github.com/arbiterhq/arbiter/pkg/errdefs"
	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": s.tasks.List(r.URL.Query().Get("owner")),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t := s.tasks.Get(id)
	if t == nil {
		writeError(w, errdefs.NotFound("task %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": t})
}

// handleCancelTask requests cooperative cancellation. Cancelling a task that
// already finished is a successful no-op: the response reports whether a
// cancellation was actually requested.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.tasks.Get(id) == nil {
		writeError(w, errdefs.NotFound("task %s not found", id))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":   id,
		"cancelled": s.tasks.Cancel(id),
	})
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plugins": s.sup.Status()})
}
