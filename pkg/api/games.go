package api

import (
	"errors"
	"io"
	"net/http"
	"slices"

	"github.com/arbiterhq/arbiter/pkg/errdefs"
	"github.com/arbiterhq/arbiter/pkg/gameio"
	"github.com/arbiterhq/arbiter/pkg/types"
	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListGames(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"games": s.store.List(r.Context())})
}

func (s *Server) handleAddGame(w http.ResponseWriter, r *http.Request) {
	var artifact types.Artifact
	if err := decodeJSON(r, &artifact); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.Add(artifact); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"game": artifact})
}

// multipartOverhead leaves room for multipart framing so the size limit
// applies to the file itself: a file of exactly the configured maximum is
// accepted, one byte more is not.
const multipartOverhead = 64 << 10

func (s *Server) handleUploadGame(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize+multipartOverhead)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadSize); err != nil {
		writeError(w, uploadError(err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, errdefs.BadRequest("missing file field: %v", err))
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, uploadError(err))
		return
	}
	if int64(len(content)) > s.cfg.MaxUploadSize {
		writeError(w, errdefs.BadRequest("uploaded file exceeds the %d byte limit", s.cfg.MaxUploadSize))
		return
	}

	artifact, err := gameio.ParseUpload(r.Context(), s.registry, header.Filename, content, s.cfg.SubmitTimeout)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.Add(artifact); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"game": artifact})
}

func uploadError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return errdefs.BadRequest("uploaded file exceeds the %d byte limit", maxErr.Limit)
	}
	return errdefs.BadRequest("invalid upload: %v", err)
}

func (s *Server) handleGetGame(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	artifact := s.store.Get(id)
	if artifact == nil {
		writeError(w, errdefs.NotFound("game %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"game": artifact})
}

func (s *Server) handleGetGameAs(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.store.GetConverted(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "format"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"game": artifact})
}

func (s *Server) handleDeleteGame(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.store.Remove(id) {
		writeError(w, errdefs.NotFound("game %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "id": id})
}

// applicableTo reports whether an analysis can run against a game in the
// given format, directly or after conversion.
func (s *Server) applicableTo(desc types.AnalysisDescriptor, format string) bool {
	if len(desc.ApplicableTo) == 0 || slices.Contains(desc.ApplicableTo, format) {
		return true
	}
	for _, reachable := range s.registry.ReachableFormats(format) {
		if slices.Contains(desc.ApplicableTo, reachable) {
			return true
		}
	}
	return false
}

