package api

import (
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/arbiterhq/arbiter/pkg/client"
	"github.com/arbiterhq/arbiter/pkg/driver"
	"github.com/arbiterhq/arbiter/pkg/errdefs"
	"github.com/arbiterhq/arbiter/pkg/registry"
	"github.com/arbiterhq/arbiter/pkg/task"
	"github.com/arbiterhq/arbiter/pkg/types"
	"github.com/go-chi/chi/v5"
)

func analysisView(desc types.AnalysisDescriptor, plugin string) map[string]any {
	return map[string]any{
		"name":          desc.Name,
		"description":   desc.Description,
		"applicable_to": desc.ApplicableTo,
		"continuous":    desc.Continuous,
		"config_schema": desc.ConfigSchema,
		"plugin":        plugin,
	}
}

func (s *Server) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	analyses := make([]map[string]any, 0)
	for _, entry := range s.registry.Analyses() {
		analyses = append(analyses, analysisView(entry.Descriptor, entry.Plugin))
	}
	writeJSON(w, http.StatusOK, map[string]any{"analyses": analyses})
}

// configFromQuery collects analysis tunables from query parameters. Numeric
// values are passed through as numbers so plugins see proper JSON types.
func configFromQuery(r *http.Request) map[string]any {
	config := make(map[string]any)
	for key, values := range r.URL.Query() {
		if key == "owner" || len(values) == 0 || values[0] == "" {
			continue
		}
		if n, err := strconv.Atoi(values[0]); err == nil {
			config[key] = n
		} else {
			config[key] = values[0]
		}
	}
	return config
}

// handleGameAnalyses runs every applicable continuous analysis against the
// game synchronously and returns the per-analysis results with timings.
// Query parameters (solver, max_equilibria, ...) become the analysis config.
func (s *Server) handleGameAnalyses(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	artifact := s.store.Get(id)
	if artifact == nil {
		writeError(w, errdefs.NotFound("game %s not found", id))
		return
	}

	config := configFromQuery(r)
	results := make(map[string]any)
	for _, entry := range s.registry.Analyses() {
		if !entry.Descriptor.Continuous || !s.applicableTo(entry.Descriptor, artifact.Format()) {
			continue
		}

		prepared, err := s.prepareArtifact(r, artifact, entry.Descriptor)
		if err != nil {
			results[entry.Descriptor.Name] = map[string]any{"error": errdefs.AsError(err).AsDetails()}
			continue
		}

		start := time.Now()
		result, _ := s.runFuncFor(entry, prepared)(r.Context(), config)
		results[entry.Descriptor.Name] = map[string]any{
			"summary":     result.Summary,
			"details":     result.Details,
			"duration_ms": time.Since(start).Milliseconds(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"game_id": id, "analyses": results})
}

type runAnalysisRequest struct {
	Analysis string         `json:"analysis"`
	Config   map[string]any `json:"config"`
	Owner    string         `json:"owner"`
}

// handleRunAnalysis runs a named analysis against a stored game. Continuous
// analyses execute inline and return their result directly; everything else
// becomes a tracked task and returns 202 with the task record.
func (s *Server) handleRunAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req runAnalysisRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Analysis == "" {
		writeError(w, errdefs.BadRequest("analysis name is required"))
		return
	}

	artifact := s.store.Get(id)
	if artifact == nil {
		writeError(w, errdefs.NotFound("game %s not found", id))
		return
	}

	entry, ok := s.registry.Analysis(req.Analysis)
	if !ok {
		writeError(w, errdefs.NotFound("unknown analysis %q", req.Analysis))
		return
	}

	prepared, err := s.prepareArtifact(r, artifact, entry.Descriptor)
	if err != nil {
		writeError(w, err)
		return
	}
	fn := s.runFuncFor(entry, prepared)

	if entry.Descriptor.Continuous {
		start := time.Now()
		result, _ := fn(r.Context(), req.Config)
		writeJSON(w, http.StatusOK, map[string]any{
			"result":      result,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return
	}

	submitted, err := s.tasks.Submit(req.Owner, entry.Plugin, id, req.Config, fn)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task": submitted})
}

// handleCreateTask submits an analysis task from query parameters:
// game_id and either analysis or plugin select the work; remaining
// parameters (solver, max_equilibria, ...) become the config.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	gameID := query.Get("game_id")
	if gameID == "" {
		writeError(w, errdefs.BadRequest("game_id is required"))
		return
	}
	artifact := s.store.Get(gameID)
	if artifact == nil {
		writeError(w, errdefs.NotFound("game %s not found", gameID))
		return
	}

	entry, err := s.resolveAnalysis(query.Get("analysis"), query.Get("plugin"))
	if err != nil {
		writeError(w, err)
		return
	}

	prepared, err := s.prepareArtifact(r, artifact, entry.Descriptor)
	if err != nil {
		writeError(w, err)
		return
	}

	config := configFromQuery(r)
	delete(config, "game_id")
	delete(config, "analysis")
	delete(config, "plugin")

	submitted, err := s.tasks.Submit(query.Get("owner"), entry.Plugin, gameID,
		config, s.runFuncFor(entry, prepared))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": submitted.ID,
		"status":  submitted.Status,
		"plugin":  submitted.Plugin,
		"game_id": submitted.GameID,
	})
}

// resolveAnalysis picks the analysis to run: by name when given, otherwise
// the plugin's sole non-continuous analysis.
func (s *Server) resolveAnalysis(name, plugin string) (registry.AnalysisEntry, error) {
	if name != "" {
		entry, ok := s.registry.Analysis(name)
		if !ok {
			return registry.AnalysisEntry{}, errdefs.NotFound("unknown analysis %q", name)
		}
		return entry, nil
	}
	if plugin == "" {
		return registry.AnalysisEntry{}, errdefs.BadRequest("analysis or plugin is required")
	}

	var candidates []registry.AnalysisEntry
	for _, entry := range s.registry.Analyses() {
		if entry.Plugin == plugin && !entry.Descriptor.Continuous {
			candidates = append(candidates, entry)
		}
	}
	switch len(candidates) {
	case 0:
		return registry.AnalysisEntry{}, errdefs.NotFound("plugin %q offers no task analyses", plugin)
	case 1:
		return candidates[0], nil
	default:
		return registry.AnalysisEntry{}, errdefs.BadRequest(
			"plugin %q offers %d analyses, name one explicitly", plugin, len(candidates))
	}
}

// runFuncFor builds the driver function for one analysis entry with the
// configured submit and poll tunables.
func (s *Server) runFuncFor(entry registry.AnalysisEntry, artifact types.Artifact) task.RunFunc {
	cli := client.New(entry.PluginURL, entry.Plugin)
	return driver.NewRunFunc(cli, entry.Descriptor.Name, artifact, driver.Config{
		SubmitTimeout: s.cfg.SubmitTimeout,
		Poll: client.PollOptions{
			InitialInterval: s.cfg.PollInitialInterval,
			MaxInterval:     s.cfg.PollMaxInterval,
			BackoffFactor:   s.cfg.PollBackoffFactor,
			RequestTimeout:  s.cfg.PollRequestTimeout,
			MaxDuration:     s.cfg.PollMaxDuration,
		},
	})
}

// prepareArtifact returns the game in a format the analysis accepts,
// converting when the native format is not applicable.
func (s *Server) prepareArtifact(r *http.Request, artifact types.Artifact, desc types.AnalysisDescriptor) (types.Artifact, error) {
	format := artifact.Format()
	if len(desc.ApplicableTo) == 0 || slices.Contains(desc.ApplicableTo, format) {
		return artifact, nil
	}

	for _, target := range s.registry.ReachableFormats(format) {
		if !slices.Contains(desc.ApplicableTo, target) {
			continue
		}
		converted, err := s.store.GetConverted(r.Context(), artifact.ID(), target)
		if err == nil {
			return converted, nil
		}
		s.logger.Warn().Err(err).Str("game_id", artifact.ID()).Str("target", target).
			Msg("conversion for analysis failed, trying next format")
	}
	return nil, errdefs.IncompatiblePlugin(
		"analysis %q does not apply to format %q and no conversion helps", desc.Name, format)
}
