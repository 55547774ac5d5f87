package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/arbiterhq/arbiter/pkg/errdefs"
	"github.com/arbiterhq/arbiter/pkg/log"
	"github.com/arbiterhq/arbiter/pkg/metrics"
	"github.com/arbiterhq/arbiter/pkg/types"
	"github.com/rs/zerolog"
)

// Edge is one directed conversion step in the format graph.
type Edge struct {
	Source string
	Target string
}

// AnalysisEntry binds an advertised analysis to its owning plugin.
type AnalysisEntry struct {
	Descriptor types.AnalysisDescriptor
	Plugin     string
	PluginURL  string
}

// FormatEntry binds a file format (extension, without dot) to the plugin
// that can parse it.
type FormatEntry struct {
	Extension string
	Plugin    string
	PluginURL string
}

// ConversionEntry binds a conversion edge to its owning plugin.
type ConversionEntry struct {
	Edge
	Plugin    string
	PluginURL string
}

// EdgeApplier executes one conversion edge against its owning plugin. The
// HTTP implementation lives in this package; tests substitute fakes.
type EdgeApplier interface {
	Apply(ctx context.Context, conv ConversionEntry, artifact types.Artifact) (types.Artifact, error)
}

// CheckMode selects between a cheap path-existence check and an
// edge-by-edge materialized validation.
type CheckMode int

const (
	CheckQuick CheckMode = iota
	CheckFull
)

// Registry is the merged, queryable view of capabilities contributed by
// healthy plugins. Registration is idempotent and last-wins; there is no
// deregistration on plugin death, so a dead plugin's capabilities stay
// visible and fail at call time instead.
type Registry struct {
	mu          sync.RWMutex
	analyses    map[string]AnalysisEntry
	formats     map[string]FormatEntry
	conversions map[Edge]ConversionEntry

	applier EdgeApplier
	logger  zerolog.Logger
}

// New creates an empty registry using the given edge applier.
func New(applier EdgeApplier) *Registry {
	return &Registry{
		analyses:    make(map[string]AnalysisEntry),
		formats:     make(map[string]FormatEntry),
		conversions: make(map[Edge]ConversionEntry),
		applier:     applier,
		logger:      log.WithComponent("registry"),
	}
}

// RegisterPlugin merges a plugin's advertised capabilities into the registry.
// Existing entries with the same key are replaced.
func (r *Registry) RegisterPlugin(name, url string, info *types.PluginInfo) {
	if info == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range info.Analyses {
		r.analyses[a.Name] = AnalysisEntry{Descriptor: a, Plugin: name, PluginURL: url}
	}
	for _, ext := range info.Formats {
		ext = strings.TrimPrefix(ext, ".")
		if ext == "" {
			continue
		}
		r.formats[ext] = FormatEntry{Extension: ext, Plugin: name, PluginURL: url}
	}
	for _, c := range info.Conversions {
		edge := Edge{Source: c.Source, Target: c.Target}
		r.conversions[edge] = ConversionEntry{Edge: edge, Plugin: name, PluginURL: url}
	}

	r.logger.Info().
		Str("plugin", name).
		Int("analyses", len(info.Analyses)).
		Int("formats", len(info.Formats)).
		Int("conversions", len(info.Conversions)).
		Msg("registered plugin capabilities")
}

// Analyses returns all registered analyses sorted by name.
func (r *Registry) Analyses() []AnalysisEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AnalysisEntry, 0, len(r.analyses))
	for _, e := range r.analyses {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.Name < out[j].Descriptor.Name })
	return out
}

// Analysis looks up an analysis by name.
func (r *Registry) Analysis(name string) (AnalysisEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.analyses[name]
	return e, ok
}

// Format looks up the parser owner for a file extension (with or without dot).
func (r *Registry) Format(ext string) (FormatEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.formats[strings.TrimPrefix(ext, ".")]
	return e, ok
}

// Conversion looks up the owner of a single conversion edge.
func (r *Registry) Conversion(source, target string) (ConversionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conversions[Edge{Source: source, Target: target}]
	return e, ok
}

// FindPath runs a breadth-first search over the conversion graph and returns
// the shortest edge sequence from source to target, nil if none exists, or
// an empty (non-nil) path when source == target.
func (r *Registry) FindPath(source, target string) []Edge {
	if source == target {
		return []Edge{}
	}

	r.mu.RLock()
	adjacency := make(map[string][]string)
	for edge := range r.conversions {
		adjacency[edge.Source] = append(adjacency[edge.Source], edge.Target)
	}
	r.mu.RUnlock()

	// Sorted neighbor order keeps results deterministic when several
	// shortest paths exist.
	for _, targets := range adjacency {
		sort.Strings(targets)
	}

	parent := map[string]string{source: ""}
	queue := []string{source}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[node] {
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = node
			if next == target {
				return buildPath(parent, source, target)
			}
			queue = append(queue, next)
		}
	}
	return nil
}

func buildPath(parent map[string]string, source, target string) []Edge {
	var rev []string
	for node := target; node != source; node = parent[node] {
		rev = append(rev, node)
	}
	path := make([]Edge, 0, len(rev))
	prev := source
	for i := len(rev) - 1; i >= 0; i-- {
		path = append(path, Edge{Source: prev, Target: rev[i]})
		prev = rev[i]
	}
	return path
}

// ReachableFormats returns every format reachable from source through one or
// more conversion edges, sorted, excluding source itself.
func (r *Registry) ReachableFormats(source string) []string {
	r.mu.RLock()
	adjacency := make(map[string][]string)
	for edge := range r.conversions {
		adjacency[edge.Source] = append(adjacency[edge.Source], edge.Target)
	}
	r.mu.RUnlock()

	seen := map[string]bool{source: true}
	queue := []string{source}
	var out []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[node] {
			if seen[next] {
				continue
			}
			seen[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	sort.Strings(out)
	return out
}

// Convert resolves the conversion path and applies each edge in order,
// feeding every step's output into the next. Each edge delegates to the
// owning plugin.
func (r *Registry) Convert(ctx context.Context, artifact types.Artifact, target string) (types.Artifact, error) {
	source := artifact.Format()
	path := r.FindPath(source, target)
	if path == nil {
		return nil, errdefs.NoConversionPath(source, target)
	}

	current := artifact
	for _, edge := range path {
		conv, ok := r.Conversion(edge.Source, edge.Target)
		if !ok {
			return nil, errdefs.NoConversionPath(edge.Source, edge.Target)
		}
		next, err := r.applier.Apply(ctx, conv, current)
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s to %s via %s: %w",
				edge.Source, edge.Target, conv.Plugin, err)
		}
		if next.Format() != edge.Target {
			return nil, errdefs.ConversionFailed(
				"plugin %s returned format %q, expected %q", conv.Plugin, next.Format(), edge.Target)
		}
		metrics.ConversionsTotal.WithLabelValues(edge.Source, edge.Target).Inc()
		current = next
	}
	return current, nil
}

// Check reports whether artifact can be converted to target. Quick mode only
// verifies that a path exists; full mode applies each edge, materializing
// intermediate artifacts, and reports the first failing step as a blocker.
func (r *Registry) Check(ctx context.Context, artifact types.Artifact, target string, mode CheckMode) types.CheckResult {
	source := artifact.Format()
	if source == target {
		return types.CheckResult{Possible: true}
	}

	path := r.FindPath(source, target)
	if path == nil {
		return types.CheckResult{
			Possible: false,
			Blockers: []string{fmt.Sprintf("No conversion path from %s to %s", source, target)},
		}
	}

	result := types.CheckResult{Possible: true}
	if len(path) > 1 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("Requires %d-step conversion", len(path)))
	}

	if mode == CheckQuick {
		// Only the first edge's precondition is verified: the edge must
		// still be registered and start at the artifact's format.
		if _, ok := r.Conversion(path[0].Source, path[0].Target); !ok || path[0].Source != source {
			result.Possible = false
			result.Blockers = append(result.Blockers,
				fmt.Sprintf("Conversion %s to %s is no longer registered", path[0].Source, path[0].Target))
		}
		return result
	}

	current := artifact
	for i, edge := range path {
		conv, ok := r.Conversion(edge.Source, edge.Target)
		if !ok {
			result.Possible = false
			result.Blockers = append(result.Blockers,
				fmt.Sprintf("Conversion %s to %s is no longer registered", edge.Source, edge.Target))
			return result
		}
		next, err := r.applier.Apply(ctx, conv, current)
		if err != nil {
			result.Possible = false
			result.Blockers = append(result.Blockers,
				fmt.Sprintf("Step %d (%s to %s) failed: %v", i+1, edge.Source, edge.Target, err))
			return result
		}
		current = next
	}
	return result
}

// Available returns the Check result for every format reachable from the
// artifact's own format.
func (r *Registry) Available(ctx context.Context, artifact types.Artifact, mode CheckMode) map[string]types.CheckResult {
	out := make(map[string]types.CheckResult)
	for _, target := range r.ReachableFormats(artifact.Format()) {
		out[target] = r.Check(ctx, artifact, target, mode)
	}
	return out
}
