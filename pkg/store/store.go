package store

import (
	"context"
	"sort"
	"sync"

	"github.com/arbiterhq/arbiter/pkg/errdefs"
	"github.com/arbiterhq/arbiter/pkg/events"
	"github.com/arbiterhq/arbiter/pkg/log"
	"github.com/arbiterhq/arbiter/pkg/metrics"
	"github.com/arbiterhq/arbiter/pkg/registry"
	"github.com/arbiterhq/arbiter/pkg/types"
	"github.com/rs/zerolog"
)

// Converter is the conversion surface the store needs from the capability
// registry.
type Converter interface {
	Check(ctx context.Context, artifact types.Artifact, target string, mode registry.CheckMode) types.CheckResult
	Convert(ctx context.Context, artifact types.Artifact, target string) (types.Artifact, error)
	Available(ctx context.Context, artifact types.Artifact, mode registry.CheckMode) map[string]types.CheckResult
}

// Store is the thread-safe game registry with cached format conversions.
// One mutex guards both the artifact map and the conversion cache; anything
// that performs HTTP (conversion) drops the lock first and revalidates
// before inserting its result.
type Store struct {
	mu    sync.Mutex
	games map[string]types.Artifact
	cache map[string]map[string]types.Artifact

	// gen is bumped on every Add/Remove per id so conversions computed
	// against a replaced artifact are never cached.
	gen map[string]uint64

	converter Converter
	broker    *events.Broker
	logger    zerolog.Logger
}

// New creates an empty store. The broker may be nil.
func New(converter Converter, broker *events.Broker) *Store {
	return &Store{
		games:     make(map[string]types.Artifact),
		cache:     make(map[string]map[string]types.Artifact),
		gen:       make(map[string]uint64),
		converter: converter,
		broker:    broker,
		logger:    log.WithComponent("store"),
	}
}

// Add inserts an artifact, replacing any entry with the same id and
// invalidating all of its cached conversions.
func (s *Store) Add(artifact types.Artifact) error {
	id := artifact.ID()
	if id == "" {
		return errdefs.BadRequest("artifact has no id")
	}
	if artifact.Format() == "" {
		return errdefs.InvalidFormat("artifact %s has no format_name", id)
	}

	s.mu.Lock()
	s.games[id] = artifact
	delete(s.cache, id)
	s.gen[id]++
	s.mu.Unlock()

	s.logger.Info().Str("game_id", id).Str("format", artifact.Format()).Msg("game added")
	s.publish(events.EventGameAdded, id)
	return nil
}

// Get returns the artifact with the given id, or nil.
func (s *Store) Get(id string) types.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.games[id]
}

// Remove drops an artifact and all of its cached conversions. It reports
// whether the artifact existed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	_, existed := s.games[id]
	delete(s.games, id)
	delete(s.cache, id)
	if existed {
		s.gen[id]++
	}
	s.mu.Unlock()

	if existed {
		s.logger.Info().Str("game_id", id).Msg("game removed")
		s.publish(events.EventGameRemoved, id)
	}
	return existed
}

// GetConverted returns the artifact in the requested format, converting and
// caching on demand. Conversion happens outside the store lock; the result
// is only cached if the entry was not replaced or removed in the meantime.
func (s *Store) GetConverted(ctx context.Context, id, target string) (types.Artifact, error) {
	s.mu.Lock()
	artifact, ok := s.games[id]
	if !ok {
		s.mu.Unlock()
		return nil, errdefs.NotFound("game %s not found", id)
	}
	if artifact.Format() == target {
		s.mu.Unlock()
		return artifact, nil
	}
	if cached, ok := s.cache[id][target]; ok {
		s.mu.Unlock()
		metrics.ConversionCacheHitsTotal.Inc()
		return cached, nil
	}
	gen := s.gen[id]
	s.mu.Unlock()

	check := s.converter.Check(ctx, artifact, target, registry.CheckQuick)
	if !check.Possible {
		return nil, errdefs.NoConversionPath(artifact.Format(), target).
			WithDetails(map[string]any{"blockers": check.Blockers})
	}

	converted, err := s.converter.Convert(ctx, artifact, target)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.gen[id] == gen {
		if s.cache[id] == nil {
			s.cache[id] = make(map[string]types.Artifact)
		}
		s.cache[id][target] = converted
	}
	s.mu.Unlock()
	return converted, nil
}

// List returns summaries of all stored games sorted by id, each annotated
// with the quick-check result for every reachable target format.
func (s *Store) List(ctx context.Context) []types.GameSummary {
	s.mu.Lock()
	snapshot := make([]types.Artifact, 0, len(s.games))
	for _, a := range s.games {
		snapshot = append(snapshot, a)
	}
	s.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID() < snapshot[j].ID() })

	out := make([]types.GameSummary, 0, len(snapshot))
	for _, a := range snapshot {
		out = append(out, types.GameSummary{
			ID:          a.ID(),
			Title:       a.Title(),
			Players:     a.Players(),
			Format:      a.Format(),
			Conversions: s.converter.Available(ctx, a, registry.CheckQuick),
		})
	}
	return out
}

// Len returns the number of stored games.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.games)
}

func (s *Store) publish(eventType events.EventType, id string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type:     eventType,
		Metadata: map[string]string{"game_id": id},
	})
}
