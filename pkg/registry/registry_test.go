package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/arbiterhq/arbiter/pkg/errdefs"
	"github.com/arbiterhq/arbiter/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeApplier converts by rewriting format_name, recording every call.
type fakeApplier struct {
	calls []Edge
	fail  map[Edge]error
}

func (f *fakeApplier) Apply(_ context.Context, conv ConversionEntry, artifact types.Artifact) (types.Artifact, error) {
	f.calls = append(f.calls, conv.Edge)
	if err, ok := f.fail[conv.Edge]; ok {
		return nil, err
	}
	out := artifact.Clone()
	out["format_name"] = conv.Target
	return out, nil
}

func newTestRegistry(applier EdgeApplier, conversions ...types.ConversionDescriptor) *Registry {
	r := New(applier)
	r.RegisterPlugin("conv-plugin", "http://127.0.0.1:1", &types.PluginInfo{
		APIVersion:  1,
		Conversions: conversions,
	})
	return r
}

func artifact(id, format string) types.Artifact {
	return types.Artifact{"id": id, "format_name": format, "title": "t"}
}

func TestRegisterPluginLastWins(t *testing.T) {
	r := New(&fakeApplier{})
	desc := types.AnalysisDescriptor{Name: "Nash", ApplicableTo: []string{"efg"}}

	r.RegisterPlugin("p1", "http://127.0.0.1:1", &types.PluginInfo{Analyses: []types.AnalysisDescriptor{desc}})
	r.RegisterPlugin("p2", "http://127.0.0.1:2", &types.PluginInfo{Analyses: []types.AnalysisDescriptor{desc}})

	entry, ok := r.Analysis("Nash")
	require.True(t, ok)
	assert.Equal(t, "p2", entry.Plugin)
}

func TestFormatLookupNormalizesDot(t *testing.T) {
	r := New(&fakeApplier{})
	r.RegisterPlugin("p", "http://127.0.0.1:1", &types.PluginInfo{Formats: []string{".efg", "nfg"}})

	for _, ext := range []string{"efg", ".efg", "nfg", ".nfg"} {
		_, ok := r.Format(ext)
		assert.True(t, ok, "extension %q", ext)
	}
	_, ok := r.Format(".gbt")
	assert.False(t, ok)
}

func TestFindPath(t *testing.T) {
	r := newTestRegistry(&fakeApplier{},
		types.ConversionDescriptor{Source: "a", Target: "b"},
		types.ConversionDescriptor{Source: "b", Target: "c"},
		types.ConversionDescriptor{Source: "a", Target: "d"},
		types.ConversionDescriptor{Source: "d", Target: "c"},
		types.ConversionDescriptor{Source: "c", Target: "e"},
	)

	tests := []struct {
		name   string
		source string
		target string
		want   []Edge
	}{
		{"identity is an empty path", "a", "a", []Edge{}},
		{"single hop", "a", "b", []Edge{{"a", "b"}}},
		{"two hops picks deterministic shortest", "a", "c", []Edge{{"a", "b"}, {"b", "c"}}},
		{"three hops", "a", "e", []Edge{{"a", "b"}, {"b", "c"}, {"c", "e"}}},
		{"no path", "e", "a", nil},
		{"unknown source", "zzz", "a", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.FindPath(tt.source, tt.target))
		})
	}
}

func TestFindPathReturnsMinimumEdgeCount(t *testing.T) {
	// A direct edge must win over a two-hop route.
	r := newTestRegistry(&fakeApplier{},
		types.ConversionDescriptor{Source: "a", Target: "b"},
		types.ConversionDescriptor{Source: "b", Target: "c"},
		types.ConversionDescriptor{Source: "a", Target: "c"},
	)

	assert.Equal(t, []Edge{{"a", "c"}}, r.FindPath("a", "c"))
}

func TestConvertTwoHop(t *testing.T) {
	applier := &fakeApplier{}
	r := newTestRegistry(applier,
		types.ConversionDescriptor{Source: "a", Target: "b"},
		types.ConversionDescriptor{Source: "b", Target: "c"},
	)

	out, err := r.Convert(context.Background(), artifact("g1", "a"), "c")

	require.NoError(t, err)
	assert.Equal(t, "c", out.Format())
	assert.Equal(t, []Edge{{"a", "b"}, {"b", "c"}}, applier.calls)
}

func TestConvertNoPath(t *testing.T) {
	r := newTestRegistry(&fakeApplier{})

	_, err := r.Convert(context.Background(), artifact("g1", "a"), "z")

	assert.True(t, errdefs.IsKind(err, errdefs.KindNoConversionPath))
}

func TestConvertStepFailurePropagatesKind(t *testing.T) {
	applier := &fakeApplier{fail: map[Edge]error{
		{"b", "c"}: errdefs.ConversionFailed("solver rejected the game"),
	}}
	r := newTestRegistry(applier,
		types.ConversionDescriptor{Source: "a", Target: "b"},
		types.ConversionDescriptor{Source: "b", Target: "c"},
	)

	_, err := r.Convert(context.Background(), artifact("g1", "a"), "c")

	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindConversionFailed))
}

func TestCheckQuick(t *testing.T) {
	applier := &fakeApplier{}
	r := newTestRegistry(applier,
		types.ConversionDescriptor{Source: "a", Target: "b"},
		types.ConversionDescriptor{Source: "b", Target: "c"},
	)

	res := r.Check(context.Background(), artifact("g1", "a"), "c", CheckQuick)
	assert.True(t, res.Possible)
	assert.Equal(t, []string{"Requires 2-step conversion"}, res.Warnings)
	// Quick mode never materializes artifacts.
	assert.Empty(t, applier.calls)

	res = r.Check(context.Background(), artifact("g1", "a"), "b", CheckQuick)
	assert.True(t, res.Possible)
	assert.Empty(t, res.Warnings)

	res = r.Check(context.Background(), artifact("g1", "c"), "a", CheckQuick)
	assert.False(t, res.Possible)
	assert.NotEmpty(t, res.Blockers)

	// Same-format check is a no-op conversion.
	res = r.Check(context.Background(), artifact("g1", "a"), "a", CheckQuick)
	assert.True(t, res.Possible)
	assert.Empty(t, res.Warnings)
}

func TestCheckFullReportsFailingStep(t *testing.T) {
	applier := &fakeApplier{fail: map[Edge]error{
		{"b", "c"}: fmt.Errorf("intermediate game has no payoff matrix"),
	}}
	r := newTestRegistry(applier,
		types.ConversionDescriptor{Source: "a", Target: "b"},
		types.ConversionDescriptor{Source: "b", Target: "c"},
	)

	res := r.Check(context.Background(), artifact("g1", "a"), "c", CheckFull)

	assert.False(t, res.Possible)
	require.Len(t, res.Blockers, 1)
	assert.Contains(t, res.Blockers[0], "Step 2")
	assert.Contains(t, res.Blockers[0], "no payoff matrix")
}

func TestAvailable(t *testing.T) {
	r := newTestRegistry(&fakeApplier{},
		types.ConversionDescriptor{Source: "a", Target: "b"},
		types.ConversionDescriptor{Source: "b", Target: "c"},
	)

	out := r.Available(context.Background(), artifact("g1", "a"), CheckQuick)

	require.Len(t, out, 2)
	assert.True(t, out["b"].Possible)
	assert.True(t, out["c"].Possible)
	assert.Equal(t, []string{"Requires 2-step conversion"}, out["c"].Warnings)
}

func TestHTTPApplier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/convert/efg-to-nfg", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"game": {"id": "g1", "format_name": "nfg", "title": "converted"}}`))
	}))
	defer srv.Close()

	applier := NewHTTPApplier(0)
	conv := ConversionEntry{Edge: Edge{Source: "efg", Target: "nfg"}, Plugin: "gambit", PluginURL: srv.URL}

	out, err := applier.Apply(context.Background(), conv, artifact("g1", "efg"))

	require.NoError(t, err)
	assert.Equal(t, "nfg", out.Format())
	assert.Equal(t, "converted", out.Title())
}
