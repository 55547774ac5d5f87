package store

import (
	"context"
	"testing"

	"github.com/arbiterhq/arbiter/pkg/errdefs"
	"github.com/arbiterhq/arbiter/pkg/registry"
	"github.com/arbiterhq/arbiter/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConverter rewrites format_name and counts Convert calls.
type fakeConverter struct {
	converts int
	possible bool
	reach    []string
}

func (f *fakeConverter) Check(_ context.Context, _ types.Artifact, _ string, _ registry.CheckMode) types.CheckResult {
	if !f.possible {
		return types.CheckResult{Possible: false, Blockers: []string{"no path"}}
	}
	return types.CheckResult{Possible: true}
}

func (f *fakeConverter) Convert(_ context.Context, artifact types.Artifact, target string) (types.Artifact, error) {
	f.converts++
	out := artifact.Clone()
	out["format_name"] = target
	return out, nil
}

func (f *fakeConverter) Available(ctx context.Context, artifact types.Artifact, mode registry.CheckMode) map[string]types.CheckResult {
	out := make(map[string]types.CheckResult)
	for _, t := range f.reach {
		out[t] = f.Check(ctx, artifact, t, mode)
	}
	return out
}

func artifact(id, format string) types.Artifact {
	return types.Artifact{"id": id, "format_name": format, "title": "t", "players": []any{"p1", "p2"}}
}

func TestAddValidation(t *testing.T) {
	s := New(&fakeConverter{}, nil)

	err := s.Add(types.Artifact{"format_name": "efg"})
	assert.True(t, errdefs.IsKind(err, errdefs.KindBadRequest))

	err = s.Add(types.Artifact{"id": "g1"})
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidFormat))

	require.NoError(t, s.Add(artifact("g1", "efg")))
	assert.Equal(t, 1, s.Len())
}

func TestAddReplacesById(t *testing.T) {
	s := New(&fakeConverter{}, nil)
	require.NoError(t, s.Add(artifact("g1", "efg")))
	require.NoError(t, s.Add(artifact("g1", "nfg")))

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, "nfg", s.Get("g1").Format())
}

func TestGetConvertedCaches(t *testing.T) {
	conv := &fakeConverter{possible: true}
	s := New(conv, nil)
	require.NoError(t, s.Add(artifact("g1", "efg")))

	out, err := s.GetConverted(context.Background(), "g1", "nfg")
	require.NoError(t, err)
	assert.Equal(t, "nfg", out.Format())

	// Second call must be served from the cache.
	out, err = s.GetConverted(context.Background(), "g1", "nfg")
	require.NoError(t, err)
	assert.Equal(t, "nfg", out.Format())
	assert.Equal(t, 1, conv.converts)
}

func TestGetConvertedSameFormatReturnsOriginal(t *testing.T) {
	conv := &fakeConverter{possible: true}
	s := New(conv, nil)
	orig := artifact("g1", "efg")
	require.NoError(t, s.Add(orig))

	out, err := s.GetConverted(context.Background(), "g1", "efg")

	require.NoError(t, err)
	assert.Equal(t, orig, out)
	assert.Zero(t, conv.converts)
}

func TestGetConvertedUnknownGame(t *testing.T) {
	s := New(&fakeConverter{possible: true}, nil)

	_, err := s.GetConverted(context.Background(), "missing", "nfg")

	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestGetConvertedNoPath(t *testing.T) {
	s := New(&fakeConverter{possible: false}, nil)
	require.NoError(t, s.Add(artifact("g1", "efg")))

	_, err := s.GetConverted(context.Background(), "g1", "gbt")

	assert.True(t, errdefs.IsKind(err, errdefs.KindNoConversionPath))
}

func TestAddInvalidatesCachedConversions(t *testing.T) {
	conv := &fakeConverter{possible: true}
	s := New(conv, nil)
	require.NoError(t, s.Add(artifact("g1", "efg")))

	_, err := s.GetConverted(context.Background(), "g1", "nfg")
	require.NoError(t, err)
	require.Equal(t, 1, conv.converts)

	// Re-adding under the same id drops the cache, so the next request
	// converts the fresh artifact again.
	require.NoError(t, s.Add(artifact("g1", "efg")))

	_, err = s.GetConverted(context.Background(), "g1", "nfg")
	require.NoError(t, err)
	assert.Equal(t, 2, conv.converts)
}

func TestRemove(t *testing.T) {
	s := New(&fakeConverter{possible: true}, nil)
	require.NoError(t, s.Add(artifact("g1", "efg")))

	assert.True(t, s.Remove("g1"))
	assert.False(t, s.Remove("g1"))
	assert.Nil(t, s.Get("g1"))
}

func TestListSortedWithConversions(t *testing.T) {
	conv := &fakeConverter{possible: true, reach: []string{"nfg"}}
	s := New(conv, nil)
	require.NoError(t, s.Add(artifact("g2", "efg")))
	require.NoError(t, s.Add(artifact("g1", "efg")))

	out := s.List(context.Background())

	require.Len(t, out, 2)
	assert.Equal(t, "g1", out[0].ID)
	assert.Equal(t, "g2", out[1].ID)
	assert.Equal(t, []string{"p1", "p2"}, out[0].Players)
	require.Contains(t, out[0].Conversions, "nfg")
	assert.True(t, out[0].Conversions["nfg"].Possible)
}
