package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/arbiterhq/arbiter/pkg/client"
	"github.com/arbiterhq/arbiter/pkg/errdefs"
	"github.com/arbiterhq/arbiter/pkg/types"
)

// HTTPApplier executes conversion edges over the plugin HTTP contract:
// POST /convert/<src>-to-<tgt> with {game} returns {game}.
type HTTPApplier struct {
	// Timeout bounds each conversion request.
	Timeout time.Duration

	// newClient is a seam for tests; nil means client.New.
	newClient func(baseURL, service string) *client.Client
}

// NewHTTPApplier creates an applier with the given per-request timeout.
func NewHTTPApplier(timeout time.Duration) *HTTPApplier {
	return &HTTPApplier{Timeout: timeout}
}

// Apply performs one conversion step against the edge's owning plugin.
func (h *HTTPApplier) Apply(ctx context.Context, conv ConversionEntry, artifact types.Artifact) (types.Artifact, error) {
	factory := h.newClient
	if factory == nil {
		factory = client.New
	}
	cli := factory(conv.PluginURL, conv.Plugin)

	endpoint := fmt.Sprintf("/convert/%s-to-%s", conv.Source, conv.Target)
	resp, err := cli.Post(ctx, endpoint, map[string]any{"game": map[string]any(artifact)}, h.Timeout)
	if err != nil {
		return nil, err
	}

	game, ok := resp["game"].(map[string]any)
	if !ok {
		return nil, errdefs.ConversionFailed("plugin %s returned no game payload", conv.Plugin)
	}
	return types.Artifact(game), nil
}
