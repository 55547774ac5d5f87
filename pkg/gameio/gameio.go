package gameio

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/pkg/client"
	"github.com/arbiterhq/arbiter/pkg/errdefs"
	"github.com/arbiterhq/arbiter/pkg/log"
	"github.com/arbiterhq/arbiter/pkg/registry"
	"github.com/arbiterhq/arbiter/pkg/types"
)

// FormatResolver maps a file extension to the plugin that parses it.
type FormatResolver interface {
	Format(ext string) (registry.FormatEntry, bool)
}

// LoadDir reads every *.json artifact in dir. A missing directory yields an
// empty slice; individual unreadable or malformed files are logged and
// skipped so one bad game cannot block startup.
func LoadDir(dir string) ([]types.Artifact, error) {
	logger := log.WithComponent("gameio")

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug().Str("dir", dir).Msg("games directory does not exist, skipping")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read games directory %s: %w", dir, err)
	}

	var games []types.Artifact
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn().Err(err).Str("file", path).Msg("failed to read game file")
			continue
		}
		var artifact types.Artifact
		if err := json.Unmarshal(data, &artifact); err != nil {
			logger.Warn().Err(err).Str("file", path).Msg("failed to parse game file")
			continue
		}
		if artifact.ID() == "" || artifact.Format() == "" {
			logger.Warn().Str("file", path).Msg("game file missing id or format_name, skipping")
			continue
		}
		games = append(games, artifact)
	}
	return games, nil
}

// ParseUpload turns an uploaded file into an artifact. JSON payloads are
// decoded locally; any other extension is delegated to the plugin that
// advertises the format via POST /parse/<ext>.
func ParseUpload(ctx context.Context, resolver FormatResolver, filename string, content []byte, timeout time.Duration) (types.Artifact, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" {
		return nil, errdefs.InvalidFormat("filename %q has no extension", filename)
	}

	if ext == "json" {
		var artifact types.Artifact
		if err := json.Unmarshal(content, &artifact); err != nil {
			return nil, errdefs.ParseFailed("invalid JSON in %s: %v", filename, err)
		}
		return artifact, nil
	}

	entry, ok := resolver.Format(ext)
	if !ok {
		return nil, errdefs.InvalidFormat("no plugin can parse .%s files", ext)
	}

	cli := client.New(entry.PluginURL, entry.Plugin)
	resp, err := cli.Post(ctx, "/parse/"+ext, map[string]any{
		"content":  string(content),
		"filename": filename,
	}, timeout)
	if err != nil {
		return nil, err
	}

	game, ok := resp["game"].(map[string]any)
	if !ok {
		return nil, errdefs.ParseFailed("plugin %s returned no game payload for %s", entry.Plugin, filename)
	}
	return types.Artifact(game), nil
}
