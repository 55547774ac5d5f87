package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/arbiterhq/arbiter/pkg/config"
	"github.com/arbiterhq/arbiter/pkg/events"
	"github.com/arbiterhq/arbiter/pkg/registry"
	"github.com/arbiterhq/arbiter/pkg/store"
	"github.com/arbiterhq/arbiter/pkg/supervisor"
	"github.com/arbiterhq/arbiter/pkg/task"
	"github.com/arbiterhq/arbiter/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	srv      *httptest.Server
	registry *registry.Registry
	store    *store.Store
	tasks    *task.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.MaxUploadSize = 1 << 20
	cfg.SubmitTimeout = time.Second
	cfg.PollInitialInterval = time.Millisecond
	cfg.PollMaxInterval = 5 * time.Millisecond
	cfg.PollRequestTimeout = time.Second
	cfg.PollMaxDuration = 5 * time.Second

	reg := registry.New(registry.NewHTTPApplier(time.Second))
	st := store.New(reg, nil)
	tm := task.NewManager(task.Options{Workers: 2, QueueSize: 16, IDLength: 8}, nil)
	t.Cleanup(func() { tm.Shutdown(true, true) })

	sup := supervisor.New(cfg, nil, nil, nil)
	server := NewServer(cfg, st, reg, tm, sup, events.NewBroker())

	f := &fixture{
		srv:      httptest.NewServer(server.Router()),
		registry: reg,
		store:    st,
		tasks:    tm,
	}
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) request(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	var parsed map[string]any
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &parsed), "body: %s", data)
	}
	return resp, parsed
}

func pd() types.Artifact {
	return types.Artifact{"id": "pd", "format_name": "nfg", "title": "Prisoner's Dilemma"}
}

func TestGameCRUD(t *testing.T) {
	f := newFixture(t)

	resp, body := f.request(t, http.MethodPost, "/api/games", pd())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	game := body["game"].(map[string]any)
	assert.Equal(t, "pd", game["id"])

	resp, body = f.request(t, http.MethodGet, "/api/games", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["games"], 1)

	resp, body = f.request(t, http.MethodGet, "/api/games/pd", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Prisoner's Dilemma", body["game"].(map[string]any)["title"])

	// Same-format fetch needs no conversion edge.
	resp, _ = f.request(t, http.MethodGet, "/api/games/pd/as/nfg", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.request(t, http.MethodDelete, "/api/games/pd", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "deleted", body["status"])
	assert.Equal(t, "pd", body["id"])

	resp, body = f.request(t, http.MethodGet, "/api/games/pd", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "NOT_FOUND", errObj["code"])
}

func TestAddGameValidation(t *testing.T) {
	f := newFixture(t)

	resp, body := f.request(t, http.MethodPost, "/api/games", map[string]any{"title": "no id"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BAD_REQUEST", body["error"].(map[string]any)["code"])
}

func TestConversionWithoutPath(t *testing.T) {
	f := newFixture(t)
	f.request(t, http.MethodPost, "/api/games", pd())

	resp, body := f.request(t, http.MethodGet, "/api/games/pd/as/efg", nil)

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "NO_CONVERSION_PATH", body["error"].(map[string]any)["code"])
}

func uploadRequest(t *testing.T, url, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, url+"/api/games/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadJSONGame(t *testing.T) {
	f := newFixture(t)

	resp, err := http.DefaultClient.Do(uploadRequest(t, f.srv.URL,
		"pd.json", []byte(`{"id": "pd", "format_name": "nfg"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotNil(t, f.store.Get("pd"))
}

func TestUploadSizeLimit(t *testing.T) {
	f := newFixture(t)

	// One byte past the limit is rejected.
	resp, err := http.DefaultClient.Do(uploadRequest(t, f.srv.URL,
		"big.json", bytes.Repeat([]byte("x"), int(1<<20)+1)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Exactly the limit passes the size gate (and fails later as JSON,
	// which proves it got past the limiter).
	resp, err = http.DefaultClient.Do(uploadRequest(t, f.srv.URL,
		"big.json", bytes.Repeat([]byte("x"), int(1<<20))))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.NotContains(t, string(body), "byte limit")
}

// fakePlugin registers an analysis and serves the analysis contract.
func registerFakePlugin(t *testing.T, f *fixture, continuous bool) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /analyze", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"task_id": "r1", "status": "queued"})
	})
	polls := 0
	mux.HandleFunc("GET /tasks/r1", func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls < 2 {
			json.NewEncoder(w).Encode(map[string]any{"task_id": "r1", "status": "running"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"task_id": "r1",
			"status":  "done",
			"result":  map[string]any{"summary": "1 equilibrium found"},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	f.registry.RegisterPlugin("gambit", srv.URL, &types.PluginInfo{
		APIVersion: 1,
		Analyses: []types.AnalysisDescriptor{{
			Name:         "Nash equilibria",
			ApplicableTo: []string{"nfg"},
			Continuous:   continuous,
		}},
	})
}

func TestRunAnalysisAsync(t *testing.T) {
	f := newFixture(t)
	registerFakePlugin(t, f, false)
	f.request(t, http.MethodPost, "/api/games", pd())

	resp, body := f.request(t, http.MethodPost, "/api/games/pd/analyses", map[string]any{
		"analysis": "Nash equilibria",
		"owner":    "alice",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	taskID := body["task"].(map[string]any)["id"].(string)

	var final map[string]any
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, body = f.request(t, http.MethodGet, "/api/tasks/"+taskID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		final = body["task"].(map[string]any)
		if status := final["status"].(string); status != "pending" && status != "running" {
			break
		}
		require.True(t, time.Now().Before(deadline), "task never finished")
		time.Sleep(5 * time.Millisecond)
	}

	assert.Equal(t, "completed", final["status"])
	assert.Equal(t, "1 equilibrium found", final["result"].(map[string]any)["summary"])

	// The owner filter matches the submission.
	resp, body = f.request(t, http.MethodGet, "/api/tasks?owner=alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["tasks"], 1)
	resp, body = f.request(t, http.MethodGet, "/api/tasks?owner=bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["tasks"], 0)
}

func TestRunContinuousAnalysisInline(t *testing.T) {
	f := newFixture(t)
	registerFakePlugin(t, f, true)
	f.request(t, http.MethodPost, "/api/games", pd())

	resp, body := f.request(t, http.MethodPost, "/api/games/pd/analyses", map[string]any{
		"analysis": "Nash equilibria",
	})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := body["result"].(map[string]any)
	assert.Equal(t, "1 equilibrium found", result["summary"])
	assert.Contains(t, body, "duration_ms")
}

func TestRunUnknownAnalysis(t *testing.T) {
	f := newFixture(t)
	f.request(t, http.MethodPost, "/api/games", pd())

	resp, body := f.request(t, http.MethodPost, "/api/games/pd/analyses", map[string]any{
		"analysis": "does not exist",
	})

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["error"].(map[string]any)["code"])
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.request(t, http.MethodDelete, "/api/tasks/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateTaskFromQueryParams(t *testing.T) {
	f := newFixture(t)
	registerFakePlugin(t, f, false)
	f.request(t, http.MethodPost, "/api/games", pd())

	resp, body := f.request(t, http.MethodPost,
		"/api/tasks?game_id=pd&analysis=Nash+equilibria&owner=alice&solver=lcp", nil)

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "gambit", body["plugin"])
	assert.Equal(t, "pd", body["game_id"])
	assert.NotEmpty(t, body["task_id"])
}

func TestCreateTaskByPluginName(t *testing.T) {
	f := newFixture(t)
	registerFakePlugin(t, f, false)
	f.request(t, http.MethodPost, "/api/games", pd())

	// The plugin offers exactly one task analysis, so naming the plugin
	// alone is unambiguous.
	resp, body := f.request(t, http.MethodPost, "/api/tasks?game_id=pd&plugin=gambit", nil)

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "gambit", body["plugin"])
}

func TestCreateTaskValidation(t *testing.T) {
	f := newFixture(t)
	registerFakePlugin(t, f, false)

	resp, _ := f.request(t, http.MethodPost, "/api/tasks?analysis=Nash+equilibria", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.request(t, http.MethodPost, "/api/tasks?game_id=missing&analysis=Nash+equilibria", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGameAnalysesRunsContinuousOnly(t *testing.T) {
	f := newFixture(t)
	registerFakePlugin(t, f, true)
	f.request(t, http.MethodPost, "/api/games", pd())
	f.request(t, http.MethodPost, "/api/games",
		types.Artifact{"id": "ce", "format_name": "efg", "title": "Centipede"})

	_, body := f.request(t, http.MethodGet, "/api/games/pd/analyses?solver=lcp", nil)
	results := body["analyses"].(map[string]any)
	require.Contains(t, results, "Nash equilibria")
	entry := results["Nash equilibria"].(map[string]any)
	assert.Equal(t, "1 equilibrium found", entry["summary"])
	assert.Contains(t, entry, "duration_ms")

	// No conversion path from efg to nfg is registered, so nothing runs.
	_, body = f.request(t, http.MethodGet, "/api/games/ce/analyses", nil)
	assert.Len(t, body["analyses"], 0)
}

func TestHealthAndPlugins(t *testing.T) {
	f := newFixture(t)

	resp, body := f.request(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = f.request(t, http.MethodGet, "/api/plugins", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["plugins"], 0)
}

func TestErrorMessageTruncated(t *testing.T) {
	f := newFixture(t)

	// A very long id produces a long not-found message that must be capped.
	longID := strings.Repeat("a", 500)
	resp, body := f.request(t, http.MethodGet, "/api/games/"+longID, nil)

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	msg := body["error"].(map[string]any)["message"].(string)
	assert.LessOrEqual(t, len(msg), maxErrorMessage+3, fmt.Sprintf("message %q too long", msg))
}
