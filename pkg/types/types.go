package types

import (
	"sync/atomic"
	"time"
)

// Artifact is an immutable game representation. The orchestrator treats the
// payload as opaque: plugins produce and consume complete dicts, and the core
// only reads the identity fields below. Never mutate an Artifact after it has
// been handed to the store; derive a Clone instead.
type Artifact map[string]any

// ID returns the artifact identifier.
func (a Artifact) ID() string {
	s, _ := a["id"].(string)
	return s
}

// Format returns the declared format tag (e.g. "efg", "nfg").
func (a Artifact) Format() string {
	s, _ := a["format_name"].(string)
	return s
}

// Title returns the human-readable title, if any.
func (a Artifact) Title() string {
	s, _ := a["title"].(string)
	return s
}

// Players returns the player list. Payloads may carry players as a list of
// strings or as a list of arbitrary JSON values; non-strings are skipped.
func (a Artifact) Players() []string {
	raw, ok := a["players"].([]any)
	if !ok {
		if ps, ok := a["players"].([]string); ok {
			return ps
		}
		return nil
	}
	players := make([]string, 0, len(raw))
	for _, p := range raw {
		if s, ok := p.(string); ok {
			players = append(players, s)
		}
	}
	return players
}

// Clone returns a shallow copy of the artifact's top level. Nested values are
// shared; callers replacing identity fields must not reach into shared maps.
func (a Artifact) Clone() Artifact {
	out := make(Artifact, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// GameSummary is the list-view projection of a stored artifact.
type GameSummary struct {
	ID          string                 `json:"id"`
	Title       string                 `json:"title"`
	Players     []string               `json:"players"`
	Format      string                 `json:"format"`
	Conversions map[string]CheckResult `json:"conversions"`
}

// CheckResult reports whether a conversion to a target format is possible.
type CheckResult struct {
	Possible bool     `json:"possible"`
	Warnings []string `json:"warnings,omitempty"`
	Blockers []string `json:"blockers,omitempty"`
}

// AnalysisDescriptor describes one analysis a plugin advertises.
type AnalysisDescriptor struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	ApplicableTo []string       `json:"applicable_to"`
	Continuous   bool           `json:"continuous"`
	ConfigSchema map[string]any `json:"config_schema,omitempty"`
}

// ConversionDescriptor describes one format conversion a plugin advertises.
type ConversionDescriptor struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// PluginInfo is the cached payload of a plugin's /info endpoint.
type PluginInfo struct {
	APIVersion    int                    `json:"api_version"`
	PluginVersion string                 `json:"plugin_version"`
	Analyses      []AnalysisDescriptor   `json:"analyses"`
	Formats       []string               `json:"formats,omitempty"`
	Conversions   []ConversionDescriptor `json:"conversions,omitempty"`
}

// RestartPolicy controls what the supervisor does when a plugin process exits.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on_failure"
	RestartAlways    RestartPolicy = "always"
)

// PluginSpec is one declarative plugin entry from the plugins file.
type PluginSpec struct {
	Name      string        `yaml:"name" json:"name"`
	Command   []string      `yaml:"command" json:"command"`
	Cwd       string        `yaml:"cwd" json:"cwd"`
	AutoStart bool          `yaml:"auto_start" json:"auto_start"`
	Restart   RestartPolicy `yaml:"restart" json:"restart"`
}

// PluginState is the supervisor-side lifecycle state of a plugin.
type PluginState string

const (
	PluginStateDefined  PluginState = "defined"
	PluginStateStarting PluginState = "starting"
	PluginStateHealthy  PluginState = "healthy"
	PluginStateCrashed  PluginState = "crashed"
	PluginStateDead     PluginState = "dead"
	PluginStateStopped  PluginState = "stopped"
)

// PluginStatus is the externally visible snapshot of a plugin record.
type PluginStatus struct {
	Name         string      `json:"name"`
	State        PluginState `json:"state"`
	URL          string      `json:"url,omitempty"`
	Port         int         `json:"port,omitempty"`
	Healthy      bool        `json:"healthy"`
	External     bool        `json:"external"`
	RestartCount int         `json:"restart_count"`
	Info         *PluginInfo `json:"info,omitempty"`
}

// TaskStatus is the five-value status domain for orchestrator tasks. Remote
// plugin statuses are normalized into this domain at the client boundary.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether the status is one a task can never leave.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusCancelled, TaskStatusFailed:
		return true
	}
	return false
}

// Result is the outcome record a task driver produces. Failures are encoded
// in Details under an "error" key rather than raised, so the task manager has
// a single completion path.
type Result struct {
	Summary string         `json:"summary"`
	Details map[string]any `json:"details,omitempty"`
}

// Task is a record of a long-running computation. CompletedAt is always set
// before Status transitions to a terminal value, so an observer that sees a
// terminal status sees all timing fields.
type Task struct {
	ID          string         `json:"id"`
	Owner       string         `json:"owner"`
	Plugin      string         `json:"plugin"`
	GameID      string         `json:"game_id"`
	Config      map[string]any `json:"config,omitempty"`
	Status      TaskStatus     `json:"status"`
	Result      *Result        `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// CancelToken is a shared flag requesting cooperative termination. It
// transitions monotonically from unset to set and is safe for concurrent use.
type CancelToken struct {
	flag atomic.Bool
}

// NewCancelToken returns an unset token.
func NewCancelToken() *CancelToken {
	return &CancelToken{}
}

// Set marks the token. Setting an already-set token is a no-op.
func (t *CancelToken) Set() {
	t.flag.Store(true)
}

// IsSet reports whether cancellation has been requested.
func (t *CancelToken) IsSet() bool {
	return t.flag.Load()
}
