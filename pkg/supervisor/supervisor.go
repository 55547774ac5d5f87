package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/pkg/client"
	"github.com/arbiterhq/arbiter/pkg/config"
	"github.com/arbiterhq/arbiter/pkg/events"
	"github.com/arbiterhq/arbiter/pkg/log"
	"github.com/arbiterhq/arbiter/pkg/metrics"
	"github.com/arbiterhq/arbiter/pkg/netutil"
	"github.com/arbiterhq/arbiter/pkg/types"
	"github.com/rs/zerolog"
)

// startAttempts bounds retries against port races: a plugin that loses its
// assigned port to another process gets a fresh one.
const startAttempts = 3

const (
	terminateGrace = 5 * time.Second
	killGrace      = 2 * time.Second
)

// OnHealthyFunc is invoked, outside the supervisor lock, whenever a plugin
// reaches the healthy state with its /info payload fetched.
type OnHealthyFunc func(name, url string, info *types.PluginInfo)

// record is the supervisor-side state of one plugin.
type record struct {
	spec     types.PluginSpec
	state    types.PluginState
	url      string
	port     int
	info     *types.PluginInfo
	external bool
	restarts int
	proc     Process
}

// Supervisor owns plugin processes: it spawns them on free localhost ports,
// waits for their health endpoint, watches for crashes, and applies each
// plugin's restart policy. Plugins with a <NAME>_URL environment override are
// tracked as external: health-checked but never spawned or restarted.
type Supervisor struct {
	mu      sync.Mutex
	plugins map[string]*record
	order   []string

	cfg       *config.Config
	broker    *events.Broker
	logger    zerolog.Logger
	onHealthy OnHealthyFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	sweepWG  sync.WaitGroup

	// Seams for tests.
	starter   ProcessStarter
	newClient func(baseURL, service string) *client.Client
	urlFor    func(port int) string
}

// New creates a supervisor for the given plugin specs. The broker and
// onHealthy callback may be nil.
func New(cfg *config.Config, specs []types.PluginSpec, broker *events.Broker, onHealthy OnHealthyFunc) *Supervisor {
	s := &Supervisor{
		plugins:   make(map[string]*record),
		cfg:       cfg,
		broker:    broker,
		logger:    log.WithComponent("supervisor"),
		onHealthy: onHealthy,
		stopCh:    make(chan struct{}),
		starter:   StartProcess,
		newClient: client.New,
		urlFor:    func(port int) string { return fmt.Sprintf("http://127.0.0.1:%d", port) },
	}
	for _, spec := range specs {
		rec := &record{spec: spec, state: types.PluginStateDefined}
		if url := config.PluginURLOverride(spec.Name); url != "" {
			rec.external = true
			rec.url = url
		}
		s.plugins[spec.Name] = rec
		s.order = append(s.order, spec.Name)
	}
	return s
}

// StartAll brings up every auto-start plugin concurrently and returns when
// all of them have settled, reporting per-plugin success. External plugins
// are probed once instead of spawned. Partial failure is tolerated.
func (s *Supervisor) StartAll(ctx context.Context) map[string]bool {
	results := make(map[string]bool)
	var resMu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range s.order {
		rec := s.plugins[name]
		if !rec.external && !rec.spec.AutoStart {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			err := s.Start(ctx, name)
			if err != nil {
				s.logger.Error().Err(err).Str("plugin", name).Msg("plugin failed to start")
			}
			resMu.Lock()
			results[name] = err == nil
			resMu.Unlock()
		}(name)
	}
	wg.Wait()
	return results
}

// Start brings one plugin to the healthy state. For an external plugin this
// is a single probe; for a local one it spawns the process and waits for its
// health endpoint, retrying on a fresh port when the process dies before
// turning healthy.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	s.mu.Lock()
	rec, ok := s.plugins[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown plugin %s", name)
	}
	if rec.state == types.PluginStateStarting || rec.state == types.PluginStateHealthy {
		s.mu.Unlock()
		return nil
	}
	rec.state = types.PluginStateStarting
	external := rec.external
	s.mu.Unlock()

	if external {
		return s.probeExternal(ctx, name)
	}
	return s.startLocal(ctx, name)
}

func (s *Supervisor) probeExternal(ctx context.Context, name string) error {
	s.mu.Lock()
	rec := s.plugins[name]
	url := rec.url
	s.mu.Unlock()

	cli := s.newClient(url, name)
	if err := cli.CheckHealth(ctx, s.cfg.HealthCheckTimeout); err != nil {
		s.setState(name, types.PluginStateCrashed)
		return fmt.Errorf("external plugin %s at %s is not healthy: %w", name, url, err)
	}
	info, err := cli.FetchInfo(ctx, s.cfg.InfoTimeout)
	if err != nil {
		s.setState(name, types.PluginStateCrashed)
		return fmt.Errorf("failed to fetch info from external plugin %s: %w", name, err)
	}
	s.markHealthy(name, url, info)
	return nil
}

func (s *Supervisor) startLocal(ctx context.Context, name string) error {
	s.mu.Lock()
	spec := s.plugins[name].spec
	s.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= startAttempts; attempt++ {
		port, err := netutil.FreePort()
		if err != nil {
			lastErr = fmt.Errorf("failed to allocate port: %w", err)
			continue
		}

		proc, err := s.starter(spec, port)
		if err != nil {
			metrics.PluginStartFailuresTotal.WithLabelValues(name).Inc()
			lastErr = fmt.Errorf("failed to spawn plugin %s: %w", name, err)
			continue
		}

		url := s.urlFor(port)
		s.mu.Lock()
		rec := s.plugins[name]
		rec.proc = proc
		rec.port = port
		rec.url = url
		s.mu.Unlock()

		s.logger.Info().Str("plugin", name).Int("port", port).Int("pid", proc.PID()).
			Int("attempt", attempt).Msg("plugin spawned")

		info, err := s.awaitHealthy(ctx, name, url, proc)
		if err == nil {
			s.markHealthy(name, url, info)
			return nil
		}

		// The process may still be alive (hung startup); reap it before the
		// next attempt so it cannot squat the port.
		proc.Terminate()
		select {
		case <-proc.Done():
		case <-time.After(terminateGrace):
			proc.Kill()
			<-proc.Done()
		}
		metrics.PluginStartFailuresTotal.WithLabelValues(name).Inc()
		lastErr = err
		s.logger.Warn().Err(err).Str("plugin", name).Int("attempt", attempt).Msg("plugin start attempt failed")
	}

	s.setState(name, types.PluginStateDead)
	s.publish(events.EventPluginDead, name, "")
	return fmt.Errorf("plugin %s failed to start after %d attempts: %w", name, startAttempts, lastErr)
}

// awaitHealthy polls the plugin's health endpoint with backoff until it
// answers, the startup timeout lapses, or the process exits.
func (s *Supervisor) awaitHealthy(ctx context.Context, name, url string, proc Process) (*types.PluginInfo, error) {
	cli := s.newClient(url, name)
	deadline := time.Now().Add(s.cfg.PluginStartupTimeout)
	interval := 100 * time.Millisecond

	for {
		if err := cli.CheckHealth(ctx, s.cfg.HealthCheckTimeout); err == nil {
			info, err := cli.FetchInfo(ctx, s.cfg.InfoTimeout)
			if err != nil {
				return nil, fmt.Errorf("plugin %s is healthy but info fetch failed: %w", name, err)
			}
			return info, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("plugin %s did not become healthy within %s", name, s.cfg.PluginStartupTimeout)
		}

		select {
		case <-proc.Done():
			return nil, fmt.Errorf("plugin %s exited before becoming healthy", name)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		interval = client.NextInterval(interval, 1.5, time.Second)
	}
}

func (s *Supervisor) markHealthy(name, url string, info *types.PluginInfo) {
	s.mu.Lock()
	rec := s.plugins[name]
	rec.state = types.PluginStateHealthy
	rec.url = url
	rec.info = info
	s.mu.Unlock()

	metrics.PluginsHealthy.WithLabelValues(name).Set(1)
	s.publish(events.EventPluginHealthy, name, url)
	s.logger.Info().Str("plugin", name).Str("url", url).Msg("plugin healthy")

	if s.onHealthy != nil {
		s.onHealthy(name, url, info)
	}
}

// CheckAndRestart probes every plugin once and applies restart policies to
// the crashed ones. The returned map records the action taken per plugin:
// ok, restarted, dead, or skipped.
func (s *Supervisor) CheckAndRestart(ctx context.Context) map[string]string {
	actions := make(map[string]string)
	for _, name := range s.order {
		actions[name] = s.checkOne(ctx, name)
	}
	return actions
}

func (s *Supervisor) checkOne(ctx context.Context, name string) string {
	s.mu.Lock()
	rec := s.plugins[name]
	state := rec.state
	url := rec.url
	external := rec.external
	proc := rec.proc
	spec := rec.spec
	restarts := rec.restarts
	s.mu.Unlock()

	switch state {
	case types.PluginStateHealthy:
		if external || proc == nil {
			// No process to watch; the HTTP probe is the only signal.
			cli := s.newClient(url, name)
			if err := cli.CheckHealth(ctx, s.cfg.HealthCheckTimeout); err != nil {
				s.logger.Warn().Err(err).Str("plugin", name).Msg("health check failed")
				s.markCrashed(name)
				break
			}
			return "ok"
		}
		select {
		case <-proc.Done():
			s.markCrashed(name)
		default:
			// The process is alive. A flapping health endpoint is logged
			// but never triggers a restart while the process runs: spawning
			// a replacement would leak the live one.
			cli := s.newClient(url, name)
			if err := cli.CheckHealth(ctx, s.cfg.HealthCheckTimeout); err != nil {
				s.logger.Warn().Err(err).Str("plugin", name).Msg("health check failed, process still running")
			}
			return "ok"
		}
	case types.PluginStateCrashed:
	default:
		return "skipped"
	}

	// state is crashed here. External plugins are never restarted; they come
	// back on their own or stay crashed.
	if external {
		return "skipped"
	}

	restart := false
	switch spec.Restart {
	case types.RestartAlways:
		restart = true
	case types.RestartOnFailure:
		restart = restarts < s.cfg.MaxRestarts
	}
	if !restart {
		s.setState(name, types.PluginStateDead)
		metrics.PluginsHealthy.WithLabelValues(name).Set(0)
		s.publish(events.EventPluginDead, name, "")
		s.logger.Warn().Str("plugin", name).Int("restarts", restarts).Msg("plugin dead")
		return "dead"
	}

	s.setState(name, types.PluginStateDefined)
	s.logger.Info().Str("plugin", name).Int("restart", restarts+1).Msg("restarting plugin")

	if err := s.Start(ctx, name); err != nil {
		s.logger.Error().Err(err).Str("plugin", name).Msg("restart failed")
		return "dead"
	}

	// Only a successful restart consumes the budget.
	s.mu.Lock()
	rec.restarts++
	s.mu.Unlock()

	metrics.PluginRestartsTotal.WithLabelValues(name).Inc()
	s.publish(events.EventPluginRestarted, name, "")
	return "restarted"
}

func (s *Supervisor) markCrashed(name string) {
	s.setState(name, types.PluginStateCrashed)
	metrics.PluginsHealthy.WithLabelValues(name).Set(0)
	s.publish(events.EventPluginCrashed, name, "")
}

// StartSweep runs CheckAndRestart on a ticker until StopAll.
func (s *Supervisor) StartSweep(ctx context.Context) {
	s.sweepWG.Add(1)
	go func() {
		defer s.sweepWG.Done()
		ticker := time.NewTicker(s.cfg.RestartSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.CheckAndRestart(ctx)
			case <-s.stopCh:
				return
			}
		}
	}()
}

// StopAll stops the sweep and terminates every local plugin process:
// SIGTERM to the process group, a grace period, then SIGKILL.
func (s *Supervisor) StopAll() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.sweepWG.Wait()

	var wg sync.WaitGroup
	for _, name := range s.order {
		s.mu.Lock()
		rec := s.plugins[name]
		proc := rec.proc
		external := rec.external
		state := rec.state
		s.mu.Unlock()

		if external || proc == nil || state == types.PluginStateStopped {
			continue
		}

		wg.Add(1)
		go func(name string, proc Process) {
			defer wg.Done()
			proc.Terminate()
			select {
			case <-proc.Done():
			case <-time.After(terminateGrace):
				s.logger.Warn().Str("plugin", name).Msg("plugin ignored SIGTERM, killing")
				proc.Kill()
				select {
				case <-proc.Done():
				case <-time.After(killGrace):
				}
			}
			s.setState(name, types.PluginStateStopped)
			metrics.PluginsHealthy.WithLabelValues(name).Set(0)
			s.publish(events.EventPluginStopped, name, "")
			s.logger.Info().Str("plugin", name).Msg("plugin stopped")
		}(name, proc)
	}
	wg.Wait()
}

// Status returns a snapshot of every plugin, in declaration order.
func (s *Supervisor) Status() []types.PluginStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.PluginStatus, 0, len(s.order))
	for _, name := range s.order {
		rec := s.plugins[name]
		out = append(out, types.PluginStatus{
			Name:         name,
			State:        rec.state,
			URL:          rec.url,
			Port:         rec.port,
			Healthy:      rec.state == types.PluginStateHealthy,
			External:     rec.external,
			RestartCount: rec.restarts,
			Info:         rec.info,
		})
	}
	return out
}

// Get returns one plugin's status.
func (s *Supervisor) Get(name string) (types.PluginStatus, bool) {
	for _, st := range s.Status() {
		if st.Name == name {
			return st, true
		}
	}
	return types.PluginStatus{}, false
}

// Names returns the declared plugin names sorted alphabetically.
func (s *Supervisor) Names() []string {
	out := append([]string(nil), s.order...)
	sort.Strings(out)
	return out
}

func (s *Supervisor) setState(name string, state types.PluginState) {
	s.mu.Lock()
	s.plugins[name].state = state
	s.mu.Unlock()
}

func (s *Supervisor) publish(eventType events.EventType, name, url string) {
	if s.broker == nil {
		return
	}
	meta := map[string]string{"plugin": name}
	if url != "" {
		meta["url"] = url
	}
	s.broker.Publish(&events.Event{Type: eventType, Metadata: meta})
}
