package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arbiterhq/arbiter/pkg/api"
	"github.com/arbiterhq/arbiter/pkg/config"
	"github.com/arbiterhq/arbiter/pkg/events"
	"github.com/arbiterhq/arbiter/pkg/gameio"
	"github.com/arbiterhq/arbiter/pkg/log"
	"github.com/arbiterhq/arbiter/pkg/registry"
	"github.com/arbiterhq/arbiter/pkg/store"
	"github.com/arbiterhq/arbiter/pkg/supervisor"
	"github.com/arbiterhq/arbiter/pkg/task"
	"github.com/arbiterhq/arbiter/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "arbiter",
	Short: "Arbiter - game analysis plugin orchestrator",
	Long: `Arbiter supervises game-analysis plugins as local processes, merges
their advertised capabilities into one registry, and exposes games,
conversions, analyses, and long-running tasks over a single HTTP API.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Arbiter version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Start the orchestrator: load the plugins file, spawn and supervise the
declared plugins, ingest default games, and serve the HTTP API until
interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
			cfg.ListenAddr = addr
		}
		if pluginsFile, _ := cmd.Flags().GetString("plugins"); pluginsFile != "" {
			cfg.PluginsFile = pluginsFile
		}
		if gamesDir, _ := cmd.Flags().GetString("games"); gamesDir != "" {
			cfg.GamesDir = gamesDir
		}
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "HTTP listen address (overrides ARBITER_LISTEN_ADDR)")
	serveCmd.Flags().String("plugins", "", "path to the plugins file")
	serveCmd.Flags().String("games", "", "directory of default game files")
}

func serve(cfg *config.Config) error {
	logLevel := log.DebugLevel
	if cfg.IsProduction() {
		logLevel = log.InfoLevel
	}
	log.Init(log.Config{Level: logLevel, JSONOutput: cfg.IsProduction()})
	logger := log.WithComponent("main")

	pluginsFile, err := config.LoadPluginsFile(cfg.PluginsFile)
	if err != nil {
		return fmt.Errorf("failed to load plugins: %w", err)
	}
	pluginsFile.Apply(cfg)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	reg := registry.New(registry.NewHTTPApplier(cfg.SubmitTimeout))
	st := store.New(reg, broker)
	tasks := task.NewManager(task.Options{
		Workers:   cfg.TaskWorkers,
		QueueSize: cfg.TaskQueueSize,
		IDLength:  cfg.TaskIDLength,
	}, broker)
	tasks.StartReaper(cfg.TaskCleanupMaxAge)

	// Capabilities flow into the registry as plugins turn healthy.
	sup := supervisor.New(cfg, pluginsFile.Plugins, broker,
		func(name, url string, info *types.PluginInfo) {
			reg.RegisterPlugin(name, url, info)
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Plugin startup happens in the background so the API is reachable
	// immediately; capabilities appear as plugins come up.
	go func() {
		started := sup.StartAll(ctx)
		healthy := 0
		for _, ok := range started {
			if ok {
				healthy++
			}
		}
		logger.Info().Int("healthy", healthy).Int("attempted", len(started)).Msg("plugin startup settled")
		sup.StartSweep(ctx)
		loadDefaultGames(cfg, st)
	}()

	server := api.NewServer(cfg, st, reg, tasks, sup, broker)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	}

	// Shutdown order: stop accepting work, drain the task queue with
	// futures cancelled, stop plugins, then close the listener.
	cancel()
	tasks.Shutdown(true, true)
	sup.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown did not complete cleanly")
	}

	logger.Info().Msg("bye")
	return nil
}


// loadDefaultGames ingests the *.json artifacts in the games directory.
// Non-JSON games need a parser plugin; they are delegated through the
// registry once the owning plugin is healthy.
func loadDefaultGames(cfg *config.Config, st *store.Store) {
	logger := log.WithComponent("main")
	games, err := gameio.LoadDir(cfg.GamesDir)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load default games")
		return
	}
	for _, game := range games {
		if err := st.Add(game); err != nil {
			logger.Warn().Err(err).Str("game_id", game.ID()).Msg("failed to add default game")
		}
	}
	if len(games) > 0 {
		logger.Info().Int("count", len(games)).Msg("default games loaded")
	}
}
