// Package main provides the agentpool coordinator daemon entry point.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/agentpool/internal/client"
	"github.com/thebtf/agentpool/internal/config"
	"github.com/thebtf/agentpool/internal/db/sqlite"
	"github.com/thebtf/agentpool/internal/orchestrator"
	"github.com/thebtf/agentpool/internal/pool"
	"github.com/thebtf/agentpool/internal/profiles"
	"github.com/thebtf/agentpool/internal/server"
	"github.com/thebtf/agentpool/internal/session"
	"github.com/thebtf/agentpool/internal/watcher"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	listenPort := flag.Int("port", 0, "Control API port (default: from settings)")
	dataDir := flag.String("data-dir", "", "Data directory (default: ~/.agentpool)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	sweep := flag.Bool("sweep", false, "Kill stray backend processes on startup")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directories")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load settings, using defaults")
		cfg = config.Default()
	}
	// Port precedence: flag, then environment, then settings file.
	cfg.ListenPort = config.ListenPort(cfg)
	if *listenPort != 0 {
		cfg.ListenPort = *listenPort
	}

	dbPath := config.DBPath()
	profilesPath := config.ProfilesPath()
	if *dataDir != "" {
		dbPath = *dataDir + "/agentpool.db"
		profilesPath = *dataDir + "/profiles.yaml"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down coordinator")
		cancel()
	}()

	if *sweep {
		if err := pool.KillStrayBackends(cfg.Backend); err != nil {
			log.Warn().Err(err).Msg("Stray backend sweep failed")
		}
	}

	store, err := sqlite.NewStore(sqlite.StoreConfig{Path: dbPath})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize SQLite store")
	}
	defer store.Close()
	activityStore := sqlite.NewActivityStore(store)

	manager := pool.NewManager(cfg)
	manager.SetSpawner(pool.NewSpawner(cfg.Backend, cfg.Hostname))
	manager.SetEnvResolver(startProfiles(profilesPath))

	registry := client.NewRegistry(manager)
	cache := session.NewCache(cfg.MessageCacheTTL, activityStore)
	orch := orchestrator.New(manager, registry, cache)
	defer orch.Shutdown()

	svc := server.New(Version, cfg, orch)

	log.Info().
		Str("version", Version).
		Str("backend", cfg.Backend).
		Int("maxPool", cfg.MaxPool).
		Msg("Starting coordinator")

	if err := svc.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Control API error")
	}
}

// startProfiles loads the spawn profiles and keeps them hot-reloaded while
// the daemon runs. The returned resolver always reads the latest registry.
func startProfiles(path string) func(directory string) map[string]string {
	var mu sync.RWMutex

	registry, err := profiles.Load(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to load spawn profiles")
		registry = nil
	}

	reload := func() {
		fresh, err := profiles.Load(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Profile reload failed, keeping previous")
			return
		}
		mu.Lock()
		registry = fresh
		mu.Unlock()
		log.Info().Strs("profiles", fresh.Names()).Msg("Spawn profiles reloaded")
	}

	w, err := watcher.New(path, reload)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create profile watcher")
	} else if err := w.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start profile watcher")
	}

	return func(directory string) map[string]string {
		mu.RLock()
		defer mu.RUnlock()
		if registry == nil {
			return nil
		}
		return registry.ResolveEnv(directory)
	}
}
