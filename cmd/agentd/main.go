package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codedeck/agentd/internal/adapter"
	"github.com/codedeck/agentd/internal/bus"
	"github.com/codedeck/agentd/internal/claudesync"
	"github.com/codedeck/agentd/internal/config"
	"github.com/codedeck/agentd/internal/metrics"
	"github.com/codedeck/agentd/internal/request"
	"github.com/codedeck/agentd/internal/store"
	"github.com/codedeck/agentd/internal/store/memory"
	"github.com/codedeck/agentd/internal/supervisor"
	"github.com/codedeck/agentd/internal/ws"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("[agentd] load config: %v", err)
	}

	if err := runDaemon(cfg); err != nil {
		log.Fatalf("[agentd] %v", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}

func runDaemon(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	projects := memory.NewProjectStore()
	seedProjects(projects, cfg)
	messages := memory.NewMessageStore()
	requests := memory.NewRequestStore()
	tracker := request.NewTracker(requests)

	b := bus.New(cfg.Bus.SubscriberQueue)
	b.SetPublishHook(metrics.BusPublishes.Inc)
	b.SetDropHook(metrics.BusDrops.Inc)

	connected := make(map[string]bool, len(cfg.Integrations.Connected))
	for _, name := range cfg.Integrations.Connected {
		connected[strings.ToLower(name)] = true
	}
	hint := func(string) map[string]bool { return connected }

	registry := adapter.NewRegistry(cfg.Backends)
	sup := supervisor.New(cfg, registry, messages, b, tracker, hint)

	if cfg.Sync.Enabled {
		syncer := claudesync.New(cfg.Sync.Root, messages, transcriptResolver(projects))
		go func() {
			if err := syncer.Run(ctx); err != nil {
				log.Printf("[agentd] transcript sync stopped: %v", err)
			}
		}()
	}

	metricsSrv := &http.Server{Addr: cfg.Server.MetricsListen, Handler: metrics.Handler()}
	go func() {
		log.Printf("[agentd] metrics on %s", cfg.Server.MetricsListen)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[agentd] metrics server: %v", err)
		}
	}()

	api := ws.NewServer(sup, requests, messages, projects, b, cfg.Server.HistoryLimit)
	apiSrv := &http.Server{Addr: cfg.Server.Listen, Handler: api.Handler()}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[agentd] listening on %s", cfg.Server.Listen)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Printf("[agentd] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[agentd] api shutdown: %v", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[agentd] metrics shutdown: %v", err)
	}
	sup.Shutdown(shutdownCtx)
	return nil
}

func seedProjects(projects *memory.ProjectStore, cfg *config.Config) {
	for _, item := range cfg.Projects.Items {
		path := item.Path
		if path == "" {
			path = item.ID
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.Projects.Root, path)
		}
		projects.PutProject(store.Project{
			ID:               item.ID,
			Name:             item.Name,
			Path:             path,
			PreferredBackend: item.Backend,
			PreferredModel:   item.Model,
		})
		log.Printf("[agentd] project %s at %s", item.ID, path)
	}
	if len(cfg.Projects.Items) == 0 {
		log.Printf("[agentd] no projects configured")
	}
}

// transcriptResolver matches a transcript directory name against the
// munged path of each known project.
func transcriptResolver(projects *memory.ProjectStore) claudesync.Resolver {
	return func(dir string) (string, bool) {
		for _, p := range projects.ListProjects() {
			if claudesync.MungePath(p.Path) == dir {
				return p.ID, true
			}
		}
		return "", false
	}
}
