package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jedarden/ringmaster/internal/api"
	"github.com/jedarden/ringmaster/internal/cache"
	"github.com/jedarden/ringmaster/internal/enrich"
	"github.com/jedarden/ringmaster/internal/eventbus"
	"github.com/jedarden/ringmaster/internal/executor"
	"github.com/jedarden/ringmaster/internal/gitops"
	"github.com/jedarden/ringmaster/internal/hotreload"
	"github.com/jedarden/ringmaster/internal/logging"
	"github.com/jedarden/ringmaster/internal/messagebus"
	"github.com/jedarden/ringmaster/internal/outputbuf"
	"github.com/jedarden/ringmaster/internal/queue"
	"github.com/jedarden/ringmaster/internal/reasoning"
	"github.com/jedarden/ringmaster/internal/scheduler"
	"github.com/jedarden/ringmaster/internal/store"
	"github.com/jedarden/ringmaster/internal/telemetry"
	"github.com/jedarden/ringmaster/internal/undo"
	"github.com/jedarden/ringmaster/internal/validator"
	"github.com/jedarden/ringmaster/internal/worker"
	"github.com/jedarden/ringmaster/pkg/config"
	"github.com/jedarden/ringmaster/pkg/models"
)

const version = "0.1.0"

// outputRingLines bounds the per-worker output ring held in memory.
const outputRingLines = 2000

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var configPath string

	rootCmd := &cobra.Command{
		Use:     "ringmaster",
		Short:   "Ringmaster orchestrates coding-agent CLIs over a dependency-aware task queue",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")

	rootCmd.AddCommand(newServeCommand(&configPath))
	rootCmd.AddCommand(newSchedulerCommand(&configPath))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the full engine: scheduler, executor, validator, and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func newSchedulerCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the scheduler and executor without the HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduler(*configPath)
		},
	}
}

// engine holds the wired core shared by serve and scheduler modes.
type engine struct {
	store  *store.Store
	bus    *eventbus.Bus
	output *outputbuf.Buffer
	logs   *logging.Manager
	bank   *reasoning.Bank
	queue  *queue.Queue
	exec   *executor.Executor
	sched  *scheduler.Scheduler
	val    *validator.Validator
}

func buildEngine(cfg *config.Config) (*engine, error) {
	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	bus := eventbus.New()
	output := outputbuf.New(outputRingLines)
	logs := logging.NewManager(st.DB())
	bank := reasoning.New(st)

	pipeline := enrich.NewPipeline(enrich.Options{
		MaxContextTokens: cfg.Enrich.MaxContextTokens,
		MaxFiles:         cfg.Enrich.MaxFiles,
		MaxFileLines:     cfg.Enrich.MaxFileLines,
		LogAssembly:      cfg.Enrich.LogAssembly,
	}, st, logs)

	exec := executor.New(st, bus, output, worker.NewRegistry(), cfg.Executor).
		WithPrompts(pipeline).
		WithOutcomes(bank).
		WithLogs(logs)
	if cfg.Worktrees.Enabled {
		exec = exec.WithWorktrees(gitops.NewManager())
	}

	q := queue.New(st, bank)
	sched := scheduler.New(st, exec, q, bus, cfg.Scheduler)
	val := validator.New(st, bus, time.Duration(cfg.Executor.DefaultTimeoutSeconds)*time.Second)

	return &engine{
		store:  st,
		bus:    bus,
		output: output,
		logs:   logs,
		bank:   bank,
		queue:  q,
		exec:   exec,
		sched:  sched,
		val:    val,
	}, nil
}

// start launches the background loops shared by both modes.
func (e *engine) start(ctx context.Context, cfg *config.Config) error {
	if err := e.sched.Start(ctx); err != nil {
		return err
	}
	go e.reviewLoop(ctx, cfg.Scheduler.PollInterval)
	go e.graphLoop(ctx)
	return nil
}

func (e *engine) stop() {
	e.sched.Stop()
	e.store.Close()
}

// reviewLoop promotes REVIEW tasks through validation.
func (e *engine) reviewLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beads, err := e.store.ListBeads(ctx, store.BeadFilter{Status: models.BeadStatusReview})
			if err != nil {
				e.logs.Warnf("validator", "list review tasks: %v", err)
				continue
			}
			for _, b := range beads {
				if _, err := e.val.ValidateTask(ctx, b.ID); err != nil {
					e.logs.Warnf("validator", "validate %s: %v", b.ID, err)
				}
			}
		}
	}
}

// graphLoop recomputes priority-graph scores for every project.
func (e *engine) graphLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			projects, err := e.store.ListProjects(ctx)
			if err != nil {
				e.logs.Warnf("queue", "list projects: %v", err)
				continue
			}
			for _, p := range projects {
				if err := e.queue.Recompute(ctx, p.ID); err != nil {
					e.logs.Warnf("queue", "recompute %s: %v", p.ID, err)
				}
			}
		}
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			log.Printf("[Main] telemetry init: %v", err)
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("[Main] telemetry shutdown: %v", err)
				}
			}()
		}
	}

	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.stop()

	if err := eng.start(ctx, cfg); err != nil {
		return err
	}

	if cfg.Nats.Enabled {
		mirror, err := messagebus.Connect(cfg.Nats)
		if err != nil {
			log.Printf("[Main] NATS mirror unavailable: %v", err)
		} else {
			mirror.Attach(eng.bus)
			defer mirror.Close()
		}
	}

	if cfg.HotReload.Enabled {
		startWatchers(ctx, eng, cfg)
	}

	srv := api.NewServer(eng.store, eng.bus, eng.output, cfg).
		WithUndo(undo.NewManager(eng.store, eng.bus)).
		WithReasoning(eng.bank).
		WithCanceller(eng.exec).
		WithCache(buildCache(ctx, cfg))

	log.Printf("[Main] ringmaster v%s listening on %s:%d", version, cfg.Server.Host, cfg.Server.Port)
	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func runScheduler(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.stop()

	if err := eng.start(ctx, cfg); err != nil {
		return err
	}
	log.Printf("[Main] scheduler running, poll interval %s", cfg.Scheduler.PollInterval)

	<-ctx.Done()
	return nil
}

// buildCache returns the configured cache backend, degrading to memory when
// Redis is unreachable.
func buildCache(ctx context.Context, cfg *config.Config) cache.Backend {
	cc := &cache.Config{
		Enabled:    cfg.Cache.Enabled,
		DefaultTTL: cfg.Cache.TTL,
		MaxSize:    cfg.Cache.MaxSize,
	}
	if cfg.Cache.Backend == "redis" && cfg.Cache.RedisURL != "" {
		r, err := cache.NewRedis(ctx, cfg.Cache.RedisURL, cc)
		if err == nil {
			return r
		}
		log.Printf("[Main] redis cache unavailable, using memory: %v", err)
	}
	return cache.NewMemory(cc)
}

// startWatchers attaches a hot-reload watcher to every project with a
// repository path.
func startWatchers(ctx context.Context, eng *engine, cfg *config.Config) {
	projects, err := eng.store.ListProjects(ctx)
	if err != nil {
		log.Printf("[Main] hot-reload: list projects: %v", err)
		return
	}
	for _, p := range projects {
		if p.RepoPath == "" {
			continue
		}
		w := hotreload.New(eng.store, eng.bus, cfg.HotReload)
		go func(projectID, dir string) {
			if err := w.Watch(ctx, projectID, dir); err != nil {
				log.Printf("[Main] hot-reload watcher for %s: %v", projectID, err)
			}
		}(p.ID, p.RepoPath)
	}
}
