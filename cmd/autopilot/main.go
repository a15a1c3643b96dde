// Command autopilot runs the autonomous maintenance pipeline against a
// project directory: it plans objectives, dispatches phase agents, and loops
// until every objective completes or an operator has to step in.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/autopilot/internal/agent"
	"github.com/aristath/autopilot/internal/bus"
	"github.com/aristath/autopilot/internal/checkpoint"
	"github.com/aristath/autopilot/internal/config"
	"github.com/aristath/autopilot/internal/coordinator"
	"github.com/aristath/autopilot/internal/executor"
	"github.com/aristath/autopilot/internal/logging"
	"github.com/aristath/autopilot/internal/loopdetect"
	"github.com/aristath/autopilot/internal/persistence"
	"github.com/aristath/autopilot/internal/phase"
	"github.com/aristath/autopilot/internal/state"
	"github.com/aristath/autopilot/internal/tool"
)

const (
	exitFailure      = 1
	exitIntervention = 2
)

type flags struct {
	agentKind     string
	model         string
	maxIterations int
	initialPhase  string
	logLevel      string
}

func main() {
	var f flags

	root := &cobra.Command{
		Use:   "autopilot [project-dir]",
		Short: "Autonomous multi-phase code maintenance pipeline",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir := "."
			if len(args) == 1 {
				projectDir = args[0]
			}
			return run(cmd.Context(), projectDir, f)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Flags().StringVar(&f.agentKind, "agent", "", "agent backend: claude, codex, or goose")
	root.Flags().StringVar(&f.model, "model", "", "model override passed to the agent CLI")
	root.Flags().IntVar(&f.maxIterations, "max-iterations", -1, "stop after this many ticks (0 = unbounded)")
	root.Flags().StringVar(&f.initialPhase, "phase", "", "start from this phase instead of the graph entry")
	root.Flags().StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "autopilot: %v\n", err)
		if errors.Is(err, coordinator.ErrInterventionRequired) {
			os.Exit(exitIntervention)
		}
		os.Exit(exitFailure)
	}
}

func run(ctx context.Context, projectDir string, f flags) error {
	projectDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolving project dir: %w", err)
	}

	cfg, err := config.LoadDefault(projectDir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlags(cfg, f)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting pipeline",
		zap.String("project_dir", projectDir),
		zap.String("agent", cfg.Agent.Kind))

	graph, err := cfg.BuildGraph()
	if err != nil {
		return err
	}
	registry := tool.DefaultRegistry()
	tracker, err := checkpoint.NewTracker(cfg.Checkpoints, registry, logger)
	if err != nil {
		return fmt.Errorf("building checkpoint tracker: %w", err)
	}

	store := state.NewStore(filepath.Join(projectDir, cfg.Pipeline.StateFile), logger)
	msgBus := bus.NewBus(logger)
	detector := loopdetect.New(cfg.Loop, registry, logger)
	navigator := phase.NewNavigator(graph, logger)

	var archive persistence.Archive
	if cfg.Pipeline.ArchiveFile != "" {
		sqlArchive, err := persistence.NewSQLiteArchive(ctx, filepath.Join(projectDir, cfg.Pipeline.ArchiveFile))
		if err != nil {
			return fmt.Errorf("opening archive: %w", err)
		}
		defer sqlArchive.Close()
		archive = sqlArchive
	}

	pm := agent.NewProcessManager()
	agentCfg := cfg.Agent
	agentCfg.WorkDir = projectDir
	runner := executor.NewAgentRunner(agentCfg, pm, logger)
	defer runner.Close()
	dispatcher := executor.NewDispatcher(runner, cfg.Retry, cfg.Pipeline.DispatchTimeout, logger)

	if f.initialPhase != "" && !graph.Known(f.initialPhase) {
		return fmt.Errorf("unknown phase %q", f.initialPhase)
	}

	coord := coordinator.New(coordinator.Options{
		Store:              store,
		Bus:                msgBus,
		Tracker:            tracker,
		Detector:           detector,
		Navigator:          navigator,
		Dispatcher:         dispatcher,
		Registry:           registry,
		Archive:            archive,
		Logger:             logger,
		MaxIterations:      cfg.Pipeline.MaxIterations,
		DefaultMaxAttempts: cfg.Pipeline.DefaultMaxAttempts,
		InitialPhase:       f.initialPhase,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer pm.KillAll()
		return coord.Run(gctx)
	})
	g.Go(func() error {
		// Reap agent subprocess groups as soon as shutdown starts; the
		// coordinator's own context handling takes care of the rest.
		<-gctx.Done()
		if err := pm.KillAll(); err != nil {
			logger.Warn("killing agent subprocesses", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	summary := coord.Summary()
	logger.Info("run finished",
		zap.Int("iterations", summary.Iterations),
		zap.Int("tasks_completed", summary.TasksCompleted),
		zap.Int("tasks_failed", summary.TasksFailed))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func applyFlags(cfg *config.Config, f flags) {
	if f.agentKind != "" {
		cfg.Agent.Kind = f.agentKind
	}
	if f.model != "" {
		cfg.Agent.Model = f.model
	}
	if f.maxIterations >= 0 {
		cfg.Pipeline.MaxIterations = f.maxIterations
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
}
