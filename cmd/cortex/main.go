package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/docker/docker/client"

	"github.com/antigravity-dev/cortex/internal/config"
	"github.com/antigravity-dev/cortex/internal/dispatch"
	"github.com/antigravity-dev/cortex/internal/graph"
	"github.com/antigravity-dev/cortex/internal/health"
	"github.com/antigravity-dev/cortex/internal/learner"
	"github.com/antigravity-dev/cortex/internal/monitor"
	"github.com/antigravity-dev/cortex/internal/store"
	"github.com/antigravity-dev/cortex/internal/temporal"
)

// logErrorListener routes assignment failures into the process logger.
type logErrorListener struct {
	logger *slog.Logger
}

func (l logErrorListener) OnAssignmentError(project, brain, session, assignment string, cause error) {
	l.logger.Error("assignment failed", "project", project, "brain", brain, "session", session, "assignment", assignment, "error", cause)
}

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "cortex.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	once := flag.Bool("once", false, "run a single assignment then exit")
	temporalHostPort := flag.String("temporal", "", "Temporal frontend host:port; when set, the learner worker runs as a Temporal worker instead of an in-process loop")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("cortex learner starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	root := config.ExpandHome(cfg.Store.Root)
	fs, err := store.NewLocalFileSystem(root, cfg.Store.WatchPollInterval.Duration)
	if err != nil {
		logger.Error("failed to open filesystem root", "root", root, "error", err)
		os.Exit(1)
	}
	idx, err := store.Open(config.ExpandHome(cfg.Store.IndexPath))
	if err != nil {
		logger.Error("failed to open resource index", "path", cfg.Store.IndexPath, "error", err)
		os.Exit(1)
	}
	defer idx.Close()
	rs := store.NewResourceStore(fs, idx)

	dagPath := filepath.Join(root, "snapshots.db")
	dag, err := graph.Open(dagPath)
	if err != nil {
		logger.Error("failed to open snapshot graph", "path", dagPath, "error", err)
		os.Exit(1)
	}
	defer dag.Close()

	mon := monitor.New(root, fs, idx, cfg.Monitor.PollInterval.Duration)
	storage := learner.NewStorage(rs, dag, mon, cfg.Monitor.StaleSeconds)

	metrics, err := health.NewMetrics()
	if err != nil {
		logger.Warn("metrics unavailable, continuing without them", "error", err)
		metrics = nil
	}

	exporter := learner.NewModelExporter(storage)
	exporter.Metrics = metrics
	defer exporter.Close()
	modelMgr := learner.NewModelManager(nil)
	listeners := learner.NewErrorListeners(logErrorListener{logger: logger})

	procCfg := learner.ProcessorConfig{
		MaxAssignmentWorkTimeSecs: cfg.Learner.MaxAssignmentWorkTimeSecs,
		WaitForDataBrainSecs:      int64(cfg.Learner.WaitForDataBrainSecs),
		FetchIntervalSecs:         cfg.Learner.FetchIntervalSecs,
		ScratchRoot:               config.ExpandHome(cfg.Learner.ScratchRoot),
	}

	brainMaker := func(hp learner.HParams) learner.Brain {
		brain, err := dispatch.NewDockerBrain(cfg.Brain.Image, config.ExpandHome(cfg.Brain.ContextRoot), hp)
		if err != nil {
			logger.Error("docker brain unavailable, falling back to in-process brain", "error", err)
			return learner.NewInProcessBrain(hp)
		}
		return brain
	}

	if reaperCli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation()); err != nil {
		logger.Warn("container reaper unavailable", "error", err)
	} else {
		reaper := dispatch.NewContainerReaper(reaperCli)
		if err := reaper.Start("@every 5m"); err != nil {
			logger.Error("failed to start container reaper", "error", err)
		} else {
			defer reaper.Stop()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := mon.Run(ctx, "projects/*/brains/*/sessions/*/assignments/*"); err != nil && ctx.Err() == nil {
			logger.Error("assignment monitor stopped", "error", err)
		}
	}()

	sweeper := monitor.NewStaleSweeper(root, idx, time.Duration(cfg.Monitor.StaleSeconds)*time.Second)
	if err := sweeper.Start("@every 1m"); err != nil {
		logger.Error("failed to start stale-lease sweeper", "error", err)
		os.Exit(1)
	}
	defer sweeper.Stop()

	brainDefaults := learner.HParams{}

	if *temporalHostPort != "" {
		logger.Info("running as a Temporal worker", "host_port", *temporalHostPort)
		if err := temporal.StartWorker(*temporalHostPort, storage, exporter, modelMgr, procCfg, listeners, brainMaker); err != nil {
			logger.Error("temporal worker exited", "error", err)
			os.Exit(1)
		}
		return
	}

	driver := learner.NewDriver(storage, exporter, modelMgr, procCfg, listeners, brainMaker)
	driver.Metrics = metrics
	receiveTimeout := cfg.Learner.ReceiveTimeout.Duration
	if receiveTimeout <= 0 {
		receiveTimeout = 30 * time.Second
	}

	if *once {
		logger.Info("running a single assignment (--once mode)")
		claimed, err := driver.RunOnce(ctx, receiveTimeout, brainDefaults)
		if err != nil {
			logger.Error("assignment processing failed", "error", err)
			os.Exit(1)
		}
		logger.Info("single assignment complete", "claimed", claimed)
		return
	}

	logger.Info("cortex learner running", "store_root", root)
	for ctx.Err() == nil {
		if _, err := driver.RunOnce(ctx, receiveTimeout, brainDefaults); err != nil {
			logger.Error("assignment processing failed", "error", err)
		}
	}
	logger.Info("cortex learner stopped")
}
