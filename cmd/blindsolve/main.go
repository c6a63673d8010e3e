package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"blindsolve/internal/astap"
	"blindsolve/internal/astrometry"
	"blindsolve/internal/cli"
	"blindsolve/internal/config"
	"blindsolve/internal/imagesrc"
	"blindsolve/internal/logging"
	"blindsolve/internal/pipeline"
	"blindsolve/internal/sink"
	"blindsolve/internal/solve"
	"blindsolve/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	logger, logCloser, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup logging: %v\n", err)
		return 1
	}
	defer logCloser.Close()

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Paths.DatabasePath, "error", err)
		return 1
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer imagesrc.Terminate()

	local := astap.New(astap.Options{
		Platform:       cfg.Platform,
		ProcessTimeout: cfg.Solver.LocalTimeout.D(),
		ArtifactWait:   cfg.Solver.ArtifactWait.D(),
		ArtifactPoll:   cfg.Solver.ArtifactPoll.D(),
	}, logger)

	remote := astrometry.New(astrometry.Config{
		BaseURL:            cfg.Solver.BaseURL,
		LoginTimeout:       cfg.Solver.LoginTimeout.D(),
		PollInterval:       cfg.Solver.PollInterval.D(),
		MaxPolls:           cfg.Solver.MaxPolls,
		PubliclyVisible:    cfg.Solver.PubliclyVisible,
		AllowModifications: cfg.Solver.AllowModifications,
		AllowCommercialUse: cfg.Solver.AllowCommercialUse,
	}, nil, logger)

	source := imagesrc.New(imagesrc.Options{
		ConvertToJPEG:    cfg.Image.ConvertToJPEG,
		Quality:          uint(cfg.Image.Quality),
		AutoStretch:      cfg.Image.AutoStretch,
		StretchThreshold: cfg.Image.StretchThreshold,
	}, logger)

	results := sink.New(sink.Options{
		WriteSidecar:  cfg.Sink.WriteSidecar,
		RefineCommand: cfg.Sink.RefineCommand,
		RefineTimeout: cfg.Sink.RefineTimeout.D(),
	}, store, imagesrc.Dimensions, logger)

	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, logger, store)
	defer pipe.Stop()

	orch := solve.NewOrchestrator(local, remote,
		solve.WithImageSource(source),
		solve.WithSink(results),
		solve.WithWorkRoot(cfg.Paths.WorkDir),
		solve.WithObserver(pipe.Observe),
		solve.WithLogger(logger),
	)
	pipe.Start(pipeline.NewProcessor(logger, store, orch, cli.DefaultSettings(cfg)))

	rootCmd := cli.NewRootCmd(cfg, logger, store, pipe)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}
