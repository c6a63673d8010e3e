package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"blindsolve/internal/astap"
	"blindsolve/internal/config"
	"blindsolve/internal/fsutil"
	"blindsolve/internal/grpcserver"
	"blindsolve/internal/pipeline"
	"blindsolve/internal/server"
	"blindsolve/internal/solve"
	"blindsolve/internal/storage"
	"blindsolve/internal/watcher"
)

// Version is overridden at build time with -ldflags "-X blindsolve/internal/cli.Version=...".
var Version = "0.1.0-dev"

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Event, func())
}

type serveOptions struct {
	HTTPAddr     string
	GRPCAddr     string
	WatchDirs    []string
	ScanExisting bool
	Settle       time.Duration
}

type serverFunc func(ctx context.Context, r *Root, opts serveOptions) error

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
	newID    func() string
}

// NewRoot constructs the CLI root.
func NewRoot(pl pipelineClient, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
		newID:    uuid.NewString,
	}
}

// DefaultSettings are the credentials used when a job does not carry its own.
// An unset ASTAP path falls back to the first default install location that exists.
func DefaultSettings(cfg *config.Config) solve.Settings {
	s := solve.Settings{
		APIKey:          cfg.Solver.AstrometryAPIKey,
		LocalExecutable: cfg.Solver.ASTAPPath,
	}
	if s.LocalExecutable == "" {
		s.LocalExecutable = astap.Detect(cfg.Platform)
	}
	return s
}

func defaultServe(ctx context.Context, r *Root, opts serveOptions) error {
	g, ctx := errgroup.WithContext(ctx)

	srv := server.NewServer(opts.HTTPAddr, r.store, r.pipeline, filepath.Join(r.cfg.Paths.WorkDir, "uploads"), r.log)
	g.Go(func() error { return srv.Start(ctx) })

	if opts.GRPCAddr != "" {
		settings := DefaultSettings(r.cfg)
		probes := map[string]grpcserver.Probe{
			grpcserver.ServiceLocal:  grpcserver.LocalProbe(settings.LocalExecutable, r.cfg.Platform),
			grpcserver.ServiceRemote: grpcserver.RemoteProbe(r.cfg.Solver.BaseURL, settings.APIKey, nil),
		}
		hs := grpcserver.New(opts.GRPCAddr, probes, 30*time.Second, r.log)
		g.Go(func() error { return hs.Start(ctx) })
	}

	if len(opts.WatchDirs) > 0 {
		w := watcher.New(opts.WatchDirs, r.pipeline, opts.Settle, r.log)
		if opts.ScanExisting {
			n, err := w.ScanExisting()
			if err != nil {
				return err
			}
			r.log.Info("queued existing images", "count", n)
		}
		g.Go(func() error { return w.Run(ctx) })
	}

	return g.Wait()
}

// enqueueAndWait submits job and blocks until its result is published.
// The returned error is the job's own error when it ran.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	events, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return pipeline.Result{}, errors.New("pipeline stopped before completion")
			}
			if ev.Type != pipeline.EventResult || ev.Result == nil || ev.Result.Job.ID != job.ID {
				continue
			}
			return *ev.Result, ev.Result.Error
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Debug("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

// runJob is shared by solve and batch: it waits for the result and prints it.
func (r *Root) runJob(ctx context.Context, job pipeline.Job, asJSON bool) error {
	res, err := r.enqueueAndWait(ctx, job)
	if res.Job.ID == "" {
		return err
	}
	if asJSON {
		if perr := printJSON(server.ResultView(res)); perr != nil {
			return perr
		}
		return err
	}
	printResult(res)
	return err
}

func printResult(res pipeline.Result) {
	for _, out := range res.Outcomes {
		printOutcome(out)
	}
	if res.Job.Type == pipeline.JobBatch {
		fmt.Printf("\nSolved %v of %v images\n", res.Meta["solved"], res.Meta["images"])
	}
}

func printOutcome(out solve.Outcome) {
	fmt.Printf("Attempt %s: %s\n", out.AttemptID, out.Message())
	if out.OK() {
		c := out.Result
		fmt.Printf("  RA:          %.6f°\n", c.RA)
		fmt.Printf("  Dec:         %.6f°\n", c.Dec)
		fmt.Printf("  Pixel scale: %.4f arcsec/px\n", c.PixelScale)
		fmt.Printf("  Orientation: %.2f°\n", c.Orientation)
		fmt.Printf("  Parity:      %s\n", c.Parity)
	} else {
		if out.LocalKind != "" {
			fmt.Printf("  Local:       %s\n", out.LocalKind)
		}
		if out.Err != nil {
			fmt.Printf("  Error:       %v\n", out.Err)
		}
	}
	fmt.Printf("  Duration:    %s\n", out.Duration().Round(time.Millisecond))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// requireImage checks that path names a readable, supported image file.
func requireImage(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("image not readable: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if !fsutil.IsImageFile(path) {
		return fmt.Errorf("unsupported image type: %s", filepath.Base(path))
	}
	return nil
}

func requireDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("directory not readable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}
