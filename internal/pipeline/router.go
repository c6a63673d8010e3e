package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"blindsolve/internal/fsutil"
	"blindsolve/internal/logging"
	"blindsolve/internal/solve"
	"blindsolve/internal/storage"
)

// Solver runs one solve attempt. *solve.Orchestrator implements it.
type Solver interface {
	AttemptSolve(ctx context.Context, imagePath string, settings solve.Settings) solve.Outcome
}

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log      *slog.Logger
	store    *storage.Store
	solver   Solver
	defaults solve.Settings
	listFn   func(root string) ([]string, error)
	newID    func() string
}

// NewProcessor returns the Processor that runs solve and batch jobs through solver.
// defaults supply the API key and local executable when a job leaves them empty.
func NewProcessor(logger *slog.Logger, store *storage.Store, solver Solver, defaults solve.Settings) Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &router{
		log:      logger,
		store:    store,
		solver:   solver,
		defaults: defaults,
		listFn:   fsutil.ListImages,
		newID:    uuid.NewString,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobSolve, "":
		return r.handleSolve(ctx, job)
	case JobBatch:
		return r.handleBatch(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) settingsFor(job Job) solve.Settings {
	s := job.Settings
	if s.APIKey == "" {
		s.APIKey = r.defaults.APIKey
	}
	if s.LocalExecutable == "" {
		s.LocalExecutable = r.defaults.LocalExecutable
	}
	return s
}

func (r *router) attempt(ctx context.Context, id, imagePath string, settings solve.Settings) solve.Outcome {
	logging.LogAttemptStart(r.log, id, imagePath, settings.HasLocal(), settings.HasRemote())
	out := r.solver.AttemptSolve(solve.WithAttemptID(ctx, id), imagePath, settings)
	if out.OK() {
		logging.LogAttemptComplete(r.log, id, string(out.Source), out.Duration(), outcomeMeta(out))
	} else {
		logging.LogAttemptError(r.log, id, string(out.Kind), out.Duration(), outcomeError(out))
	}
	return out
}

func (r *router) handleSolve(ctx context.Context, job Job) Result {
	out := r.attempt(ctx, job.ID, job.InputPath, r.settingsFor(job))
	return Result{Job: job, Outcomes: []solve.Outcome{out}, Error: outcomeError(out), Meta: outcomeMeta(out)}
}

func (r *router) handleBatch(ctx context.Context, job Job) Result {
	images, err := r.listFn(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("list images: %w", err)}
	}
	if len(images) == 0 {
		return Result{Job: job, Error: fmt.Errorf("no solvable images in %s", job.InputPath), Meta: map[string]any{"images": 0}}
	}

	settings := r.settingsFor(job)
	var outcomes []solve.Outcome
	solved := 0
	for _, img := range images {
		if ctx.Err() != nil {
			break
		}
		id := r.newID()
		if err := r.store.RecordAttemptQueued(storage.AttemptRecord{ID: id, ImagePath: img, Origin: job.Origin}); err != nil {
			r.log.Warn("could not record queued attempt", "id", id, "error", err)
		}
		out := r.attempt(ctx, id, img, settings)
		if out.OK() {
			solved++
		}
		outcomes = append(outcomes, out)
	}

	meta := map[string]any{
		"images": len(images),
		"solved": solved,
		"failed": len(outcomes) - solved,
	}
	var batchErr error
	switch {
	case ctx.Err() != nil:
		batchErr = ctx.Err()
	case solved < len(outcomes):
		batchErr = fmt.Errorf("%d of %d images failed to solve", len(outcomes)-solved, len(outcomes))
	}
	return Result{Job: job, Outcomes: outcomes, Error: batchErr, Meta: meta}
}

// outcomeError turns a failed outcome into an error carrying the short message and the cause.
func outcomeError(out solve.Outcome) error {
	if out.OK() {
		return nil
	}
	if out.Err == nil {
		return errors.New(out.Message())
	}
	return fmt.Errorf("%s: %w", out.Message(), out.Err)
}

func outcomeMeta(out solve.Outcome) map[string]any {
	meta := map[string]any{
		"kind":    string(out.Kind),
		"message": out.Message(),
	}
	if out.Source != solve.SourceNone {
		meta["source"] = string(out.Source)
	}
	if out.Stage != "" {
		meta["stage"] = string(out.Stage)
	}
	if out.LocalKind != "" {
		meta["local_kind"] = string(out.LocalKind)
	}
	if res := out.Result; res != nil {
		meta["ra"] = res.RA
		meta["dec"] = res.Dec
		meta["pixel_scale"] = res.PixelScale
		meta["orientation"] = res.Orientation
		meta["parity"] = string(res.Parity)
	}
	return meta
}
