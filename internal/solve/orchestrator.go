package solve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"blindsolve/internal/astap"
	"blindsolve/internal/astrometry"
	"blindsolve/internal/fits"
)

// Orchestrator decides between the local and remote solvers for each attempt.
// It keeps no state between attempts and may be shared by concurrent callers.
type Orchestrator struct {
	local    LocalSolver
	remote   RemoteSolver
	source   ImageSource
	sink     ResultSink
	workRoot string
	observer Observer
	log      *slog.Logger
	now      func() time.Time
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithImageSource replaces the default copy-into-workdir source.
func WithImageSource(src ImageSource) Option { return func(o *Orchestrator) { o.source = src } }

// WithSink delivers every outcome to sink once the attempt finishes.
func WithSink(sink ResultSink) Option { return func(o *Orchestrator) { o.sink = sink } }

// WithWorkRoot sets the parent of per-attempt working directories. Defaults to os.TempDir().
func WithWorkRoot(dir string) Option { return func(o *Orchestrator) { o.workRoot = dir } }

// WithObserver reports every state transition to fn.
func WithObserver(fn Observer) Option { return func(o *Orchestrator) { o.observer = fn } }

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option { return func(o *Orchestrator) { o.log = log } }

// NewOrchestrator wires a local and remote solver. Either may be nil, which disables that path.
func NewOrchestrator(local LocalSolver, remote RemoteSolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		local:  local,
		remote: remote,
		source: CopySource{},
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// attempt carries the mutable state of one AttemptSolve call.
type attempt struct {
	o     *Orchestrator
	id    string
	state State
	out   Outcome
}

func (a *attempt) moveTo(to State, detail string) {
	from := a.state
	a.state = to
	a.o.log.Debug("solve transition", "attempt", a.id, "from", from, "to", to, "detail", detail)
	if a.o.observer != nil {
		a.o.observer(Transition{AttemptID: a.id, From: from, To: to, At: a.o.now(), Detail: detail})
	}
}

// finish moves to Done and stamps the outcome.
func (a *attempt) finish(kind Kind, err error) Outcome {
	a.out.Kind = kind
	a.out.Err = err
	a.out.Finished = a.o.now()
	a.moveTo(StateDone, string(kind))
	return a.out
}

// AttemptSolve runs one solve attempt for imagePath. The local solver is tried first when
// configured; any local failure falls through to the remote service, whose stage failures
// are terminal. Cancellation of ctx at any wait yields KindCanceled.
func (o *Orchestrator) AttemptSolve(ctx context.Context, imagePath string, settings Settings) Outcome {
	id, ok := AttemptIDFrom(ctx)
	if !ok {
		id = uuid.NewString()
	}
	a := &attempt{o: o, id: id, state: StateIdle}
	a.out = Outcome{AttemptID: id, Started: o.now()}

	out := o.run(ctx, a, imagePath, settings)
	if o.sink != nil {
		// Canceled attempts are still recorded.
		if err := o.sink.Deliver(context.WithoutCancel(ctx), imagePath, out); err != nil {
			o.log.Warn("result sink failed", "attempt", id, "error", err)
		}
	}
	return out
}

func (o *Orchestrator) run(ctx context.Context, a *attempt, imagePath string, settings Settings) Outcome {
	useLocal := settings.HasLocal() && o.local != nil
	if !useLocal && !settings.HasRemote() {
		return a.finish(KindMissingCredentials, errors.New("no local solver configured and no API key"))
	}

	if o.workRoot != "" {
		if err := os.MkdirAll(o.workRoot, 0o755); err != nil {
			return a.finish(KindInvalidImage, fmt.Errorf("create work root: %w", err))
		}
	}
	workDir, err := os.MkdirTemp(o.workRoot, "attempt-*")
	if err != nil {
		return a.finish(KindInvalidImage, fmt.Errorf("create work dir: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			o.log.Warn("could not remove work dir", "dir", workDir, "error", err)
		}
	}()

	solvable, err := o.source.Prepare(ctx, imagePath, workDir)
	if err != nil {
		if ctx.Err() != nil {
			return a.finish(KindCanceled, ctx.Err())
		}
		return a.finish(KindInvalidImage, err)
	}

	if useLocal {
		a.moveTo(StateTryingLocal, settings.LocalExecutable)
		res, kind, err := o.tryLocal(ctx, settings.LocalExecutable, solvable)
		if err == nil {
			a.out.Result = &res
			a.out.Source = SourceLocal
			return a.finish(KindSuccess, nil)
		}
		if ctx.Err() != nil {
			return a.finish(KindCanceled, ctx.Err())
		}
		a.out.LocalKind, a.out.LocalErr = kind, err
		o.log.Warn("local solve failed, falling back to remote", "attempt", a.id, "kind", kind, "error", err)
	}

	if !settings.HasRemote() || o.remote == nil {
		return a.finish(KindMissingCredentials, errors.New("API key is required for remote solving"))
	}
	return o.tryRemote(ctx, a, settings.APIKey, solvable)
}

func (o *Orchestrator) tryLocal(ctx context.Context, exe, imagePath string) (CalibrationResult, Kind, error) {
	hdr, err := o.local.Solve(ctx, exe, imagePath)
	if err != nil {
		return CalibrationResult{}, classifyLocal(err), err
	}
	wcs, err := hdr.Calibration()
	if err != nil {
		return CalibrationResult{}, KindLocalParseFailed, err
	}
	res, err := NormalizeLocal(wcs)
	if err != nil {
		return CalibrationResult{}, KindLocalParseFailed, err
	}
	return res, KindSuccess, nil
}

func classifyLocal(err error) Kind {
	switch {
	case errors.Is(err, astap.ErrTimeout):
		return KindLocalTimedOut
	case errors.Is(err, astap.ErrSolverReportedFailure):
		return KindLocalSolverFailed
	case errors.Is(err, astap.ErrParse), errors.Is(err, fits.ErrEmptyHeader), errors.Is(err, fits.ErrMissingRequiredField):
		return KindLocalParseFailed
	default:
		return KindLocalUnavailable
	}
}

func (o *Orchestrator) tryRemote(ctx context.Context, a *attempt, apiKey, imagePath string) Outcome {
	fail := func(stage astrometry.Stage, kind Kind, err error) Outcome {
		a.out.Stage = stage
		if ctx.Err() != nil {
			return a.finish(KindCanceled, ctx.Err())
		}
		return a.finish(kind, err)
	}

	a.moveTo(StateTryingRemoteLogin, "")
	session, err := o.remote.Login(ctx, apiKey)
	if err != nil {
		return fail(astrometry.StageLogin, KindRemoteAuthFailed, err)
	}

	a.moveTo(StateTryingRemoteUpload, filepath.Base(imagePath))
	subid, err := o.remote.Upload(ctx, session, imagePath)
	if err != nil {
		return fail(astrometry.StageUpload, KindRemoteUploadFailed, err)
	}

	a.moveTo(StatePollingSubmission, string(subid))
	job, err := o.remote.PollSubmission(ctx, subid)
	if err != nil {
		return fail(astrometry.StageSubmission, classifyPoll(err), err)
	}

	a.moveTo(StatePollingCalibration, string(job))
	raw, err := o.remote.PollCalibration(ctx, job)
	if err != nil {
		return fail(astrometry.StageCalibration, classifyPoll(err), err)
	}

	res, err := NormalizeRemote(raw)
	if err != nil {
		return fail(astrometry.StageCalibration, KindRemoteParseFailed, err)
	}
	a.out.Result = &res
	a.out.Source = SourceRemote
	return a.finish(KindSuccess, nil)
}

func classifyPoll(err error) Kind {
	if errors.Is(err, astrometry.ErrDecode) {
		return KindRemoteParseFailed
	}
	return KindRemoteTimedOut
}

// CopySource copies the input image into the attempt directory unchanged.
type CopySource struct{}

// Prepare implements ImageSource.
func (CopySource) Prepare(ctx context.Context, inputPath, workDir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	src, err := os.Open(inputPath)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer src.Close()

	dst := filepath.Join(workDir, filepath.Base(inputPath))
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("copy image: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return "", fmt.Errorf("copy image: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("copy image: %w", err)
	}
	return dst, nil
}
