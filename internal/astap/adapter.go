package astap

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"blindsolve/internal/fits"
)

var (
	// ErrTimeout covers both a solver process that overran and artifacts that never appeared.
	ErrTimeout = errors.New("astap timed out")
	// ErrSolverReportedFailure means the .ini artifact carried PLTSOLVD=F.
	ErrSolverReportedFailure = errors.New("astap reported no solution")
	// ErrParse means an artifact existed but could not be read.
	ErrParse = errors.New("astap output unreadable")
)

// Solver arguments: search radius 179 degrees, automatic field of view, automatic downsample, write .wcs.
var solveArgs = []string{"-r", "179", "-fov", "0", "-z", "0", "-wcs"}

// Options configures process and artifact limits.
type Options struct {
	Platform       string
	ProcessTimeout time.Duration
	ArtifactWait   time.Duration
	ArtifactPoll   time.Duration
}

// DefaultOptions waits up to three minutes for the process and three more for its output.
func DefaultOptions(platform string) Options {
	return Options{
		Platform:       platform,
		ProcessTimeout: 3 * time.Minute,
		ArtifactWait:   3 * time.Minute,
		ArtifactPoll:   5 * time.Second,
	}
}

// Adapter runs the ASTAP command line solver against one image at a time.
type Adapter struct {
	opts Options
	log  *slog.Logger
}

// New creates an adapter; zero option fields take their defaults.
func New(opts Options, log *slog.Logger) *Adapter {
	d := DefaultOptions(opts.Platform)
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = d.ProcessTimeout
	}
	if opts.ArtifactWait <= 0 {
		opts.ArtifactWait = d.ArtifactWait
	}
	if opts.ArtifactPoll <= 0 {
		opts.ArtifactPoll = d.ArtifactPoll
	}
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{opts: opts, log: log}
}

// Artifacts names the files the solver writes next to an image.
type Artifacts struct {
	WCS string
	INI string
}

// ArtifactsFor returns the sibling .wcs and .ini paths for imagePath.
func ArtifactsFor(imagePath string) Artifacts {
	stem := strings.TrimSuffix(imagePath, filepath.Ext(imagePath))
	return Artifacts{WCS: stem + ".wcs", INI: stem + ".ini"}
}

// Solve runs the solver found at executable on imagePath and returns the parsed .wcs header.
// The image should live in a directory owned by the caller; artifacts are written beside it.
func (a *Adapter) Solve(ctx context.Context, executable, imagePath string) (*fits.Header, error) {
	exe, err := ResolveExecutable(executable, a.opts.Platform)
	if err != nil {
		return nil, err
	}
	art := ArtifactsFor(imagePath)
	for _, stale := range []string{art.WCS, art.INI} {
		if err := os.Remove(stale); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale artifact: %w", err)
		}
	}

	if err := a.run(ctx, exe, imagePath); err != nil {
		return nil, err
	}
	return a.awaitArtifacts(ctx, art)
}

func (a *Adapter) run(ctx context.Context, exe, imagePath string) error {
	runCtx, cancel := context.WithTimeout(ctx, a.opts.ProcessTimeout)
	defer cancel()

	args := append([]string{"-f", imagePath}, solveArgs...)
	cmd := exec.CommandContext(runCtx, exe, args...)
	cmd.Dir = filepath.Dir(exe)
	cmd.WaitDelay = 5 * time.Second
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	a.log.Info("running astap", "exe", exe, "image", filepath.Base(imagePath))
	start := time.Now()
	err := cmd.Run()
	a.logOutput(output.Bytes())

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: process killed after %s", ErrTimeout, a.opts.ProcessTimeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return fmt.Errorf("start astap: %w", err)
		}
		// A non-zero exit still leaves the .ini verdict behind.
		a.log.Warn("astap exited with error", "code", exitErr.ExitCode(), "duration", time.Since(start).Round(time.Millisecond))
	}
	return nil
}

func (a *Adapter) logOutput(out []byte) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			a.log.Debug("astap", "output", line)
		}
	}
}

// awaitArtifacts waits for a .wcs result or a .ini verdict, whichever settles the attempt first.
// Directory events wake the check early; the ticker covers filesystems without notifications.
func (a *Adapter) awaitArtifacts(ctx context.Context, art Artifacts) (*fits.Header, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		a.log.Warn("fsnotify unavailable, polling for artifacts", "error", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(art.WCS)); err != nil {
			a.log.Warn("cannot watch artifact directory", "error", err)
		}
	}

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if watcher != nil {
		events, watchErrs = watcher.Events, watcher.Errors
	}

	ticker := time.NewTicker(a.opts.ArtifactPoll)
	defer ticker.Stop()
	deadline := time.NewTimer(a.opts.ArtifactWait)
	defer deadline.Stop()

	for {
		hdr, done, err := a.checkArtifacts(art)
		if done {
			return hdr, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: no .wcs or .ini after %s", ErrTimeout, a.opts.ArtifactWait)
		case <-ticker.C:
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case werr, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			a.log.Warn("artifact watcher error", "error", werr)
		}
	}
}

// checkArtifacts inspects the artifacts once. done=false means keep waiting.
func (a *Adapter) checkArtifacts(art Artifacts) (*fits.Header, bool, error) {
	if data, err := os.ReadFile(art.WCS); err == nil && len(data) > 0 {
		hdr, err := fits.ParseHeader(data)
		if err != nil {
			return nil, true, fmt.Errorf("%w: %w", ErrParse, err)
		}
		a.log.Info("astap wcs found", "file", filepath.Base(art.WCS), "cards", hdr.Len())
		return hdr, true, nil
	}

	data, err := os.ReadFile(art.INI)
	if err != nil {
		return nil, false, nil
	}
	if err := os.Remove(art.INI); err != nil {
		a.log.Warn("could not delete ini artifact", "file", art.INI, "error", err)
	}

	solved, found := ParseSolvedFlag(data)
	switch {
	case !found:
		return nil, true, fmt.Errorf("%w: PLTSOLVD missing from %s", ErrParse, filepath.Base(art.INI))
	case !solved:
		return nil, true, ErrSolverReportedFailure
	default:
		// Solved; the .wcs may still be on its way.
		a.log.Debug("astap ini reports solved, waiting for wcs")
		return nil, false, nil
	}
}

// ParseSolvedFlag reads the PLTSOLVD entry of an .ini artifact.
func ParseSolvedFlag(data []byte) (solved bool, found bool) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "PLTSOLVD") {
			continue
		}
		v := strings.ToUpper(strings.Trim(strings.TrimSpace(value), "'\""))
		if v == "" {
			return false, false
		}
		switch v[0] {
		case 'T', 'Y', '1':
			return true, true
		case 'F', 'N', '0':
			return false, true
		}
		return false, false
	}
	return false, false
}
