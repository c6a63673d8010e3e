// Package sink handles finished solve attempts: it persists the outcome, writes a WCS
// sidecar next to the image and runs an optional refinement command.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"blindsolve/internal/fits"
	"blindsolve/internal/solve"
	"blindsolve/internal/storage"
)

// SidecarSuffix replaces the image extension on the written WCS file.
const SidecarSuffix = ".solution.wcs"

// Recorder persists finished attempts. *storage.Store implements it.
type Recorder interface {
	RecordAttemptResult(id string, res storage.AttemptResult) error
}

// DimensionsFunc reports an image's pixel size.
type DimensionsFunc func(path string) (width, height uint, err error)

// Options configures a Sink.
type Options struct {
	WriteSidecar  bool
	RefineCommand []string
	RefineTimeout time.Duration
}

// Sink implements solve.ResultSink.
type Sink struct {
	opts  Options
	store Recorder
	dims  DimensionsFunc
	log   *slog.Logger
	now   func() time.Time
}

// New builds a Sink. store and dims may be nil; without dims no sidecar is written.
func New(opts Options, store Recorder, dims DimensionsFunc, logger *slog.Logger) *Sink {
	if opts.RefineTimeout <= 0 {
		opts.RefineTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{opts: opts, store: store, dims: dims, log: logger, now: time.Now}
}

// Deliver implements solve.ResultSink.
func (s *Sink) Deliver(ctx context.Context, imagePath string, out solve.Outcome) error {
	var errs []error
	if s.store != nil {
		if err := s.store.RecordAttemptResult(out.AttemptID, attemptResult(out)); err != nil {
			errs = append(errs, fmt.Errorf("record result: %w", err))
		}
	}
	if !out.OK() {
		s.log.Warn(out.Message(), "attempt", out.AttemptID, "image", filepath.Base(imagePath), "kind", out.Kind)
		return errors.Join(errs...)
	}

	res := *out.Result
	s.log.Info(out.Message(), "attempt", out.AttemptID,
		"ra", res.RA, "dec", res.Dec, "pixel_scale", res.PixelScale, "orientation", res.Orientation, "parity", res.Parity)

	var sidecar string
	if s.opts.WriteSidecar && s.dims != nil {
		path, err := s.writeSidecar(imagePath, out)
		if err != nil {
			errs = append(errs, err)
		} else {
			sidecar = path
		}
	}
	if len(s.opts.RefineCommand) > 0 {
		if err := s.refine(ctx, imagePath, sidecar, out); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func attemptResult(out solve.Outcome) storage.AttemptResult {
	ar := storage.AttemptResult{
		Kind:      string(out.Kind),
		Source:    string(out.Source),
		Stage:     string(out.Stage),
		Message:   out.Message(),
		LocalKind: string(out.LocalKind),
	}
	if out.Err != nil {
		ar.Error = out.Err.Error()
	}
	if r := out.Result; r != nil {
		ar.Solution = &storage.Solution{RA: r.RA, Dec: r.Dec, PixelScale: r.PixelScale, Orientation: r.Orientation, Parity: string(r.Parity)}
	}
	return ar
}

// SidecarPath returns where the WCS file for imagePath is written.
func SidecarPath(imagePath string) string {
	return strings.TrimSuffix(imagePath, filepath.Ext(imagePath)) + SidecarSuffix
}

func (s *Sink) writeSidecar(imagePath string, out solve.Outcome) (string, error) {
	w, h, err := s.dims(imagePath)
	if err != nil {
		return "", fmt.Errorf("image dimensions: %w", err)
	}
	cards := WCSCards(*out.Result, w, h)
	cards = append(cards,
		fits.StringCard("SOLVER", string(out.Source), "Plate solver that produced the solution"),
		fits.StringCard("DATE", s.now().UTC().Format("2006-01-02T15:04:05"), "Solution time (UTC)"),
	)
	data, err := fits.Encode(cards)
	if err != nil {
		return "", fmt.Errorf("encode wcs: %w", err)
	}
	path := SidecarPath(imagePath)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write wcs: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write wcs: %w", err)
	}
	s.log.Debug("wrote wcs sidecar", "path", path)
	return path, nil
}

// WCSCards builds a TAN projection header for res on an image of width x height pixels.
// The reference pixel is the image centre; the CD matrix follows from orientation and scale.
func WCSCards(res solve.CalibrationResult, width, height uint) []fits.Card {
	theta := res.Orientation * math.Pi / 180
	scale := res.PixelScale / 3600
	return []fits.Card{
		fits.StringCard("CTYPE1", "RA---TAN", "Coordinate type for axis 1"),
		fits.StringCard("CTYPE2", "DEC--TAN", "Coordinate type for axis 2"),
		fits.FloatCard("CRVAL1", res.RA, "Reference value for axis 1"),
		fits.FloatCard("CRVAL2", res.Dec, "Reference value for axis 2"),
		fits.FloatCard("CRPIX1", float64(width)/2+0.5, "Reference pixel for axis 1"),
		fits.FloatCard("CRPIX2", float64(height)/2+0.5, "Reference pixel for axis 2"),
		fits.FloatCard("CD1_1", -math.Cos(theta)*scale, "Transformation matrix element 1_1"),
		fits.FloatCard("CD1_2", math.Sin(theta)*scale, "Transformation matrix element 1_2"),
		fits.FloatCard("CD2_1", -math.Sin(theta)*scale, "Transformation matrix element 2_1"),
		fits.FloatCard("CD2_2", -math.Cos(theta)*scale, "Transformation matrix element 2_2"),
		fits.StringCard("RADECSYS", "ICRS", "Coordinate reference system"),
		fits.StringCard("PARITY", string(res.Parity), "Image parity"),
	}
}

// julianDate is the Julian date of t rounded to the nearest day.
func julianDate(t time.Time) int64 {
	return int64(math.Round(float64(t.UnixMilli())/86400000 + 2440587.5))
}

func (s *Sink) refine(ctx context.Context, imagePath, sidecar string, out solve.Outcome) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RefineTimeout)
	defer cancel()

	res := out.Result
	cmd := exec.CommandContext(ctx, s.opts.RefineCommand[0], s.opts.RefineCommand[1:]...)
	cmd.Env = append(os.Environ(),
		"BLINDSOLVE_ATTEMPT="+out.AttemptID,
		"BLINDSOLVE_IMAGE="+imagePath,
		"BLINDSOLVE_WCS="+sidecar,
		"BLINDSOLVE_SOURCE="+string(out.Source),
		"BLINDSOLVE_RA="+formatFloat(res.RA),
		"BLINDSOLVE_DEC="+formatFloat(res.Dec),
		"BLINDSOLVE_PIXEL_SCALE="+formatFloat(res.PixelScale),
		"BLINDSOLVE_RESOLUTION="+formatFloat(res.PixelScale/3600),
		"BLINDSOLVE_ORIENTATION="+formatFloat(res.Orientation),
		"BLINDSOLVE_PARITY="+string(res.Parity),
		"BLINDSOLVE_REFERENCE_SYSTEM=ICRS",
		"BLINDSOLVE_JD="+strconv.FormatInt(julianDate(s.now()), 10),
	)
	cmd.WaitDelay = 5 * time.Second

	s.log.Info("running refine command", "attempt", out.AttemptID, "command", s.opts.RefineCommand[0])
	output, err := cmd.CombinedOutput()
	if len(output) > 0 {
		s.log.Debug("refine command output", "attempt", out.AttemptID, "output", strings.TrimSpace(string(output)))
	}
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("refine command timed out after %s", s.opts.RefineTimeout)
	}
	if err != nil {
		return fmt.Errorf("refine command: %w", err)
	}
	return nil
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
