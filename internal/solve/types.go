package solve

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"blindsolve/internal/astrometry"
	"blindsolve/internal/fits"
)

// Parity is the handedness of the image relative to the sky.
type Parity string

const (
	ParityNormal  Parity = "normal"
	ParityFlipped Parity = "flipped"
)

// CalibrationResult is the canonical plate solution. All fields are finite once returned.
type CalibrationResult struct {
	RA          float64 `json:"ra"`          // degrees
	Dec         float64 `json:"dec"`         // degrees
	PixelScale  float64 `json:"pixel_scale"` // arcsec/pixel
	Orientation float64 `json:"orientation"` // degrees
	Parity      Parity  `json:"parity"`
}

// ErrInvalidResult is returned by Validate for non-finite or out of range values.
var ErrInvalidResult = errors.New("invalid calibration result")

// Validate checks that every field is usable.
func (r CalibrationResult) Validate() error {
	for name, v := range map[string]float64{
		"ra": r.RA, "dec": r.Dec, "pixel_scale": r.PixelScale, "orientation": r.Orientation,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidResult, name)
		}
	}
	if r.PixelScale < 0 {
		return fmt.Errorf("%w: negative pixel scale", ErrInvalidResult)
	}
	if r.Parity != ParityNormal && r.Parity != ParityFlipped {
		return fmt.Errorf("%w: parity %q", ErrInvalidResult, r.Parity)
	}
	return nil
}

// Kind classifies how an attempt ended.
type Kind string

const (
	KindSuccess            Kind = "success"
	KindLocalUnavailable   Kind = "local_unavailable"
	KindLocalTimedOut      Kind = "local_timed_out"
	KindLocalSolverFailed  Kind = "local_solver_failed"
	KindLocalParseFailed   Kind = "local_parse_failed"
	KindRemoteAuthFailed   Kind = "remote_auth_failed"
	KindRemoteUploadFailed Kind = "remote_upload_failed"
	KindRemoteTimedOut     Kind = "remote_timed_out"
	KindRemoteParseFailed  Kind = "remote_parse_failed"
	KindMissingCredentials Kind = "missing_credentials"
	KindInvalidImage       Kind = "invalid_image"
	KindCanceled           Kind = "canceled"
)

// Source names the backend that produced a result.
type Source string

const (
	SourceNone   Source = ""
	SourceLocal  Source = "astap"
	SourceRemote Source = "astrometry.net"
)

// Outcome is the result of one AttemptSolve call.
type Outcome struct {
	AttemptID string
	Kind      Kind
	Result    *CalibrationResult
	Source    Source
	// Stage is set for remote failures.
	Stage astrometry.Stage
	Err   error
	// LocalKind and LocalErr record why the local solver was passed over, if it ran.
	LocalKind Kind
	LocalErr  error
	Started   time.Time
	Finished  time.Time
}

// OK reports whether the attempt produced a calibration.
func (o Outcome) OK() bool { return o.Kind == KindSuccess && o.Result != nil }

// Duration is the wall time of the attempt.
func (o Outcome) Duration() time.Duration { return o.Finished.Sub(o.Started) }

// Message is the short user facing text for the outcome.
func (o Outcome) Message() string {
	switch o.Kind {
	case KindSuccess:
		if o.Source == SourceLocal {
			return "Plate solve completed using ASTAP"
		}
		return "Plate solve completed using astrometry.net"
	case KindLocalUnavailable:
		return "Local solver unavailable"
	case KindLocalTimedOut:
		return "Local solver timed out"
	case KindLocalSolverFailed:
		return "Local solver found no solution"
	case KindLocalParseFailed:
		return "Failed to parse local solver output"
	case KindRemoteAuthFailed:
		return "Error obtaining session key"
	case KindRemoteUploadFailed:
		return "Error uploading image"
	case KindRemoteTimedOut:
		if o.Stage == astrometry.StageCalibration {
			return "Timeout waiting for calibration data"
		}
		return "Timeout waiting for submission status"
	case KindRemoteParseFailed:
		return "Error retrieving calibration data"
	case KindMissingCredentials:
		return "API key is required"
	case KindInvalidImage:
		return "Could not prepare image for solving"
	case KindCanceled:
		return "Solve canceled"
	default:
		return string(o.Kind)
	}
}

// Settings are the per-attempt credentials and tool locations.
type Settings struct {
	APIKey          string
	LocalExecutable string
}

// HasLocal reports whether a local solver is configured.
func (s Settings) HasLocal() bool { return s.LocalExecutable != "" }

// HasRemote reports whether remote credentials are present.
func (s Settings) HasRemote() bool { return s.APIKey != "" }

// State is a step of the attempt state machine.
type State string

const (
	StateIdle               State = "idle"
	StateTryingLocal        State = "trying_local"
	StateTryingRemoteLogin  State = "trying_remote_login"
	StateTryingRemoteUpload State = "trying_remote_upload"
	StatePollingSubmission  State = "polling_submission"
	StatePollingCalibration State = "polling_calibration"
	StateDone               State = "done"
)

// Transition is one state change of an attempt.
type Transition struct {
	AttemptID string    `json:"attempt_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	At        time.Time `json:"at"`
	Detail    string    `json:"detail,omitempty"`
}

// Observer receives transitions synchronously; it must not block for long.
type Observer func(Transition)

// LocalSolver runs a local plate solver on an image.
type LocalSolver interface {
	Solve(ctx context.Context, executable, imagePath string) (*fits.Header, error)
}

// RemoteSolver is the four-stage remote protocol.
type RemoteSolver interface {
	Login(ctx context.Context, apiKey string) (astrometry.Session, error)
	Upload(ctx context.Context, session astrometry.Session, imagePath string) (astrometry.SubmissionID, error)
	PollSubmission(ctx context.Context, subid astrometry.SubmissionID) (astrometry.JobID, error)
	PollCalibration(ctx context.Context, job astrometry.JobID) (astrometry.RawCalibration, error)
}

// ImageSource yields a solvable image inside workDir for the given input.
type ImageSource interface {
	Prepare(ctx context.Context, inputPath, workDir string) (string, error)
}

// ResultSink receives every finished attempt.
type ResultSink interface {
	Deliver(ctx context.Context, imagePath string, outcome Outcome) error
}

type attemptKey struct{}

// WithAttemptID makes AttemptSolve use id instead of generating one.
func WithAttemptID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, attemptKey{}, id)
}

// AttemptIDFrom returns the id stored by WithAttemptID.
func AttemptIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(attemptKey{}).(string)
	return id, ok && id != ""
}
