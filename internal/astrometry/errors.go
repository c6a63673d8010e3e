package astrometry

import (
	"errors"
	"fmt"
)

// Stage names one step of the remote protocol.
type Stage string

const (
	StageLogin       Stage = "login"
	StageUpload      Stage = "upload"
	StageSubmission  Stage = "submission"
	StageCalibration Stage = "calibration"
)

var (
	ErrAuthFailed   = errors.New("authentication failed")
	ErrUploadFailed = errors.New("upload failed")
	ErrTimedOut     = errors.New("timed out")
	ErrDecode       = errors.New("invalid response")
)

// StageError tags a failure with the protocol stage that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("astrometry %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the stage recorded in err, if any.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

// DecodeReason classifies a response validation failure.
type DecodeReason string

const (
	MissingField DecodeReason = "missing field"
	WrongType    DecodeReason = "wrong type"
)

// DecodeError reports a response field that failed validation.
type DecodeError struct {
	Field  string
	Reason DecodeReason
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrDecode, e.Reason)
	}
	return fmt.Sprintf("%s: %s %q", ErrDecode, e.Reason, e.Field)
}

func (e *DecodeError) Unwrap() error { return ErrDecode }
