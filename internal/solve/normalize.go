package solve

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"blindsolve/internal/astrometry"
	"blindsolve/internal/fits"
)

var (
	ErrLocalParse  = errors.New("local calibration unusable")
	ErrRemoteParse = errors.New("remote calibration unusable")
)

// NormalizeLocal converts header-derived fields. Orientation and parity are the parser's
// fixed defaults because the local header form does not carry them.
func NormalizeLocal(w fits.WCSFields) (CalibrationResult, error) {
	parity := ParityNormal
	if w.Flipped {
		parity = ParityFlipped
	}
	r := CalibrationResult{
		RA:          w.RA,
		Dec:         w.Dec,
		PixelScale:  w.PixelScale,
		Orientation: w.Orientation,
		Parity:      parity,
	}
	if err := r.Validate(); err != nil {
		return CalibrationResult{}, fmt.Errorf("%w: %w", ErrLocalParse, err)
	}
	return r, nil
}

// NormalizeRemote requires ra, dec, pixscale, orientation and parity. The pixel scale is
// already in arcsec/pixel.
func NormalizeRemote(raw astrometry.RawCalibration) (CalibrationResult, error) {
	var r CalibrationResult
	fields := []struct {
		name string
		dst  *float64
	}{
		{"ra", &r.RA},
		{"dec", &r.Dec},
		{"pixscale", &r.PixelScale},
		{"orientation", &r.Orientation},
	}
	for _, f := range fields {
		v, err := raw.Float(f.name)
		if err != nil {
			return CalibrationResult{}, fmt.Errorf("%w: %w", ErrRemoteParse, err)
		}
		*f.dst = v
	}

	parity, err := remoteParity(raw)
	if err != nil {
		return CalibrationResult{}, fmt.Errorf("%w: %w", ErrRemoteParse, err)
	}
	r.Parity = parity

	if err := r.Validate(); err != nil {
		return CalibrationResult{}, fmt.Errorf("%w: %w", ErrRemoteParse, err)
	}
	return r, nil
}

// remoteParity accepts the numeric ±1 the service reports as well as named forms.
func remoteParity(raw astrometry.RawCalibration) (Parity, error) {
	v, ok := raw.Raw("parity")
	if !ok {
		return "", &astrometry.DecodeError{Field: "parity", Reason: astrometry.MissingField}
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "pos", "positive", "normal", "+", "1", "+1":
			return ParityNormal, nil
		case "neg", "negative", "flipped", "-", "-1":
			return ParityFlipped, nil
		}
		return "", &astrometry.DecodeError{Field: "parity", Reason: astrometry.WrongType}
	}
	f, err := raw.Float("parity")
	if err != nil {
		return "", err
	}
	if f < 0 {
		return ParityFlipped, nil
	}
	return ParityNormal, nil
}
