// Package imagesrc prepares input images for plate solving: non-JPEG inputs are converted
// to JPEG and linear (dark) data is stretched so both solvers can detect stars.
package imagesrc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"blindsolve/internal/fsutil"
	"blindsolve/internal/solve"
)

// ErrUnsupportedFormat is returned for files that are not a solvable image.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// maxSamples bounds the pixels inspected when estimating the median.
const maxSamples = 1 << 20

var initOnce sync.Once

func ensureInit() { initOnce.Do(imagick.Initialize) }

// Terminate releases ImageMagick. Call once at process exit if any image was processed.
func Terminate() {
	ensureInit()
	imagick.Terminate()
}

// Options controls conversion.
type Options struct {
	ConvertToJPEG    bool
	Quality          uint
	AutoStretch      bool
	StretchThreshold float64
}

// Source implements solve.ImageSource.
type Source struct {
	opts Options
	log  *slog.Logger
	copy solve.ImageSource
}

// New builds a Source.
func New(opts Options, logger *slog.Logger) *Source {
	if opts.Quality == 0 || opts.Quality > 100 {
		opts.Quality = 95
	}
	if opts.StretchThreshold <= 0 {
		opts.StretchThreshold = 0.1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{opts: opts, log: logger, copy: solve.CopySource{}}
}

// Prepare writes the solvable image into workDir and returns its path.
func (s *Source) Prepare(ctx context.Context, inputPath, workDir string) (string, error) {
	if !fsutil.IsImageFile(inputPath) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(inputPath))
	}
	isJPEG := fsutil.IsJPEG(inputPath)
	if !s.opts.AutoStretch && (isJPEG || !s.opts.ConvertToJPEG) {
		return s.copy.Prepare(ctx, inputPath, workDir)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ensureInit()
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(inputPath); err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}

	stretched := false
	if s.opts.AutoStretch {
		median, err := imageMedian(mw)
		if err != nil {
			return "", err
		}
		if median < s.opts.StretchThreshold {
			s.log.Debug("stretching linear image", "image", filepath.Base(inputPath), "median", median)
			if err := mw.AutoLevelImage(); err != nil {
				return "", fmt.Errorf("auto level: %w", err)
			}
			if err := mw.AutoGammaImage(); err != nil {
				return "", fmt.Errorf("auto gamma: %w", err)
			}
			stretched = true
		}
	}

	if isJPEG && !stretched {
		return s.copy.Prepare(ctx, inputPath, workDir)
	}
	if !isJPEG && !s.opts.ConvertToJPEG && !stretched {
		return s.copy.Prepare(ctx, inputPath, workDir)
	}

	out := filepath.Join(workDir, jpegName(inputPath))
	if err := mw.SetImageFormat("JPEG"); err != nil {
		return "", fmt.Errorf("set format: %w", err)
	}
	if err := mw.SetImageCompressionQuality(s.opts.Quality); err != nil {
		return "", fmt.Errorf("set quality: %w", err)
	}
	if err := mw.WriteImage(out); err != nil {
		return "", fmt.Errorf("write jpeg: %w", err)
	}
	return out, nil
}

func jpegName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".jpg"
}

// imageMedian returns the median intensity of mw in [0,1].
func imageMedian(mw *imagick.MagickWand) (float64, error) {
	gray := mw.Clone()
	defer gray.Destroy()
	if err := gray.SetImageColorspace(imagick.COLORSPACE_GRAY); err != nil {
		return 0, fmt.Errorf("grayscale: %w", err)
	}
	width, height := gray.GetImageWidth(), gray.GetImageHeight()
	pixels, err := gray.ExportImagePixels(0, 0, width, height, "I", imagick.PIXEL_FLOAT)
	if err != nil {
		return 0, fmt.Errorf("export pixels: %w", err)
	}
	floats, ok := pixels.([]float32)
	if !ok {
		return 0, fmt.Errorf("export pixels: unexpected type %T", pixels)
	}
	return median(floats), nil
}

// median of values, sampling evenly when there are more than maxSamples.
func median(values []float32) float64 {
	if len(values) == 0 {
		return 0
	}
	step := 1
	if len(values) > maxSamples {
		step = len(values) / maxSamples
	}
	sample := make([]float32, 0, len(values)/step+1)
	for i := 0; i < len(values); i += step {
		sample = append(sample, values[i])
	}
	slices.Sort(sample)
	mid := len(sample) / 2
	if len(sample)%2 == 0 {
		return (float64(sample[mid-1]) + float64(sample[mid])) / 2
	}
	return float64(sample[mid])
}

// Dimensions reads the pixel size of the image at path without decoding it.
func Dimensions(path string) (width, height uint, err error) {
	ensureInit()
	mw := imagick.NewMagickWand()
	defer mw.Destroy()
	if err := mw.PingImage(path); err != nil {
		return 0, 0, fmt.Errorf("ping image: %w", err)
	}
	return mw.GetImageWidth(), mw.GetImageHeight(), nil
}
