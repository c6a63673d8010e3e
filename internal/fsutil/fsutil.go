package fsutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Formats both solvers accept directly.
var jpegExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
}

// Formats that are solvable after conversion.
var convertExts = map[string]struct{}{
	".png":  {},
	".tif":  {},
	".tiff": {},
	".fit":  {},
	".fits": {},
	".fts":  {},
}

var fitsExts = map[string]struct{}{
	".fit":  {},
	".fits": {},
	".fts":  {},
}

// ListImages returns all solvable images under root, skipping solver artifacts and hidden files.
func ListImages(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if IsImageFile(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsJPEG reports whether path can be handed to a solver without conversion.
func IsJPEG(path string) bool {
	_, ok := jpegExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsFITS reports whether path is a FITS image.
func IsFITS(path string) bool {
	_, ok := fitsExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsImageFile checks if a file is any solvable image format.
func IsImageFile(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := jpegExts[ext]; ok {
		return true
	}
	_, ok := convertExts[ext]
	return ok
}
