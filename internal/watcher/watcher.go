// Package watcher submits images that appear in watched folders to the solve pipeline.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"blindsolve/internal/fsutil"
	"blindsolve/internal/pipeline"
	"blindsolve/internal/sink"
)

// Submitter queues a job. *pipeline.Pipeline implements it.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Watcher debounces file events and submits each settled image once per write burst.
type Watcher struct {
	dirs   []string
	submit Submitter
	settle time.Duration
	log    *slog.Logger
	newID  func() string
}

// New returns a watcher for dirs. settle is the quiet period after the last write
// before an image is considered complete.
func New(dirs []string, submit Submitter, settle time.Duration, log *slog.Logger) *Watcher {
	if settle <= 0 {
		settle = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{dirs: dirs, submit: submit, settle: settle, log: log, newID: uuid.NewString}
}

// ScanExisting submits images already in the watched folders that have no solution sidecar.
func (w *Watcher) ScanExisting() (int, error) {
	n := 0
	for _, dir := range w.dirs {
		images, err := fsutil.ListImages(dir)
		if err != nil {
			return n, fmt.Errorf("scan %s: %w", dir, err)
		}
		for _, img := range images {
			if solved(img) {
				continue
			}
			if err := w.enqueue(img); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// Run watches until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	for _, dir := range w.dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.log.Info("watching directory", "dir", dir)
	}

	pending := map[string]*time.Timer{}
	ready := make(chan string, 64)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !fsutil.IsImageFile(event.Name) {
				continue
			}
			path := event.Name
			if t, ok := pending[path]; ok {
				t.Reset(w.settle)
				continue
			}
			pending[path] = time.AfterFunc(w.settle, func() {
				select {
				case ready <- path:
				case <-ctx.Done():
				}
			})

		case path := <-ready:
			delete(pending, path)
			info, err := os.Stat(path)
			if err != nil || info.IsDir() || info.Size() == 0 {
				continue
			}
			if err := w.enqueue(path); err != nil {
				w.log.Warn("could not submit image", "path", path, "error", err)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)
		}
	}
}

func (w *Watcher) enqueue(path string) error {
	id := w.newID()
	if err := w.submit.Submit(pipeline.Job{ID: id, Type: pipeline.JobSolve, InputPath: path, Origin: "watch"}); err != nil {
		if errors.Is(err, pipeline.ErrQueueFull) {
			return fmt.Errorf("queue full, skipped %s: %w", path, err)
		}
		return err
	}
	w.log.Info("submitted image", "id", id, "path", path)
	return nil
}

func solved(path string) bool {
	_, err := os.Stat(sink.SidecarPath(path))
	return err == nil
}
