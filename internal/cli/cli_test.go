package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"blindsolve/internal/config"
	"blindsolve/internal/pipeline"
	"blindsolve/internal/solve"
	"blindsolve/internal/storage"
)

func TestSolveCommandSubmitsJob(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	img := filepath.Join(t.TempDir(), "m42.jpg")
	touch(t, img)

	out, err := execute(t, root, "solve", img, "--api-key", "flag-key", "--astap", "/opt/astap/astap")
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	if len(fakePipe.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(fakePipe.jobs))
	}
	want := pipeline.Job{
		ID:        "job-1",
		Type:      pipeline.JobSolve,
		InputPath: img,
		Origin:    "cli",
		Settings:  solve.Settings{APIKey: "flag-key", LocalExecutable: "/opt/astap/astap"},
	}
	if diff := cmp.Diff(want, fakePipe.jobs[0]); diff != "" {
		t.Fatalf("job mismatch (-want +got):\n%s", diff)
	}
	for _, s := range []string{"Plate solve completed using ASTAP", "83.822000", "-5.391000", "flipped"} {
		if !strings.Contains(out, s) {
			t.Fatalf("expected %q in output %q", s, out)
		}
	}
}

func TestSolveCommandJSON(t *testing.T) {
	root, _ := newTestRoot(t)
	img := filepath.Join(t.TempDir(), "m42.fits")
	touch(t, img)

	out, err := execute(t, root, "solve", "--json", img)
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	var got struct {
		ID       string `json:"id"`
		Outcomes []struct {
			Kind   string `json:"kind"`
			Result struct {
				RA float64 `json:"ra"`
			} `json:"result"`
		} `json:"outcomes"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if got.ID != "job-1" || len(got.Outcomes) != 1 || got.Outcomes[0].Kind != "success" || got.Outcomes[0].Result.RA != 83.822 {
		t.Fatalf("unexpected JSON %+v", got)
	}
}

func TestSolveCommandValidatesArguments(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	dir := t.TempDir()
	notes := filepath.Join(dir, "notes.txt")
	touch(t, notes)

	cases := map[string][]string{
		"no args":      {"solve"},
		"missing file": {"solve", filepath.Join(dir, "missing.jpg")},
		"directory":    {"solve", dir},
		"unsupported":  {"solve", notes},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := execute(t, root, args...); err == nil {
				t.Fatalf("expected error for %v", args)
			}
		})
	}
	if len(fakePipe.jobs) != 0 {
		t.Fatalf("no job should be submitted, got %d", len(fakePipe.jobs))
	}
}

func TestSolveCommandReportsFailure(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	img := filepath.Join(t.TempDir(), "cloudy.jpg")
	touch(t, img)
	fakePipe.jobErrors["job-1"] = errors.New("API key is required")

	out, err := execute(t, root, "solve", img)
	if err == nil || !strings.Contains(err.Error(), "API key is required") {
		t.Fatalf("expected job error, got %v", err)
	}
	if !strings.Contains(out, "API key is required") {
		t.Fatalf("expected failure printed, got %q", out)
	}
}

func TestBatchCommand(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	dir := t.TempDir()

	out, err := execute(t, root, "batch", dir)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(fakePipe.jobs) != 1 || fakePipe.jobs[0].Type != pipeline.JobBatch || fakePipe.jobs[0].InputPath != dir {
		t.Fatalf("unexpected jobs %+v", fakePipe.jobs)
	}
	if !strings.Contains(out, "Solved 1 of 1 images") {
		t.Fatalf("expected batch summary, got %q", out)
	}

	if _, err := execute(t, root, "batch", filepath.Join(dir, "missing")); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	root, _ := newTestRoot(t)
	watchDir := t.TempDir()
	var got serveOptions
	root.serveFn = func(ctx context.Context, r *Root, opts serveOptions) error {
		got = opts
		return nil
	}
	if _, err := execute(t, root, "serve", "--addr", ":9999", "--grpc-addr", "", "--watch", watchDir, "--scan-existing"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	want := serveOptions{HTTPAddr: ":9999", WatchDirs: []string{watchDir}, ScanExisting: true, Settle: 2 * time.Second}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("options mismatch (-want +got):\n%s", diff)
	}
}

func TestServeCommandDefaultsToConfiguredWatchDir(t *testing.T) {
	root, _ := newTestRoot(t)
	root.cfg.Paths.WatchDir = "/data/incoming"
	var got serveOptions
	root.serveFn = func(ctx context.Context, r *Root, opts serveOptions) error {
		got = opts
		return nil
	}
	if _, err := execute(t, root, "serve"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if diff := cmp.Diff([]string{"/data/incoming"}, got.WatchDirs); diff != "" {
		t.Fatalf("watch dirs mismatch (-want +got):\n%s", diff)
	}
	if got.HTTPAddr != root.cfg.Server.HTTPAddr {
		t.Fatalf("expected configured addr, got %q", got.HTTPAddr)
	}
}

func TestAttemptsCommand(t *testing.T) {
	root, _ := newTestRoot(t)
	store, err := storage.New(filepath.Join(t.TempDir(), "attempts.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	root.store = store

	if err := store.RecordAttemptQueued(storage.AttemptRecord{ID: "a1", ImagePath: "/img/m31.jpg", Origin: "cli"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	_ = store.RecordTransition(storage.TransitionRecord{AttemptID: "a1", From: "idle", To: "trying_local", At: time.Now()})
	_ = store.RecordAttemptResult("a1", storage.AttemptResult{
		Kind: "success", Source: "local", Message: "Plate solve completed using ASTAP",
		Solution: &storage.Solution{RA: 10.68, Dec: 41.27, PixelScale: 1.2, Parity: "normal"},
	})

	list, err := execute(t, root, "attempts")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	for _, s := range []string{"a1", "finished", "success", "/img/m31.jpg", "success: 1"} {
		if !strings.Contains(list, s) {
			t.Fatalf("expected %q in list %q", s, list)
		}
	}

	detail, err := execute(t, root, "attempts", "a1")
	if err != nil {
		t.Fatalf("detail failed: %v", err)
	}
	for _, s := range []string{"idle -> trying_local", "10.680000", "parity normal"} {
		if !strings.Contains(detail, s) {
			t.Fatalf("expected %q in detail %q", s, detail)
		}
	}

	if _, err := execute(t, root, "attempts", "nope"); err == nil {
		t.Fatalf("expected error for unknown attempt")
	}
}

func TestToolsCommand(t *testing.T) {
	root, _ := newTestRoot(t)
	exe := createExecutable(t, t.TempDir(), "astap")
	root.cfg.Solver.ASTAPPath = exe
	root.cfg.Solver.AstrometryAPIKey = "abcdef1234"

	out, err := execute(t, root, "tools")
	if err != nil {
		t.Fatalf("tools failed: %v", err)
	}
	for _, s := range []string{"✓ " + exe, "******1234"} {
		if !strings.Contains(out, s) {
			t.Fatalf("expected %q in output %q", s, out)
		}
	}

	root.cfg.Solver.ASTAPPath = filepath.Join(t.TempDir(), "missing-astap")
	root.cfg.Solver.AstrometryAPIKey = ""
	out, err = execute(t, root, "tools")
	if err != nil {
		t.Fatalf("tools failed: %v", err)
	}
	if !strings.Contains(out, "✗ "+root.cfg.Solver.ASTAPPath) || !strings.Contains(out, "no API key") {
		t.Fatalf("expected unavailable tools, got %q", out)
	}
}

func TestConfigCommands(t *testing.T) {
	root, _ := newTestRoot(t)

	showOut, err := execute(t, root, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(showOut, "Current configuration") || !strings.Contains(showOut, root.cfg.Source) {
		t.Fatalf("expected configuration output, got %q", showOut)
	}

	if _, err := execute(t, root, "config", "validate"); err == nil {
		t.Fatalf("expected validation error with no solver configured")
	}

	if _, err := execute(t, root, "config", "set", "api_key", "secret-key"); err != nil {
		t.Fatalf("config set failed: %v", err)
	}
	reloaded, err := config.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Solver.AstrometryAPIKey != "secret-key" {
		t.Fatalf("key not persisted: %q", reloaded.Solver.AstrometryAPIKey)
	}

	validOut, err := execute(t, root, "config", "validate")
	if err != nil {
		t.Fatalf("config validate failed: %v", err)
	}
	if !strings.Contains(validOut, "Configuration is valid") {
		t.Fatalf("expected valid output, got %q", validOut)
	}

	if _, err := execute(t, root, "config", "set", "no.such.key", "x"); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestVersionCommand(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := execute(t, root, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "blindsolve "+Version) {
		t.Fatalf("expected version string, got %q", out)
	}
}

func TestEnqueueAndWaitPropagatesErrors(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	job := pipeline.Job{ID: "err-job", Type: pipeline.JobSolve}
	fakePipe.jobErrors["err-job"] = context.DeadlineExceeded
	res, err := root.enqueueAndWait(context.Background(), job)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected error from pipeline result, got %v", err)
	}
	if res.Job.ID != "err-job" {
		t.Fatalf("expected result for err-job, got %+v", res.Job)
	}
}

func TestEnqueueAndWaitSubmitError(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	fakePipe.submitErr = pipeline.ErrQueueFull
	_, err := root.enqueueAndWait(context.Background(), pipeline.Job{ID: "x"})
	if !errors.Is(err, pipeline.ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
}

func TestDefaultSettingsUsesConfiguredPath(t *testing.T) {
	cfg := config.Default()
	cfg.Solver.ASTAPPath = "/opt/astap/astap"
	cfg.Solver.AstrometryAPIKey = "k"
	want := solve.Settings{APIKey: "k", LocalExecutable: "/opt/astap/astap"}
	if diff := cmp.Diff(want, DefaultSettings(cfg)); diff != "" {
		t.Fatalf("settings mismatch (-want +got):\n%s", diff)
	}
}

// Test helpers

func newTestRoot(t *testing.T) (*Root, *fakePipeline) {
	t.Helper()

	tmp := t.TempDir()
	t.Setenv("BLINDSOLVE_CONFIG", filepath.Join(tmp, "config.json"))
	t.Setenv("ASTROMETRY_API_KEY", "")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	cfg.Paths.WorkDir = filepath.Join(tmp, "work")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "blindsolve.db")
	cfg.Solver.ASTAPPath = ""

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()

	root := NewRoot(pipe, cfg, logger, nil)
	n := 0
	root.newID = func() string {
		n++
		return "job-" + string(rune('0'+n))
	}
	return root, pipe
}

func execute(t *testing.T, root *Root, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(root)
	cmd.SetArgs(args)
	cmd.SetErr(io.Discard)
	var err error
	out := captureOutput(t, func() {
		err = cmd.ExecuteContext(context.Background())
	})
	return out, err
}

// fakePipeline answers every submitted job with a successful local solve,
// or with the error registered for the job id.
type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Event
	nextSubID int
	jobErrors map[string]error
	submitErr error
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Event),
		jobErrors: make(map[string]error),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	if f.submitErr != nil {
		f.mu.Unlock()
		return f.submitErr
	}
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()

	go func() {
		res := f.resultFor(job)
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, ch := range f.subs {
			select {
			case ch <- pipeline.Event{Type: pipeline.EventResult, Result: &res}:
			default:
			}
		}
	}()
	return nil
}

func (f *fakePipeline) resultFor(job pipeline.Job) pipeline.Result {
	f.mu.Lock()
	err := f.jobErrors[job.ID]
	f.mu.Unlock()

	now := time.Now()
	out := solve.Outcome{
		AttemptID: job.ID,
		Kind:      solve.KindSuccess,
		Source:    solve.SourceLocal,
		Result:    &solve.CalibrationResult{RA: 83.822, Dec: -5.391, PixelScale: 1.52, Orientation: 12.5, Parity: solve.ParityFlipped},
		Started:   now,
		Finished:  now.Add(1500 * time.Millisecond),
	}
	if err != nil {
		out = solve.Outcome{AttemptID: job.ID, Kind: solve.KindMissingCredentials, Err: err, Started: now, Finished: now}
	}
	meta := map[string]any{"images": 1, "solved": 1, "failed": 0}
	if err != nil {
		meta = map[string]any{"images": 1, "solved": 0, "failed": 1}
	}
	return pipeline.Result{Job: job, Outcomes: []solve.Outcome{out}, Error: err, Meta: meta}
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Event, 4)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
	return ch, unsub
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		done <- buf.String()
	}()

	fn()

	_ = w.Close()
	os.Stdout = oldStdout
	return <-done
}

func touch(t *testing.T, path string) {
	t.Helper()
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("failed to touch %s: %v", path, err)
	}
}

func createExecutable(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("failed to create stub executable %s: %v", path, err)
	}
	return path
}
