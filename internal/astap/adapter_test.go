package astap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// createExecutable writes a shell script standing in for the solver binary.
func createExecutable(t *testing.T, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stubs require a POSIX shell")
	}
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

// wcsCards renders the solver's .wcs output as fixed-width cards.
func wcsCards() string {
	var b strings.Builder
	for _, c := range []string{
		"CRVAL1  =                 10.0",
		"CRVAL2  =                 20.0",
		"CD1_1   =              -0.0002",
		"CD1_2   =               0.0001",
		"END",
	} {
		b.WriteString(fmt.Sprintf("%-80s", c))
	}
	return b.String()
}

func testAdapter(wait time.Duration) *Adapter {
	return New(Options{
		Platform:       runtime.GOOS,
		ProcessTimeout: 5 * time.Second,
		ArtifactWait:   wait,
		ArtifactPoll:   20 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func imageIn(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "frame.jpg")
	if err := os.WriteFile(p, []byte("img"), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return p
}

func TestSolveReadsWCS(t *testing.T) {
	img := imageIn(t)
	wcs := wcsCards()
	// $2 is the image path passed after -f.
	exe := createExecutable(t, t.TempDir(), "astap", fmt.Sprintf(`printf '%%s' '%s' > "${2%%.*}.wcs"`, wcs))

	hdr, err := testAdapter(2*time.Second).Solve(context.Background(), exe, img)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	cal, err := hdr.Calibration()
	if err != nil {
		t.Fatalf("calibration: %v", err)
	}
	want := 3600 * math.Sqrt(0.0002*0.0002+0.0001*0.0001)
	if cal.RA != 10 || cal.Dec != 20 || math.Abs(cal.PixelScale-want) > 1e-9 {
		t.Fatalf("unexpected calibration %+v", cal)
	}
}

func TestSolveRunsInExecutableDirectory(t *testing.T) {
	img := imageIn(t)
	exeDir := t.TempDir()
	exe := createExecutable(t, exeDir, "astap", `pwd > "${2%.*}.cwd"; printf 'PLTSOLVD=F\n' > "${2%.*}.ini"`)

	_, err := testAdapter(2*time.Second).Solve(context.Background(), exe, img)
	if !errors.Is(err, ErrSolverReportedFailure) {
		t.Fatalf("expected ErrSolverReportedFailure, got %v", err)
	}
	cwd, err := os.ReadFile(strings.TrimSuffix(img, ".jpg") + ".cwd")
	if err != nil {
		t.Fatalf("read cwd: %v", err)
	}
	gotDir, _ := filepath.EvalSymlinks(strings.TrimSpace(string(cwd)))
	wantDir, _ := filepath.EvalSymlinks(exeDir)
	if gotDir != wantDir {
		t.Fatalf("expected working dir %s, got %s", wantDir, gotDir)
	}
}

func TestSolveReportedFailureDeletesINI(t *testing.T) {
	img := imageIn(t)
	exe := createExecutable(t, t.TempDir(), "astap", `printf '[astap]\nPLTSOLVD=F\nWARNING=no stars\n' > "${2%.*}.ini"; exit 1`)

	_, err := testAdapter(2*time.Second).Solve(context.Background(), exe, img)
	if !errors.Is(err, ErrSolverReportedFailure) {
		t.Fatalf("expected ErrSolverReportedFailure, got %v", err)
	}
	if _, err := os.Stat(ArtifactsFor(img).INI); !os.IsNotExist(err) {
		t.Fatalf("expected .ini to be deleted, stat err=%v", err)
	}
}

func TestSolveMissingFlagIsParseError(t *testing.T) {
	img := imageIn(t)
	exe := createExecutable(t, t.TempDir(), "astap", `printf 'CRVAL1=1\n' > "${2%.*}.ini"`)

	_, err := testAdapter(2*time.Second).Solve(context.Background(), exe, img)
	if !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
}

func TestSolveNoArtifactsTimesOut(t *testing.T) {
	img := imageIn(t)
	exe := createExecutable(t, t.TempDir(), "astap", `exit 0`)

	_, err := testAdapter(100*time.Millisecond).Solve(context.Background(), exe, img)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestSolveKillsHungProcess(t *testing.T) {
	img := imageIn(t)
	exe := createExecutable(t, t.TempDir(), "astap", `exec sleep 30`)

	a := testAdapter(time.Second)
	a.opts.ProcessTimeout = 100 * time.Millisecond
	start := time.Now()
	_, err := a.Solve(context.Background(), exe, img)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("process was not terminated promptly (%s)", elapsed)
	}
}

func TestSolveHonoursCancellation(t *testing.T) {
	img := imageIn(t)
	exe := createExecutable(t, t.TempDir(), "astap", `exit 0`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := testAdapter(time.Minute).Solve(ctx, exe, img)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSolveMissingExecutable(t *testing.T) {
	_, err := testAdapter(time.Second).Solve(context.Background(), filepath.Join(t.TempDir(), "nope"), imageIn(t))
	if !errors.Is(err, ErrExecutableNotFound) {
		t.Fatalf("expected ErrExecutableNotFound, got %v", err)
	}
}

func TestResolveExecutableAppBundle(t *testing.T) {
	root := t.TempDir()
	bundle := filepath.Join(root, "ASTAP.app")
	bin := filepath.Join(bundle, "Contents", "MacOS")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(bin, "ASTAP"), []byte("x"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ResolveExecutable(bundle, PlatformDarwin)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != filepath.Join(bin, "ASTAP") {
		t.Fatalf("unexpected path %s", got)
	}
	if _, err := ResolveExecutable(bundle, PlatformLinux); !errors.Is(err, ErrExecutableNotFound) {
		t.Fatalf("bundle directory must not resolve off darwin, got %v", err)
	}
}

func TestParseSolvedFlag(t *testing.T) {
	cases := []struct {
		in           string
		solved, seen bool
	}{
		{"PLTSOLVD=T\n", true, true},
		{"pltsolvd = F\n", false, true},
		{"[x]\nPLTSOLVD='T'\n", true, true},
		{"CRVAL1=1\n", false, false},
		{"PLTSOLVD=\n", false, false},
	}
	for _, tc := range cases {
		solved, seen := ParseSolvedFlag([]byte(tc.in))
		if solved != tc.solved || seen != tc.seen {
			t.Fatalf("ParseSolvedFlag(%q) = %v,%v want %v,%v", tc.in, solved, seen, tc.solved, tc.seen)
		}
	}
}
