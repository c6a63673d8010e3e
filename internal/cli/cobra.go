package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"blindsolve/internal/astap"
	"blindsolve/internal/config"
	"blindsolve/internal/logging"
	"blindsolve/internal/pipeline"
	"blindsolve/internal/server"
	"blindsolve/internal/solve"
	"blindsolve/internal/storage"
	"blindsolve/internal/watcher"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe pipelineClient) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "blindsolve",
		Short: "Blind plate solving with ASTAP and astrometry.net",
		Long: `blindsolve determines the sky coordinates, pixel scale, orientation and parity
of astronomical images. It tries a local ASTAP install first and falls back to the
astrometry.net web service.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newSolveCmd(root))
	rootCmd.AddCommand(newBatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newAttemptsCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newSolveCmd(root *Root) *cobra.Command {
	var (
		apiKey    string
		astapPath string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "solve <image>",
		Short: "Plate solve a single image",
		Long: `Solve one image. ASTAP is tried first when an executable is configured or detected;
astrometry.net is used when the local solve fails and an API key is available.

Examples:
  blindsolve solve m31.jpg
  blindsolve solve --api-key XXXX --json ngc7000.fits`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if err := requireImage(path); err != nil {
				return err
			}
			job := pipeline.Job{
				ID:        root.newID(),
				Type:      pipeline.JobSolve,
				InputPath: path,
				Origin:    "cli",
				Settings:  solve.Settings{APIKey: apiKey, LocalExecutable: astapPath},
			}
			return root.runJob(cmd.Context(), job, asJSON)
		},
	}

	cmd.Flags().StringVar(&apiKey, "api-key", "", "astrometry.net API key (overrides config)")
	cmd.Flags().StringVar(&astapPath, "astap", "", "Path to the ASTAP executable or .app bundle (overrides config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")

	return cmd
}

func newBatchCmd(root *Root) *cobra.Command {
	var (
		apiKey    string
		astapPath string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "batch <directory>",
		Short: "Plate solve every image in a directory",
		Long: `Solve every supported image below a directory, one attempt per image.
Hidden directories are skipped. The command fails if any image could not be solved.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if err := requireDir(dir); err != nil {
				return err
			}
			job := pipeline.Job{
				ID:        root.newID(),
				Type:      pipeline.JobBatch,
				InputPath: dir,
				Origin:    "cli",
				Settings:  solve.Settings{APIKey: apiKey, LocalExecutable: astapPath},
			}
			return root.runJob(cmd.Context(), job, asJSON)
		},
	}

	cmd.Flags().StringVar(&apiKey, "api-key", "", "astrometry.net API key (overrides config)")
	cmd.Flags().StringVar(&astapPath, "astap", "", "Path to the ASTAP executable (overrides config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and gRPC health service",
		Long: `Start an HTTP server that accepts solve requests and streams attempt progress,
plus a gRPC health endpoint reporting whether each solver backend is usable.
Folders given with --watch are monitored and new images are solved as they arrive.

Examples:
  # API only
  blindsolve serve --addr :8080

  # API with an import folder
  blindsolve serve --addr :8080 --watch /data/astro/incoming --scan-existing`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(opts.WatchDirs) == 0 && root.cfg.Paths.WatchDir != "" {
				opts.WatchDirs = []string{root.cfg.Paths.WatchDir}
			}
			root.log.Info("starting server",
				"addr", opts.HTTPAddr,
				"grpc_addr", opts.GRPCAddr,
				"watch", opts.WatchDirs,
			)
			return root.serveFn(cmd.Context(), root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.HTTPAddr, "addr", root.cfg.Server.HTTPAddr, "HTTP listen address")
	cmd.Flags().StringVar(&opts.GRPCAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC health listen address (empty disables)")
	cmd.Flags().StringSliceVar(&opts.WatchDirs, "watch", nil, "Directory to watch for new images (repeatable)")
	cmd.Flags().BoolVar(&opts.ScanExisting, "scan-existing", false, "Queue images already in watched directories that have no solution")
	cmd.Flags().DurationVar(&opts.Settle, "settle", 2*time.Second, "Quiet period after the last write before a new image is solved")

	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		scanExisting bool
		settle       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <directory>...",
		Short: "Solve images as they appear in directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, dir := range args {
				if err := requireDir(dir); err != nil {
					return err
				}
			}
			return root.watch(cmd.Context(), args, scanExisting, settle)
		},
	}

	cmd.Flags().BoolVar(&scanExisting, "scan-existing", false, "Queue images already present that have no solution")
	cmd.Flags().DurationVar(&settle, "settle", 2*time.Second, "Quiet period after the last write before an image is solved")

	return cmd
}

// watch runs the folder watcher and prints each finished attempt until ctx ends.
func (r *Root) watch(ctx context.Context, dirs []string, scanExisting bool, settle time.Duration) error {
	events, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	w := watcher.New(dirs, r.pipeline, settle, r.log)
	if scanExisting {
		n, err := w.ScanExisting()
		if err != nil {
			return err
		}
		fmt.Printf("Queued %d existing image(s)\n", n)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if ev.Type == pipeline.EventResult && ev.Result != nil {
					printResult(*ev.Result)
				}
			}
		}
	})
	return g.Wait()
}

func newAttemptsCmd(root *Root) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "attempts [id]",
		Short: "List recent solve attempts or show one in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return root.showAttempt(args[0], asJSON)
			}
			return root.listAttempts(limit, asJSON)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of attempts to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	return cmd
}

func (r *Root) listAttempts(limit int, asJSON bool) error {
	recs, err := r.store.RecentAttempts(limit)
	if err != nil {
		return err
	}
	if asJSON {
		views := make([]any, 0, len(recs))
		for _, rec := range recs {
			views = append(views, server.AttemptView(rec, nil))
		}
		return printJSON(views)
	}
	if len(recs) == 0 {
		fmt.Println("No attempts recorded")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tKIND\tSOURCE\tCREATED\tIMAGE")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Status, dash(rec.Kind), dash(rec.Source),
			rec.CreatedAt.Local().Format("2006-01-02 15:04:05"), rec.ImagePath)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	counts, err := r.store.KindCounts()
	if err != nil {
		return err
	}
	if len(counts) > 0 {
		kinds := make([]string, 0, len(counts))
		for kind := range counts {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		fmt.Println("\nTotals:")
		for _, kind := range kinds {
			fmt.Printf("  %s: %d\n", kind, counts[kind])
		}
	}
	return nil
}

func (r *Root) showAttempt(id string, asJSON bool) error {
	rec, err := r.store.Attempt(id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no attempt with id %s", id)
	}
	if err != nil {
		return err
	}
	trs, err := r.store.Transitions(id)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(server.AttemptView(*rec, trs))
	}

	fmt.Printf("Attempt %s\n", rec.ID)
	fmt.Printf("  Image:   %s\n", rec.ImagePath)
	fmt.Printf("  Origin:  %s\n", dash(rec.Origin))
	fmt.Printf("  Status:  %s\n", rec.Status)
	if rec.Status == storage.StatusFinished {
		fmt.Printf("  Result:  %s (%s)\n", rec.Message, rec.Kind)
	}
	if rec.Error != "" {
		fmt.Printf("  Error:   %s\n", rec.Error)
	}
	if sol := rec.Solution; sol != nil {
		fmt.Printf("  RA %.6f°  Dec %.6f°  scale %.4f\"/px  orientation %.2f°  parity %s\n",
			sol.RA, sol.Dec, sol.PixelScale, sol.Orientation, sol.Parity)
	}
	if len(trs) > 0 {
		fmt.Println("  Transitions:")
		for _, tr := range trs {
			line := fmt.Sprintf("    %s  %s -> %s", tr.At.Local().Format("15:04:05.000"), tr.From, tr.To)
			if tr.Detail != "" {
				line += "  (" + tr.Detail + ")"
			}
			fmt.Println(line)
		}
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Show solver availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdTools()
		},
	}
}

// cmdTools reports whether each solver backend could be used right now.
func (r *Root) cmdTools() error {
	settings := DefaultSettings(r.cfg)

	fmt.Println("ASTAP (local):")
	if settings.LocalExecutable == "" {
		fmt.Println("  ✗ not configured and not found in default locations")
		for _, loc := range astap.DefaultLocations(r.cfg.Platform) {
			fmt.Printf("    looked in %s\n", loc)
		}
		logging.LogToolStatus(r.log, "astap", false, "", astap.ErrExecutableNotFound)
	} else {
		status := astap.CheckTool(settings.LocalExecutable, r.cfg.Platform)
		if status.Available {
			fmt.Printf("  ✓ %s\n", status.Path)
		} else {
			fmt.Printf("  ✗ %s: %v\n", status.Path, status.Error)
		}
		if r.cfg.Solver.ASTAPPath == "" {
			fmt.Println("    (detected, set solver.astap_path to pin it)")
		}
		logging.LogToolStatus(r.log, "astap", status.Available, status.Path, status.Error)
	}

	fmt.Println("astrometry.net (remote):")
	fmt.Printf("  Service: %s\n", r.cfg.Solver.BaseURL)
	if settings.APIKey == "" {
		fmt.Println("  ✗ no API key (set solver.astrometry_key or ASTROMETRY_API_KEY)")
	} else {
		fmt.Printf("  ✓ API key %s\n", r.cfg.RedactedKey())
	}
	logging.LogToolStatus(r.log, "astrometry.net", settings.APIKey != "", r.cfg.Solver.BaseURL, nil)
	return nil
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("blindsolve %s\n", Version)
			fmt.Printf("Built with Go %s (%s/%s)\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
