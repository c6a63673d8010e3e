package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show, validate, or modify blindsolve configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change a setting and save it",
		Long: `Change a setting and write the configuration file.

Keys:
  solver.astrometry_key (api_key), solver.astap_path (astap_path), solver.base_url,
  solver.max_polls, solver.poll_interval, processing.parallel_jobs, logging.level,
  paths.watch_dir, image.auto_stretch`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configSet(args[0], args[1])
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate()
		},
	}

	cmd.AddCommand(showCmd, setCmd, validateCmd)
	return cmd
}

func (r *Root) configShow() error {
	c := r.cfg
	fmt.Printf("Current configuration:\n")
	fmt.Printf("Config file: %s\n", c.Source)

	fmt.Printf("\nSolver:\n")
	fmt.Printf("  ASTAP path: %s\n", dash(c.Solver.ASTAPPath))
	fmt.Printf("  astrometry.net key: %s\n", c.RedactedKey())
	fmt.Printf("  astrometry.net URL: %s\n", c.Solver.BaseURL)
	fmt.Printf("  Poll interval: %s (max %d polls)\n", c.Solver.PollInterval.D(), c.Solver.MaxPolls)
	fmt.Printf("  Local timeout: %s\n", c.Solver.LocalTimeout.D())

	fmt.Printf("\nProcessing:\n")
	fmt.Printf("  Parallel jobs: %d\n", c.Processing.ParallelJobs)
	fmt.Printf("  Work directory: %s\n", c.Paths.WorkDir)
	fmt.Printf("  Database: %s\n", c.Paths.DatabasePath)
	fmt.Printf("  Watch directory: %s\n", dash(c.Paths.WatchDir))

	fmt.Printf("\nImages:\n")
	fmt.Printf("  Convert to JPEG: %t (quality %d)\n", c.Image.ConvertToJPEG, c.Image.Quality)
	fmt.Printf("  Auto stretch: %t (threshold %.3f)\n", c.Image.AutoStretch, c.Image.StretchThreshold)

	fmt.Printf("\nResults:\n")
	fmt.Printf("  Write sidecar: %t\n", c.Sink.WriteSidecar)
	if len(c.Sink.RefineCommand) > 0 {
		fmt.Printf("  Refine command: %s\n", strings.Join(c.Sink.RefineCommand, " "))
	}

	fmt.Printf("\nServer:\n")
	fmt.Printf("  HTTP: %s\n", c.Server.HTTPAddr)
	fmt.Printf("  gRPC health: %s\n", dash(c.Server.GRPCAddr))

	fmt.Printf("\nLogging:\n")
	fmt.Printf("  Level: %s\n", c.Logging.Level)
	fmt.Printf("  Format: %s\n", c.Logging.Format)
	if c.Logging.FileOutput {
		fmt.Printf("  Directory: %s\n", c.Logging.LogDir)
	}
	return nil
}

func (r *Root) configSet(key, value string) error {
	if err := r.cfg.Set(key, value); err != nil {
		return err
	}
	if err := r.cfg.Save(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	r.log.Info("configuration updated", "key", key, "file", r.cfg.Source)
	fmt.Printf("Saved %s to %s\n", key, r.cfg.Source)
	return nil
}

func (r *Root) configValidate() error {
	errs := r.cfg.Validate()
	if len(errs) == 0 {
		r.log.Info("configuration validation", "status", "valid")
		fmt.Println("✓ Configuration is valid")
		return nil
	}
	for _, err := range errs {
		fmt.Printf("✗ %v\n", err)
	}
	return errors.Join(errs...)
}
