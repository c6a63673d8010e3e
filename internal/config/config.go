package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const (
	defaultConfigPath = "~/.config/blindsolve/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings for the solver service.
type Config struct {
	Solver     Solver     `json:"solver"`
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Server     Server     `json:"server"`
	Sink       Sink       `json:"sink"`
	Image      Image      `json:"image"`

	// Platform is runtime.GOOS, resolved once at load time.
	Platform string `json:"-"`
	// Source is the file the configuration was read from (or would be saved to).
	Source string `json:"-"`
}

// Solver configures the local ASTAP tool and the astrometry.net client.
type Solver struct {
	AstrometryAPIKey   string   `json:"astrometry_key"`
	ASTAPPath          string   `json:"astap_path"`
	BaseURL            string   `json:"base_url"`
	LoginTimeout       Duration `json:"login_timeout"`
	PollInterval       Duration `json:"poll_interval"`
	MaxPolls           int      `json:"max_polls"`
	LocalTimeout       Duration `json:"local_timeout"`
	ArtifactWait       Duration `json:"artifact_wait"`
	ArtifactPoll       Duration `json:"artifact_poll"`
	PubliclyVisible    string   `json:"publicly_visible"`
	AllowModifications string   `json:"allow_modifications"`
	AllowCommercialUse string   `json:"allow_commercial_use"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures working locations.
type Paths struct {
	WorkDir      string `json:"work_dir"`
	DatabasePath string `json:"database_path"`
	WatchDir     string `json:"watch_dir"`
}

// Server configures the HTTP and gRPC listeners.
type Server struct {
	HTTPAddr string `json:"http_addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// Sink controls what happens with a finished attempt.
type Sink struct {
	WriteSidecar  bool     `json:"write_sidecar"`
	RefineCommand []string `json:"refine_command"`
	RefineTimeout Duration `json:"refine_timeout"`
}

// Image controls preparation of images before solving.
type Image struct {
	ConvertToJPEG    bool    `json:"convert_to_jpeg"`
	Quality          int     `json:"quality"`
	AutoStretch      bool    `json:"auto_stretch"`
	StretchThreshold float64 `json:"stretch_threshold"` // median below which data is treated as linear
}

// Duration is a time.Duration stored as a Go duration string ("10s").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", string(b))
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Path returns the config file location, honouring BLINDSOLVE_CONFIG.
func Path() (string, error) {
	configPath := os.Getenv("BLINDSOLVE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return expandUser(configPath)
}

// Load reads configuration from disk, falling back to sensible defaults.
// ASTROMETRY_API_KEY overrides the stored key.
func Load() (*Config, error) {
	cfg := defaultConfig()

	expanded, err := Path()
	if err != nil {
		return nil, err
	}
	cfg.Source = expanded

	f, err := os.Open(expanded)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		defer f.Close()
		dec := json.NewDecoder(f)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", expanded, err)
		}
	}

	if key := strings.TrimSpace(os.Getenv("ASTROMETRY_API_KEY")); key != "" {
		cfg.Solver.AstrometryAPIKey = key
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to its source file.
func (c *Config) Save() error {
	path := c.Source
	if path == "" {
		p, err := Path()
		if err != nil {
			return err
		}
		path = p
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Validate reports settings that would prevent any solve from running.
func (c *Config) Validate() []error {
	var errs []error
	if c.Solver.AstrometryAPIKey == "" && c.Solver.ASTAPPath == "" {
		errs = append(errs, errors.New("neither solver.astap_path nor solver.astrometry_key is set"))
	}
	if c.Solver.MaxPolls <= 0 {
		errs = append(errs, errors.New("solver.max_polls must be positive"))
	}
	if c.Solver.PollInterval.D() <= 0 {
		errs = append(errs, errors.New("solver.poll_interval must be positive"))
	}
	if c.Processing.ParallelJobs <= 0 {
		errs = append(errs, errors.New("processing.parallel_jobs must be positive"))
	}
	if c.Image.Quality < 1 || c.Image.Quality > 100 {
		errs = append(errs, errors.New("image.quality must be between 1 and 100"))
	}
	return errs
}

// Set assigns a user preference by its dotted key.
func (c *Config) Set(key, value string) error {
	switch strings.ToLower(key) {
	case "solver.astrometry_key", "api_key":
		c.Solver.AstrometryAPIKey = strings.TrimSpace(value)
	case "solver.astap_path", "astap_path":
		p, err := expandUser(strings.TrimSpace(value))
		if err != nil {
			return err
		}
		c.Solver.ASTAPPath = p
	case "solver.base_url":
		c.Solver.BaseURL = value
	case "solver.max_polls":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		c.Solver.MaxPolls = n
	case "solver.poll_interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		c.Solver.PollInterval = Duration(d)
	case "processing.parallel_jobs":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		c.Processing.ParallelJobs = n
	case "logging.level":
		c.Logging.Level = value
	case "paths.watch_dir":
		c.Paths.WatchDir = value
	case "image.auto_stretch":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		c.Image.AutoStretch = b
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	return nil
}

// RedactedKey shows only the tail of the API key.
func (c *Config) RedactedKey() string {
	k := c.Solver.AstrometryAPIKey
	if k == "" {
		return "(not set)"
	}
	if len(k) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(k)-4) + k[len(k)-4:]
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Solver.ASTAPPath, &c.Paths.WorkDir, &c.Paths.DatabasePath, &c.Paths.WatchDir, &c.Logging.LogDir} {
		v, err := expandUser(*p)
		if err != nil {
			return err
		}
		*p = v
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Solver: Solver{
			BaseURL:            "http://nova.astrometry.net",
			LoginTimeout:       Duration(15 * time.Second),
			PollInterval:       Duration(10 * time.Second),
			MaxPolls:           90,
			LocalTimeout:       Duration(3 * time.Minute),
			ArtifactWait:       Duration(3 * time.Minute),
			ArtifactPoll:       Duration(5 * time.Second),
			PubliclyVisible:    "y",
			AllowModifications: "d",
			AllowCommercialUse: "d",
		},
		Processing: Processing{
			ParallelJobs: defaultParallel,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
		Paths: Paths{
			WorkDir:      filepath.Join(os.TempDir(), "blindsolve"),
			DatabasePath: filepath.Join(os.TempDir(), "blindsolve.db"),
		},
		Server: Server{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
		},
		Sink: Sink{
			WriteSidecar:  true,
			RefineTimeout: Duration(2 * time.Minute),
		},
		Image: Image{
			ConvertToJPEG:    true,
			Quality:          95,
			AutoStretch:      true,
			StretchThreshold: 0.1,
		},
		Platform: runtime.GOOS,
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
