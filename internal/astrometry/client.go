package astrometry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"blindsolve/internal/retry"
)

// DefaultBaseURL is the public astrometry.net instance.
const DefaultBaseURL = "http://nova.astrometry.net"

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 4 << 20

// Session is the token returned by login. It lives for a single solve attempt.
type Session string

// SubmissionID identifies an uploaded image awaiting processing.
type SubmissionID string

// JobID identifies the solving job assigned to a submission.
type JobID string

// Config controls endpoints, limits and the upload policy.
type Config struct {
	BaseURL            string
	LoginTimeout       time.Duration
	RequestTimeout     time.Duration
	PollInterval       time.Duration
	MaxPolls           int
	PubliclyVisible    string
	AllowModifications string
	AllowCommercialUse string
}

// DefaultConfig mirrors the limits of the public service workflow: 15s login, 90 polls every 10s.
func DefaultConfig() Config {
	return Config{
		BaseURL:            DefaultBaseURL,
		LoginTimeout:       15 * time.Second,
		RequestTimeout:     60 * time.Second,
		PollInterval:       10 * time.Second,
		MaxPolls:           90,
		PubliclyVisible:    "y",
		AllowModifications: "d",
		AllowCommercialUse: "d",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseURL == "" {
		c.BaseURL = d.BaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = d.LoginTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = d.MaxPolls
	}
	if c.PubliclyVisible == "" {
		c.PubliclyVisible = d.PubliclyVisible
	}
	if c.AllowModifications == "" {
		c.AllowModifications = d.AllowModifications
	}
	if c.AllowCommercialUse == "" {
		c.AllowCommercialUse = d.AllowCommercialUse
	}
	return c
}

// Client speaks the four-stage astrometry.net API. It holds no per-attempt state.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// New creates a client. A nil httpClient gets one bounded by cfg.RequestTimeout.
func New(cfg Config, httpClient *http.Client, log *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, http: httpClient, log: log}
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// Login exchanges an API key for a session. Failures are never retried.
func (c *Client) Login(ctx context.Context, apiKey string) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LoginTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"apikey": apiKey})
	if err != nil {
		return "", &StageError{Stage: StageLogin, Err: err}
	}
	form := url.Values{"request-json": {string(payload)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("api", "login"), strings.NewReader(form.Encode()))
	if err != nil {
		return "", &StageError{Stage: StageLogin, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	obj, err := c.doObject(req)
	if err != nil {
		return "", &StageError{Stage: StageLogin, Err: fmt.Errorf("%w: %w", ErrAuthFailed, err)}
	}
	if err := requireSuccess(obj); err != nil {
		return "", &StageError{Stage: StageLogin, Err: fmt.Errorf("%w: %w", ErrAuthFailed, err)}
	}
	session, err := obj.requireString("session")
	if err != nil || session == "" {
		if err == nil {
			err = &DecodeError{Field: "session", Reason: MissingField}
		}
		return "", &StageError{Stage: StageLogin, Err: fmt.Errorf("%w: %w", ErrAuthFailed, err)}
	}
	c.log.Debug("astrometry login ok")
	return Session(session), nil
}

// Upload submits the image under the configured visibility policy. Failures are never retried.
func (c *Client) Upload(ctx context.Context, session Session, imagePath string) (SubmissionID, error) {
	body, contentType, err := c.uploadBody(session, imagePath)
	if err != nil {
		return "", &StageError{Stage: StageUpload, Err: fmt.Errorf("%w: %w", ErrUploadFailed, err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("api", "upload"), body)
	if err != nil {
		return "", &StageError{Stage: StageUpload, Err: err}
	}
	req.Header.Set("Content-Type", contentType)

	obj, err := c.doObject(req)
	if err != nil {
		return "", &StageError{Stage: StageUpload, Err: fmt.Errorf("%w: %w", ErrUploadFailed, err)}
	}
	if err := requireSuccess(obj); err != nil {
		return "", &StageError{Stage: StageUpload, Err: fmt.Errorf("%w: %w", ErrUploadFailed, err)}
	}
	subid, err := obj.requireID("subid")
	if err != nil {
		return "", &StageError{Stage: StageUpload, Err: fmt.Errorf("%w: %w", ErrUploadFailed, err)}
	}
	c.log.Info("astrometry upload accepted", "subid", subid, "file", filepath.Base(imagePath))
	return SubmissionID(subid), nil
}

func (c *Client) uploadBody(session Session, imagePath string) (*bytes.Buffer, string, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	payload, err := json.Marshal(map[string]string{
		"publicly_visible":     c.cfg.PubliclyVisible,
		"allow_modifications":  c.cfg.AllowModifications,
		"session":              string(session),
		"allow_commercial_use": c.cfg.AllowCommercialUse,
	})
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("request-json", string(payload)); err != nil {
		return nil, "", err
	}
	part, err := w.CreateFormFile("file", filepath.Base(imagePath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// PollSubmission waits until the submission has a job assigned.
// Transport failures and unparseable bodies count as a not-ready poll.
func (c *Client) PollSubmission(ctx context.Context, subid SubmissionID) (JobID, error) {
	var job JobID
	statusURL := c.endpoint("api", "submissions", string(subid))

	n, err := retry.Poll(ctx, c.policy(), func(ctx context.Context, attempt int) (bool, error) {
		obj, ok, err := c.pollObject(ctx, statusURL, StageSubmission, attempt)
		if err != nil || !ok {
			return false, err
		}
		id, ready, err := firstJob(obj)
		if err != nil {
			return false, err
		}
		if !ready {
			c.log.Debug("submission not ready", "subid", subid, "attempt", attempt)
			return false, nil
		}
		job = JobID(id)
		return true, nil
	})
	if err != nil {
		return "", c.pollError(StageSubmission, n, err)
	}
	c.log.Info("submission assigned to job", "subid", subid, "job", job, "polls", n)
	return job, nil
}

// PollCalibration waits until the job reports a numeric right ascension and returns the whole payload.
func (c *Client) PollCalibration(ctx context.Context, job JobID) (RawCalibration, error) {
	var cal RawCalibration
	calURL := c.endpoint("api", "jobs", string(job), "calibration") + "/"

	n, err := retry.Poll(ctx, c.policy(), func(ctx context.Context, attempt int) (bool, error) {
		obj, ok, err := c.pollObject(ctx, calURL, StageCalibration, attempt)
		if err != nil || !ok {
			return false, err
		}
		raw, present := obj.field("ra")
		if !present {
			c.log.Debug("calibration not ready", "job", job, "attempt", attempt)
			return false, nil
		}
		if _, err := decodeFloat("ra", raw); err != nil {
			c.log.Debug("calibration not ready", "job", job, "attempt", attempt, "error", err)
			return false, nil
		}
		cal = RawCalibration(obj)
		return true, nil
	})
	if err != nil {
		return nil, c.pollError(StageCalibration, n, err)
	}
	c.log.Info("calibration received", "job", job, "polls", n)
	return cal, nil
}

func (c *Client) policy() retry.Policy {
	return retry.Fixed(c.cfg.PollInterval, c.cfg.MaxPolls)
}

func (c *Client) pollError(stage Stage, polls int, err error) error {
	if errors.Is(err, retry.ErrExhausted) {
		return &StageError{Stage: stage, Err: fmt.Errorf("%w after %d polls", ErrTimedOut, polls)}
	}
	return &StageError{Stage: stage, Err: err}
}

// pollObject fetches one poll response. ok=false means the attempt should be treated as not ready.
// Only context cancellation is returned as an error.
func (c *Client) pollObject(ctx context.Context, target string, stage Stage, attempt int) (object, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, false, err
	}
	obj, err := c.doObject(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		c.log.Warn("poll request failed", "stage", stage, "attempt", attempt, "error", err)
		return nil, false, nil
	}
	return obj, true, nil
}

func (c *Client) doObject(req *http.Request) (object, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
	}
	return decodeObject(body)
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.cfg.BaseURL + "/" + strings.Join(escaped, "/")
}

func requireSuccess(obj object) error {
	status, err := obj.requireString("status")
	if err != nil {
		return err
	}
	if status != "success" {
		if msg, err := obj.requireString("errormessage"); err == nil && msg != "" {
			return fmt.Errorf("status %q: %s", status, msg)
		}
		return fmt.Errorf("status %q", status)
	}
	return nil
}

// firstJob reads jobs[0]. A missing, empty or null-first jobs list is not ready yet.
func firstJob(obj object) (string, bool, error) {
	raw, ok := obj.field("jobs")
	if !ok {
		return "", false, nil
	}
	var jobs []json.RawMessage
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return "", false, &DecodeError{Field: "jobs", Reason: WrongType}
	}
	if len(jobs) == 0 {
		return "", false, nil
	}
	first := bytes.TrimSpace(jobs[0])
	if len(first) == 0 || bytes.Equal(first, []byte("null")) {
		return "", false, nil
	}
	id, err := decodeID("jobs", first)
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}
