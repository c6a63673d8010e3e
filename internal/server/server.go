package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"blindsolve/internal/fsutil"
	"blindsolve/internal/pipeline"
	"blindsolve/internal/solve"
	"blindsolve/internal/storage"
)

// maxUpload bounds multipart image uploads.
const maxUpload = 256 << 20

// Submitter queues jobs and streams their events. *pipeline.Pipeline implements it.
type Submitter interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Event, func())
}

// Server exposes solve submission and attempt history over HTTP.
type Server struct {
	addr      string
	store     *storage.Store
	pipeline  Submitter
	uploadDir string
	log       *slog.Logger
	hub       *Hub
	server    *http.Server
	newID     func() string
}

// NewServer creates a server. Uploaded images are kept under uploadDir so their sidecars
// land next to them.
func NewServer(addr string, store *storage.Store, pipe Submitter, uploadDir string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:      addr,
		store:     store,
		pipeline:  pipe,
		uploadDir: uploadDir,
		log:       log,
		hub:       newHub(log),
		newID:     uuid.NewString,
	}
}

// Handler builds the routes. Background websocket fan-out runs until ctx ends.
func (s *Server) Handler(ctx context.Context) http.Handler {
	go s.hub.run(ctx)
	events, unsubscribe := s.pipeline.Subscribe()
	go func() {
		defer unsubscribe()
		s.hub.forward(ctx, events)
	}()

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/solve", s.handleSolve).Methods("POST")
	r.HandleFunc("/attempts", s.handleAttempts).Methods("GET")
	r.HandleFunc("/attempts/{id}", s.handleAttempt).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.handleWebSocket(ctx)).Methods("GET")
	return r
}

// Start serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// solveRequest is the JSON body of POST /solve.
type solveRequest struct {
	Path      string `json:"path"`
	APIKey    string `json:"api_key,omitempty"`
	ASTAPPath string `json:"astap_path,omitempty"`
}

type solveAccepted struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	id := s.newID()
	job := pipeline.Job{ID: id, Type: pipeline.JobSolve, Origin: "http"}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		path, err := s.saveUpload(r, id)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		job.InputPath = path
		job.Settings = solve.Settings{APIKey: r.FormValue("api_key"), LocalExecutable: r.FormValue("astap_path")}
	} else {
		var req solveRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
		if req.Path == "" {
			writeError(w, http.StatusBadRequest, errors.New("path is required"))
			return
		}
		if _, err := os.Stat(req.Path); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("image not readable: %w", err))
			return
		}
		job.InputPath = req.Path
		job.Settings = solve.Settings{APIKey: req.APIKey, LocalExecutable: req.ASTAPPath}
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	var events <-chan pipeline.Event
	if wait {
		var unsubscribe func()
		events, unsubscribe = s.pipeline.Subscribe()
		defer unsubscribe()
	}

	if err := s.pipeline.Submit(job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}
	if !wait {
		writeJSON(w, http.StatusAccepted, solveAccepted{ID: id, Status: storage.StatusQueued})
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				writeError(w, http.StatusServiceUnavailable, errors.New("pipeline stopped"))
				return
			}
			if ev.Type != pipeline.EventResult || ev.Result.Job.ID != id {
				continue
			}
			resp := encodeResult(*ev.Result)
			status := http.StatusOK
			if ev.Result.Error != nil {
				status = http.StatusUnprocessableEntity
			}
			writeJSON(w, status, resp)
			return
		}
	}
}

func (s *Server) saveUpload(r *http.Request, id string) (string, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return "", fmt.Errorf("invalid upload: %w", err)
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		return "", fmt.Errorf("image field is required: %w", err)
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if !fsutil.IsImageFile(name) {
		return "", fmt.Errorf("unsupported image type: %s", name)
	}
	dir := filepath.Join(s.uploadDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, name)
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, io.LimitReader(file, maxUpload)); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dst, nil
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	recs, err := s.store.RecentAttempts(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]attemptJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, encodeAttempt(rec, nil))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAttempt(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Attempt(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	trs, err := s.store.Transitions(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeAttempt(*rec, trs))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, _ := json.Marshal(encodeEvent(ev))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
