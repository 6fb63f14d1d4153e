package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/ngram-embed/internal/dataset"
	"github.com/raaihank/ngram-embed/internal/embeddings"
	"github.com/raaihank/ngram-embed/internal/ngrams"
)

// Job states
const (
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// JobOptions enables dataset jobs on the server
type JobOptions struct {
	Cache    dataset.ResultCache // may be nil
	Sink     dataset.FeatureSink // may be nil
	TextKey  string
	Defaults dataset.Config
	// RootDir confines job input and output paths; required
	RootDir string
}

// ErrOutsideRoot is returned for job paths that resolve outside the data root
var ErrOutsideRoot = errors.New("path is outside the dataset root")

// JobRequest starts featurization of a dataset file on the server host
type JobRequest struct {
	Input  string `json:"input"`
	Output string `json:"output,omitempty"`
	Format string `json:"format,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// JobStatus describes a submitted dataset job
type JobStatus struct {
	ID         string                    `json:"id"`
	Input      string                    `json:"input"`
	Output     string                    `json:"output,omitempty"`
	State      string                    `json:"state"`
	Error      string                    `json:"error,omitempty"`
	Result     *dataset.ProcessingResult `json:"result,omitempty"`
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt *time.Time                `json:"finished_at,omitempty"`
}

type jobTracker struct {
	options JobOptions
	jobs    map[string]*JobStatus
	wg      sync.WaitGroup
	mu      sync.RWMutex
}

// lockedEmbedder serializes pipeline forward passes with HTTP requests
type lockedEmbedder struct {
	s *Server
}

func (e lockedEmbedder) EmbedExample(ctx context.Context, ex ngrams.Example) (*embeddings.Result, error) {
	e.s.embedMu.Lock()
	defer e.s.embedMu.Unlock()
	return e.s.featurizer.EmbedExample(ctx, ex)
}

func (e lockedEmbedder) Fingerprint() string { return e.s.featurizer.Fingerprint() }
func (e lockedEmbedder) Checkpoint() string  { return e.s.featurizer.Checkpoint() }

// EnableJobs registers the dataset job endpoints. Jobs only read and write
// files under options.RootDir.
func (s *Server) EnableJobs(options JobOptions) error {
	if options.RootDir == "" {
		return errors.New("dataset root directory is required for jobs")
	}
	root, err := filepath.Abs(options.RootDir)
	if err != nil {
		return fmt.Errorf("failed to resolve dataset root: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("failed to create dataset root: %w", err)
	}
	if root, err = filepath.EvalSymlinks(root); err != nil {
		return fmt.Errorf("failed to resolve dataset root: %w", err)
	}
	options.RootDir = root

	s.jobs = &jobTracker{options: options, jobs: make(map[string]*JobStatus)}

	s.api.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	s.api.HandleFunc("/jobs", s.handleStartJob).Methods(http.MethodPost)
	s.api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)

	s.logger.Info("Dataset jobs enabled", zap.String("root", root))
	return nil
}

// resolveDataPath maps a requested path into root. Relative paths are taken
// from root; absolute paths must already lie inside it. Symlinks are followed
// before the containment check.
func resolveDataPath(root, path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)

	// resolve the deepest existing ancestor; the rest does not exist yet
	existing, rest := path, ""
	for {
		if real, err := filepath.EvalSymlinks(existing); err == nil {
			path = filepath.Join(real, rest)
			break
		}
		if _, err := os.Lstat(existing); err == nil {
			// dangling symlink
			return "", fmt.Errorf("%w: %s", ErrOutsideRoot, existing)
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}

	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return path, nil
}

// WaitJobs blocks until every running job has returned
func (s *Server) WaitJobs() {
	if s.jobs != nil {
		s.jobs.wg.Wait()
	}
}

// handleStartJob starts a dataset job and returns its ID
func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}
	if req.Input == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "input is required"})
		return
	}

	root := s.jobs.options.RootDir
	input, err := resolveDataPath(root, req.Input)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "input: " + err.Error()})
		return
	}

	cfg := s.jobs.options.Defaults
	cfg.Format = dataset.ParseFileFormat(req.Format, input)
	if req.Output != "" {
		cfg.Output = req.Output
	}
	if cfg.Output != "" {
		if cfg.Output, err = resolveDataPath(root, cfg.Output); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "output: " + err.Error()})
			return
		}
	}
	if req.Limit > 0 {
		cfg.Limit = req.Limit
	}

	var reporter dataset.ProgressReporter
	if s.wsHub != nil {
		reporter = s.wsHub
	}
	pipeline := dataset.NewPipeline(
		lockedEmbedder{s: s},
		s.jobs.options.Cache,
		s.jobs.options.Sink,
		reporter,
		s.jobs.options.TextKey,
		&cfg,
		s.logger.WithComponent("dataset").Logger,
	)

	status := &JobStatus{
		ID:        uuid.NewString(),
		Input:     input,
		Output:    cfg.Output,
		State:     JobRunning,
		StartedAt: time.Now(),
	}
	s.jobs.mu.Lock()
	s.jobs.jobs[status.ID] = status
	s.jobs.mu.Unlock()

	s.jobs.wg.Add(1)
	go func() {
		defer s.jobs.wg.Done()
		// jobs outlive the request that started them
		result, err := pipeline.ProcessFileAs(context.Background(), status.ID, input)
		s.finishJob(status.ID, result, err)
	}()

	s.logger.Info("Dataset job submitted",
		zap.String("job_id", status.ID),
		zap.String("input", input))
	writeJSON(w, http.StatusAccepted, s.jobSnapshot(status.ID))
}

func (s *Server) finishJob(id string, result *dataset.ProcessingResult, err error) {
	s.jobs.mu.Lock()
	defer s.jobs.mu.Unlock()

	status := s.jobs.jobs[id]
	now := time.Now()
	status.FinishedAt = &now
	status.Result = result
	if err != nil {
		status.State = JobFailed
		status.Error = err.Error()
		return
	}
	status.State = JobCompleted
}

func (s *Server) jobSnapshot(id string) *JobStatus {
	s.jobs.mu.RLock()
	defer s.jobs.mu.RUnlock()

	status, ok := s.jobs.jobs[id]
	if !ok {
		return nil
	}
	snapshot := *status
	return &snapshot
}

// handleGetJob returns one job's status
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	status := s.jobSnapshot(mux.Vars(r)["id"])
	if status == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleListJobs returns all jobs, newest first
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.jobs.mu.RLock()
	jobs := make([]JobStatus, 0, len(s.jobs.jobs))
	for _, status := range s.jobs.jobs {
		jobs = append(jobs, *status)
	}
	s.jobs.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].StartedAt.After(jobs[j].StartedAt)
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}
