package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	progressFilePrefix = "process-progress-"
	stopFilePrefix     = "stop-request-"
	fileExtension      = ".json"
)

// ErrEmptyDirectory is returned when a FileStore is created without a directory.
var ErrEmptyDirectory = errors.New("checkpoint directory cannot be empty")

// stopMarker is the informational content of a stop-request file.
type stopMarker struct {
	RequestedAt time.Time `json:"requested_at"`
}

// FileStore keeps one JSON document per job in a directory:
// process-progress-{job}.json and stop-request-{job}.json.
// Documents are replaced with write-then-rename so readers never see a partial write.
type FileStore struct {
	directory string
	opts      options

	// mu guards locks; each job's lock serializes its read-modify-write.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates a store rooted at directory, creating it if needed.
func NewFileStore(directory string, opts ...Option) (*FileStore, error) {
	if directory == "" {
		return nil, ErrEmptyDirectory
	}

	if err := os.MkdirAll(directory, 0750); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	return &FileStore{
		directory: directory,
		opts:      newOptions(opts),
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

// Directory returns the root directory of the store.
func (s *FileStore) Directory() string {
	return s.directory
}

// WriteProgress merges u into the job's progress document.
func (s *FileStore) WriteProgress(_ context.Context, jobID string, u Update) error {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	existing, _ := s.readProgressFile(s.progressPath(jobID))
	next := merge(existing, jobID, u, s.opts.timestamp())

	if err := s.writeJSON(s.progressPath(jobID), next); err != nil {
		return fmt.Errorf("failed to write progress for %s: %w", jobID, err)
	}
	return nil
}

// ReadProgress returns the job's progress document, if readable.
func (s *FileStore) ReadProgress(_ context.Context, jobID string) (*Progress, bool) {
	return s.readProgressFile(s.progressPath(jobID))
}

// ListProgress reads every progress document in the directory.
func (s *FileStore) ListProgress(_ context.Context) []Progress {
	entries, err := os.ReadDir(s.directory)
	if err != nil {
		s.opts.logger.Warn("Failed to list checkpoint directory",
			slog.String("directory", s.directory),
			slog.Any("error", err),
		)
		return nil
	}

	var out []Progress
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, progressFilePrefix) || filepath.Ext(name) != fileExtension {
			continue
		}
		if p, ok := s.readProgressFile(filepath.Join(s.directory, name)); ok {
			out = append(out, *p)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// IsStopRequested reports whether the job's stop-request file exists.
func (s *FileStore) IsStopRequested(_ context.Context, jobID string) bool {
	_, err := os.Stat(s.stopPath(jobID))
	if err == nil {
		return true
	}
	if !errors.Is(err, os.ErrNotExist) {
		s.opts.logger.Warn("Failed to check stop request, assuming none",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
	return false
}

// RequestStop writes the job's stop-request file.
func (s *FileStore) RequestStop(_ context.Context, jobID string) error {
	marker := stopMarker{RequestedAt: s.opts.timestamp()}
	if err := s.writeJSON(s.stopPath(jobID), marker); err != nil {
		return fmt.Errorf("failed to write stop request for %s: %w", jobID, err)
	}
	return nil
}

// Clear removes the job's progress and stop-request files.
func (s *FileStore) Clear(_ context.Context, jobID string) error {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	var errs []error
	for _, path := range []string{s.stopPath(jobID), s.progressPath(jobID)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to clear checkpoint for %s: %w", jobID, errors.Join(errs...))
	}
	return nil
}

func (s *FileStore) progressPath(jobID string) string {
	return filepath.Join(s.directory, progressFilePrefix+SafeName(jobID)+fileExtension)
}

func (s *FileStore) stopPath(jobID string) string {
	return filepath.Join(s.directory, stopFilePrefix+SafeName(jobID)+fileExtension)
}

func (s *FileStore) jobLock(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[jobID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[jobID] = lock
	}
	return lock
}

// readProgressFile returns the decoded document, logging anything but a missing file.
func (s *FileStore) readProgressFile(path string) (*Progress, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.opts.logger.Warn("Failed to read progress file",
				slog.String("path", path),
				slog.Any("error", err),
			)
		}
		return nil, false
	}

	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		s.opts.logger.Warn("Ignoring corrupt progress file",
			slog.String("path", path),
			slog.Any("error", err),
		)
		return nil, false
	}
	if p.Metrics == nil {
		p.Metrics = Metrics{}
	}
	return &p, true
}

// writeJSON writes v to a temporary file in the same directory and renames it over path.
func (s *FileStore) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	tmp, err := os.CreateTemp(s.directory, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
