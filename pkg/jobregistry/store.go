package jobregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/3leaps/superdev/pkg/artifactdir"
	"github.com/3leaps/superdev/pkg/job"
)

// Store persists and loads JobRecords from an on-disk directory so progress
// can be read without talking to the server.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//
// Root is expected to be under the app data dir.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *Store) JobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.json")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job store root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// ErrInvalidJobID is returned for ids that cannot name a record directory.
var ErrInvalidJobID = errors.New("invalid job_id")

// checkJobID trims id and rejects ids that would escape the store root.
func checkJobID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: job_id is required", ErrInvalidJobID)
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w %q", ErrInvalidJobID, id)
	}
	return id, nil
}

func (s *Store) Write(record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	jobID, err := checkJobID(record.JobID)
	if err != nil {
		return err
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	jobDir := s.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}

	if err := os.Rename(tmpName, s.JobPath(jobID)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

func (s *Store) Get(jobID string) (*JobRecord, error) {
	jobID, err := checkJobID(jobID)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}

	var record JobRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}
	return &record, nil
}

// List returns every readable record, most recently updated first.
func (s *Store) List() ([]JobRecord, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]JobRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	return out, nil
}

// Prune deletes terminal records last updated more than maxAge before now.
// With dryRun it only counts them.
func (s *Store) Prune(maxAge time.Duration, now time.Time, dryRun bool) (int, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("max age must be > 0")
	}
	jobs, err := s.List()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, j := range jobs {
		if !j.Terminal() || now.Sub(j.UpdatedAt) <= maxAge {
			continue
		}
		if !dryRun {
			if err := os.RemoveAll(s.JobDir(j.JobID)); err != nil {
				return n, fmt.Errorf("remove job dir: %w", err)
			}
		}
		n++
	}
	return n, nil
}

// Reset removes every record. Job ids restart with each server process, so
// the server clears records left by an earlier run before it starts.
func (s *Store) Reset() (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read jobs root: %w", err)
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := os.RemoveAll(s.JobDir(entry.Name())); err != nil {
			return n, fmt.Errorf("remove job dir: %w", err)
		}
		n++
	}
	return n, nil
}

// Listener returns a registry listener that mirrors every event into the
// store. The first persisted record's time is kept as CreatedAt.
func (s *Store) Listener() Listener {
	return func(ev job.Event) error {
		createdAt := ev.Time
		if ev.Status != job.StatusWaiting {
			if prev, err := s.Get(ev.JobID); err == nil {
				createdAt = prev.CreatedAt
			} else if !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("read previous record: %w", err)
			}
		}
		return s.Write(RecordFromEvent(ev, createdAt))
	}
}

func artifactLog(compileDir string) string {
	return artifactdir.Open(compileDir).LogFile()
}
