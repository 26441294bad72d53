package jobregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrBadPattern reports an unparseable name glob in ListOptions.
var ErrBadPattern = errors.New("invalid name glob")

// Job directory artifact names. Fixed; part of the on-disk contract.
const (
	snapshotFileName = "job.json"
	deckFileName     = "deck.cfg"
	logFileName      = "solver.log"
	resultFileName   = "result.out"
)

// Store persists and loads job artifacts from an on-disk directory.
//
// Directory layout:
//
//	<root>/<job_id>/job.json     state snapshot
//	<root>/<job_id>/deck.cfg     materialized solver deck
//	<root>/<job_id>/solver.log   combined solver stdout+stderr
//	<root>/<job_id>/result.out   result artifact, written by the solver
//
// Each job directory is owned exclusively by its job. The store never
// deletes job directories; pruning is an operator action.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	root = strings.TrimSpace(root)
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
	}
	return &Store{root: root}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *Store) SnapshotPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), snapshotFileName)
}

func (s *Store) DeckPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), deckFileName)
}

func (s *Store) LogPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), logFileName)
}

func (s *Store) ResultPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), resultFileName)
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job store root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// CreateJobDir creates the directory for a new job. The id must be fresh;
// an existing directory is a collision and fails loudly rather than being
// reused.
func (s *Store) CreateJobDir(jobID string) error {
	if err := s.ensureRoot(); err != nil {
		return err
	}
	if err := os.Mkdir(s.JobDir(jobID), 0755); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("job dir already exists for id %s", jobID)
		}
		return fmt.Errorf("create job dir: %w", err)
	}
	return nil
}

// WriteDeck writes the materialized deck into the job directory.
func (s *Store) WriteDeck(jobID, deckText string) error {
	if err := os.WriteFile(s.DeckPath(jobID), []byte(deckText), 0644); err != nil {
		return fmt.Errorf("write deck: %w", err)
	}
	return nil
}

// WriteSnapshot atomically replaces job.json with the given record.
// The write goes through a temp file in the same directory followed by a
// rename, so readers never observe a partial snapshot.
func (s *Store) WriteSnapshot(record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	jobID := strings.TrimSpace(record.JobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}

	jobDir := s.JobDir(jobID)
	if _, err := os.Stat(jobDir); err != nil {
		return fmt.Errorf("job dir missing: %w", err)
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

	if err := os.Rename(tmpName, s.SnapshotPath(jobID)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

// ReadSnapshot loads job.json for the given id. It does not interpret the
// record; callers decide how much to trust a snapshot whose process is gone.
func (s *Store) ReadSnapshot(jobID string) (*JobRecord, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	b, err := os.ReadFile(s.SnapshotPath(jobID))
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

// DirExists reports whether a directory for the id exists at all, readable
// snapshot or not.
func (s *Store) DirExists(jobID string) bool {
	fi, err := os.Stat(s.JobDir(jobID))
	return err == nil && fi.IsDir()
}

// ListOptions narrows a directory scan.
type ListOptions struct {
	// NameGlob filters jobs by display name using doublestar glob syntax.
	// Empty matches everything.
	NameGlob string
}

// List scans the store root and returns every readable snapshot, newest
// first by creation time. Entries whose snapshot is missing or unreadable
// are skipped; a scan is a survey, not an integrity check.
func (s *Store) List(opts ListOptions) ([]JobRecord, error) {
	if opts.NameGlob != "" {
		if !doublestar.ValidatePattern(opts.NameGlob) {
			return nil, fmt.Errorf("%w: %q", ErrBadPattern, opts.NameGlob)
		}
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
		r, err := s.ReadSnapshot(entry.Name())
		if err != nil {
			continue
		}
		if opts.NameGlob != "" {
			ok, err := doublestar.Match(opts.NameGlob, r.Name)
			if err != nil || !ok {
				continue
			}
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	return out, nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	if err := p.Signal(os.Signal(syscall.Signal(0))); err != nil {
		return false
	}
	return true
}
