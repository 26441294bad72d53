package jobregistry

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// LogTail is a bounded read from the end of a solver log.
type LogTail struct {
	// Content is the trailing bytes, at most the requested budget.
	Content string `json:"content"`

	// Offset is where Content starts within the log file.
	Offset int64 `json:"offset"`

	// Size is the full log size at read time.
	Size int64 `json:"size"`
}

// TailLog reads at most maxBytes from the end of the job's solver log.
// Only the trailing range is read, however large the log has grown.
// maxBytes <= 0 means the whole file. Returns nil when the solver has not
// produced a log yet.
func (s *Store) TailLog(jobID string, maxBytes int64) (*LogTail, error) {
	f, err := os.Open(s.LogPath(jobID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open solver log: %w", err)
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat solver log: %w", err)
	}
	size := fi.Size()

	var offset int64
	if maxBytes > 0 && size > maxBytes {
		offset = size - maxBytes
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek solver log: %w", err)
	}

	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read solver log: %w", err)
	}

	return &LogTail{Content: string(b), Offset: offset, Size: size}, nil
}

// Result is a job's result artifact. Solvers that emit key/value trees
// (YAML or JSON) get parsed; anything else is carried as raw text.
type Result struct {
	Structured map[string]any
	Raw        string
}

// IsStructured reports whether the result parsed as a key/value tree.
func (r *Result) IsStructured() bool {
	return r.Structured != nil
}

// ReadResult loads the job's result file. Returns nil when the solver has
// not written one. Parse failures are not errors; the raw text is the
// result then.
func (s *Store) ReadResult(jobID string) (*Result, error) {
	b, err := os.ReadFile(s.ResultPath(jobID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}

	var tree map[string]any
	if err := yaml.Unmarshal(b, &tree); err == nil && tree != nil {
		return &Result{Structured: tree}, nil
	}
	return &Result{Raw: string(b)}, nil
}
