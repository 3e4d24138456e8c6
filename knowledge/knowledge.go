// Package knowledge implements the semantic-search store backing the
// knowledge tool: named contexts of indexed files with background
// indexing and lexical search.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/qagent/errors"
)

// OperationStatus tracks a background indexing operation.
type OperationStatus string

const (
	OpRunning   OperationStatus = "running"
	OpComplete  OperationStatus = "complete"
	OpFailed    OperationStatus = "failed"
	OpCancelled OperationStatus = "cancelled"
)

// Operation is one long-running store mutation.
type Operation struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Target    string          `json:"target"`
	Status    OperationStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
	StartedAt time.Time       `json:"startedAt"`

	cancel context.CancelFunc
}

// Context is one named set of indexed files.
type Context struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Files     []string  `json:"files"`
	IndexedAt time.Time `json:"indexedAt"`
}

// Store owns the on-disk index. Indexing runs on background goroutines;
// mutations of the in-memory maps are serialized by the mutex.
type Store struct {
	mu       sync.Mutex
	dir      string
	contexts map[string]*Context
	ops      map[string]*Operation
	logger   *slog.Logger
}

// Open loads or creates the store under dir (the platform data
// directory's semantic-search subtree).
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "could not create knowledge directory %q", dir)
	}
	s := &Store{
		dir:      dir,
		contexts: map[string]*Context{},
		ops:      map[string]*Operation{},
		logger:   logger.With("component", "knowledge"),
	}
	data, err := os.ReadFile(s.indexPath())
	if err == nil {
		if err := json.Unmarshal(data, &s.contexts); err != nil {
			logger.Warn("knowledge index is corrupt, starting empty", "error", err)
			s.contexts = map[string]*Context{}
		}
	}
	return s, nil
}

func (s *Store) indexPath() string { return filepath.Join(s.dir, "contexts.json") }

func (s *Store) persistLocked() {
	data, err := json.MarshalIndent(s.contexts, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(s.indexPath(), data, 0o644); err != nil {
		s.logger.Warn("could not persist knowledge index", "error", err)
	}
}

// Add starts indexing path under the given name and returns the
// operation id immediately.
func (s *Store) Add(name, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrapf(err, "could not resolve %q", path)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", errors.Wrapf(err, "path %q does not exist", path)
	}
	if name == "" {
		name = filepath.Base(abs)
	}
	return s.startOp("add", name, func(ctx context.Context) error {
		files, err := collectTextFiles(ctx, abs)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.contexts[name] = &Context{
			Name:      name,
			Path:      abs,
			Files:     files,
			IndexedAt: time.Now().UTC(),
		}
		s.persistLocked()
		return nil
	}), nil
}

// Update re-indexes an existing context and returns the operation id.
func (s *Store) Update(name string) (string, error) {
	s.mu.Lock()
	c, ok := s.contexts[name]
	s.mu.Unlock()
	if !ok {
		return "", errors.New("no knowledge context named %q", name)
	}
	return s.Add(name, c.Path)
}

// Remove deletes a context. It is fast and synchronous.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contexts[name]; !ok {
		return errors.New("no knowledge context named %q", name)
	}
	delete(s.contexts, name)
	s.persistLocked()
	return nil
}

// Show lists the stored contexts.
func (s *Store) Show() []*Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Context, 0, len(s.contexts))
	for _, c := range s.contexts {
		out = append(out, c)
	}
	return out
}

// Status returns the tracked operations.
func (s *Store) Status() []*Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Operation, 0, len(s.ops))
	for _, op := range s.ops {
		out = append(out, op)
	}
	return out
}

// Cancel aborts a running operation.
func (s *Store) Cancel(opID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[opID]
	if !ok {
		return errors.New("no operation with id %q", opID)
	}
	if op.Status == OpRunning {
		op.cancel()
	}
	return nil
}

// SearchMatch is one search hit.
type SearchMatch struct {
	Context string `json:"context"`
	File    string `json:"file"`
	Line    int    `json:"line"`
	Text    string `json:"text"`
}

const maxSearchMatches = 50

// Search returns the lines of every indexed file that contain query as
// a literal, case-insensitive substring, up to maxSearchMatches.
func (s *Store) Search(query string) ([]SearchMatch, error) {
	re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(query))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid query")
	}
	s.mu.Lock()
	contexts := make([]*Context, 0, len(s.contexts))
	for _, c := range s.contexts {
		contexts = append(contexts, c)
	}
	s.mu.Unlock()

	var matches []SearchMatch
	for _, c := range contexts {
		for _, file := range c.Files {
			data, err := os.ReadFile(file)
			if err != nil {
				continue
			}
			for i, line := range strings.Split(string(data), "\n") {
				if re.MatchString(line) {
					matches = append(matches, SearchMatch{
						Context: c.Name,
						File:    file,
						Line:    i + 1,
						Text:    strings.TrimSpace(line),
					})
					if len(matches) >= maxSearchMatches {
						return matches, nil
					}
				}
			}
		}
	}
	return matches, nil
}

func (s *Store) startOp(kind, target string, run func(ctx context.Context) error) string {
	ctx, cancel := context.WithCancel(context.Background())
	op := &Operation{
		ID:        uuid.NewString(),
		Kind:      kind,
		Target:    target,
		Status:    OpRunning,
		StartedAt: time.Now().UTC(),
		cancel:    cancel,
	}
	s.mu.Lock()
	s.ops[op.ID] = op
	s.mu.Unlock()

	go func() {
		err := run(ctx)
		s.mu.Lock()
		defer s.mu.Unlock()
		switch {
		case ctx.Err() != nil:
			op.Status = OpCancelled
		case err != nil:
			op.Status = OpFailed
			op.Error = err.Error()
		default:
			op.Status = OpComplete
		}
	}()
	return op.ID
}

const maxIndexedFileSize = 1 << 20

// collectTextFiles walks root and gathers the plain-text files worth
// indexing, skipping hidden directories and binaries.
func collectTextFiles(ctx context.Context, root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}
	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") && path != root {
				return fs.SkipDir
			}
			return nil
		}
		fi, err := d.Info()
		if err != nil || fi.Size() > maxIndexedFileSize {
			return nil
		}
		if looksBinary(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func looksBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()
	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	for _, b := range buf[:n] {
		if b == 0 {
			return true
		}
	}
	return false
}

// String renders an operation for status output.
func (o *Operation) String() string {
	return fmt.Sprintf("%s %s (%s): %s", o.Kind, o.Target, o.ID, o.Status)
}
