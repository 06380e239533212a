package analysis

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/src-d/enry/v2"

	"github.com/Sumatoshi-tech/offload/pkg/units"
)

// DefaultMaxFileSize is the largest file WorkspaceEngine reads.
const DefaultMaxFileSize = 1 * units.MiB

// FileReport is the outcome of analyzing one file.
type FileReport struct {
	Path     string
	Language string
	Lines    int
	// Functions counts function and method declarations in languages with
	// a tree-sitter grammar.
	Functions int
	// Churn is the line diff against the previous analysis of the file.
	Churn LineStats
	// Skipped is set for files that were not analyzed (binary, too large, gone).
	Skipped bool
}

// Engine is the analysis algorithm. It is driven from a single goroutine;
// one AnalyzeNext call is one uninterruptible unit of work.
type Engine interface {
	// MarkDirty queues files for analysis. No paths marks every file.
	MarkDirty(paths []string)
	// Pending returns the number of files requiring analysis.
	Pending() int
	// AnalyzeNext analyzes the next queued file. It returns false when
	// nothing is queued. An error is fatal for the engine.
	AnalyzeNext() (FileReport, bool, error)
	// FilesInProgram returns the number of files known to the engine.
	FilesInProgram() int
	// Err reports a failure that keeps the engine from analyzing anything,
	// such as an unreadable root.
	Err() error
}

// WorkspaceEngine analyzes the files under a root directory: it detects each
// file's language and counts its lines. Hidden and vendored directories are
// not part of the program.
type WorkspaceEngine struct {
	root        string
	maxFileSize int64
	logger      *slog.Logger
	ignored     func(rel string) bool

	files    map[string]struct{}
	queue    []string
	queued   map[string]struct{}
	contents *contentStore
	decls    *declarationCounter
	scanned  bool
	err      error
}

// EngineOption configures a WorkspaceEngine.
type EngineOption func(*WorkspaceEngine)

// WithMaxFileSize skips files larger than n bytes.
func WithMaxFileSize(n int64) EngineOption {
	return func(e *WorkspaceEngine) {
		if n > 0 {
			e.maxFileSize = n
		}
	}
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *WorkspaceEngine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithIgnore excludes paths for which ignored returns true. Directory paths
// carry a trailing slash.
func WithIgnore(ignored func(rel string) bool) EngineOption {
	return func(e *WorkspaceEngine) {
		e.ignored = ignored
	}
}

// NewWorkspaceEngine creates an engine rooted at root. The directory is
// scanned lazily on the first MarkDirty.
func NewWorkspaceEngine(root string, opts ...EngineOption) *WorkspaceEngine {
	e := &WorkspaceEngine{
		root:        root,
		maxFileSize: DefaultMaxFileSize,
		logger:      slog.Default(),
		files:       map[string]struct{}{},
		queued:      map[string]struct{}{},
		contents:    newContentStore(),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.decls = newDeclarationCounter(e.logger)

	return e
}

// MarkDirty implements Engine.
func (e *WorkspaceEngine) MarkDirty(paths []string) {
	if !e.scanned {
		e.err = e.scan()
		// A failed scan is retried on the next MarkDirty.
		e.scanned = e.err == nil

		return
	}

	if len(paths) == 0 {
		for rel := range e.files {
			e.enqueue(rel)
		}

		return
	}

	for _, p := range paths {
		rel, ok := e.relative(p)
		if !ok {
			e.logger.Debug("analysis: ignoring path outside workspace", "path", p)

			continue
		}

		info, err := os.Stat(filepath.Join(e.root, rel))
		if err != nil || !info.Mode().IsRegular() || e.excluded(rel) {
			delete(e.files, rel)

			continue
		}

		e.files[rel] = struct{}{}
		e.enqueue(rel)
	}
}

// Pending implements Engine.
func (e *WorkspaceEngine) Pending() int {
	return len(e.queue)
}

// FilesInProgram implements Engine.
func (e *WorkspaceEngine) FilesInProgram() int {
	return len(e.files)
}

// Err implements Engine.
func (e *WorkspaceEngine) Err() error {
	return e.err
}

// AnalyzeNext implements Engine.
func (e *WorkspaceEngine) AnalyzeNext() (FileReport, bool, error) {
	if e.err != nil {
		return FileReport{}, false, e.err
	}

	if len(e.queue) == 0 {
		return FileReport{}, false, nil
	}

	rel := e.queue[0]
	e.queue = e.queue[1:]
	delete(e.queued, rel)

	return e.analyze(rel), true, nil
}

func (e *WorkspaceEngine) analyze(rel string) FileReport {
	report := FileReport{Path: rel, Skipped: true}
	abs := filepath.Join(e.root, rel)

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			delete(e.files, rel)
			e.contents.forget(rel)
		}

		return report
	}

	if info.Size() > e.maxFileSize {
		e.logger.Debug("analysis: file too large", "path", rel, "size", info.Size())

		return report
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		e.logger.Debug("analysis: read failed", "path", rel, "error", err)

		return report
	}

	if enry.IsBinary(content) {
		return report
	}

	report.Skipped = false
	report.Language = enry.GetLanguage(filepath.Base(rel), content)
	report.Lines = countLines(content)
	report.Functions = e.decls.count(report.Language, content)
	report.Churn = e.contents.swap(rel, content)

	return report
}

func (e *WorkspaceEngine) scan() error {
	info, err := os.Stat(e.root)
	if err != nil {
		return fmt.Errorf("analysis root %s: %w", e.root, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("analysis root %s: not a directory", e.root)
	}

	return filepath.WalkDir(e.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			e.logger.Debug("analysis: walk", "path", path, "error", walkErr)

			return nil
		}

		if path == e.root {
			return nil
		}

		rel, err := filepath.Rel(e.root, path)
		if err != nil {
			return nil //nolint:nilerr // unreachable for paths under root
		}

		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if e.excluded(rel + "/") {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.Type().IsRegular() || e.excluded(rel) {
			return nil
		}

		e.files[rel] = struct{}{}
		e.enqueue(rel)

		return nil
	})
}

func (e *WorkspaceEngine) enqueue(rel string) {
	if _, ok := e.queued[rel]; ok {
		return
	}

	e.queued[rel] = struct{}{}
	e.queue = append(e.queue, rel)
}

func (e *WorkspaceEngine) relative(p string) (string, bool) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(e.root, p)
	}

	rel, err := filepath.Rel(e.root, p)
	if err != nil {
		return "", false
	}

	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}

	return rel, true
}

func (e *WorkspaceEngine) excluded(rel string) bool {
	if hiddenOrVendored(rel) {
		return true
	}

	return e.ignored != nil && e.ignored(rel)
}

func hiddenOrVendored(rel string) bool {
	for _, part := range strings.Split(strings.TrimSuffix(rel, "/"), "/") {
		if enry.IsDotFile(part) {
			return true
		}
	}

	return enry.IsVendor(rel)
}

func countLines(content []byte) int {
	if len(content) == 0 {
		return 0
	}

	n := bytes.Count(content, []byte{'\n'})
	if content[len(content)-1] != '\n' {
		n++
	}

	return n
}
