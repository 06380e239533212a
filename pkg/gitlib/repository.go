// Package gitlib answers the git questions the analysis engine asks about a
// workspace, using libgit2.
package gitlib

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	git2go "github.com/libgit2/git2go/v34"
)

// ErrBareRepository is returned for repositories without a working tree.
var ErrBareRepository = errors.New("repository has no working tree")

// Repository wraps a libgit2 repository with a working tree.
type Repository struct {
	repo    *git2go.Repository
	workdir string
}

// OpenRepository opens the repository containing path, searching parent
// directories the way git does.
func OpenRepository(path string) (*Repository, error) {
	repo, err := git2go.OpenRepositoryExtended(path, 0, "")
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	if repo.IsBare() {
		repo.Free()

		return nil, ErrBareRepository
	}

	workdir, err := filepath.EvalSymlinks(repo.Workdir())
	if err != nil {
		workdir = repo.Workdir()
	}

	return &Repository{repo: repo, workdir: filepath.Clean(workdir)}, nil
}

// Workdir returns the root of the working tree.
func (r *Repository) Workdir() string {
	return r.workdir
}

// Free releases the repository resources.
func (r *Repository) Free() {
	if r.repo != nil {
		r.repo.Free()
		r.repo = nil
	}
}

// IsIgnored reports whether path is excluded by .gitignore rules. path is
// absolute or relative to the working tree; a trailing slash marks a
// directory. Paths outside the working tree are never ignored.
func (r *Repository) IsIgnored(path string) bool {
	if r.repo == nil {
		return false
	}

	dir := strings.HasSuffix(path, "/")

	if filepath.IsAbs(path) {
		rel, err := filepath.Rel(r.workdir, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return false
		}

		path = rel
	}

	path = filepath.ToSlash(path)
	if dir && !strings.HasSuffix(path, "/") {
		path += "/"
	}

	ignored, err := r.repo.IsPathIgnored(path)
	if err != nil {
		return false
	}

	return ignored
}

// Ignorer returns a predicate over paths relative to root, a directory inside
// the working tree, that reports .gitignore exclusions.
func (r *Repository) Ignorer(root string) func(rel string) bool {
	base, err := filepath.EvalSymlinks(root)
	if err != nil {
		base = root
	}

	return func(rel string) bool {
		dir := strings.HasSuffix(rel, "/")

		abs := filepath.Join(base, filepath.FromSlash(rel))
		if dir {
			abs += "/"
		}

		return r.IsIgnored(abs)
	}
}
