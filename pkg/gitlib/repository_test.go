package gitlib_test

import (
	"os"
	"path/filepath"
	"testing"

	git2go "github.com/libgit2/git2go/v34"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/offload/pkg/gitlib"
)

// newTestRepo initializes a repository with a .gitignore in a temp directory.
func newTestRepo(t *testing.T, ignore string) string {
	t.Helper()

	dir := t.TempDir()

	repo, err := git2go.InitRepository(dir, false)
	require.NoError(t, err)
	repo.Free()

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(ignore), 0o600))

	return dir
}

func TestOpenRepository_FromSubdirectory(t *testing.T) {
	t.Parallel()

	dir := newTestRepo(t, "")
	sub := filepath.Join(dir, "pkg", "inner")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	repo, err := gitlib.OpenRepository(sub)
	require.NoError(t, err)

	defer repo.Free()

	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, want, repo.Workdir())
}

func TestOpenRepository_NotARepository(t *testing.T) {
	t.Parallel()

	_, err := gitlib.OpenRepository(t.TempDir())
	require.Error(t, err)
}

func TestOpenRepository_Bare(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	repo, err := git2go.InitRepository(dir, true)
	require.NoError(t, err)
	repo.Free()

	_, err = gitlib.OpenRepository(dir)
	require.ErrorIs(t, err, gitlib.ErrBareRepository)
}

func TestRepository_IsIgnored(t *testing.T) {
	t.Parallel()

	dir := newTestRepo(t, "build/\n*.log\n")

	repo, err := gitlib.OpenRepository(dir)
	require.NoError(t, err)

	defer repo.Free()

	assert.True(t, repo.IsIgnored("debug.log"))
	assert.True(t, repo.IsIgnored("build/"))
	assert.True(t, repo.IsIgnored(filepath.Join(repo.Workdir(), "nested", "trace.log")))
	assert.False(t, repo.IsIgnored("main.go"))
	assert.False(t, repo.IsIgnored(filepath.Join(filepath.Dir(repo.Workdir()), "elsewhere.log")))
}

func TestRepository_IgnorerIsRelativeToRoot(t *testing.T) {
	t.Parallel()

	dir := newTestRepo(t, "/svc/gen/\n")
	root := filepath.Join(dir, "svc")
	require.NoError(t, os.MkdirAll(root, 0o755))

	repo, err := gitlib.OpenRepository(root)
	require.NoError(t, err)

	defer repo.Free()

	ignored := repo.Ignorer(root)

	assert.True(t, ignored("gen/"))
	assert.False(t, ignored("main.go"))
}

func TestRepository_FreeIsIdempotent(t *testing.T) {
	t.Parallel()

	repo, err := gitlib.OpenRepository(newTestRepo(t, ""))
	require.NoError(t, err)

	repo.Free()
	repo.Free()

	assert.False(t, repo.IsIgnored("anything"))
}
