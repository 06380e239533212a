package analysis_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/offload/pkg/analysis"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()

	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func workspace(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n\nfunc main() {}\n")
	writeFile(t, root, "lib/util.py", "def f():\n    return 1")
	writeFile(t, root, ".git/config", "[core]\n")
	writeFile(t, root, "vendor/dep/dep.go", "package dep\n")
	writeFile(t, root, "node_modules/x/index.js", "module.exports = 1\n")

	return root
}

func drain(t *testing.T, e analysis.Engine) []analysis.FileReport {
	t.Helper()

	var reports []analysis.FileReport

	for {
		report, ok, err := e.AnalyzeNext()
		require.NoError(t, err)

		if !ok {
			return reports
		}

		reports = append(reports, report)
	}
}

func TestWorkspaceEngine_ScanSkipsHiddenAndVendored(t *testing.T) {
	t.Parallel()

	e := analysis.NewWorkspaceEngine(workspace(t))
	assert.Zero(t, e.Pending())

	e.MarkDirty(nil)

	assert.Equal(t, 2, e.Pending())
	assert.Equal(t, 2, e.FilesInProgram())

	reports := drain(t, e)
	require.Len(t, reports, 2)

	byPath := map[string]analysis.FileReport{}
	for _, r := range reports {
		byPath[r.Path] = r
	}

	assert.Equal(t, "Go", byPath["main.go"].Language)
	assert.Equal(t, 3, byPath["main.go"].Lines)
	assert.Equal(t, "Python", byPath["lib/util.py"].Language)
	assert.Equal(t, 2, byPath["lib/util.py"].Lines)
	assert.Zero(t, e.Pending())
}

func TestWorkspaceEngine_MarkDirtyRequeuesChangedFiles(t *testing.T) {
	t.Parallel()

	root := workspace(t)
	e := analysis.NewWorkspaceEngine(root)

	e.MarkDirty(nil)
	drain(t, e)

	writeFile(t, root, "new.go", "package main\n")
	e.MarkDirty([]string{"main.go", filepath.Join(root, "new.go"), "main.go", "../outside.go", ".env"})

	assert.Equal(t, 2, e.Pending())
	assert.Equal(t, 3, e.FilesInProgram())

	require.NoError(t, os.Remove(filepath.Join(root, "new.go")))
	e.MarkDirty([]string{"new.go"})
	assert.Equal(t, 2, e.FilesInProgram())

	reports := drain(t, e)
	require.Len(t, reports, 2)
	assert.Equal(t, "main.go", reports[0].Path)
	assert.True(t, reports[1].Skipped)
}

func TestWorkspaceEngine_MarkDirtyAllRequeuesEverything(t *testing.T) {
	t.Parallel()

	e := analysis.NewWorkspaceEngine(workspace(t))

	e.MarkDirty(nil)
	drain(t, e)

	e.MarkDirty(nil)
	assert.Equal(t, 2, e.Pending())
}

func TestWorkspaceEngine_SkipsLargeAndBinaryFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "big.txt", strings.Repeat("x", 2048))
	writeFile(t, root, "blob.bin", "\x00\x01\x02\x00binary")
	writeFile(t, root, "ok.txt", "fine\n")

	e := analysis.NewWorkspaceEngine(root, analysis.WithMaxFileSize(1024))
	e.MarkDirty(nil)

	var skipped, analyzed int

	for _, r := range drain(t, e) {
		if r.Skipped {
			skipped++
		} else {
			analyzed++
		}
	}

	assert.Equal(t, 2, skipped)
	assert.Equal(t, 1, analyzed)
}

func TestWorkspaceEngine_MissingRootIsFatal(t *testing.T) {
	t.Parallel()

	e := analysis.NewWorkspaceEngine(filepath.Join(t.TempDir(), "missing"))
	e.MarkDirty(nil)

	_, _, err := e.AnalyzeNext()
	require.Error(t, err)
	require.ErrorIs(t, e.Err(), os.ErrNotExist)
	assert.Zero(t, e.Pending())
}

func TestWorkspaceEngine_ScanRetriedOnceRootExists(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "later")
	e := analysis.NewWorkspaceEngine(root)

	e.MarkDirty(nil)
	require.Error(t, e.Err())

	writeFile(t, root, "main.go", "package main\n")

	e.MarkDirty(nil)
	require.NoError(t, e.Err())
	assert.Equal(t, 1, e.Pending())
}

func TestWorkspaceEngine_RelativePaths(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	e := analysis.NewWorkspaceEngine(root)

	rel, ok := e.Relative("..env.sample")
	require.True(t, ok)
	assert.Equal(t, "..env.sample", rel)

	rel, ok = e.Relative(filepath.Join(root, "lib", "util.py"))
	require.True(t, ok)
	assert.Equal(t, "lib/util.py", rel)

	for _, outside := range []string{"..", "../x.go", root, filepath.Join(filepath.Dir(root), "other.go")} {
		_, ok = e.Relative(outside)
		assert.False(t, ok, outside)
	}
}

func TestProgressMessage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "1 file to analyze", analysis.ProgressMessage(1))
	assert.Equal(t, "12 files to analyze", analysis.ProgressMessage(12))
	assert.Equal(t, "0 files to analyze", analysis.ProgressMessage(0))
}

func TestWorkspaceEngine_ChurnAgainstPreviousPass(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "small.txt", "a\nb\nc\n")
	writeFile(t, root, "large.txt", strings.Repeat("same line\n", 200))

	e := analysis.NewWorkspaceEngine(root)
	e.MarkDirty(nil)

	for _, r := range drain(t, e) {
		assert.True(t, r.Churn.IsZero(), r.Path)
	}

	writeFile(t, root, "small.txt", "a\nB\nc\nd\n")
	writeFile(t, root, "large.txt", strings.Repeat("same line\n", 150)+"edited\n"+strings.Repeat("same line\n", 40))
	e.MarkDirty([]string{"small.txt", "large.txt"})

	churn := map[string]analysis.LineStats{}
	for _, r := range drain(t, e) {
		churn[r.Path] = r.Churn
	}

	assert.Equal(t, analysis.LineStats{Added: 1, Changed: 1}, churn["small.txt"])
	assert.Equal(t, analysis.LineStats{Removed: 9, Changed: 1}, churn["large.txt"])
}

func TestWorkspaceEngine_UnchangedFileHasNoChurn(t *testing.T) {
	t.Parallel()

	root := workspace(t)
	e := analysis.NewWorkspaceEngine(root)

	e.MarkDirty(nil)
	drain(t, e)

	e.MarkDirty([]string{"main.go"})

	reports := drain(t, e)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Churn.IsZero())
}

func TestWorkspaceEngine_WithIgnore(t *testing.T) {
	t.Parallel()

	root := workspace(t)
	writeFile(t, root, "build/out.go", "package out\n")
	writeFile(t, root, "debug.log", "trace\n")

	var seen []string

	e := analysis.NewWorkspaceEngine(root, analysis.WithIgnore(func(rel string) bool {
		seen = append(seen, rel)

		return rel == "build/" || strings.HasSuffix(rel, ".log")
	}))
	e.MarkDirty(nil)

	assert.Equal(t, 2, e.FilesInProgram())
	assert.Contains(t, seen, "build/")
	assert.NotContains(t, seen, "build/out.go")

	e.MarkDirty([]string{"debug.log"})
	assert.Equal(t, 2, e.FilesInProgram())
}

func TestWorkspaceEngine_CountsFunctionDeclarations(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n\nfunc main() {}\n\ntype T struct{}\n\nfunc (T) M() {}\n")
	writeFile(t, root, "util.py", "def f():\n    def inner():\n        pass\n    return 1\n")
	writeFile(t, root, "notes.txt", "func main() {}\n")

	e := analysis.NewWorkspaceEngine(root)
	e.MarkDirty(nil)

	functions := map[string]int{}
	for _, r := range drain(t, e) {
		functions[r.Path] = r.Functions
	}

	assert.Equal(t, map[string]int{"main.go": 2, "util.py": 2, "notes.txt": 0}, functions)
}
