package analysis

import (
	"unicode/utf8"

	"github.com/pierrec/lz4/v4"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// LineStats counts the lines a file gained, lost and rewrote since the
// previous time it was analyzed.
type LineStats struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Changed int `json:"changed"`
}

// IsZero reports an unchanged file.
func (s LineStats) IsZero() bool {
	return s == LineStats{}
}

// contentStore keeps the last analyzed content of every file, LZ4 block
// compressed, so a re-analysis can diff against it.
type contentStore struct {
	blobs map[string]storedBlob
}

type storedBlob struct {
	data []byte
	size int
	// raw is set when the content did not compress.
	raw bool
}

func newContentStore() *contentStore {
	return &contentStore{blobs: map[string]storedBlob{}}
}

// swap stores content for rel and returns the churn against the previous
// content. The first sighting of a file reports no churn.
func (s *contentStore) swap(rel string, content []byte) LineStats {
	prev, ok := s.load(rel)
	s.store(rel, content)

	if !ok {
		return LineStats{}
	}

	return diffLines(string(prev), string(content))
}

func (s *contentStore) forget(rel string) {
	delete(s.blobs, rel)
}

func (s *contentStore) store(rel string, content []byte) {
	compressed := make([]byte, lz4.CompressBlockBound(len(content)))

	written, err := lz4.CompressBlock(content, compressed, nil)
	if err != nil || written == 0 {
		s.blobs[rel] = storedBlob{data: append([]byte(nil), content...), size: len(content), raw: true}

		return
	}

	s.blobs[rel] = storedBlob{data: compressed[:written], size: len(content)}
}

func (s *contentStore) load(rel string) ([]byte, bool) {
	blob, ok := s.blobs[rel]
	if !ok {
		return nil, false
	}

	if blob.raw {
		return blob.data, true
	}

	content := make([]byte, blob.size)

	n, err := lz4.UncompressBlock(blob.data, content)
	if err != nil {
		delete(s.blobs, rel)

		return nil, false
	}

	return content[:n], true
}

// diffLines runs a line-mode diff; every rune of the encoded texts is one line.
func diffLines(from, to string) LineStats {
	if from == to {
		return LineStats{}
	}

	dmp := diffmatchpatch.New()
	src, dst, _ := dmp.DiffLinesToRunes(from, to)
	diffs := dmp.DiffMainRunes(src, dst, false)
	diffs = dmp.DiffCleanupMerge(dmp.DiffCleanupSemanticLossless(diffs))

	return lineStats(diffs)
}

// lineStats pairs a deletion with the insertion that follows it: the
// overlapping lines are changed, the rest are added or removed.
func lineStats(diffs []diffmatchpatch.Diff) LineStats {
	var (
		stats   LineStats
		deleted int
	)

	for _, edit := range diffs {
		switch edit.Type {
		case diffmatchpatch.DiffEqual:
			stats.Removed += deleted
			deleted = 0
		case diffmatchpatch.DiffInsert:
			inserted := utf8.RuneCountInString(edit.Text)
			paired := min(deleted, inserted)

			stats.Changed += paired
			stats.Added += inserted - paired
			stats.Removed += deleted - paired
			deleted = 0
		case diffmatchpatch.DiffDelete:
			deleted += utf8.RuneCountInString(edit.Text)
		}
	}

	stats.Removed += deleted

	return stats
}
