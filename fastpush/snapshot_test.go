package fastpush

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fastpush-state.yaml")
	s := &Snapshot{
		RepoName:    "repo1",
		FirstGFMark: 1,
		LastGFMark:  12,
		Chunks: []Chunk{
			{File: "jnl.0", FirstMark: 1, LastMark: 8},
			{File: "jnl.1", FirstMark: 9, LastMark: 12},
		},
		RevCount:     345,
		BranchHeads:  map[string]int{"main": 12, "dev": 8},
		Sha1ByGFMark:   map[int]string{1: "aaaa", 12: "bbbb"},
		BranchByGFMark: map[int]string{1: "main", 8: "dev", 12: "main"},
		DescRewrites:   []int{2, 12},
	}
	assert.NoError(t, s.Save(path))

	got, err := LoadSnapshot(path)
	assert.NoError(t, err)
	assert.Equal(t, SnapshotVersion, got.Version)
	assert.Equal(t, s.RepoName, got.RepoName)
	assert.Equal(t, s.Chunks, got.Chunks)
	assert.Equal(t, s.BranchHeads, got.BranchHeads)
	assert.Equal(t, s.Sha1ByGFMark, got.Sha1ByGFMark)
	assert.Equal(t, s.BranchByGFMark, got.BranchByGFMark)
	assert.Equal(t, s.DescRewrites, got.DescRewrites)

	// No temp file left behind.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestSnapshotVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fastpush-state.yaml")
	assert.NoError(t, os.WriteFile(path, []byte("version: 1\nrepo_name: old\n"), 0o644))
	_, err := LoadSnapshot(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "rerun the push")
}

func TestSnapshotMissingFile(t *testing.T) {
	_, err := LoadSnapshot(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
