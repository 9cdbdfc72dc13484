package fastpush

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// SnapshotVersion guards against loading state written by an incompatible
// build. Bump it whenever the serialized shape changes.
const SnapshotVersion = 3

// Chunk names one journal file and the provisional changelist numbers its
// change records span.
type Chunk struct {
	File      string `yaml:"file"`
	FirstMark int    `yaml:"first_mark"`
	LastMark  int    `yaml:"last_mark"`
}

// Snapshot carries fast-push state from pre-receive to post-receive. The
// two hooks run in separate processes, so everything post-receive needs is
// written to disk between them.
type Snapshot struct {
	Version  int    `yaml:"version"`
	RepoName string `yaml:"repo_name"`

	// FirstGFMark and LastGFMark bound the provisional changelist numbers
	// handed out during pre-receive.
	FirstGFMark int `yaml:"first_gfmark"`
	LastGFMark  int `yaml:"last_gfmark"`

	// Chunks lists the journal files in import order with the gfmark
	// range each one holds.
	Chunks []Chunk `yaml:"chunks"`

	// RevCount totals the db.rev records across every chunk.
	RevCount int `yaml:"rev_count"`

	// BranchHeads maps branch id to the gfmark of its newest changelist.
	BranchHeads map[string]int `yaml:"branch_heads"`

	// Sha1ByGFMark records which commit each provisional changelist
	// translates, ghost-populate marks excluded.
	Sha1ByGFMark map[int]string `yaml:"sha1_by_gfmark"`

	// BranchByGFMark records the destination branch of every provisional
	// changelist, ghost-populate marks included.
	BranchByGFMark map[int]string `yaml:"branch_by_gfmark"`

	// DescRewrites lists the gfmarks whose descriptions hold gfmark
	// references needing renumbering after import.
	DescRewrites []int `yaml:"desc_rewrites"`
}

// Save writes the snapshot atomically: full write to a temp file, then
// rename.
func (s *Snapshot) Save(path string) error {
	s.Version = SnapshotVersion
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadSnapshot reads and version-checks a snapshot.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.Version != SnapshotVersion {
		return nil, fmt.Errorf("snapshot version %d, want %d; rerun the push", s.Version, SnapshotVersion)
	}
	return &s, nil
}
