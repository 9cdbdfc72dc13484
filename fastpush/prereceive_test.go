package fastpush

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/rcowham/gitfusion/branch"
	"github.com/rcowham/gitfusion/config"
	"github.com/rcowham/gitfusion/descinfo"
	"github.com/rcowham/gitfusion/journal"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testRegistry() *branch.Registry {
	reg := branch.NewRegistry()
	reg.Add(&branch.Branch{
		BranchID:      "master",
		GitBranchName: "main",
		View:          branch.View{{DepotPrefix: "//import/main/"}},
	})
	reg.Add(&branch.Branch{
		BranchID:      "dev",
		GitBranchName: "dev",
		View:          branch.View{{DepotPrefix: "//import/dev/"}},
	})
	return reg
}

// runPreReceive writes the export stream to a file and runs a full
// pre-receive over it, returning the snapshot and the first chunk's text.
func runPreReceive(t *testing.T, cfg *config.Config, stream string) (*PreReceive, *Snapshot, string) {
	t.Helper()
	workDir := t.TempDir()
	archiveRoot := t.TempDir()
	exportFile := filepath.Join(workDir, "export")
	err := os.WriteFile(exportFile, []byte(stream), 0o644)
	assert.NoError(t, err)

	p := NewPreReceive(quietLogger(), cfg, testRegistry(), "repo1", workDir, archiveRoot, 100)
	snap, err := p.Run(exportFile)
	assert.NoError(t, err)

	jnl, err := os.ReadFile(filepath.Join(workDir, "jnl.0"))
	assert.NoError(t, err)
	return p, snap, string(jnl)
}

// Linear history without --show-original-ids: marks stand in for sha1s.
const linearExport = `blob
mark :1
data 6
hello

blob
mark :2
data 4
old

commit refs/heads/main
mark :3
committer Alice <alice@example.com> 1700000000 +0000
data 8
initial
M 100644 :1 a.txt
M 100644 :2 old.txt

blob
mark :4
data 4
bye

commit refs/heads/main
mark :5
committer Alice <alice@example.com> 1700000100 +0000
data 7
update
from :3
M 100644 :4 a.txt
D old.txt

`

func TestRunWritesJournalAndArchives(t *testing.T) {
	cfg, _ := config.Unmarshal(nil)
	p, snap, jnl := runPreReceive(t, cfg, linearExport)

	assert.Equal(t, 100, snap.FirstGFMark)
	assert.Equal(t, 101, snap.LastGFMark)
	assert.Equal(t, 4, snap.RevCount)
	assert.Equal(t, ":3", snap.Sha1ByGFMark[100])
	assert.Equal(t, ":5", snap.Sha1ByGFMark[101])
	assert.Equal(t, map[int]string{100: "master", 101: "master"}, snap.BranchByGFMark)
	assert.Equal(t, map[string]int{"master": 101}, snap.BranchHeads)

	// Only the second commit has a parent reference to renumber.
	assert.Equal(t, []int{101}, snap.DescRewrites)

	assert.Contains(t, jnl, "@pv@ 0 @db.depot@ @import@")
	assert.Contains(t, jnl, "@pv@ 0 @db.change@ 100 100 @git-fusion-client@ @git-fusion-user@ 1700000000 1 @initial@")
	assert.Contains(t, jnl, descinfo.ImportHeader)
	assert.Contains(t, jnl, "sha1: :3")
	assert.Contains(t, jnl, "parent-changes: None")
	assert.Contains(t, jnl, "parent-changes: :3=[:100]")

	// First add of a.txt, then its edit, then the delete of old.txt.
	assert.Contains(t, jnl, "@pv@ 3 @db.rev@ @//import/main/a.txt@ 1 3 0 100")
	assert.Contains(t, jnl, "@pv@ 3 @db.rev@ @//import/main/a.txt@ 2 3 1 101")
	assert.Contains(t, jnl, "@pv@ 3 @db.rev@ @//import/main/old.txt@ 2 3 2 101")

	// Text content lands in the librarian as a gzip archive keyed by the
	// provisional changelist number.
	lbr := p.librarian.ArchivePath("//import/main/a.txt", 100, true)
	fi, err := os.Stat(lbr)
	assert.NoError(t, err)
	assert.Greater(t, fi.Size(), int64(0))

	_, err = os.Stat(filepath.Join(p.WorkDir, "fastpush-state.yaml"))
	assert.NoError(t, err)
}

func TestChunkRotation(t *testing.T) {
	cfg, _ := config.Unmarshal(nil)
	cfg.MaxRevsPerArchive = 2
	stream := `blob
mark :1
data 2
a

commit refs/heads/main
mark :2
committer Alice <alice@example.com> 1700000000 +0000
data 3
c1
M 100644 :1 a.txt

blob
mark :3
data 2
b

commit refs/heads/main
mark :4
committer Alice <alice@example.com> 1700000100 +0000
data 3
c2
from :2
M 100644 :3 b.txt

blob
mark :5
data 2
c

commit refs/heads/main
mark :6
committer Alice <alice@example.com> 1700000200 +0000
data 3
c3
from :4
M 100644 :5 c.txt

`
	p, snap, jnl0 := runPreReceive(t, cfg, stream)

	assert.Len(t, snap.Chunks, 2)
	assert.Equal(t, 100, snap.Chunks[0].FirstMark)
	assert.Equal(t, 101, snap.Chunks[0].LastMark)
	assert.Equal(t, 102, snap.Chunks[1].FirstMark)
	assert.Equal(t, 102, snap.Chunks[1].LastMark)
	assert.Equal(t, 3, snap.RevCount)

	jnl1, err := os.ReadFile(filepath.Join(p.WorkDir, "jnl.1"))
	assert.NoError(t, err)

	// Bootstrap records appear once, in the first chunk only.
	assert.Contains(t, jnl0, "@db.depot@")
	assert.NotContains(t, string(jnl1), "@db.depot@")
	assert.Contains(t, string(jnl1), "@pv@ 0 @db.change@ 102 102")
	assert.NotContains(t, jnl0, "@pv@ 0 @db.change@ 102")
}

func TestPopulateChangelist(t *testing.T) {
	cfg, _ := config.Unmarshal(nil)
	stream := `blob
mark :1
data 2
a

blob
mark :2
data 2
b

commit refs/heads/main
mark :3
committer Alice <alice@example.com> 1700000000 +0000
data 5
base
M 100644 :1 a.txt
M 100644 :2 b.txt

blob
mark :4
data 2
c

commit refs/heads/dev
mark :5
committer Alice <alice@example.com> 1700000100 +0000
data 4
dev
from :3
M 100644 :4 c.txt

`
	_, snap, jnl := runPreReceive(t, cfg, stream)

	// Marks: 100 base commit, 101 populate, 102 dev commit.
	assert.Equal(t, 102, snap.LastGFMark)
	assert.Equal(t, map[string]int{"master": 100, "dev": 102}, snap.BranchHeads)
	assert.Equal(t, map[int]string{100: "master", 101: "dev", 102: "dev"}, snap.BranchByGFMark)
	assert.Equal(t, []int{101, 102}, snap.DescRewrites)

	assert.Contains(t, jnl, "Git Fusion branch management")
	assert.Contains(t, jnl, "ghost-of-sha1: :3")
	assert.Contains(t, jnl, "ghost-of-change-num: :100")
	assert.Contains(t, jnl, "ghost-precedes-sha1: :5")

	// The populate branches both inherited files, lazy-copying the source
	// archives, with forward and reverse integ records.
	assert.Contains(t, jnl, "@pv@ 3 @db.rev@ @//import/dev/a.txt@ 1 3 3 101")
	assert.Contains(t, jnl, "@//import/main/a.txt@ @1.1@")
	assert.Contains(t, jnl, "@pv@ 3 @db.rev@ @//import/dev/b.txt@ 1 3 3 101")
	assert.Contains(t, jnl, "@pv@ 0 @db.integed@ @//import/dev/a.txt@ @//import/main/a.txt@ 0 1 0 1 2 101")
	assert.Contains(t, jnl, "@pv@ 0 @db.integed@ @//import/main/a.txt@ @//import/dev/a.txt@ 0 1 0 1 9 101")

	// The dev commit itself only touches c.txt.
	assert.Contains(t, jnl, "@pv@ 3 @db.rev@ @//import/dev/c.txt@ 1 3 0 102")
}

func TestRenameWritesDeleteAndBranch(t *testing.T) {
	cfg, _ := config.Unmarshal(nil)
	stream := `blob
mark :1
data 2
a

commit refs/heads/main
mark :2
committer Alice <alice@example.com> 1700000000 +0000
data 4
add
M 100644 :1 a.txt

commit refs/heads/main
mark :3
committer Alice <alice@example.com> 1700000100 +0000
data 5
move
from :2
R a.txt b.txt

`
	_, snap, jnl := runPreReceive(t, cfg, stream)
	assert.Equal(t, 3, snap.RevCount)

	// Delete at source, branch at destination, integ linking the two.
	assert.Contains(t, jnl, "@pv@ 3 @db.rev@ @//import/main/a.txt@ 2 3 2 101")
	assert.Contains(t, jnl, "@pv@ 3 @db.rev@ @//import/main/b.txt@ 1 3 3 101")
	assert.Contains(t, jnl, "@pv@ 0 @db.integed@ @//import/main/b.txt@ @//import/main/a.txt@ 0 1 0 1 2 101")
}

func TestDetectFileType(t *testing.T) {
	pngHeader := "\x89PNG\r\n\x1a\n" + "0000000000000000"

	tests := []struct {
		name       string
		data       string
		symlink    bool
		fileType   journal.FileType
		compressed bool
	}{
		{"text", "plain old text\n", false, journal.CText, true},
		{"symlink", "target/path", true, journal.Symlink, false},
		{"image", pngHeader, false, journal.UBinary, false},
		{"nul bytes", "ab\x00cd", false, journal.Binary, true},
	}
	for _, tc := range tests {
		ft, compressed := detectFileType(tc.data, tc.symlink)
		assert.Equal(t, tc.fileType, ft, tc.name)
		assert.Equal(t, tc.compressed, compressed, tc.name)
	}
}
