package fastpush

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rcowham/gitfusion/descinfo"
	"github.com/rcowham/gitfusion/objecttype"
	"github.com/rcowham/gitfusion/p4"
	"github.com/rcowham/gitfusion/p4/p4test"
)

// fakeImporter hands out a fixed real changelist number per journal file.
type fakeImporter struct {
	replayed []string
	real     map[string]int
	err      error
}

func (f *fakeImporter) ReplayJournal(path string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.replayed = append(f.replayed, path)
	return f.real[path], nil
}

func testSnapshot() *Snapshot {
	return &Snapshot{
		RepoName:    "repo1",
		FirstGFMark: 100,
		LastGFMark:  103,
		RevCount:    6,
		Chunks: []Chunk{
			{File: "jnl.0", FirstMark: 100, LastMark: 101},
			{File: "jnl.1", FirstMark: 102, LastMark: 103},
		},
		DescRewrites: []int{101},
		Sha1ByGFMark: map[int]string{100: "aaa1", 101: "bbb2", 102: "ccc3", 103: "ddd4"},
		BranchByGFMark: map[int]string{
			100: "master", 101: "master", 102: "dev", 103: "dev",
		},
		BranchHeads: map[string]int{"master": 101, "dev": 103},
	}
}

func TestPostReceiveRun(t *testing.T) {
	snap := testSnapshot()
	importer := &fakeImporter{real: map[string]int{"jnl.0": 5000, "jnl.1": 7000}}

	desc := &descinfo.DescInfo{
		CleanDesc:     "update",
		Sha1:          "bbb2",
		PushState:     "complete",
		Parents:       []string{"aaa1"},
		ParentChanges: map[string][]string{"aaa1": {":100"}},
	}
	var rewritten string
	fake := &p4test.Runner{
		DescribeFn: func(changeNum int) (*p4.Change, []p4.FileRev, error) {
			assert.Equal(t, 5001, changeNum)
			return &p4.Change{Change: changeNum, User: "git-fusion-user", Description: desc.ToText()}, nil, nil
		},
		ChangeOwnerFn: func(changeNum int, user string, description string) error {
			assert.Equal(t, 5001, changeNum)
			assert.Equal(t, "git-fusion-user", user)
			rewritten = description
			return nil
		},
	}

	history := objecttype.NewMemoryHistory()
	pr := &PostReceive{Logger: quietLogger(), Runner: fake, Importer: importer, History: history}
	offsets, err := pr.Run(snap)
	assert.NoError(t, err)
	assert.Equal(t, []string{"jnl.0", "jnl.1"}, importer.replayed)

	// Marks shift per chunk: the second chunk landed at 7000.
	assert.Equal(t, 5000, offsets.ToChangeNum(100))
	assert.Equal(t, 5001, offsets.ToChangeNum(101))
	assert.Equal(t, 7000, offsets.ToChangeNum(102))
	assert.Equal(t, 7001, offsets.ToChangeNum(103))

	// The parent gfmark in the description became its real number.
	assert.Contains(t, rewritten, "aaa1=[5000]")
	assert.NotContains(t, rewritten, ":100")

	// Every mark lands on the branch pre-receive recorded for it.
	cn, err := history.Sha1ToChangeNum("bbb2", "master")
	assert.NoError(t, err)
	assert.Equal(t, "5001", cn)
	cn, err = history.Sha1ToChangeNum("aaa1", "master")
	assert.NoError(t, err)
	assert.Equal(t, "5000", cn)
	cn, err = history.Sha1ToChangeNum("ccc3", "dev")
	assert.NoError(t, err)
	assert.Equal(t, "7000", cn)
	cn, err = history.Sha1ToChangeNum("ddd4", "dev")
	assert.NoError(t, err)
	assert.Equal(t, "7001", cn)
}

func TestRecordHistoryInterleavedBranches(t *testing.T) {
	// master and dev commits alternate, so mark order alone cannot tell
	// which branch an early master commit belongs to.
	snap := &Snapshot{
		RepoName:    "repo1",
		FirstGFMark: 100,
		LastGFMark:  102,
		Chunks:      []Chunk{{File: "jnl.0", FirstMark: 100, LastMark: 102}},
		Sha1ByGFMark: map[int]string{
			100: "aaa1", 101: "bbb2", 102: "ccc3",
		},
		BranchByGFMark: map[int]string{
			100: "master", 101: "dev", 102: "master",
		},
		BranchHeads: map[string]int{"master": 102, "dev": 101},
	}
	importer := &fakeImporter{real: map[string]int{"jnl.0": 5000}}
	history := objecttype.NewMemoryHistory()
	pr := &PostReceive{Logger: quietLogger(), Runner: &p4test.Runner{}, Importer: importer,
		History: history}
	_, err := pr.Run(snap)
	assert.NoError(t, err)

	cn, err := history.Sha1ToChangeNum("aaa1", "master")
	assert.NoError(t, err)
	assert.Equal(t, "5000", cn)
	cn, err = history.Sha1ToChangeNum("aaa1", "dev")
	assert.NoError(t, err)
	assert.Empty(t, cn)
	cn, err = history.Sha1ToChangeNum("bbb2", "dev")
	assert.NoError(t, err)
	assert.Equal(t, "5001", cn)
	cn, err = history.Sha1ToChangeNum("ccc3", "master")
	assert.NoError(t, err)
	assert.Equal(t, "5002", cn)
}

func TestPostReceiveReplayError(t *testing.T) {
	importer := &fakeImporter{err: fmt.Errorf("p4d exited 1")}
	pr := &PostReceive{Logger: quietLogger(), Runner: &p4test.Runner{}, Importer: importer,
		History: objecttype.NewMemoryHistory()}
	_, err := pr.Run(testSnapshot())
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "replaying jnl.0")
	}
}

func TestRewriteSkipsPlainDescriptions(t *testing.T) {
	snap := testSnapshot()
	importer := &fakeImporter{real: map[string]int{"jnl.0": 5000, "jnl.1": 7000}}
	fake := &p4test.Runner{
		DescribeFn: func(changeNum int) (*p4.Change, []p4.FileRev, error) {
			return &p4.Change{Change: changeNum, Description: "no metadata here"}, nil, nil
		},
		ChangeOwnerFn: func(changeNum int, user string, description string) error {
			t.Fatal("unexpected ChangeOwner for a plain description")
			return nil
		},
	}
	pr := &PostReceive{Logger: quietLogger(), Runner: fake, Importer: importer,
		History: objecttype.NewMemoryHistory()}
	_, err := pr.Run(snap)
	assert.NoError(t, err)
}
