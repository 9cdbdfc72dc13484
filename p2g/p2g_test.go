package p2g

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/rcowham/gitfusion/branch"
	"github.com/rcowham/gitfusion/config"
	"github.com/rcowham/gitfusion/descinfo"
	"github.com/rcowham/gitfusion/objecttype"
	"github.com/rcowham/gitfusion/p4"
	"github.com/rcowham/gitfusion/p4/p4test"
)

var sha1A = strings.Repeat("a", 40)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newRegistry() *branch.Registry {
	reg := branch.NewRegistry()
	reg.Add(&branch.Branch{
		BranchID:      "main",
		GitBranchName: "main",
		View:          branch.View{{DepotPrefix: "//depot/main/"}},
	})
	return reg
}

func newTestEngine(fake *p4test.Runner, out *bytes.Buffer) *Engine {
	cfg, _ := config.Unmarshal(nil)
	return NewEngine(quietLogger(), fake, cfg, newRegistry(),
		objecttype.NewMemoryHistory(), "repo1", out)
}

func importedDesc(desc, sha1 string, changeNum int) string {
	di := &descinfo.DescInfo{
		CleanDesc: desc,
		Sha1:      sha1,
		Author: &descinfo.Ident{
			FullName: "Alice Smith",
			Email:    "<alice@example.com>",
			Time:     "1500000000",
			Timezone: "+0000",
		},
	}
	return di.ToText()
}

func ghostDesc(ofSha1 string, ofChange int) string {
	di := &descinfo.DescInfo{
		CleanDesc:        "Git Fusion branch management",
		GhostOfSha1:      ofSha1,
		GhostOfChangeNum: fmt.Sprintf("%d", ofChange),
	}
	return di.ToText()
}

func TestCopyEmitsCommit(t *testing.T) {
	fake := &p4test.Runner{
		ChangesFn: func(pathRev string) ([]p4.Change, error) {
			assert.Equal(t, "//depot/main/...@1,#head", pathRev)
			return []p4.Change{{Change: 5, User: "alice", Time: 1500000000,
				Description: "Add a file"}}, nil
		},
		DescribeFn: func(changeNum int) (*p4.Change, []p4.FileRev, error) {
			return &p4.Change{Change: 5, User: "alice", Time: 1500000000, Description: "Add a file"},
				[]p4.FileRev{{DepotFile: "//depot/main/a.txt", Rev: 1, Action: p4.ActionAdd, Type: "text"}}, nil
		},
		PrintFn: func(pathRev string, handler func(p4.PrintedRev) error) error {
			// One range print for the whole branch, not one per revision.
			assert.Equal(t, "//depot/main/...@5,@5", pathRev)
			return handler(p4.PrintedRev{
				FileRev: p4.FileRev{DepotFile: "//depot/main/a.txt", Rev: 1,
					Change: 5, Action: p4.ActionAdd, Type: "text"},
				Data: []byte("hello\n"),
			})
		},
	}
	var out bytes.Buffer
	e := newTestEngine(fake, &out)

	assert.NoError(t, e.Copy(0, 0))
	assert.Equal(t, 1, e.ChangesCopied)

	stream := out.String()
	assert.Contains(t, stream, "blob")
	assert.Contains(t, stream, "hello")
	assert.Contains(t, stream, "commit refs/heads/main")
	assert.Contains(t, stream, "a.txt")
	assert.Contains(t, stream, "Add a file")
	// Native changelist: synthesized ident from the owner.
	assert.Contains(t, stream, "alice <alice@repo1>")
	// The high-water mark advanced.
	assert.Equal(t, "5", fake.Keys[fmt.Sprintf(LastCopiedKeyFmt, "repo1")])
}

func TestCopyWritesDeletes(t *testing.T) {
	fake := &p4test.Runner{
		ChangesFn: func(pathRev string) ([]p4.Change, error) {
			return []p4.Change{{Change: 6, User: "alice",
				Description: importedDesc("Remove it", sha1A, 6)}}, nil
		},
		DescribeFn: func(changeNum int) (*p4.Change, []p4.FileRev, error) {
			return &p4.Change{Change: 6, Description: importedDesc("Remove it", sha1A, 6)},
				[]p4.FileRev{{DepotFile: "//depot/main/a.txt", Rev: 2, Action: p4.ActionDelete}}, nil
		},
	}
	var out bytes.Buffer
	e := newTestEngine(fake, &out)

	assert.NoError(t, e.Copy(0, 0))
	stream := out.String()
	assert.Contains(t, stream, "D a.txt")
	// DescInfo idents carried through instead of the owner fallback.
	assert.Contains(t, stream, "Alice Smith <alice@example.com>")
	// The metadata block never reaches the commit message.
	assert.NotContains(t, stream, descinfo.ImportHeader)
	assert.Contains(t, stream, "Remove it")
}

func TestGhostsAreSkipped(t *testing.T) {
	fake := &p4test.Runner{
		ChangesFn: func(pathRev string) ([]p4.Change, error) {
			return []p4.Change{{Change: 7, Description: ghostDesc(sha1A, 4)}}, nil
		},
	}
	var out bytes.Buffer
	e := newTestEngine(fake, &out)

	assert.NoError(t, e.Copy(0, 0))
	assert.Equal(t, 0, e.ChangesCopied)
	assert.NotContains(t, out.String(), "commit ")

	main := e.Branches.ByID("main")
	if assert.NotNil(t, main.MoreRecentSkippedGhost) {
		assert.Equal(t, 7, main.MoreRecentSkippedGhost.ChangeNum)
		assert.Equal(t, 4, main.MoreRecentSkippedGhost.OfChangeNum)
		assert.Equal(t, sha1A, main.MoreRecentSkippedGhost.OfSha1)
	}
	// Ghosts still advance the high-water mark.
	assert.Equal(t, "7", fake.Keys[fmt.Sprintf(LastCopiedKeyFmt, "repo1")])
}

type fakeMirror struct{ has map[string]bool }

func (m *fakeMirror) HasCommit(sha1 string) bool { return m.has[sha1] }

func TestMirrorFastPath(t *testing.T) {
	fake := &p4test.Runner{
		ChangesFn: func(pathRev string) ([]p4.Change, error) {
			return []p4.Change{{Change: 8, Description: importedDesc("Old news", sha1A, 8)}}, nil
		},
		DescribeFn: func(changeNum int) (*p4.Change, []p4.FileRev, error) {
			t.Fatal("mirrored commits must not be described")
			return nil, nil, nil
		},
	}
	var out bytes.Buffer
	e := newTestEngine(fake, &out)
	e.Mirror = &fakeMirror{has: map[string]bool{sha1A: true}}

	assert.NoError(t, e.Copy(0, 0))
	assert.Equal(t, 0, e.ChangesCopied)

	// The head moved; moveRefs resets the ref onto the known sha1.
	assert.Contains(t, out.String(), "reset refs/heads/main")
	assert.Contains(t, out.String(), sha1A)

	// And the correspondence is (re)recorded.
	cn, err := e.History.Sha1ToChangeNum(sha1A, "main")
	assert.NoError(t, err)
	assert.Equal(t, "8", cn)
}

func TestReplicaStopsOnCacheMiss(t *testing.T) {
	fake := &p4test.Runner{
		ChangesFn: func(pathRev string) ([]p4.Change, error) {
			return []p4.Change{
				{Change: 9, Description: importedDesc("known", sha1A, 9)},
				{Change: 10, Description: "a native changelist"},
				{Change: 11, Description: importedDesc("after", strings.Repeat("b", 40), 11)},
			}, nil
		},
	}
	var out bytes.Buffer
	e := newTestEngine(fake, &out)
	e.Replica = true

	assert.NoError(t, e.Copy(0, 0))
	// Change 10 has no recorded commit: the replica stops there.
	h, ok := e.Graph.Head("main")
	assert.True(t, ok)
	assert.Equal(t, sha1A, h.Ref())
	assert.Equal(t, 9, h.ChangeNum)
	// Replicas never write the high-water key.
	assert.Equal(t, "", fake.Keys[fmt.Sprintf(LastCopiedKeyFmt, "repo1")])
}

func TestExternalize(t *testing.T) {
	fake := &p4test.Runner{
		ChangesFn: func(pathRev string) ([]p4.Change, error) {
			return []p4.Change{{Change: 5, User: "alice", Description: "one"}}, nil
		},
		DescribeFn: func(changeNum int) (*p4.Change, []p4.FileRev, error) {
			return &p4.Change{Change: 5, User: "alice", Description: "one"},
				[]p4.FileRev{{DepotFile: "//depot/main/a.txt", Rev: 1, Action: p4.ActionAdd, Type: "text"}}, nil
		},
		PrintFn: func(pathRev string, handler func(p4.PrintedRev) error) error {
			return handler(p4.PrintedRev{
				FileRev: p4.FileRev{DepotFile: "//depot/main/a.txt", Rev: 1, Type: "text"},
				Data:    []byte("x"),
			})
		},
	}
	var out bytes.Buffer
	e := newTestEngine(fake, &out)
	assert.NoError(t, e.Copy(0, 0))

	h, _ := e.Graph.Head("main")
	assert.True(t, h.IsPending())

	assert.NoError(t, e.Externalize(map[int]string{h.Mark(): sha1A}))

	h, _ = e.Graph.Head("main")
	assert.Equal(t, sha1A, h.Sha1())
	cn, err := e.History.Sha1ToChangeNum(sha1A, "main")
	assert.NoError(t, err)
	assert.Equal(t, "5", cn)
}

func TestLastCopied(t *testing.T) {
	fake := &p4test.Runner{Keys: map[string]string{
		fmt.Sprintf(LastCopiedKeyFmt, "repo1"): "42",
	}}
	var out bytes.Buffer
	e := newTestEngine(fake, &out)
	n, err := e.LastCopied()
	assert.NoError(t, err)
	assert.Equal(t, 42, n)

	e2 := newTestEngine(&p4test.Runner{}, &out)
	n, err = e2.LastCopied()
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBulkPrintExpandsDiscoveredBranches(t *testing.T) {
	var printed []string
	fake := &p4test.Runner{
		ChangesFn: func(pathRev string) ([]p4.Change, error) {
			return []p4.Change{
				{Change: 5, User: "alice", Description: "base"},
				{Change: 7, User: "alice", Description: "branched in"},
			}, nil
		},
		DescribeFn: func(changeNum int) (*p4.Change, []p4.FileRev, error) {
			switch changeNum {
			case 5:
				return &p4.Change{Change: 5, User: "alice", Description: "base"},
					[]p4.FileRev{{DepotFile: "//depot/main/a.txt", Rev: 1, Action: p4.ActionAdd, Type: "text"}}, nil
			default:
				return &p4.Change{Change: 7, User: "alice", Description: "branched in"},
					[]p4.FileRev{{DepotFile: "//depot/main/b.txt", Rev: 1, Action: p4.ActionBranch, Type: "text"}}, nil
			}
		},
		PrintFn: func(pathRev string, handler func(p4.PrintedRev) error) error {
			printed = append(printed, pathRev)
			if len(printed) == 1 {
				err := handler(p4.PrintedRev{
					FileRev: p4.FileRev{DepotFile: "//depot/main/a.txt", Rev: 1,
						Change: 5, Action: p4.ActionAdd, Type: "text"},
					Data: []byte("alpha-content"),
				})
				if err != nil {
					return err
				}
				// A branch action whose source lives outside every view.
				return handler(p4.PrintedRev{
					FileRev: p4.FileRev{DepotFile: "//depot/main/b.txt", Rev: 1,
						Change: 7, Action: p4.ActionBranch, Type: "text"},
					Data: []byte("beta-content"),
				})
			}
			// The discovered branch's print replays a known revision.
			return handler(p4.PrintedRev{
				FileRev: p4.FileRev{DepotFile: "//depot/main/a.txt", Rev: 1,
					Change: 5, Action: p4.ActionAdd, Type: "text"},
				Data: []byte("alpha-content"),
			})
		},
		FilelogFn: func(changeNum int, pathRev string) ([]p4.IntegSource, error) {
			return []p4.IntegSource{{
				ToFile:   "//depot/main/b.txt",
				FromFile: "//depot/rel1/b.txt",
				EndRev:   1,
				How:      "branch from",
			}}, nil
		},
	}
	var out bytes.Buffer
	e := newTestEngine(fake, &out)

	assert.NoError(t, e.Copy(0, 0))

	// One range print per branch, then one for the discovered depot branch
	// starting at its own history start.
	assert.Equal(t, []string{"//depot/main/...@5,@7", "//depot/rel1/...@1,@7"}, printed)
	assert.NotNil(t, e.Branches.DepotBranchForPath("//depot/rel1/b.txt"))

	// The replayed revision produced no second blob.
	assert.Equal(t, 1, strings.Count(out.String(), "alpha-content"))
}

func TestGraftCollapsesHistory(t *testing.T) {
	var printed []string
	fake := &p4test.Runner{
		ChangesFn: func(pathRev string) ([]p4.Change, error) {
			// Discovery starts at the graft change, not @1.
			assert.Equal(t, "//depot/main/...@3,#head", pathRev)
			return []p4.Change{
				{Change: 3, User: "alice", Description: "graft point"},
				{Change: 4, User: "alice", Description: "after"},
			}, nil
		},
		DescribeFn: func(changeNum int) (*p4.Change, []p4.FileRev, error) {
			switch changeNum {
			case 3:
				return &p4.Change{Change: 3, User: "alice", Description: "graft point"},
					[]p4.FileRev{{DepotFile: "//depot/main/a.txt", Rev: 2, Action: p4.ActionEdit, Type: "text"}}, nil
			default:
				return &p4.Change{Change: 4, User: "alice", Description: "after"},
					[]p4.FileRev{{DepotFile: "//depot/main/b.txt", Rev: 1, Action: p4.ActionAdd, Type: "text"}}, nil
			}
		},
		FilesFn: func(pathRev string) ([]p4.FileRev, error) {
			assert.Equal(t, "//depot/main/...@3", pathRev)
			return []p4.FileRev{
				{DepotFile: "//depot/main/a.txt", Rev: 2, Action: p4.ActionEdit, Type: "text"},
				{DepotFile: "//depot/main/old.txt", Rev: 1, Action: p4.ActionAdd, Type: "text"},
			}, nil
		},
		PrintFn: func(pathRev string, handler func(p4.PrintedRev) error) error {
			printed = append(printed, pathRev)
			if len(printed) == 1 {
				err := handler(p4.PrintedRev{
					FileRev: p4.FileRev{DepotFile: "//depot/main/a.txt", Rev: 2,
						Change: 3, Action: p4.ActionEdit, Type: "text"},
					Data: []byte("aaa"),
				})
				if err != nil {
					return err
				}
				return handler(p4.PrintedRev{
					FileRev: p4.FileRev{DepotFile: "//depot/main/old.txt", Rev: 1,
						Change: 1, Action: p4.ActionAdd, Type: "text"},
					Data: []byte("ooo"),
				})
			}
			return handler(p4.PrintedRev{
				FileRev: p4.FileRev{DepotFile: "//depot/main/b.txt", Rev: 1,
					Change: 4, Action: p4.ActionAdd, Type: "text"},
				Data: []byte("bbb"),
			})
		},
	}
	reg := branch.NewRegistry()
	reg.Add(&branch.Branch{
		BranchID:       "main",
		GitBranchName:  "main",
		View:           branch.View{{DepotPrefix: "//depot/main/"}},
		GraftChangeNum: 3,
	})
	cfg, _ := config.Unmarshal(nil)
	var out bytes.Buffer
	e := NewEngine(quietLogger(), fake, cfg, reg,
		objecttype.NewMemoryHistory(), "repo1", &out)

	assert.NoError(t, e.Copy(0, 0))
	assert.Equal(t, 2, e.ChangesCopied)

	// Snapshot print at the graft change, then the post-graft range.
	assert.Equal(t, []string{"//depot/main/...@3", "//depot/main/...@4,@4"}, printed)

	// The graft commit restates the full tree, collapsed history included.
	stream := out.String()
	assert.Contains(t, stream, "deleteall")
	assert.Contains(t, stream, "old.txt")
	assert.Contains(t, stream, "b.txt")
}
