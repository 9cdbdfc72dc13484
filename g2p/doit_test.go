package g2p

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rcowham/gitfusion/gitexport"
	"github.com/rcowham/gitfusion/node"
	"github.com/rcowham/gitfusion/p4"
	"github.com/rcowham/gitfusion/p4/p4test"
)

type nopFileWriter struct{}

func (nopFileWriter) WriteFile(row *Row) error { return nil }

func TestDoItPhaseOrder(t *testing.T) {
	fake := &p4test.Runner{}
	master := testBranch("master", "//depot/main")
	commit := &gitexport.Commit{Sha1: strings.Repeat("a", 40)}
	m := newMatrix(fake, commit, master)

	staging := t.TempDir()
	m.ClientRoot = staging
	stale := filepath.Join(staging, "stale.txt")
	assert.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	m.rows = map[string]*Row{}

	del := m.row("gone.txt")
	del.P4Request = ReqDelete
	dec, err := NewIntegDecided("-Rbd -t", "-at", PolicyRaise, ReqNone)
	assert.NoError(t, err)
	c := del.Cell(1)
	c.Decided = dec
	c.EnsureDiscovered().Integ = &IntegFacts{FromFile: "//depot/basis/gone.txt", StartRev: 0, EndRev: 2}

	edit := m.row("kept.txt")
	edit.P4Request = ReqEdit
	dec2, err := NewIntegDecided("-b", "-at", PolicyFallback, ReqEdit)
	assert.NoError(t, err)
	c2 := edit.Cell(2)
	c2.Decided = dec2
	c2.EnsureDiscovered().Integ = &IntegFacts{FromFile: "//depot/dev/kept.txt", StartRev: 1, EndRev: 2}

	m.rowsSort = sortRows(m.rows, false)

	assert.NoError(t, m.DoIt(nopFileWriter{}))

	// The stale staging file was cleared before anything synced.
	_, statErr := os.Stat(stale)
	assert.True(t, os.IsNotExist(statErr))

	// Delete integs run first, then the minimal sync, then branch/edit
	// integs, then the opens.
	var phases []string
	for _, call := range fake.Calls {
		switch {
		case strings.HasPrefix(call, "integ //depot/basis/"):
			phases = append(phases, "integ-delete")
		case strings.HasPrefix(call, "sync"):
			phases = append(phases, "sync")
		case strings.HasPrefix(call, "integ //depot/dev/"):
			phases = append(phases, "integ-edit")
		case strings.HasPrefix(call, "opened"):
			phases = append(phases, "opened")
		case strings.HasPrefix(call, "open "):
			phases = append(phases, "open")
		}
	}
	assert.Equal(t, []string{"integ-delete", "sync", "integ-edit", "opened", "open", "open"}, phases)
}

func TestSyncCoversOnlyIntegRows(t *testing.T) {
	var synced []string
	fake := &p4test.Runner{
		SyncFn: func(pathRevs []string) error {
			synced = append(synced, pathRevs...)
			return nil
		},
	}
	master := testBranch("master", "//depot/main")
	commit := &gitexport.Commit{Sha1: strings.Repeat("a", 40)}
	m := newMatrix(fake, commit, master)
	m.rows = map[string]*Row{}

	plain := m.row("plain.txt")
	plain.P4Request = ReqAdd

	merged := m.row("merged.txt")
	merged.P4Request = ReqEdit
	dec, err := NewIntegDecided("-b", "-at", PolicyFallback, ReqEdit)
	assert.NoError(t, err)
	c := merged.Cell(1)
	c.Decided = dec
	c.EnsureDiscovered().Integ = &IntegFacts{FromFile: "//depot/dev/merged.txt", StartRev: 0, EndRev: 1}

	m.rowsSort = sortRows(m.rows, false)

	assert.NoError(t, m.DoIt(nopFileWriter{}))
	assert.Equal(t, []string{"//depot/main/merged.txt"}, synced)
}

func TestIntegPreviewFiltersCreditedRevisions(t *testing.T) {
	fake := &p4test.Runner{
		FilesFn: func(pathRev string) ([]p4.FileRev, error) {
			if strings.HasPrefix(pathRev, "//depot/dev/") {
				return []p4.FileRev{
					{DepotFile: "//depot/dev/a.txt", Rev: 2, Action: p4.ActionEdit, Type: "text", Change: 7},
					{DepotFile: "//depot/dev/b.txt", Rev: 2, Action: p4.ActionEdit, Type: "text", Change: 7},
				}, nil
			}
			return []p4.FileRev{
				{DepotFile: "//depot/main/a.txt", Rev: 1, Action: p4.ActionAdd, Type: "text", Change: 9},
				{DepotFile: "//depot/main/b.txt", Rev: 1, Action: p4.ActionAdd, Type: "text", Change: 9},
			}, nil
		},
		IntegPreviewFn: func(fromPathRev, toPath string, flags []string) ([]p4.Fstat, error) {
			assert.Equal(t, "//depot/dev/...@7", fromPathRev)
			assert.Equal(t, "//depot/main/...", toPath)
			// Only a.txt still has uncredited source revisions.
			return []p4.Fstat{{DepotFile: "//depot/main/a.txt"}}, nil
		},
	}
	master := testBranch("master", "//depot/main")
	dev := testBranch("dev", "//depot/dev")
	commit := &gitexport.Commit{
		Sha1: strings.Repeat("a", 40),
		Files: []gitexport.FileChange{
			modify("a.txt", ":1"),
			modify("b.txt", ":2"),
		},
	}
	m := newMatrix(fake, commit, master)
	m.Branches.Add(dev)
	m.Parents = []ParentInfo{
		{Sha1: strings.Repeat("b", 40), Branch: master, ChangeNum: 9},
		{Sha1: strings.Repeat("c", 40), Branch: dev, ChangeNum: 7},
	}
	m.DestHeadChange = 9

	tree := node.NewTree(false)
	tree.Add("a.txt")
	tree.Add("b.txt")
	m.Trees["master"] = tree

	assert.NoError(t, m.Discover())
	assert.NoError(t, m.Decide())

	byPath := map[string]*Row{}
	for _, row := range m.Rows() {
		byPath[row.GwtPath] = row
	}
	devCol := m.Columns()[2]
	assert.Equal(t, GPARN, devCol.Kind)
	assert.Equal(t, "dev", devCol.Branch.BranchID)

	aCell := byPath["a.txt"].CellIf(devCol.Index)
	if assert.NotNil(t, aCell.Decided) {
		assert.True(t, aCell.Decided.HasInteg)
		assert.Equal(t, "//depot/dev/a.txt", aCell.Discovered.Integ.FromFile)
	}
	// b.txt's source revisions are already integrated; no integ decided.
	bCell := byPath["b.txt"].CellIf(devCol.Index)
	assert.Nil(t, bCell.Decided)
}
