package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddCommitAdvancesHead(t *testing.T) {
	x := NewIndex()
	_, ok := x.Head("master")
	assert.False(t, ok)

	x.AddCommit(Node{Ref: ":1", BranchID: "master", ChangeNum: 10})
	h, ok := x.Head("master")
	assert.True(t, ok)
	assert.True(t, h.IsPending())
	assert.Equal(t, ":1", h.Ref())
	assert.Equal(t, 10, h.ChangeNum)

	x.AddCommit(Node{Ref: "cafebabe", Parents: []string{":1"}, BranchID: "master", ChangeNum: 11})
	h, _ = x.Head("master")
	assert.False(t, h.IsPending())
	assert.Equal(t, "cafebabe", h.Ref())
}

func TestGhostNodesNeverBecomeHeads(t *testing.T) {
	x := NewIndex()
	x.AddCommit(Node{Ref: ":1", BranchID: "master", ChangeNum: 10})
	x.AddCommit(Node{Ref: ":2", BranchID: "master", ChangeNum: 11, Ghost: true})

	h, _ := x.Head("master")
	assert.Equal(t, ":1", h.Ref())
	assert.NotNil(t, x.Node(":2"))
}

func TestExternalize(t *testing.T) {
	x := NewIndex()
	x.AddCommit(Node{Ref: ":1", BranchID: "master", ChangeNum: 10})
	x.AddCommit(Node{Ref: ":2", Parents: []string{":1"}, BranchID: "dev", ChangeNum: 11})

	x.Externalize(1, "aaaa1111")

	assert.Nil(t, x.Node(":1"))
	n := x.Node("aaaa1111")
	if assert.NotNil(t, n) {
		assert.Equal(t, "master", n.BranchID)
	}
	// Parent references follow the rename.
	assert.Equal(t, []string{"aaaa1111"}, x.Node(":2").Parents)
	// So does the branch head.
	h, _ := x.Head("master")
	assert.Equal(t, "aaaa1111", h.Ref())
	assert.Equal(t, "aaaa1111", h.Sha1())
	// The dev head still pends on its own mark.
	h, _ = x.Head("dev")
	assert.Equal(t, ":2", h.Ref())

	// Externalizing an unknown mark is a no-op.
	x.Externalize(99, "bbbb2222")
	assert.Nil(t, x.Node("bbbb2222"))
}

func TestIsAncestor(t *testing.T) {
	x := NewIndex()
	x.AddCommit(Node{Ref: ":1", BranchID: "master"})
	x.AddCommit(Node{Ref: ":2", Parents: []string{":1"}, BranchID: "master"})
	x.AddCommit(Node{Ref: ":3", Parents: []string{":1"}, BranchID: "dev"})
	x.AddCommit(Node{Ref: ":4", Parents: []string{":2", ":3"}, BranchID: "master"})

	assert.True(t, x.IsAncestor(":1", ":4"))
	assert.True(t, x.IsAncestor(":3", ":4"))
	assert.True(t, x.IsAncestor(":2", ":2"))
	assert.False(t, x.IsAncestor(":4", ":1"))
	assert.False(t, x.IsAncestor(":2", ":3"))
	// Unknown refs are never ancestors of anything but themselves.
	assert.False(t, x.IsAncestor(":9", ":4"))
}

func TestBranches(t *testing.T) {
	x := NewIndex()
	x.AddCommit(Node{Ref: ":1", BranchID: "master"})
	x.AddCommit(Node{Ref: ":2", BranchID: "dev"})
	assert.Equal(t, []string{"dev", "master"}, x.Branches())
}

func TestDot(t *testing.T) {
	x := NewIndex()
	x.AddCommit(Node{Ref: ":1", BranchID: "master", ChangeNum: 10})
	x.AddCommit(Node{Ref: ":2", Parents: []string{":1"}, BranchID: "master", ChangeNum: 11, Ghost: true})

	out := x.Dot()
	assert.Contains(t, out, "digraph")
	assert.Contains(t, out, "master@10")
	assert.Contains(t, out, "dashed")
}
