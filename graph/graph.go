// Package graph indexes commit/parent relationships that have not yet been
// externalized to the Git object store, so "what is the current head of
// branch B" never needs a store query mid-translation.
package graph

import (
	"fmt"
	"sort"

	"github.com/emicklei/dot"

	"github.com/rcowham/gitfusion/branch"
)

// Node - one commit known to the index, pending (mark) or externalized
// (sha1).
type Node struct {
	Ref       string   // ":N" mark or sha1
	Parents   []string // refs, first parent first
	BranchID  string
	ChangeNum int
	Ghost     bool // ghost changelists get nodes for diagnostics only
}

// Index is the in-memory commit graph for one translation run.
type Index struct {
	nodes map[string]*Node        // by ref
	heads map[string]branch.Head  // branchID -> head
}

func NewIndex() *Index {
	return &Index{
		nodes: make(map[string]*Node),
		heads: make(map[string]branch.Head),
	}
}

// AddCommit records a commit and advances its branch head.
func (x *Index) AddCommit(n Node) {
	x.nodes[n.Ref] = &n
	if n.Ghost {
		return
	}
	var h branch.Head
	if n.Ref != "" && n.Ref[0] == ':' {
		h = branch.PendingHead(markOf(n.Ref), n.ChangeNum)
	} else {
		h = branch.ExternalizedHead(n.Ref, n.ChangeNum)
	}
	x.heads[n.BranchID] = h
}

// Head returns the current head of a branch; second result false if the
// branch has no commits yet.
func (x *Index) Head(branchID string) (branch.Head, bool) {
	h, ok := x.heads[branchID]
	return h, ok
}

// SetHead seeds a branch head discovered from persisted state at run start.
func (x *Index) SetHead(branchID string, h branch.Head) {
	x.heads[branchID] = h
}

// Node returns the indexed commit, nil if unknown.
func (x *Index) Node(ref string) *Node {
	return x.nodes[ref]
}

// Externalize rewrites a pending mark to its final sha1 everywhere it
// appears: the node itself, parent lists, and branch heads.
func (x *Index) Externalize(mark int, sha1 string) {
	ref := fmt.Sprintf(":%d", mark)
	n, ok := x.nodes[ref]
	if !ok {
		return
	}
	delete(x.nodes, ref)
	n.Ref = sha1
	x.nodes[sha1] = n
	for _, other := range x.nodes {
		for i, p := range other.Parents {
			if p == ref {
				other.Parents[i] = sha1
			}
		}
	}
	for branchID, h := range x.heads {
		if h.IsPending() && h.Mark() == mark {
			h.Externalize(sha1)
			x.heads[branchID] = h
		}
	}
}

// Branches returns every branch id with a head, sorted.
func (x *Index) Branches() []string {
	ids := make([]string, 0, len(x.heads))
	for id := range x.heads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsAncestor reports whether a is an ancestor of (or equal to) b, walking
// only commits this index knows about.
func (x *Index) IsAncestor(a, b string) bool {
	if a == b {
		return true
	}
	seen := make(map[string]bool)
	stack := []string{b}
	for len(stack) > 0 {
		ref := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[ref] {
			continue
		}
		seen[ref] = true
		n := x.nodes[ref]
		if n == nil {
			continue
		}
		for _, p := range n.Parents {
			if p == a {
				return true
			}
			stack = append(stack, p)
		}
	}
	return false
}

// Dot renders the graph for the diagnostic dump. Ghost nodes are dashed.
func (x *Index) Dot() string {
	g := dot.NewGraph(dot.Directed)
	refs := make([]string, 0, len(x.nodes))
	for ref := range x.nodes {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	dn := make(map[string]dot.Node, len(refs))
	for _, ref := range refs {
		n := x.nodes[ref]
		label := fmt.Sprintf("%s\n%s@%d", abbrev(ref), n.BranchID, n.ChangeNum)
		node := g.Node(ref).Label(label)
		if n.Ghost {
			node.Attr("style", "dashed")
		}
		dn[ref] = node
	}
	for _, ref := range refs {
		for _, p := range x.nodes[ref].Parents {
			if parent, ok := dn[p]; ok {
				g.Edge(dn[ref], parent)
			}
		}
	}
	return g.String()
}

func abbrev(ref string) string {
	if len(ref) > 7 && ref[0] != ':' {
		return ref[:7]
	}
	return ref
}

func markOf(ref string) int {
	n := 0
	for _, c := range ref[1:] {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n
}
