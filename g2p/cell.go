package g2p

import (
	"github.com/rcowham/gitfusion/p4"
)

// GitFacts - discovery results from the Git side of a column: the
// fast-export action for GDEST, diff-tree output for P4IMPLY and GHOST,
// ls-tree existence for parent columns.
type GitFacts struct {
	Action     string // A/M/T/D/Cd/Rd/Rs, "" when Git has nothing to say
	Mode       string // file mode, e.g. "100644", "120000", "160000"
	Sha1       string // blob sha1 (or mark ref) of the file's content
	CopySource string // source gwt path when Action is Cd/Rd
	LFSOid     string // large-object id when the file is an LFS pointer
}

// P4Facts - discovery results from 'p4 files'/'p4 fstat' for a column.
type P4Facts struct {
	DepotFile string
	Action    p4.FileAction
	FileType  string
	Rev       int
	Change    int
}

// Exists reports whether the file exists and is not deleted at head.
func (f *P4Facts) Exists() bool {
	return f != nil && f.DepotFile != "" && !f.Action.IsDelete()
}

// IntegFacts - integration preview results. Populated only on GPARN and
// GPARFPN columns, and only when the linear fast path did not apply.
type IntegFacts struct {
	FromFile string
	StartRev int
	EndRev   int
	How      string
}

// Discovered - the raw facts half of a cell. Which groups are populated
// depends on the column kind: GDEST and P4IMPLY carry Git and P4 facts,
// GPARN may add integ facts, P4JITFP and GPARFPN carry only P4 facts, GHOST
// carries Git facts describing the state it must recreate.
type Discovered struct {
	Git   *GitFacts
	P4    *P4Facts
	Integ *IntegFacts
}

// Cell - a file's intersection with a single column: what we found, and
// what we decided to do about it. Decided is only set once discovery for
// all contributing columns of the row is complete.
type Cell struct {
	Discovered *Discovered
	Decided    *Decided
}

// EnsureDecided returns the cell's Decided, creating an empty one.
func (c *Cell) EnsureDecided() *Decided {
	if c.Decided == nil {
		c.Decided = &Decided{}
	}
	return c.Decided
}

// EnsureDiscovered returns the cell's Discovered, creating an empty one.
func (c *Cell) EnsureDiscovered() *Discovered {
	if c.Discovered == nil {
		c.Discovered = &Discovered{}
	}
	return c.Discovered
}

// GitAction returns the discovered git action, "" if none.
func (c *Cell) GitAction() string {
	if c == nil || c.Discovered == nil || c.Discovered.Git == nil {
		return ""
	}
	return c.Discovered.Git.Action
}

// P4Exists reports whether the column's branch holds a live revision of the
// file.
func (c *Cell) P4Exists() bool {
	return c != nil && c.Discovered != nil && c.Discovered.P4.Exists()
}
