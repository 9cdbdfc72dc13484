package g2p

import (
	"sort"
	"strings"
)

// Row - one Git work-tree path's journey through the matrix.
type Row struct {
	GwtPath   string
	DepotPath string // path in the destination branch's depot space

	// Cells indexed by column index; nil where a column does not
	// intersect this path.
	Cells []*Cell

	// P4Request - the algebraic max of all populated cells' decisions,
	// set by decide().
	P4Request Request

	// P4Filetype - the filetype the row should end with, "" when the
	// existing type already matches.
	P4Filetype string

	// SrcDepotPath - integration/copy/move source, when one applies.
	SrcDepotPath string

	// Mode - git file mode for the destination revision.
	Mode string

	// Sha1 - blob content ref for the destination revision.
	Sha1 string

	// LFSOid - large-file OID when the blob is a Git LFS pointer.
	LFSOid string
}

// Cell returns the cell at a column index, creating it if needed.
func (r *Row) Cell(index int) *Cell {
	for len(r.Cells) <= index {
		r.Cells = append(r.Cells, nil)
	}
	if r.Cells[index] == nil {
		r.Cells[index] = &Cell{}
	}
	return r.Cells[index]
}

// CellIf returns the cell at a column index, nil if absent.
func (r *Row) CellIf(index int) *Cell {
	if index < len(r.Cells) {
		return r.Cells[index]
	}
	return nil
}

// HasP4Action reports whether any cell decided to do anything.
func (r *Row) HasP4Action() bool {
	for _, c := range r.Cells {
		if c != nil && c.Decided != nil && c.Decided.HasP4Action() {
			return true
		}
	}
	return r.P4Request != ReqNone
}

// sortRows returns rows in path order, case-folded when the backing server
// is case-insensitive, so parent directories sort before their children.
func sortRows(rows map[string]*Row, foldCase bool) []*Row {
	out := make([]*Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].GwtPath, out[j].GwtPath
		if foldCase {
			a, b = strings.ToLower(a), strings.ToLower(b)
		}
		return a < b
	})
	return out
}
