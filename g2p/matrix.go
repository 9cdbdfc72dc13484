package g2p

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/rcowham/gitfusion/branch"
	"github.com/rcowham/gitfusion/config"
	"github.com/rcowham/gitfusion/gitexport"
	"github.com/rcowham/gitfusion/node"
	"github.com/rcowham/gitfusion/p4"
)

// ParentInfo describes one Git parent of the commit being copied, already
// resolved to the Perforce branch and changelist that hold it.
type ParentInfo struct {
	Sha1      string
	Branch    *branch.Branch
	ChangeNum int
}

// Matrix decides and executes, for one Git commit landing on one Perforce
// branch, a single Perforce action per file with as few round trips as
// possible. Rows are Git work-tree paths; columns are the contributing
// history sources.
type Matrix struct {
	Log      *logrus.Logger
	Runner   p4.Runner
	Cfg      *config.Config
	Branches *branch.Registry

	Commit  *gitexport.Commit
	Dest    *branch.Branch
	Parents []ParentInfo

	// DestHeadChange is the current head changelist of the destination
	// branch, 0 for an empty branch.
	DestHeadChange int

	// IsFirstOnBranch - this commit populates a brand-new depot branch.
	IsFirstOnBranch bool

	// Trees holds the per-branch Git work-tree state, maintained by the
	// engine across commits.
	Trees map[string]*node.Tree

	// ClientRoot is the client workspace directory DoIt clears and syncs
	// into before the integ phases.
	ClientRoot string

	columns   []*Column
	gdestCol  *Column
	implyCol  *Column
	jitfpCol  *Column
	ghostCol  *Column
	parnCols  []*Column
	rows      map[string]*Row
	rowsSort  []*Row
	linear    bool
	ghostRuns int // ghost changelists submitted for this matrix, never >2

	// previewed holds, per cross-branch column index, the depot files a
	// 'p4 integ -n' preview reports as openable. A nil entry means no
	// preview ran for that column and rows keep their integ requests.
	previewed map[int]map[string]bool
}

// rowKey folds case when the backing server does.
func (m *Matrix) rowKey(gwtPath string) string {
	if m.Cfg.CaseInsensitive {
		return strings.ToLower(gwtPath)
	}
	return gwtPath
}

func (m *Matrix) row(gwtPath string) *Row {
	key := m.rowKey(gwtPath)
	if r, ok := m.rows[key]; ok {
		return r
	}
	r := &Row{GwtPath: gwtPath, DepotPath: m.Dest.View.ToDepot(gwtPath)}
	m.rows[key] = r
	return r
}

// buildColumns lays out the matrix columns for this commit/branch pair.
func (m *Matrix) buildColumns() {
	m.columns = nil
	m.parnCols = nil
	m.implyCol = nil
	m.jitfpCol = nil
	m.ghostCol = nil
	addCol := func(c *Column) *Column {
		c.Index = len(m.columns)
		m.columns = append(m.columns, c)
		return c
	}

	m.gdestCol = addCol(&Column{
		Kind:      GDEST,
		Branch:    m.Dest,
		ChangeNum: m.DestHeadChange,
		Sha1:      m.Commit.Sha1,
	})

	parentChanges := make(map[int]bool)
	for i, p := range m.Parents {
		if p.Branch == nil {
			continue
		}
		col := addCol(&Column{
			Kind:          GPARN,
			Branch:        p.Branch,
			ChangeNum:     p.ChangeNum,
			Sha1:          p.Sha1,
			IsFirstParent: i == 0,
		})
		m.parnCols = append(m.parnCols, col)
		if p.Branch.BranchID == m.Dest.BranchID {
			parentChanges[p.ChangeNum] = true
		}
		// Lightweight parents contribute their fully populated basis.
		if p.Branch.IsLightweight && p.Branch.DepotBranch != nil &&
			p.Branch.DepotBranch.FullyPopulatedBasis != "" {
			dbi := p.Branch.DepotBranch
			basis := m.Branches.FindByDepotFile(dbi.FullyPopulatedBasis + "/x")
			if basis != nil {
				addCol(&Column{
					Kind:      GPARFPN,
					Branch:    basis,
					ChangeNum: dbi.BasisChangeNum,
				})
			}
		}
	}

	// Destination's own fully populated basis for JIT branch actions.
	if m.Dest.IsLightweight && m.Dest.DepotBranch != nil &&
		m.Dest.DepotBranch.FullyPopulatedBasis != "" {
		dbi := m.Dest.DepotBranch
		basis := m.Branches.FindByDepotFile(dbi.FullyPopulatedBasis + "/x")
		if basis != nil {
			m.jitfpCol = addCol(&Column{
				Kind:      P4JITFP,
				Branch:    basis,
				ChangeNum: dbi.BasisChangeNum,
			})
		}
	}

	// Implied parent: the branch head changelist is real history Git does
	// not know about when it matches no Git parent.
	if m.DestHeadChange != 0 && !parentChanges[m.DestHeadChange] {
		m.implyCol = addCol(&Column{
			Kind:      P4IMPLY,
			Branch:    m.Dest,
			ChangeNum: m.DestHeadChange,
		})
	}
}

// linearFastPath is the explicit predicate for trusting git-fast-export's
// own diff verbatim: one parent, same fully-populated branch, no implied
// parent, no LFS edge case. This is the dominant-case path; integ-preview
// discovery is skipped entirely when it holds.
func (m *Matrix) linearFastPath() bool {
	if len(m.Parents) != 1 {
		return false
	}
	p := m.Parents[0]
	if p.Branch == nil || p.Branch.BranchID != m.Dest.BranchID {
		return false
	}
	if m.Dest.IsLightweight {
		return false
	}
	if m.implyCol != nil {
		return false
	}
	if m.Cfg.EnableLFS {
		return false
	}
	return true
}

// Discover runs the read-only queries that populate every cell's facts. It
// never mutates Perforce state.
func (m *Matrix) Discover() error {
	m.rows = make(map[string]*Row)
	m.buildColumns()

	// GDEST git actions come straight from fast-export.
	for _, fc := range m.Commit.Files {
		row := m.row(fc.Path)
		cell := row.Cell(m.gdestCol.Index)
		git := &GitFacts{Mode: fmt.Sprintf("%o", fc.Mode), Sha1: fc.DataRef}
		switch fc.Action {
		case gitexport.Modify:
			if m.destTreeHas(fc.Path) {
				git.Action = "M"
			} else {
				git.Action = "A"
			}
		case gitexport.Delete:
			git.Action = "D"
		case gitexport.Copy:
			git.Action = "Cd"
			git.CopySource = fc.SrcPath
			row.SrcDepotPath = m.Dest.View.ToDepot(fc.SrcPath)
		case gitexport.Rename:
			git.Action = "Rd"
			git.CopySource = fc.SrcPath
			row.SrcDepotPath = m.Dest.View.ToDepot(fc.SrcPath)
			// The source path needs its move/delete half.
			srcRow := m.row(fc.SrcPath)
			srcCell := srcRow.Cell(m.gdestCol.Index)
			srcCell.EnsureDiscovered().Git = &GitFacts{Action: "Rs"}
		}
		if strings.HasPrefix(fc.DataRef, "lfs:") {
			git.LFSOid = strings.TrimPrefix(fc.DataRef, "lfs:")
			row.LFSOid = git.LFSOid
		}
		cell.EnsureDiscovered().Git = git
		row.Mode = git.Mode
		row.Sha1 = git.Sha1
	}

	m.linear = m.linearFastPath()
	if m.linear {
		m.Log.Debugf("Matrix %s: linear fully populated, trusting fast-export diff", abbrev(m.Commit.Sha1))
		m.rowsSort = sortRows(m.rows, m.Cfg.CaseInsensitive)
		return nil
	}

	// 'p4 files' per column, one round trip each.
	for _, col := range m.columns {
		if col.Kind == GHOST || col.Branch == nil || col.ChangeNum == 0 {
			continue
		}
		if err := m.discoverP4Files(col); err != nil {
			return err
		}
	}

	// P4IMPLY rows: files live in Perforce's head but absent from the
	// first parent's Git tree must be reconciled before the real commit.
	if m.implyCol != nil {
		m.discoverImpliedDeletes()
	}

	// Integ previews only for cross-branch parents, the one place an
	// already-integrated source would otherwise produce a doomed integ.
	for _, col := range m.parnCols {
		if col.Branch.BranchID == m.Dest.BranchID {
			continue
		}
		if err := m.discoverIntegPreview(col); err != nil {
			return err
		}
	}

	m.rowsSort = sortRows(m.rows, m.Cfg.CaseInsensitive)
	return nil
}

func (m *Matrix) destTreeHas(gwtPath string) bool {
	t := m.Trees[m.Dest.BranchID]
	if t == nil && len(m.Parents) > 0 && m.Parents[0].Branch != nil {
		t = m.Trees[m.Parents[0].Branch.BranchID]
	}
	return t != nil && t.Exists(gwtPath)
}

// discoverP4Files runs one bulk 'p4 files' for a column and distributes the
// results to rows. Only rows already present gain cells, except for GDEST
// and P4IMPLY whose file sets define rows.
func (m *Matrix) discoverP4Files(col *Column) error {
	root := col.Branch.RootDepotPath()
	if root == "" {
		return nil
	}
	pathRev := fmt.Sprintf("%s/...@%d", root, col.ChangeNum)
	files, err := m.Runner.Files(pathRev)
	if err != nil {
		return err
	}
	defining := col.Kind == GDEST || col.Kind == P4IMPLY
	for _, f := range files {
		gwt := col.Branch.View.ToGwt(f.DepotFile)
		if gwt == "" {
			continue
		}
		key := m.rowKey(gwt)
		row, ok := m.rows[key]
		if !ok {
			if !defining {
				continue
			}
			row = m.row(gwt)
		}
		cell := row.Cell(col.Index)
		cell.EnsureDiscovered().P4 = &P4Facts{
			DepotFile: f.DepotFile,
			Action:    f.Action,
			FileType:  f.Type,
			Rev:       f.Rev,
			Change:    f.Change,
		}
	}
	return nil
}

// discoverIntegPreview runs one 'p4 integ -n' for a cross-branch parent
// column and records which destination files the server would open. The
// decider drops merge integs for files the preview omits: those revisions
// are already integrated and a real attempt would only fail.
func (m *Matrix) discoverIntegPreview(col *Column) error {
	root := col.Branch.RootDepotPath()
	destRoot := m.Dest.RootDepotPath()
	if root == "" || destRoot == "" {
		return nil
	}
	from := fmt.Sprintf("%s/...@%d", root, col.ChangeNum)
	fstats, err := m.Runner.IntegPreview(from, destRoot+"/...", []string{"-t"})
	if err != nil {
		// Preview failures are advisory. The per-cell failure policy on
		// the real integ still governs.
		m.Log.Debugf("Integ preview %s failed: %v", from, err)
		return nil
	}
	set := make(map[string]bool, len(fstats))
	for _, f := range fstats {
		set[f.DepotFile] = true
	}
	if m.previewed == nil {
		m.previewed = make(map[int]map[string]bool)
	}
	m.previewed[col.Index] = set
	return nil
}

// discoverImpliedDeletes marks rows that exist in the implied Perforce head
// but not in the Git parent tree: the ghost must delete them before the real
// commit's diff applies cleanly.
func (m *Matrix) discoverImpliedDeletes() {
	var parentTree *node.Tree
	if len(m.Parents) > 0 && m.Parents[0].Branch != nil {
		parentTree = m.Trees[m.Parents[0].Branch.BranchID]
	}
	for _, row := range m.rows {
		cell := row.CellIf(m.implyCol.Index)
		if cell == nil || !cell.P4Exists() {
			continue
		}
		inParent := parentTree != nil && parentTree.Exists(row.GwtPath)
		if !inParent {
			implied := row.Cell(m.implyCol.Index)
			implied.EnsureDiscovered().Git = &GitFacts{Action: "D"}
		}
	}
}

// Decide picks exactly one Perforce request per row. Linear-fast-path rows
// were effectively decided during discovery; everything else goes through
// the row decider.
func (m *Matrix) Decide() error {
	decider := &rowDecider{m: m}
	for _, row := range m.rowsSort {
		if err := decider.decide(row); err != nil {
			return fmt.Errorf("deciding %s: %w", row.GwtPath, err)
		}
	}
	return m.decideP4RequestsPostInteg()
}

// decideP4RequestsPostInteg folds every cell's request into the row's final
// request using the documented precedence.
func (m *Matrix) decideP4RequestsPostInteg() error {
	for _, row := range m.rowsSort {
		req := row.P4Request
		for i, cell := range row.Cells {
			if cell == nil || cell.Decided == nil || cell.Decided.P4Request == ReqNone {
				continue
			}
			if m.ghostCol != nil && i == m.ghostCol.Index {
				continue
			}
			merged, err := BetterRequest(req, cell.Decided.P4Request)
			if err != nil {
				return fmt.Errorf("row %s: %w", row.GwtPath, err)
			}
			req = merged
		}
		row.P4Request = req
	}
	return nil
}

// EnsureNonEmpty force-opens exactly one file when the decided changelist
// would otherwise be empty: Perforce forbids empty submits. Prefer editing
// an existing file with no content change; fall back to a permanent
// placeholder.
func (m *Matrix) EnsureNonEmpty() {
	for _, row := range m.rowsSort {
		if row.P4Request != ReqNone {
			return
		}
	}
	for _, row := range m.rowsSort {
		cell := row.CellIf(m.gdestCol.Index)
		if cell.P4Exists() {
			row.P4Request = ReqEdit
			m.Log.Debugf("Empty changelist: forcing edit of %s", row.GwtPath)
			return
		}
	}
	placeholder := m.row(PlaceholderGwtPath)
	placeholder.P4Request = ReqAdd
	placeholder.P4Filetype = "text"
	m.rowsSort = sortRows(m.rows, m.Cfg.CaseInsensitive)
	m.Log.Debugf("Empty changelist: adding placeholder %s", PlaceholderGwtPath)
}

// PlaceholderGwtPath is the permanent placeholder file reserved for
// content-free commits.
const PlaceholderGwtPath = ".p4gf_empty_changelist_placeholder"

// Rows returns the path-sorted rows. Valid after Discover.
func (m *Matrix) Rows() []*Row { return m.rowsSort }

// Columns returns the matrix columns.
func (m *Matrix) Columns() []*Column { return m.columns }

// Dump renders the matrix for the diagnostic handler.
func (m *Matrix) Dump() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "matrix %s -> %s (%d rows, %d cols, linear=%v)\n",
		abbrev(m.Commit.Sha1), m.Dest, len(m.rowsSort), len(m.columns), m.linear)
	for _, col := range m.columns {
		fmt.Fprintf(&sb, "  col %v\n", col)
	}
	for _, row := range m.rowsSort {
		fmt.Fprintf(&sb, "  row %-40s req=%-10s type=%s\n", row.GwtPath, row.P4Request, row.P4Filetype)
		for i, cell := range row.Cells {
			if cell == nil || (cell.Discovered == nil && cell.Decided == nil) {
				continue
			}
			fmt.Fprintf(&sb, "    [%d] git=%-3s p4exists=%-5v decided=%v\n",
				i, cell.GitAction(), cell.P4Exists(), cell.Decided)
		}
	}
	return sb.String()
}
